package tandem

import "fmt"

// IntegrityWarning flags an invariant the merged document violates.
// Reducers are write-time guards only: a structural merge of two
// individually valid edits can land outside the validated space (two devices
// configuring conflicting floor ranges, a deletion racing a reference).
// Reconciliation re-validates after every merge and flags what it finds for
// user resolution; it never reverts, because the CRDT has already converged
// and reverting would just fork the replicas again.
type IntegrityWarning struct {
	// Kind names the violated rule.
	Kind string `json:"kind"`
	// EntityID is the offending entity.
	EntityID string `json:"entityId"`
	// Detail is a human-readable description.
	Detail string `json:"detail"`
}

const (
	WarnDanglingReference = "danglingReference"
	WarnFloorRange        = "floorRange"
	WarnFloorsVisited     = "floorsVisited"
	WarnDuplicateLink     = "duplicateLink"
	WarnOrphanRelation    = "orphanRelation"
	WarnStatusUnknown     = "statusUnknown"
)

// ValidateDocument re-checks the domain invariants the reducers enforce at
// write time. It is pure and runs over a published snapshot.
func ValidateDocument(doc *Document) []IntegrityWarning {
	var out []IntegrityWarning
	warn := func(kind, entityID, format string, args ...any) {
		out = append(out, IntegrityWarning{
			Kind:     kind,
			EntityID: entityID,
			Detail:   fmt.Sprintf(format, args...),
		})
	}

	for id, acct := range doc.Accounts {
		if _, ok := doc.Organizations[acct.OrganizationID]; !ok {
			warn(WarnDanglingReference, id,
				"account references missing organization %q", acct.OrganizationID)
		}
		if msg := validateFloorRange(acct.FloorRange); msg != "" {
			warn(WarnFloorRange, id, "%s", msg)
		}
		if _, ok := normalizeAccountStatus(string(acct.Status)); !ok {
			warn(WarnStatusUnknown, id, "unknown account status %q", acct.Status)
		}
	}

	for id, audit := range doc.Audits {
		acct, ok := doc.Accounts[audit.AccountID]
		if !ok {
			warn(WarnDanglingReference, id,
				"audit references missing account %q", audit.AccountID)
			continue
		}
		if len(audit.FloorsVisited) > 0 {
			if acct.FloorRange == nil {
				warn(WarnFloorsVisited, id,
					"audit has visited floors but account %q has no floor range", acct.ID)
				continue
			}
			seen := make(map[int]struct{}, len(audit.FloorsVisited))
			for _, f := range audit.FloorsVisited {
				if _, dup := seen[f]; dup {
					warn(WarnFloorsVisited, id, "duplicate visited floor %d", f)
					continue
				}
				seen[f] = struct{}{}
				if !acct.FloorRange.Allows(f) {
					warn(WarnFloorsVisited, id,
						"floor %d is outside the account's allowed set", f)
				}
			}
		}
	}

	for id, code := range doc.Codes {
		if _, ok := doc.Accounts[code.AccountID]; !ok {
			warn(WarnDanglingReference, id,
				"code references missing account %q", code.AccountID)
		}
		if _, ok := doc.AccountCodes[id]; !ok {
			warn(WarnOrphanRelation, id, "code has no accountCodes relation record")
		}
	}
	for id, rel := range doc.AccountCodes {
		if _, ok := doc.Codes[rel.CodeID]; !ok {
			warn(WarnOrphanRelation, id,
				"accountCodes relation references missing code %q", rel.CodeID)
		}
	}

	for id, ev := range doc.CalendarEvents {
		if ev.Type == CalendarAudit && ev.AuditData != nil {
			if _, ok := doc.Accounts[ev.AuditData.AccountID]; !ok {
				warn(WarnDanglingReference, id,
					"calendar event audit data references missing account %q", ev.AuditData.AccountID)
			}
		}
		if _, ok := normalizeEventStatus(string(ev.Status)); !ok {
			warn(WarnStatusUnknown, id, "unknown calendar event status %q", ev.Status)
		}
	}

	tuples := make(map[string]string, len(doc.Links))
	for id, link := range doc.Links {
		if !doc.hasEntity(link.SourceType, link.SourceID) {
			warn(WarnDanglingReference, id,
				"link source %s %q not found", link.SourceType, link.SourceID)
		}
		if !doc.hasEntity(link.TargetType, link.TargetID) {
			warn(WarnDanglingReference, id,
				"link target %s %q not found", link.TargetType, link.TargetID)
		}
		t := link.tuple()
		if otherID, dup := tuples[t]; dup {
			// Report deterministically against the lexically larger id.
			dupID := id
			if otherID > dupID {
				dupID = otherID
			}
			warn(WarnDuplicateLink, dupID, "duplicate link tuple %s", t)
		} else {
			tuples[t] = id
		}
	}

	return out
}
