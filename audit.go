package tandem

// Audit is a scheduled or completed walkthrough of an account.
type Audit struct {
	ID            string `json:"id"`
	AccountID     string `json:"accountId"`
	ScheduledFor  int64  `json:"scheduledFor"`
	OccurredAt    int64  `json:"occurredAt,omitempty"`
	Score         *int   `json:"score,omitempty"`
	Notes         string `json:"notes,omitempty"`
	FloorsVisited []int  `json:"floorsVisited,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
	UpdatedAt     int64  `json:"updatedAt"`
}

func (a *Audit) clone() *Audit { return cloneViaJSON(a) }

// AuditPayload is the body of audit events.
type AuditPayload struct {
	ID            string  `json:"id,omitempty"`
	AccountID     *string `json:"accountId,omitempty"`
	ScheduledFor  *int64  `json:"scheduledFor,omitempty"`
	OccurredAt    *int64  `json:"occurredAt,omitempty"`
	Score         *int    `json:"score,omitempty"`
	Notes         *string `json:"notes,omitempty"`
	FloorsVisited []int   `json:"floorsVisited,omitempty"`
}

// validateFloorsVisited enforces the audit floor invariant: floors must be
// unique, each a member of the account's allowed-floor set; an account with
// no range configured admits no visited floors at all.
func validateFloorsVisited(eventType, id string, acct *Account, floors []int) error {
	if len(floors) == 0 {
		return nil
	}
	if acct.FloorRange == nil {
		return newValidationError(CodeInvariantViolation, eventType, id,
			"account %q has no floor range; floorsVisited must be empty", acct.ID)
	}
	seen := make(map[int]struct{}, len(floors))
	for _, f := range floors {
		if _, dup := seen[f]; dup {
			return newValidationError(CodeInvariantViolation, eventType, id,
				"duplicate visited floor %d", f)
		}
		seen[f] = struct{}{}
		if !acct.FloorRange.Allows(f) {
			return newValidationError(CodeInvariantViolation, eventType, id,
				"floor %d is outside the account's allowed set", f)
		}
	}
	return nil
}

func applyAuditEvent(tx *Tx, env Envelope) error {
	var p AuditPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	id, err := tx.resolveEntityID(env, p.ID)
	if err != nil {
		return err
	}
	doc := tx.Doc()

	switch env.Type {
	case EventAuditCreated:
		if err := requireAbsent(doc, MapAudits, env.Type, id); err != nil {
			return err
		}
		if p.AccountID == nil || *p.AccountID == "" {
			return newValidationError(CodeInvariantViolation, env.Type, id,
				"accountId is required")
		}
		acct, ok := doc.Accounts[*p.AccountID]
		if !ok {
			return newValidationError(CodeInvalidReference, env.Type, id,
				"account %q not found", *p.AccountID)
		}
		if p.ScheduledFor == nil {
			return newValidationError(CodeInvariantViolation, env.Type, id,
				"scheduledFor is required")
		}
		if err := validateFloorsVisited(env.Type, id, acct, p.FloorsVisited); err != nil {
			return err
		}
		audit := &Audit{
			ID:            id,
			AccountID:     *p.AccountID,
			ScheduledFor:  *p.ScheduledFor,
			Score:         p.Score,
			FloorsVisited: p.FloorsVisited,
			CreatedAt:     env.Timestamp,
			UpdatedAt:     env.Timestamp,
		}
		if p.OccurredAt != nil {
			audit.OccurredAt = *p.OccurredAt
		}
		if p.Notes != nil {
			audit.Notes = *p.Notes
		}
		return tx.put(MapAudits, id, audit)

	case EventAuditUpdated, EventAuditCompleted:
		if err := requirePresent(doc, MapAudits, env.Type, id); err != nil {
			return err
		}
		audit := doc.Audits[id].clone()
		if p.AccountID != nil && *p.AccountID != audit.AccountID {
			return newValidationError(CodeInvariantViolation, env.Type, id,
				"audit cannot move between accounts")
		}
		acct := doc.Accounts[audit.AccountID]
		if acct == nil {
			// Possible after a structural merge; reconcile flags it, but the
			// reducer still refuses to extend the dangling record.
			return newValidationError(CodeInvalidReference, env.Type, id,
				"account %q not found", audit.AccountID)
		}
		if p.ScheduledFor != nil {
			audit.ScheduledFor = *p.ScheduledFor
		}
		if p.OccurredAt != nil {
			audit.OccurredAt = *p.OccurredAt
		} else if env.Type == EventAuditCompleted {
			audit.OccurredAt = env.Timestamp
		}
		if p.Score != nil {
			audit.Score = p.Score
		}
		if p.Notes != nil {
			audit.Notes = *p.Notes
		}
		if p.FloorsVisited != nil {
			if err := validateFloorsVisited(env.Type, id, acct, p.FloorsVisited); err != nil {
				return err
			}
			audit.FloorsVisited = p.FloorsVisited
		}
		audit.UpdatedAt = env.Timestamp
		return tx.put(MapAudits, id, audit)

	case EventAuditDeleted:
		if err := requirePresent(doc, MapAudits, env.Type, id); err != nil {
			return err
		}
		for linkID, link := range doc.Links {
			if link.references(KindAudit, id) {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"audit is referenced by link %q", linkID)
			}
		}
		tx.delete(MapAudits, id)
		return nil

	default:
		return errUnhandled(env.Type)
	}
}
