package tandem

import "fmt"

// EntityLink relates a source entity to a target entity. Links are owned by
// the document's links map, never embedded inside entities, which keeps the
// entity graph acyclic. The (sourceType, sourceId, targetType, targetId)
// tuple is unique.
type EntityLink struct {
	ID         string     `json:"id"`
	SourceType EntityKind `json:"sourceType"`
	SourceID   string     `json:"sourceId"`
	TargetType EntityKind `json:"targetType"`
	TargetID   string     `json:"targetId"`
	CreatedAt  int64      `json:"createdAt"`
}

func (l *EntityLink) clone() *EntityLink { return cloneViaJSON(l) }

// tuple returns the uniqueness key of the link.
func (l *EntityLink) tuple() string {
	return linkTuple(l.SourceType, l.SourceID, l.TargetType, l.TargetID)
}

func linkTuple(st EntityKind, sid string, tt EntityKind, tid string) string {
	return fmt.Sprintf("%s:%s->%s:%s", st, sid, tt, tid)
}

// references reports whether either endpoint of the link is the given entity.
func (l *EntityLink) references(kind EntityKind, id string) bool {
	return (l.SourceType == kind && l.SourceID == id) ||
		(l.TargetType == kind && l.TargetID == id)
}

// linkSourceKinds is the closed set of kinds that may originate a link.
func isLinkSourceKind(k EntityKind) bool {
	switch k {
	case KindNote, KindInteraction, KindCalendarEvent:
		return true
	}
	return false
}

// isLinkTargetKind is the closed set of kinds a link may point at.
func isLinkTargetKind(k EntityKind) bool {
	switch k {
	case KindOrganization, KindAccount, KindAudit, KindContact, KindNote, KindInteraction, KindCalendarEvent:
		return true
	}
	return false
}

// LinkPayload is the body of link events.
type LinkPayload struct {
	ID         string     `json:"id,omitempty"`
	SourceType EntityKind `json:"sourceType,omitempty"`
	SourceID   string     `json:"sourceId,omitempty"`
	TargetType EntityKind `json:"targetType,omitempty"`
	TargetID   string     `json:"targetId,omitempty"`
}

func applyLinkEvent(tx *Tx, env Envelope) error {
	var p LinkPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	id, err := tx.resolveEntityID(env, p.ID)
	if err != nil {
		return err
	}
	doc := tx.Doc()

	switch env.Type {
	case EventLinkCreated:
		if err := requireAbsent(doc, MapLinks, env.Type, id); err != nil {
			return err
		}
		if !isLinkSourceKind(p.SourceType) {
			return newValidationError(CodeInvariantViolation, env.Type, id,
				"%q cannot be a link source", p.SourceType)
		}
		if !isLinkTargetKind(p.TargetType) {
			return newValidationError(CodeInvariantViolation, env.Type, id,
				"%q cannot be a link target", p.TargetType)
		}
		if !doc.hasEntity(p.SourceType, p.SourceID) {
			return newValidationError(CodeInvalidReference, env.Type, id,
				"link source %s %q not found", p.SourceType, p.SourceID)
		}
		if !doc.hasEntity(p.TargetType, p.TargetID) {
			return newValidationError(CodeInvalidReference, env.Type, id,
				"link target %s %q not found", p.TargetType, p.TargetID)
		}
		tuple := linkTuple(p.SourceType, p.SourceID, p.TargetType, p.TargetID)
		for existingID, existing := range doc.Links {
			if existing.tuple() == tuple {
				return newValidationError(CodeAlreadyExists, env.Type, id,
					"link %q already relates this source and target", existingID)
			}
		}
		return tx.put(MapLinks, id, &EntityLink{
			ID:         id,
			SourceType: p.SourceType,
			SourceID:   p.SourceID,
			TargetType: p.TargetType,
			TargetID:   p.TargetID,
			CreatedAt:  env.Timestamp,
		})

	case EventLinkDeleted:
		if err := requirePresent(doc, MapLinks, env.Type, id); err != nil {
			return err
		}
		tx.delete(MapLinks, id)
		return nil

	default:
		return errUnhandled(env.Type)
	}
}
