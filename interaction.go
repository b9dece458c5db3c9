package tandem

// Interaction is a recorded touchpoint: a call, a visit, an email thread.
type Interaction struct {
	ID              string      `json:"id"`
	Type            string      `json:"type"`
	Status          EventStatus `json:"status"`
	ScheduledFor    int64       `json:"scheduledFor,omitempty"`
	OccurredAt      int64       `json:"occurredAt,omitempty"`
	Summary         string      `json:"summary,omitempty"`
	DurationMinutes int         `json:"durationMinutes,omitempty"`
	CreatedAt       int64       `json:"createdAt"`
	UpdatedAt       int64       `json:"updatedAt"`
}

func (i *Interaction) clone() *Interaction { return cloneViaJSON(i) }

// InteractionPayload is the body of interaction events.
type InteractionPayload struct {
	ID              string  `json:"id,omitempty"`
	Type            *string `json:"type,omitempty"`
	Status          *string `json:"status,omitempty"`
	ScheduledFor    *int64  `json:"scheduledFor,omitempty"`
	OccurredAt      *int64  `json:"occurredAt,omitempty"`
	Summary         *string `json:"summary,omitempty"`
	DurationMinutes *int    `json:"durationMinutes,omitempty"`
}

func applyInteractionEvent(tx *Tx, env Envelope) error {
	var p InteractionPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	id, err := tx.resolveEntityID(env, p.ID)
	if err != nil {
		return err
	}
	doc := tx.Doc()

	if p.DurationMinutes != nil && *p.DurationMinutes <= 0 {
		return newValidationError(CodeInvariantViolation, env.Type, id,
			"durationMinutes must be a positive integer")
	}

	switch env.Type {
	case EventInteractionCreated:
		if err := requireAbsent(doc, MapInteractions, env.Type, id); err != nil {
			return err
		}
		if p.Type == nil || *p.Type == "" {
			return newValidationError(CodeInvariantViolation, env.Type, id,
				"interaction type is required")
		}
		// Legacy records carried no status; they default to completed.
		status := StatusCompleted
		if p.Status != nil && *p.Status != "" {
			s, ok := normalizeEventStatus(*p.Status)
			if !ok {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"unknown status %q", *p.Status)
			}
			status = s
		}
		it := &Interaction{
			ID:        id,
			Type:      *p.Type,
			Status:    status,
			CreatedAt: env.Timestamp,
			UpdatedAt: env.Timestamp,
		}
		if p.ScheduledFor != nil {
			it.ScheduledFor = *p.ScheduledFor
		}
		if p.OccurredAt != nil {
			it.OccurredAt = *p.OccurredAt
		} else if status == StatusCompleted {
			it.OccurredAt = env.Timestamp
		}
		if p.Summary != nil {
			it.Summary = *p.Summary
		}
		if p.DurationMinutes != nil {
			it.DurationMinutes = *p.DurationMinutes
		}
		return tx.put(MapInteractions, id, it)

	case EventInteractionUpdated:
		if err := requirePresent(doc, MapInteractions, env.Type, id); err != nil {
			return err
		}
		it := doc.Interactions[id].clone()
		if p.Type != nil {
			if *p.Type == "" {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"interaction type cannot be cleared")
			}
			it.Type = *p.Type
		}
		if p.Status != nil {
			s, ok := normalizeEventStatus(*p.Status)
			if !ok {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"unknown status %q", *p.Status)
			}
			it.Status = s
			if s == StatusCompleted && it.OccurredAt == 0 && p.OccurredAt == nil {
				it.OccurredAt = env.Timestamp
			}
		}
		if p.ScheduledFor != nil {
			it.ScheduledFor = *p.ScheduledFor
		}
		if p.OccurredAt != nil {
			it.OccurredAt = *p.OccurredAt
		}
		if p.Summary != nil {
			it.Summary = *p.Summary
		}
		if p.DurationMinutes != nil {
			it.DurationMinutes = *p.DurationMinutes
		}
		it.UpdatedAt = env.Timestamp
		return tx.put(MapInteractions, id, it)

	case EventInteractionDeleted:
		if err := requirePresent(doc, MapInteractions, env.Type, id); err != nil {
			return err
		}
		for linkID, link := range doc.Links {
			if link.SourceType == KindInteraction && link.SourceID == id {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"interaction is the source of link %q", linkID)
			}
			if link.references(KindInteraction, id) {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"interaction is referenced by link %q", linkID)
			}
		}
		tx.delete(MapInteractions, id)
		return nil

	default:
		return errUnhandled(env.Type)
	}
}
