package tandem

// EventStatus enumerates the shared scheduling lifecycle used by calendar
// events and interactions.
type EventStatus string

const (
	StatusScheduled EventStatus = "scheduled"
	StatusCompleted EventStatus = "completed"
	StatusCanceled  EventStatus = "canceled"
)

// normalizeEventStatus maps legacy aliases onto the canonical set.
func normalizeEventStatus(s string) (EventStatus, bool) {
	switch s {
	case "done", "complete":
		s = string(StatusCompleted)
	case "cancelled", "void":
		s = string(StatusCanceled)
	case "planned", "pending":
		s = string(StatusScheduled)
	}
	switch EventStatus(s) {
	case StatusScheduled, StatusCompleted, StatusCanceled:
		return EventStatus(s), true
	}
	return "", false
}

// CalendarEventType classifies calendar events. The audit variant embeds
// AuditData validated against the referenced account.
type CalendarEventType string

const (
	CalendarGeneral CalendarEventType = "general"
	CalendarVisit   CalendarEventType = "visit"
	CalendarAudit   CalendarEventType = "audit"
)

func normalizeCalendarEventType(s string) (CalendarEventType, bool) {
	switch CalendarEventType(s) {
	case CalendarGeneral, CalendarVisit, CalendarAudit:
		return CalendarEventType(s), true
	}
	return "", false
}

// AuditData is embedded in audit-typed calendar events.
type AuditData struct {
	AccountID     string `json:"accountId"`
	Score         *int   `json:"score,omitempty"`
	FloorsVisited []int  `json:"floorsVisited,omitempty"`
}

// ExternalCalendarLink ties a calendar event to an entry in a device
// calendar. It is validated by the reducer but stored by the platform layer,
// never inside the document.
type ExternalCalendarLink struct {
	Provider   string `json:"provider"`
	ExternalID string `json:"externalId"`
}

// CalendarEvent is a scheduled entry, optionally recurring, optionally
// carrying embedded audit data. Linked entities attach through EntityLink
// relation records.
type CalendarEvent struct {
	ID              string            `json:"id"`
	Type            CalendarEventType `json:"type"`
	Status          EventStatus       `json:"status"`
	Title           string            `json:"title,omitempty"`
	ScheduledFor    int64             `json:"scheduledFor"`
	OccurredAt      int64             `json:"occurredAt,omitempty"`
	DurationMinutes int               `json:"durationMinutes,omitempty"`
	RecurrenceRule  string            `json:"recurrenceRule,omitempty"`
	AuditData       *AuditData        `json:"auditData,omitempty"`
	CreatedAt       int64             `json:"createdAt"`
	UpdatedAt       int64             `json:"updatedAt"`
}

func (e *CalendarEvent) clone() *CalendarEvent { return cloneViaJSON(e) }

// CalendarEventPayload is the body of calendar events.
type CalendarEventPayload struct {
	ID              string                `json:"id,omitempty"`
	Type            *string               `json:"type,omitempty"`
	Status          *string               `json:"status,omitempty"`
	Title           *string               `json:"title,omitempty"`
	ScheduledFor    *int64                `json:"scheduledFor,omitempty"`
	OccurredAt      *int64                `json:"occurredAt,omitempty"`
	DurationMinutes *int                  `json:"durationMinutes,omitempty"`
	RecurrenceRule  *string               `json:"recurrenceRule,omitempty"`
	AuditData       *AuditData            `json:"auditData,omitempty"`
	ExternalLink    *ExternalCalendarLink `json:"externalLink,omitempty"`
}

// validateAuditData checks the embedded audit variant against the account.
func validateAuditData(eventType, id string, doc *Document, data *AuditData) error {
	if data == nil {
		return nil
	}
	acct, ok := doc.Accounts[data.AccountID]
	if !ok {
		return newValidationError(CodeInvalidReference, eventType, id,
			"audit data references missing account %q", data.AccountID)
	}
	return validateFloorsVisited(eventType, id, acct, data.FloorsVisited)
}

// validateExternalLink checks external-calendar metadata. The link itself is
// handed back to the platform layer and never written into the document.
func validateExternalLink(eventType, id string, link *ExternalCalendarLink) error {
	if link == nil {
		return nil
	}
	if link.Provider == "" || link.ExternalID == "" {
		return newValidationError(CodeInvariantViolation, eventType, id,
			"external calendar link requires provider and externalId")
	}
	return nil
}

func applyCalendarEvent(tx *Tx, env Envelope) error {
	var p CalendarEventPayload
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
	if err := validateExternalLink(env.Type, id, p.ExternalLink); err != nil {
		return err
	}

	switch env.Type {
	case EventCalendarEventCreated:
		if err := requireAbsent(doc, MapCalendarEvents, env.Type, id); err != nil {
			return err
		}
		if p.ScheduledFor == nil {
			return newValidationError(CodeInvariantViolation, env.Type, id,
				"scheduledFor is required")
		}
		evType := CalendarGeneral
		if p.Type != nil {
			t, ok := normalizeCalendarEventType(*p.Type)
			if !ok {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"unknown calendar event type %q", *p.Type)
			}
			evType = t
		}
		if evType == CalendarAudit && p.AuditData == nil {
			return newValidationError(CodeInvariantViolation, env.Type, id,
				"audit-typed events require auditData")
		}
		if evType != CalendarAudit && p.AuditData != nil {
			return newValidationError(CodeInvariantViolation, env.Type, id,
				"auditData is only valid on audit-typed events")
		}
		if err := validateAuditData(env.Type, id, doc, p.AuditData); err != nil {
			return err
		}
		status := StatusScheduled
		if p.Status != nil {
			s, ok := normalizeEventStatus(*p.Status)
			if !ok {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"unknown status %q", *p.Status)
			}
			status = s
		}
		ev := &CalendarEvent{
			ID:           id,
			Type:         evType,
			Status:       status,
			ScheduledFor: *p.ScheduledFor,
			AuditData:    p.AuditData,
			CreatedAt:    env.Timestamp,
			UpdatedAt:    env.Timestamp,
		}
		if p.Title != nil {
			ev.Title = *p.Title
		}
		if p.OccurredAt != nil {
			ev.OccurredAt = *p.OccurredAt
		}
		if p.DurationMinutes != nil {
			ev.DurationMinutes = *p.DurationMinutes
		}
		if p.RecurrenceRule != nil {
			ev.RecurrenceRule = *p.RecurrenceRule
		}
		return tx.put(MapCalendarEvents, id, ev)

	case EventCalendarEventUpdated:
		if err := requirePresent(doc, MapCalendarEvents, env.Type, id); err != nil {
			return err
		}
		ev := doc.CalendarEvents[id].clone()
		if p.Type != nil {
			return newValidationError(CodeInvariantViolation, env.Type, id,
				"calendar event type cannot change after creation")
		}
		if p.Status != nil {
			s, ok := normalizeEventStatus(*p.Status)
			if !ok {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"unknown status %q", *p.Status)
			}
			ev.Status = s
		}
		if p.AuditData != nil {
			if ev.Type != CalendarAudit {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"auditData is only valid on audit-typed events")
			}
			if err := validateAuditData(env.Type, id, doc, p.AuditData); err != nil {
				return err
			}
			ev.AuditData = p.AuditData
		}
		if p.Title != nil {
			ev.Title = *p.Title
		}
		if p.ScheduledFor != nil {
			ev.ScheduledFor = *p.ScheduledFor
		}
		if p.OccurredAt != nil {
			ev.OccurredAt = *p.OccurredAt
		}
		if p.DurationMinutes != nil {
			ev.DurationMinutes = *p.DurationMinutes
		}
		if p.RecurrenceRule != nil {
			ev.RecurrenceRule = *p.RecurrenceRule
		}
		ev.UpdatedAt = env.Timestamp
		return tx.put(MapCalendarEvents, id, ev)

	case EventCalendarEventStatusChanged:
		if err := requirePresent(doc, MapCalendarEvents, env.Type, id); err != nil {
			return err
		}
		if p.Status == nil {
			return newValidationError(CodeInvariantViolation, env.Type, id,
				"status is required")
		}
		s, ok := normalizeEventStatus(*p.Status)
		if !ok {
			return newValidationError(CodeInvariantViolation, env.Type, id,
				"unknown status %q", *p.Status)
		}
		ev := doc.CalendarEvents[id].clone()
		ev.Status = s
		if s == StatusCompleted && ev.OccurredAt == 0 {
			ev.OccurredAt = env.Timestamp
		}
		ev.UpdatedAt = env.Timestamp
		return tx.put(MapCalendarEvents, id, ev)

	case EventCalendarEventDeleted:
		if err := requirePresent(doc, MapCalendarEvents, env.Type, id); err != nil {
			return err
		}
		for linkID, link := range doc.Links {
			if link.references(KindCalendarEvent, id) {
				return newValidationError(CodeInvariantViolation, env.Type, id,
					"calendar event is referenced by link %q", linkID)
			}
		}
		tx.delete(MapCalendarEvents, id)
		return nil

	default:
		return errUnhandled(env.Type)
	}
}
