package tandem

import (
	"encoding/json"
	"strings"
)

// Event type strings. The set is closed: each family reducer matches
// exhaustively over its own types and anything else is UnhandledEventType.
const (
	EventOrganizationCreated       = "organization.created"
	EventOrganizationUpdated       = "organization.updated"
	EventOrganizationStatusChanged = "organization.statusChanged"
	EventOrganizationDeleted       = "organization.deleted"

	EventAccountCreated               = "account.created"
	EventAccountUpdated               = "account.updated"
	EventAccountStatusChanged         = "account.statusChanged"
	EventAccountAuditFrequencyChanged = "account.auditFrequencyChanged"
	EventAccountDeleted               = "account.deleted"

	EventContactCreated = "contact.created"
	EventContactUpdated = "contact.updated"
	EventContactDeleted = "contact.deleted"

	EventNoteCreated = "note.created"
	EventNoteUpdated = "note.updated"
	EventNoteDeleted = "note.deleted"

	EventAuditCreated   = "audit.created"
	EventAuditUpdated   = "audit.updated"
	EventAuditCompleted = "audit.completed"
	EventAuditDeleted   = "audit.deleted"

	EventCodeCreated = "code.created"
	EventCodeUpdated = "code.updated"
	EventCodeDeleted = "code.deleted"

	EventCalendarEventCreated       = "calendarEvent.created"
	EventCalendarEventUpdated       = "calendarEvent.updated"
	EventCalendarEventStatusChanged = "calendarEvent.statusChanged"
	EventCalendarEventDeleted       = "calendarEvent.deleted"

	EventInteractionCreated = "interaction.created"
	EventInteractionUpdated = "interaction.updated"
	EventInteractionDeleted = "interaction.deleted"

	EventLinkCreated = "link.created"
	EventLinkDeleted = "link.deleted"

	EventSettingsUpdated = "settings.updated"
)

// Envelope wraps one event with its identity and provenance. The envelope
// timestamp is the sole clock reducers may observe: replaying the same
// ordered event log therefore yields an identical document on every device.
type Envelope struct {
	// ID is a fresh unique identifier assigned at dispatch.
	ID string `json:"id"`

	// Type is one of the Event* constants.
	Type string `json:"type"`

	// EntityID optionally names the target entity. When both EntityID and
	// the payload's id field are present they must agree.
	EntityID string `json:"entityId,omitempty"`

	// Payload is the event body, decoded by the family reducer.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Timestamp is the capture time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// DeviceID identifies the origin device.
	DeviceID string `json:"deviceId"`
}

// eventFamily returns the family prefix of an event type
// ("account.created" -> "account").
func eventFamily(eventType string) string {
	if i := strings.IndexByte(eventType, '.'); i > 0 {
		return eventType[:i]
	}
	return eventType
}

// decodePayload unmarshals the envelope payload into out. A missing payload
// decodes as the zero value; malformed JSON is an invariant violation since
// payloads are produced by the local caller, never by a remote peer.
func decodePayload(env Envelope, out any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return newValidationError(CodeInvariantViolation, env.Type, env.EntityID,
			"malformed payload: %v", err)
	}
	return nil
}

// resolveEntityID applies the id resolution rule shared by every reducer:
// payload id and envelope entity id must agree when both are present, and at
// least one must be present. The resolved id is recorded on the transaction
// so the committed change's envelope carries it even when the caller supplied
// it only in the payload.
func (tx *Tx) resolveEntityID(env Envelope, payloadID string) (string, error) {
	if payloadID != "" && env.EntityID != "" && payloadID != env.EntityID {
		return "", newValidationError(CodeIDMismatch, env.Type, env.EntityID,
			"payload id %q does not match envelope entity id %q", payloadID, env.EntityID)
	}
	id := payloadID
	if id == "" {
		id = env.EntityID
	}
	if id == "" {
		return "", newValidationError(CodeMissingEntityID, env.Type, "",
			"event carries no entity id")
	}
	tx.entityID = id
	return id, nil
}
