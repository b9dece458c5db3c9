package tandem

import "encoding/json"

// Tx is the mutation surface handed to reducers. It accumulates element
// operations against a draft document; the dispatcher either commits the
// recorded ops as one change or discards the draft wholesale on error.
//
// Reducers read through Doc and write through the put/delete helpers, so a
// reducer's own writes are visible to its subsequent reads.
type Tx struct {
	doc      *Document
	stamp    Stamp
	ops      []Op
	entityID string
}

// Doc returns the draft document.
func (tx *Tx) Doc() *Document { return tx.doc }

// put writes an element and records the operation.
func (tx *Tx) put(mapName, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return newValidationError(CodeInvariantViolation, "", id,
			"entity not serializable: %v", err)
	}
	if err := putElement(tx.doc, mapName, id, data); err != nil {
		return err
	}
	tx.doc.Stamps[elementKey(mapName, id)] = tx.stamp
	tx.ops = append(tx.ops, Op{Kind: OpPut, Map: mapName, ID: id, Value: data})
	return nil
}

// delete tombstones an element and records the operation.
func (tx *Tx) delete(mapName, id string) {
	deleteElement(tx.doc, mapName, id)
	tx.doc.Stamps[elementKey(mapName, id)] = tx.stamp
	tx.ops = append(tx.ops, Op{Kind: OpDelete, Map: mapName, ID: id})
}

// putSetting writes one settings key. Settings replicate per key, which is
// what gives the settings map its field-by-field merge semantics.
func (tx *Tx) putSetting(key, value string) {
	tx.doc.Settings[key] = value
	tx.doc.Stamps[elementKey(MapSettings, key)] = tx.stamp
	data, _ := json.Marshal(value)
	tx.ops = append(tx.ops, Op{Kind: OpPut, Map: MapSettings, ID: key, Value: data})
}

// Registry routes events to family reducers. The event set is closed: each
// family matches exhaustively over its own types, and an event no family
// claims is a fatal UnhandledEventType — reducers never silently ignore
// events.
type Registry struct{}

// NewRegistry creates the reducer registry for the core entity families.
func NewRegistry() *Registry {
	return &Registry{}
}

// Apply validates and applies one event to the transaction's draft document.
// On error the draft must be discarded by the caller; reducers may have
// partially mutated it.
func (r *Registry) Apply(tx *Tx, env Envelope) error {
	switch eventFamily(env.Type) {
	case "organization":
		return applyOrganizationEvent(tx, env)
	case "account":
		return applyAccountEvent(tx, env)
	case "contact":
		return applyContactEvent(tx, env)
	case "note":
		return applyNoteEvent(tx, env)
	case "audit":
		return applyAuditEvent(tx, env)
	case "code":
		return applyCodeEvent(tx, env)
	case "calendarEvent":
		return applyCalendarEvent(tx, env)
	case "interaction":
		return applyInteractionEvent(tx, env)
	case "link":
		return applyLinkEvent(tx, env)
	case "settings":
		return applySettingsEvent(tx, env)
	default:
		return errUnhandled(env.Type)
	}
}

// KnownEventTypes lists every event type the registry handles.
func (r *Registry) KnownEventTypes() []string {
	return []string{
		EventOrganizationCreated, EventOrganizationUpdated,
		EventOrganizationStatusChanged, EventOrganizationDeleted,
		EventAccountCreated, EventAccountUpdated, EventAccountStatusChanged,
		EventAccountAuditFrequencyChanged, EventAccountDeleted,
		EventContactCreated, EventContactUpdated, EventContactDeleted,
		EventNoteCreated, EventNoteUpdated, EventNoteDeleted,
		EventAuditCreated, EventAuditUpdated, EventAuditCompleted, EventAuditDeleted,
		EventCodeCreated, EventCodeUpdated, EventCodeDeleted,
		EventCalendarEventCreated, EventCalendarEventUpdated,
		EventCalendarEventStatusChanged, EventCalendarEventDeleted,
		EventInteractionCreated, EventInteractionUpdated, EventInteractionDeleted,
		EventLinkCreated, EventLinkDeleted,
		EventSettingsUpdated,
	}
}

func errUnhandled(eventType string) error {
	return newValidationError(CodeUnhandledEventType, eventType, "",
		"no reducer handles this event type")
}

// requireAbsent raises AlreadyExists when a create event targets a live id.
func requireAbsent(doc *Document, mapName, eventType, id string) error {
	if doc.has(mapName, id) {
		return newValidationError(CodeAlreadyExists, eventType, id,
			"%s %q already exists", mapName, id)
	}
	return nil
}

// requirePresent raises NotFound when an update/delete targets a missing id.
func requirePresent(doc *Document, mapName, eventType, id string) error {
	if !doc.has(mapName, id) {
		return newValidationError(CodeNotFound, eventType, id,
			"%s %q not found", mapName, id)
	}
	return nil
}
