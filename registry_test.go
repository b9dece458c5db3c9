package tandem

import (
	"context"
	"encoding/json"
	"testing"
)

func TestDispatchUnknownEventType(t *testing.T) {
	d := newTestDispatcher(t, "dev-a")
	_, err := d.Dispatch(context.Background(), "widget.created", map[string]string{"id": "w-1"})
	wantValidation(t, err, CodeUnhandledEventType)
}

func TestDispatchMissingEntityID(t *testing.T) {
	d := newTestDispatcher(t, "dev-a")
	_, err := d.Dispatch(context.Background(), EventOrganizationCreated, OrganizationPayload{
		Name: strp("No ID"),
	})
	wantValidation(t, err, CodeMissingEntityID)
}

func TestApplyEnvelopeIDMismatch(t *testing.T) {
	d := newTestDispatcher(t, "dev-a")
	payload, _ := json.Marshal(OrganizationPayload{ID: "org-1", Name: strp("A")})
	_, err := d.ApplyEnvelope(context.Background(), Envelope{
		ID:        "evt-mismatch",
		Type:      EventOrganizationCreated,
		EntityID:  "org-2",
		Payload:   payload,
		Timestamp: 1,
		DeviceID:  "dev-a",
	})
	wantValidation(t, err, CodeIDMismatch)
}

func TestApplyEnvelopeEntityIDFallback(t *testing.T) {
	d := newTestDispatcher(t, "dev-a")
	payload, _ := json.Marshal(OrganizationPayload{Name: strp("From Envelope")})
	doc, err := d.ApplyEnvelope(context.Background(), Envelope{
		ID:        "evt-env-id",
		Type:      EventOrganizationCreated,
		EntityID:  "org-env",
		Payload:   payload,
		Timestamp: 1,
		DeviceID:  "dev-a",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if doc.Organizations["org-env"] == nil {
		t.Fatal("organization not created from envelope entity id")
	}
}

func TestDispatchMalformedPayload(t *testing.T) {
	d := newTestDispatcher(t, "dev-a")
	_, err := d.ApplyEnvelope(context.Background(), Envelope{
		ID:        "evt-bad",
		Type:      EventOrganizationCreated,
		EntityID:  "org-1",
		Payload:   json.RawMessage(`{"name":12`),
		Timestamp: 1,
		DeviceID:  "dev-a",
	})
	wantValidation(t, err, CodeInvariantViolation)
}

func TestKnownEventTypesCoverRegistry(t *testing.T) {
	types := NewRegistry().KnownEventTypes()
	if len(types) == 0 {
		t.Fatal("no known event types")
	}
	want := map[string]bool{
		EventOrganizationCreated: false,
		EventAccountDeleted:      false,
		EventLinkCreated:         false,
		EventSettingsUpdated:     false,
	}
	for _, et := range types {
		if _, ok := want[et]; ok {
			want[et] = true
		}
	}
	for et, seen := range want {
		if !seen {
			t.Errorf("event type %s missing from registry", et)
		}
	}
}
