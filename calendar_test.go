package tandem

import (
	"bytes"
	"context"
	"testing"
)

func TestCalendarEventCreateDefaults(t *testing.T) {
	d := newTestDispatcher(t, "dev-a")
	doc := mustDispatch(t, d, EventCalendarEventCreated, CalendarEventPayload{
		ID:           "ev-1",
		Title:        strp("Walkthrough"),
		ScheduledFor: i64p(1_700_002_000_000),
	})
	ev := doc.CalendarEvents["ev-1"]
	if ev == nil {
		t.Fatal("event not in document")
	}
	if ev.Type != CalendarGeneral {
		t.Errorf("default type = %q", ev.Type)
	}
	if ev.Status != StatusScheduled {
		t.Errorf("default status = %q", ev.Status)
	}
}

func TestCalendarEventRequiresSchedule(t *testing.T) {
	d := newTestDispatcher(t, "dev-a")
	_, err := d.Dispatch(context.Background(), EventCalendarEventCreated, CalendarEventPayload{
		ID:    "ev-1",
		Title: strp("No time"),
	})
	wantValidation(t, err, CodeInvariantViolation)
}

func TestCalendarEventDurationPositive(t *testing.T) {
	d := newTestDispatcher(t, "dev-a")
	_, err := d.Dispatch(context.Background(), EventCalendarEventCreated, CalendarEventPayload{
		ID:              "ev-1",
		ScheduledFor:    i64p(1),
		DurationMinutes: intp(0),
	})
	wantValidation(t, err, CodeInvariantViolation)
}

func TestCalendarAuditTypeRequiresAuditData(t *testing.T) {
	d := newTestDispatcher(t, "dev-a")
	seedAccount(t, d, "acct-1", nil)
	_, err := d.Dispatch(context.Background(), EventCalendarEventCreated, CalendarEventPayload{
		ID:           "ev-1",
		Type:         strp("audit"),
		ScheduledFor: i64p(1),
	})
	wantValidation(t, err, CodeInvariantViolation)

	// And the inverse: only audit-typed events may carry audit data.
	_, err = d.Dispatch(context.Background(), EventCalendarEventCreated, CalendarEventPayload{
		ID:           "ev-2",
		Type:         strp("visit"),
		ScheduledFor: i64p(1),
		AuditData:    &AuditData{AccountID: "acct-1"},
	})
	wantValidation(t, err, CodeInvariantViolation)
}

func TestCalendarAuditDataValidated(t *testing.T) {
	d := newTestDispatcher(t, "dev-a")
	seedAccount(t, d, "acct-1", &FloorRangePayload{MinFloor: intp(1), MaxFloor: intp(3)})
	_, err := d.Dispatch(context.Background(), EventCalendarEventCreated, CalendarEventPayload{
		ID:           "ev-1",
		Type:         strp("audit"),
		ScheduledFor: i64p(1),
		AuditData:    &AuditData{AccountID: "acct-1", FloorsVisited: []int{9}},
	})
	wantValidation(t, err, CodeInvariantViolation)

	doc := mustDispatch(t, d, EventCalendarEventCreated, CalendarEventPayload{
		ID:           "ev-1",
		Type:         strp("audit"),
		ScheduledFor: i64p(1),
		AuditData:    &AuditData{AccountID: "acct-1", FloorsVisited: []int{2}},
	})
	if doc.CalendarEvents["ev-1"].AuditData == nil {
		t.Error("audit data not stored")
	}
}

func TestCalendarTypeImmutable(t *testing.T) {
	d := newTestDispatcher(t, "dev-a")
	mustDispatch(t, d, EventCalendarEventCreated, CalendarEventPayload{
		ID:           "ev-1",
		ScheduledFor: i64p(1),
	})
	_, err := d.Dispatch(context.Background(), EventCalendarEventUpdated, CalendarEventPayload{
		ID:   "ev-1",
		Type: strp("visit"),
	})
	wantValidation(t, err, CodeInvariantViolation)
}

func TestCalendarStatusChangeCompletedSetsOccurredAt(t *testing.T) {
	d := newTestDispatcher(t, "dev-a")
	mustDispatch(t, d, EventCalendarEventCreated, CalendarEventPayload{
		ID:           "ev-1",
		ScheduledFor: i64p(1),
	})
	doc := mustDispatch(t, d, EventCalendarEventStatusChanged, CalendarEventPayload{
		ID:     "ev-1",
		Status: strp("done"),
	})
	ev := doc.CalendarEvents["ev-1"]
	if ev.Status != StatusCompleted {
		t.Errorf("status alias done = %q", ev.Status)
	}
	if ev.OccurredAt == 0 {
		t.Error("completion did not stamp occurredAt")
	}
}

func TestCalendarExternalLinkValidatedNotStored(t *testing.T) {
	d := newTestDispatcher(t, "dev-a")
	_, err := d.Dispatch(context.Background(), EventCalendarEventCreated, CalendarEventPayload{
		ID:           "ev-1",
		ScheduledFor: i64p(1),
		ExternalLink: &ExternalCalendarLink{Provider: "google"},
	})
	wantValidation(t, err, CodeInvariantViolation)

	doc := mustDispatch(t, d, EventCalendarEventCreated, CalendarEventPayload{
		ID:           "ev-1",
		ScheduledFor: i64p(1),
		ExternalLink: &ExternalCalendarLink{Provider: "google", ExternalID: "abc"},
	})
	raw, err := doc.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if bytes.Contains(raw, []byte("externalLink")) || bytes.Contains(raw, []byte(`"google"`)) {
		t.Error("external calendar link leaked into the document")
	}
}
