package tandem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestDispatcher builds a started dispatcher with deterministic
// timestamps and event ids.
func newTestDispatcher(t *testing.T, deviceID string) *Dispatcher {
	t.Helper()
	d := NewDispatcher(NewRegistry(), deviceID, nil, nil, testLogger())
	var now int64 = 1_700_000_000_000
	d.Now = func() int64 {
		now += 1000
		return now
	}
	var n int
	d.NewID = func() string {
		n++
		return fmt.Sprintf("%s-evt-%d", deviceID, n)
	}
	d.Start()
	t.Cleanup(d.Stop)
	return d
}

func mustDispatch(t *testing.T, d *Dispatcher, eventType string, payload any) *Document {
	t.Helper()
	doc, err := d.Dispatch(context.Background(), eventType, payload)
	if err != nil {
		t.Fatalf("dispatch %s: %v", eventType, err)
	}
	return doc
}

// wantValidation asserts err is a ValidationError with the given code.
func wantValidation(t *testing.T, err error, code ValidationCode) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s validation error, got nil", code)
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %T: %v", err, err)
	}
	if ve.Code != code {
		t.Errorf("expected code %s, got %s (%v)", code, ve.Code, ve)
	}
}

func strp(s string) *string { return &s }
func intp(i int) *int       { return &i }
func i64p(i int64) *int64   { return &i }

// seedOrg creates an organization for tests that need one.
func seedOrg(t *testing.T, d *Dispatcher, id string) {
	t.Helper()
	mustDispatch(t, d, EventOrganizationCreated, OrganizationPayload{
		ID:   id,
		Name: strp("Org " + id),
	})
}

// seedAccount creates an account under org-1 (creating it if needed).
func seedAccount(t *testing.T, d *Dispatcher, id string, rng *FloorRangePayload) {
	t.Helper()
	if !d.Snapshot().has(MapOrganizations, "org-1") {
		seedOrg(t, d, "org-1")
	}
	mustDispatch(t, d, EventAccountCreated, AccountPayload{
		ID:             id,
		OrganizationID: strp("org-1"),
		Name:           strp("Account " + id),
		FloorRange:     rng,
	})
}
