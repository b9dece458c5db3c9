package tandem

import (
	"context"
	"testing"
)

func TestAccountCreateDefaults(t *testing.T) {
	d := newTestDispatcher(t, "dev-a")
	seedAccount(t, d, "acct-1", nil)
	acct := d.Snapshot().Accounts["acct-1"]
	if acct == nil {
		t.Fatal("account not in document")
	}
	if acct.Status != AccountActive {
		t.Errorf("default status = %q", acct.Status)
	}
	if acct.AuditFrequency != DefaultAuditFrequency {
		t.Errorf("default frequency = %q", acct.AuditFrequency)
	}
	if acct.AuditFrequencyUpdatedAt != 0 {
		t.Error("frequency timestamp set without explicit frequency")
	}
}

func TestAccountCreateRequiresOrganization(t *testing.T) {
	d := newTestDispatcher(t, "dev-a")
	_, err := d.Dispatch(context.Background(), EventAccountCreated, AccountPayload{
		ID:             "acct-1",
		OrganizationID: strp("org-missing"),
		Name:           strp("Branch"),
	})
	wantValidation(t, err, CodeInvalidReference)
}

func TestAccountStatusAliases(t *testing.T) {
	cases := []struct {
		alias string
		want  AccountStatus
	}{
		{"enabled", AccountActive},
		{"open", AccountActive},
		{"disabled", AccountInactive},
		{"paused", AccountInactive},
		{"terminated", AccountClosed},
	}
	d := newTestDispatcher(t, "dev-a")
	seedAccount(t, d, "acct-1", nil)
	for _, tc := range cases {
		doc := mustDispatch(t, d, EventAccountStatusChanged, AccountPayload{
			ID:     "acct-1",
			Status: strp(tc.alias),
		})
		if got := doc.Accounts["acct-1"].Status; got != tc.want {
			t.Errorf("status %q normalized to %q, expected %q", tc.alias, got, tc.want)
		}
	}
}

func TestAccountAuditFrequencyChange(t *testing.T) {
	d := newTestDispatcher(t, "dev-a")
	seedAccount(t, d, "acct-1", nil)
	doc := mustDispatch(t, d, EventAccountAuditFrequencyChanged, AccountPayload{
		ID:             "acct-1",
		AuditFrequency: strp("annually"),
	})
	acct := doc.Accounts["acct-1"]
	if acct.AuditFrequency != AuditYearly {
		t.Errorf("frequency alias annually = %q, expected yearly", acct.AuditFrequency)
	}
	if acct.AuditFrequencyUpdatedAt == 0 {
		t.Error("frequency change did not record its timestamp")
	}
}

func TestAccountFloorRange(t *testing.T) {
	d := newTestDispatcher(t, "dev-a")
	seedAccount(t, d, "acct-1", &FloorRangePayload{
		MinFloor:       intp(1),
		MaxFloor:       intp(10),
		ExcludedFloors: []int{4, 7},
	})
	acct := d.Snapshot().Accounts["acct-1"]
	if acct.FloorRange == nil {
		t.Fatal("floor range not stored")
	}
	if acct.FloorRange.Allows(4) || acct.FloorRange.Allows(11) {
		t.Error("excluded or out-of-range floor allowed")
	}
	if !acct.FloorRange.Allows(5) {
		t.Error("in-range floor refused")
	}
}

func TestAccountFloorRangeInvalid(t *testing.T) {
	d := newTestDispatcher(t, "dev-a")
	seedOrg(t, d, "org-1")
	cases := []*FloorRangePayload{
		{MinFloor: intp(5), MaxFloor: intp(2)},                            // inverted
		{MinFloor: intp(1)},                                               // half a range
		{MinFloor: intp(1), MaxFloor: intp(5), ExcludedFloors: []int{9}},  // exclusion outside
		{MinFloor: intp(1), MaxFloor: intp(5), ExcludedFloors: []int{2, 2}}, // duplicate exclusion
		{ExcludedFloors: []int{1}},                                        // exclusions without range
	}
	for i, rng := range cases {
		_, err := d.Dispatch(context.Background(), EventAccountCreated, AccountPayload{
			ID:             "acct-bad",
			OrganizationID: strp("org-1"),
			Name:           strp("Bad"),
			FloorRange:     rng,
		})
		if err == nil {
			t.Errorf("case %d: invalid floor range accepted", i)
			continue
		}
		wantValidation(t, err, CodeInvariantViolation)
	}
}

func TestAccountClearFloorRange(t *testing.T) {
	d := newTestDispatcher(t, "dev-a")
	seedAccount(t, d, "acct-1", &FloorRangePayload{MinFloor: intp(1), MaxFloor: intp(3)})
	doc := mustDispatch(t, d, EventAccountUpdated, AccountPayload{
		ID:              "acct-1",
		ClearFloorRange: true,
	})
	if doc.Accounts["acct-1"].FloorRange != nil {
		t.Error("floor range survived clear")
	}
}

func TestAccountDeleteGuards(t *testing.T) {
	d := newTestDispatcher(t, "dev-a")
	seedAccount(t, d, "acct-1", nil)
	mustDispatch(t, d, EventAuditCreated, AuditPayload{
		ID:           "audit-1",
		AccountID:    strp("acct-1"),
		ScheduledFor: i64p(1_700_000_500_000),
	})
	_, err := d.Dispatch(context.Background(), EventAccountDeleted, AccountPayload{ID: "acct-1"})
	wantValidation(t, err, CodeInvariantViolation)

	mustDispatch(t, d, EventAuditDeleted, AuditPayload{ID: "audit-1"})
	mustDispatch(t, d, EventCodeCreated, CodePayload{
		ID:        "code-1",
		AccountID: strp("acct-1"),
		Label:     strp("Front door"),
		CodeValue: strp("1234"),
	})
	_, err = d.Dispatch(context.Background(), EventAccountDeleted, AccountPayload{ID: "acct-1"})
	wantValidation(t, err, CodeInvariantViolation)

	mustDispatch(t, d, EventCodeDeleted, CodePayload{ID: "code-1"})
	doc := mustDispatch(t, d, EventAccountDeleted, AccountPayload{ID: "acct-1"})
	if doc.Accounts["acct-1"] != nil {
		t.Fatal("account still present after delete")
	}
}
