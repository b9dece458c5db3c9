package tandem

import (
	"context"
	"testing"
)

func TestCodeCreateWritesRelation(t *testing.T) {
	d := newTestDispatcher(t, "dev-a")
	seedAccount(t, d, "acct-1", nil)
	doc := mustDispatch(t, d, EventCodeCreated, CodePayload{
		ID:        "code-1",
		AccountID: strp("acct-1"),
		Label:     strp("Loading dock"),
		CodeValue: strp("4482"),
	})
	if doc.Codes["code-1"] == nil {
		t.Fatal("code not in document")
	}
	rel := doc.AccountCodes["code-1"]
	if rel == nil {
		t.Fatal("account-code relation missing")
	}
	if rel.AccountID != "acct-1" || rel.CodeID != "code-1" {
		t.Errorf("relation = %+v", rel)
	}
}

func TestCodeCreateRequiresAccount(t *testing.T) {
	d := newTestDispatcher(t, "dev-a")
	_, err := d.Dispatch(context.Background(), EventCodeCreated, CodePayload{
		ID:        "code-1",
		AccountID: strp("acct-missing"),
		Label:     strp("x"),
		CodeValue: strp("1"),
	})
	wantValidation(t, err, CodeInvalidReference)
}

func TestCodeAccountImmutable(t *testing.T) {
	d := newTestDispatcher(t, "dev-a")
	seedAccount(t, d, "acct-1", nil)
	mustDispatch(t, d, EventAccountCreated, AccountPayload{
		ID:             "acct-2",
		OrganizationID: strp("org-1"),
		Name:           strp("Second"),
	})
	mustDispatch(t, d, EventCodeCreated, CodePayload{
		ID:        "code-1",
		AccountID: strp("acct-1"),
		Label:     strp("Door"),
		CodeValue: strp("9"),
	})
	_, err := d.Dispatch(context.Background(), EventCodeUpdated, CodePayload{
		ID:        "code-1",
		AccountID: strp("acct-2"),
	})
	wantValidation(t, err, CodeInvariantViolation)
}

func TestCodeDeleteRemovesRelation(t *testing.T) {
	d := newTestDispatcher(t, "dev-a")
	seedAccount(t, d, "acct-1", nil)
	mustDispatch(t, d, EventCodeCreated, CodePayload{
		ID:        "code-1",
		AccountID: strp("acct-1"),
		Label:     strp("Door"),
		CodeValue: strp("9"),
	})
	doc := mustDispatch(t, d, EventCodeDeleted, CodePayload{ID: "code-1"})
	if doc.Codes["code-1"] != nil {
		t.Error("code still present after delete")
	}
	if doc.AccountCodes["code-1"] != nil {
		t.Error("account-code relation survived code delete")
	}
}
