package tandem

import (
	"bytes"
	"context"
	"testing"
)

func TestStampOrdering(t *testing.T) {
	base := Stamp{WallMillis: 100, Counter: 5, DeviceID: "dev-a"}
	cases := []struct {
		name  string
		other Stamp
		after bool
	}{
		{"later wall wins", Stamp{WallMillis: 99, Counter: 9, DeviceID: "dev-z"}, true},
		{"earlier wall loses", Stamp{WallMillis: 101, Counter: 1, DeviceID: "dev-a"}, false},
		{"counter breaks wall tie", Stamp{WallMillis: 100, Counter: 4, DeviceID: "dev-z"}, true},
		{"device breaks full tie", Stamp{WallMillis: 100, Counter: 5, DeviceID: "dev-b"}, false},
		{"equal stamps do not win", base, false},
	}
	for _, tc := range cases {
		if got := base.After(tc.other); got != tc.after {
			t.Errorf("%s: After = %v", tc.name, got)
		}
	}
}

// changeSetOf packages a dispatcher's full log for exchange in tests.
func changeSetOf(d *Dispatcher) ChangeSet {
	return ChangeSet{Changes: d.Log().All(), Frontier: d.Log().Frontier()}
}

func docsEqual(t *testing.T, a, b *Document) bool {
	t.Helper()
	ra, err := a.Marshal()
	if err != nil {
		t.Fatalf("marshal a: %v", err)
	}
	rb, err := b.Marshal()
	if err != nil {
		t.Fatalf("marshal b: %v", err)
	}
	return bytes.Equal(ra, rb)
}

func TestMergeConverges(t *testing.T) {
	ctx := context.Background()
	a := newTestDispatcher(t, "dev-a")
	b := newTestDispatcher(t, "dev-b")

	// Concurrent creation of the same entity with different content. Both
	// devices observe identical wall clocks and counters, so the device id
	// breaks the tie and dev-b's write must win everywhere.
	mustDispatch(t, a, EventOrganizationCreated, OrganizationPayload{ID: "org-1", Name: strp("From A")})
	mustDispatch(t, b, EventOrganizationCreated, OrganizationPayload{ID: "org-1", Name: strp("From B")})

	if _, _, err := a.ApplyChangeSet(ctx, changeSetOf(b)); err != nil {
		t.Fatalf("merge into a: %v", err)
	}
	if _, _, err := b.ApplyChangeSet(ctx, changeSetOf(a)); err != nil {
		t.Fatalf("merge into b: %v", err)
	}

	if !docsEqual(t, a.Snapshot(), b.Snapshot()) {
		t.Fatal("documents diverged after symmetric merge")
	}
	if got := a.Snapshot().Organizations["org-1"].Name; got != "From B" {
		t.Errorf("winner name = %q, expected dev-b's write", got)
	}
}

func TestMergeSettingsKeysBothSurvive(t *testing.T) {
	ctx := context.Background()
	a := newTestDispatcher(t, "dev-a")
	b := newTestDispatcher(t, "dev-b")

	mustDispatch(t, a, EventSettingsUpdated, SettingsPayload{
		Values: map[string]string{SettingSecurityPolicy: "strict"},
	})
	mustDispatch(t, b, EventSettingsUpdated, SettingsPayload{
		Values: map[string]string{SettingCodeVisibility: "hidden"},
	})

	if _, _, err := a.ApplyChangeSet(ctx, changeSetOf(b)); err != nil {
		t.Fatalf("merge: %v", err)
	}
	doc := a.Snapshot()
	if doc.Settings[SettingSecurityPolicy] != "strict" || doc.Settings[SettingCodeVisibility] != "hidden" {
		t.Errorf("settings after merge = %v", doc.Settings)
	}
}

func TestMergeTombstoneWins(t *testing.T) {
	ctx := context.Background()
	a := newTestDispatcher(t, "dev-a")
	b := newTestDispatcher(t, "dev-b")

	seedOrg(t, a, "org-1")
	if _, _, err := b.ApplyChangeSet(ctx, changeSetOf(a)); err != nil {
		t.Fatalf("bootstrap b: %v", err)
	}

	// b's delete ties a's create on wall time and counter; the device id
	// tiebreak makes the delete win on every replica.
	mustDispatch(t, b, EventOrganizationDeleted, OrganizationPayload{ID: "org-1"})
	if _, _, err := a.ApplyChangeSet(ctx, changeSetOf(b)); err != nil {
		t.Fatalf("merge delete into a: %v", err)
	}
	if a.Snapshot().Organizations["org-1"] != nil {
		t.Fatal("tombstoned organization still present")
	}
	if _, ok := a.Snapshot().Stamps[elementKey(MapOrganizations, "org-1")]; !ok {
		t.Error("tombstone stamp missing after merge")
	}
}

func TestMergeRedundantSetIsNoop(t *testing.T) {
	ctx := context.Background()
	a := newTestDispatcher(t, "dev-a")
	b := newTestDispatcher(t, "dev-b")

	seedOrg(t, a, "org-1")
	cs := changeSetOf(a)

	before := b.Snapshot()
	if _, applied, err := b.ApplyChangeSet(ctx, cs); err != nil || len(applied) != 1 {
		t.Fatalf("first merge applied=%d err=%v", len(applied), err)
	}
	after := b.Snapshot()
	if before == after {
		t.Fatal("merge did not produce a new snapshot")
	}

	// Re-sending the same set changes nothing.
	doc, applied, err := b.ApplyChangeSet(ctx, cs)
	if err != nil {
		t.Fatalf("second merge: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("redundant merge applied %d changes", len(applied))
	}
	if doc != after {
		t.Error("redundant merge returned a different document")
	}
}

func TestChangeLogFrontierAndSince(t *testing.T) {
	a := newTestDispatcher(t, "dev-a")
	seedOrg(t, a, "org-1")
	seedOrg(t, a, "org-2")
	seedOrg(t, a, "org-3")

	log := a.Log()
	f := log.Frontier()
	if f["dev-a"] != 3 {
		t.Fatalf("frontier = %v", f)
	}

	since := log.Since(Frontier{"dev-a": 1})
	if len(since) != 2 {
		t.Fatalf("Since returned %d changes", len(since))
	}
	if since[0].Seq != 2 || since[1].Seq != 3 {
		t.Errorf("Since order = %d, %d", since[0].Seq, since[1].Seq)
	}

	if log.Since(f) != nil {
		t.Error("Since(frontier) returned changes")
	}
}

func TestChangeLogAppendDeduplicates(t *testing.T) {
	a := newTestDispatcher(t, "dev-a")
	seedOrg(t, a, "org-1")

	log := a.Log()
	c := log.All()[0]
	if log.Append(c) {
		t.Error("duplicate append accepted")
	}
	if log.Len() != 1 {
		t.Errorf("log length = %d", log.Len())
	}
}
