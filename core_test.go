package tandem

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func coreConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "tandem.db")
	return cfg
}

func openTestCore(t *testing.T, cfg Config) *Core {
	t.Helper()
	core, err := Open(cfg, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return core
}

func coreDispatch(t *testing.T, c *Core, eventType string, payload any) *Document {
	t.Helper()
	doc, err := c.Dispatch(context.Background(), eventType, payload)
	if err != nil {
		t.Fatalf("Dispatch(%s): %v", eventType, err)
	}
	return doc
}

func TestCoreDeviceIDStableAcrossReopen(t *testing.T) {
	cfg := coreConfig(t)

	core := openTestCore(t, cfg)
	first := core.DeviceID()
	if first == "" {
		t.Fatal("expected a device id to be minted on first open")
	}
	if err := core.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	core = openTestCore(t, cfg)
	defer core.Close()
	if got := core.DeviceID(); got != first {
		t.Errorf("device id changed across reopen: %q vs %q", got, first)
	}
}

func TestCoreRecoversDocumentFromStore(t *testing.T) {
	cfg := coreConfig(t)
	// SnapshotEvery 1 exercises the snapshot path alongside log replay.
	cfg.SnapshotEvery = 1

	core := openTestCore(t, cfg)
	coreDispatch(t, core, EventOrganizationCreated, OrganizationPayload{
		ID: "org-1", Name: strp("Willow Health"),
	})
	coreDispatch(t, core, EventAccountCreated, AccountPayload{
		ID: "acct-1", OrganizationID: strp("org-1"), Name: strp("Willow Downtown"),
	})
	want := core.Snapshot()
	if err := core.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	core = openTestCore(t, cfg)
	defer core.Close()
	docsEqual(t, core.Snapshot(), want)
	if got := core.dispatcher.Log().Len(); got != 2 {
		t.Errorf("recovered log length = %d, want 2", got)
	}

	// New commits after recovery continue the local sequence.
	coreDispatch(t, core, EventContactCreated, ContactPayload{
		ID: "contact-1", Name: strp("Dana Reyes"),
	})
	changes := core.dispatcher.Log().All()
	last := changes[len(changes)-1]
	if last.Seq != 3 {
		t.Errorf("post-recovery seq = %d, want 3", last.Seq)
	}
}

func TestCoreDispatchAfterClose(t *testing.T) {
	core := openTestCore(t, coreConfig(t))
	if err := core.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := core.Dispatch(context.Background(), EventOrganizationCreated, OrganizationPayload{
		ID: "org-1", Name: strp("Late"),
	}); !errors.Is(err, ErrClosed) {
		t.Errorf("Dispatch after Close: err = %v, want ErrClosed", err)
	}
	if err := core.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close: err = %v, want ErrClosed", err)
	}
}

func pairCores(t *testing.T, a, b *Core) {
	t.Helper()
	code, invite, err := a.CreateInvite()
	if err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}
	if err := b.Pair(invite, code); err != nil {
		t.Fatalf("Pair: %v", err)
	}
	if err := a.AcceptPairing(b.DeviceID(), "peer", code, invite.Salt); err != nil {
		t.Fatalf("AcceptPairing: %v", err)
	}
}

func TestCorePairingPersists(t *testing.T) {
	cfgA := coreConfig(t)
	cfgB := coreConfig(t)
	a := openTestCore(t, cfgA)
	defer a.Close()
	b := openTestCore(t, cfgB)

	pairCores(t, a, b)

	keyA, okA := a.keyring.Key(b.DeviceID())
	keyB, okB := b.keyring.Key(a.DeviceID())
	if !okA || !okB {
		t.Fatal("both sides should hold a pairing key")
	}
	if string(keyA) != string(keyB) {
		t.Error("pairing keys differ between the two sides")
	}
	if peers := a.PairedPeers(); len(peers) != 1 || peers[0] != b.DeviceID() {
		t.Errorf("PairedPeers = %v, want [%s]", peers, b.DeviceID())
	}

	// Pairings survive a restart.
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	b = openTestCore(t, cfgB)
	defer b.Close()
	reloaded, ok := b.keyring.Key(a.DeviceID())
	if !ok || string(reloaded) != string(keyA) {
		t.Error("pairing key did not survive reopen")
	}

	if err := b.Unpair(a.DeviceID()); err != nil {
		t.Fatalf("Unpair: %v", err)
	}
	if _, ok := b.keyring.Key(a.DeviceID()); ok {
		t.Error("key still present after Unpair")
	}
}

func TestCoreBundleRoundTrip(t *testing.T) {
	a := openTestCore(t, coreConfig(t))
	defer a.Close()
	b := openTestCore(t, coreConfig(t))
	defer b.Close()
	pairCores(t, a, b)

	coreDispatch(t, a, EventOrganizationCreated, OrganizationPayload{
		ID: "org-1", Name: strp("Willow Health"),
	})
	coreDispatch(t, a, EventAccountCreated, AccountPayload{
		ID: "acct-1", OrganizationID: strp("org-1"), Name: strp("Willow Downtown"),
	})

	data, err := a.ExportBundle(b.DeviceID())
	if err != nil {
		t.Fatalf("ExportBundle: %v", err)
	}
	applied, err := b.ImportBundle(context.Background(), data)
	if err != nil {
		t.Fatalf("ImportBundle: %v", err)
	}
	if applied != 2 {
		t.Errorf("applied = %d, want 2", applied)
	}
	docsEqual(t, b.Snapshot(), a.Snapshot())

	// Importing the same bundle again changes nothing.
	if applied, err = b.ImportBundle(context.Background(), data); err != nil {
		t.Fatalf("re-import: %v", err)
	} else if applied != 0 {
		t.Errorf("re-import applied = %d, want 0", applied)
	}

	// The import recorded a's frontier, so the return bundle is empty.
	back, err := b.ExportBundle(a.DeviceID())
	if err != nil {
		t.Fatalf("return ExportBundle: %v", err)
	}
	if applied, err = a.ImportBundle(context.Background(), back); err != nil {
		t.Fatalf("return ImportBundle: %v", err)
	} else if applied != 0 {
		t.Errorf("return bundle applied = %d, want 0", applied)
	}

	// Now a knows what b holds; the next export carries only the delta.
	coreDispatch(t, a, EventContactCreated, ContactPayload{
		ID: "contact-1", Name: strp("Dana Reyes"),
	})
	delta, err := a.ExportBundle(b.DeviceID())
	if err != nil {
		t.Fatalf("delta ExportBundle: %v", err)
	}
	if applied, err = b.ImportBundle(context.Background(), delta); err != nil {
		t.Fatalf("delta ImportBundle: %v", err)
	} else if applied != 1 {
		t.Errorf("delta applied = %d, want 1", applied)
	}
}

func TestCoreSealedBundleRequiresPairing(t *testing.T) {
	cfg := coreConfig(t)
	cfg.Bundle.Seal = true
	a := openTestCore(t, cfg)
	defer a.Close()
	b := openTestCore(t, coreConfig(t))
	defer b.Close()

	// Sealing needs the recipient's key.
	if _, err := a.ExportBundle(b.DeviceID()); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("ExportBundle unpaired: err = %v, want ErrUnknownPeer", err)
	}

	pairCores(t, a, b)
	coreDispatch(t, a, EventOrganizationCreated, OrganizationPayload{
		ID: "org-1", Name: strp("Willow Health"),
	})
	data, err := a.ExportBundle(b.DeviceID())
	if err != nil {
		t.Fatalf("ExportBundle: %v", err)
	}
	if _, _, sealed, err := BundleOrigin(data); err != nil || !sealed {
		t.Fatalf("BundleOrigin: sealed = %v, err = %v", sealed, err)
	}

	// A stranger without the key cannot open it.
	stranger := openTestCore(t, coreConfig(t))
	defer stranger.Close()
	if _, err := stranger.ImportBundle(context.Background(), data); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("stranger import: err = %v, want ErrUnknownPeer", err)
	}

	applied, err := b.ImportBundle(context.Background(), data)
	if err != nil {
		t.Fatalf("ImportBundle: %v", err)
	}
	if applied != 1 {
		t.Errorf("applied = %d, want 1", applied)
	}
	docsEqual(t, b.Snapshot(), a.Snapshot())
}

func TestCoreValidateReportsMergedInconsistencies(t *testing.T) {
	a := openTestCore(t, coreConfig(t))
	defer a.Close()
	b := openTestCore(t, coreConfig(t))
	defer b.Close()
	pairCores(t, a, b)

	coreDispatch(t, a, EventOrganizationCreated, OrganizationPayload{
		ID: "org-1", Name: strp("Willow Health"),
	})
	coreDispatch(t, a, EventAccountCreated, AccountPayload{
		ID: "acct-1", OrganizationID: strp("org-1"), Name: strp("Willow Downtown"),
	})
	if warnings := a.Validate(); len(warnings) != 0 {
		t.Fatalf("clean document produced warnings: %v", warnings)
	}

	// Ship only the account; the receiver ends up referencing an
	// organization it has never seen.
	changes := a.dispatcher.Log().All()
	partial := ChangeSet{Changes: changes[1:2], Frontier: Frontier{}}
	for _, c := range partial.Changes {
		partial.Frontier.Advance(c.DeviceID, c.Seq)
	}
	codec := &BundleCodec{}
	data, err := codec.Encode(a.DeviceID(), b.DeviceID(), partial, 0)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := b.ImportBundle(context.Background(), data); err != nil {
		t.Fatalf("ImportBundle: %v", err)
	}

	warnings := b.Validate()
	if !findWarning(warnings, WarnDanglingReference, "acct-1") {
		t.Errorf("expected dangling reference warning for acct-1, got %v", warnings)
	}
}

func TestCoreFeedPublishesCommits(t *testing.T) {
	core := openTestCore(t, coreConfig(t))
	defer core.Close()

	sub := core.Feed().Subscribe("")
	defer core.Feed().Unsubscribe(sub.ID)

	coreDispatch(t, core, EventOrganizationCreated, OrganizationPayload{
		ID: "org-1", Name: strp("Willow Health"),
	})

	select {
	case ev := <-sub.C():
		if ev.Kind != "commit" || ev.EventType != EventOrganizationCreated || ev.EntityID != "org-1" {
			t.Errorf("unexpected feed event %+v", ev)
		}
	default:
		t.Error("expected a commit event on the feed")
	}
}
