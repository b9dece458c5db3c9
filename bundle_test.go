package tandem

import (
	"bytes"
	"errors"
	"testing"
)

func testChangeSet(t *testing.T) ChangeSet {
	t.Helper()
	d := newTestDispatcher(t, "dev-a")
	seedOrg(t, d, "org-1")
	seedOrg(t, d, "org-2")
	return changeSetOf(d)
}

func TestBundleRoundtrip(t *testing.T) {
	cs := testChangeSet(t)
	codec := NewBundleCodec()
	data, err := codec.Encode("dev-a", "dev-b", cs, 1_700_005_000_000)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !IsBundle(data) {
		t.Fatal("encoded payload not recognized as a bundle")
	}

	got, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.DeviceID != "dev-a" || got.PeerID != "dev-b" || got.CreatedAt != 1_700_005_000_000 {
		t.Errorf("header = %+v", got)
	}
	if len(got.ChangeSet.Changes) != 2 {
		t.Fatalf("decoded %d changes", len(got.ChangeSet.Changes))
	}
	if !got.ChangeSet.Frontier.Equal(cs.Frontier) {
		t.Errorf("frontier = %v", got.ChangeSet.Frontier)
	}
}

func TestBundleUncompressed(t *testing.T) {
	cs := testChangeSet(t)
	codec := &BundleCodec{Compress: false}
	data, err := codec.Encode("dev-a", "dev-b", cs, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.ChangeSet.Changes) != 2 {
		t.Errorf("decoded %d changes", len(got.ChangeSet.Changes))
	}
}

func TestBundleEmptySetIsValid(t *testing.T) {
	codec := NewBundleCodec()
	data, err := codec.Encode("dev-a", "", ChangeSet{}, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.ChangeSet.Empty() {
		t.Errorf("decoded changes = %v", got.ChangeSet.Changes)
	}
}

func TestBundleSealed(t *testing.T) {
	key := DerivePairingKey("ABCD-EFGH-JKMN", bytes.Repeat([]byte{5}, pairingSaltSize))
	sealer, err := NewSealer(key)
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	cs := testChangeSet(t)
	codec := &BundleCodec{Compress: true, Sealer: sealer}
	data, err := codec.Encode("dev-a", "dev-b", cs, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if bytes.Contains(data, []byte("org-1")) {
		t.Fatal("sealed bundle leaks entity ids")
	}

	// Without the key the body cannot be opened.
	if _, err := NewBundleCodec().Decode(data); !errors.Is(err, ErrInvalidBundle) {
		t.Fatalf("keyless decode: %v", err)
	}
	// The wrong key fails authentication.
	wrongKey := DerivePairingKey("WXYZ-2345-6789", bytes.Repeat([]byte{5}, pairingSaltSize))
	wrongSealer, _ := NewSealer(wrongKey)
	if _, err := (&BundleCodec{Sealer: wrongSealer}).Decode(data); !errors.Is(err, ErrInvalidBundle) {
		t.Fatalf("wrong-key decode: %v", err)
	}

	got, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.ChangeSet.Changes) != 2 {
		t.Errorf("decoded %d changes", len(got.ChangeSet.Changes))
	}
}

func TestBundleOriginHeaderPeek(t *testing.T) {
	key := DerivePairingKey("ABCD-EFGH-JKMN", bytes.Repeat([]byte{5}, pairingSaltSize))
	sealer, _ := NewSealer(key)
	data, err := (&BundleCodec{Sealer: sealer}).Encode("dev-a", "dev-b", ChangeSet{}, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	deviceID, peerID, sealed, err := BundleOrigin(data)
	if err != nil {
		t.Fatalf("origin: %v", err)
	}
	if deviceID != "dev-a" || peerID != "dev-b" || !sealed {
		t.Errorf("origin = %q %q sealed=%v", deviceID, peerID, sealed)
	}
}

func TestBundleDecodeRejectsGarbage(t *testing.T) {
	codec := NewBundleCodec()
	valid, err := codec.Encode("dev-a", "dev-b", ChangeSet{}, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cases := map[string][]byte{
		"empty":         nil,
		"bad magic":     []byte("NOPE then some bytes"),
		"truncated":     valid[:len(valid)-3],
		"trailing":      append(append([]byte(nil), valid...), 0xAB),
		"short header":  []byte(bundleMagic),
		"wrong version": append([]byte(bundleMagic), 99, 0),
	}
	for name, data := range cases {
		if _, err := codec.Decode(data); !errors.Is(err, ErrInvalidBundle) {
			t.Errorf("%s: decode err = %v", name, err)
		}
	}
}

func TestBundleRejectsMissingProvenance(t *testing.T) {
	codec := &BundleCodec{}
	cs := ChangeSet{Changes: []Change{{ID: "c1", DeviceID: "", Seq: 0}}}
	data, err := codec.Encode("dev-a", "dev-b", cs, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := codec.Decode(data); !errors.Is(err, ErrInvalidBundle) {
		t.Errorf("decode err = %v", err)
	}
}
