package tandem

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewPairingCodeFormat(t *testing.T) {
	code, err := NewPairingCode()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	groups := strings.Split(code, "-")
	if len(groups) != 3 {
		t.Fatalf("code %q has %d groups", code, len(groups))
	}
	for _, g := range groups {
		if len(g) != 4 {
			t.Errorf("group %q in %q", g, code)
		}
		for _, r := range g {
			if !strings.ContainsRune(pairingCodeAlphabet, r) {
				t.Errorf("character %q outside the code alphabet", r)
			}
		}
	}
}

func TestDerivePairingKeyNormalizes(t *testing.T) {
	salt := bytes.Repeat([]byte{7}, pairingSaltSize)
	base := DerivePairingKey("ABCD-EFGH-JKMN", salt)
	if len(base) != pairingKeySize {
		t.Fatalf("key length = %d", len(base))
	}
	for _, variant := range []string{
		"abcd-efgh-jkmn",
		"ABCDEFGHJKMN",
		"  ABCD-EFGH-JKMN  ",
	} {
		if !bytes.Equal(DerivePairingKey(variant, salt), base) {
			t.Errorf("variant %q derived a different key", variant)
		}
	}
	if bytes.Equal(DerivePairingKey("ABCD-EFGH-JKMP", salt), base) {
		t.Error("different code derived the same key")
	}
}

func TestPairingInviteRoundtrip(t *testing.T) {
	salt, err := NewPairingSalt()
	if err != nil {
		t.Fatalf("salt: %v", err)
	}
	invite := &PairingInvite{DeviceID: "dev-a", Label: "Tablet", Salt: salt}
	data, err := invite.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := ParsePairingInvite(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.DeviceID != "dev-a" || got.Label != "Tablet" || !bytes.Equal(got.Salt, salt) {
		t.Errorf("parsed invite = %+v", got)
	}
}

func TestParsePairingInviteRejectsIncomplete(t *testing.T) {
	for _, data := range []string{
		`{"label":"no id","salt":"AAAAAAAAAAAAAAAAAAAAAA=="}`,
		`{"deviceId":"dev-a","salt":"AAA="}`,
		`not json`,
	} {
		if _, err := ParsePairingInvite([]byte(data)); err == nil {
			t.Errorf("invite %q accepted", data)
		}
	}
}

func TestProofVerification(t *testing.T) {
	salt := bytes.Repeat([]byte{1}, pairingSaltSize)
	key := DerivePairingKey("ABCD-EFGH-JKMN", salt)
	nonce := bytes.Repeat([]byte{2}, authNonceSize)

	proof := computeProof(key, nonce, "dev-b")
	if !verifyProof(key, nonce, "dev-b", proof) {
		t.Fatal("valid proof rejected")
	}
	if verifyProof(key, nonce, "dev-c", proof) {
		t.Error("proof accepted for the wrong device")
	}
	otherKey := DerivePairingKey("WRONG-CODE-HERE", salt)
	if verifyProof(otherKey, nonce, "dev-b", proof) {
		t.Error("proof accepted under the wrong key")
	}
	proof[0] ^= 0xff
	if verifyProof(key, nonce, "dev-b", proof) {
		t.Error("tampered proof accepted")
	}
}

func TestKeyring(t *testing.T) {
	kr := NewKeyring()
	kr.Add("dev-b", []byte("key-b"))
	kr.Add("dev-c", []byte("key-c"))

	if key, ok := kr.Key("dev-b"); !ok || string(key) != "key-b" {
		t.Errorf("key = %q ok = %v", key, ok)
	}
	if len(kr.Peers()) != 2 {
		t.Errorf("peers = %v", kr.Peers())
	}
	kr.Remove("dev-b")
	if _, ok := kr.Key("dev-b"); ok {
		t.Error("removed peer still present")
	}
}

func TestSealerRoundtrip(t *testing.T) {
	key := DerivePairingKey("ABCD-EFGH-JKMN", bytes.Repeat([]byte{3}, pairingSaltSize))
	s, err := NewSealer(key)
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	plaintext := []byte("the loading dock code is 4482")
	sealed, err := s.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed body contains the plaintext")
	}
	opened, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("opened = %q", opened)
	}

	// Tampering breaks authentication.
	sealed[len(sealed)-1] ^= 0xff
	if _, err := s.Open(sealed); err == nil {
		t.Error("tampered body opened")
	}
}

func TestSealerRequiresKey(t *testing.T) {
	var s *Sealer
	if _, err := s.Seal([]byte("x")); err == nil {
		t.Error("nil sealer sealed")
	}
	if _, err := s.Open([]byte("x")); err == nil {
		t.Error("nil sealer opened")
	}
	if _, err := NewSealer([]byte("short")); err == nil {
		t.Error("short key accepted")
	}
}
