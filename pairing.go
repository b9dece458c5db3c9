package tandem

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pairingSaltSize is the salt size for key derivation.
	pairingSaltSize = 16
	// pairingKeySize is the derived key size (AES-256 when sealing).
	pairingKeySize = 32
	// pairingIterations is the PBKDF2 iteration count.
	pairingIterations = 100000
	// sealNonceSize is the AES-GCM nonce size.
	sealNonceSize = 12

	pairingCodeGroups    = 3
	pairingCodeGroupSize = 4
	// pairingCodeAlphabet avoids visually ambiguous characters; the codes
	// are read aloud or typed from another screen.
	pairingCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
)

// NewPairingCode generates a human-transferable pairing code of the form
// XXXX-XXXX-XXXX.
func NewPairingCode() (string, error) {
	raw := make([]byte, pairingCodeGroups*pairingCodeGroupSize)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	groups := make([]string, pairingCodeGroups)
	for g := 0; g < pairingCodeGroups; g++ {
		var sb strings.Builder
		for i := 0; i < pairingCodeGroupSize; i++ {
			b := raw[g*pairingCodeGroupSize+i]
			sb.WriteByte(pairingCodeAlphabet[int(b)%len(pairingCodeAlphabet)])
		}
		groups[g] = sb.String()
	}
	return strings.Join(groups, "-"), nil
}

// DerivePairingKey stretches a pairing code into the shared key both devices
// use to authenticate each other and, optionally, to seal bundles.
func DerivePairingKey(code string, salt []byte) []byte {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
	return pbkdf2.Key([]byte(normalized), salt, pairingIterations, pairingKeySize, sha256.New)
}

// NewPairingSalt returns a fresh key-derivation salt.
func NewPairingSalt() ([]byte, error) {
	salt := make([]byte, pairingSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// PairingInvite is the out-of-band pairing record one device shows (for
// example as a scannable code) and the other ingests. The pairing code
// itself travels separately — spoken, typed — so possession of the invite
// alone does not authenticate.
type PairingInvite struct {
	DeviceID string `json:"deviceId"`
	Label    string `json:"label"`
	Salt     []byte `json:"salt"`
}

// Marshal serializes the invite for the out-of-band channel.
func (p *PairingInvite) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// ParsePairingInvite deserializes an invite.
func ParsePairingInvite(data []byte) (*PairingInvite, error) {
	var p PairingInvite
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, newBundleError("malformed pairing invite", err)
	}
	if p.DeviceID == "" || len(p.Salt) != pairingSaltSize {
		return nil, newBundleError("incomplete pairing invite", nil)
	}
	return &p, nil
}

// computeProof derives the challenge response: a keyed hash over the nonce
// and the responding device's identity.
func computeProof(key, nonce []byte, deviceID string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(nonce)
	mac.Write([]byte(deviceID))
	return mac.Sum(nil)
}

// verifyProof checks a challenge response in constant time.
func verifyProof(key, nonce []byte, deviceID string, proof []byte) bool {
	expected := computeProof(key, nonce, deviceID)
	return subtle.ConstantTimeCompare(expected, proof) == 1
}

// Keyring holds the pairing keys for every known peer device. It is safe
// for concurrent use.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string][]byte)}
}

// Add registers (or replaces) the pairing key for a peer.
func (k *Keyring) Add(peerID string, key []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[peerID] = append([]byte(nil), key...)
}

// Remove forgets a peer, forcing re-pairing before the next sync.
func (k *Keyring) Remove(peerID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, peerID)
}

// Key returns the pairing key for a peer.
func (k *Keyring) Key(peerID string) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[peerID]
	return key, ok
}

// Peers lists every paired device id.
func (k *Keyring) Peers() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.keys))
	for p := range k.keys {
		out = append(out, p)
	}
	return out
}

// Sealer encrypts bundle bodies with a pairing key using AES-GCM, for
// bundles that traverse untrusted out-of-band channels.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a sealer from a derived pairing key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != pairingKeySize {
		return nil, errors.New("pairing key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext, prepending the nonce.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	if s == nil || s.aead == nil {
		return nil, errSealUnavailable
	}
	nonce := make([]byte, sealNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a sealed body produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if s == nil || s.aead == nil {
		return nil, errSealUnavailable
	}
	if len(sealed) < sealNonceSize {
		return nil, errors.New("sealed body too short")
	}
	nonce, ciphertext := sealed[:sealNonceSize], sealed[sealNonceSize:]
	return s.aead.Open(nil, nonce, ciphertext, nil)
}
