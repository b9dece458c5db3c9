package tandem

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/golang/snappy"

	"github.com/tandem-sync/tandem/internal/encoding"
)

// Bundle framing constants. The magic and version gate decoding: a payload
// that does not open with them is rejected before anything is parsed.
const (
	bundleMagic   = "TDB1"
	bundleVersion = 1

	bundleFlagCompressed = 1 << 0
	bundleFlagSealed     = 1 << 1

	// maxBundleBody bounds the decoded body, keeping a hostile bundle from
	// ballooning memory.
	maxBundleBody = 64 << 20
)

// bundleBody is the JSON interior of a bundle.
type bundleBody struct {
	CreatedAt int64     `json:"createdAt"`
	ChangeSet ChangeSet `json:"changeSet"`
}

// BundleCodec serializes change sets into self-contained, versioned,
// peer-attributed payloads. The same bytes travel over a live socket
// (ChangesPayload frames) or an out-of-band channel such as a scannable
// code — the codec is agnostic to how they reach the other device.
type BundleCodec struct {
	// Compress snappy-compresses the body. On by default.
	Compress bool

	// Sealer optionally encrypts the body with the pairing key, for bundles
	// that traverse channels outside the paired transport.
	Sealer *Sealer
}

// NewBundleCodec returns a codec with compression enabled.
func NewBundleCodec() *BundleCodec {
	return &BundleCodec{Compress: true}
}

// Encode packs a change set computed for peerID into a transportable bundle
// attributed to deviceID. Encoding an empty change set is valid and yields a
// decodable bundle with an empty set.
func (c *BundleCodec) Encode(deviceID, peerID string, cs ChangeSet, createdAt int64) ([]byte, error) {
	body, err := json.Marshal(bundleBody{CreatedAt: createdAt, ChangeSet: cs})
	if err != nil {
		return nil, err
	}

	var flags byte
	if c.Compress {
		flags |= bundleFlagCompressed
		body = snappy.Encode(nil, body)
	}
	if c.Sealer != nil {
		flags |= bundleFlagSealed
		body, err = c.Sealer.Seal(body)
		if err != nil {
			return nil, err
		}
	}

	buf := &bytes.Buffer{}
	buf.WriteString(bundleMagic)
	buf.WriteByte(bundleVersion)
	buf.WriteByte(flags)
	if err := encoding.WriteString(buf, deviceID); err != nil {
		return nil, err
	}
	if err := encoding.WriteString(buf, peerID); err != nil {
		return nil, err
	}
	if err := encoding.WriteBytes(buf, body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodedBundle is the result of decoding a bundle payload.
type DecodedBundle struct {
	// DeviceID is the producing device.
	DeviceID string
	// PeerID is the device the bundle was computed for ("" for broadcast
	// pairing bundles).
	PeerID string
	// CreatedAt is the producer's capture time in Unix milliseconds.
	CreatedAt int64
	// ChangeSet is the carried delta. A well-formed bundle with no changes
	// decodes to an empty set, not an error.
	ChangeSet ChangeSet
}

// Decode unpacks and validates a bundle payload. Empty, truncated, or
// corrupt input yields ErrInvalidBundle.
func (c *BundleCodec) Decode(data []byte) (*DecodedBundle, error) {
	if len(data) == 0 {
		return nil, newBundleError("empty payload", nil)
	}
	r := bytes.NewReader(data)

	magic := make([]byte, len(bundleMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != bundleMagic {
		return nil, newBundleError("bad magic", err)
	}
	version, err := r.ReadByte()
	if err != nil {
		return nil, newBundleError("truncated header", err)
	}
	if version != bundleVersion {
		return nil, newBundleError("unsupported bundle version", nil)
	}
	flags, err := r.ReadByte()
	if err != nil {
		return nil, newBundleError("truncated header", err)
	}
	deviceID, err := encoding.ReadString(r)
	if err != nil {
		return nil, newBundleError("truncated device id", err)
	}
	peerID, err := encoding.ReadString(r)
	if err != nil {
		return nil, newBundleError("truncated peer id", err)
	}
	body, err := encoding.ReadBytes(r, maxBundleBody)
	if err != nil {
		return nil, newBundleError("truncated body", err)
	}
	if r.Len() != 0 {
		return nil, newBundleError("trailing bytes after body", nil)
	}

	if flags&bundleFlagSealed != 0 {
		if c.Sealer == nil {
			return nil, newBundleError("bundle is sealed and no pairing key is configured", nil)
		}
		body, err = c.Sealer.Open(body)
		if err != nil {
			return nil, newBundleError("seal verification failed", err)
		}
	}
	if flags&bundleFlagCompressed != 0 {
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, newBundleError("decompression failed", err)
		}
		if len(decoded) > maxBundleBody {
			return nil, newBundleError("decompressed body too large", nil)
		}
		body = decoded
	}

	var parsed bundleBody
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&parsed); err != nil {
		return nil, newBundleError("malformed body", err)
	}
	if parsed.ChangeSet.Frontier == nil {
		parsed.ChangeSet.Frontier = make(Frontier)
	}
	for _, ch := range parsed.ChangeSet.Changes {
		if ch.DeviceID == "" || ch.Seq == 0 {
			return nil, newBundleError("change missing provenance", nil)
		}
	}

	return &DecodedBundle{
		DeviceID:  deviceID,
		PeerID:    peerID,
		CreatedAt: parsed.CreatedAt,
		ChangeSet: parsed.ChangeSet,
	}, nil
}

// BundleOrigin parses only the plaintext header of a bundle: the sending
// device, the intended recipient, and whether the body is sealed. Callers
// use it to pick the decryption key before a full Decode.
func BundleOrigin(data []byte) (deviceID, peerID string, sealed bool, err error) {
	r := bytes.NewReader(data)
	magic := make([]byte, len(bundleMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != bundleMagic {
		return "", "", false, newBundleError("bad magic", err)
	}
	version, err := r.ReadByte()
	if err != nil || version != bundleVersion {
		return "", "", false, newBundleError("unsupported bundle version", err)
	}
	flags, err := r.ReadByte()
	if err != nil {
		return "", "", false, newBundleError("truncated header", err)
	}
	if deviceID, err = encoding.ReadString(r); err != nil {
		return "", "", false, newBundleError("truncated device id", err)
	}
	if peerID, err = encoding.ReadString(r); err != nil {
		return "", "", false, newBundleError("truncated peer id", err)
	}
	return deviceID, peerID, flags&bundleFlagSealed != 0, nil
}

// IsBundle reports whether data plausibly is a bundle (magic check only).
func IsBundle(data []byte) bool {
	return len(data) > len(bundleMagic) &&
		bytes.Equal(data[:len(bundleMagic)], []byte(bundleMagic))
}

var errSealUnavailable = errors.New("sealer has no key")
