package tandem

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// FrameKind identifies a wire protocol message.
type FrameKind byte

const (
	FrameHello          FrameKind = 1
	FrameAuthChallenge  FrameKind = 2
	FrameAuthResponse   FrameKind = 3
	FrameChangesRequest FrameKind = 4
	FrameChangesPayload FrameKind = 5
	FrameAck            FrameKind = 6
	FrameError          FrameKind = 7
)

// String returns a readable name for logging.
func (k FrameKind) String() string {
	switch k {
	case FrameHello:
		return "hello"
	case FrameAuthChallenge:
		return "auth_challenge"
	case FrameAuthResponse:
		return "auth_response"
	case FrameChangesRequest:
		return "changes_request"
	case FrameChangesPayload:
		return "changes_payload"
	case FrameAck:
		return "ack"
	case FrameError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", byte(k))
	}
}

func (k FrameKind) valid() bool {
	return k >= FrameHello && k <= FrameError
}

// DefaultMaxFrameSize bounds a single frame payload. A changes payload for
// a full bootstrap can be large but is chunked by the transport well below
// this limit.
const DefaultMaxFrameSize = 4 << 20

// helloMsg opens a session and names the caller.
type helloMsg struct {
	DeviceID        string `json:"deviceId"`
	ProtocolVersion int    `json:"protocolVersion"`
	Label           string `json:"label,omitempty"`
}

// authChallengeMsg carries the responder's nonce.
type authChallengeMsg struct {
	Nonce []byte `json:"nonce"`
}

// authResponseMsg carries the keyed proof over the nonce.
type authResponseMsg struct {
	DeviceID string `json:"deviceId"`
	Proof    []byte `json:"proof"`
}

// changesRequestMsg asks for everything past the sender's view of the
// remote device's history.
type changesRequestMsg struct {
	Since Frontier `json:"since"`
}

// changesPayloadMsg delivers a batch of changes with the sender's frontier.
type changesPayloadMsg struct {
	ChangeSet ChangeSet `json:"changeSet"`
}

// ackMsg confirms receipt of a changes payload (or, after an auth
// response, confirms authentication).
type ackMsg struct {
	Frontier Frontier `json:"frontier,omitempty"`
}

// errorMsg reports a fatal session error before closing.
type errorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	wireErrAuthFailed  = "auth_failed"
	wireErrRateLimited = "rate_limited"
	wireErrBadFrame    = "bad_frame"
	wireErrInternal    = "internal"
)

// writeFrame encodes a message as [4-byte big-endian length][kind][JSON].
// The length covers the kind byte plus the payload.
func writeFrame(w io.Writer, kind FrameKind, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	buf := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(1+len(payload)))
	buf[4] = byte(kind)
	copy(buf[5:], payload)
	_, err = w.Write(buf)
	return err
}

// readFrame decodes one frame, enforcing the size limit. Oversized or
// malformed frames are framing errors; the connection is not recoverable
// after one.
func readFrame(r io.Reader, maxSize uint32) (FrameKind, []byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return 0, nil, fmt.Errorf("%w: zero-length frame", ErrFraming)
	}
	if length > maxSize {
		return 0, nil, fmt.Errorf("%w: frame of %d bytes exceeds limit %d", ErrFraming, length, maxSize)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("%w: truncated frame: %v", ErrFraming, err)
	}
	kind := FrameKind(body[0])
	if !kind.valid() {
		return 0, nil, fmt.Errorf("%w: unknown frame kind %d", ErrFraming, body[0])
	}
	return kind, body[1:], nil
}

// decodeFrame unmarshals a frame payload into the expected message type.
func decodeFrame(payload []byte, out any) error {
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: malformed frame payload: %v", ErrFraming, err)
	}
	return nil
}

// expectFrame reads one frame and requires a specific kind. An error frame
// from the peer is surfaced as a transport error; anything else of the
// wrong kind is a framing error.
func expectFrame(r io.Reader, maxSize uint32, want FrameKind, out any) error {
	_, err := expectFrameSized(r, maxSize, want, out)
	return err
}

// expectFrameSized is expectFrame returning the payload size in bytes, for
// progress accounting.
func expectFrameSized(r io.Reader, maxSize uint32, want FrameKind, out any) (int, error) {
	kind, payload, err := readFrame(r, maxSize)
	if err != nil {
		return 0, err
	}
	if kind == FrameError && want != FrameError {
		var em errorMsg
		if err := decodeFrame(payload, &em); err != nil {
			return 0, err
		}
		return 0, remoteError(em)
	}
	if kind != want {
		return 0, fmt.Errorf("%w: expected %s frame, got %s", ErrFraming, want, kind)
	}
	return len(payload), decodeFrame(payload, out)
}

// remoteError maps a peer-reported error onto the local taxonomy.
func remoteError(em errorMsg) error {
	switch em.Code {
	case wireErrAuthFailed:
		return fmt.Errorf("%w: %s", ErrAuthFailed, em.Message)
	case wireErrRateLimited:
		return fmt.Errorf("%w: %s", ErrRateLimited, em.Message)
	default:
		return fmt.Errorf("peer error %s: %s", em.Code, em.Message)
	}
}

// sendError best-effort reports a fatal error to the peer before close.
func sendError(w io.Writer, code, message string) {
	_ = writeFrame(w, FrameError, errorMsg{Code: code, Message: message})
}
