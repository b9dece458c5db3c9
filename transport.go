package tandem

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// protocolVersion is the wire protocol version offered in Hello frames.
const protocolVersion = 1

const authNonceSize = 32

// rateLimitDisconnectAfter is how many consecutive over-budget requests a
// responder answers with Error frames before treating the peer as abusive
// and closing the connection.
const rateLimitDisconnectAfter = 3

// TransportConfig configures the peer transport.
type TransportConfig struct {
	// ListenAddr is the TCP address to accept peer connections on.
	ListenAddr string

	// MaxFrameSize bounds a single wire frame.
	MaxFrameSize uint32

	// HandshakeTimeout bounds the hello/challenge/response exchange.
	HandshakeTimeout time.Duration

	// ExchangeTimeout bounds each request/payload/ack round trip.
	ExchangeTimeout time.Duration

	// RateCapacity is the per-peer request burst allowance.
	RateCapacity float64

	// RatePerSecond is the per-peer sustained request rate.
	RatePerSecond float64

	// AuthPenaltyBase is the penalty after the first failed auth attempt.
	// It doubles per consecutive failure up to AuthPenaltyMax.
	AuthPenaltyBase time.Duration

	// AuthPenaltyMax caps the auth failure penalty.
	AuthPenaltyMax time.Duration
}

// DefaultTransportConfig returns a transport configuration with sensible
// defaults for same-network peer sync.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		ListenAddr:       ":7645",
		MaxFrameSize:     DefaultMaxFrameSize,
		HandshakeTimeout: 10 * time.Second,
		ExchangeTimeout:  30 * time.Second,
		RateCapacity:     10,
		RatePerSecond:    2,
		AuthPenaltyBase:  2 * time.Second,
		AuthPenaltyMax:   5 * time.Minute,
	}
}

// ConnState tracks where a peer connection is in its lifecycle.
type ConnState int

const (
	StateListening ConnState = iota
	StateHandshakeReceived
	StateChallenged
	StateAuthenticated
	StateExchanging
	StateClosed
)

// String returns a readable state name.
func (s ConnState) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateHandshakeReceived:
		return "handshake_received"
	case StateChallenged:
		return "challenged"
	case StateAuthenticated:
		return "authenticated"
	case StateExchanging:
		return "exchanging"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Exchanger is the transport's view of local sync state: what to send a
// peer, how to apply what a peer sends, and where to record progress.
type Exchanger interface {
	// ChangesSince returns everything the named peer has not acknowledged.
	ChangesSince(peerID string) ChangeSet

	// Frontier returns the local device's full history frontier.
	Frontier() Frontier

	// ApplyChanges merges a remote change set and returns how many changes
	// took effect.
	ApplyChanges(ctx context.Context, cs ChangeSet) (int, error)

	// SaveCheckpoint records that the peer acknowledged history up to f.
	SaveCheckpoint(peerID string, f Frontier)
}

// Transport accepts authenticated peer connections and runs the framed
// change exchange over them. Both sides of a session end up with each
// other's full history.
type Transport struct {
	config   TransportConfig
	deviceID string
	label    string
	keyring  *Keyring
	exch     Exchanger
	limiter  *peerLimiter
	logger   *slog.Logger

	// OnStateChange, when set, is notified as an outbound session moves
	// through its lifecycle.
	OnStateChange func(peerID string, state ConnState)

	// OnProgress, when set, receives record and wire-byte counts as an
	// outbound session applies pulled changes.
	OnProgress func(peerID string, records int, bytes int64)

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  atomic.Bool
}

// NewTransport creates a transport. It does not listen until Start.
func NewTransport(config TransportConfig, deviceID, label string, keyring *Keyring, exch Exchanger, logger *slog.Logger) *Transport {
	if config.MaxFrameSize == 0 {
		config.MaxFrameSize = DefaultMaxFrameSize
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.ExchangeTimeout <= 0 {
		config.ExchangeTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		config:   config,
		deviceID: deviceID,
		label:    label,
		keyring:  keyring,
		exch:     exch,
		limiter:  newPeerLimiter(config.RateCapacity, config.RatePerSecond, config.AuthPenaltyBase, config.AuthPenaltyMax),
		logger:   logger.With("component", "transport"),
	}
}

// Start begins accepting peer connections.
func (t *Transport) Start(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return errors.New("transport already started")
	}
	ln, err := net.Listen("tcp", t.config.ListenAddr)
	if err != nil {
		t.running.Store(false)
		return fmt.Errorf("listen on %s: %w", t.config.ListenAddr, err)
	}
	t.listener = ln
	t.ctx, t.cancel = context.WithCancel(ctx)

	t.wg.Add(1)
	go t.acceptLoop()

	t.logger.Info("transport listening", "addr", ln.Addr().String(), "device", t.deviceID)
	return nil
}

// Stop closes the listener and waits for in-flight sessions to finish.
func (t *Transport) Stop() {
	if !t.running.CompareAndSwap(true, false) {
		return
	}
	t.cancel()
	if t.listener != nil {
		t.listener.Close()
	}
	t.wg.Wait()
	t.logger.Info("transport stopped")
}

// Addr returns the bound listen address, useful when ListenAddr used
// port 0.
func (t *Transport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.logger.Warn("accept failed", "error", err)
			continue
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handleConn(conn)
		}()
	}
}

// handleConn runs the responder side of a session: authenticate the
// caller, then answer change requests and accept pushed changes until the
// peer hangs up.
func (t *Transport) handleConn(conn net.Conn) {
	defer conn.Close()
	state := StateListening
	log := t.logger.With("remote", conn.RemoteAddr().String())

	peerID, err := t.authenticateInbound(conn, log, &state)
	if err != nil {
		log.Warn("session rejected", "state", state, "error", err)
		return
	}
	log = log.With("peer", peerID)
	state = StateExchanging

	rejected := 0
	for {
		if t.ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(t.config.ExchangeTimeout))
		kind, payload, err := readFrame(conn, t.config.MaxFrameSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && t.ctx.Err() == nil {
				log.Debug("session ended", "error", err)
			}
			state = StateClosed
			return
		}
		conn.SetWriteDeadline(time.Now().Add(t.config.ExchangeTimeout))
		if !t.limiter.allow(peerID) {
			// An over-budget request gets an Error frame but keeps the
			// session; only sustained abuse drops the connection.
			rejected++
			sendError(conn, wireErrRateLimited, "request rate exceeded")
			if rejected >= rateLimitDisconnectAfter {
				log.Warn("peer rate limited, closing", "rejected", rejected)
				state = StateClosed
				return
			}
			log.Warn("peer rate limited")
			continue
		}
		rejected = 0

		switch kind {
		case FrameChangesRequest:
			var req changesRequestMsg
			if err := decodeFrame(payload, &req); err != nil {
				sendError(conn, wireErrBadFrame, err.Error())
				return
			}
			cs := t.exch.ChangesSince(peerID)
			if err := writeFrame(conn, FrameChangesPayload, changesPayloadMsg{ChangeSet: cs}); err != nil {
				log.Warn("send changes failed", "error", err)
				return
			}
			log.Debug("sent changes", "count", len(cs.Changes))

		case FrameChangesPayload:
			var msg changesPayloadMsg
			if err := decodeFrame(payload, &msg); err != nil {
				sendError(conn, wireErrBadFrame, err.Error())
				return
			}
			applied, err := t.exch.ApplyChanges(t.ctx, msg.ChangeSet)
			if err != nil {
				sendError(conn, wireErrInternal, err.Error())
				log.Warn("apply changes failed", "error", err)
				return
			}
			if err := writeFrame(conn, FrameAck, ackMsg{Frontier: t.exch.Frontier()}); err != nil {
				return
			}
			log.Debug("applied changes", "count", applied)

		case FrameAck:
			// Peer confirms it durably holds everything we sent. Only now
			// may the checkpoint advance, so an interrupted session never
			// leaves a hole in the peer's history.
			var ack ackMsg
			if err := decodeFrame(payload, &ack); err != nil {
				sendError(conn, wireErrBadFrame, err.Error())
				return
			}
			if len(ack.Frontier) > 0 {
				t.exch.SaveCheckpoint(peerID, ack.Frontier)
				log.Debug("checkpoint advanced")
			}

		default:
			sendError(conn, wireErrBadFrame, fmt.Sprintf("unexpected %s frame", kind))
			return
		}
	}
}

// authenticateInbound runs hello/challenge/response and returns the
// verified peer device id.
func (t *Transport) authenticateInbound(conn net.Conn, log *slog.Logger, state *ConnState) (string, error) {
	deadline := time.Now().Add(t.config.HandshakeTimeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)

	var hello helloMsg
	if err := expectFrame(conn, t.config.MaxFrameSize, FrameHello, &hello); err != nil {
		return "", err
	}
	*state = StateHandshakeReceived
	if hello.ProtocolVersion != protocolVersion {
		sendError(conn, wireErrBadFrame, fmt.Sprintf("unsupported protocol version %d", hello.ProtocolVersion))
		return "", fmt.Errorf("%w: protocol version %d", ErrFraming, hello.ProtocolVersion)
	}
	if hello.DeviceID == "" {
		sendError(conn, wireErrBadFrame, "missing device id")
		return "", fmt.Errorf("%w: hello without device id", ErrFraming)
	}

	key, ok := t.keyring.Key(hello.DeviceID)
	if !ok {
		sendError(conn, wireErrAuthFailed, "device not paired")
		return "", fmt.Errorf("%w: %q", ErrUnknownPeer, hello.DeviceID)
	}
	if !t.limiter.allow(hello.DeviceID) {
		sendError(conn, wireErrRateLimited, "try again later")
		return "", fmt.Errorf("%w: %q", ErrRateLimited, hello.DeviceID)
	}

	nonce := make([]byte, authNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	if err := writeFrame(conn, FrameAuthChallenge, authChallengeMsg{Nonce: nonce}); err != nil {
		return "", err
	}
	*state = StateChallenged

	var resp authResponseMsg
	if err := expectFrame(conn, t.config.MaxFrameSize, FrameAuthResponse, &resp); err != nil {
		return "", err
	}
	if resp.DeviceID != hello.DeviceID || !verifyProof(key, nonce, resp.DeviceID, resp.Proof) {
		penalty := t.limiter.recordAuthFailure(hello.DeviceID)
		sendError(conn, wireErrAuthFailed, "challenge verification failed")
		log.Warn("auth failed", "peer", hello.DeviceID, "penalty", penalty)
		return "", fmt.Errorf("%w: %q", ErrAuthFailed, hello.DeviceID)
	}
	t.limiter.recordAuthSuccess(hello.DeviceID)
	*state = StateAuthenticated

	if err := writeFrame(conn, FrameAck, ackMsg{}); err != nil {
		return "", err
	}
	log.Info("peer authenticated", "peer", hello.DeviceID)
	return hello.DeviceID, nil
}

// Sync dials a peer and runs one full bidirectional exchange: pull the
// peer's new changes, apply them, then push everything the peer lacks.
func (t *Transport) Sync(ctx context.Context, addr, peerID string) error {
	key, ok := t.keyring.Key(peerID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPeer, peerID)
	}

	t.notifyState(peerID, StateListening)
	d := net.Dialer{Timeout: t.config.HandshakeTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return newTransportError(TransportErrorUnknown, peerID, "dial failed", err)
	}
	defer conn.Close()
	defer t.notifyState(peerID, StateClosed)

	t.notifyState(peerID, StateChallenged)
	if err := t.authenticateOutbound(ctx, conn, key); err != nil {
		return err
	}
	t.notifyState(peerID, StateAuthenticated)
	t.notifyState(peerID, StateExchanging)
	return t.exchange(ctx, conn, peerID)
}

func (t *Transport) notifyState(peerID string, state ConnState) {
	if t.OnStateChange != nil {
		t.OnStateChange(peerID, state)
	}
}

func (t *Transport) notifyProgress(peerID string, records int, bytes int64) {
	if t.OnProgress != nil {
		t.OnProgress(peerID, records, bytes)
	}
}

// authenticateOutbound runs the initiator side of the handshake.
func (t *Transport) authenticateOutbound(ctx context.Context, conn net.Conn, key []byte) error {
	deadline := time.Now().Add(t.config.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)

	hello := helloMsg{DeviceID: t.deviceID, ProtocolVersion: protocolVersion, Label: t.label}
	if err := writeFrame(conn, FrameHello, hello); err != nil {
		return err
	}
	var challenge authChallengeMsg
	if err := expectFrame(conn, t.config.MaxFrameSize, FrameAuthChallenge, &challenge); err != nil {
		return err
	}
	resp := authResponseMsg{
		DeviceID: t.deviceID,
		Proof:    computeProof(key, challenge.Nonce, t.deviceID),
	}
	if err := writeFrame(conn, FrameAuthResponse, resp); err != nil {
		return err
	}
	var ack ackMsg
	return expectFrame(conn, t.config.MaxFrameSize, FrameAck, &ack)
}

// exchange runs the initiator's pull-then-push flow on an authenticated
// connection.
func (t *Transport) exchange(ctx context.Context, conn net.Conn, peerID string) error {
	deadline := time.Now().Add(t.config.ExchangeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)

	// Pull: ask for everything past our full history.
	if err := writeFrame(conn, FrameChangesRequest, changesRequestMsg{Since: t.exch.Frontier()}); err != nil {
		return err
	}
	var payload changesPayloadMsg
	received, err := expectFrameSized(conn, t.config.MaxFrameSize, FrameChangesPayload, &payload)
	if err != nil {
		return err
	}
	applied, err := t.exch.ApplyChanges(ctx, payload.ChangeSet)
	if err != nil {
		sendError(conn, wireErrInternal, err.Error())
		return err
	}
	t.notifyProgress(peerID, applied, int64(received))
	t.logger.Debug("pulled changes", "peer", peerID, "count", applied, "bytes", received)
	if err := writeFrame(conn, FrameAck, ackMsg{Frontier: t.exch.Frontier()}); err != nil {
		return err
	}

	// Push: send the peer everything it has not acknowledged.
	cs := t.exch.ChangesSince(peerID)
	if err := writeFrame(conn, FrameChangesPayload, changesPayloadMsg{ChangeSet: cs}); err != nil {
		return err
	}
	var ack ackMsg
	if err := expectFrame(conn, t.config.MaxFrameSize, FrameAck, &ack); err != nil {
		return err
	}
	if len(ack.Frontier) > 0 {
		t.exch.SaveCheckpoint(peerID, ack.Frontier)
	}
	t.logger.Debug("pushed changes", "peer", peerID, "count", len(cs.Changes))
	return nil
}
