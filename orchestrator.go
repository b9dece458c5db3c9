package tandem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SyncState names the phases of a sync session.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncDiscovering
	SyncConnecting
	SyncAuthenticating
	SyncExchanging
	SyncApplying
	SyncFailed
)

// String returns a readable state name.
func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "idle"
	case SyncDiscovering:
		return "discovering"
	case SyncConnecting:
		return "connecting"
	case SyncAuthenticating:
		return "authenticating"
	case SyncExchanging:
		return "exchanging"
	case SyncApplying:
		return "applying"
	case SyncFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SyncProgress is delivered to the observer as a session moves through
// its phases. Records and Bytes are populated on SyncApplying events.
type SyncProgress struct {
	PeerID  string
	State   SyncState
	Records int
	Bytes   int64
	Err     error
}

// SyncObserver receives session progress. Callbacks run on the session
// goroutine and must not block.
type SyncObserver func(SyncProgress)

// OrchestratorConfig configures the sync orchestrator.
type OrchestratorConfig struct {
	// AutoSyncInterval is how often the background loop attempts to sync
	// with every visible paired peer. Zero disables the loop.
	AutoSyncInterval time.Duration

	// FailureBackoffBase is the delay before retrying a peer after its
	// first failed session. It doubles per consecutive failure.
	FailureBackoffBase time.Duration

	// FailureBackoffMax caps the per-peer retry delay.
	FailureBackoffMax time.Duration

	// Retry governs the in-session attempts: how many times a single
	// session retries transient failures before the session itself counts
	// as failed and enters the per-peer backoff above.
	Retry RetryConfig
}

// DefaultOrchestratorConfig returns an orchestrator configuration with
// sensible defaults.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		AutoSyncInterval:   30 * time.Second,
		FailureBackoffBase: 5 * time.Second,
		FailureBackoffMax:  10 * time.Minute,
		Retry:              DefaultRetryConfig(),
	}
}

// syncFlight tracks one in-progress session so concurrent requests for
// the same peer coalesce onto it.
type syncFlight struct {
	done chan struct{}
	err  error
}

// Orchestrator drives sync sessions: it resolves peers through
// discovery, runs at most one session per peer at a time, and backs off
// peers whose sessions keep failing. Manual sync requests bypass the
// backoff; the automatic loop honors it.
type Orchestrator struct {
	config    OrchestratorConfig
	transport *Transport
	discovery *Discovery
	keyring   *Keyring
	retryer   *Retryer
	logger    *slog.Logger

	mu          sync.Mutex
	inflight    map[string]*syncFlight
	failures    map[string]int
	nextAttempt map[string]time.Time
	authBlocked map[string]bool

	observer atomic.Pointer[SyncObserver]

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewOrchestrator creates an orchestrator over an already-constructed
// transport and discovery.
func NewOrchestrator(config OrchestratorConfig, transport *Transport, discovery *Discovery, keyring *Keyring, logger *slog.Logger) *Orchestrator {
	if config.FailureBackoffBase <= 0 {
		config.FailureBackoffBase = 5 * time.Second
	}
	if config.FailureBackoffMax <= 0 {
		config.FailureBackoffMax = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		config:      config,
		transport:   transport,
		discovery:   discovery,
		keyring:     keyring,
		retryer:     NewRetryer(config.Retry),
		logger:      logger.With("component", "orchestrator"),
		inflight:    make(map[string]*syncFlight),
		failures:    make(map[string]int),
		nextAttempt: make(map[string]time.Time),
		authBlocked: make(map[string]bool),
	}
	transport.OnStateChange = o.onConnState
	transport.OnProgress = o.onApplyProgress
	return o
}

// SetObserver installs the progress observer. Pass nil to remove it.
func (o *Orchestrator) SetObserver(obs SyncObserver) {
	if obs == nil {
		o.observer.Store(nil)
		return
	}
	o.observer.Store(&obs)
}

func (o *Orchestrator) notify(p SyncProgress) {
	if obs := o.observer.Load(); obs != nil {
		(*obs)(p)
	}
}

func (o *Orchestrator) onConnState(peerID string, state ConnState) {
	switch state {
	case StateChallenged:
		o.notify(SyncProgress{PeerID: peerID, State: SyncAuthenticating})
	case StateExchanging:
		o.notify(SyncProgress{PeerID: peerID, State: SyncExchanging})
	}
}

func (o *Orchestrator) onApplyProgress(peerID string, records int, bytes int64) {
	o.notify(SyncProgress{PeerID: peerID, State: SyncApplying, Records: records, Bytes: bytes})
}

// Start launches the automatic sync loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return errors.New("orchestrator already started")
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	if o.config.AutoSyncInterval > 0 {
		o.wg.Add(1)
		go o.autoLoop()
	}
	return nil
}

// Stop cancels the loop and waits for in-flight sessions.
func (o *Orchestrator) Stop() {
	if !o.running.CompareAndSwap(true, false) {
		return
	}
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) autoLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.config.AutoSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.syncVisiblePeers()
		}
	}
}

// syncVisiblePeers runs one automatic pass over every discovered peer we
// hold a pairing key for, skipping those still in backoff.
func (o *Orchestrator) syncVisiblePeers() {
	for _, info := range o.discovery.Peers() {
		if _, paired := o.keyring.Key(info.DeviceID); !paired {
			continue
		}
		o.mu.Lock()
		deferred := time.Now().Before(o.nextAttempt[info.DeviceID]) || o.authBlocked[info.DeviceID]
		o.mu.Unlock()
		if deferred {
			continue
		}
		peer := info
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.SyncPeer(o.ctx, peer.DeviceID, false); err != nil &&
				!errors.Is(err, context.Canceled) {
				o.logger.Debug("auto sync failed", "peer", peer.DeviceID, "error", err)
			}
		}()
	}
}

// SyncNow runs a manual sync session with a peer, bypassing any failure
// backoff. Concurrent calls for the same peer coalesce onto the running
// session and share its outcome.
func (o *Orchestrator) SyncNow(ctx context.Context, peerID string) error {
	return o.SyncPeer(ctx, peerID, true)
}

// SyncPeer runs one session with the named peer. With force false a peer
// in failure backoff is skipped.
func (o *Orchestrator) SyncPeer(ctx context.Context, peerID string, force bool) error {
	o.mu.Lock()
	if flight, ok := o.inflight[peerID]; ok {
		o.mu.Unlock()
		select {
		case <-flight.done:
			return flight.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !force {
		// An auth failure is never transient: sync stays off until the
		// user re-pairs (or forces a manual attempt after doing so).
		if o.authBlocked[peerID] {
			o.mu.Unlock()
			return fmt.Errorf("%w: peer %s requires re-pairing", ErrAuthFailed, peerID)
		}
		if until := o.nextAttempt[peerID]; time.Now().Before(until) {
			o.mu.Unlock()
			return fmt.Errorf("%w: peer %s deferred until %s", ErrRateLimited, peerID, until.Format(time.RFC3339))
		}
	}
	flight := &syncFlight{done: make(chan struct{})}
	o.inflight[peerID] = flight
	o.mu.Unlock()

	flight.err = o.runSession(ctx, peerID)

	o.mu.Lock()
	delete(o.inflight, peerID)
	if flight.err != nil {
		o.failures[peerID]++
		backoff := computeBackoff(o.failures[peerID], o.config.FailureBackoffBase, o.config.FailureBackoffMax, 2.0)
		o.nextAttempt[peerID] = time.Now().Add(backoff)
		if errors.Is(flight.err, ErrAuthFailed) {
			o.authBlocked[peerID] = true
		}
	} else {
		delete(o.failures, peerID)
		delete(o.nextAttempt, peerID)
		delete(o.authBlocked, peerID)
	}
	o.mu.Unlock()

	close(flight.done)
	return flight.err
}

// runSession drives one session, retrying transient failures (resolution
// timeouts, dropped connections) per the retry policy. Permanent failures
// such as auth rejection end the session on the first attempt.
func (o *Orchestrator) runSession(ctx context.Context, peerID string) error {
	res := o.retryer.Do(ctx, func() error {
		addr, err := o.resolve(ctx, peerID)
		if err != nil {
			return err
		}
		o.notify(SyncProgress{PeerID: peerID, State: SyncConnecting})
		return o.transport.Sync(ctx, addr, peerID)
	})
	if res.LastErr != nil {
		o.notify(SyncProgress{PeerID: peerID, State: SyncFailed, Err: res.LastErr})
		o.logger.Warn("sync session failed", "peer", peerID, "attempts", res.Attempts, "error", res.LastErr)
		return res.LastErr
	}
	o.notify(SyncProgress{PeerID: peerID, State: SyncIdle})
	o.logger.Info("sync session complete", "peer", peerID, "attempts", res.Attempts)
	return nil
}

// resolve finds a peer's address, scanning the network if it is not
// already visible.
func (o *Orchestrator) resolve(ctx context.Context, peerID string) (string, error) {
	if info, ok := o.discovery.Lookup(peerID); ok {
		return info.Addr, nil
	}
	o.notify(SyncProgress{PeerID: peerID, State: SyncDiscovering})
	if _, err := o.discovery.Scan(ctx); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if o.ctx != nil && o.ctx.Err() != nil {
			return "", err
		}
	}
	info, ok := o.discovery.Lookup(peerID)
	if !ok {
		return "", fmt.Errorf("%w: peer %s not visible on the network", ErrTimeout, peerID)
	}
	return info.Addr, nil
}

// FailureCount returns the consecutive failure count for a peer.
func (o *Orchestrator) FailureCount(peerID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failures[peerID]
}
