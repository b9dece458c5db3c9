package tandem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Core is the embeddable document core: an event-sourced business
// document replicated between paired devices. The host app dispatches
// events, reads snapshots, and lets the sync machinery run in the
// background.
type Core struct {
	config Config
	store  *Store
	logger *slog.Logger

	deviceID    string
	registry    *Registry
	dispatcher  *Dispatcher
	checkpoints *CheckpointStore
	keyring     *Keyring
	feed        *FeedHub

	transport    *Transport
	discovery    *Discovery
	orchestrator *Orchestrator

	commitCount atomic.Uint64
	started     atomic.Bool
	closed      atomic.Bool
}

// Open loads (or creates) the local database and assembles the core.
// Networking stays down until Start.
func Open(config Config, logger *slog.Logger) (*Core, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	store, err := OpenStore(config.Path)
	if err != nil {
		return nil, err
	}

	deviceID, err := store.DeviceID()
	if err != nil {
		store.Close()
		return nil, err
	}
	if deviceID == "" {
		deviceID = uuid.NewString()
		if err := store.SetDeviceID(deviceID); err != nil {
			store.Close()
			return nil, err
		}
	}

	doc, err := store.LoadSnapshot()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	log, err := store.LoadChanges()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load change log: %w", err)
	}
	// The log is the source of truth; re-applying every op over the
	// snapshot is idempotent under the LWW stamps and recovers whatever
	// the last snapshot write missed.
	for _, c := range log.All() {
		for _, op := range c.Ops {
			if _, err := applyOp(doc, op, c.Stamp); err != nil {
				store.Close()
				return nil, fmt.Errorf("replay change %s/%d: %w", c.DeviceID, c.Seq, err)
			}
		}
	}

	loadedCheckpoints, err := store.LoadCheckpoints()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load checkpoints: %w", err)
	}
	pairings, err := store.LoadPairings()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load pairings: %w", err)
	}

	c := &Core{
		config:   config,
		store:    store,
		logger:   logger,
		deviceID: deviceID,
		registry: NewRegistry(),
		keyring:  NewKeyring(),
		feed:     NewFeedHub(config.Feed),
	}
	for peerID, key := range pairings {
		c.keyring.Add(peerID, key)
	}

	c.dispatcher = NewDispatcher(c.registry, deviceID, doc, log, logger)
	c.dispatcher.OnCommit = c.onCommit
	c.dispatcher.OnMerge = c.onMerge

	c.checkpoints = NewCheckpointStore(loadedCheckpoints)
	c.checkpoints.OnSave = func(peerID string, f Frontier) {
		if err := store.SaveCheckpoint(peerID, f); err != nil {
			logger.Error("persist checkpoint failed", "peer", peerID, "error", err)
		}
	}

	c.transport = NewTransport(config.Transport, deviceID, config.Label, c.keyring, c, logger)
	c.dispatcher.Start()

	logger.Info("core opened", "device", deviceID, "changes", log.Len())
	return c, nil
}

// DeviceID returns the stable identity of this device.
func (c *Core) DeviceID() string { return c.deviceID }

// Feed returns the local change feed hub.
func (c *Core) Feed() *FeedHub { return c.feed }

// Snapshot returns the current document. The returned document is
// immutable; every commit or merge installs a fresh one.
func (c *Core) Snapshot() *Document {
	return c.dispatcher.Snapshot()
}

// Dispatch validates and commits a local event, returning the resulting
// document. A validation error leaves the document untouched.
func (c *Core) Dispatch(ctx context.Context, eventType string, payload any) (*Document, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return c.dispatcher.Dispatch(ctx, eventType, payload)
}

// Start brings up discovery, the sync listener, and the automatic sync
// loop.
func (c *Core) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("core already started")
	}

	if err := c.transport.Start(ctx); err != nil {
		c.started.Store(false)
		return err
	}
	port := 0
	if tcp, ok := c.transport.Addr().(*net.TCPAddr); ok {
		port = tcp.Port
	}
	c.discovery = NewDiscovery(c.config.Discovery, c.deviceID, c.config.Label, port, c.logger)
	if err := c.discovery.Start(ctx); err != nil {
		c.transport.Stop()
		c.started.Store(false)
		return err
	}
	ocfg := c.config.Orchestrator
	ocfg.Retry = c.config.Retry
	c.orchestrator = NewOrchestrator(ocfg, c.transport, c.discovery, c.keyring, c.logger)
	if err := c.orchestrator.Start(ctx); err != nil {
		c.discovery.Stop()
		c.transport.Stop()
		c.started.Store(false)
		return err
	}
	return nil
}

// SetSyncObserver installs a progress observer for sync sessions. It has
// no effect before Start.
func (c *Core) SetSyncObserver(obs SyncObserver) {
	if c.orchestrator != nil {
		c.orchestrator.SetObserver(obs)
	}
}

// SyncNow runs a manual sync session with a peer, bypassing failure
// backoff.
func (c *Core) SyncNow(ctx context.Context, peerID string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.started.Load() {
		return errors.New("core not started")
	}
	return c.orchestrator.SyncNow(ctx, peerID)
}

// VisiblePeers returns the devices currently visible on the network.
func (c *Core) VisiblePeers() []PeerInfo {
	if c.discovery == nil {
		return nil
	}
	return c.discovery.Peers()
}

// PairedPeers returns the device ids we hold pairing keys for.
func (c *Core) PairedPeers() []string {
	return c.keyring.Peers()
}

// CreateInvite generates a pairing code and the invite record to hand to
// the other device out of band. The code is returned once and never
// stored.
func (c *Core) CreateInvite() (code string, invite *PairingInvite, err error) {
	code, err = NewPairingCode()
	if err != nil {
		return "", nil, err
	}
	salt, err := NewPairingSalt()
	if err != nil {
		return "", nil, err
	}
	return code, &PairingInvite{
		DeviceID: c.deviceID,
		Label:    c.config.Label,
		Salt:     salt,
	}, nil
}

// Pair completes pairing from a received invite plus the code conveyed
// out of band. Both devices derive the same key.
func (c *Core) Pair(invite *PairingInvite, code string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	key := DerivePairingKey(code, invite.Salt)
	c.keyring.Add(invite.DeviceID, key)
	return c.store.SavePairing(invite.DeviceID, invite.Label, key)
}

// AcceptPairing registers the responding side of a pairing: the inviter
// calls it with the code it generated, the invite salt it issued, and the
// other device's id.
func (c *Core) AcceptPairing(peerID, label, code string, salt []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	key := DerivePairingKey(code, salt)
	c.keyring.Add(peerID, key)
	return c.store.SavePairing(peerID, label, key)
}

// Unpair forgets a peer's key; its checkpoint survives in case the peer
// is re-paired later.
func (c *Core) Unpair(peerID string) error {
	c.keyring.Remove(peerID)
	return c.store.DeletePairing(peerID)
}

// ExportBundle encodes everything the named peer has not acknowledged as
// an out-of-band bundle file.
func (c *Core) ExportBundle(peerID string) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	codec := &BundleCodec{Compress: c.config.Bundle.Compress}
	if c.config.Bundle.Seal {
		key, ok := c.keyring.Key(peerID)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPeer, peerID)
		}
		sealer, err := NewSealer(key)
		if err != nil {
			return nil, err
		}
		codec.Sealer = sealer
	}
	cs := c.checkpoints.GetChangesSince(c.dispatcher.Log(), peerID)
	return codec.Encode(c.deviceID, peerID, cs, time.Now().UnixMilli())
}

// ImportBundle decodes and merges a bundle produced by a paired device.
// Importing a bundle twice is harmless. It returns how many changes took
// effect.
func (c *Core) ImportBundle(ctx context.Context, data []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	sender, _, sealed, err := BundleOrigin(data)
	if err != nil {
		return 0, err
	}
	codec := &BundleCodec{}
	if sealed {
		key, ok := c.keyring.Key(sender)
		if !ok {
			return 0, fmt.Errorf("%w: sealed bundle from unpaired device %q", ErrUnknownPeer, sender)
		}
		sealer, err := NewSealer(key)
		if err != nil {
			return 0, err
		}
		codec.Sealer = sealer
	}
	decoded, err := codec.Decode(data)
	if err != nil {
		return 0, err
	}
	before := c.dispatcher.Log().Len()
	if _, _, err := c.dispatcher.ApplyChangeSet(ctx, decoded.ChangeSet); err != nil {
		return 0, err
	}
	// The bundle proves the sender holds everything its frontier covers.
	if len(decoded.ChangeSet.Frontier) > 0 {
		c.checkpoints.SaveCheckpoint(decoded.DeviceID, decoded.ChangeSet.Frontier)
	}
	return c.dispatcher.Log().Len() - before, nil
}

// Validate re-checks every cross-entity invariant against the current
// document and returns the violations found.
func (c *Core) Validate() []IntegrityWarning {
	return ValidateDocument(c.Snapshot())
}

// Close stops networking, flushes a final snapshot, and releases the
// database.
func (c *Core) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	if c.started.CompareAndSwap(true, false) {
		c.orchestrator.Stop()
		c.discovery.Stop()
		c.transport.Stop()
	}
	c.dispatcher.Stop()
	if err := c.store.SaveSnapshot(c.dispatcher.Snapshot()); err != nil {
		c.logger.Error("final snapshot failed", "error", err)
	}
	c.logger.Info("core closed", "device", c.deviceID)
	return c.store.Close()
}

// onCommit runs on the dispatcher goroutine after each local commit.
func (c *Core) onCommit(snap *Document, change Change) {
	if err := c.store.AppendChange(change); err != nil {
		c.logger.Error("persist change failed", "seq", change.Seq, "error", err)
	}
	c.maybeSnapshot(snap)
	c.feed.Publish(FeedEvent{
		Kind:      "commit",
		EventType: change.Event.Type,
		EntityID:  change.Event.EntityID,
		DeviceID:  change.DeviceID,
		Timestamp: change.Event.Timestamp,
	})
}

// onMerge runs on the dispatcher goroutine after a remote change set
// applies.
func (c *Core) onMerge(snap *Document, applied []Change, warnings []IntegrityWarning) {
	for _, change := range applied {
		if err := c.store.AppendChange(change); err != nil {
			c.logger.Error("persist merged change failed",
				"device", change.DeviceID, "seq", change.Seq, "error", err)
		}
		c.feed.Publish(FeedEvent{
			Kind:      "merge",
			EventType: change.Event.Type,
			EntityID:  change.Event.EntityID,
			DeviceID:  change.DeviceID,
			Timestamp: change.Event.Timestamp,
		})
	}
	for i := range warnings {
		c.feed.Publish(FeedEvent{
			Kind:     "warning",
			EntityID: warnings[i].EntityID,
			Warning:  &warnings[i],
		})
	}
	c.maybeSnapshot(snap)
}

func (c *Core) maybeSnapshot(snap *Document) {
	every := uint64(c.config.SnapshotEvery)
	if every == 0 {
		return
	}
	if c.commitCount.Add(1)%every != 0 {
		return
	}
	if err := c.store.SaveSnapshot(snap); err != nil {
		c.logger.Error("snapshot failed", "error", err)
	}
}

// Exchanger implementation, called from transport session goroutines.
// All document mutation goes through the dispatcher queue.

// ChangesSince returns everything the named peer has not acknowledged.
func (c *Core) ChangesSince(peerID string) ChangeSet {
	return c.checkpoints.GetChangesSince(c.dispatcher.Log(), peerID)
}

// Frontier returns the local device's full history frontier.
func (c *Core) Frontier() Frontier {
	return c.dispatcher.Log().Frontier()
}

// ApplyChanges merges a remote change set through the dispatcher.
func (c *Core) ApplyChanges(ctx context.Context, cs ChangeSet) (int, error) {
	_, applied, err := c.dispatcher.ApplyChangeSet(ctx, cs)
	if err != nil {
		return 0, err
	}
	return len(applied), nil
}

// SaveCheckpoint records a peer's acknowledged frontier.
func (c *Core) SaveCheckpoint(peerID string, f Frontier) {
	c.checkpoints.SaveCheckpoint(peerID, f)
}
