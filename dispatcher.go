package tandem

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Dispatcher owns the document. All mutations — locally dispatched events and
// change sets merged in from peers — flow through its single apply queue, so
// two mutations never race on the in-memory document. Snapshots published
// through Snapshot are immutable and safe to read concurrently.
type Dispatcher struct {
	registry *Registry
	deviceID string
	log      *ChangeLog
	clock    *VectorClock
	logger   *slog.Logger

	// Now supplies envelope timestamps in Unix milliseconds. Overridable for
	// deterministic tests.
	Now func() int64

	// NewID supplies envelope ids.
	NewID func() string

	// OnCommit is invoked from the apply queue after a local event commits.
	OnCommit func(snap *Document, c Change)

	// OnMerge is invoked after a remote change set applies, with any
	// integrity warnings found by the post-merge reconciliation pass.
	OnMerge func(snap *Document, applied []Change, warnings []IntegrityWarning)

	snapshot atomic.Pointer[Document]
	reqs     chan dispatchRequest

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type dispatchKind int

const (
	dispatchLocal dispatchKind = iota
	dispatchReplay
	dispatchMerge
)

type dispatchRequest struct {
	kind dispatchKind
	env  Envelope
	cs   ChangeSet
	resp chan dispatchResult
}

type dispatchResult struct {
	doc     *Document
	change  Change
	applied []Change
	err     error
}

// NewDispatcher creates a dispatcher over an initial document and change log
// (both typically loaded from the store).
func NewDispatcher(registry *Registry, deviceID string, doc *Document, log *ChangeLog, logger *slog.Logger) *Dispatcher {
	if doc == nil {
		doc = NewDocument()
	}
	if log == nil {
		log = NewChangeLog()
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		registry: registry,
		deviceID: deviceID,
		log:      log,
		clock:    NewVectorClock(),
		logger:   logger.With("component", "dispatcher"),
		Now:      func() int64 { return time.Now().UnixMilli() },
		NewID:    uuid.NewString,
		reqs:     make(chan dispatchRequest),
	}
	// Rebuild the causal clock from the log frontier.
	d.clock.MergeMap(log.Frontier())
	d.snapshot.Store(doc)
	return d
}

// Start launches the apply queue.
func (d *Dispatcher) Start() {
	if d.running.Swap(true) {
		return
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.wg.Add(1)
	go d.run()
}

// Stop drains and stops the apply queue.
func (d *Dispatcher) Stop() {
	if !d.running.Swap(false) {
		return
	}
	d.cancel()
	d.wg.Wait()
}

// DeviceID returns the local device identifier.
func (d *Dispatcher) DeviceID() string { return d.deviceID }

// Snapshot returns the last published document. The returned document is
// immutable; callers must never modify it.
func (d *Dispatcher) Snapshot() *Document {
	return d.snapshot.Load()
}

// Log returns the change log.
func (d *Dispatcher) Log() *ChangeLog { return d.log }

// Clock returns the causal clock.
func (d *Dispatcher) Clock() *VectorClock { return d.clock }

// Dispatch validates and applies one event. On success it returns the new
// snapshot; on a validation error the document is untouched and the error is
// returned verbatim. Each event is one atomic change — the unit the sync
// layer later exchanges.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, payload any) (*Document, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return d.Snapshot(), newValidationError(CodeInvariantViolation, eventType, "",
				"payload not serializable: %v", err)
		}
		raw = data
	}
	env := Envelope{
		ID:        d.NewID(),
		Type:      eventType,
		Payload:   raw,
		Timestamp: d.Now(),
		DeviceID:  d.deviceID,
	}
	res, err := d.submit(ctx, dispatchRequest{kind: dispatchLocal, env: env})
	if err != nil {
		return d.Snapshot(), err
	}
	return res.doc, res.err
}

// ApplyEnvelope applies a fully formed envelope. Replaying the same ordered
// envelope log on an empty instance reproduces the document byte for byte.
func (d *Dispatcher) ApplyEnvelope(ctx context.Context, env Envelope) (*Document, error) {
	res, err := d.submit(ctx, dispatchRequest{kind: dispatchReplay, env: env})
	if err != nil {
		return d.Snapshot(), err
	}
	return res.doc, res.err
}

// ApplyChangeSet structurally merges a change set received from a peer.
// It returns the new snapshot and the changes that actually applied.
// An empty or fully redundant set returns the current snapshot unchanged.
func (d *Dispatcher) ApplyChangeSet(ctx context.Context, cs ChangeSet) (*Document, []Change, error) {
	res, err := d.submit(ctx, dispatchRequest{kind: dispatchMerge, cs: cs})
	if err != nil {
		return d.Snapshot(), nil, err
	}
	return res.doc, res.applied, res.err
}

func (d *Dispatcher) submit(ctx context.Context, req dispatchRequest) (dispatchResult, error) {
	if !d.running.Load() {
		return dispatchResult{}, ErrClosed
	}
	req.resp = make(chan dispatchResult, 1)
	select {
	case d.reqs <- req:
	case <-ctx.Done():
		return dispatchResult{}, ctx.Err()
	case <-d.ctx.Done():
		return dispatchResult{}, ErrClosed
	}
	select {
	case res := <-req.resp:
		return res, nil
	case <-ctx.Done():
		// The queue still processes the request; the caller just stops
		// waiting. The committed state remains consistent either way.
		return dispatchResult{}, ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case req := <-d.reqs:
			switch req.kind {
			case dispatchLocal, dispatchReplay:
				req.resp <- d.applyEvent(req.env)
			case dispatchMerge:
				req.resp <- d.applyMerge(req.cs)
			}
		}
	}
}

// applyEvent runs one event through its reducer inside a change transaction.
// The reducer mutates a clone; an error discards the clone so the published
// document is byte-identical to its prior state.
func (d *Dispatcher) applyEvent(env Envelope) dispatchResult {
	prior := d.snapshot.Load()
	seq := d.log.NextSeq(env.DeviceID)
	tx := &Tx{
		doc: prior.Clone(),
		stamp: Stamp{
			WallMillis: env.Timestamp,
			Counter:    seq,
			DeviceID:   env.DeviceID,
		},
	}
	if err := d.registry.Apply(tx, env); err != nil {
		d.logger.Debug("event rejected",
			"type", env.Type, "event_id", env.ID, "error", err)
		return dispatchResult{doc: prior, err: err}
	}

	// The reducer resolved the entity id (possibly from the payload);
	// carry it on the envelope so persisted changes and feed events name
	// the entity they touched.
	if tx.entityID != "" {
		env.EntityID = tx.entityID
	}

	d.clock.Tick(env.DeviceID)
	change := Change{
		ID:       env.ID,
		DeviceID: env.DeviceID,
		Seq:      seq,
		Stamp:    tx.stamp,
		Clock:    d.clock.Snapshot(),
		Event:    env,
		Ops:      tx.ops,
	}
	d.log.Append(change)
	d.snapshot.Store(tx.doc)
	d.logger.Debug("event committed",
		"type", env.Type, "event_id", env.ID, "seq", seq, "ops", len(change.Ops))

	if d.OnCommit != nil {
		d.OnCommit(tx.doc, change)
	}
	return dispatchResult{doc: tx.doc, change: change}
}

// applyMerge applies a peer change set through the CRDT merge primitive.
// Nothing is published until the full set has applied, so cancellation or a
// malformed change mid-batch never exposes partial state.
func (d *Dispatcher) applyMerge(cs ChangeSet) dispatchResult {
	prior := d.snapshot.Load()
	frontierBefore := d.log.Frontier()
	next, applied, err := mergeChangeSet(prior, d.log, cs)
	if err != nil {
		return dispatchResult{doc: prior, err: err}
	}
	if applied == 0 {
		return dispatchResult{doc: prior}
	}

	var appliedChanges []Change
	for _, c := range cs.Changes {
		if frontierBefore.Covers(c.DeviceID, c.Seq) {
			continue
		}
		d.clock.MergeMap(c.Clock)
		appliedChanges = append(appliedChanges, c)
	}
	d.snapshot.Store(next)

	// Structural merge bypasses reducer validation, so re-validate the
	// merged document and flag — never revert — what it finds.
	warnings := ValidateDocument(next)
	for _, w := range warnings {
		d.logger.Warn("post-merge integrity warning",
			"kind", w.Kind, "entity", w.EntityID, "detail", w.Detail)
	}
	d.logger.Info("change set merged", "received", len(cs.Changes), "applied", applied)

	if d.OnMerge != nil {
		d.OnMerge(next, appliedChanges, warnings)
	}
	return dispatchResult{doc: next, applied: appliedChanges}
}
