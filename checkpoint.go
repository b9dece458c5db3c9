package tandem

import (
	"context"
	"sync"
)

// CheckpointStore tracks, per remote peer, the change-log frontier last
// successfully exchanged with that peer. The delta for a peer is everything
// beyond its frontier; a peer never seen before gets the full history.
type CheckpointStore struct {
	mu        sync.RWMutex
	frontiers map[string]Frontier

	// OnSave persists an advanced checkpoint (wired to the store).
	OnSave func(peerID string, f Frontier)
}

// NewCheckpointStore creates a checkpoint store, optionally pre-loaded with
// persisted frontiers.
func NewCheckpointStore(loaded map[string]Frontier) *CheckpointStore {
	if loaded == nil {
		loaded = make(map[string]Frontier)
	}
	return &CheckpointStore{frontiers: loaded}
}

// Frontier returns the saved frontier for a peer (empty for first contact).
func (s *CheckpointStore) Frontier(peerID string) Frontier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if f, ok := s.frontiers[peerID]; ok {
		return f.Clone()
	}
	return make(Frontier)
}

// Peers lists every peer with a saved checkpoint.
func (s *CheckpointStore) Peers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.frontiers))
	for p := range s.frontiers {
		out = append(out, p)
	}
	return out
}

// GetChangesSince computes the minimal delta for a peer: every change beyond
// the peer's checkpoint, plus the log frontier the delta was computed at.
func (s *CheckpointStore) GetChangesSince(log *ChangeLog, peerID string) ChangeSet {
	return ChangeSet{
		Changes:  log.Since(s.Frontier(peerID)),
		Frontier: log.Frontier(),
	}
}

// SaveCheckpoint advances the peer's checkpoint to the given frontier.
// Only called after the peer acknowledged the exchange, so resends remain
// possible but holes do not. GetChangesSince immediately after a save of the
// log's own frontier returns an empty change set.
func (s *CheckpointStore) SaveCheckpoint(peerID string, f Frontier) {
	s.mu.Lock()
	current, ok := s.frontiers[peerID]
	if !ok {
		current = make(Frontier)
		s.frontiers[peerID] = current
	}
	current.Merge(f)
	saved := current.Clone()
	s.mu.Unlock()

	if s.OnSave != nil {
		s.OnSave(peerID, saved)
	}
}

// ApplyChanges merges a change set into the document through the dispatcher's
// serialized apply queue and returns the resulting snapshot. An empty change
// set is a no-op returning the same document reference.
func (s *CheckpointStore) ApplyChanges(ctx context.Context, d *Dispatcher, cs ChangeSet) (*Document, error) {
	doc, _, err := d.ApplyChangeSet(ctx, cs)
	return doc, err
}
