package tandem

import (
	"encoding/json"
	"sync"
)

// VectorClock tracks causality across devices. It is safe for concurrent use.
type VectorClock struct {
	clocks map[string]uint64
	mu     sync.RWMutex
}

// NewVectorClock creates an empty vector clock.
func NewVectorClock() *VectorClock {
	return &VectorClock{clocks: make(map[string]uint64)}
}

// Tick increments the clock for a device and returns the new value.
func (vc *VectorClock) Tick(deviceID string) uint64 {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.clocks[deviceID]++
	return vc.clocks[deviceID]
}

// Get returns the clock value for a device.
func (vc *VectorClock) Get(deviceID string) uint64 {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	return vc.clocks[deviceID]
}

// Snapshot returns a copy of all clock values.
func (vc *VectorClock) Snapshot() map[string]uint64 {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	out := make(map[string]uint64, len(vc.clocks))
	for k, v := range vc.clocks {
		out[k] = v
	}
	return out
}

// MergeMap folds another clock snapshot into this one, keeping maxima.
func (vc *VectorClock) MergeMap(other map[string]uint64) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	for device, clock := range other {
		if clock > vc.clocks[device] {
			vc.clocks[device] = clock
		}
	}
}

// Compare compares two clock snapshots.
// Returns -1 if a happened before b, 1 if b happened before a, 0 if concurrent
// or equal.
func CompareClocks(a, b map[string]uint64) int {
	less, greater := false, false
	seen := make(map[string]struct{}, len(a)+len(b))
	for d := range a {
		seen[d] = struct{}{}
	}
	for d := range b {
		seen[d] = struct{}{}
	}
	for d := range seen {
		va, vb := a[d], b[d]
		if va < vb {
			less = true
		} else if va > vb {
			greater = true
		}
	}
	if less && !greater {
		return -1
	}
	if greater && !less {
		return 1
	}
	return 0
}

// Frontier is a per-device high-water mark of contiguous change sequence
// numbers. Checkpoints are frontiers: the delta for a peer is every change
// beyond the frontier last acknowledged by that peer.
type Frontier map[string]uint64

// Clone returns a copy of the frontier.
func (f Frontier) Clone() Frontier {
	out := make(Frontier, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Covers reports whether the frontier already includes seq for the device.
func (f Frontier) Covers(deviceID string, seq uint64) bool {
	return seq <= f[deviceID]
}

// Advance raises the device's mark if seq is beyond it.
func (f Frontier) Advance(deviceID string, seq uint64) {
	if seq > f[deviceID] {
		f[deviceID] = seq
	}
}

// Merge folds another frontier into this one, keeping maxima.
func (f Frontier) Merge(other Frontier) {
	for device, seq := range other {
		f.Advance(device, seq)
	}
}

// Equal reports whether two frontiers cover the same set of changes.
func (f Frontier) Equal(other Frontier) bool {
	for d, v := range f {
		if other[d] != v && v != 0 {
			return false
		}
	}
	for d, v := range other {
		if f[d] != v && v != 0 {
			return false
		}
	}
	return true
}

// MarshalBinary serializes the frontier for durable storage.
func (f Frontier) MarshalBinary() ([]byte, error) {
	return json.Marshal(map[string]uint64(f))
}

// UnmarshalFrontier deserializes a frontier.
func UnmarshalFrontier(data []byte) (Frontier, error) {
	var m map[string]uint64
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = make(map[string]uint64)
	}
	return Frontier(m), nil
}
