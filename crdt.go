package tandem

import (
	"encoding/json"
	"sort"
	"sync"
)

// Stamp is the last-writer-wins ordering key for a document element. Two
// stamps are ordered by wall time, then by the origin device's logical
// counter, then by device id as a final tiebreaker, so every device agrees on
// the winner of any concurrent pair.
type Stamp struct {
	WallMillis int64  `json:"wallMillis"`
	Counter    uint64 `json:"counter"`
	DeviceID   string `json:"deviceId"`
}

// After reports whether s wins over other.
func (s Stamp) After(other Stamp) bool {
	if s.WallMillis != other.WallMillis {
		return s.WallMillis > other.WallMillis
	}
	if s.Counter != other.Counter {
		return s.Counter > other.Counter
	}
	return s.DeviceID > other.DeviceID
}

// IsZero reports whether the stamp is unset.
func (s Stamp) IsZero() bool {
	return s.WallMillis == 0 && s.Counter == 0 && s.DeviceID == ""
}

// OpKind distinguishes element writes from element removals.
type OpKind uint8

const (
	// OpPut writes the full JSON value of an element.
	OpPut OpKind = 1
	// OpDelete tombstones an element.
	OpDelete OpKind = 2
)

// Op is one element-level mutation recorded inside a change transaction.
// Business entities are whole-record registers; only the settings map is
// mutated key by key, which gives settings the field-by-field merge the
// schema requires.
type Op struct {
	Kind  OpKind          `json:"kind"`
	Map   string          `json:"map"`
	ID    string          `json:"id"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Change is the unit of replication: the envelope of the event that produced
// it plus the element operations it recorded, stamped and sequenced by the
// origin device. One dispatched event is exactly one change.
type Change struct {
	ID       string            `json:"id"`
	DeviceID string            `json:"deviceId"`
	Seq      uint64            `json:"seq"`
	Stamp    Stamp             `json:"stamp"`
	Clock    map[string]uint64 `json:"clock,omitempty"`
	Event    Envelope          `json:"event"`
	Ops      []Op              `json:"ops"`
}

// ChangeSet is an ordered batch of changes exchanged with a peer.
type ChangeSet struct {
	Changes []Change `json:"changes"`
	// Frontier is the sender's change-log frontier at computation time. The
	// receiver's checkpoint for the sender advances to it after a full apply.
	Frontier Frontier `json:"frontier"`
}

// Empty reports whether the change set carries no changes.
func (cs ChangeSet) Empty() bool { return len(cs.Changes) == 0 }

// elementKey builds the stamp-map key for an element.
func elementKey(mapName, id string) string {
	return mapName + "/" + id
}

// applyOp applies a single operation to the document if its stamp wins over
// the element's current stamp. It returns whether the op took effect.
// Losing ops are dropped, which is what makes concurrent application
// commutative: the same winner emerges regardless of arrival order.
func applyOp(doc *Document, op Op, stamp Stamp) (bool, error) {
	key := elementKey(op.Map, op.ID)
	if current, ok := doc.Stamps[key]; ok && !stamp.After(current) {
		return false, nil
	}

	switch op.Kind {
	case OpDelete:
		deleteElement(doc, op.Map, op.ID)
	case OpPut:
		if err := putElement(doc, op.Map, op.ID, op.Value); err != nil {
			return false, err
		}
	default:
		return false, newBundleError("unknown op kind", nil)
	}
	doc.Stamps[key] = stamp
	return true, nil
}

func deleteElement(doc *Document, mapName, id string) {
	switch mapName {
	case MapOrganizations:
		delete(doc.Organizations, id)
	case MapAccounts:
		delete(doc.Accounts, id)
	case MapContacts:
		delete(doc.Contacts, id)
	case MapNotes:
		delete(doc.Notes, id)
	case MapAudits:
		delete(doc.Audits, id)
	case MapCodes:
		delete(doc.Codes, id)
	case MapCalendarEvents:
		delete(doc.CalendarEvents, id)
	case MapInteractions:
		delete(doc.Interactions, id)
	case MapLinks:
		delete(doc.Links, id)
	case MapAccountCodes:
		delete(doc.AccountCodes, id)
	case MapSettings:
		delete(doc.Settings, id)
	}
}

func putElement(doc *Document, mapName, id string, value json.RawMessage) error {
	switch mapName {
	case MapOrganizations:
		return putTyped(doc.Organizations, id, value)
	case MapAccounts:
		return putTyped(doc.Accounts, id, value)
	case MapContacts:
		return putTyped(doc.Contacts, id, value)
	case MapNotes:
		return putTyped(doc.Notes, id, value)
	case MapAudits:
		return putTyped(doc.Audits, id, value)
	case MapCodes:
		return putTyped(doc.Codes, id, value)
	case MapCalendarEvents:
		return putTyped(doc.CalendarEvents, id, value)
	case MapInteractions:
		return putTyped(doc.Interactions, id, value)
	case MapLinks:
		return putTyped(doc.Links, id, value)
	case MapAccountCodes:
		return putTyped(doc.AccountCodes, id, value)
	case MapSettings:
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return newBundleError("malformed settings value", err)
		}
		doc.Settings[id] = s
		return nil
	}
	return newBundleError("unknown document map "+mapName, nil)
}

func putTyped[T any](m map[string]*T, id string, value json.RawMessage) error {
	v := new(T)
	if err := json.Unmarshal(value, v); err != nil {
		return newBundleError("malformed entity value", err)
	}
	m[id] = v
	return nil
}

// ChangeLog is the append-only history of every change known locally, both
// dispatched and merged in from peers. Its frontier assumes contiguous
// per-device sequences, which holds because checkpoints only advance after a
// fully acknowledged exchange.
type ChangeLog struct {
	mu       sync.RWMutex
	changes  []Change
	frontier Frontier
}

// NewChangeLog creates an empty change log.
func NewChangeLog() *ChangeLog {
	return &ChangeLog{frontier: make(Frontier)}
}

// Append records a change. Changes already covered by the frontier are
// ignored, which makes re-delivery from peers harmless.
func (l *ChangeLog) Append(c Change) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.frontier.Covers(c.DeviceID, c.Seq) {
		return false
	}
	l.changes = append(l.changes, c)
	l.frontier.Advance(c.DeviceID, c.Seq)
	return true
}

// Frontier returns a copy of the log's current frontier.
func (l *ChangeLog) Frontier() Frontier {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.frontier.Clone()
}

// NextSeq returns the next sequence number for the device.
func (l *ChangeLog) NextSeq(deviceID string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.frontier[deviceID] + 1
}

// Len returns the number of recorded changes.
func (l *ChangeLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.changes)
}

// Since returns every change beyond the given frontier, in stamp order.
// An empty frontier returns the full history (peer bootstrap).
func (l *ChangeLog) Since(f Frontier) []Change {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Change
	for _, c := range l.changes {
		if !f.Covers(c.DeviceID, c.Seq) {
			out = append(out, c)
		}
	}
	sortChanges(out)
	return out
}

// All returns a copy of the full change history in stamp order.
func (l *ChangeLog) All() []Change {
	return l.Since(make(Frontier))
}

// sortChanges orders changes by stamp. Application order does not affect the
// merged result, but a stable order keeps bundles byte-reproducible.
func sortChanges(changes []Change) {
	sort.Slice(changes, func(i, j int) bool {
		return changes[j].Stamp.After(changes[i].Stamp)
	})
}

// mergeChangeSet structurally applies a change set onto a clone of doc.
// It never runs business-rule reducers: concurrent edits from two devices
// merge element-wise even if, taken together, a single-device validation
// would have rejected them. That gap is deliberate; the reconciliation pass
// flags resulting violations instead of reverting them.
//
// An empty change set returns doc itself, so callers can cheaply detect
// "nothing to do". Nothing is visible to callers until the full set has
// applied, so cancellation or mid-batch errors never expose partial state.
func mergeChangeSet(doc *Document, log *ChangeLog, cs ChangeSet) (*Document, int, error) {
	if cs.Empty() {
		return doc, 0, nil
	}

	next := doc.Clone()
	applied := 0
	frontier := log.Frontier()
	for _, c := range cs.Changes {
		if frontier.Covers(c.DeviceID, c.Seq) {
			continue
		}
		for _, op := range c.Ops {
			if _, err := applyOp(next, op, c.Stamp); err != nil {
				return doc, 0, err
			}
		}
		frontier.Advance(c.DeviceID, c.Seq)
		applied++
	}
	if applied == 0 {
		return doc, 0, nil
	}
	for _, c := range cs.Changes {
		log.Append(c)
	}
	return next, applied, nil
}
