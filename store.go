package tandem

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS changes (
	device_id TEXT    NOT NULL,
	seq       INTEGER NOT NULL,
	payload   BLOB    NOT NULL,
	PRIMARY KEY (device_id, seq)
);
CREATE TABLE IF NOT EXISTS snapshot (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	document BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoints (
	peer_id  TEXT PRIMARY KEY,
	frontier BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS pairings (
	peer_id TEXT PRIMARY KEY,
	label   TEXT NOT NULL DEFAULT '',
	key     BLOB NOT NULL
);
`

const metaDeviceID = "device_id"

// Store persists the change log, the latest document snapshot, and peer
// checkpoints in a single SQLite file. The change log is the source of
// truth; the snapshot only spares a full replay on open.
type Store struct {
	db *sql.DB

	insertChange     *sql.Stmt
	upsertSnapshot   *sql.Stmt
	upsertCheckpoint *sql.Stmt
}

// OpenStore opens (creating if needed) the tandem database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// A single writer keeps |changes| append order deterministic.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &Store{db: db}
	if s.insertChange, err = db.Prepare(
		"INSERT OR IGNORE INTO changes (device_id, seq, payload) VALUES (?, ?, ?)"); err != nil {
		db.Close()
		return nil, err
	}
	if s.upsertSnapshot, err = db.Prepare(
		"INSERT INTO snapshot (id, document) VALUES (1, ?) ON CONFLICT(id) DO UPDATE SET document=excluded.document"); err != nil {
		db.Close()
		return nil, err
	}
	if s.upsertCheckpoint, err = db.Prepare(
		"INSERT INTO checkpoints (peer_id, frontier) VALUES (?, ?) ON CONFLICT(peer_id) DO UPDATE SET frontier=excluded.frontier"); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	s.insertChange.Close()
	s.upsertSnapshot.Close()
	s.upsertCheckpoint.Close()
	return s.db.Close()
}

// DeviceID returns the stored device identity, or "" on first open.
func (s *Store) DeviceID() (string, error) {
	var id string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", metaDeviceID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// SetDeviceID stores the device identity. It is written once at first
// open and never changes afterwards.
func (s *Store) SetDeviceID(id string) error {
	_, err := s.db.Exec(
		"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value",
		metaDeviceID, id)
	return err
}

// AppendChange durably records one committed change. Duplicate
// (device, seq) pairs are ignored so replayed merges are harmless.
func (s *Store) AppendChange(change Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	_, err = s.insertChange.Exec(change.DeviceID, change.Seq, payload)
	return err
}

// SaveSnapshot replaces the stored document snapshot.
func (s *Store) SaveSnapshot(doc *Document) error {
	blob, err := doc.Marshal()
	if err != nil {
		return err
	}
	_, err = s.upsertSnapshot.Exec(blob)
	return err
}

// SaveCheckpoint records the acknowledged frontier for a peer.
func (s *Store) SaveCheckpoint(peerID string, f Frontier) error {
	blob, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = s.upsertCheckpoint.Exec(peerID, blob)
	return err
}

// LoadSnapshot returns the stored document, or a fresh one when no
// snapshot exists yet.
func (s *Store) LoadSnapshot() (*Document, error) {
	var blob []byte
	err := s.db.QueryRow("SELECT document FROM snapshot WHERE id = 1").Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return NewDocument(), nil
	}
	if err != nil {
		return nil, err
	}
	return UnmarshalDocument(blob)
}

// LoadChanges replays the full change log in (device, seq) order.
func (s *Store) LoadChanges() (*ChangeLog, error) {
	rows, err := s.db.Query("SELECT payload FROM changes ORDER BY device_id, seq")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	log := NewChangeLog()
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var change Change
		if err := json.Unmarshal(payload, &change); err != nil {
			return nil, fmt.Errorf("corrupt change record: %w", err)
		}
		log.Append(change)
	}
	return log, rows.Err()
}

// LoadCheckpoints returns every stored peer checkpoint.
func (s *Store) LoadCheckpoints() (map[string]Frontier, error) {
	rows, err := s.db.Query("SELECT peer_id, frontier FROM checkpoints")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Frontier)
	for rows.Next() {
		var peerID string
		var blob []byte
		if err := rows.Scan(&peerID, &blob); err != nil {
			return nil, err
		}
		f, err := UnmarshalFrontier(blob)
		if err != nil {
			return nil, fmt.Errorf("corrupt checkpoint for %s: %w", peerID, err)
		}
		out[peerID] = f
	}
	return out, rows.Err()
}

// SavePairing persists a peer's pairing key.
func (s *Store) SavePairing(peerID, label string, key []byte) error {
	_, err := s.db.Exec(
		"INSERT INTO pairings (peer_id, label, key) VALUES (?, ?, ?) ON CONFLICT(peer_id) DO UPDATE SET label=excluded.label, key=excluded.key",
		peerID, label, key)
	return err
}

// DeletePairing removes a peer's pairing key.
func (s *Store) DeletePairing(peerID string) error {
	_, err := s.db.Exec("DELETE FROM pairings WHERE peer_id = ?", peerID)
	return err
}

// LoadPairings returns every stored pairing key by peer id.
func (s *Store) LoadPairings() (map[string][]byte, error) {
	rows, err := s.db.Query("SELECT peer_id, key FROM pairings")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var peerID string
		var key []byte
		if err := rows.Scan(&peerID, &key); err != nil {
			return nil, err
		}
		out[peerID] = key
	}
	return out, rows.Err()
}

// ChangeCount returns the number of stored changes, for diagnostics.
func (s *Store) ChangeCount() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM changes").Scan(&n)
	return n, err
}
