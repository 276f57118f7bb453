package trace

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // SQLite driver registration
)

// ErrNoMetadata is returned when a store has no trace metadata.
var ErrNoMetadata = errors.New("trace metadata not found")

// appends per transaction
const batchSize = 256

// Store is a SQLite-backed event log. Appends are batched in transactions;
// reads flush the open batch first.
type Store struct {
	db      *sql.DB
	mu      sync.Mutex
	tx      *sql.Tx
	pending int
	lastSeq uint64
}

var _ EventWriter = (*Store)(nil)

// OpenStore opens or creates a store at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&s.lastSeq); err != nil {
		db.Close()
		return nil, fmt.Errorf("loading last event: %w", err)
	}
	return s, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		CREATE TABLE IF NOT EXISTS metadata (
			id   INTEGER PRIMARY KEY CHECK (id = 1),
			data TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS events (
			seq       INTEGER PRIMARY KEY,
			ts        INTEGER NOT NULL,
			tid       INTEGER NOT NULL,
			code      INTEGER NOT NULL,
			committed INTEGER NOT NULL,
			signal    INTEGER NOT NULL,
			value     INTEGER NOT NULL,
			result    INTEGER NOT NULL,
			data      BLOB,
			truncated INTEGER NOT NULL,
			regs      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_tid ON events(tid);
	`)
	if err != nil {
		return fmt.Errorf("creating tables: %w", err)
	}
	return nil
}

// SaveMetadata stores the trace metadata, replacing any previous value.
func (s *Store) SaveMetadata(m Metadata) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO metadata (id, data) VALUES (1, ?)`, string(data))
	return err
}

// Metadata returns the stored trace metadata.
func (s *Store) Metadata() (Metadata, error) {
	var m Metadata
	var data string
	err := s.db.QueryRow(`SELECT data FROM metadata WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return m, ErrNoMetadata
	}
	if err != nil {
		return m, err
	}
	err = json.Unmarshal([]byte(data), &m)
	return m, err
}

// Append adds an event. Its sequence number must be above every stored one.
func (s *Store) Append(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Seq <= s.lastSeq {
		return fmt.Errorf("event sequence %d is not after %d", e.Seq, s.lastSeq)
	}
	regs, err := json.Marshal(e.Regs)
	if err != nil {
		return fmt.Errorf("marshaling registers: %w", err)
	}

	if s.tx == nil {
		if s.tx, err = s.db.Begin(); err != nil {
			return fmt.Errorf("beginning batch: %w", err)
		}
	}
	_, err = s.tx.Exec(`
		INSERT INTO events (seq, ts, tid, code, committed, signal, value, result, data, truncated, regs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Seq, e.TimestampNano, e.TID, e.Code, e.Committed, e.Signal,
		int64(e.Value), e.Result, e.Data, e.Truncated, string(regs))
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	s.lastSeq = e.Seq
	s.pending++

	if s.pending >= batchSize {
		return s.flushLocked()
	}
	return nil
}

// Flush commits the open batch.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx = nil
	s.pending = 0
	if err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	return nil
}

// Close commits the open batch and closes the database.
func (s *Store) Close() error {
	ferr := s.Flush()
	if err := s.db.Close(); err != nil {
		return err
	}
	return ferr
}

// Count returns the number of stored events.
func (s *Store) Count() (uint64, error) {
	if err := s.Flush(); err != nil {
		return 0, err
	}
	var n uint64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}

// Range returns the events with from <= seq <= to in order.
func (s *Store) Range(from, to uint64) ([]Event, error) {
	if err := s.Flush(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`
		SELECT seq, ts, tid, code, committed, signal, value, result, data, truncated, regs
		FROM events WHERE seq >= ? AND seq <= ?
		ORDER BY seq
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying range: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var value int64
		var regs string
		err := rows.Scan(&e.Seq, &e.TimestampNano, &e.TID, &e.Code, &e.Committed, &e.Signal,
			&value, &e.Result, &e.Data, &e.Truncated, &regs)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Value = uint64(value)
		if err := json.Unmarshal([]byte(regs), &e.Regs); err != nil {
			return nil, fmt.Errorf("event %d registers: %w", e.Seq, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Trace reads the whole store back as a Trace.
func (s *Store) Trace() (*Trace, error) {
	meta, err := s.Metadata()
	if err != nil && !errors.Is(err, ErrNoMetadata) {
		return nil, err
	}
	s.mu.Lock()
	last := s.lastSeq
	s.mu.Unlock()

	events, err := s.Range(1, last)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = make([]Event, 0)
	}
	return &Trace{Metadata: meta, Events: events}, nil
}
