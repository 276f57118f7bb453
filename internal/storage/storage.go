// Package storage manages recording session directories.
//
// Each session lives in <base>/<session id>/ and holds metadata.json plus
// the event log, trace.json or trace.db depending on the store backend.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const metadataFile = "metadata.json"

// ErrNotFound is returned when no session matches a lookup.
var ErrNotFound = errors.New("session not found")

// Metadata describes one recording session.
type Metadata struct {
	ID        string    `json:"id"`
	TraceID   string    `json:"trace_id,omitempty"`
	Command   []string  `json:"command"`
	Dir       string    `json:"dir,omitempty"`
	Backend   string    `json:"backend"`
	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitempty"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	Threads   int       `json:"threads,omitempty"` // threads ever registered
	Events    int       `json:"events,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Duration returns how long the session recorded, or zero if it never
// finished.
func (m Metadata) Duration() time.Duration {
	if m.StartedAt.IsZero() || m.StoppedAt.IsZero() {
		return 0
	}
	return m.StoppedAt.Sub(m.StartedAt)
}

// SessionStore is the directory of a single session.
type SessionStore struct {
	dir string
	id  string
}

// NewSessionStore creates <baseDir>/<id> if needed.
func NewSessionStore(baseDir, id string) (*SessionStore, error) {
	dir := filepath.Join(baseDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}
	return &SessionStore{dir: dir, id: id}, nil
}

// Open returns the existing session whose id is id or starts with id.
// A prefix matching more than one session is an error.
func Open(baseDir, id string) (*SessionStore, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	if fi, err := os.Stat(filepath.Join(baseDir, id, metadataFile)); err == nil && !fi.IsDir() {
		return &SessionStore{dir: filepath.Join(baseDir, id), id: id}, nil
	}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	var match string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), id) {
			continue
		}
		if match != "" {
			return nil, fmt.Errorf("session prefix %q is ambiguous: %s, %s", id, match, e.Name())
		}
		match = e.Name()
	}
	if match == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &SessionStore{dir: filepath.Join(baseDir, match), id: match}, nil
}

// ID returns the session id.
func (s *SessionStore) ID() string { return s.id }

// Dir returns the session directory.
func (s *SessionStore) Dir() string { return s.dir }

// TracePath returns the event log path for a store backend.
func (s *SessionStore) TracePath(backend string) string {
	if backend == "sqlite" {
		return filepath.Join(s.dir, "trace.db")
	}
	return filepath.Join(s.dir, "trace.json")
}

// SaveMetadata writes metadata.json.
func (s *SessionStore) SaveMetadata(m Metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, metadataFile), data, 0o644)
}

// LoadMetadata reads metadata.json.
func (s *SessionStore) LoadMetadata() (Metadata, error) {
	var m Metadata
	data, err := os.ReadFile(filepath.Join(s.dir, metadataFile))
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(data, &m)
	return m, err
}

// List returns the metadata of every session under baseDir, newest first.
// Directories without readable metadata are skipped.
func List(baseDir string) ([]Metadata, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Metadata
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := (&SessionStore{dir: filepath.Join(baseDir, e.Name()), id: e.Name()}).LoadMetadata()
		if err != nil {
			continue
		}
		if m.ID == "" {
			m.ID = e.Name()
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
