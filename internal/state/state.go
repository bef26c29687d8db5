// Package state persists the per-account sync checkpoint: the remote
// change-feed cursor, the time of the last successful sync and the
// label set it covered. One JSON file per account keeps the record
// trivially inspectable when debugging a stuck sync.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Checkpoint is the persisted sync state of one account. An empty
// Cursor means no successful full sync has completed yet; its presence
// is the signal that selects incremental mode.
type Checkpoint struct {
	Cursor       string    `json:"cursor"`
	LastSync     time.Time `json:"last_sync"`
	SyncedLabels []string  `json:"synced_labels"`
}

// Store loads and saves the checkpoint for a single account. The
// engine mutates it exactly once per successful sync attempt, after
// all writes have landed.
type Store interface {
	// Load returns the stored checkpoint, or nil if none exists.
	Load() (*Checkpoint, error)

	// Save replaces the checkpoint with a fresh cursor and label set.
	Save(cursor string, labels []string) error

	// Clear removes the checkpoint, forcing a full sync next run.
	Clear() error
}

// FileStore keeps the checkpoint at <dir>/<account>.json with
// restrictive permissions, matching the layout external tooling
// expects for operational inspection.
type FileStore struct {
	dir     string
	account string
}

// NewFileStore creates a checkpoint store for one account under dir.
func NewFileStore(dir, account string) *FileStore {
	return &FileStore{dir: dir, account: account}
}

// Path returns the location of this account's checkpoint file.
func (s *FileStore) Path() string {
	return filepath.Join(s.dir, s.account+".json")
}

func (s *FileStore) Load() (*Checkpoint, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		// A corrupt checkpoint is treated as absent: the next run
		// falls back to a full sync, which is always safe.
		return nil, nil
	}
	return &cp, nil
}

func (s *FileStore) Save(cursor string, labels []string) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	cp := Checkpoint{
		Cursor:       cursor,
		LastSync:     time.Now().UTC(),
		SyncedLabels: labels,
	}
	data, err := json.MarshalIndent(&cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	// Stage and rename so a crash mid-write never leaves a truncated
	// checkpoint behind.
	tmp := s.Path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, s.Path()); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

func (s *FileStore) Clear() error {
	if err := os.Remove(s.Path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	return nil
}

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu sync.Mutex
	cp *Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cp == nil {
		return nil, nil
	}
	cp := *s.cp
	return &cp, nil
}

func (s *MemoryStore) Save(cursor string, labels []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cp = &Checkpoint{
		Cursor:       cursor,
		LastSync:     time.Now().UTC(),
		SyncedLabels: append([]string(nil), labels...),
	}
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cp = nil
	return nil
}
