// Package state persists run state as a single JSON snapshot plus an
// append-only history log. The snapshot is the contract consumed by the
// dashboard and the resume engine.
package state

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store owns the durable state of one run. All mutation is serialized by an
// internal lock; every update is persisted atomically before returning.
type Store struct {
	mu       sync.Mutex
	logsRoot string
	runID    string
	logDir   string
	state    map[string]any
	history  *os.File
}

// NewRunID returns a fresh directory-safe run identifier.
func NewRunID() string {
	return time.Now().UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
}

// New creates a store for a new run under logsRoot.
func New(logsRoot string) (*Store, error) {
	return open(logsRoot, NewRunID(), false)
}

// Open creates a store for an existing run id, loading persisted state when
// loadExisting is set.
func Open(logsRoot, runID string, loadExisting bool) (*Store, error) {
	return open(logsRoot, runID, loadExisting)
}

func open(logsRoot, runID string, loadExisting bool) (*Store, error) {
	logDir := filepath.Join(logsRoot, runID)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	s := &Store{
		logsRoot: logsRoot,
		runID:    runID,
		logDir:   logDir,
		state:    map[string]any{},
	}
	if loadExisting {
		loaded, err := ReadStateFile(s.statePath())
		if err != nil {
			return nil, err
		}
		if loaded != nil {
			s.state = loaded
		}
	}
	hist, err := os.OpenFile(s.historyPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open history log: %w", err)
	}
	s.history = hist
	return s, nil
}

// ReadStateFile reads and decodes a state.json, falling back to the .bak
// copy when the primary file is unparseable. A missing file returns nil.
func ReadStateFile(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	var state map[string]any
	if jsonErr := json.Unmarshal(raw, &state); jsonErr == nil {
		return state, nil
	}
	bak, bakErr := os.ReadFile(path + ".bak")
	if bakErr != nil {
		return nil, fmt.Errorf("state file %s is unparseable and no usable backup exists", path)
	}
	if jsonErr := json.Unmarshal(bak, &state); jsonErr != nil {
		return nil, fmt.Errorf("state file %s and its backup are both unparseable", path)
	}
	return state, nil
}

// RunID returns the run identifier.
func (s *Store) RunID() string { return s.runID }

// LogDir returns the run's log directory.
func (s *Store) LogDir() string { return s.logDir }

func (s *Store) statePath() string   { return filepath.Join(s.logDir, "state.json") }
func (s *Store) historyPath() string { return filepath.Join(s.logDir, "history.log") }

// Update sets a key and persists the full snapshot atomically.
func (s *Store) Update(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[key] = value
	return s.saveLocked()
}

// UpdateMany sets several keys under one lock acquisition and one save.
func (s *Store) UpdateMany(kv map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range kv {
		s.state[k] = v
	}
	return s.saveLocked()
}

// Delete removes a key and persists.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state, key)
	return s.saveLocked()
}

// Get returns the value stored under key, or nil.
func (s *Store) Get(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state[key]
}

// GetString returns the value under key as a string, or "".
func (s *Store) GetString(key string) string {
	v, _ := s.Get(key).(string)
	return v
}

// GetBool returns the value under key as a bool, or false.
func (s *Store) GetBool(key string) bool {
	v, _ := s.Get(key).(bool)
	return v
}

// GetInt returns the value under key as an int, or 0. JSON round-trips
// numbers as float64.
func (s *Store) GetInt(key string) int {
	switch v := s.Get(key).(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Snapshot returns a shallow copy of the current state.
func (s *Store) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.state))
	for k, v := range s.state {
		out[k] = v
	}
	return out
}

// AppendHistory writes a timestamped event to the history log and flushes.
func (s *Store) AppendHistory(event string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.history == nil {
		return nil
	}
	line := fmt.Sprintf("[%s] %s\n", time.Now().UTC().Format(time.RFC3339), event)
	if _, err := s.history.WriteString(line); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return s.history.Sync()
}

// Save persists the current snapshot. Update already saves; Save exists for
// callers that mutated nested values in place.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// saveLocked writes state.json atomically: marshal, write tmp, fsync,
// preserve the previous file as .bak, rename.
func (s *Store) saveLocked() error {
	raw, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	path := s.statePath()
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("write state tmp: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return fmt.Errorf("write state tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync state tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close state tmp: %w", err)
	}
	if err := copyFile(path, path+".bak"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("backup state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// Close releases the history log handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.history == nil {
		return nil
	}
	err := s.history.Close()
	s.history = nil
	return err
}
