// Package state persists per-stream sync checkpoints.
//
// A checkpoint is the updated_at of the newest source row whose document is
// confirmed in Elasticsearch. All keys of one file live in a single flat JSON
// object of RFC3339Nano strings:
//
//	{
//	  "work": "2024-03-01T10:15:00.000001Z"
//	}
//
// Every Save is a full read-merge-write with an atomic rename, so readers never
// see a partially written file. The store assumes a single writer process.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Stream keys.
const (
	Work    = "work"
	Person  = "person"
	Genre   = "genre"
	Persons = "persons"
	Genres  = "genres"
)

// ErrRegression is returned by Set when the new value is older than the
// stored checkpoint.
var ErrRegression = errors.New("checkpoint would move backwards")

// Storage reads and writes the raw key/value document.
type Storage interface {
	// Save merges values into the stored document.
	Save(values map[string]string) error

	// Retrieve loads the whole document. A missing or malformed file yields
	// an empty map.
	Retrieve() (map[string]string, error)

	// Remove deletes keys from the stored document.
	Remove(keys ...string) error
}

// JSONFileStorage keeps the document in one JSON file.
type JSONFileStorage struct {
	path   string
	logger *log.Logger
}

// NewJSONFileStorage returns a storage backed by path. The file and its
// parent directory are created on first Save.
func NewJSONFileStorage(path string, logger *log.Logger) *JSONFileStorage {
	if logger == nil {
		logger = log.New(os.Stderr, "[state] ", log.LstdFlags)
	}
	return &JSONFileStorage{path: path, logger: logger}
}

// Retrieve implements Storage.Retrieve.
func (s *JSONFileStorage) Retrieve() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read state file %s: %w", s.path, err)
	}
	if len(data) == 0 {
		s.logger.Printf("State file %s is empty", s.path)
		return map[string]string{}, nil
	}

	var values map[string]string
	if err := json.Unmarshal(data, &values); err != nil {
		s.logger.Printf("Wrong state file format %s: %v (treating as empty)", s.path, err)
		return map[string]string{}, nil
	}
	if values == nil {
		values = map[string]string{}
	}
	return values, nil
}

// Save implements Storage.Save.
func (s *JSONFileStorage) Save(values map[string]string) error {
	current, err := s.Retrieve()
	if err != nil {
		return err
	}
	for k, v := range values {
		current[k] = v
	}
	return s.write(current)
}

// Remove implements Storage.Remove.
func (s *JSONFileStorage) Remove(keys ...string) error {
	current, err := s.Retrieve()
	if err != nil {
		return err
	}
	for _, k := range keys {
		delete(current, k)
	}
	return s.write(current)
}

// write replaces the file atomically via a synced temp file.
func (s *JSONFileStorage) write(values map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(values, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// State exposes typed checkpoints over a Storage.
type State struct {
	storage Storage
	logger  *log.Logger
}

// New creates a State over storage.
func New(storage Storage, logger *log.Logger) *State {
	if logger == nil {
		logger = log.New(os.Stderr, "[state] ", log.LstdFlags)
	}
	return &State{storage: storage, logger: logger}
}

// Get returns the checkpoint for key. ok is false when the key is absent or
// its value cannot be parsed.
func (s *State) Get(key string) (t time.Time, ok bool, err error) {
	values, err := s.storage.Retrieve()
	if err != nil {
		return time.Time{}, false, err
	}
	raw, found := values[key]
	if !found || raw == "" {
		return time.Time{}, false, nil
	}
	t, err = time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		s.logger.Printf("Ignoring malformed checkpoint %s=%q: %v", key, raw, err)
		return time.Time{}, false, nil
	}
	return t, true, nil
}

// Set advances the checkpoint for key. Values older than the stored one are
// rejected with ErrRegression; equal values are a no-op.
func (s *State) Set(key string, t time.Time) error {
	current, ok, err := s.Get(key)
	if err != nil {
		return err
	}
	if ok {
		if t.Before(current) {
			return fmt.Errorf("%s: %s < %s: %w", key, format(t), format(current), ErrRegression)
		}
		if t.Equal(current) {
			return nil
		}
	}
	return s.storage.Save(map[string]string{key: format(t)})
}

// Reset stores t for key unconditionally. It is the operator override used
// to force a re-index from an earlier point.
func (s *State) Reset(key string, t time.Time) error {
	return s.storage.Save(map[string]string{key: format(t)})
}

// Delete removes key so the stream bootstraps again on the next pass.
func (s *State) Delete(key string) error {
	return s.storage.Remove(key)
}

// Checkpoint is one key/value pair returned by All.
type Checkpoint struct {
	Stream string    `json:"stream" yaml:"stream"`
	At     time.Time `json:"at" yaml:"at"`
}

// All returns every parseable checkpoint sorted by stream key.
func (s *State) All() ([]Checkpoint, error) {
	values, err := s.storage.Retrieve()
	if err != nil {
		return nil, err
	}
	out := make([]Checkpoint, 0, len(values))
	for k, raw := range values {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			continue
		}
		out = append(out, Checkpoint{Stream: k, At: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stream < out[j].Stream })
	return out, nil
}

func format(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
