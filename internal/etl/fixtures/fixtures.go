// Package fixtures keeps a JSONL copy of every committed batch so an index
// can be rebuilt offline without the content database.
package fixtures

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Record is one line of a fixtures file.
type Record struct {
	Index  string          `json:"index"`
	ID     string          `json:"id"`
	Source json.RawMessage `json:"source"`
}

// Writer appends records to <dir>/<index>.jsonl.
type Writer struct {
	dir string
	mu  sync.Mutex
}

// NewWriter returns a writer for dir. The directory is created on the first
// append.
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// Path returns the fixtures file of index.
func (w *Writer) Path(index string) string {
	return filepath.Join(w.dir, index+".jsonl")
}

// Append writes records as one JSON object per line. Records are grouped by
// their index; each file is synced before Append returns.
func (w *Writer) Append(records []Record) error {
	if len(records) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("failed to create fixtures directory: %w", err)
	}

	byIndex := make(map[string][]Record)
	var order []string
	for _, r := range records {
		if _, ok := byIndex[r.Index]; !ok {
			order = append(order, r.Index)
		}
		byIndex[r.Index] = append(byIndex[r.Index], r)
	}

	for _, index := range order {
		if err := w.appendFile(w.Path(index), byIndex[index]); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) appendFile(path string, records []Record) error {
	// #nosec G304 - path built from configured directory and index name
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open fixtures file: %w", err)
	}

	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to encode fixture %s: %w", r.ID, err)
		}
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write fixtures file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync fixtures file: %w", err)
	}
	return f.Close()
}

// Read parses a fixtures file.
func Read(path string) ([]Record, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fixtures file: %w", err)
	}
	defer file.Close()

	var records []Record
	decoder := json.NewDecoder(file)
	for line := 1; ; line++ {
		var r Record
		if err := decoder.Decode(&r); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", line, err)
		}
		if r.ID == "" || r.Index == "" {
			return nil, fmt.Errorf("record at line %d has no id or index", line)
		}
		records = append(records, r)
	}
	return records, nil
}
