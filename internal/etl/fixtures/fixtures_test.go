package fixtures

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestAppendAndRead(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "fixtures")
	w := NewWriter(dir)

	first := []Record{
		{Index: "movies", ID: "fw-1", Source: json.RawMessage(`{"id":"fw-1"}`)},
		{Index: "persons", ID: "p-1", Source: json.RawMessage(`{"id":"p-1"}`)},
	}
	second := []Record{
		{Index: "movies", ID: "fw-2", Source: json.RawMessage(`{"id":"fw-2"}`)},
	}

	if err := w.Append(first); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if err := w.Append(second); err != nil {
		t.Fatalf("second Append() failed: %v", err)
	}

	movies, err := Read(w.Path("movies"))
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if len(movies) != 2 || movies[0].ID != "fw-1" || movies[1].ID != "fw-2" {
		t.Errorf("unexpected movie fixtures %+v", movies)
	}
	if string(movies[1].Source) != `{"id":"fw-2"}` {
		t.Errorf("source not preserved: %s", movies[1].Source)
	}

	persons, err := Read(w.Path("persons"))
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if len(persons) != 1 {
		t.Errorf("expected 1 person fixture, got %d", len(persons))
	}
}

func TestAppendEmpty(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "fixtures")
	if err := NewWriter(dir).Append(nil); err != nil {
		t.Fatalf("Append(nil) failed: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("empty append should not create the directory")
	}
}

func TestReadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad json", "{\"index\":\"movies\",\"id\":\"fw-1\",\"source\":{}}\nnot json\n"},
		{"missing id", "{\"index\":\"movies\",\"source\":{}}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "movies.jsonl")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("failed to write file: %v", err)
			}
			if _, err := Read(path); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
