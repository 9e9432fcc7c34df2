// Package estest runs an in-process stand-in for the parts of the
// Elasticsearch API that pgsync uses: cluster health, index exists/create
// and _bulk with index actions.
package estest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// Server is a fake cluster backed by maps.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	health    string
	indices   map[string]json.RawMessage
	docs      map[string]map[string]json.RawMessage
	fail      map[string]int
	bulkCalls int
	bulkItems []int
	unavail   int
}

// New starts a fake cluster reporting green health. It is closed when the
// test ends.
func New(t *testing.T) *Server {
	t.Helper()
	s := &Server{
		health:  "green",
		indices: make(map[string]json.RawMessage),
		docs:    make(map[string]map[string]json.RawMessage),
		fail:    make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// SetHealth changes the reported cluster status.
func (s *Server) SetHealth(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = status
}

// FailItem makes the next n bulk index actions for id fail with a mapping
// error.
func (s *Server) FailItem(id string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[id] = n
}

// Unavailable makes the next n requests of any kind return 503.
func (s *Server) Unavailable(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavail = n
}

// Doc returns the stored source of id in index.
func (s *Server) Doc(index, id string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[index][id]
	return d, ok
}

// Count returns the number of documents in index.
func (s *Server) Count(index string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs[index])
}

// HasIndex reports whether index was created.
func (s *Server) HasIndex(index string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.indices[index]
	return ok
}

// BulkCalls returns the number of accepted _bulk requests.
func (s *Server) BulkCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bulkCalls
}

// BulkSizes returns the item count of each accepted _bulk request.
func (s *Server) BulkSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.bulkItems...)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavail > 0 {
		s.unavail--
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "unavailable"})
		return
	}

	path := strings.Trim(r.URL.Path, "/")
	switch {
	case path == "_cluster/health":
		status := http.StatusOK
		timedOut := !atLeast(s.health, r.URL.Query().Get("wait_for_status"))
		if timedOut {
			status = http.StatusRequestTimeout
		}
		writeJSON(w, status, map[string]any{"status": s.health, "timed_out": timedOut})

	case path == "_bulk":
		s.bulk(w, r)

	case r.Method == http.MethodHead:
		if _, ok := s.indices[path]; ok {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}

	case r.Method == http.MethodPut:
		if _, ok := s.indices[path]; ok {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error": map[string]any{"type": "resource_already_exists_exception"},
			})
			return
		}
		body, _ := io.ReadAll(r.Body)
		if !json.Valid(body) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid body"})
			return
		}
		s.indices[path] = body
		writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true, "index": path})

	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no handler for " + r.Method + " " + path})
	}
}

func (s *Server) bulk(w http.ResponseWriter, r *http.Request) {
	type action struct {
		Index struct {
			Index string `json:"_index"`
			ID    string `json:"_id"`
		} `json:"index"`
	}

	var items []map[string]any
	hasErrors := false

	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var a action
		if err := json.Unmarshal(line, &a); err != nil || a.Index.ID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("bad action line %q", line)})
			return
		}
		if !scanner.Scan() {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing source line"})
			return
		}
		source := append(json.RawMessage(nil), scanner.Bytes()...)

		if n := s.fail[a.Index.ID]; n > 0 {
			s.fail[a.Index.ID] = n - 1
			hasErrors = true
			items = append(items, map[string]any{"index": map[string]any{
				"_id":    a.Index.ID,
				"status": http.StatusBadRequest,
				"error":  map[string]any{"type": "mapper_parsing_exception", "reason": "failed to parse"},
			}})
			continue
		}

		if s.docs[a.Index.Index] == nil {
			s.docs[a.Index.Index] = make(map[string]json.RawMessage)
		}
		s.docs[a.Index.Index][a.Index.ID] = source
		items = append(items, map[string]any{"index": map[string]any{
			"_id":    a.Index.ID,
			"status": http.StatusOK,
		}})
	}

	s.bulkCalls++
	s.bulkItems = append(s.bulkItems, len(items))
	writeJSON(w, http.StatusOK, map[string]any{"errors": hasErrors, "items": items})
}

func atLeast(got, want string) bool {
	rank := map[string]int{"red": 0, "yellow": 1, "green": 2}
	if want == "" {
		return true
	}
	return rank[got] >= rank[want]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
