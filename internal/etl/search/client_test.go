package search_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cinemaindex/pgsync/internal/etl/search"
	"github.com/cinemaindex/pgsync/internal/etl/search/estest"
	"github.com/cinemaindex/pgsync/internal/retry"
)

func testPolicy(attempts int) *retry.Policy {
	return &retry.Policy{
		Initial:     time.Millisecond,
		Factor:      1,
		Max:         time.Millisecond,
		MaxAttempts: attempts,
	}
}

func newClient(t *testing.T, srv *estest.Server, attempts int) *search.Client {
	t.Helper()
	config := &search.Config{
		Addresses: []string{srv.URL},
		Timeout:   5 * time.Second,
	}
	client, err := search.New(config, testPolicy(attempts), nil)
	if err != nil {
		t.Fatalf("search.New() failed: %v", err)
	}
	return client
}

func TestWaitForHealth(t *testing.T) {
	srv := estest.New(t)
	srv.SetHealth("yellow")
	client := newClient(t, srv, 3)

	if err := client.WaitForHealth(context.Background(), "yellow"); err != nil {
		t.Fatalf("WaitForHealth(yellow) failed: %v", err)
	}
}

func TestWaitForHealthGivesUp(t *testing.T) {
	srv := estest.New(t)
	srv.SetHealth("red")
	client := newClient(t, srv, 2)

	err := client.WaitForHealth(context.Background(), "yellow")
	if !errors.Is(err, retry.ErrExhausted) {
		t.Fatalf("expected ErrExhausted for a red cluster, got %v", err)
	}
}

func TestWaitForHealthRetriesUnavailable(t *testing.T) {
	srv := estest.New(t)
	srv.Unavailable(2)
	client := newClient(t, srv, 5)

	if err := client.WaitForHealth(context.Background(), "yellow"); err != nil {
		t.Fatalf("WaitForHealth() failed after transient 503s: %v", err)
	}
}

func TestEnsureIndexIdempotent(t *testing.T) {
	ctx := context.Background()
	srv := estest.New(t)
	client := newClient(t, srv, 3)

	created, err := client.EnsureIndex(ctx, "movies", search.KindMovies)
	if err != nil {
		t.Fatalf("EnsureIndex() failed: %v", err)
	}
	if !created {
		t.Error("expected the index to be created")
	}
	if !srv.HasIndex("movies") {
		t.Fatal("index not created on the server")
	}

	created, err = client.EnsureIndex(ctx, "movies", search.KindMovies)
	if err != nil {
		t.Fatalf("second EnsureIndex() failed: %v", err)
	}
	if created {
		t.Error("second EnsureIndex() should not create the index again")
	}
}

func TestEnsureIndexUnknownKind(t *testing.T) {
	srv := estest.New(t)
	client := newClient(t, srv, 1)

	if _, err := client.EnsureIndex(context.Background(), "things", "things"); err == nil {
		t.Fatal("expected an error for an index kind without a schema")
	}
}

func TestBulkAllSucceed(t *testing.T) {
	srv := estest.New(t)
	client := newClient(t, srv, 1)

	body := `{"index":{"_index":"movies","_id":"fw-1"}}` + "\n" + `{"id":"fw-1","title":"Alien"}` + "\n" +
		`{"index":{"_index":"movies","_id":"fw-2"}}` + "\n" + `{"id":"fw-2","title":"Aliens"}` + "\n"

	failures, err := client.Bulk(context.Background(), []byte(body))
	if err != nil {
		t.Fatalf("Bulk() failed: %v", err)
	}
	if len(failures) != 0 {
		t.Errorf("expected no failures, got %v", failures)
	}
	if srv.Count("movies") != 2 {
		t.Errorf("expected 2 documents, got %d", srv.Count("movies"))
	}
}

func TestBulkReportsItemFailures(t *testing.T) {
	srv := estest.New(t)
	srv.FailItem("fw-2", 1)
	client := newClient(t, srv, 1)

	body := `{"index":{"_index":"movies","_id":"fw-1"}}` + "\n" + `{"id":"fw-1"}` + "\n" +
		`{"index":{"_index":"movies","_id":"fw-2"}}` + "\n" + `{"id":"fw-2"}` + "\n"

	failures, err := client.Bulk(context.Background(), []byte(body))
	if err != nil {
		t.Fatalf("Bulk() failed: %v", err)
	}
	if len(failures) != 1 || failures[0].ID != "fw-2" {
		t.Fatalf("expected one failure for fw-2, got %v", failures)
	}
	if failures[0].Type != "mapper_parsing_exception" || failures[0].Status != 400 {
		t.Errorf("unexpected failure detail %+v", failures[0])
	}
	if _, ok := srv.Doc("movies", "fw-1"); !ok {
		t.Error("fw-1 should have been written")
	}
}

func TestBulkRetriesUnavailable(t *testing.T) {
	srv := estest.New(t)
	srv.Unavailable(1)
	client := newClient(t, srv, 3)

	body := `{"index":{"_index":"movies","_id":"fw-1"}}` + "\n" + `{"id":"fw-1"}` + "\n"
	if _, err := client.Bulk(context.Background(), []byte(body)); err != nil {
		t.Fatalf("Bulk() should succeed after one 503: %v", err)
	}
	if srv.BulkCalls() != 1 {
		t.Errorf("expected 1 accepted bulk call, got %d", srv.BulkCalls())
	}
}

func TestBulkBadRequestIsPermanent(t *testing.T) {
	srv := estest.New(t)
	client := newClient(t, srv, 5)

	_, err := client.Bulk(context.Background(), []byte("not json\n"))
	if err == nil {
		t.Fatal("expected an error for a malformed body")
	}
	if errors.Is(err, retry.ErrExhausted) {
		t.Errorf("a 400 must not be retried, got %v", err)
	}
	var se *search.StatusError
	if !errors.As(err, &se) || se.Status != 400 {
		t.Errorf("expected a 400 StatusError, got %v", err)
	}
}

func TestLoadSchema(t *testing.T) {
	for _, kind := range []string{search.KindMovies, search.KindPersons, search.KindGenres} {
		data, err := search.LoadSchema("", kind)
		if err != nil {
			t.Fatalf("LoadSchema(%s) failed: %v", kind, err)
		}
		if !strings.Contains(string(data), `"mappings"`) {
			t.Errorf("schema %s has no mappings", kind)
		}
	}

	dir := t.TempDir()
	override := `{"mappings":{"properties":{"id":{"type":"keyword"}}}}`
	if err := os.WriteFile(filepath.Join(dir, "movies.json"), []byte(override), 0644); err != nil {
		t.Fatalf("failed to write override: %v", err)
	}
	data, err := search.LoadSchema(dir, search.KindMovies)
	if err != nil {
		t.Fatalf("LoadSchema with override failed: %v", err)
	}
	if string(data) != override {
		t.Errorf("override not used: %s", data)
	}

	// Kinds without an override file fall back to the embedded schema.
	if _, err := search.LoadSchema(dir, search.KindGenres); err != nil {
		t.Errorf("fallback to embedded schema failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "persons.json"), []byte("{"), 0644); err != nil {
		t.Fatalf("failed to write override: %v", err)
	}
	if _, err := search.LoadSchema(dir, search.KindPersons); err == nil {
		t.Error("expected an error for an invalid override")
	}
}
