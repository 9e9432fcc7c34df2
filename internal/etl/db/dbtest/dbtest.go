// Package dbtest seeds SQLite content databases for tests.
//
// Timestamps are stored as RFC 3339 text by the SQLite driver and compared
// lexically, so seeds should use whole-second UTC times.
package dbtest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/cinemaindex/pgsync/internal/etl/db"
	"github.com/cinemaindex/pgsync/internal/retry"
)

// Base is a fixed reference time for seeds.
var Base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// At returns Base plus n seconds.
func At(n int) time.Time {
	return Base.Add(time.Duration(n) * time.Second)
}

// Policy fails fast so broken queries surface as test failures.
func Policy() *retry.Policy {
	return &retry.Policy{
		Initial:     time.Millisecond,
		Factor:      1,
		Max:         time.Millisecond,
		MaxAttempts: 1,
	}
}

// Open creates an empty content database in a temp dir.
func Open(t *testing.T) *db.DB {
	t.Helper()
	return OpenWith(t, Policy())
}

// OpenWith is Open with a caller-chosen retry policy.
func OpenWith(t *testing.T, policy *retry.Policy) *db.DB {
	t.Helper()

	config := &db.Config{
		Driver:       db.DriverSQLite,
		DSN:          filepath.Join(t.TempDir(), "content.db"),
		QueryTimeout: 5 * time.Second,
		MaxOpenConns: 1,
	}
	store, err := db.Open(context.Background(), config, policy, nil)
	if err != nil {
		t.Fatalf("failed to open content db: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to init content schema: %v", err)
	}
	return store
}

func exec(t *testing.T, store *db.DB, query string, args ...any) {
	t.Helper()
	if _, err := store.RawDB().Exec(query, args...); err != nil {
		t.Fatalf("seed failed: %v\n%s", err, query)
	}
}

// Work inserts a film work.
func Work(t *testing.T, store *db.DB, id, title string, rating float64, at time.Time) {
	t.Helper()
	exec(t, store, `INSERT INTO film_work (id, title, description, rating, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, title, title+" description", rating, at.UTC())
}

// Person inserts a person.
func Person(t *testing.T, store *db.DB, id, name string, at time.Time) {
	t.Helper()
	exec(t, store, `INSERT INTO person (id, full_name, updated_at) VALUES ($1, $2, $3)`, id, name, at.UTC())
}

// Genre inserts a genre.
func Genre(t *testing.T, store *db.DB, id, name string, at time.Time) {
	t.Helper()
	exec(t, store, `INSERT INTO genre (id, name, updated_at) VALUES ($1, $2, $3)`, id, name, at.UTC())
}

// Cast attaches a person to a work in role.
func Cast(t *testing.T, store *db.DB, workID, personID, role string) {
	t.Helper()
	exec(t, store, `INSERT INTO person_film_work (id, film_work_id, person_id, role) VALUES ($1, $2, $3, $4)`,
		fmt.Sprintf("%s-%s-%s", workID, personID, role), workID, personID, role)
}

// Tag attaches a genre to a work.
func Tag(t *testing.T, store *db.DB, workID, genreID string) {
	t.Helper()
	exec(t, store, `INSERT INTO genre_film_work (id, film_work_id, genre_id) VALUES ($1, $2, $3)`,
		workID+"-"+genreID, workID, genreID)
}

// Touch sets updated_at of one row, as an edit in the admin would.
func Touch(t *testing.T, store *db.DB, entity db.Entity, id string, at time.Time) {
	t.Helper()
	exec(t, store, fmt.Sprintf(`UPDATE %s SET updated_at = $1 WHERE id = $2`, entity), at.UTC(), id)
}

// Rename changes a person's name and bumps updated_at.
func Rename(t *testing.T, store *db.DB, personID, name string, at time.Time) {
	t.Helper()
	exec(t, store, `UPDATE person SET full_name = $1, updated_at = $2 WHERE id = $3`, name, at.UTC(), personID)
}
