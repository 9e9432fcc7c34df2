package db

import (
	"context"
	"fmt"
)

// contentTables is the subset of the admin application's schema that pgsync
// reads. Types are chosen so the same statements run on PostgreSQL and
// SQLite.
var contentTables = []struct {
	name string
	ddl  string
}{
	{"film_work", `(
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		creation_date DATE,
		rating DOUBLE PRECISION,
		type TEXT NOT NULL DEFAULT 'movie',
		created_at TIMESTAMP WITH TIME ZONE,
		updated_at TIMESTAMP WITH TIME ZONE
	)`},
	{"person", `(
		id TEXT PRIMARY KEY,
		full_name TEXT NOT NULL,
		birth_date DATE,
		created_at TIMESTAMP WITH TIME ZONE,
		updated_at TIMESTAMP WITH TIME ZONE
	)`},
	{"genre", `(
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		created_at TIMESTAMP WITH TIME ZONE,
		updated_at TIMESTAMP WITH TIME ZONE
	)`},
	{"person_film_work", `(
		id TEXT PRIMARY KEY,
		film_work_id TEXT NOT NULL,
		person_id TEXT NOT NULL,
		role TEXT NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE
	)`},
	{"genre_film_work", `(
		id TEXT PRIMARY KEY,
		film_work_id TEXT NOT NULL,
		genre_id TEXT NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE
	)`},
}

// contentIndexes back the detection and cascade queries.
var contentIndexes = []struct {
	name, table, columns string
}{
	{"film_work_updated_idx", "film_work", "updated_at, id"},
	{"person_updated_idx", "person", "updated_at, id"},
	{"genre_updated_idx", "genre", "updated_at, id"},
	{"person_film_work_person_idx", "person_film_work", "person_id"},
	{"genre_film_work_genre_idx", "genre_film_work", "genre_id"},
}

// InitSchema creates the content tables if they do not exist. It is meant
// for local SQLite databases and test fixtures; production tables belong to
// the admin application.
func (db *DB) InitSchema(ctx context.Context) error {
	if db.config.Schema != "" && db.config.Driver != DriverSQLite {
		if _, err := db.conn.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+db.config.Schema); err != nil {
			return fmt.Errorf("failed to create schema %s: %w", db.config.Schema, err)
		}
	}

	for _, t := range contentTables {
		stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s %s", db.table(t.name), t.ddl)
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table %s: %w", t.name, err)
		}
	}

	for _, idx := range contentIndexes {
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", idx.name, db.table(idx.table), idx.columns)
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index %s: %w", idx.name, err)
		}
	}

	return nil
}
