package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cinemaindex/pgsync/internal/etl/schema"
	"github.com/cinemaindex/pgsync/internal/retry"
)

// Entity names a table that carries an updated_at column.
type Entity string

const (
	FilmWork Entity = "film_work"
	Person   Entity = "person"
	Genre    Entity = "genre"
)

func (e Entity) valid() bool {
	switch e {
	case FilmWork, Person, Genre:
		return true
	}
	return false
}

// link returns the association table joining e to film_work.
func (e Entity) link() (table, column string, err error) {
	switch e {
	case Person:
		return "person_film_work", "person_id", nil
	case Genre:
		return "genre_film_work", "genre_id", nil
	}
	return "", "", fmt.Errorf("entity %q has no film work link", e)
}

// Cursor is a keyset position in (updated_at, id) order. The zero Cursor is
// before every row.
type Cursor struct {
	ModifiedAt time.Time
	ID         string
}

// IsZero reports whether c is the starting position.
func (c Cursor) IsZero() bool {
	return c.ID == "" && c.ModifiedAt.IsZero()
}

// ChangedSince returns up to limit rows of entity with updated_at strictly
// after since, ordered by (updated_at, id).
func (db *DB) ChangedSince(ctx context.Context, entity Entity, since time.Time, limit int) ([]schema.ChangeRecord, error) {
	if !entity.valid() {
		return nil, fmt.Errorf("unknown entity %q", entity)
	}
	query := fmt.Sprintf(`
		SELECT id, updated_at
		FROM %s
		WHERE updated_at > $1
		ORDER BY updated_at, id
		LIMIT $2
	`, db.table(string(entity)))

	return db.changeRecords(ctx, "detect "+string(entity), query, since.UTC(), limit)
}

// ChangedAt returns every row of entity whose updated_at equals at exactly.
// It has no limit: the sync loop uses it when a whole page shares one
// timestamp and the checkpoint cannot move past part of it.
func (db *DB) ChangedAt(ctx context.Context, entity Entity, at time.Time) ([]schema.ChangeRecord, error) {
	if !entity.valid() {
		return nil, fmt.Errorf("unknown entity %q", entity)
	}
	query := fmt.Sprintf(`
		SELECT id, updated_at
		FROM %s
		WHERE updated_at = $1
		ORDER BY id
	`, db.table(string(entity)))

	return db.changeRecords(ctx, "detect "+string(entity)+" tie", query, at.UTC())
}

// MaxModified returns the newest updated_at of entity. ok is false for an
// empty table.
func (db *DB) MaxModified(ctx context.Context, entity Entity) (at time.Time, ok bool, err error) {
	if !entity.valid() {
		return time.Time{}, false, fmt.Errorf("unknown entity %q", entity)
	}
	query := fmt.Sprintf(`SELECT MAX(updated_at) FROM %s`, db.table(string(entity)))

	ts, err := retry.Value(ctx, db.retry, "max "+string(entity), func(ctx context.Context) (timestamp, error) {
		ctx, cancel := db.withTimeout(ctx)
		defer cancel()

		row := db.conn.QueryRowContext(ctx, query)
		if err := row.Err(); err != nil {
			return timestamp{}, queryFailure(err)
		}
		var ts timestamp
		if err := row.Scan(&ts); err != nil {
			return timestamp{}, retry.Permanent(err)
		}
		return ts, nil
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query max updated_at of %s: %w", entity, err)
	}
	return ts.Time.UTC(), ts.Valid, nil
}

// AffectedWorks returns film works linked to any of ids through entity's
// association table, distinct, in (updated_at, id) order after the cursor.
// Callers page through the result until fewer than limit rows come back.
func (db *DB) AffectedWorks(ctx context.Context, entity Entity, ids []string, after Cursor, limit int) ([]schema.ChangeRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	linkTable, linkColumn, err := entity.link()
	if err != nil {
		return nil, err
	}

	args := make([]any, 0, len(ids)+3)
	for _, id := range ids {
		args = append(args, id)
	}

	var keyset string
	if !after.IsZero() {
		n := len(args)
		keyset = fmt.Sprintf(" AND (fw.updated_at > $%d OR (fw.updated_at = $%d AND fw.id > $%d))", n+1, n+1, n+2)
		args = append(args, after.ModifiedAt.UTC(), after.ID)
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT DISTINCT fw.id, fw.updated_at
		FROM %s fw
		JOIN %s lnk ON lnk.film_work_id = fw.id
		WHERE lnk.%s IN (%s)%s
		ORDER BY fw.updated_at, fw.id
		LIMIT $%d
	`, db.table(string(FilmWork)), db.table(linkTable), linkColumn,
		placeholders(1, len(ids)), keyset, len(args))

	return db.changeRecords(ctx, "cascade "+string(entity), query, args...)
}

// WorkRows runs the denormalization join for the given film works and
// groups the rows by work id. Works that no longer exist are absent from
// the result.
func (db *DB) WorkRows(ctx context.Context, workIDs []string) (map[string][]schema.WorkRow, error) {
	if len(workIDs) == 0 {
		return map[string][]schema.WorkRow{}, nil
	}
	args := make([]any, len(workIDs))
	for i, id := range workIDs {
		args[i] = id
	}

	query := fmt.Sprintf(`
		SELECT
			fw.id, fw.title, fw.description, fw.rating,
			pfw.role, p.id, p.full_name,
			g.id, g.name
		FROM %s fw
		LEFT JOIN %s pfw ON pfw.film_work_id = fw.id
		LEFT JOIN %s p ON p.id = pfw.person_id
		LEFT JOIN %s gfw ON gfw.film_work_id = fw.id
		LEFT JOIN %s g ON g.id = gfw.genre_id
		WHERE fw.id IN (%s)
		ORDER BY fw.id
	`, db.table("film_work"), db.table("person_film_work"), db.table("person"),
		db.table("genre_film_work"), db.table("genre"), placeholders(1, len(workIDs)))

	return retry.Value(ctx, db.retry, "load film works", func(ctx context.Context) (map[string][]schema.WorkRow, error) {
		ctx, cancel := db.withTimeout(ctx)
		defer cancel()

		rows, err := db.conn.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, queryFailure(fmt.Errorf("failed to query film works: %w", err))
		}
		defer rows.Close()

		out := make(map[string][]schema.WorkRow, len(workIDs))
		for rows.Next() {
			var r schema.WorkRow
			var title sql.NullString
			if err := rows.Scan(
				&r.WorkID, &title, &r.Description, &r.Rating,
				&r.Role, &r.PersonID, &r.PersonName,
				&r.GenreID, &r.GenreName,
			); err != nil {
				return nil, retry.Permanent(fmt.Errorf("failed to scan film work row: %w", err))
			}
			r.Title = title.String
			out[r.WorkID] = append(out[r.WorkID], r)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to read film work rows: %w", err)
		}
		return out, nil
	})
}

// PersonsSince returns up to limit person rows changed after since, in
// (updated_at, id) order.
func (db *DB) PersonsSince(ctx context.Context, since time.Time, limit int) ([]schema.Person, error) {
	query := fmt.Sprintf(`
		SELECT id, full_name, birth_date, updated_at
		FROM %s
		WHERE updated_at > $1
		ORDER BY updated_at, id
		LIMIT $2
	`, db.table("person"))
	return db.persons(ctx, query, since.UTC(), limit)
}

// PersonsAt returns every person row with updated_at equal to at.
func (db *DB) PersonsAt(ctx context.Context, at time.Time) ([]schema.Person, error) {
	query := fmt.Sprintf(`
		SELECT id, full_name, birth_date, updated_at
		FROM %s
		WHERE updated_at = $1
		ORDER BY id
	`, db.table("person"))
	return db.persons(ctx, query, at.UTC())
}

// GenresSince returns up to limit genre rows changed after since, in
// (updated_at, id) order.
func (db *DB) GenresSince(ctx context.Context, since time.Time, limit int) ([]schema.Genre, error) {
	query := fmt.Sprintf(`
		SELECT id, name, description, updated_at
		FROM %s
		WHERE updated_at > $1
		ORDER BY updated_at, id
		LIMIT $2
	`, db.table("genre"))
	return db.genres(ctx, query, since.UTC(), limit)
}

// GenresAt returns every genre row with updated_at equal to at.
func (db *DB) GenresAt(ctx context.Context, at time.Time) ([]schema.Genre, error) {
	query := fmt.Sprintf(`
		SELECT id, name, description, updated_at
		FROM %s
		WHERE updated_at = $1
		ORDER BY id
	`, db.table("genre"))
	return db.genres(ctx, query, at.UTC())
}

func (db *DB) changeRecords(ctx context.Context, op, query string, args ...any) ([]schema.ChangeRecord, error) {
	return retry.Value(ctx, db.retry, op, func(ctx context.Context) ([]schema.ChangeRecord, error) {
		ctx, cancel := db.withTimeout(ctx)
		defer cancel()

		rows, err := db.conn.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, queryFailure(fmt.Errorf("failed to query changes: %w", err))
		}
		defer rows.Close()

		var out []schema.ChangeRecord
		for rows.Next() {
			var rec schema.ChangeRecord
			var ts timestamp
			if err := rows.Scan(&rec.ID, &ts); err != nil {
				return nil, retry.Permanent(fmt.Errorf("failed to scan change: %w", err))
			}
			if !ts.Valid {
				// Rows without updated_at are invisible to detection.
				continue
			}
			rec.ModifiedAt = ts.Time.UTC()
			out = append(out, rec)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to read changes: %w", err)
		}
		return out, nil
	})
}

func (db *DB) persons(ctx context.Context, query string, args ...any) ([]schema.Person, error) {
	return retry.Value(ctx, db.retry, "detect person rows", func(ctx context.Context) ([]schema.Person, error) {
		ctx, cancel := db.withTimeout(ctx)
		defer cancel()

		rows, err := db.conn.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, queryFailure(fmt.Errorf("failed to query persons: %w", err))
		}
		defer rows.Close()

		var out []schema.Person
		for rows.Next() {
			var p schema.Person
			var birth, modified timestamp
			if err := rows.Scan(&p.ID, &p.FullName, &birth, &modified); err != nil {
				return nil, retry.Permanent(fmt.Errorf("failed to scan person: %w", err))
			}
			p.BirthDate = sql.NullTime{Time: birth.Time, Valid: birth.Valid}
			p.ModifiedAt = modified.Time.UTC()
			out = append(out, p)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to read persons: %w", err)
		}
		return out, nil
	})
}

func (db *DB) genres(ctx context.Context, query string, args ...any) ([]schema.Genre, error) {
	return retry.Value(ctx, db.retry, "detect genre rows", func(ctx context.Context) ([]schema.Genre, error) {
		ctx, cancel := db.withTimeout(ctx)
		defer cancel()

		rows, err := db.conn.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, queryFailure(fmt.Errorf("failed to query genres: %w", err))
		}
		defer rows.Close()

		var out []schema.Genre
		for rows.Next() {
			var g schema.Genre
			var modified timestamp
			if err := rows.Scan(&g.ID, &g.Name, &g.Description, &modified); err != nil {
				return nil, retry.Permanent(fmt.Errorf("failed to scan genre: %w", err))
			}
			g.ModifiedAt = modified.Time.UTC()
			out = append(out, g)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to read genres: %w", err)
		}
		return out, nil
	})
}

// placeholders returns "$start, $start+1, ..." for n parameters.
func placeholders(start, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(start + i))
	}
	return b.String()
}
