package sync

import (
	"context"
	"time"

	"github.com/cinemaindex/pgsync/internal/etl/db"
	"github.com/cinemaindex/pgsync/internal/etl/schema"
)

// Syncer runs the streams of a pass.
//
// Every method resumes from the stored checkpoint and returns once the
// stream is caught up, the context is cancelled, or a batch could not be
// written. A failed stream leaves its checkpoint at the last committed
// position; calling the method again redelivers from there.
type Syncer interface {
	// Bootstrap stores the starting checkpoint of every stream that has
	// none. Film works start from a fixed far-past instant so the first
	// pass indexes the whole table; persons and genres start from their
	// table's newest updated_at, because the film work pass already
	// includes their current names.
	Bootstrap(ctx context.Context) error

	// SyncWorks indexes film works changed since the "work" checkpoint.
	SyncWorks(ctx context.Context) (StreamResult, error)

	// SyncPersons reindexes film works linked to persons changed since the
	// "person" checkpoint.
	SyncPersons(ctx context.Context) (StreamResult, error)

	// SyncGenres reindexes film works linked to genres changed since the
	// "genre" checkpoint.
	SyncGenres(ctx context.Context) (StreamResult, error)

	// SyncSideGenres indexes changed genres into the genres index.
	SyncSideGenres(ctx context.Context) (StreamResult, error)

	// SyncSidePersons indexes changed persons into the persons index.
	SyncSidePersons(ctx context.Context) (StreamResult, error)

	// RunPass bootstraps and runs every enabled stream once, in order.
	RunPass(ctx context.Context) (*PassResult, error)
}

// Source is the content database as seen by the syncer. *db.DB implements
// it.
type Source interface {
	ChangedSince(ctx context.Context, entity db.Entity, since time.Time, limit int) ([]schema.ChangeRecord, error)
	ChangedAt(ctx context.Context, entity db.Entity, at time.Time) ([]schema.ChangeRecord, error)
	MaxModified(ctx context.Context, entity db.Entity) (time.Time, bool, error)
	AffectedWorks(ctx context.Context, entity db.Entity, ids []string, after db.Cursor, limit int) ([]schema.ChangeRecord, error)
	WorkRows(ctx context.Context, workIDs []string) (map[string][]schema.WorkRow, error)
	PersonsSince(ctx context.Context, since time.Time, limit int) ([]schema.Person, error)
	PersonsAt(ctx context.Context, at time.Time) ([]schema.Person, error)
	GenresSince(ctx context.Context, since time.Time, limit int) ([]schema.Genre, error)
	GenresAt(ctx context.Context, at time.Time) ([]schema.Genre, error)
}

// StreamResult summarizes one stream of a pass.
type StreamResult struct {
	Stream string

	// Changed counts source rows read from the stream.
	Changed int

	// Indexed counts documents acknowledged by the index.
	Indexed int

	// Skipped counts film works that vanished between detection and
	// loading.
	Skipped int

	// Checkpoint is the stream position after the run.
	Checkpoint time.Time
}

// PassResult summarizes a pass.
type PassResult struct {
	RunID    string
	Started  time.Time
	Duration time.Duration
	Streams  []StreamResult
}

// HadChanges reports whether any stream read a changed row.
func (p *PassResult) HadChanges() bool {
	for _, s := range p.Streams {
		if s.Changed > 0 {
			return true
		}
	}
	return false
}
