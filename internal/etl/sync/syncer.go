package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cinemaindex/pgsync/internal/etl/db"
	"github.com/cinemaindex/pgsync/internal/etl/fixtures"
	"github.com/cinemaindex/pgsync/internal/etl/loader"
	"github.com/cinemaindex/pgsync/internal/etl/schema"
	"github.com/cinemaindex/pgsync/internal/etl/state"
)

// FarPast is the starting checkpoint of streams that index a whole table.
var FarPast = time.Date(1999, 1, 1, 12, 0, 0, 1000, time.UTC)

// maxIDsPerQuery bounds the IN lists sent to the content database.
const maxIDsPerQuery = 1000

// Config configures a Syncer.
type Config struct {
	MoviesIndex  string
	PersonsIndex string
	GenresIndex  string

	// BulkSize is both the detection page size and the batch size.
	BulkSize int

	// ItemRetries is passed to every loader.
	ItemRetries int

	// SideIndexes enables the persons and genres indexes.
	SideIndexes bool

	// Fixtures, when set, receives every committed batch.
	Fixtures *fixtures.Writer

	// OnEvent, when set, receives progress events.
	OnEvent func(Event)

	// Now returns the current time (default: time.Now).
	Now func() time.Time
}

// DefaultConfig returns the default index names and sizes.
func DefaultConfig() *Config {
	return &Config{
		MoviesIndex:  "movies",
		PersonsIndex: "persons",
		GenresIndex:  "genres",
		BulkSize:     100,
		ItemRetries:  3,
		SideIndexes:  true,
	}
}

// syncer implements the Syncer interface.
type syncer struct {
	config *Config
	source Source
	bulker loader.Bulker
	store  state.Store
	logger *log.Logger

	runID string
}

// New creates a Syncer.
//
// If logger is nil, a default logger writing to stderr is used.
func New(config *Config, source Source, bulker loader.Bulker, store state.Store, logger *log.Logger) Syncer {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BulkSize <= 0 {
		config.BulkSize = 100
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &syncer{
		config: config,
		source: source,
		bulker: bulker,
		store:  store,
		logger: logger,
	}
}

func (s *syncer) emit(e Event) {
	if s.config.OnEvent == nil {
		return
	}
	e.RunID = s.runID
	if e.Time.IsZero() {
		e.Time = s.config.Now().UTC()
	}
	s.config.OnEvent(e)
}

// newLoader returns a loader for index that advances stream on commit.
// An empty stream leaves checkpoints to the caller.
func (s *syncer) newLoader(index, stream string) *loader.Loader {
	return loader.New(&loader.Config{
		Index:       index,
		Stream:      stream,
		BulkSize:    s.config.BulkSize,
		ItemRetries: s.config.ItemRetries,
		Fixtures:    s.config.Fixtures,
		OnCommit: func(c loader.Commit) {
			s.emit(Event{Type: EventBatchCommitted, Stream: c.Stream, Index: c.Index, Items: c.Items, Checkpoint: c.Newest})
		},
	}, s.bulker, s.store, log.New(s.logger.Writer(), "[loader] ", s.logger.Flags()))
}

// flush writes l and reports a partial failure as an event.
func (s *syncer) flush(ctx context.Context, l *loader.Loader, stream string) error {
	err := l.Flush(ctx)
	if err == nil {
		return nil
	}
	var pbf *loader.PartialBulkFailure
	if errors.As(err, &pbf) {
		s.logger.Printf("Batch for %s kept for redelivery: %s", pbf.Index, strings.Join(l.Pending(), ", "))
		s.emit(Event{Type: EventBulkFailure, Stream: stream, Index: pbf.Index, Items: len(pbf.Failures), Error: pbf.Error()})
	}
	return err
}

// feed adds one document. A loader that owns a checkpoint is flushed only
// at a timestamp boundary, so its checkpoint never splits a group of rows
// sharing one updated_at.
func (s *syncer) feed(ctx context.Context, l *loader.Loader, owned bool, stream, id string, doc any, modified time.Time) error {
	if l.Full() && (!owned || modified.After(l.Newest())) {
		if err := s.flush(ctx, l, stream); err != nil {
			return err
		}
	}
	return l.Add(id, doc, modified)
}

// Bootstrap implements Syncer.Bootstrap.
func (s *syncer) Bootstrap(ctx context.Context) error {
	if err := s.bootstrapFixed(state.Work, FarPast); err != nil {
		return err
	}
	if err := s.bootstrapFromTable(ctx, state.Person, db.Person); err != nil {
		return err
	}
	if err := s.bootstrapFromTable(ctx, state.Genre, db.Genre); err != nil {
		return err
	}
	if s.config.SideIndexes {
		if err := s.bootstrapFixed(state.Genres, FarPast); err != nil {
			return err
		}
		if err := s.bootstrapFixed(state.Persons, FarPast); err != nil {
			return err
		}
	}
	return nil
}

func (s *syncer) bootstrapFixed(stream string, at time.Time) error {
	_, ok, err := s.store.Get(stream)
	if err != nil {
		return fmt.Errorf("failed to read %s checkpoint: %w", stream, err)
	}
	if ok {
		return nil
	}
	if err := s.store.Set(stream, at); err != nil {
		return fmt.Errorf("failed to bootstrap %s checkpoint: %w", stream, err)
	}
	s.logger.Printf("Bootstrapped %s checkpoint at %s", stream, at.Format(time.RFC3339Nano))
	return nil
}

func (s *syncer) bootstrapFromTable(ctx context.Context, stream string, entity db.Entity) error {
	_, ok, err := s.store.Get(stream)
	if err != nil {
		return fmt.Errorf("failed to read %s checkpoint: %w", stream, err)
	}
	if ok {
		return nil
	}
	at, found, err := s.source.MaxModified(ctx, entity)
	if err != nil {
		return fmt.Errorf("failed to bootstrap %s checkpoint: %w", stream, err)
	}
	if !found {
		at = s.config.Now().UTC()
	}
	return s.bootstrapFixed(stream, at)
}

// checkpoint returns the stored position of stream.
func (s *syncer) checkpoint(stream string) (time.Time, error) {
	at, ok, err := s.store.Get(stream)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read %s checkpoint: %w", stream, err)
	}
	if !ok {
		return time.Time{}, fmt.Errorf("%s checkpoint is not bootstrapped", stream)
	}
	return at, nil
}

func changeStamp(r schema.ChangeRecord) time.Time { return r.ModifiedAt }

// SyncWorks implements Syncer.SyncWorks.
func (s *syncer) SyncWorks(ctx context.Context) (StreamResult, error) {
	result := StreamResult{Stream: state.Work}
	since, err := s.checkpoint(state.Work)
	if err != nil {
		return result, err
	}
	result.Checkpoint = since

	p := pager[schema.ChangeRecord]{
		limit: s.config.BulkSize,
		since: func(ctx context.Context, since time.Time, limit int) ([]schema.ChangeRecord, error) {
			return s.source.ChangedSince(ctx, db.FilmWork, since, limit)
		},
		at: func(ctx context.Context, at time.Time) ([]schema.ChangeRecord, error) {
			return s.source.ChangedAt(ctx, db.FilmWork, at)
		},
		stamp: changeStamp,
	}
	l := s.newLoader(s.config.MoviesIndex, state.Work)

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		page, err := p.next(ctx, since)
		if err != nil {
			return result, fmt.Errorf("failed to detect film work changes: %w", err)
		}
		if len(page) == 0 {
			break
		}
		result.Changed += len(page)

		indexed, skipped, err := s.indexWorks(ctx, l, true, state.Work, page)
		result.Indexed += indexed
		result.Skipped += skipped
		if err != nil {
			return result, err
		}
		if err := s.flush(ctx, l, state.Work); err != nil {
			return result, err
		}

		// The loader has advanced to the newest indexed work; skipped works
		// at the end of the page still move the checkpoint.
		since = p.newest(page)
		if err := s.store.Set(state.Work, since); err != nil {
			return result, fmt.Errorf("failed to advance %s checkpoint: %w", state.Work, err)
		}
		result.Checkpoint = since
	}

	s.caughtUp(result)
	return result, nil
}

// indexWorks builds and feeds the documents of works, in order. Works whose
// rows are gone are skipped. It does not flush the tail of the batch.
func (s *syncer) indexWorks(ctx context.Context, l *loader.Loader, owned bool, stream string, works []schema.ChangeRecord) (indexed, skipped int, err error) {
	for start := 0; start < len(works); start += maxIDsPerQuery {
		end := min(start+maxIDsPerQuery, len(works))
		chunk := works[start:end]

		ids := make([]string, len(chunk))
		for i, w := range chunk {
			ids[i] = w.ID
		}
		rows, err := s.source.WorkRows(ctx, ids)
		if err != nil {
			return indexed, skipped, fmt.Errorf("failed to load film works: %w", err)
		}

		for _, w := range chunk {
			doc, err := schema.BuildDocument(rows[w.ID])
			if errors.Is(err, schema.ErrEmptySource) {
				s.logger.Printf("Skipping film work %s: no rows", w.ID)
				skipped++
				continue
			}
			if err != nil {
				return indexed, skipped, fmt.Errorf("failed to build document %s: %w", w.ID, err)
			}
			if err := s.feed(ctx, l, owned, stream, w.ID, doc, w.ModifiedAt); err != nil {
				return indexed, skipped, err
			}
			indexed++
		}
	}
	return indexed, skipped, nil
}

// SyncPersons implements Syncer.SyncPersons.
func (s *syncer) SyncPersons(ctx context.Context) (StreamResult, error) {
	return s.syncCascade(ctx, state.Person, db.Person)
}

// SyncGenres implements Syncer.SyncGenres.
func (s *syncer) SyncGenres(ctx context.Context) (StreamResult, error) {
	return s.syncCascade(ctx, state.Genre, db.Genre)
}

func (s *syncer) syncCascade(ctx context.Context, stream string, entity db.Entity) (StreamResult, error) {
	result := StreamResult{Stream: stream}
	since, err := s.checkpoint(stream)
	if err != nil {
		return result, err
	}
	result.Checkpoint = since

	p := pager[schema.ChangeRecord]{
		limit: s.config.BulkSize,
		since: func(ctx context.Context, since time.Time, limit int) ([]schema.ChangeRecord, error) {
			return s.source.ChangedSince(ctx, entity, since, limit)
		},
		at: func(ctx context.Context, at time.Time) ([]schema.ChangeRecord, error) {
			return s.source.ChangedAt(ctx, entity, at)
		},
		stamp: changeStamp,
	}
	l := s.newLoader(s.config.MoviesIndex, "")

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		page, err := p.next(ctx, since)
		if err != nil {
			return result, fmt.Errorf("failed to detect %s changes: %w", entity, err)
		}
		if len(page) == 0 {
			break
		}
		result.Changed += len(page)

		ids := make([]string, len(page))
		for i, r := range page {
			ids[i] = r.ID
		}

		for start := 0; start < len(ids); start += maxIDsPerQuery {
			end := min(start+maxIDsPerQuery, len(ids))
			indexed, skipped, err := s.drainAffected(ctx, l, stream, entity, ids[start:end])
			result.Indexed += indexed
			result.Skipped += skipped
			if err != nil {
				return result, err
			}
		}
		if err := s.flush(ctx, l, stream); err != nil {
			return result, err
		}

		// Every affected work of the page is in the index now.
		since = p.newest(page)
		if err := s.store.Set(stream, since); err != nil {
			return result, fmt.Errorf("failed to advance %s checkpoint: %w", stream, err)
		}
		result.Checkpoint = since
	}

	s.caughtUp(result)
	return result, nil
}

// drainAffected reindexes every film work linked to ids.
func (s *syncer) drainAffected(ctx context.Context, l *loader.Loader, stream string, entity db.Entity, ids []string) (indexed, skipped int, err error) {
	var cursor db.Cursor
	for {
		works, err := s.source.AffectedWorks(ctx, entity, ids, cursor, s.config.BulkSize)
		if err != nil {
			return indexed, skipped, fmt.Errorf("failed to resolve film works for %s: %w", entity, err)
		}
		if len(works) == 0 {
			return indexed, skipped, nil
		}

		n, sk, err := s.indexWorks(ctx, l, false, stream, works)
		indexed += n
		skipped += sk
		if err != nil {
			return indexed, skipped, err
		}

		if len(works) < s.config.BulkSize {
			return indexed, skipped, nil
		}
		last := works[len(works)-1]
		cursor = db.Cursor{ModifiedAt: last.ModifiedAt, ID: last.ID}
	}
}

// SyncSideGenres implements Syncer.SyncSideGenres.
func (s *syncer) SyncSideGenres(ctx context.Context) (StreamResult, error) {
	p := pager[schema.Genre]{
		limit: s.config.BulkSize,
		since: s.source.GenresSince,
		at:    s.source.GenresAt,
		stamp: func(g schema.Genre) time.Time { return g.ModifiedAt },
	}
	return syncSide(ctx, s, state.Genres, s.config.GenresIndex, p, func(g schema.Genre) (string, any) {
		return g.ID, schema.BuildGenreDocument(g)
	})
}

// SyncSidePersons implements Syncer.SyncSidePersons.
func (s *syncer) SyncSidePersons(ctx context.Context) (StreamResult, error) {
	p := pager[schema.Person]{
		limit: s.config.BulkSize,
		since: s.source.PersonsSince,
		at:    s.source.PersonsAt,
		stamp: func(p schema.Person) time.Time { return p.ModifiedAt },
	}
	return syncSide(ctx, s, state.Persons, s.config.PersonsIndex, p, func(p schema.Person) (string, any) {
		return p.ID, schema.BuildPersonDocument(p)
	})
}

func syncSide[T any](ctx context.Context, s *syncer, stream, index string, p pager[T], build func(T) (string, any)) (StreamResult, error) {
	result := StreamResult{Stream: stream}
	since, err := s.checkpoint(stream)
	if err != nil {
		return result, err
	}
	result.Checkpoint = since

	l := s.newLoader(index, stream)
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		page, err := p.next(ctx, since)
		if err != nil {
			return result, fmt.Errorf("failed to detect %s changes: %w", stream, err)
		}
		if len(page) == 0 {
			break
		}
		result.Changed += len(page)

		for _, row := range page {
			id, doc := build(row)
			if err := s.feed(ctx, l, true, stream, id, doc, p.stamp(row)); err != nil {
				return result, err
			}
			result.Indexed++
		}
		if err := s.flush(ctx, l, stream); err != nil {
			return result, err
		}

		since = p.newest(page)
		result.Checkpoint = since
	}

	s.caughtUp(result)
	return result, nil
}

func (s *syncer) caughtUp(r StreamResult) {
	if r.Changed > 0 {
		s.logger.Printf("%s stream caught up: %d changed, %d indexed, %d skipped, checkpoint %s",
			r.Stream, r.Changed, r.Indexed, r.Skipped, r.Checkpoint.UTC().Format(time.RFC3339Nano))
	}
	s.emit(Event{Type: EventCaughtUp, Stream: r.Stream, Items: r.Indexed, Checkpoint: r.Checkpoint})
}

// RunPass implements Syncer.RunPass.
func (s *syncer) RunPass(ctx context.Context) (*PassResult, error) {
	s.runID = uuid.NewString()
	pass := &PassResult{RunID: s.runID, Started: s.config.Now().UTC()}

	if err := s.Bootstrap(ctx); err != nil {
		return pass, err
	}

	steps := []func(context.Context) (StreamResult, error){
		s.SyncWorks,
		s.SyncPersons,
		s.SyncGenres,
	}
	if s.config.SideIndexes {
		steps = append(steps, s.SyncSideGenres, s.SyncSidePersons)
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return pass, err
		}
		result, err := step(ctx)
		pass.Streams = append(pass.Streams, result)
		if err != nil {
			return pass, fmt.Errorf("%s stream failed: %w", result.Stream, err)
		}
	}

	pass.Duration = s.config.Now().Sub(pass.Started)
	indexed := 0
	for _, r := range pass.Streams {
		indexed += r.Indexed
	}
	s.emit(Event{Type: EventPassComplete, Items: indexed})
	return pass, nil
}
