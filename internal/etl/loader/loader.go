// Package loader batches documents and writes them to the search index.
//
// A Loader is bound to one index and, optionally, one checkpoint stream.
// After the cluster acknowledges every item of a batch, the loader advances
// the stream's checkpoint to the newest modified_at in the batch. Items the
// cluster rejects are resubmitted on their own a bounded number of times;
// if any still fail, Flush returns a *PartialBulkFailure, keeps the batch and
// leaves the checkpoint where it was.
package loader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/cinemaindex/pgsync/internal/etl/fixtures"
	"github.com/cinemaindex/pgsync/internal/etl/search"
	"github.com/cinemaindex/pgsync/internal/etl/state"
)

// ErrPartialBulkFailure is matched by errors.Is for a *PartialBulkFailure.
var ErrPartialBulkFailure = errors.New("partial bulk failure")

// PartialBulkFailure reports items that were still rejected after the
// configured resubmission rounds.
type PartialBulkFailure struct {
	Index    string
	Rounds   int
	Failures []search.ItemFailure
}

func (e *PartialBulkFailure) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.String())
	}
	return fmt.Sprintf("%d item(s) rejected by index %s after %d round(s): %s",
		len(e.Failures), e.Index, e.Rounds, strings.Join(parts, "; "))
}

// Is makes errors.Is(err, ErrPartialBulkFailure) true.
func (e *PartialBulkFailure) Is(target error) bool {
	return target == ErrPartialBulkFailure
}

// Bulker submits an NDJSON bulk body. *search.Client implements it.
type Bulker interface {
	Bulk(ctx context.Context, body []byte) ([]search.ItemFailure, error)
}

// Commit describes a batch the index acknowledged.
type Commit struct {
	Index  string
	Stream string
	Items  int
	Newest time.Time
}

// Config configures a Loader.
type Config struct {
	// Index receives the documents.
	Index string

	// Stream is the checkpoint key advanced on commit. Empty means the
	// caller owns the checkpoint.
	Stream string

	// BulkSize is the number of documents that makes the batch full.
	BulkSize int

	// ItemRetries is the number of times rejected items are resubmitted.
	ItemRetries int

	// Fixtures, when set, receives every committed batch.
	Fixtures *fixtures.Writer

	// OnCommit, when set, is called after every committed batch.
	OnCommit func(Commit)
}

type item struct {
	id       string
	source   []byte
	modified time.Time
}

// Loader accumulates documents for one index.
type Loader struct {
	config *Config
	bulker Bulker
	store  state.Store
	logger *log.Logger

	items []item
	index map[string]int
}

// New creates a loader. store may be nil when config.Stream is empty.
func New(config *Config, bulker Bulker, store state.Store, logger *log.Logger) *Loader {
	if logger == nil {
		logger = log.New(os.Stderr, "[loader] ", log.LstdFlags)
	}
	if config.BulkSize <= 0 {
		config.BulkSize = 100
	}
	return &Loader{
		config: config,
		bulker: bulker,
		store:  store,
		logger: logger,
		index:  make(map[string]int),
	}
}

// Add serializes doc and appends it to the batch. A document already in the
// batch under the same id is replaced.
func (l *Loader) Add(id string, doc any, modifiedAt time.Time) error {
	source, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document %s: %w", id, err)
	}

	it := item{id: id, source: source, modified: modifiedAt}
	if i, ok := l.index[id]; ok {
		l.items[i] = it
		return nil
	}
	l.index[id] = len(l.items)
	l.items = append(l.items, it)
	return nil
}

// Len returns the number of documents in the batch.
func (l *Loader) Len() int {
	return len(l.items)
}

// Full reports whether the batch reached BulkSize.
func (l *Loader) Full() bool {
	return len(l.items) >= l.config.BulkSize
}

// Pending returns the ids in the batch.
func (l *Loader) Pending() []string {
	ids := make([]string, len(l.items))
	for i, it := range l.items {
		ids[i] = it.id
	}
	return ids
}

// Newest returns the largest modified_at in the batch.
func (l *Loader) Newest() time.Time {
	var newest time.Time
	for _, it := range l.items {
		if it.modified.After(newest) {
			newest = it.modified
		}
	}
	return newest
}

// Flush writes the batch. It is a no-op on an empty batch.
func (l *Loader) Flush(ctx context.Context) error {
	if len(l.items) == 0 {
		return nil
	}

	pending := l.items
	for round := 0; ; round++ {
		failures, err := l.bulker.Bulk(ctx, l.encode(pending))
		if err != nil {
			return fmt.Errorf("failed to submit batch to %s: %w", l.config.Index, err)
		}
		if len(failures) == 0 {
			break
		}

		if round >= l.config.ItemRetries {
			return &PartialBulkFailure{Index: l.config.Index, Rounds: round + 1, Failures: failures}
		}
		pending = l.failed(pending, failures)
		l.logger.Printf("%d of %d item(s) rejected by %s, resubmitting (round %d/%d)",
			len(failures), len(l.items), l.config.Index, round+1, l.config.ItemRetries)
	}

	return l.commit()
}

// failed returns the items of pending named in failures. A failure without
// an id cannot be matched, so every pending item is resubmitted.
func (l *Loader) failed(pending []item, failures []search.ItemFailure) []item {
	ids := make(map[string]struct{}, len(failures))
	for _, f := range failures {
		if f.ID == "" {
			return pending
		}
		ids[f.ID] = struct{}{}
	}

	out := make([]item, 0, len(ids))
	for _, it := range pending {
		if _, ok := ids[it.id]; ok {
			out = append(out, it)
		}
	}
	if len(out) == 0 {
		return pending
	}
	return out
}

func (l *Loader) commit() error {
	c := Commit{
		Index:  l.config.Index,
		Stream: l.config.Stream,
		Items:  len(l.items),
		Newest: l.Newest(),
	}

	if l.config.Fixtures != nil {
		records := make([]fixtures.Record, len(l.items))
		for i, it := range l.items {
			records[i] = fixtures.Record{Index: l.config.Index, ID: it.id, Source: it.source}
		}
		if err := l.config.Fixtures.Append(records); err != nil {
			l.logger.Printf("Warning: failed to write fixtures: %v", err)
		}
	}

	l.items = nil
	l.index = make(map[string]int)

	if l.config.Stream != "" && l.store != nil {
		if err := l.store.Set(l.config.Stream, c.Newest); err != nil {
			return fmt.Errorf("failed to advance %s checkpoint: %w", l.config.Stream, err)
		}
	}

	l.logger.Printf("Added batch of %d record(s) to %s (newest %s)",
		c.Items, c.Index, c.Newest.UTC().Format(time.RFC3339Nano))

	if l.config.OnCommit != nil {
		l.config.OnCommit(c)
	}
	return nil
}

type actionLine struct {
	Index struct {
		Index string `json:"_index"`
		ID    string `json:"_id"`
	} `json:"index"`
}

func (l *Loader) encode(items []item) []byte {
	var buf bytes.Buffer
	for _, it := range items {
		var a actionLine
		a.Index.Index = l.config.Index
		a.Index.ID = it.id
		// Marshal of two plain strings cannot fail.
		action, _ := json.Marshal(a)
		buf.Write(action)
		buf.WriteByte('\n')
		buf.Write(it.source)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
