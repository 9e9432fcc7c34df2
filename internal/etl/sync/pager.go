package sync

import (
	"context"
	"time"
)

// pager reads one stream in (updated_at, id) order without ever ending a
// page inside a group of rows that share a timestamp.
type pager[T any] struct {
	limit int
	since func(ctx context.Context, since time.Time, limit int) ([]T, error)
	at    func(ctx context.Context, at time.Time) ([]T, error)
	stamp func(T) time.Time
}

// next returns the rows after since. An empty page means the stream is
// caught up. Every row sharing the newest timestamp of a non-empty page is
// in that page, so the caller may checkpoint at it.
//
// One row past the limit is read to see whether the last timestamp group
// continues beyond the page.
func (p pager[T]) next(ctx context.Context, since time.Time) ([]T, error) {
	rows, err := p.since(ctx, since, p.limit+1)
	if err != nil {
		return nil, err
	}
	if len(rows) <= p.limit {
		return rows, nil
	}

	page := rows[:p.limit]
	last := p.stamp(page[len(page)-1])
	if !p.stamp(rows[p.limit]).Equal(last) {
		return page, nil
	}

	cut := len(page)
	for cut > 0 && p.stamp(page[cut-1]).Equal(last) {
		cut--
	}
	if cut > 0 {
		return page[:cut], nil
	}

	// The whole page shares one timestamp; read all of it.
	return p.at(ctx, last)
}

// newest returns the timestamp of the last row of a page.
func (p pager[T]) newest(page []T) time.Time {
	return p.stamp(page[len(page)-1])
}
