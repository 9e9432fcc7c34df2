package db

import (
	"fmt"
	"strings"
	"time"
)

// timestampFormats are tried in order when a driver hands back text.
var timestampFormats = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// timestamp scans timestamp columns from any of the supported drivers.
// pgx and lib/pq return time.Time; SQLite may return text or unix seconds.
type timestamp struct {
	Time  time.Time
	Valid bool
}

// Scan implements sql.Scanner.
func (ts *timestamp) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		ts.Time, ts.Valid = time.Time{}, false
		return nil
	case time.Time:
		ts.Time, ts.Valid = v, true
		return nil
	case int64:
		ts.Time, ts.Valid = time.Unix(v, 0).UTC(), true
		return nil
	case []byte:
		return ts.parse(string(v))
	case string:
		return ts.parse(v)
	default:
		return fmt.Errorf("cannot scan %T into timestamp", src)
	}
}

func (ts *timestamp) parse(s string) error {
	s = strings.TrimSpace(s)
	for _, layout := range timestampFormats {
		if t, err := time.Parse(layout, s); err == nil {
			ts.Time, ts.Valid = t, true
			return nil
		}
	}
	return fmt.Errorf("cannot parse timestamp %q", s)
}
