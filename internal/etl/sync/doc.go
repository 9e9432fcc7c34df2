// Package sync moves changed content rows into the search indexes.
//
// Overview
//
// A pass walks the streams in a fixed order. Each stream resumes from its
// checkpoint and drains until the content database has nothing newer:
//
//	work     film_work changes      → movies index, checkpoint "work"
//	person   person changes         → affected film works → movies index,
//	                                  checkpoint "person"
//	genre    genre changes          → affected film works → movies index,
//	                                  checkpoint "genre"
//	genres   genre rows             → genres index, checkpoint "genres"
//	persons  person rows            → persons index, checkpoint "persons"
//
// The last two run only when side indexes are enabled.
//
// Paging
//
// Changes are read in (updated_at, id) order, a page at a time. A
// checkpoint is a timestamp, so a page must never end in the middle of a
// group of rows sharing one updated_at: when a page is full, the trailing
// rows that share the last timestamp are dropped and read again with the
// next page. If every row of a full page shares one timestamp, all rows at
// that timestamp are read in one unbounded query instead.
//
// Cascades
//
// A changed person or genre does not change its own document in the movies
// index; it changes every film work it is linked to. Those works are read
// with keyset pagination over (updated_at, id), so each affected work is
// reindexed once per page of changed persons regardless of how many there
// are. The person or genre checkpoint moves only after every affected work
// of the page was acknowledged by the index.
//
// Delivery
//
// Delivery is at least once. The index upserts by id, so a document written
// twice after a crash is harmless; a document never written is not.
package sync
