package state

import (
	"log"
	"time"
)

// Store is the checkpoint contract the sync engine depends on.
type Store interface {
	Get(key string) (time.Time, bool, error)
	Set(key string, t time.Time) error
}

// Book routes the primary stream (work) to one file and the dependent and
// side streams to another, matching the on-disk layout operators expect.
type Book struct {
	Primary *State
	Side    *State
}

// OpenBook creates a Book over two JSON files.
func OpenBook(primaryPath, sidePath string, logger *log.Logger) *Book {
	return &Book{
		Primary: New(NewJSONFileStorage(primaryPath, logger), logger),
		Side:    New(NewJSONFileStorage(sidePath, logger), logger),
	}
}

// For returns the State holding key.
func (b *Book) For(key string) *State {
	if key == Work {
		return b.Primary
	}
	return b.Side
}

// Get implements Store.
func (b *Book) Get(key string) (time.Time, bool, error) {
	return b.For(key).Get(key)
}

// Set implements Store.
func (b *Book) Set(key string, t time.Time) error {
	return b.For(key).Set(key, t)
}

// All returns the checkpoints of both files.
func (b *Book) All() ([]Checkpoint, error) {
	primary, err := b.Primary.All()
	if err != nil {
		return nil, err
	}
	side, err := b.Side.All()
	if err != nil {
		return nil, err
	}
	return append(primary, side...), nil
}
