// Package dashboard streams sync progress to WebSocket clients.
//
// Every client gets a status message on connect, then one message per sync
// event (batch committed, stream caught up, pass complete, bulk failure) and
// a stats message after each pass. /health serves the same status snapshot
// as JSON for probes.
package dashboard

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cinemaindex/pgsync/internal/etl/daemon"
	"github.com/cinemaindex/pgsync/internal/etl/state"
	etlsync "github.com/cinemaindex/pgsync/internal/etl/sync"
)

// MessageType names a dashboard message. Event messages reuse the sync
// event type names.
type MessageType string

const (
	MessageTypeBatchCommitted = MessageType(etlsync.EventBatchCommitted)
	MessageTypeCaughtUp       = MessageType(etlsync.EventCaughtUp)
	MessageTypePassComplete   = MessageType(etlsync.EventPassComplete)
	MessageTypeBulkFailure    = MessageType(etlsync.EventBulkFailure)

	// MessageTypeStats carries the handler's running totals.
	MessageTypeStats MessageType = "stats"

	// MessageTypeStatus carries checkpoints and daemon state. It is the
	// first message on every connection.
	MessageTypeStatus MessageType = "status"
)

// Message is one JSON frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Status is the snapshot served on /health and sent to new clients.
type Status struct {
	Checkpoints []state.Checkpoint `json:"checkpoints"`
	Daemon      *daemon.Stats      `json:"daemon,omitempty"`
}

// StatusFunc builds a Status on demand.
type StatusFunc func(ctx context.Context) (*Status, error)

func encode(msg Message) ([]byte, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return json.Marshal(msg)
}
