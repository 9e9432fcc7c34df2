package sync

import "time"

// EventType names a progress event.
type EventType string

const (
	EventBatchCommitted EventType = "batch_committed"
	EventCaughtUp       EventType = "stream_caught_up"
	EventPassComplete   EventType = "pass_complete"
	EventBulkFailure    EventType = "bulk_failure"
)

// Event reports progress to observers such as the dashboard.
type Event struct {
	Type       EventType `json:"type"`
	RunID      string    `json:"run_id,omitempty"`
	Stream     string    `json:"stream,omitempty"`
	Index      string    `json:"index,omitempty"`
	Items      int       `json:"items,omitempty"`
	Checkpoint time.Time `json:"checkpoint"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}
