package dashboard

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	etlsync "github.com/cinemaindex/pgsync/internal/etl/sync"
)

// StatsData contains running totals since the handler started.
type StatsData struct {
	Passes       int                  `json:"passes"`
	Batches      int                  `json:"batches"`
	Failures     int                  `json:"failures"`
	IndexedByIdx map[string]int       `json:"indexed_by_index"`
	Checkpoints  map[string]time.Time `json:"checkpoints"`
	LastRunID    string               `json:"last_run_id,omitempty"`
	LastError    string               `json:"last_error,omitempty"`
}

// Handler turns sync events into dashboard messages. Its OnEvent method is
// meant to be installed as the syncer's event callback.
type Handler struct {
	server *Server
	logger *log.Logger

	mu    sync.Mutex
	stats StatsData
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}

	return &Handler{
		server: server,
		logger: logger,
		stats: StatsData{
			IndexedByIdx: make(map[string]int),
			Checkpoints:  make(map[string]time.Time),
		},
	}
}

// OnEvent records e in the totals and broadcasts it. Finished passes and
// failures are followed by a stats message.
func (h *Handler) OnEvent(e etlsync.Event) {
	h.mu.Lock()
	h.stats.LastRunID = e.RunID
	withStats := false
	switch e.Type {
	case etlsync.EventBatchCommitted:
		h.stats.Batches++
		h.stats.IndexedByIdx[e.Index] += e.Items
		if e.Stream != "" {
			h.stats.Checkpoints[e.Stream] = e.Checkpoint
		}
	case etlsync.EventCaughtUp:
		if e.Stream != "" && !e.Checkpoint.IsZero() {
			h.stats.Checkpoints[e.Stream] = e.Checkpoint
		}
	case etlsync.EventBulkFailure:
		h.stats.Failures++
		h.stats.LastError = e.Error
		h.logger.Printf("Bulk failure on %s (%s): %s", e.Index, e.Stream, e.Error)
		withStats = true
	case etlsync.EventPassComplete:
		h.stats.Passes++
		withStats = true
	}
	h.mu.Unlock()

	dataJSON, err := json.Marshal(e)
	if err != nil {
		h.logger.Printf("Failed to marshal event: %v", err)
		return
	}
	h.server.Broadcast(Message{
		Type:      MessageType(e.Type),
		Timestamp: e.Time,
		Data:      dataJSON,
	})

	if withStats {
		h.broadcastStats()
	}
}

// broadcastStats sends current statistics to all clients
func (h *Handler) broadcastStats() {
	stats := h.GetStats()
	dataJSON, err := json.Marshal(stats)
	if err != nil {
		h.logger.Printf("Failed to marshal stats: %v", err)
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeStats,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

// GetStats returns a copy of the current statistics
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := h.stats
	out.IndexedByIdx = make(map[string]int, len(h.stats.IndexedByIdx))
	for k, v := range h.stats.IndexedByIdx {
		out.IndexedByIdx[k] = v
	}
	out.Checkpoints = make(map[string]time.Time, len(h.stats.Checkpoints))
	for k, v := range h.stats.Checkpoints {
		out.Checkpoints[k] = v
	}
	return out
}
