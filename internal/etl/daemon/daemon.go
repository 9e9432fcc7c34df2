package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	etlsync "github.com/cinemaindex/pgsync/internal/etl/sync"
)

// Config holds configuration for the daemon.
type Config struct {
	// PollInterval is how long to sleep after a pass without changes.
	PollInterval time.Duration

	// WatchFile is the config file to watch for changes. Empty disables
	// reloading.
	WatchFile string

	// Reload re-reads WatchFile and returns the new poll interval.
	Reload func() (time.Duration, error)

	// DebounceInterval is how long a file change must settle before Reload
	// is called. Editors often write a file several times in a row.
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:     10 * time.Second,
		DebounceInterval: 250 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Stats describes what the daemon has done so far.
type Stats struct {
	Running      bool          `json:"running"`
	Passes       int           `json:"passes"`
	Failures     int           `json:"failures"`
	LastRunID    string        `json:"last_run_id,omitempty"`
	LastPass     time.Time     `json:"last_pass"`
	LastError    string        `json:"last_error,omitempty"`
	PollInterval time.Duration `json:"poll_interval"`
}

// Daemon runs sync passes until stopped.
type Daemon struct {
	syncer etlsync.Syncer
	config *Config

	interval atomic.Int64
	wake     chan struct{}

	watcher    *fsnotify.Watcher
	watchPath  string
	reloadAt   time.Time
	reloadMu   sync.Mutex
	reloadSeen bool

	statsMu sync.Mutex
	stats   Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon driving syncer. A nil config uses DefaultConfig.
func New(syncer etlsync.Syncer, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", config.PollInterval)
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = defaults.DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.WatchFile != "" && config.Reload == nil {
		return nil, fmt.Errorf("watch file %s set without a reload function", config.WatchFile)
	}

	d := &Daemon{
		syncer: syncer,
		config: config,
		wake:   make(chan struct{}, 1),
	}
	d.interval.Store(int64(config.PollInterval))
	d.ctx, d.cancel = context.WithCancel(context.Background())

	if config.WatchFile != "" {
		abs, err := filepath.Abs(config.WatchFile)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", config.WatchFile, err)
		}
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		d.watcher = watcher
		d.watchPath = abs
	}

	return d, nil
}

// Start runs passes until ctx is cancelled or Stop is called.
//
// A failed pass is logged and retried after the poll interval; only
// cancellation ends the loop.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Printf("Starting daemon (poll interval %s)", d.PollInterval())

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(d.ctx, cancel)
	defer func() {
		stop()
		cancel()
		d.wg.Wait()
	}()

	if d.watcher != nil {
		// Watch the directory: editors replace files by renaming over them,
		// which drops a watch on the file itself.
		dir := filepath.Dir(d.watchPath)
		if err := d.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		d.config.Logger.Printf("Watching: %s", d.watchPath)

		d.wg.Add(2)
		go d.watchConfigEvents(runCtx)
		go d.processReloads(runCtx)
	}

	d.setRunning(true)
	defer d.setRunning(false)

	for {
		pass, err := d.RunOnce(runCtx)
		if runCtx.Err() != nil {
			d.config.Logger.Println("Shutdown signal received")
			return nil
		}
		if err != nil {
			d.config.Logger.Printf("Pass failed: %v", err)
		} else if pass.HadChanges() {
			continue
		}

		if !d.sleep(runCtx) {
			d.config.Logger.Println("Shutdown signal received")
			return nil
		}
	}
}

// Stop ends the loop, closes the watcher and waits for its goroutines.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
	}

	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// RunOnce runs a single pass and records it in Stats.
func (d *Daemon) RunOnce(ctx context.Context) (*etlsync.PassResult, error) {
	pass, err := d.syncer.RunPass(ctx)
	if err != nil && ctx.Err() != nil {
		// Interrupted, not failed.
		return pass, err
	}

	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	d.stats.Passes++
	d.stats.LastPass = time.Now()
	if pass != nil {
		d.stats.LastRunID = pass.RunID
	}
	if err != nil {
		d.stats.Failures++
		d.stats.LastError = err.Error()
		return pass, err
	}
	d.stats.LastError = ""

	for _, s := range pass.Streams {
		if s.Changed > 0 {
			d.config.Logger.Printf("Stream %s: %d changed, %d indexed, %d skipped, checkpoint %s",
				s.Stream, s.Changed, s.Indexed, s.Skipped, s.Checkpoint.Format(time.RFC3339Nano))
		}
	}
	return pass, nil
}

// PollInterval returns the current idle sleep.
func (d *Daemon) PollInterval() time.Duration {
	return time.Duration(d.interval.Load())
}

// SetPollInterval changes the idle sleep. A sleep in progress is shortened
// or extended to match.
func (d *Daemon) SetPollInterval(interval time.Duration) {
	if interval <= 0 {
		d.config.Logger.Printf("Ignoring non-positive poll interval %s", interval)
		return
	}
	old := time.Duration(d.interval.Swap(int64(interval)))
	if old == interval {
		return
	}
	d.config.Logger.Printf("Poll interval changed: %s -> %s", old, interval)
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of the daemon's counters.
func (d *Daemon) Stats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	s := d.stats
	s.PollInterval = d.PollInterval()
	return s
}

func (d *Daemon) setRunning(running bool) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	d.stats.Running = running
}

// sleep waits out the poll interval, measured from the start of the sleep
// even if the interval changes meanwhile. It returns false if ctx ended.
func (d *Daemon) sleep(ctx context.Context) bool {
	started := time.Now()
	for {
		remaining := d.PollInterval() - time.Since(started)
		if remaining <= 0 {
			return true
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-d.wake:
			timer.Stop()
		case <-timer.C:
			return true
		}
	}
}

// watchConfigEvents queues a reload for events on the watched file.
func (d *Daemon) watchConfigEvents(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if abs, err := filepath.Abs(event.Name); err != nil || abs != d.watchPath {
				continue
			}

			d.config.Logger.Printf("File event: %s %s", event.Op, event.Name)
			d.queueReload()

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (d *Daemon) queueReload() {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()

	d.reloadAt = time.Now()
	d.reloadSeen = true
}

// processReloads calls Reload once a queued change has settled.
func (d *Daemon) processReloads(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if d.reloadDue(time.Now()) {
				d.reload()
			}
		}
	}
}

func (d *Daemon) reloadDue(now time.Time) bool {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()

	if !d.reloadSeen || now.Sub(d.reloadAt) < d.config.DebounceInterval {
		return false
	}
	d.reloadSeen = false
	return true
}

func (d *Daemon) reload() {
	interval, err := d.config.Reload()
	if err != nil {
		d.config.Logger.Printf("Error reloading %s: %v", d.watchPath, err)
		return
	}
	d.SetPollInterval(interval)
}
