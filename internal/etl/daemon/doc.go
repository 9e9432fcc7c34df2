// Package daemon runs sync passes in a loop.
//
// A pass runs every stream once, in order:
//
//	work -> person -> genre -> [genres -> persons]
//
// After a pass in which no stream read a changed row the daemon sleeps for
// the poll interval. After a pass that found changes it starts the next one
// right away, so a backlog drains without waiting.
//
// # Shutdown
//
// Cancelling the context given to Start, or calling Stop, ends the loop. A
// pass in flight sees the cancellation at its next query or bulk request;
// nothing after the last committed batch is checkpointed, so the next start
// redelivers from there.
//
// # Reloading
//
// When Config.WatchFile is set the daemon watches that file with fsnotify.
// Changes are debounced and passed to Config.Reload, which returns the new
// poll interval:
//
//	d, err := daemon.New(syncer, &daemon.Config{
//	    PollInterval: 10 * time.Second,
//	    WatchFile:    "pgsync.toml",
//	    Reload: func() (time.Duration, error) {
//	        cfg, err := config.Reload()
//	        if err != nil {
//	            return 0, err
//	        }
//	        return cfg.App.PollInterval, nil
//	    },
//	})
//
// Only the poll interval is applied without a restart.
package daemon
