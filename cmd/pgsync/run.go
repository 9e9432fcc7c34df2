package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cinemaindex/pgsync/internal/etl/daemon"
	"github.com/cinemaindex/pgsync/internal/etl/dashboard"
	etlsync "github.com/cinemaindex/pgsync/internal/etl/sync"
	"github.com/cinemaindex/pgsync/internal/ui"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "sync",
	Short:   "Run the sync daemon until interrupted",
	Long: `Run sync passes until SIGINT or SIGTERM.

Each pass runs the streams in order:
  1. work     film works changed since the work checkpoint
  2. person   film works of changed persons
  3. genre    film works of changed genres
  4. genres   changed genres into the genres index   (side indexes only)
  5. persons  changed persons into the persons index (side indexes only)

After a pass with no changes the daemon sleeps for app.poll_interval. Edits
to app.poll_interval in the config file apply without a restart.

With app.dashboard_port (or --dashboard-port) set, progress is streamed over
WebSocket at ws://localhost:<port>/ws.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		if cmd.Flags().Changed("dashboard-port") {
			cfg.App.DashboardPort, _ = cmd.Flags().GetInt("dashboard-port")
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx, cfg, needs{db: true, search: true})
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		if err := a.waitForCluster(ctx); err != nil {
			fatalf("%v", err)
		}
		if _, err := a.ensureIndexes(ctx); err != nil {
			fatalf("%v", err)
		}

		var (
			d       *daemon.Daemon
			server  *dashboard.Server
			onEvent func(etlsync.Event)
		)
		if cfg.App.DashboardPort > 0 {
			// d is assigned before the server starts.
			server = dashboard.NewServer(&dashboard.Config{
				Port: cfg.App.DashboardPort,
				Status: func(ctx context.Context) (*dashboard.Status, error) {
					checkpoints, err := a.book.All()
					if err != nil {
						return nil, err
					}
					stats := d.Stats()
					return &dashboard.Status{Checkpoints: checkpoints, Daemon: &stats}, nil
				},
				Logger: a.logger("dashboard"),
			})
			onEvent = dashboard.NewHandler(server, a.logger("dashboard")).OnEvent
		}

		daemonConfig := &daemon.Config{
			PollInterval: cfg.App.PollInterval.Std(),
			WatchFile:    cfg.File,
			Logger:       a.logger("daemon"),
		}
		if cfg.File != "" {
			daemonConfig.Reload = func() (time.Duration, error) {
				next, err := cfg.Reload()
				if err != nil {
					return 0, err
				}
				return next.App.PollInterval.Std(), nil
			}
		}

		d, err = daemon.New(a.newSyncer(onEvent), daemonConfig)
		if err != nil {
			fatalf("%v", err)
		}

		if server != nil {
			if err := server.Start(); err != nil {
				fatalf("failed to start dashboard: %v", err)
			}
			defer server.Stop()
		}

		fmt.Printf("%s Starting pgsync daemon...\n", ui.RenderAccent("▶"))
		fmt.Printf("   Movies index: %s\n", cfg.Elasticsearch.MoviesIndex)
		fmt.Printf("   Checkpoints: %s, %s\n", cfg.App.StateFile, cfg.App.SideStateFile)
		if cfg.App.DashboardPort > 0 {
			fmt.Printf("   Dashboard: http://localhost:%d\n", cfg.App.DashboardPort)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := d.Start(ctx); err != nil {
			fatalf("daemon stopped: %v", err)
		}
		_ = d.Stop()
	},
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync pass and exit",
	Long: `Run every stream once, from its checkpoint until caught up, then exit.

Exits non-zero if a stream failed; its checkpoint stays at the last committed
batch, so running the command again redelivers from there.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx, cfg, needs{db: true, search: true})
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		if err := a.waitForCluster(ctx); err != nil {
			fatalf("%v", err)
		}
		if _, err := a.ensureIndexes(ctx); err != nil {
			fatalf("%v", err)
		}

		d, err := daemon.New(a.newSyncer(nil), &daemon.Config{
			PollInterval: cfg.App.PollInterval.Std(),
			Logger:       a.logger("daemon"),
		})
		if err != nil {
			fatalf("%v", err)
		}

		pass, err := d.RunOnce(ctx)
		if pass != nil {
			printPass(pass)
		}
		if err != nil {
			fatalf("%v", err)
		}
	},
}

// printPass renders a pass summary table.
func printPass(pass *etlsync.PassResult) {
	rows := make([]ui.Row, 0, len(pass.Streams))
	for _, s := range pass.Streams {
		rows = append(rows, ui.Row{
			s.Stream,
			strconv.Itoa(s.Changed),
			strconv.Itoa(s.Indexed),
			strconv.Itoa(s.Skipped),
			s.Checkpoint.UTC().Format(time.RFC3339Nano),
		})
	}

	fmt.Printf("\n%s Pass %s\n\n", ui.RenderAccent("●"), ui.RenderMuted(pass.RunID))
	ui.Table(os.Stdout, ui.Row{"STREAM", "CHANGED", "INDEXED", "SKIPPED", "CHECKPOINT"}, rows)
	if pass.Duration > 0 {
		fmt.Printf("\n%s Done in %v\n", ui.RenderPass("✓"), pass.Duration.Round(time.Millisecond))
	}
}

func init() {
	runCmd.Flags().IntP("dashboard-port", "p", 0, "Serve the live dashboard on this port (overrides app.dashboard_port)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
}
