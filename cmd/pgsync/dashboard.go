package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cinemaindex/pgsync/internal/etl/dashboard"
	"github.com/cinemaindex/pgsync/internal/etl/state"
	"github.com/cinemaindex/pgsync/internal/ui"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "state",
	Short:   "Serve checkpoints over HTTP and WebSocket",
	Long: `Start a read-only dashboard next to a running daemon.

Clients receive a status message with every stream checkpoint on connect,
and /health reports the same snapshot. Live batch events are only available
from the dashboard built into 'pgsync run --dashboard-port'.

Example usage:
  pgsync dashboard                # Start on default port 8090
  pgsync dashboard --port 9000    # Start on custom port`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		port, _ := cmd.Flags().GetInt("port")
		if !cmd.Flags().Changed("port") && cfg.App.DashboardPort > 0 {
			port = cfg.App.DashboardPort
		}

		a, err := openApp(context.Background(), cfg, needs{})
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		server := dashboard.NewServer(&dashboard.Config{
			Port:   port,
			Status: bookStatus(a.book),
			Logger: a.logger("dashboard"),
		})
		if err := server.Start(); err != nil {
			fatalf("failed to start dashboard: %v", err)
		}

		fmt.Printf("%s Dashboard on %s\n", ui.RenderAccent("▶"), server.GetAddr())
		fmt.Printf("   Events: ws://localhost:%d/ws\n", port)
		fmt.Printf("   Checkpoints: http://localhost:%d/health\n", port)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		if err := server.Stop(); err != nil {
			fatalf("%v", err)
		}
	},
}

// bookStatus reports the checkpoints of book without daemon stats.
func bookStatus(book *state.Book) dashboard.StatusFunc {
	return func(ctx context.Context) (*dashboard.Status, error) {
		checkpoints, err := book.All()
		if err != nil {
			return nil, err
		}
		return &dashboard.Status{Checkpoints: checkpoints}, nil
	}
}

func init() {
	dashboardCmd.Flags().Int("port", dashboard.DefaultConfig().Port, "Port to listen on")
	rootCmd.AddCommand(dashboardCmd)
}
