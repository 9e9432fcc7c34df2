package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cinemaindex/pgsync/internal/ui"
)

var dbCmd = &cobra.Command{
	Use:     "db",
	GroupID: "setup",
	Short:   "Manage the content database",
}

var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the content tables if they are missing",
	Long: `Create the content schema (film_work, person, genre and their link tables)
in the configured database. Existing tables are kept.

Mostly useful for local development against SQLite or an empty Postgres.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx, cfg, needs{db: true})
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		if err := a.db.InitSchema(ctx); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Schema ready (%s)\n", ui.RenderPass("✓"), cfg.Postgres.Driver)
	},
}

func init() {
	dbCmd.AddCommand(dbInitCmd)
	rootCmd.AddCommand(dbCmd)
}
