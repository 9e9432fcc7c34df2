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

var indexCmd = &cobra.Command{
	Use:     "index",
	GroupID: "setup",
	Short:   "Manage Elasticsearch indexes",
}

var indexEnsureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Create missing indexes from their schemas",
	Long: `Wait for the cluster, then create every configured index that does not
exist yet. Existing indexes are left untouched, so the command is safe to run
before every deployment.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx, cfg, needs{search: true})
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		if err := a.waitForCluster(ctx); err != nil {
			fatalf("%v", err)
		}
		created, err := a.ensureIndexes(ctx)
		if err != nil {
			fatalf("%v", err)
		}

		isNew := make(map[string]bool, len(created))
		for _, name := range created {
			isNew[name] = true
		}
		for _, t := range a.indexTargets() {
			if isNew[t.name] {
				fmt.Printf("%s Created index %s\n", ui.RenderPass("✓"), t.name)
			} else {
				fmt.Printf("%s Index %s exists\n", ui.RenderMuted("·"), t.name)
			}
		}
	},
}

func init() {
	indexCmd.AddCommand(indexEnsureCmd)
	rootCmd.AddCommand(indexCmd)
}
