package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cinemaindex/pgsync/internal/etl/fixtures"
	"github.com/cinemaindex/pgsync/internal/etl/loader"
	"github.com/cinemaindex/pgsync/internal/ui"
)

var fixturesCmd = &cobra.Command{
	Use:     "fixtures",
	GroupID: "setup",
	Short:   "Replay recorded batches",
}

var fixturesLoadCmd = &cobra.Command{
	Use:   "load <file>...",
	Short: "Bulk-load fixtures files into Elasticsearch",
	Long: `Bulk-load JSONL fixtures recorded with app.fixtures_dir set.

Each line names its index, so one file may feed several indexes. Missing
indexes are created first. Checkpoints are not touched.`,
	Args: cobra.MinimumNArgs(1),
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
		if _, err := a.ensureIndexes(ctx); err != nil {
			fatalf("%v", err)
		}

		var records []fixtures.Record
		for _, path := range args {
			rs, err := fixtures.Read(path)
			if err != nil {
				fatalf("%v", err)
			}
			records = append(records, rs...)
		}

		counts, err := loadFixtures(ctx, a, records)
		if err != nil {
			fatalf("%v", err)
		}

		indexes := make([]string, 0, len(counts))
		for index := range counts {
			indexes = append(indexes, index)
		}
		sort.Strings(indexes)
		for _, index := range indexes {
			fmt.Printf("%s Loaded %d documents into %s\n", ui.RenderPass("✓"), counts[index], index)
		}
	},
}

// loadFixtures sends records through one checkpoint-less loader per index
// and returns the number of documents loaded per index.
func loadFixtures(ctx context.Context, a *app, records []fixtures.Record) (map[string]int, error) {
	loaders := make(map[string]*loader.Loader)
	counts := make(map[string]int)
	logger := a.logger("fixtures")

	for _, r := range records {
		l, ok := loaders[r.Index]
		if !ok {
			l = loader.New(&loader.Config{
				Index:       r.Index,
				BulkSize:    a.cfg.Elasticsearch.BulkSize,
				ItemRetries: a.cfg.Elasticsearch.ItemRetries,
			}, a.search, nil, logger)
			loaders[r.Index] = l
		}
		if err := l.Add(r.ID, r.Source, time.Time{}); err != nil {
			return counts, err
		}
		counts[r.Index]++
		if l.Full() {
			if err := l.Flush(ctx); err != nil {
				return counts, fmt.Errorf("failed to load %s: %w", r.Index, err)
			}
		}
	}

	for index, l := range loaders {
		if err := l.Flush(ctx); err != nil {
			return counts, fmt.Errorf("failed to load %s: %w", index, err)
		}
	}
	return counts, nil
}

func init() {
	fixturesCmd.AddCommand(fixturesLoadCmd)
	rootCmd.AddCommand(fixturesCmd)
}
