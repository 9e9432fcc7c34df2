package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/cinemaindex/pgsync/internal/etl/state"
	"github.com/cinemaindex/pgsync/internal/ui"
)

var streams = []string{state.Work, state.Person, state.Genre, state.Genres, state.Persons}

var checkpointCmd = &cobra.Command{
	Use:     "checkpoint",
	GroupID: "state",
	Short:   "Move or clear stream checkpoints",
}

var checkpointSetCmd = &cobra.Command{
	Use:   "set <stream> <when>",
	Short: "Set a stream checkpoint",
	Long: `Set the checkpoint of a stream, forwards or backwards.

Moving a checkpoint back re-indexes everything changed since then on the next
pass. <when> is an RFC 3339 timestamp or a phrase such as "yesterday",
"3 days ago" or "last monday 9am".

Streams: ` + strings.Join(streams, ", ") + `

Examples:
  pgsync checkpoint set work 2024-03-01T00:00:00Z
  pgsync checkpoint set person "2 hours ago"`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		stream := args[0]
		if err := checkStream(stream); err != nil {
			fatalf("%v", err)
		}
		at, err := parseWhen(args[1], time.Now())
		if err != nil {
			fatalf("%v", err)
		}

		cfg := mustLoadConfig()
		book := state.OpenBook(cfg.App.StateFile, cfg.App.SideStateFile, nil)
		if err := book.For(stream).Reset(stream, at); err != nil {
			fatalf("failed to set checkpoint: %v", err)
		}
		fmt.Printf("%s %s checkpoint set to %s\n", ui.RenderPass("✓"), stream, at.UTC().Format(time.RFC3339Nano))
	},
}

var checkpointClearCmd = &cobra.Command{
	Use:   "clear <stream>",
	Short: "Remove a stream checkpoint",
	Long: `Remove the checkpoint of a stream. The next pass bootstraps it again:
the work stream and side streams re-index their whole table, the person and
genre streams start from the newest row of their table.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		stream := args[0]
		if err := checkStream(stream); err != nil {
			fatalf("%v", err)
		}

		cfg := mustLoadConfig()
		book := state.OpenBook(cfg.App.StateFile, cfg.App.SideStateFile, nil)
		if err := book.For(stream).Delete(stream); err != nil {
			fatalf("failed to clear checkpoint: %v", err)
		}
		fmt.Printf("%s %s checkpoint cleared\n", ui.RenderPass("✓"), stream)
	},
}

func checkStream(stream string) error {
	for _, s := range streams {
		if s == stream {
			return nil
		}
	}
	return fmt.Errorf("unknown stream %q (want one of %s)", stream, strings.Join(streams, ", "))
}

// parseWhen reads an RFC 3339 timestamp or a natural-language time relative
// to now.
func parseWhen(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if t, err := time.Parse(time.RFC3339Nano, text); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", text); err == nil {
		return t.UTC(), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot read %q as a time", text)
	}
	return r.Time.UTC(), nil
}

func init() {
	checkpointCmd.AddCommand(checkpointSetCmd)
	checkpointCmd.AddCommand(checkpointClearCmd)
	rootCmd.AddCommand(checkpointCmd)
}
