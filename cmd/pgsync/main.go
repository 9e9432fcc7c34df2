// Command pgsync keeps Elasticsearch indexes in step with the movie content
// database.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cinemaindex/pgsync/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "pgsync",
	Short: "Incremental PostgreSQL to Elasticsearch sync",
	Long: `pgsync polls the movie content database for changed film works, persons
and genres, rebuilds the affected documents and bulk-loads them into
Elasticsearch. Progress is checkpointed per stream, so a restarted process
resumes where it stopped.

Settings are read from pgsync.toml (see 'pgsync config init') and can be
overridden with PGSYNC_<SECTION>_<KEY> environment variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ./"+config.DefaultFile+")")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "state", Title: "Checkpoints:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// fatalf prints an error and exits.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// mustLoadConfig loads the config named by --config or exits.
func mustLoadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fatalf("%v", err)
	}
	return cfg
}
