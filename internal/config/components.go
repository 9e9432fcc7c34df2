package config

import (
	"log"

	"github.com/cinemaindex/pgsync/internal/etl/db"
	"github.com/cinemaindex/pgsync/internal/etl/fixtures"
	"github.com/cinemaindex/pgsync/internal/etl/search"
	etlsync "github.com/cinemaindex/pgsync/internal/etl/sync"
	"github.com/cinemaindex/pgsync/internal/logging"
	"github.com/cinemaindex/pgsync/internal/retry"
)

// DB returns the content database settings.
func (c *Config) DB() *db.Config {
	return &db.Config{
		Driver:       c.Postgres.Driver,
		DSN:          c.Postgres.ConnString(),
		Schema:       c.Postgres.Schema,
		QueryTimeout: c.Postgres.QueryTimeout.Std(),
		MaxOpenConns: c.Postgres.MaxOpenConns,
	}
}

// Search returns the Elasticsearch client settings.
func (c *Config) Search() *search.Config {
	es := c.Elasticsearch
	return &search.Config{
		Addresses: append([]string(nil), es.Addresses...),
		Username:  es.Username,
		Password:  es.Password,
		Timeout:   es.Timeout.Std(),
		BulkRate:  es.BulkRate,
		BulkBurst: es.BulkBurst,
		SchemaDir: es.SchemaDir,
	}
}

// RetryPolicy returns the backoff policy logging to logger.
func (c *Config) RetryPolicy(logger *log.Logger) *retry.Policy {
	return &retry.Policy{
		Initial:     c.Backoff.Initial.Std(),
		Factor:      c.Backoff.Factor,
		Max:         c.Backoff.Max.Std(),
		MaxAttempts: c.Backoff.MaxAttempts,
		Logger:      logger,
	}
}

// Sync returns the syncer settings. OnEvent is left for the caller.
func (c *Config) Sync() *etlsync.Config {
	cfg := &etlsync.Config{
		MoviesIndex:  c.Elasticsearch.MoviesIndex,
		PersonsIndex: c.Elasticsearch.PersonsIndex,
		GenresIndex:  c.Elasticsearch.GenresIndex,
		BulkSize:     c.Elasticsearch.BulkSize,
		ItemRetries:  c.Elasticsearch.ItemRetries,
		SideIndexes:  c.App.SideIndexes,
	}
	if c.App.FixturesDir != "" {
		cfg.Fixtures = fixtures.NewWriter(c.App.FixturesDir)
	}
	return cfg
}

// Logging returns the log sink settings.
func (c *Config) Logging() logging.Config {
	return logging.Config{
		File:       c.App.LogFile,
		MaxSizeMB:  c.App.LogMaxSizeMB,
		MaxBackups: c.App.LogMaxBackups,
		MaxAgeDays: c.App.LogMaxAgeDays,
	}
}
