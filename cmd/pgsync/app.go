package main

import (
	"context"
	"fmt"
	"log"

	"github.com/cinemaindex/pgsync/internal/config"
	"github.com/cinemaindex/pgsync/internal/etl/db"
	"github.com/cinemaindex/pgsync/internal/etl/search"
	"github.com/cinemaindex/pgsync/internal/etl/state"
	etlsync "github.com/cinemaindex/pgsync/internal/etl/sync"
	"github.com/cinemaindex/pgsync/internal/logging"
)

// app holds the connections a command needs. Fields a command did not ask
// for stay nil.
type app struct {
	cfg    *config.Config
	logs   *logging.Logs
	book   *state.Book
	db     *db.DB
	search *search.Client
}

type needs struct {
	db     bool
	search bool
}

// openApp opens the checkpoint files and the requested connections.
func openApp(ctx context.Context, cfg *config.Config, n needs) (*app, error) {
	logs := logging.New(cfg.Logging())
	a := &app{
		cfg:  cfg,
		logs: logs,
		book: state.OpenBook(cfg.App.StateFile, cfg.App.SideStateFile, logs.Logger("state")),
	}

	if n.db {
		database, err := db.Open(ctx, cfg.DB(), cfg.RetryPolicy(logs.Logger("retry")), logs.Logger("db"))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.db = database
	}

	if n.search {
		client, err := search.New(cfg.Search(), cfg.RetryPolicy(logs.Logger("retry")), logs.Logger("search"))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.search = client
	}

	return a, nil
}

// Close releases everything openApp opened.
func (a *app) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger("db").Printf("Error closing database: %v", err)
		}
	}
	_ = a.logs.Close()
}

func (a *app) logger(component string) *log.Logger {
	return a.logs.Logger(component)
}

// waitForCluster blocks until the cluster reaches the configured status.
func (a *app) waitForCluster(ctx context.Context) error {
	status := a.cfg.Elasticsearch.HealthStatus
	if status == "" {
		return nil
	}
	a.logger("search").Printf("Waiting for cluster status %s", status)
	return a.search.WaitForHealth(ctx, status)
}

// indexTarget pairs an index name with its schema kind.
type indexTarget struct {
	name string
	kind string
}

func (a *app) indexTargets() []indexTarget {
	es := a.cfg.Elasticsearch
	targets := []indexTarget{{es.MoviesIndex, search.KindMovies}}
	if a.cfg.App.SideIndexes {
		targets = append(targets,
			indexTarget{es.PersonsIndex, search.KindPersons},
			indexTarget{es.GenresIndex, search.KindGenres},
		)
	}
	return targets
}

// ensureIndexes creates missing indexes and reports which were created.
func (a *app) ensureIndexes(ctx context.Context) ([]string, error) {
	var created []string
	for _, t := range a.indexTargets() {
		ok, err := a.search.EnsureIndex(ctx, t.name, t.kind)
		if err != nil {
			return created, fmt.Errorf("failed to ensure index %s: %w", t.name, err)
		}
		if ok {
			created = append(created, t.name)
		}
	}
	return created, nil
}

// newSyncer builds the syncer over the open connections.
func (a *app) newSyncer(onEvent func(etlsync.Event)) etlsync.Syncer {
	cfg := a.cfg.Sync()
	cfg.OnEvent = onEvent
	return etlsync.New(cfg, a.db, a.search, a.book, a.logger("sync"))
}
