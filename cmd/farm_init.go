package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kicktrack/tracker-cli/internal/monitoring"
	"github.com/kicktrack/tracker-cli/internal/pipeline"
	"github.com/kicktrack/tracker-cli/internal/registry"
	"github.com/kicktrack/tracker-cli/internal/store"
	"github.com/kicktrack/tracker-cli/pkg/render"
)

// farmEnv holds the initialized registry, catalogs, run store, and pipeline
// shared by the scrape/watch/serve commands.
type farmEnv struct {
	Registry *registry.Registry
	Sink     *store.Sink
	Runs     *store.SQLiteStore
	Pipeline *pipeline.Pipeline

	closers []func()
}

// Close releases every resource the environment opened, newest first.
func (e *farmEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// initCatalogs builds the configured write paths: the REST catalog as
// primary when an API is set, direct Postgres as fallback (or as the only
// catalog when it is the only one configured).
func initCatalogs(ctx context.Context) (primary, fallback store.Catalog, closers []func(), err error) {
	if cfg.Store.APIBaseURL != "" {
		opts := []store.RESTOption{store.WithPageSize(cfg.Store.PageSize)}
		if cfg.Store.APISchema != "" {
			opts = append(opts, store.WithSchema(cfg.Store.APISchema))
		}
		primary = store.NewRESTCatalog(cfg.Store.APIBaseURL, cfg.Store.APIKey, opts...)
	}

	if cfg.Store.DatabaseURL != "" {
		pg, pgErr := store.NewPostgresCatalog(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if pgErr != nil {
			return nil, nil, nil, pgErr
		}
		closers = append(closers, func() { _ = pg.Close() })

		if primary == nil {
			primary = pg
		} else {
			fallback = pg
		}
	}

	return primary, fallback, closers, nil
}

// initFarm validates config for the given mode and wires the registry, the
// sink, the run store, and the pipeline. Callers should defer env.Close().
func initFarm(ctx context.Context, mode string, opts ...pipeline.Option) (*farmEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	reg, err := registry.Load(cfg.Registry.Path)
	if err != nil {
		return nil, err
	}

	primary, fallback, closers, err := initCatalogs(ctx)
	if err != nil {
		return nil, err
	}
	env := &farmEnv{Registry: reg, closers: closers}

	runs, err := store.NewSQLite(cfg.Store.RunDBPath)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.closers = append(env.closers, func() { _ = runs.Close() })
	if err := runs.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate run store")
	}
	env.Runs = runs

	env.Sink = store.NewSink(primary, fallback, cfg.Store.Namespace)

	var renderer render.Client
	if cfg.Render.BaseURL != "" {
		renderer = render.New(cfg.Render.Key,
			render.WithBaseURL(cfg.Render.BaseURL),
			render.WithTimeout(time.Duration(cfg.Render.TimeoutSecs)*time.Second),
		)
	}

	env.Pipeline = pipeline.New(cfg, reg, env.Sink, runs, renderer, opts...)

	zap.L().Info("farm initialized",
		zap.Int("sources", len(reg.Enabled())),
		zap.Bool("rest_primary", cfg.Store.APIBaseURL != ""),
		zap.Bool("postgres", cfg.Store.DatabaseURL != ""),
	)

	return env, nil
}

// newChecker builds the health check loop over the environment's run store.
func newChecker(env *farmEnv) *monitoring.Checker {
	collector := monitoring.NewCollector(env.Runs, env.Pipeline.Counters())
	alerter := monitoring.NewAlerter(cfg.Monitoring)
	return monitoring.NewChecker(collector, alerter, cfg.Monitoring)
}
