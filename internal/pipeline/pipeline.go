// Package pipeline orchestrates one collection cycle per source: fetch the
// source's URLs through the politeness gate, normalize the payloads,
// reconcile the raw records against the canonical catalog, and sink the
// touched records. Every run is persisted with full statistics.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kicktrack/tracker-cli/internal/config"
	"github.com/kicktrack/tracker-cli/internal/fetch"
	"github.com/kicktrack/tracker-cli/internal/model"
	"github.com/kicktrack/tracker-cli/internal/normalize"
	"github.com/kicktrack/tracker-cli/internal/politeness"
	"github.com/kicktrack/tracker-cli/internal/reconcile"
	"github.com/kicktrack/tracker-cli/internal/registry"
	"github.com/kicktrack/tracker-cli/internal/store"
	"github.com/kicktrack/tracker-cli/pkg/render"
)

// CatalogSink is the catalog surface the pipeline reads and writes.
// *store.Sink satisfies it.
type CatalogSink interface {
	Stream(ctx context.Context) ([]model.CanonicalRecord, error)
	UpsertBatch(ctx context.Context, recs []model.CanonicalRecord) (store.SinkStats, error)
}

// Pipeline drives collection runs against the configured sources.
type Pipeline struct {
	cfg      *config.Config
	registry *registry.Registry
	sink     CatalogSink
	runs     store.RunStore
	renderer render.Client
	counters *fetch.Counters
	dryRun   bool

	// mergeMu serializes the stream-reconcile-sink section so concurrent
	// sources never interleave read-modify-write cycles on the same cluster.
	mergeMu sync.Mutex
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDryRun disables catalog writes and run persistence. The run envelope is
// still returned with full stats and each would-be write is logged.
func WithDryRun() Option {
	return func(p *Pipeline) { p.dryRun = true }
}

// WithCounters shares an existing counter set instead of a fresh one.
func WithCounters(c *fetch.Counters) Option {
	return func(p *Pipeline) { p.counters = c }
}

// New creates a Pipeline. The renderer may be nil when no source uses
// rendered mode.
func New(cfg *config.Config, reg *registry.Registry, sink CatalogSink, runs store.RunStore, renderer render.Client, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		registry: reg,
		sink:     sink,
		runs:     runs,
		renderer: renderer,
		counters: &fetch.Counters{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Counters returns the shared fetch counters for stats reporting.
func (p *Pipeline) Counters() *fetch.Counters {
	return p.counters
}

// page pairs a fetched payload with the URL it came from.
type page struct {
	url  string
	body []byte
}

// RunSource executes one collection run for a single source. The returned
// run envelope is non-nil whenever a run was started, including failed runs.
func (p *Pipeline) RunSource(ctx context.Context, src model.Source) (*model.Run, error) {
	log := zap.L().With(
		zap.String("component", "pipeline"),
		zap.String("source", src.ID),
	)
	log.Info("run starting", zap.Int("urls", len(src.URLs)))

	norm, err := normalize.ForKind(src.Kind)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: source %s", src.ID)
	}

	run := &model.Run{
		SourceID:  src.ID,
		Status:    model.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if !p.dryRun {
		if err := p.runs.SaveRun(ctx, run); err != nil {
			return nil, eris.Wrap(err, "pipeline: save run")
		}
	}
	started := time.Now()

	finish := func(status model.RunStatus, runErr error) (*model.Run, error) {
		run.Status = status
		run.FinishedAt = time.Now().UTC()
		run.Stats.DurationMS = time.Since(started).Milliseconds()
		if runErr != nil {
			run.Error = runErr.Error()
		}
		if !p.dryRun {
			// The run row must record the terminal state even when the
			// run was cancelled.
			if err := p.runs.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
				log.Warn("failed to update run", zap.Error(err))
			}
		}
		log.Info("run finished",
			zap.String("status", string(status)),
			zap.Int("found", run.Stats.Found),
			zap.Int("inserted", run.Stats.Inserted),
			zap.Int("updated", run.Stats.Updated),
			zap.Int("failed", run.Stats.Failed),
			zap.Int64("duration_ms", run.Stats.DurationMS),
		)
		return run, runErr
	}

	step := func(name string, fn func() error) error {
		phaseStart := time.Now()
		err := fn()
		elapsed := time.Since(phaseStart).Milliseconds()
		if err != nil {
			log.Error("phase failed",
				zap.String("phase", name),
				zap.Int64("duration_ms", elapsed),
				zap.Error(err),
			)
			return err
		}
		log.Info("phase complete",
			zap.String("phase", name),
			zap.Int64("duration_ms", elapsed),
		)
		return nil
	}

	fetcher := p.newFetcher(src)
	mode := fetch.ModeStatic
	if src.Render {
		mode = fetch.ModeRendered
	}

	var pages []page
	_ = step("fetch", func() error {
		for _, u := range src.URLs {
			if ctx.Err() != nil {
				break
			}
			out := fetcher.Fetch(ctx, fetch.Request{
				URL:          u,
				Mode:         mode,
				WaitSelector: src.WaitSelector,
			})
			switch out.Status {
			case fetch.StatusSuccess:
				run.Stats.Fetched++
				pages = append(pages, page{url: u, body: out.Payload})
			case fetch.StatusBlocked:
				run.Stats.Blocked++
			case fetch.StatusRateLimited:
				run.Stats.RateLimited++
			default:
				run.Stats.FetchErrors++
				log.Warn("fetch failed",
					zap.String("url", u),
					zap.Int("attempts", out.Attempts),
					zap.Error(out.Err),
				)
			}
		}
		return nil
	})
	if err := ctx.Err(); err != nil {
		return finish(model.RunStatusFailed, eris.Wrap(err, "pipeline: fetch interrupted"))
	}

	var raws []model.RawRecord
	_ = step("normalize", func() error {
		for _, pg := range pages {
			res, err := norm.Normalize(pg.body, src, pg.url)
			if err != nil {
				log.Warn("normalize failed", zap.String("url", pg.url), zap.Error(err))
				continue
			}
			run.Stats.Found += len(res.Records)
			run.Stats.Skipped += res.Skipped
			raws = append(raws, res.Records...)
		}
		return nil
	})

	if run.Stats.Found == 0 {
		if run.Stats.Fetched == 0 && run.Stats.FetchErrors > 0 {
			return finish(model.RunStatusFailed, eris.Errorf("pipeline: no pages fetched for %s", src.ID))
		}
		log.Info("no items found")
		return finish(model.RunStatusEmpty, nil)
	}

	var dirty []model.CanonicalRecord
	stamp := time.Now().UTC()
	err = func() error {
		p.mergeMu.Lock()
		defer p.mergeMu.Unlock()

		if err := step("reconcile", func() error {
			existing, err := p.sink.Stream(ctx)
			if err != nil {
				return eris.Wrap(err, "pipeline: stream catalog")
			}
			merged := reconcile.New().WithNow(stamp).Reconcile(existing, raws)
			for _, rec := range merged {
				if rec.MergedAt.Equal(stamp) {
					dirty = append(dirty, rec)
				}
			}
			run.Stats.Merged = len(dirty)
			return nil
		}); err != nil {
			return err
		}

		if p.dryRun {
			for _, rec := range dirty {
				log.Info("dry run: would upsert",
					zap.String("id", rec.ID),
					zap.String("name", strDeref(rec.Fields.Name)),
					zap.String("status", rec.Fields.Status),
					zap.Strings("sources", rec.Sources),
				)
			}
			return nil
		}

		return step("sink", func() error {
			sinkStats, err := p.sink.UpsertBatch(ctx, dirty)
			run.Stats.Inserted = sinkStats.Inserted
			run.Stats.Updated = sinkStats.Updated
			run.Stats.SinkSkipped = sinkStats.Skipped
			run.Stats.Failed = sinkStats.Failed
			return err
		})
	}()
	if err != nil {
		return finish(model.RunStatusFailed, err)
	}

	if !p.dryRun && run.Stats.Failed > 0 && run.Stats.Inserted+run.Stats.Updated == 0 {
		return finish(model.RunStatusFailed, eris.Errorf("pipeline: all %d writes failed for %s", run.Stats.Failed, src.ID))
	}
	return finish(model.RunStatusComplete, nil)
}

// RunAll runs every enabled source under the configured concurrency limit.
// Individual source failures are recorded on their runs and do not stop the
// others.
func (p *Pipeline) RunAll(ctx context.Context) ([]*model.Run, error) {
	sources := p.registry.Enabled()
	if len(sources) == 0 {
		return nil, eris.New("pipeline: no enabled sources")
	}
	runs := p.runMany(ctx, sources)
	if err := ctx.Err(); err != nil {
		return runs, eris.Wrap(err, "pipeline: run all")
	}
	return runs, nil
}

// runMany fans sources out over a bounded worker pool. Each worker owns its
// gate and fetcher; requests within a source stay sequential.
func (p *Pipeline) runMany(ctx context.Context, sources []model.Source) []*model.Run {
	limit := p.cfg.Scheduler.MaxConcurrent
	if limit <= 0 {
		limit = 3
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	runs := make([]*model.Run, len(sources))
	for i, src := range sources {
		g.Go(func() error {
			run, err := p.RunSource(gctx, src)
			if err != nil {
				zap.L().Error("source run failed",
					zap.String("source", src.ID),
					zap.Error(err),
				)
			}
			runs[i] = run
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*model.Run, 0, len(runs))
	for _, r := range runs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// newFetcher builds the per-source gate and fetcher. The pacing floor is the
// larger of the global minimum delay and the source's declared delay.
func (p *Pipeline) newFetcher(src model.Source) *fetch.Fetcher {
	gate := politeness.NewGate(politeness.Config{
		UserAgent:    p.cfg.Politeness.UserAgent,
		FailOpen:     p.cfg.Politeness.FailOpen,
		Timeout:      time.Duration(p.cfg.Politeness.RobotsTimeoutSecs) * time.Second,
		DenyPatterns: p.cfg.Politeness.DenyPatterns,
	})

	minDelay := time.Duration(p.cfg.Fetch.MinDelayMillis) * time.Millisecond
	if d := time.Duration(src.DelaySeconds * float64(time.Second)); d > minDelay {
		minDelay = d
	}

	fc := p.cfg.Fetch
	return fetch.New(gate, p.renderer, fetch.Options{
		UserAgent:         p.cfg.Politeness.UserAgent,
		Timeout:           time.Duration(fc.TimeoutSecs) * time.Second,
		MaxAttempts:       fc.MaxAttempts,
		MinDelay:          minDelay,
		DefaultRetryAfter: time.Duration(fc.DefaultRetryAfterSecs) * time.Second,
		MaxRateLimitWaits: fc.MaxRateLimitWaits,
		BackoffBase:       time.Duration(fc.BackoffBaseMillis) * time.Millisecond,
		BackoffMax:        time.Duration(fc.BackoffMaxSecs) * time.Second,
		ScrollPasses:      p.cfg.Render.ScrollPasses,
		SettleMillis:      p.cfg.Render.SettleMillis,
		Counters:          p.counters,
	})
}

func strDeref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
