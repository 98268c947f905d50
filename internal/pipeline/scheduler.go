package pipeline

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kicktrack/tracker-cli/internal/config"
	"github.com/kicktrack/tracker-cli/internal/model"
	"github.com/kicktrack/tracker-cli/internal/monitoring"
)

// Cadence selects which sources a scheduler cycle covers and how often
// cycles run.
type Cadence string

const (
	// CadenceRealtime covers only sources flagged realtime, on a short
	// interval.
	CadenceRealtime Cadence = "realtime"
	// CadenceBalanced covers all enabled sources on the balanced interval.
	CadenceBalanced Cadence = "balanced"
	// CadenceHourly covers all enabled sources once an hour.
	CadenceHourly Cadence = "hourly"
)

// ParseCadence validates a cadence name from the CLI.
func ParseCadence(s string) (Cadence, error) {
	c := Cadence(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case CadenceRealtime, CadenceBalanced, CadenceHourly:
		return c, nil
	default:
		return "", eris.Errorf("scheduler: unknown cadence %q", s)
	}
}

// Scheduler drives periodic pipeline cycles for one cadence.
type Scheduler struct {
	pipeline *Pipeline
	cfg      config.SchedulerConfig
	cadence  Cadence
	checker  *monitoring.Checker
}

// NewScheduler creates a scheduler. The checker may be nil to run without
// background alerting.
func NewScheduler(p *Pipeline, cfg config.SchedulerConfig, cadence Cadence, checker *monitoring.Checker) *Scheduler {
	return &Scheduler{
		pipeline: p,
		cfg:      cfg,
		cadence:  cadence,
		checker:  checker,
	}
}

// Run starts the cadence loop. The first cycle starts after a random jitter
// so a fleet of watchers does not hit every site at the same instant. Run
// blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.interval()
	log := zap.L().With(
		zap.String("component", "scheduler"),
		zap.String("cadence", string(s.cadence)),
	)
	log.Info("scheduler starting",
		zap.Duration("interval", interval),
		zap.Int("jitter_secs", s.cfg.JitterSecs),
	)

	if s.checker != nil {
		go s.checker.Run(ctx)
	}

	if s.cfg.JitterSecs > 0 {
		delay := time.Duration(rand.Int64N(int64(s.cfg.JitterSecs)+1)) * time.Second
		log.Info("jittering first cycle", zap.Duration("delay", delay))
		if !sleepCtx(ctx, delay) {
			log.Info("scheduler stopped")
			return nil
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.cycle(ctx, log)
	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.cycle(ctx, log)
		}
	}
}

// cycle runs every source owed a visit at this cadence and logs a heartbeat.
func (s *Scheduler) cycle(ctx context.Context, log *zap.Logger) {
	sources := s.sources()
	if len(sources) == 0 {
		log.Warn("no sources enabled for cadence")
		return
	}

	start := time.Now()
	runs := s.pipeline.runMany(ctx, sources)

	var complete, failed, empty, found, upserted int
	for _, r := range runs {
		switch r.Status {
		case model.RunStatusComplete:
			complete++
		case model.RunStatusFailed:
			failed++
		case model.RunStatusEmpty:
			empty++
		}
		found += r.Stats.Found
		upserted += r.Stats.Inserted + r.Stats.Updated
	}
	log.Info("cycle complete",
		zap.Int("sources", len(sources)),
		zap.Int("complete", complete),
		zap.Int("failed", failed),
		zap.Int("empty", empty),
		zap.Int("found", found),
		zap.Int("upserted", upserted),
		zap.Duration("elapsed", time.Since(start)),
	)

	if keep := s.pipeline.cfg.Store.KeepRuns; keep > 0 && s.pipeline.runs != nil {
		pruned, err := s.pipeline.runs.PruneRuns(ctx, keep)
		if err != nil {
			log.Warn("prune run history", zap.Error(err))
		} else if pruned > 0 {
			log.Debug("pruned run history", zap.Int("pruned", pruned), zap.Int("keep", keep))
		}
	}
}

func (s *Scheduler) sources() []model.Source {
	if s.cadence == CadenceRealtime {
		return s.pipeline.registry.Realtime()
	}
	return s.pipeline.registry.Enabled()
}

func (s *Scheduler) interval() time.Duration {
	switch s.cadence {
	case CadenceRealtime:
		mins := s.cfg.RealtimeMins
		if mins <= 0 {
			mins = 5
		}
		return time.Duration(mins) * time.Minute
	case CadenceBalanced:
		mins := s.cfg.BalancedMins
		if mins <= 0 {
			mins = 30
		}
		return time.Duration(mins) * time.Minute
	default:
		return time.Hour
	}
}

// sleepCtx waits d unless the context expires first. Reports whether the
// full wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
