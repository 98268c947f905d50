package store

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kicktrack/tracker-cli/internal/model"
	"github.com/kicktrack/tracker-cli/internal/resilience"
)

// Sink writes reconciled records to the primary catalog and falls back to
// the secondary when the primary rejects our credentials. The switch is
// one-way for the life of the sink: once auth fails there is no point
// hammering the primary with the rest of the batch.
type Sink struct {
	primary   Catalog
	fallback  Catalog
	namespace string
	retry     resilience.RetryConfig

	usingFallback atomic.Bool
}

// SinkStats summarizes one batch write.
type SinkStats struct {
	Processed    int
	Inserted     int
	Updated      int
	Skipped      int
	Failed       int
	FallbackUsed bool
}

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithSinkRetry overrides the per-record retry policy.
func WithSinkRetry(cfg resilience.RetryConfig) SinkOption {
	return func(s *Sink) {
		s.retry = cfg
	}
}

// NewSink creates a sink for one namespace. fallback may be nil, in which
// case auth failures surface as record failures like any other error.
func NewSink(primary, fallback Catalog, namespace string, opts ...SinkOption) *Sink {
	s := &Sink{
		primary:   primary,
		fallback:  fallback,
		namespace: namespace,
		retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			Multiplier:     2.0,
			// Auth failures switch catalogs instead of retrying; everything
			// else (transient, conflict races) is worth another attempt.
			ShouldRetry: func(err error) bool { return !resilience.IsAuth(err) },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FallbackUsed reports whether the sink has switched to the fallback catalog.
func (s *Sink) FallbackUsed() bool {
	return s.usingFallback.Load()
}

// Stream reads the current catalog contents, honoring the fallback switch.
func (s *Sink) Stream(ctx context.Context) ([]model.CanonicalRecord, error) {
	recs, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) ([]model.CanonicalRecord, error) {
		return s.active().Stream(ctx, s.namespace)
	})
	if err != nil && resilience.IsAuth(err) && s.switchToFallback(err) {
		return resilience.DoVal(ctx, s.retry, func(ctx context.Context) ([]model.CanonicalRecord, error) {
			return s.fallback.Stream(ctx, s.namespace)
		})
	}
	return recs, err
}

// UpsertBatch writes each record, retrying individual failures and keeping
// going past records that exhaust their retries. The returned stats always
// cover the whole batch; the error is non-nil only when the context ends
// the batch early.
func (s *Sink) UpsertBatch(ctx context.Context, recs []model.CanonicalRecord) (SinkStats, error) {
	var stats SinkStats
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			stats.FallbackUsed = s.usingFallback.Load()
			return stats, err
		}
		stats.Processed++

		if rec.ID == "" {
			stats.Skipped++
			zap.L().Warn("skipping record without id",
				zap.String("namespace", s.namespace),
				zap.String("key_value", rec.KeyValue))
			continue
		}

		outcome, err := s.write(ctx, rec)
		if err != nil {
			stats.Failed++
			zap.L().Error("record write failed",
				zap.String("namespace", s.namespace),
				zap.String("id", rec.ID),
				zap.Error(err))
			continue
		}
		switch outcome {
		case OutcomeInserted:
			stats.Inserted++
		case OutcomeUpdated:
			stats.Updated++
		case OutcomeSkipped:
			stats.Skipped++
		}

		if stats.Processed%50 == 0 {
			zap.L().Info("sink progress",
				zap.String("namespace", s.namespace),
				zap.Int("processed", stats.Processed),
				zap.Int("failed", stats.Failed))
		}
	}
	stats.FallbackUsed = s.usingFallback.Load()
	return stats, nil
}

func (s *Sink) write(ctx context.Context, rec model.CanonicalRecord) (WriteOutcome, error) {
	outcome, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (WriteOutcome, error) {
		return s.active().Upsert(ctx, s.namespace, rec)
	})
	if err != nil && resilience.IsAuth(err) && s.switchToFallback(err) {
		return resilience.DoVal(ctx, s.retry, func(ctx context.Context) (WriteOutcome, error) {
			return s.fallback.Upsert(ctx, s.namespace, rec)
		})
	}
	return outcome, err
}

func (s *Sink) active() Catalog {
	if s.usingFallback.Load() && s.fallback != nil {
		return s.fallback
	}
	return s.primary
}

// switchToFallback flips the sink to the fallback catalog. Returns false
// when there is no fallback to switch to.
func (s *Sink) switchToFallback(cause error) bool {
	if s.fallback == nil {
		return false
	}
	if s.usingFallback.CompareAndSwap(false, true) {
		zap.L().Warn("primary catalog rejected credentials, switching to fallback",
			zap.String("namespace", s.namespace),
			zap.Error(cause))
	}
	return true
}
