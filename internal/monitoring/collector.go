package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/kicktrack/tracker-cli/internal/fetch"
	"github.com/kicktrack/tracker-cli/internal/model"
)

// SourceHealth summarizes recent runs for a single source.
type SourceHealth struct {
	Runs             int             `json:"runs"`
	Failed           int             `json:"failed"`
	Empty            int             `json:"empty"`
	ConsecutiveEmpty int             `json:"consecutive_empty"`
	LastStatus       model.RunStatus `json:"last_status"`
	LastRunAt        time.Time       `json:"last_run_at"`
}

// MetricsSnapshot holds a point-in-time view of farm health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsEmpty    int     `json:"runs_empty"`
	RunsRunning  int     `json:"runs_running"`
	FailureRate  float64 `json:"failure_rate"`

	// Item throughput (within lookback window).
	ItemsFound    int `json:"items_found"`
	ItemsUpserted int `json:"items_upserted"`
	ItemsFailed   int `json:"items_failed"`

	// Fetch counters since process start.
	Fetch fetch.CountersSnapshot `json:"fetch"`

	// Per-source health within the window.
	BySource map[string]SourceHealth `json:"by_source"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister abstracts the run store methods needed by the collector. Runs
// are returned newest first.
type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]model.Run, error)
}

// Collector gathers metrics from the run store and the fetch counters.
type Collector struct {
	runs     RunLister
	counters *fetch.Counters
}

// NewCollector creates a new metrics collector. counters may be nil when the
// process has not fetched anything.
func NewCollector(runs RunLister, counters *fetch.Counters) *Collector {
	return &Collector{runs: runs, counters: counters}
}

// Collect gathers a snapshot of farm metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		BySource:      make(map[string]SourceHealth),
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.runs.ListRuns(ctx, 10000)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	for _, r := range runs {
		if r.StartedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusEmpty:
			snap.RunsEmpty++
		case model.RunStatusRunning:
			snap.RunsRunning++
		}
		snap.ItemsFound += r.Stats.Found
		snap.ItemsUpserted += r.Stats.Inserted + r.Stats.Updated
		snap.ItemsFailed += r.Stats.Failed

		h := snap.BySource[r.SourceID]
		h.Runs++
		switch r.Status {
		case model.RunStatusFailed:
			h.Failed++
		case model.RunStatusEmpty:
			h.Empty++
			// Runs arrive newest first, so the streak grows only while
			// every run seen so far for this source came up empty.
			if h.ConsecutiveEmpty == h.Runs-1 {
				h.ConsecutiveEmpty++
			}
		}
		if h.Runs == 1 {
			h.LastStatus = r.Status
			h.LastRunAt = r.StartedAt
		}
		snap.BySource[r.SourceID] = h
	}

	finished := snap.RunsComplete + snap.RunsFailed + snap.RunsEmpty
	if finished > 0 {
		snap.FailureRate = float64(snap.RunsFailed) / float64(finished)
	}

	if c.counters != nil {
		snap.Fetch = c.counters.Snapshot()
	}

	return snap, nil
}
