package fetch

import "sync/atomic"

// Counters holds farm-wide fetch counters. One instance is shared by every
// fetcher in a run so stats reflect the whole farm, not a single source.
// Each counter counts final outcomes, not individual attempts.
type Counters struct {
	PagesFetched  atomic.Int64
	RobotsBlocked atomic.Int64
	RateLimited   atomic.Int64
	Errors        atomic.Int64
}

// CountersSnapshot is a point-in-time copy of the counters.
type CountersSnapshot struct {
	PagesFetched  int64 `json:"pages_fetched"`
	RobotsBlocked int64 `json:"robots_blocked"`
	RateLimited   int64 `json:"rate_limited"`
	Errors        int64 `json:"errors"`
}

// Snapshot returns a consistent-enough copy for stats reporting. Individual
// loads are atomic; the snapshot as a whole is not.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		PagesFetched:  c.PagesFetched.Load(),
		RobotsBlocked: c.RobotsBlocked.Load(),
		RateLimited:   c.RateLimited.Load(),
		Errors:        c.Errors.Load(),
	}
}
