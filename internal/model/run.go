package model

import "time"

// RunStatus represents the current state of a collection run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
	// RunStatusEmpty means the source answered but yielded no items.
	// An empty answer is not a failure.
	RunStatusEmpty RunStatus = "empty"
)

// RunStats aggregates the counters of one run.
type RunStats struct {
	Found       int   `json:"found"`
	Skipped     int   `json:"skipped"`
	Merged      int   `json:"merged"`
	Inserted    int   `json:"inserted"`
	Updated     int   `json:"updated"`
	SinkSkipped int   `json:"sink_skipped"`
	Failed      int   `json:"failed"`
	Fetched     int64 `json:"fetched"`
	Blocked     int64 `json:"blocked"`
	RateLimited int64 `json:"rate_limited"`
	FetchErrors int64 `json:"fetch_errors"`
	DurationMS  int64 `json:"duration_ms"`
}

// Run records a single pipeline execution for one source.
type Run struct {
	ID         string    `json:"id"`
	SourceID   string    `json:"source_id"`
	Status     RunStatus `json:"status"`
	Stats      RunStats  `json:"stats"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
