// Package store persists canonical release records and run envelopes. The
// catalog of releases lives in a PostgREST-style HTTP store with a direct
// Postgres fallback; run history lives in a local SQLite file.
package store

import (
	"context"

	"github.com/kicktrack/tracker-cli/internal/model"
)

// WriteOutcome classifies what a single upsert did.
type WriteOutcome string

const (
	OutcomeInserted WriteOutcome = "inserted"
	OutcomeUpdated  WriteOutcome = "updated"
	OutcomeSkipped  WriteOutcome = "skipped"
	OutcomeFailed   WriteOutcome = "failed"
)

// Catalog is a backing store holding canonical records grouped by namespace
// (one namespace per record family, e.g. "releases" or "news").
type Catalog interface {
	// Stream reads every record in the namespace.
	Stream(ctx context.Context, namespace string) ([]model.CanonicalRecord, error)
	// Upsert writes one record keyed by its canonical ID.
	Upsert(ctx context.Context, namespace string, rec model.CanonicalRecord) (WriteOutcome, error)
}

// RunStore persists run envelopes for the runs and monitoring surfaces.
type RunStore interface {
	SaveRun(ctx context.Context, run *model.Run) error
	UpdateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit int) ([]model.Run, error)
	PruneRuns(ctx context.Context, keep int) (int, error)

	Migrate(ctx context.Context) error
	Close() error
}
