package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kicktrack/tracker-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLite_SaveAndGetRun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	started := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	run := &model.Run{
		ID:        "run-001",
		SourceID:  "kith",
		Status:    model.RunStatusRunning,
		Stats:     model.RunStats{Found: 12, Merged: 10, Fetched: 3},
		StartedAt: started,
	}
	require.NoError(t, st.SaveRun(ctx, run))

	got, err := st.GetRun(ctx, "run-001")
	require.NoError(t, err)
	assert.Equal(t, "run-001", got.ID)
	assert.Equal(t, "kith", got.SourceID)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	assert.Equal(t, 12, got.Stats.Found)
	assert.Equal(t, 10, got.Stats.Merged)
	assert.Equal(t, int64(3), got.Stats.Fetched)
	assert.WithinDuration(t, started, got.StartedAt, time.Second)
	assert.Empty(t, got.Error)
	assert.True(t, got.FinishedAt.IsZero())
}

func TestSQLite_SaveRun_MintsIDAndStart(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run := &model.Run{SourceID: "sneaker-wire", Status: model.RunStatusQueued}
	require.NoError(t, st.SaveRun(ctx, run))

	require.NotEmpty(t, run.ID)
	_, err := uuid.Parse(run.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), run.StartedAt, 5*time.Second)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "sneaker-wire", got.SourceID)
}

func TestSQLite_UpdateRun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run := &model.Run{ID: "run-upd", SourceID: "kith", Status: model.RunStatusRunning}
	require.NoError(t, st.SaveRun(ctx, run))

	run.Status = model.RunStatusComplete
	run.Stats = model.RunStats{Found: 40, Inserted: 5, Updated: 30, DurationMS: 1200}
	run.FinishedAt = time.Date(2025, 6, 1, 10, 5, 0, 0, time.UTC)
	require.NoError(t, st.UpdateRun(ctx, run))

	got, err := st.GetRun(ctx, "run-upd")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, got.Status)
	assert.Equal(t, 40, got.Stats.Found)
	assert.Equal(t, int64(1200), got.Stats.DurationMS)
	assert.WithinDuration(t, run.FinishedAt, got.FinishedAt, time.Second)
}

func TestSQLite_UpdateRun_RecordsError(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run := &model.Run{ID: "run-err", SourceID: "kith", Status: model.RunStatusRunning}
	require.NoError(t, st.SaveRun(ctx, run))

	run.Status = model.RunStatusFailed
	run.Error = "fetch: connection refused"
	require.NoError(t, st.UpdateRun(ctx, run))

	got, err := st.GetRun(ctx, "run-err")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Equal(t, "fetch: connection refused", got.Error)
}

func TestSQLite_UpdateRun_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.UpdateRun(context.Background(), &model.Run{ID: "ghost", Status: model.RunStatusComplete})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLite_GetRun_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetRun(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
}

func TestSQLite_ListRuns_NewestFirst(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		run := &model.Run{
			ID:        fmt.Sprintf("run-%d", i),
			SourceID:  "kith",
			Status:    model.RunStatusComplete,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, st.SaveRun(ctx, run))
	}

	runs, err := st.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, "run-0", runs[2].ID)

	runs, err = st.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, "run-1", runs[1].ID)
}

func TestSQLite_PruneRuns(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		run := &model.Run{
			ID:        fmt.Sprintf("run-%d", i),
			SourceID:  "kith",
			Status:    model.RunStatusComplete,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, st.SaveRun(ctx, run))
	}

	deleted, err := st.PruneRuns(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	runs, err := st.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-4", runs[0].ID)
	assert.Equal(t, "run-3", runs[1].ID)
}

func TestSQLite_PruneRuns_KeepAll(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveRun(ctx, &model.Run{ID: "only", SourceID: "kith", Status: model.RunStatusComplete}))

	deleted, err := st.PruneRuns(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
