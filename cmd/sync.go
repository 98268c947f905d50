package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kicktrack/tracker-cli/internal/model"
	"github.com/kicktrack/tracker-cli/internal/store"
)

// syncWindow bounds the default incremental push to recently merged records.
const syncWindow = 24 * time.Hour

var syncFull bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push the canonical set from Postgres into the REST catalog",
	Long:  "Streams canonical records from the Postgres store and upserts them into the REST catalog without fetching any source. Catches the primary up after an outage. By default only records merged in the last 24 hours are pushed; --full pushes the entire set.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("sync"); err != nil {
			return err
		}
		if cfg.Store.APIBaseURL == "" || cfg.Store.DatabaseURL == "" {
			return eris.New("sync needs both store.api_base_url and store.database_url")
		}

		primary, fallback, closers, err := initCatalogs(ctx)
		if err != nil {
			return err
		}
		defer func() {
			for _, c := range closers {
				c()
			}
		}()

		recs, err := fallback.Stream(ctx, cfg.Store.Namespace)
		if err != nil {
			return eris.Wrap(err, "sync: stream postgres")
		}
		total := len(recs)
		if !syncFull {
			recs = filterMergedSince(recs, time.Now().UTC().Add(-syncWindow))
		}

		zap.L().Info("sync starting",
			zap.Int("records", len(recs)),
			zap.Int("total", total),
			zap.Bool("full", syncFull),
		)

		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "Nothing to sync.")
			return nil
		}

		sink := store.NewSink(primary, nil, cfg.Store.Namespace)
		stats, err := sink.UpsertBatch(ctx, recs)
		if err != nil {
			return eris.Wrap(err, "sync: upsert")
		}

		fmt.Printf("Synced %d records: %d inserted, %d updated, %d failed\n",
			stats.Processed, stats.Inserted, stats.Updated, stats.Failed)
		if stats.Failed > 0 {
			return eris.Errorf("sync: %d of %d records failed", stats.Failed, stats.Processed)
		}
		return nil
	},
}

// filterMergedSince keeps records whose last merge is at or after cutoff.
func filterMergedSince(recs []model.CanonicalRecord, cutoff time.Time) []model.CanonicalRecord {
	out := make([]model.CanonicalRecord, 0, len(recs))
	for _, r := range recs {
		if !r.MergedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

func init() {
	syncCmd.Flags().BoolVar(&syncFull, "full", false, "push every record, not just recently merged ones")
	rootCmd.AddCommand(syncCmd)
}
