package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kicktrack/tracker-cli/internal/model"
	"github.com/kicktrack/tracker-cli/internal/store"
)

var importFile string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Bulk-load a catalog snapshot into Postgres",
	Long:  "Reads a JSON export of canonical records and bulk-upserts it into the Postgres catalog via COPY. Used to restore snapshots or migrate between environments.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("import"); err != nil {
			return err
		}

		recs, err := readSnapshot(importFile)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "Snapshot is empty, nothing to import.")
			return nil
		}

		pg, err := store.NewPostgresCatalog(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return err
		}
		defer pg.Close() //nolint:errcheck

		if err := pg.Migrate(ctx, cfg.Store.Namespace); err != nil {
			return eris.Wrap(err, "import: migrate")
		}

		n, err := pg.ImportBatch(ctx, cfg.Store.Namespace, recs)
		if err != nil {
			return eris.Wrap(err, "import: bulk upsert")
		}

		zap.L().Info("import complete",
			zap.Int64("imported", n),
			zap.Int("snapshot", len(recs)),
			zap.String("file", importFile),
		)
		fmt.Printf("Imported %d of %d records into %s\n", n, len(recs), cfg.Store.Namespace)
		return nil
	},
}

// readSnapshot parses a JSON export. Both a bare array and an
// {"records": [...]} envelope are accepted.
func readSnapshot(path string) ([]model.CanonicalRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "import: read %s", path)
	}

	var recs []model.CanonicalRecord
	if err := json.Unmarshal(data, &recs); err == nil {
		return recs, nil
	}

	var envelope struct {
		Records []model.CanonicalRecord `json:"records"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, eris.Wrapf(err, "import: parse %s", path)
	}
	return envelope.Records, nil
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "path to JSON snapshot (required)")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}
