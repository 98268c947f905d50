package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/tealeg/xlsx/v2"

	"github.com/kicktrack/tracker-cli/internal/model"
)

var (
	exportFormat string
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export canonical records to a file",
	Long:  "Streams the catalog and writes it as JSON, CSV, or XLSX for review or backup.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		switch exportFormat {
		case "json", "csv", "xlsx":
		default:
			return eris.Errorf("unknown format %q (json, csv, xlsx)", exportFormat)
		}

		if err := cfg.Validate("export"); err != nil {
			return err
		}

		primary, _, closers, err := initCatalogs(ctx)
		if err != nil {
			return err
		}
		defer func() {
			for _, c := range closers {
				c()
			}
		}()

		recs, err := primary.Stream(ctx, cfg.Store.Namespace)
		if err != nil {
			return eris.Wrap(err, "export: stream catalog")
		}

		path := exportOut
		if path == "" {
			name := "releases-" + time.Now().UTC().Format("20060102-150405") + "." + exportFormat
			path = filepath.Join(cfg.Export.Dir, name)
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return eris.Wrapf(err, "export: create %s", dir)
			}
		}

		switch exportFormat {
		case "json":
			f, err := os.Create(path)
			if err != nil {
				return eris.Wrapf(err, "export: create %s", path)
			}
			defer f.Close() //nolint:errcheck
			if err := writeJSON(f, recs); err != nil {
				return err
			}
		case "csv":
			f, err := os.Create(path)
			if err != nil {
				return eris.Wrapf(err, "export: create %s", path)
			}
			defer f.Close() //nolint:errcheck
			if err := writeCSV(f, recs); err != nil {
				return err
			}
		case "xlsx":
			if err := writeXLSX(path, recs); err != nil {
				return err
			}
		}

		fmt.Printf("Exported %d records to %s\n", len(recs), path)
		return nil
	},
}

// exportColumns is the flat projection shared by the CSV and XLSX writers.
var exportColumns = []string{
	"id", "key_kind", "key_value", "name", "brand", "sku", "price", "currency",
	"release_date", "status", "product_url", "image_url", "raffle",
	"locations", "tags", "sources", "merged_at",
}

// recordRow projects one canonical record onto exportColumns. List fields
// are pipe-joined; absent scalars stay empty.
func recordRow(rec model.CanonicalRecord) []string {
	return []string{
		rec.ID,
		string(rec.KeyKind),
		rec.KeyValue,
		strField(rec.Fields.Name),
		strField(rec.Fields.Brand),
		strField(rec.Fields.SKU),
		priceField(rec.Fields.Price),
		strField(rec.Fields.Currency),
		dateField(rec.Fields.ReleaseDate),
		rec.Fields.Status,
		strField(rec.Fields.ProductURL),
		strField(rec.Fields.ImageURL),
		strconv.FormatBool(rec.Fields.Raffle),
		strings.Join(rec.Fields.Locations, "|"),
		strings.Join(rec.Fields.Tags, "|"),
		strings.Join(rec.Sources, "|"),
		rec.MergedAt.UTC().Format(time.RFC3339),
	}
}

func strField(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func priceField(p *float64) string {
	if p == nil {
		return ""
	}
	return strconv.FormatFloat(*p, 'f', 2, 64)
}

func dateField(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func writeJSON(w io.Writer, recs []model.CanonicalRecord) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(recs); err != nil {
		return eris.Wrap(err, "export: encode json")
	}
	return nil
}

func writeCSV(w io.Writer, recs []model.CanonicalRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportColumns); err != nil {
		return eris.Wrap(err, "export: write csv header")
	}
	for _, rec := range recs {
		if err := cw.Write(recordRow(rec)); err != nil {
			return eris.Wrapf(err, "export: write csv row %s", rec.ID)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush csv")
}

func writeXLSX(path string, recs []model.CanonicalRecord) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("releases")
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	header := sheet.AddRow()
	for _, col := range exportColumns {
		header.AddCell().SetString(col)
	}
	for _, rec := range recs {
		row := sheet.AddRow()
		for _, val := range recordRow(rec) {
			row.AddCell().SetString(val)
		}
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "export: save %s", path)
	}
	return nil
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "output format (json, csv, xlsx)")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output path (default: export.dir with a timestamped name)")
	rootCmd.AddCommand(exportCmd)
}
