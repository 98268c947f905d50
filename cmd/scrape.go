package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/kicktrack/tracker-cli/internal/model"
	"github.com/kicktrack/tracker-cli/internal/pipeline"
)

var (
	scrapeSource string
	scrapeAll    bool
	scrapeDryRun bool
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Run one collection pass",
	Long:  "Fetches one source (or all enabled sources) once, reconciles the results into the catalog, and prints per-run stats.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if scrapeSource == "" && !scrapeAll {
			return eris.New("one of --source or --all is required")
		}
		if scrapeSource != "" && scrapeAll {
			return eris.New("--source and --all are mutually exclusive")
		}

		var opts []pipeline.Option
		if scrapeDryRun {
			opts = append(opts, pipeline.WithDryRun())
		}

		env, err := initFarm(ctx, "scrape", opts...)
		if err != nil {
			return err
		}
		defer env.Close()

		var results []*model.Run
		if scrapeAll {
			results, err = env.Pipeline.RunAll(ctx)
		} else {
			src, ok := env.Registry.Get(scrapeSource)
			if !ok {
				return eris.Errorf("unknown source %q", scrapeSource)
			}
			var run *model.Run
			run, err = env.Pipeline.RunSource(ctx, src)
			if run != nil {
				results = append(results, run)
			}
		}

		if scrapeDryRun {
			fmt.Fprintln(os.Stderr, "Dry run: nothing was written.")
		}
		if len(results) > 0 {
			formatRunsTable(os.Stdout, derefRuns(results))
		}
		if err != nil {
			return eris.Wrap(err, "scrape")
		}
		return nil
	},
}

func derefRuns(runs []*model.Run) []model.Run {
	out := make([]model.Run, 0, len(runs))
	for _, r := range runs {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

func init() {
	scrapeCmd.Flags().StringVar(&scrapeSource, "source", "", "source ID to collect")
	scrapeCmd.Flags().BoolVar(&scrapeAll, "all", false, "collect every enabled source")
	scrapeCmd.Flags().BoolVar(&scrapeDryRun, "dry-run", false, "print what would be upserted without writing")
	rootCmd.AddCommand(scrapeCmd)
}
