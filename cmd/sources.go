package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kicktrack/tracker-cli/internal/model"
	"github.com/kicktrack/tracker-cli/internal/registry"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List configured sources",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := registry.Load(cfg.Registry.Path)
		if err != nil {
			return err
		}

		sources := reg.All()
		if len(sources) == 0 {
			fmt.Fprintln(os.Stderr, "No sources configured.")
			return nil
		}

		formatSourcesTable(os.Stdout, sources)
		return nil
	},
}

// formatSourcesTable writes a tabular source listing to out.
func formatSourcesTable(out io.Writer, sources []model.Source) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKIND\tURLS\tWEIGHT\tCADENCE\tRENDER\tENABLED")
	_, _ = fmt.Fprintln(w, "--\t----\t----\t------\t-------\t------\t-------")

	for _, s := range sources {
		cadence := "balanced"
		if s.Realtime {
			cadence = "realtime"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%.2f\t%s\t%t\t%t\n",
			s.ID,
			s.Kind,
			len(s.URLs),
			s.Weight,
			cadence,
			s.Render,
			!s.Disabled,
		)
	}
	_ = w.Flush()
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
}
