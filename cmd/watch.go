package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kicktrack/tracker-cli/internal/pipeline"
)

var watchCadence string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Collect continuously on a cadence",
	Long:  "Runs the collection cycle on a fixed cadence until interrupted. Realtime covers only sources flagged realtime; balanced and hourly cover all enabled sources.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cadence, err := pipeline.ParseCadence(watchCadence)
		if err != nil {
			return err
		}

		env, err := initFarm(ctx, "watch")
		if err != nil {
			return err
		}
		defer env.Close()

		sched := pipeline.NewScheduler(env.Pipeline, cfg.Scheduler, cadence, newChecker(env))
		return sched.Run(ctx)
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchCadence, "cadence", string(pipeline.CadenceBalanced), "collection cadence (realtime, balanced, hourly)")
	rootCmd.AddCommand(watchCmd)
}
