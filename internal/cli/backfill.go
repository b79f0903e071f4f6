package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"etf-alerts/internal/app"
)

var (
	backfillAll     bool
	backfillAdjust  string
	backfillDryRun  bool
	backfillWorkers int
)

var backfillCmd = &cobra.Command{
	Use:     "backfill [code...]",
	Aliases: []string{"warm"},
	Short:   "Warm the history and indicator caches",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && !backfillAll {
			return errors.New("provide codes or --all")
		}
		if backfillWorkers <= 0 {
			return errors.New("--workers must be greater than zero")
		}

		opts := app.BackfillOptions{
			Codes:   args,
			All:     backfillAll,
			Adjust:  backfillAdjust,
			Workers: backfillWorkers,
			DryRun:  backfillDryRun,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().BoolVar(&backfillAll, "all", false, "Warm every instrument in the realtime snapshot")
	backfillCmd.Flags().StringVar(&backfillAdjust, "adjust", "qfq", "Price adjustment: qfq, hfq or none")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "List codes without calling any source")
	backfillCmd.Flags().IntVar(&backfillWorkers, "workers", 2, "Number of concurrent workers")
}
