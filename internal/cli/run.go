package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"etf-alerts/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the alert scheduler and the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var (
	checkKind string
	checkUser int64
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one alert check immediately",
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := getApp().Check(cmd.Context(), app.CheckOptions{Kind: checkKind, UserID: checkUser})
		if err != nil {
			return err
		}
		if res.Skipped {
			fmt.Fprintf(cmd.OutOrStdout(), "run %s skipped\n", res.RunID)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s: users=%d instruments=%d failed=%d signals=%d delivered=%d\n",
			res.RunID, res.Users, res.Instruments, res.Failed, res.Signals, res.Delivered)
		return nil
	},
}

func init() {
	checkCmd.Flags().StringVar(&checkKind, "kind", "close", "Check kind: intraday or close")
	checkCmd.Flags().Int64Var(&checkUser, "user", 0, "Only check this user id")
}
