package cli

import (
	"github.com/spf13/cobra"

	"etf-alerts/internal/app"
)

var (
	showRealtime bool
	probeCode    string
)

var showCmd = &cobra.Command{
	Use:   "show <code>",
	Short: "Display indicators for one ETF",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ShowOptions{
			Code:     args[0],
			Realtime: showRealtime,
		}
		return getApp().Show(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Probe history sources and print their health",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Sources(cmd.Context(), cmd.OutOrStdout(), probeCode)
	},
}

func init() {
	showCmd.Flags().BoolVar(&showRealtime, "realtime", false, "Patch today's bar from the live quote")
	sourcesCmd.Flags().StringVar(&probeCode, "probe", "510300", "Instrument used to probe each source")
}
