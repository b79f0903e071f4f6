package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var backupMonthFlag string

var collectSharesCmd = &cobra.Command{
	Use:   "collect-shares",
	Short: "采集沪深交易所 ETF 份额",
	RunE: func(cmd *cobra.Command, _ []string) error {
		res, err := getApp().CollectShares(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.Message)
		return nil
	},
}

var backupSharesCmd = &cobra.Command{
	Use:   "backup-shares",
	Short: "导出一个月的份额历史为 CSV",
	RunE: func(cmd *cobra.Command, _ []string) error {
		res, err := getApp().BackupShares(cmd.Context(), backupMonthFlag)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%d rows, %d bytes)\n", res.Path, res.Rows, res.Bytes)
		return nil
	},
}

var valuationCmd = &cobra.Command{
	Use:   "valuation <code>",
	Short: "显示 ETF 跟踪指数的 PE 分位",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ShowValuation(cmd.Context(), cmd.OutOrStdout(), args[0])
	},
}

func init() {
	backupSharesCmd.Flags().StringVar(&backupMonthFlag, "month", "", "Month to export as YYYY-MM (default: previous month)")
}
