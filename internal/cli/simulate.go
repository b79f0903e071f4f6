package cli

import (
	"github.com/spf13/cobra"

	"etf-alerts/internal/app"
)

var simulateSend bool

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert <code>",
	Short: "模拟一次信号检测并打印告警消息",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateAlert(cmd.Context(), cmd.OutOrStdout(), app.SimulateOptions{
			Code: args[0],
			Send: simulateSend,
		})
	},
}

func init() {
	simulateCmd.Flags().BoolVar(&simulateSend, "send", false, "推送给已验证 Telegram 的管理员")
}
