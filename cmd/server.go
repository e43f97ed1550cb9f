package cmd

import (
	"github.com/adewale/keyboardia-sub006/server"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动Keyboardia服务器",
	Long:  `启动协作音序器的HTTP服务器，提供API服务与会话WebSocket同步`,
	Run: func(cmd *cobra.Command, args []string) {
		server.Start()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
