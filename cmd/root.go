package cmd

import (
	"fmt"
	"os"

	"github.com/adewale/keyboardia-sub006/server"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "keyboardia",
	Short: "Keyboardia is a collaborative step sequencer service.",
	Run: func(cmd *cobra.Command, args []string) {
		// 不带子命令时直接起服务
		server.Start()
	},
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
