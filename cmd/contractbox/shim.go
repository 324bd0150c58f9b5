package main

import (
	"os"

	"github.com/caffeineduck/contractbox/shim"
	"github.com/spf13/cobra"
)

var shimCmd = &cobra.Command{
	Use:    "shim [root manifest-id]",
	Short:  "Run one contract inside a sandbox child (internal)",
	Hidden: true,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 && len(args) != 2 {
			return cobra.ExactArgs(2)(cmd, args)
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(shim.MainProcess(args,
			shim.WithLogger(logger.Named("shim")),
			shim.WithPollInterval(appConfig.PollInterval),
		))
	},
}

func init() {
	rootCmd.AddCommand(shimCmd)
}
