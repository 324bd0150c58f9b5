package main

import (
	"fmt"

	"github.com/caffeineduck/contractbox/vfs"
	"github.com/spf13/cobra"
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Manage the files contracts can read",
	Long: `Import directories into the content store and inspect manifests.

A manifest maps virtual paths to content digests. Pass its id to
run --manifest to expose the files to a contract's readFile.`,
}

var manifestBuildCmd = &cobra.Command{
	Use:   "build <dir>",
	Short: "Import a directory and print its manifest id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		exclude, _ := cmd.Flags().GetStringSlice("exclude")
		id, err := vfs.Build(appConfig.Root, args[0], exclude...)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var manifestListCmd = &cobra.Command{
	Use:   "ls <manifest-id>",
	Short: "List the paths of a manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		view, err := vfs.Open(appConfig.Root, args[0])
		if err != nil {
			return err
		}
		for _, p := range view.Paths() {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
		return nil
	},
}

func init() {
	manifestBuildCmd.Flags().StringSlice("exclude", nil, "Skip paths matching glob, relative to dir (repeatable, ** allowed)")
	manifestCmd.AddCommand(manifestBuildCmd, manifestListCmd)
	rootCmd.AddCommand(manifestCmd)
}
