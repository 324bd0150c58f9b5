package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/caffeineduck/contractbox/executor"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run a contract to completion",
	Long: `Execute a JavaScript contract in an isolated child process.

Code can be provided via:
  - File argument: contractbox run contract.js
  - Inline flag: contractbox run -c '1 + 1'
  - Stdin: echo '1 + 1' | contractbox run

Console output is printed as it arrives, followed by the contract's
completion value as JSON.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("code", "c", "", "Code to execute")
	addContractFlags(cmd)
}

func addContractFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("timeout", executor.DefaultTimeout, "Execution timeout, 0 for none (env CONTRACTBOX_TIMEOUT)")
	cmd.Flags().String("manifest", "", "Manifest id whose files readFile can see")
	cmd.Flags().Bool("kv", false, "Enable key-value store")
	cmd.Flags().StringSlice("allow-host", nil, "Allow HTTP and DNS to host (repeatable, env CONTRACTBOX_ALLOWED_HOSTS)")
	cmd.Flags().StringSlice("mount", nil, "Mount host directory read-only as virtual:host (repeatable)")
}

// contractOpts returns the per-contract options selected by cmd's flags.
func contractOpts(cmd *cobra.Command) []executor.Option {
	var opts []executor.Option
	if id, _ := cmd.Flags().GetString("manifest"); id != "" {
		opts = append(opts, executor.WithManifest(appConfig.Root, id))
	}
	return opts
}

// readSource returns the contract source from the code flag, a file
// argument or piped stdin. ok is false when there is nothing to run.
func readSource(cmd *cobra.Command, args []string) (source string, ok bool, err error) {
	code, _ := cmd.Flags().GetString("code")
	switch {
	case code != "":
		return code, true, nil
	case len(args) > 0:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", false, err
		}
		return string(data), true, nil
	}

	in := cmd.InOrStdin()
	if f, isFile := in.(*os.File); isFile {
		// No piped input
		if stat, err := f.Stat(); err == nil && stat.Mode()&os.ModeCharDevice != 0 {
			return "", false, nil
		}
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", false, err
	}
	return string(data), len(data) > 0, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	source, ok, err := readSource(cmd, args)
	if err != nil {
		return err
	}
	if !ok {
		return cmd.Help()
	}

	caps, err := capabilities(cmd)
	if err != nil {
		return err
	}
	exec := newExecutor(caps, nil)

	out := cmd.OutOrStdout()
	opts := append(contractOpts(cmd), executor.WithStdout(out))
	result := exec.Run(context.Background(), source, opts...)

	if result.Error != nil {
		var scriptErr *executor.ScriptError
		if errors.As(result.Error, &scriptErr) {
			return fmt.Errorf("uncaught %s", scriptErr.Message)
		}
		return result.Error
	}
	if result.Value != "" {
		fmt.Fprintln(out, result.Value)
	}
	return nil
}
