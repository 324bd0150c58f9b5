package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/caffeineduck/contractbox/executor"
	"github.com/caffeineduck/contractbox/hostfunc"
	"github.com/caffeineduck/contractbox/internal/config"
	"github.com/caffeineduck/contractbox/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "contractbox [file]",
	Short: "Process sandbox for untrusted JavaScript contracts",
	Long: `contractbox - Run untrusted JavaScript contracts in isolated child processes.

Run code from files, inline strings, or stdin. Contracts see only a small
set of globals (console, timers, postMessage, readFile, host). Capabilities
such as the key-value store, HTTP or host directories are enabled
explicitly with flags.

Settings are read from CONTRACTBOX_* environment variables; flags override
them.`,
	Args:              cobra.MaximumNArgs(1),
	PersistentPreRunE: setup,
	RunE:              runRun, // Default to run command behavior
	SilenceUsage:      true,
}

// Set up by setup before any command runs.
var (
	appConfig *config.Config
	logger    = zap.NewNop()
)

// testLauncher replaces the shim launcher in tests.
var testLauncher executor.Launcher

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (env CONTRACTBOX_LOG_LEVEL)")
	rootCmd.PersistentFlags().Bool("log-dev", false, "Human-readable development logs (env CONTRACTBOX_LOG_DEV)")
	rootCmd.PersistentFlags().String("root", "", "Content store directory (env CONTRACTBOX_ROOT)")

	// Add run-specific flags to root (for default command)
	addRunFlags(rootCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-dev") {
		cfg.LogDev, _ = flags.GetBool("log-dev")
	}
	if flags.Changed("root") {
		cfg.Root, _ = flags.GetString("root")
	}
	if f := flags.Lookup("timeout"); f != nil && f.Changed {
		cfg.Timeout, _ = flags.GetDuration("timeout")
	}
	if f := flags.Lookup("allow-host"); f != nil && f.Changed {
		cfg.AllowedHosts, _ = flags.GetStringSlice("allow-host")
	}

	log, err := logging.New(cfg.Logging())
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	appConfig = cfg
	logger = log
	return nil
}

// parseMount parses "virtual:host", optionally suffixed with ":ro". Mounts
// are always read-only.
func parseMount(arg string) (hostfunc.Mount, error) {
	parts := strings.Split(arg, ":")
	switch {
	case len(parts) == 2:
	case len(parts) == 3 && parts[2] == "ro":
	case len(parts) == 3:
		return hostfunc.Mount{}, fmt.Errorf("invalid mount mode %q (mounts are read-only)", parts[2])
	default:
		return hostfunc.Mount{}, fmt.Errorf("invalid mount %q (expected virtual:host[:ro])", arg)
	}
	if parts[0] == "" || parts[1] == "" {
		return hostfunc.Mount{}, fmt.Errorf("invalid mount %q (expected virtual:host[:ro])", arg)
	}
	return hostfunc.Mount{VirtualPath: parts[0], HostPath: parts[1]}, nil
}

// capabilities builds the capability set selected by cmd's flags.
func capabilities(cmd *cobra.Command) (hostfunc.Capabilities, error) {
	enableKV, _ := cmd.Flags().GetBool("kv")
	mounts, _ := cmd.Flags().GetStringSlice("mount")

	caps := hostfunc.Capabilities{AllowedHosts: appConfig.AllowedHosts}
	if enableKV {
		caps.KV = hostfunc.NewKV(hostfunc.DefaultKVConfig())
	}
	for _, arg := range mounts {
		m, err := parseMount(arg)
		if err != nil {
			return caps, err
		}
		caps.Mounts = append(caps.Mounts, m)
	}
	return caps, nil
}

// newExecutor returns an executor configured from appConfig.
func newExecutor(caps hostfunc.Capabilities, reg prometheus.Registerer) *executor.Executor {
	opts := []executor.ExecutorOption{
		executor.WithLogger(logger),
		executor.WithDefaults(
			executor.WithTimeout(appConfig.Timeout),
			executor.WithCallRate(appConfig.CallRate, appConfig.CallBurst),
		),
	}
	if reg != nil {
		opts = append(opts, executor.WithMetrics(executor.NewMetrics(reg)))
	}
	switch {
	case testLauncher != nil:
		opts = append(opts, executor.WithLauncher(testLauncher))
	case appConfig.ShimPath != "":
		opts = append(opts, executor.WithShimPath(appConfig.ShimPath))
	}
	return executor.New(hostfunc.NewDefaultRegistry(caps), opts...)
}
