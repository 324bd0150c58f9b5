package executor

import (
	"io"
	"time"

	"go.uber.org/zap"
)

// Option configures one contract run.
type Option func(*runConfig)

type runConfig struct {
	timeout    time.Duration
	root       string
	manifestID string
	stdout     io.Writer
	callRate   float64
	callBurst  int
}

func defaultRunConfig() runConfig {
	return runConfig{
		timeout:   DefaultTimeout,
		callBurst: 1,
	}
}

// WithTimeout sets the maximum execution time. Zero disables the limit.
func WithTimeout(d time.Duration) Option {
	return func(c *runConfig) {
		c.timeout = d
	}
}

// WithManifest exposes the files of manifest id, stored under root, to the
// contract's readFile.
func WithManifest(root, id string) Option {
	return func(c *runConfig) {
		c.root = root
		c.manifestID = id
	}
}

// WithStdout copies every line of console output to w.
func WithStdout(w io.Writer) Option {
	return func(c *runConfig) {
		c.stdout = w
	}
}

// WithCallRate limits capability calls to perSecond with the given burst.
// Calls over the limit fail with a dispatch error.
//
// Examples:
//
//	executor.WithCallRate(100, 10) // 100 calls/s, bursts of 10
//	executor.WithCallRate(0, 0)    // unlimited
func WithCallRate(perSecond float64, burst int) Option {
	return func(c *runConfig) {
		c.callRate = perSecond
		if burst < 1 {
			burst = 1
		}
		c.callBurst = burst
	}
}

// ExecutorOption configures the Executor at creation time.
type ExecutorOption func(*executorConfig)

type executorConfig struct {
	launcher Launcher
	shimPath string
	log      *zap.Logger
	metrics  *Metrics
	run      runConfig // defaults for every run
}

func defaultExecutorConfig() executorConfig {
	return executorConfig{
		log: zap.NewNop(),
		run: defaultRunConfig(),
	}
}

// WithLauncher replaces the process backend.
func WithLauncher(l Launcher) ExecutorOption {
	return func(c *executorConfig) {
		c.launcher = l
	}
}

// WithShimPath starts contracts with "<path> shim" instead of re-executing
// the running binary.
func WithShimPath(path string) ExecutorOption {
	return func(c *executorConfig) {
		c.shimPath = path
	}
}

// WithLogger sets the logger for the executor and its contracts.
func WithLogger(log *zap.Logger) ExecutorOption {
	return func(c *executorConfig) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics records run and frame statistics.
func WithMetrics(m *Metrics) ExecutorOption {
	return func(c *executorConfig) {
		c.metrics = m
	}
}

// WithDefaults applies opts to every contract this Executor runs. Options
// passed to Run or NewContract still take precedence.
func WithDefaults(opts ...Option) ExecutorOption {
	return func(c *executorConfig) {
		for _, opt := range opts {
			opt(&c.run)
		}
	}
}
