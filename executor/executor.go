package executor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/caffeineduck/contractbox/hostfunc"
	"go.uber.org/zap"
)

// ErrTimeout reports a contract killed for exceeding its time budget.
var ErrTimeout = errors.New("timeout")

// DefaultTimeout is the wall-clock budget of a contract run.
const DefaultTimeout = 500 * time.Millisecond

// Result holds the outcome of one contract run.
type Result struct {
	// Value is the JSON text of the contract's completion value, empty
	// when it was undefined.
	Value    string
	Output   string
	Duration time.Duration
	Error    error
}

// ScriptError is an exception the contract did not catch. Message has the
// form "Name: message".
type ScriptError struct {
	Message string
}

func (e *ScriptError) Error() string { return e.Message }

// Name returns the script-level error class, e.g. "ReferenceError".
func (e *ScriptError) Name() string {
	if name, _, ok := strings.Cut(e.Message, ":"); ok && name != "" {
		return name
	}
	return "Error"
}

func isTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// Executor launches contracts and serves their capability calls from a
// shared registry.
type Executor struct {
	registry    *hostfunc.Registry
	launcher    Launcher
	log         *zap.Logger
	metrics     *Metrics
	runDefaults runConfig
}

// New creates an Executor serving capability calls from registry.
func New(registry *hostfunc.Registry, opts ...ExecutorOption) *Executor {
	cfg := defaultExecutorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if registry == nil {
		registry = hostfunc.NewRegistry()
	}
	launcher := cfg.launcher
	if launcher == nil {
		launcher = DefaultLauncher()
		if cfg.shimPath != "" {
			launcher = &ExecLauncher{Path: cfg.shimPath, Args: []string{"shim"}}
		}
	}
	return &Executor{
		registry:    registry,
		launcher:    launcher,
		log:         cfg.log,
		metrics:     cfg.metrics,
		runDefaults: cfg.run,
	}
}

// Run executes code to completion.
func (e *Executor) Run(ctx context.Context, code string, opts ...Option) Result {
	c := e.NewContract(code, opts...)
	if err := c.Start(ctx); err != nil {
		e.log.Debug("start contract", zap.Error(err))
	}
	return c.Wait()
}

// Registry returns the capability registry contracts are served from.
func (e *Executor) Registry() *hostfunc.Registry { return e.registry }
