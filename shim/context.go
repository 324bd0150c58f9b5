package shim

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/caffeineduck/contractbox/protocol"
	"github.com/caffeineduck/contractbox/vfs"
	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// State is the lifecycle position of an ExecutionContext.
type State int

const (
	StateInitializing State = iota
	StateEvaluating
	StateIdle
	StateFinalizing
	StateExited
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateEvaluating:
		return "evaluating"
	case StateIdle:
		return "idle"
	case StateFinalizing:
		return "finalizing"
	case StateExited:
		return "exited"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// FileReader is the read-only file lookup behind the readFile global.
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// DefaultPollInterval is how often pending async calls are polled.
const DefaultPollInterval = 5 * time.Millisecond

var errExit = errors.New("process.exit called")

// Option configures an ExecutionContext.
type Option func(*ExecutionContext)

// WithLogger sets the logger for shim diagnostics.
func WithLogger(log *zap.Logger) Option {
	return func(c *ExecutionContext) {
		c.log = log
	}
}

// WithFiles sets the filesystem behind readFile. Without it every read
// fails with ENOENT.
func WithFiles(files FileReader) Option {
	return func(c *ExecutionContext) {
		c.files = files
	}
}

// WithFrameChannel connects host.call and host.callAsync to rw.
func WithFrameChannel(rw io.ReadWriter) Option {
	return func(c *ExecutionContext) {
		c.rpc = NewRPCClient(rw)
	}
}

// WithPollInterval sets how often pending async calls are polled.
func WithPollInterval(d time.Duration) Option {
	return func(c *ExecutionContext) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithMaxCallStackSize bounds script recursion depth.
func WithMaxCallStackSize(n int) Option {
	return func(c *ExecutionContext) {
		c.vm.SetMaxCallStackSize(n)
	}
}

// ExecutionContext holds everything one contract run owns: the interpreter
// and its restricted globals, pending timers and async calls, and the
// lifecycle state. All of it is touched only by the goroutine in Run;
// other goroutines hand work over through post.
type ExecutionContext struct {
	vm        *goja.Runtime
	stringify goja.Callable
	parse     goja.Callable
	errorCtor goja.Value

	files        FileReader
	rpc          *RPCClient
	events       *protocol.EventEncoder
	inbound      io.Reader
	log          *zap.Logger
	pollInterval time.Duration

	state  State
	source string
	result protocol.ResultData

	jobs chan func()
	done chan struct{}

	readySent     bool
	exited        bool
	aborted       bool
	inboundClosed bool

	timers         map[int64]*timer
	nextTimerID    int64
	slots          map[uint32]goja.Callable
	nextCallbackID uint32
	polling        bool
}

// New builds a context that reports events on ipc. If ipc is also an
// io.Reader, inbound message events are read from it.
func New(ipc io.Writer, opts ...Option) *ExecutionContext {
	vm := goja.New()
	c := &ExecutionContext{
		vm:           vm,
		events:       protocol.NewEventEncoder(ipc),
		log:          zap.NewNop(),
		pollInterval: DefaultPollInterval,
		jobs:         make(chan func(), 64),
		done:         make(chan struct{}),
		timers:       make(map[int64]*timer),
		slots:        make(map[uint32]goja.Callable),
	}
	if r, ok := ipc.(io.Reader); ok {
		c.inbound = r
	}
	vm.SetMaxCallStackSize(1024)
	for _, opt := range opts {
		opt(c)
	}
	if c.rpc == nil {
		c.rpc = NewRPCClient(nil)
	}

	// Capture the serializers before the script can replace them.
	jsonObj := vm.Get("JSON").ToObject(vm)
	c.stringify, _ = goja.AssertFunction(jsonObj.Get("stringify"))
	c.parse, _ = goja.AssertFunction(jsonObj.Get("parse"))
	c.errorCtor = vm.Get("Error")

	c.installGlobals()
	return c
}

// State returns the current lifecycle state.
func (c *ExecutionContext) State() State { return c.state }

// Load reads the whole contract source from r. A failure moves the context
// to StateFailed.
func (c *ExecutionContext) Load(r io.Reader) error {
	src, err := io.ReadAll(r)
	if err != nil {
		c.state = StateFailed
		return fmt.Errorf("read contract source: %w", err)
	}
	c.source = string(src)
	return nil
}

// Open is Load plus opening the read-only view (root, manifestID) behind
// readFile. An empty root leaves readFile without files.
func (c *ExecutionContext) Open(r io.Reader, root, manifestID string) error {
	if root != "" {
		view, err := vfs.Open(root, manifestID)
		if err != nil {
			c.state = StateFailed
			return fmt.Errorf("open filesystem: %w", err)
		}
		c.files = view
	}
	return c.Load(r)
}

// Outcome is the result of evaluating a script once.
type Outcome struct {
	Value goja.Value
	Err   error
}

// Evaluate runs source once as a global script.
func (c *ExecutionContext) Evaluate(source string) Outcome {
	prog, err := goja.Compile("contract.js", source, false)
	if err != nil {
		return Outcome{Err: err}
	}
	v, err := c.vm.RunProgram(prog)
	return Outcome{Value: v, Err: err}
}

// Run evaluates the loaded source, serves timers, inbound messages and async
// replies until the contract is finished, then emits its result. The
// returned error reports a broken IPC channel only; script errors end up in
// the result.
func (c *ExecutionContext) Run() error {
	if c.state == StateFailed {
		return errors.New("context failed to initialize")
	}
	if c.inbound != nil {
		go c.readInbound(protocol.NewEventDecoder(c.inbound))
	} else {
		c.inboundClosed = true
	}

	c.state = StateEvaluating
	if out := c.Evaluate(c.source); out.Err != nil {
		c.scriptFailed(out.Err)
	} else {
		c.result = protocol.ResultData{Value: c.jsonValue(out.Value)}
	}

	for !c.complete() {
		if !c.readySent {
			c.readySent = true
			c.emit(protocol.Event{Type: protocol.EventReady})
		}
		c.state = StateIdle
		if err := c.events.Flush(); err != nil {
			c.log.Error("flush events", zap.Error(err))
			c.aborted = true
			break
		}
		job := <-c.jobs
		job()
	}

	return c.finalize()
}

// complete is the completion predicate: nothing can run any more, or the
// contract asked to exit.
func (c *ExecutionContext) complete() bool {
	if c.exited || c.aborted {
		return true
	}
	if c.outstanding() > 0 {
		return false
	}
	if _, ok := goja.AssertFunction(c.vm.Get("onmessage")); ok && !c.inboundClosed {
		return false
	}
	return true
}

// outstanding counts the timers and async calls still pending.
func (c *ExecutionContext) outstanding() int {
	return len(c.timers) + len(c.slots)
}

func (c *ExecutionContext) finalize() error {
	c.state = StateFinalizing
	close(c.done)
	for _, t := range c.timers {
		t.stop()
	}

	ev, err := protocol.NewEvent(protocol.EventResult, c.result)
	if err == nil {
		err = c.events.Send(ev)
	}
	if ferr := c.events.Flush(); err == nil {
		err = ferr
	}
	c.state = StateExited
	if err != nil {
		return fmt.Errorf("send result: %w", err)
	}
	return nil
}

// post hands job to the Run goroutine. It never blocks once the context has
// finished.
func (c *ExecutionContext) post(job func()) {
	select {
	case c.jobs <- job:
	case <-c.done:
	}
}

func (c *ExecutionContext) emit(ev protocol.Event) {
	if err := c.events.Send(ev); err != nil {
		c.log.Warn("send event", zap.String("type", ev.Type), zap.Error(err))
	}
}

func (c *ExecutionContext) readInbound(dec *protocol.EventDecoder) {
	for {
		ev, err := dec.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Warn("read inbound event", zap.Error(err))
			}
			c.post(func() { c.inboundClosed = true })
			return
		}
		if ev.Type != protocol.EventMessage {
			c.log.Warn("unexpected inbound event", zap.String("type", ev.Type))
			continue
		}
		c.post(func() { c.receive(ev) })
	}
}

func (c *ExecutionContext) receive(ev protocol.Event) {
	if c.exited || c.aborted {
		return
	}
	handler, ok := goja.AssertFunction(c.vm.Get("onmessage"))
	if !ok {
		return
	}
	c.invoke(handler, c.parseJSON(ev.Data))
}

// invoke calls a script function from the event loop. An uncaught error
// becomes the result and finishes the run.
func (c *ExecutionContext) invoke(fn goja.Callable, args ...goja.Value) {
	_, err := fn(goja.Undefined(), args...)
	if c.scriptFailed(err) {
		c.aborted = true
	}
}

// scriptFailed records err, if any, as the run's result. An exit request is
// not a failure.
func (c *ExecutionContext) scriptFailed(err error) bool {
	if err == nil {
		return false
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		c.vm.ClearInterrupt()
		if c.exited {
			return false
		}
	}
	c.result = protocol.ResultData{Error: formatError(err)}
	return true
}
