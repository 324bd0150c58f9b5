package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/caffeineduck/contractbox/hostfunc"
	"github.com/caffeineduck/contractbox/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrContractStarted  = errors.New("contract already started")
	ErrContractFinished = errors.New("contract finished")
	ErrKilled           = errors.New("contract killed")
)

// maxStderr bounds how much child diagnostics a contract keeps.
const maxStderr = 64 << 10

// Contract is one contract child process and the channels to it. Register
// observers before Start; they run on the contract's event goroutine.
type Contract struct {
	id       string
	code     string
	cfg      runConfig
	exec     *Executor
	log      *zap.Logger
	registry *hostfunc.Registry

	proc   Process
	mux    *Multiplexer
	events *protocol.EventEncoder
	cancel context.CancelFunc
	stderr *limitedBuffer
	start  time.Time

	mu         sync.Mutex
	started    bool
	ready      bool
	finished   bool
	inputShut  bool
	queue      []protocol.Event
	stopReason error

	onReady   []func()
	onMessage []func(json.RawMessage)
	onStdout  []func(string)

	output strings.Builder
	data   *protocol.ResultData

	done   chan struct{}
	result Result
}

// NewContract prepares a contract running code. Nothing starts until Start.
func (e *Executor) NewContract(code string, opts ...Option) *Contract {
	cfg := e.runDefaults
	for _, opt := range opts {
		opt(&cfg)
	}
	id := uuid.NewString()
	return &Contract{
		id:       id,
		code:     code,
		cfg:      cfg,
		exec:     e,
		log:      e.log.With(zap.String("contract", id)),
		registry: e.registry,
		stderr:   &limitedBuffer{max: maxStderr},
		done:     make(chan struct{}),
	}
}

// ID returns the contract's unique identifier.
func (c *Contract) ID() string { return c.id }

// Pid returns the child's process id, or 0 before Start.
func (c *Contract) Pid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc == nil {
		return 0
	}
	return c.proc.Pid()
}

// OnReady registers fn to run once the contract has evaluated its source.
func (c *Contract) OnReady(fn func()) {
	c.mu.Lock()
	c.onReady = append(c.onReady, fn)
	c.mu.Unlock()
}

// OnMessage registers fn for every value the contract posts.
func (c *Contract) OnMessage(fn func(msg json.RawMessage)) {
	c.mu.Lock()
	c.onMessage = append(c.onMessage, fn)
	c.mu.Unlock()
}

// OnStdout registers fn for every line of console output.
func (c *Contract) OnStdout(fn func(line string)) {
	c.mu.Lock()
	c.onStdout = append(c.onStdout, fn)
	c.mu.Unlock()
}

// Start launches the child. The run ends when the contract finishes, ctx is
// cancelled or the timeout expires, whichever comes first.
func (c *Contract) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrContractStarted
	}
	c.started = true
	reason := c.stopReason
	c.mu.Unlock()
	if reason != nil {
		c.finish(Result{Error: reason})
		return reason
	}

	c.start = time.Now()
	if c.cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.timeout)
		c.cancel = cancel
	} else {
		ctx, c.cancel = context.WithCancel(ctx)
	}

	proc, err := c.exec.launcher.Launch(ctx, Spawn{
		Code:       c.code,
		Root:       c.cfg.root,
		ManifestID: c.cfg.manifestID,
		Stderr:     c.stderr,
	})
	if err != nil {
		c.cancel()
		c.finish(Result{Error: err, Duration: time.Since(c.start)})
		return err
	}
	c.mu.Lock()
	c.proc = proc
	killed := c.stopReason != nil
	c.mu.Unlock()
	if killed {
		proc.Kill()
	}
	c.events = protocol.NewEventEncoder(proc.IPC())
	c.log.Debug("contract started", zap.Int("pid", proc.Pid()))

	muxOpts := []MultiplexerOption{
		WithMultiplexerLogger(c.log),
		WithMultiplexerMetrics(c.exec.metrics),
	}
	if c.cfg.callRate > 0 {
		muxOpts = append(muxOpts, WithCallLimiter(rate.NewLimiter(rate.Limit(c.cfg.callRate), c.cfg.callBurst)))
	}
	c.mux = NewMultiplexer(muxOpts...)
	c.mux.SetHandler(registryHandler(ctx, c.registry))
	c.mux.OnClose(func(err error) {
		var perr *protocol.ProtocolError
		if errors.As(err, &perr) {
			c.stop(perr)
		}
	})
	c.mux.Attach(proc.Frames())

	go c.watch(ctx)
	go c.readEvents()
	return nil
}

// PostMessage delivers v to the contract's onmessage handler. Messages
// posted before the contract is ready are queued and sent in order once it
// is.
func (c *Contract) PostMessage(v any) error {
	ev, err := protocol.NewEvent(protocol.EventMessage, v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.finished || c.inputShut {
		c.mu.Unlock()
		return ErrContractFinished
	}
	if !c.ready {
		c.queue = append(c.queue, ev)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.events.SendNow(ev)
}

// CloseInput signals that no more messages will be posted. A contract that
// only waits for messages finishes once the queue is drained.
func (c *Contract) CloseInput() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inputShut || c.finished {
		return nil
	}
	c.inputShut = true
	if !c.ready {
		return nil
	}
	return c.proc.CloseInput()
}

// Kill stops the contract. Wait then reports ErrKilled.
func (c *Contract) Kill() {
	c.stop(ErrKilled)
}

// Done is closed once the contract has finished.
func (c *Contract) Done() <-chan struct{} { return c.done }

// Wait blocks until the contract has finished and returns its result.
func (c *Contract) Wait() Result {
	<-c.done
	return c.result
}

func (c *Contract) stop(reason error) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	if c.stopReason == nil {
		c.stopReason = reason
	}
	proc := c.proc
	c.mu.Unlock()
	if proc == nil {
		return
	}
	if err := proc.Kill(); err != nil {
		c.log.Warn("kill contract", zap.Error(err))
	}
}

func (c *Contract) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.stop(fmt.Errorf("%w after %v", ErrTimeout, c.cfg.timeout))
		} else {
			c.stop(ctx.Err())
		}
	case <-c.done:
	}
}

func (c *Contract) readEvents() {
	dec := protocol.NewEventDecoder(c.proc.IPC())
	for {
		ev, err := dec.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Debug("event stream ended", zap.Error(err))
			}
			break
		}
		c.handleEvent(ev)
	}

	waitErr := c.proc.Wait()
	c.mux.Detach()
	c.finish(c.buildResult(waitErr))
	c.cancel()
}

func (c *Contract) handleEvent(ev protocol.Event) {
	switch ev.Type {
	case protocol.EventReady:
		c.markReady()
	case protocol.EventMessage:
		msg, err := protocol.FirstArg(ev.Data)
		if err != nil {
			c.log.Warn("bad message event", zap.Error(err))
			return
		}
		c.mu.Lock()
		observers := append(([]func(json.RawMessage))(nil), c.onMessage...)
		c.mu.Unlock()
		for _, fn := range observers {
			fn(msg)
		}
	case protocol.EventStdout:
		args, err := protocol.DecodeArgs(ev.Data)
		if err != nil {
			c.log.Warn("bad stdout event", zap.Error(err))
			return
		}
		line := protocol.FormatArgs(args)
		c.output.WriteString(line)
		c.output.WriteByte('\n')
		if c.cfg.stdout != nil {
			fmt.Fprintln(c.cfg.stdout, line)
		}
		c.mu.Lock()
		observers := append(([]func(string))(nil), c.onStdout...)
		c.mu.Unlock()
		for _, fn := range observers {
			fn(line)
		}
	case protocol.EventResult:
		var data protocol.ResultData
		if err := ev.Decode(&data); err != nil {
			c.log.Warn("bad result event", zap.Error(err))
			return
		}
		c.data = &data
	default:
		c.log.Warn("unknown event", zap.String("type", ev.Type))
	}
}

// markReady flushes queued messages and honors an earlier CloseInput.
func (c *Contract) markReady() {
	c.mu.Lock()
	if c.ready {
		c.mu.Unlock()
		return
	}
	c.ready = true
	for _, ev := range c.queue {
		if err := c.events.Send(ev); err != nil {
			c.log.Warn("send queued message", zap.Error(err))
			break
		}
	}
	c.queue = nil
	if err := c.events.Flush(); err != nil {
		c.log.Warn("flush queued messages", zap.Error(err))
	}
	if c.inputShut {
		if err := c.proc.CloseInput(); err != nil {
			c.log.Debug("close contract input", zap.Error(err))
		}
	}
	observers := append(([]func())(nil), c.onReady...)
	c.mu.Unlock()

	for _, fn := range observers {
		fn()
	}
}

func (c *Contract) buildResult(waitErr error) Result {
	r := Result{
		Output:   c.output.String(),
		Duration: time.Since(c.start),
	}

	c.mu.Lock()
	reason := c.stopReason
	c.mu.Unlock()

	switch {
	case reason != nil:
		r.Error = reason
	case c.data == nil:
		msg := strings.TrimSpace(c.stderr.String())
		if msg == "" && waitErr != nil {
			msg = waitErr.Error()
		}
		r.Error = fmt.Errorf("contract exited without a result: %s", msg)
	case c.data.Error != "":
		r.Error = &ScriptError{Message: c.data.Error}
	default:
		r.Value = string(c.data.Value)
	}
	return r
}

func (c *Contract) finish(r Result) {
	c.mu.Lock()
	c.finished = true
	c.queue = nil
	c.mu.Unlock()

	c.result = r
	c.exec.metrics.run(r)
	if r.Error != nil {
		c.log.Debug("contract failed", zap.Error(r.Error), zap.Duration("duration", r.Duration))
	} else {
		c.log.Debug("contract finished", zap.Duration("duration", r.Duration))
	}
	close(c.done)
}

// registryHandler serves capability calls from reg, each on its own
// goroutine so a slow call never blocks the frame reader.
func registryHandler(ctx context.Context, reg *hostfunc.Registry) Handler {
	return func(msg *protocol.Message, cb Callback) {
		go func() {
			v, err := reg.Call(ctx, msg.API, msg.Method, msg.Data)
			if err != nil {
				cb(err)
				return
			}
			if results, ok := v.(hostfunc.Results); ok {
				cb(nil, results...)
				return
			}
			cb(nil, v)
		}()
	}
}

// limitedBuffer keeps the first max bytes written to it.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
