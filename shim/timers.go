package shim

import (
	"math"
	"time"

	"github.com/dop251/goja"
)

const minTimerDelay = time.Millisecond

// Delays outside [1, maxTimerDelayMs] milliseconds, NaN included, run
// after minTimerDelay.
const maxTimerDelayMs = math.MaxInt32

type timer struct {
	id     int64
	fn     goja.Callable
	args   []goja.Value
	delay  time.Duration
	repeat bool
	t      *time.Timer
}

func (t *timer) stop() {
	if t.t != nil {
		t.t.Stop()
	}
}

func (c *ExecutionContext) schedule(call goja.FunctionCall, repeat bool) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(c.vm.NewTypeError("timer callback must be a function"))
	}
	delay := minTimerDelay
	if ms := call.Argument(1).ToFloat(); ms >= 1 && ms <= maxTimerDelayMs {
		delay = time.Duration(ms) * time.Millisecond
	}
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}

	c.nextTimerID++
	t := &timer{id: c.nextTimerID, fn: fn, args: args, delay: delay, repeat: repeat}
	c.timers[t.id] = t
	c.arm(t)
	return c.vm.ToValue(t.id)
}

func (c *ExecutionContext) arm(t *timer) {
	t.t = time.AfterFunc(t.delay, func() {
		c.post(func() { c.fire(t) })
	})
}

func (c *ExecutionContext) fire(t *timer) {
	if c.timers[t.id] != t {
		return
	}
	if !t.repeat {
		delete(c.timers, t.id)
	}
	c.invoke(t.fn, t.args...)
	if t.repeat && c.timers[t.id] == t && !c.exited && !c.aborted {
		c.arm(t)
	}
}

func (c *ExecutionContext) clearTimer(call goja.FunctionCall) goja.Value {
	id := call.Argument(0).ToInteger()
	if t, ok := c.timers[id]; ok {
		t.stop()
		delete(c.timers, id)
	}
	return goja.Undefined()
}
