package shim

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/caffeineduck/contractbox/protocol"
	"github.com/caffeineduck/contractbox/vfs"
	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// installGlobals adds the only non-standard names a contract can reach.
func (c *ExecutionContext) installGlobals() {
	vm := c.vm

	stdout := c.sendFunc(protocol.EventStdout)
	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error"} {
		_ = console.Set(level, stdout)
	}
	_ = vm.Set("console", console)
	_ = vm.Set("print", stdout)

	stdoutObj := vm.NewObject()
	_ = stdoutObj.Set("write", stdout)
	process := vm.NewObject()
	_ = process.Set("stdout", stdoutObj)
	_ = process.Set("exit", c.exit)
	_ = vm.Set("process", process)

	_ = vm.Set("postMessage", c.sendFunc(protocol.EventMessage))
	_ = vm.Set("onmessage", goja.Null())
	_ = vm.Set("readFile", c.readFile)

	_ = vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value { return c.schedule(call, false) })
	_ = vm.Set("setInterval", func(call goja.FunctionCall) goja.Value { return c.schedule(call, true) })
	_ = vm.Set("clearTimeout", c.clearTimer)
	_ = vm.Set("clearInterval", c.clearTimer)

	host := vm.NewObject()
	_ = host.Set("call", c.hostCall)
	_ = host.Set("callAsync", c.hostCallAsync)
	_ = vm.Set("host", host)
}

// send is the single path for outbound effects: the arguments are serialized
// as one JSON array inside the interpreter. A value JSON.stringify rejects
// throws back into the script and nothing is sent.
func (c *ExecutionContext) send(event string, args ...goja.Value) {
	items := make([]any, len(args))
	for i, a := range args {
		items[i] = a
	}
	out, err := c.stringify(goja.Undefined(), c.vm.NewArray(items...))
	if err != nil {
		var exc *goja.Exception
		if errors.As(err, &exc) {
			panic(exc.Value())
		}
		panic(c.newError(err.Error(), ""))
	}
	c.emit(protocol.Event{Type: event, Data: []byte(out.String())})
}

func (c *ExecutionContext) sendFunc(event string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		c.send(event, call.Arguments...)
		return goja.Undefined()
	}
}

func (c *ExecutionContext) exit(goja.FunctionCall) goja.Value {
	c.exited = true
	c.vm.Interrupt(errExit)
	return goja.Undefined()
}

func (c *ExecutionContext) readFile(call goja.FunctionCall) goja.Value {
	path := call.Argument(0).String()
	if c.files == nil {
		panic(c.newError("ENOENT: no such file: "+path, "ENOENT"))
	}
	data, err := c.files.ReadFile(path)
	if err != nil {
		code := "EIO"
		if errors.Is(err, vfs.ErrNotFound) {
			code = "ENOENT"
		}
		panic(c.newError(code+": "+err.Error(), code))
	}
	return c.vm.ToValue(string(data))
}

func (c *ExecutionContext) apiMessage(call goja.FunctionCall) *protocol.Message {
	api, method := call.Argument(0), call.Argument(1)
	if goja.IsUndefined(api) || goja.IsUndefined(method) {
		panic(c.vm.NewTypeError("host call needs an api and a method"))
	}
	msg := &protocol.Message{Type: protocol.TypeAPI, API: api.String(), Method: method.String()}
	if data, ok := c.jsonText(call.Argument(2)); ok {
		msg.Data = json.RawMessage(data)
	}
	return msg
}

func (c *ExecutionContext) hostCall(call goja.FunctionCall) goja.Value {
	reply, err := c.rpc.Call(c.apiMessage(call))
	if err != nil {
		panic(c.newError(err.Error(), ""))
	}
	if reply.HasError() {
		panic(c.errorFromJSON(reply.Error))
	}
	return c.parseJSON(reply.Result)
}

func (c *ExecutionContext) hostCallAsync(call goja.FunctionCall) goja.Value {
	msg := c.apiMessage(call)
	cb, ok := goja.AssertFunction(call.Argument(3))
	if !ok {
		panic(c.vm.NewTypeError("host.callAsync needs a callback"))
	}

	c.nextCallbackID++
	id := c.nextCallbackID
	if err := c.rpc.Submit(id, msg); err != nil {
		panic(c.newError(err.Error(), ""))
	}
	c.slots[id] = cb
	c.schedulePoll()
	return goja.Undefined()
}

// schedulePoll arranges one poll of the async queue while calls are pending.
func (c *ExecutionContext) schedulePoll() {
	if c.polling || len(c.slots) == 0 {
		return
	}
	c.polling = true
	time.AfterFunc(c.pollInterval, func() { c.post(c.poll) })
}

func (c *ExecutionContext) poll() {
	c.polling = false
	for len(c.slots) > 0 && !c.exited && !c.aborted {
		id, reply, err := c.rpc.Poll()
		if err != nil {
			var perr *protocol.MessageParseError
			if errors.As(err, &perr) && id != 0 {
				c.deliver(id, c.newError(err.Error(), ""), goja.Undefined())
				continue
			}
			c.result = protocol.ResultData{Error: "Error: " + err.Error()}
			c.aborted = true
			return
		}
		if reply == nil {
			break
		}
		errVal := goja.Null()
		if reply.HasError() {
			errVal = c.errorFromJSON(reply.Error)
		}
		c.deliver(id, errVal, c.parseJSON(reply.Result))
	}
	c.schedulePoll()
}

// deliver consumes the callback slot for id.
func (c *ExecutionContext) deliver(id uint32, errVal, result goja.Value) {
	cb, ok := c.slots[id]
	if !ok {
		c.log.Warn("reply for unknown or consumed callback", zap.Uint32("callback_id", id))
		return
	}
	delete(c.slots, id)
	c.invoke(cb, errVal, result)
}
