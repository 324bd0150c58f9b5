package shim

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/caffeineduck/contractbox/protocol"
	"github.com/caffeineduck/contractbox/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventLog collects what the shim sends. It is deliberately not an
// io.Reader so the context does not try to read inbound events from it.
type eventLog struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *eventLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *eventLog) events(t *testing.T) []protocol.Event {
	t.Helper()
	l.mu.Lock()
	data := append([]byte(nil), l.buf.Bytes()...)
	l.mu.Unlock()

	dec := protocol.NewEventDecoder(bytes.NewReader(data))
	var events []protocol.Event
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

// duplex joins an inbound reader and the event log into one IPC channel.
type duplex struct {
	io.Reader
	*eventLog
}

func run(t *testing.T, src string, opts ...Option) []protocol.Event {
	t.Helper()
	log := &eventLog{}
	c := New(log, opts...)
	require.NoError(t, c.Load(strings.NewReader(src)))
	require.NoError(t, c.Run())
	assert.Equal(t, StateExited, c.State())
	return log.events(t)
}

func lastResult(t *testing.T, events []protocol.Event) protocol.ResultData {
	t.Helper()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, protocol.EventResult, last.Type)
	var res protocol.ResultData
	require.NoError(t, last.Decode(&res))
	return res
}

func ofType(events []protocol.Event, typ string) []string {
	var out []string
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, string(ev.Data))
		}
	}
	return out
}

func TestCompletionValue(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"arithmetic", "1+1", "2"},
		{"string", "'a' + 'b'", `"ab"`},
		{"object", "({a: [1, 2]})", `{"a":[1,2]}`},
		{"null", "null", "null"},
		{"undefined", "undefined", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := run(t, tt.src)
			require.Len(t, events, 1, "no work left means a single result and no ready")
			res := lastResult(t, events)
			assert.Empty(t, res.Error)
			assert.Equal(t, tt.want, string(res.Value))
		})
	}
}

func TestConsoleOutput(t *testing.T) {
	events := run(t, "console.log(7); 42")

	require.Len(t, events, 2)
	assert.Equal(t, []string{"[7]"}, ofType(events, protocol.EventStdout))
	assert.Equal(t, "42", string(lastResult(t, events).Value))
}

func TestOutputAliases(t *testing.T) {
	events := run(t, `
		console.info('i');
		console.warn('w');
		console.error('e', 1);
		print('p');
		process.stdout.write('s');
	`)
	assert.Equal(t,
		[]string{`["i"]`, `["w"]`, `["e",1]`, `["p"]`, `["s"]`},
		ofType(events, protocol.EventStdout))
}

func TestScriptErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"reference error", "missing.value", "ReferenceError: missing is not defined"},
		{"thrown error", "throw new TypeError('bad input')", "TypeError: bad input"},
		{"thrown primitive", "throw 'plain'", "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := lastResult(t, run(t, tt.src))
			assert.Equal(t, tt.want, res.Error)
			assert.Empty(t, res.Value)
		})
	}

	t.Run("syntax error", func(t *testing.T) {
		res := lastResult(t, run(t, "function ("))
		assert.True(t, strings.HasPrefix(res.Error, "SyntaxError"), res.Error)
	})
}

func TestRestrictedGlobals(t *testing.T) {
	res := lastResult(t, run(t, "[typeof require, typeof module, typeof exports, typeof onmessage].join()"))
	assert.Equal(t, `"undefined,undefined,undefined,object"`, string(res.Value))

	res = lastResult(t, run(t, "require('fs')"))
	assert.Equal(t, "ReferenceError: require is not defined", res.Error)
	assert.Empty(t, res.Value)
}

func TestTimers(t *testing.T) {
	t.Run("timeout keeps the run alive", func(t *testing.T) {
		events := run(t, `setTimeout(function (x) { postMessage(x) }, 5, 'fired'); 'scheduled'`)
		assert.Equal(t, protocol.EventReady, events[0].Type)
		assert.Equal(t, []string{`["fired"]`}, ofType(events, protocol.EventMessage))
		assert.Equal(t, `"scheduled"`, string(lastResult(t, events).Value))
	})

	t.Run("cleared timeout never fires", func(t *testing.T) {
		events := run(t, `var id = setTimeout(function () { postMessage('no') }, 5); clearTimeout(id)`)
		require.Len(t, events, 1)
		assert.Empty(t, ofType(events, protocol.EventMessage))
	})

	t.Run("interval until cleared", func(t *testing.T) {
		events := run(t, `
			var n = 0;
			var id = setInterval(function () {
				n++;
				postMessage(n);
				if (n === 3) clearInterval(id);
			}, 1);
		`)
		assert.Equal(t, []string{"[1]", "[2]", "[3]"}, ofType(events, protocol.EventMessage))
	})

	t.Run("out of range delays run after 1ms", func(t *testing.T) {
		start := time.Now()
		events := run(t, `
			setTimeout(function () { postMessage('huge') }, 1e20);
			setTimeout(function () { postMessage('negative') }, -5);
			setTimeout(function () { postMessage('nan') }, 'soon');
		`)
		assert.ElementsMatch(t, []string{`["huge"]`, `["negative"]`, `["nan"]`}, ofType(events, protocol.EventMessage))
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("error in callback finalizes", func(t *testing.T) {
		start := time.Now()
		events := run(t, `
			setInterval(function () {}, 10000);
			setTimeout(function () { throw new RangeError('late') }, 1);
		`)
		assert.Equal(t, "RangeError: late", lastResult(t, events).Error)
		assert.Less(t, time.Since(start), 5*time.Second)
	})
}

func TestUnserializableArgumentsThrow(t *testing.T) {
	events := run(t, `
		var o = {}; o.self = o;
		var caught = [];
		try { postMessage(o) } catch (e) { caught.push(e.name) }
		try { console.log('a', o) } catch (e) { caught.push(e.name) }
		caught.join()
	`)
	assert.Empty(t, ofType(events, protocol.EventMessage))
	assert.Empty(t, ofType(events, protocol.EventStdout))
	assert.Equal(t, `"TypeError,TypeError"`, string(lastResult(t, events).Value))

	res := lastResult(t, run(t, "var o = {}; o.self = o; postMessage(o)"))
	assert.Contains(t, res.Error, "TypeError")
}

func TestExit(t *testing.T) {
	events := run(t, `
		setInterval(function () {}, 10000);
		try { process.exit() } catch (e) { postMessage('caught') }
		postMessage('after');
	`)
	assert.Empty(t, ofType(events, protocol.EventMessage))
	res := lastResult(t, events)
	assert.Empty(t, res.Error)
}

func TestExitFromCallback(t *testing.T) {
	events := run(t, `
		onmessage = function () {};
		setTimeout(function () { postMessage('bye'); process.exit(); postMessage('never') }, 1);
		'started'
	`)
	assert.Equal(t, []string{`["bye"]`}, ofType(events, protocol.EventMessage))
	assert.Equal(t, `"started"`, string(lastResult(t, events).Value))
}

func TestOnMessageEcho(t *testing.T) {
	const n = 5
	pr, pw := io.Pipe()
	log := &eventLog{}

	go func() {
		enc := protocol.NewEventEncoder(pw)
		for i := range n {
			ev, _ := protocol.NewEvent(protocol.EventMessage, i)
			_ = enc.SendNow(ev)
		}
		pw.Close()
	}()

	c := New(duplex{Reader: pr, eventLog: log})
	require.NoError(t, c.Load(strings.NewReader(`onmessage = function (m) { postMessage(m) }`)))
	require.NoError(t, c.Run())

	events := log.events(t)
	assert.Equal(t, protocol.EventReady, events[0].Type)
	assert.Equal(t, []string{"[0]", "[1]", "[2]", "[3]", "[4]"}, ofType(events, protocol.EventMessage))
	lastResult(t, events)
}

func TestClearingOnMessageFinishes(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	log := &eventLog{}

	go func() {
		enc := protocol.NewEventEncoder(pw)
		for i := range 5 {
			ev, _ := protocol.NewEvent(protocol.EventMessage, i)
			if enc.SendNow(ev) != nil {
				return
			}
		}
		// Input stays open.
	}()

	c := New(duplex{Reader: pr, eventLog: log})
	require.NoError(t, c.Load(strings.NewReader(`
		var n = 0;
		onmessage = function (m) {
			postMessage(m);
			if (++n === 3) onmessage = null;
		};
	`)))

	done := make(chan error, 1)
	go func() { done <- c.Run() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("contract did not finish after clearing onmessage")
	}

	events := log.events(t)
	assert.Equal(t, []string{"[0]", "[1]", "[2]"}, ofType(events, protocol.EventMessage))
	lastResult(t, events)
}

type mapFiles map[string]string

func (m mapFiles) ReadFile(p string) ([]byte, error) {
	data, ok := m[p]
	if !ok {
		return nil, vfs.ErrNotFound
	}
	return []byte(data), nil
}

func TestReadFile(t *testing.T) {
	files := mapFiles{"/data.txt": "contents"}

	res := lastResult(t, run(t, `readFile('/data.txt')`, WithFiles(files)))
	assert.Equal(t, `"contents"`, string(res.Value))

	res = lastResult(t, run(t, `
		var r;
		try { readFile('/missing') } catch (e) { r = [e instanceof Error, e.code].join() }
		r
	`, WithFiles(files)))
	assert.Equal(t, `"true,ENOENT"`, string(res.Value))

	res = lastResult(t, run(t, `var r; try { readFile('/x') } catch (e) { r = e.code }; r`))
	assert.Equal(t, `"ENOENT"`, string(res.Value))
}

// fakeHost answers capability calls on the host end of a frame channel:
// synchronous calls immediately, asynchronous ones on the next poll.
func fakeHost(t *testing.T, conn net.Conn, handle func(msg protocol.Message) (errJSON, result string)) {
	t.Helper()
	go func() {
		var pending []protocol.Frame
		for {
			frame, err := protocol.ReadFrame(conn)
			if err != nil {
				return
			}
			var msg protocol.Message
			if err := json.Unmarshal(frame.Payload, &msg); err != nil {
				return
			}
			if msg.Type == protocol.TypeRequestAsyncResponse {
				if len(pending) == 0 {
					_ = protocol.WriteFrame(conn, 0, nil)
					continue
				}
				next := pending[0]
				pending = pending[1:]
				_ = protocol.WriteFrame(conn, next.CallbackID, next.Payload)
				continue
			}

			errJSON, result := handle(msg)
			reply, _ := json.Marshal(protocol.Reply{
				Type:   protocol.TypeCallback,
				Error:  json.RawMessage(errJSON),
				Result: json.RawMessage(result),
			})
			if frame.CallbackID == 0 {
				_ = protocol.WriteFrame(conn, 0, reply)
			} else {
				pending = append(pending, protocol.Frame{CallbackID: frame.CallbackID, Payload: reply})
			}
		}
	}()
}

func mathHost(msg protocol.Message) (string, string) {
	if msg.Method != "add" {
		return `{"name":"ApiDispatchError","message":"Unknown method: ` + msg.Method + `","code":"ENOSYS"}`, "null"
	}
	var args struct{ A, B int }
	_ = json.Unmarshal(msg.Data, &args)
	sum, _ := json.Marshal(args.A + args.B)
	return "null", string(sum)
}

func TestHostCall(t *testing.T) {
	guest, host := net.Pipe()
	t.Cleanup(func() { guest.Close(); host.Close() })
	fakeHost(t, host, mathHost)

	res := lastResult(t, run(t, `host.call('math', 'add', {a: 2, b: 3})`, WithFrameChannel(guest)))
	assert.Equal(t, "5", string(res.Value))

	res = lastResult(t, run(t, `
		var r;
		try { host.call('math', 'mul', {}) } catch (e) { r = [e.name, e.message, e.code].join('|') }
		r
	`, WithFrameChannel(guest)))
	assert.Equal(t, `"ApiDispatchError|Unknown method: mul|ENOSYS"`, string(res.Value))
}

func TestHostCallAsync(t *testing.T) {
	guest, host := net.Pipe()
	t.Cleanup(func() { guest.Close(); host.Close() })
	fakeHost(t, host, mathHost)

	events := run(t, `
		host.callAsync('math', 'add', {a: 1, b: 1}, function (err, sum) { postMessage([err, sum]) });
		host.callAsync('math', 'nope', {}, function (err) { postMessage(err.message) });
		'pending'
	`, WithFrameChannel(guest), WithPollInterval(time.Millisecond))

	assert.Equal(t,
		[]string{`[[null,2]]`, `["Unknown method: nope"]`},
		ofType(events, protocol.EventMessage))
	assert.Equal(t, `"pending"`, string(lastResult(t, events).Value))
}

func TestHostCallWithoutChannel(t *testing.T) {
	res := lastResult(t, run(t, `var r; try { host.call('a', 'b') } catch (e) { r = e.message }; r`))
	assert.Equal(t, `"`+ErrNoChannel.Error()+`"`, string(res.Value))
}

func TestMainFailures(t *testing.T) {
	log := &eventLog{}
	code := Main([]string{"only-root"}, strings.NewReader("1"), duplex{Reader: strings.NewReader(""), eventLog: log}, nil)
	assert.Equal(t, ExitFailed, code)

	code = Main([]string{t.TempDir(), vfs.Digest([]byte("x"))}, strings.NewReader("1"),
		duplex{Reader: strings.NewReader(""), eventLog: log}, nil)
	assert.Equal(t, ExitFailed, code)
	assert.Empty(t, log.events(t), "a failed shim emits nothing")
}

func TestMainRunsContract(t *testing.T) {
	log := &eventLog{}
	code := Main(nil, strings.NewReader("6*7"), duplex{Reader: strings.NewReader(""), eventLog: log}, nil)
	assert.Equal(t, ExitOK, code)
	assert.Equal(t, "42", string(lastResult(t, log.events(t)).Value))
}
