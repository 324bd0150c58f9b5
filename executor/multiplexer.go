package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/caffeineduck/contractbox/protocol"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Callback answers one guest call. err may be nil, an error, a string or any
// JSON-serializable value. results carries zero, one or two values; two
// values reach the guest as a two-element array.
//
// A Callback may be invoked from any goroutine, at most once.
type Callback func(err any, results ...any)

// Handler serves "api" messages. It must eventually invoke cb exactly once.
type Handler func(msg *protocol.Message, cb Callback)

type pendingResponse struct {
	callbackID uint32
	payload    []byte
}

// Multiplexer routes frames from the guest's frame channel to a Handler and
// writes replies back. Synchronous calls (callback id 0) are answered as soon
// as the handler calls back; asynchronous calls are queued until the guest
// asks for them with a request_async_response message.
//
// Every write is a no-op once the channel is closed, which is the normal
// state of affairs after the guest has been killed.
type Multiplexer struct {
	log     *zap.Logger
	metrics *Metrics
	limiter *rate.Limiter

	mu      sync.Mutex
	handler Handler
	channel io.Writer
	gen     uint64
	closed  bool
	pending []pendingResponse
	onClose []func(error)
}

// MultiplexerOption configures a Multiplexer.
type MultiplexerOption func(*Multiplexer)

// WithMultiplexerLogger sets the logger used for diagnostics.
func WithMultiplexerLogger(log *zap.Logger) MultiplexerOption {
	return func(m *Multiplexer) {
		m.log = log
	}
}

// WithMultiplexerMetrics records frame and error counts in metrics.
func WithMultiplexerMetrics(metrics *Metrics) MultiplexerOption {
	return func(m *Multiplexer) {
		m.metrics = metrics
	}
}

// WithCallLimiter refuses api calls that exceed the limiter's budget.
func WithCallLimiter(limiter *rate.Limiter) MultiplexerOption {
	return func(m *Multiplexer) {
		m.limiter = limiter
	}
}

// NewMultiplexer returns a multiplexer with no channel and no handler.
func NewMultiplexer(opts ...MultiplexerOption) *Multiplexer {
	m := &Multiplexer{log: zap.NewNop(), closed: true}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetHandler installs or replaces the capability handler.
func (m *Multiplexer) SetHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// OnClose registers fn to run when the attached channel ends. err is nil on
// a clean EOF and a *protocol.ProtocolError when the stream was corrupt.
func (m *Multiplexer) OnClose(fn func(err error)) {
	m.mu.Lock()
	m.onClose = append(m.onClose, fn)
	m.mu.Unlock()
}

// Attach binds ch as the frame channel and starts reading frames from it.
// A previously attached channel is detached first: its reader stops
// delivering and its queued async replies are dropped.
func (m *Multiplexer) Attach(ch io.ReadWriter) {
	gen := m.bind(ch)
	go m.readLoop(gen, ch)
}

// Detach unbinds the current channel. Later writes are no-ops.
func (m *Multiplexer) Detach() {
	m.bind(nil)
}

func (m *Multiplexer) bind(ch io.Writer) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.channel = ch
	m.closed = ch == nil
	m.metrics.queued(-len(m.pending))
	m.pending = nil
	return m.gen
}

// Pending returns the number of queued async replies.
func (m *Multiplexer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Multiplexer) readLoop(gen uint64, r io.Reader) {
	parser := protocol.NewParser()
	parser.OnMessage(func(payload []byte, callbackID uint32) {
		if err := m.dispatch(gen, payload, int64(callbackID)); err != nil {
			m.log.Warn("frame rejected", zap.Error(err))
		}
	})

	buf := make([]byte, 32<<10)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if !m.current(gen) {
				return
			}
			if _, perr := parser.Write(buf[:n]); perr != nil {
				m.metrics.dispatchError("protocol")
				m.log.Error("frame stream corrupt", zap.Error(perr))
				m.closeStream(gen, perr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			m.closeStream(gen, err)
			return
		}
	}
}

func (m *Multiplexer) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

func (m *Multiplexer) closeStream(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.closed = true
	observers := append(([]func(error))(nil), m.onClose...)
	m.mu.Unlock()

	for _, fn := range observers {
		fn(err)
	}
}

// HandleFrame processes one decoded frame as if it had been read from the
// attached channel. A negative callback id cannot come off the wire and is
// rejected with protocol.ErrInvalidCallbackID.
func (m *Multiplexer) HandleFrame(payload []byte, callbackID int64) error {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	return m.dispatch(gen, payload, callbackID)
}

func (m *Multiplexer) dispatch(gen uint64, payload []byte, callbackID int64) error {
	if !m.current(gen) {
		return nil
	}
	if callbackID < 0 {
		m.metrics.dispatchError("callback_id")
		return fmt.Errorf("%w: %d", protocol.ErrInvalidCallbackID, callbackID)
	}
	cb := m.callback(gen, uint32(callbackID))

	var msg protocol.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		m.metrics.dispatchError("parse")
		cb(&protocol.MessageParseError{Err: err})
		return nil
	}

	switch msg.Type {
	case protocol.TypeRequestAsyncResponse:
		m.metrics.frame("poll")
		m.writeNextAsyncResponse(gen)

	case protocol.TypeAPI:
		if callbackID == 0 {
			m.metrics.frame("sync")
		} else {
			m.metrics.frame("async")
		}
		m.mu.Lock()
		handler := m.handler
		m.mu.Unlock()
		if handler == nil {
			m.metrics.dispatchError("no_handler")
			cb(protocol.DispatchErrorf("No API provided to handle message"))
			return nil
		}
		if m.limiter != nil && !m.limiter.Allow() {
			m.metrics.dispatchError("rate_limited")
			cb(protocol.DispatchErrorf("Call rate limit exceeded"))
			return nil
		}
		handler(&msg, cb)

	case "":
		m.metrics.dispatchError("validation")
		cb(protocol.DispatchErrorf("Must supply message type"))

	default:
		m.metrics.dispatchError("validation")
		cb(protocol.DispatchErrorf("Invalid message type: %s", msg.Type))
	}
	return nil
}

// callback returns the reply path for one call: an immediate write for
// synchronous calls, a queued response for asynchronous ones.
func (m *Multiplexer) callback(gen uint64, callbackID uint32) Callback {
	var once sync.Once
	return func(err any, results ...any) {
		first := false
		once.Do(func() { first = true })
		if !first {
			m.log.Warn("callback invoked more than once", zap.Uint32("callback_id", callbackID))
			return
		}

		payload := m.encodeReply(err, results)
		if callbackID == 0 {
			m.write(gen, protocol.Encode(0, payload))
			return
		}
		m.enqueue(gen, callbackID, payload)
	}
}

func (m *Multiplexer) encodeReply(err any, results []any) []byte {
	reply := protocol.Reply{Type: protocol.TypeCallback}
	if err != nil {
		reply.Error = m.marshalValue(normalizeError(err, m.log))
	}
	reply.Result = m.marshalValue(resultValue(results))

	data, jerr := json.Marshal(reply)
	if jerr != nil {
		// Error and Result are already valid JSON.
		m.log.Error("marshal reply", zap.Error(jerr))
		data = []byte(`{"type":"callback","error":null,"result":null}`)
	}
	return data
}

func (m *Multiplexer) marshalValue(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		m.log.Warn("dropping unserializable value", zap.String("type", fmt.Sprintf("%T", v)), zap.Error(err))
		return nil
	}
	return data
}

func resultValue(results []any) any {
	switch {
	case len(results) == 0:
		return nil
	case len(results) >= 2 && results[1] != nil:
		return []any{results[0], results[1]}
	default:
		return results[0]
	}
}

func (m *Multiplexer) enqueue(gen uint64, callbackID uint32, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.pending = append(m.pending, pendingResponse{callbackID: callbackID, payload: payload})
	m.metrics.queued(1)
}

func (m *Multiplexer) writeNextAsyncResponse(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.closed || m.channel == nil {
		return
	}

	if len(m.pending) == 0 {
		m.writeLocked(protocol.Encode(0, nil))
		return
	}
	next := m.pending[0]
	m.pending = m.pending[1:]
	m.metrics.queued(-1)
	m.writeLocked(protocol.Encode(next.callbackID, next.payload))
}

func (m *Multiplexer) write(gen uint64, frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.writeLocked(frame)
}

func (m *Multiplexer) writeLocked(frame []byte) {
	if m.closed || m.channel == nil {
		return
	}
	if _, err := m.channel.Write(frame); err != nil {
		m.log.Debug("frame channel closed", zap.Error(err))
		m.closed = true
	}
}
