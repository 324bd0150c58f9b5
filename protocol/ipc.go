package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Process IPC event types.
const (
	EventReady   = "ready"
	EventMessage = "message"
	EventStdout  = "stdout"
	EventResult  = "result"
)

// Event is one lifecycle message on the process IPC channel. Data holds JSON
// text produced by the guest's serializer (or by the host for inbound
// messages); it is never interpreted by the transport.
type Event struct {
	Type string `cbor:"type"`
	Data []byte `cbor:"data,omitempty"`
}

// NewEvent marshals v to JSON and wraps it in an event of the given type.
func NewEvent(typ string, v any) (Event, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s event: %w", typ, err)
	}
	return Event{Type: typ, Data: data}, nil
}

// Decode unmarshals the event's JSON data into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// EventEncoder writes events to a stream. Events are buffered until Flush,
// which lets the guest batch synchronous console output; Send is safe for
// concurrent use.
type EventEncoder struct {
	mu  sync.Mutex
	bw  *bufio.Writer
	enc *cbor.Encoder
}

// NewEventEncoder returns an encoder writing to w.
func NewEventEncoder(w io.Writer) *EventEncoder {
	bw := bufio.NewWriter(w)
	return &EventEncoder{bw: bw, enc: encMode.NewEncoder(bw)}
}

// Send buffers one event.
func (e *EventEncoder) Send(ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(ev); err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	return nil
}

// Flush writes all buffered events to the underlying stream.
func (e *EventEncoder) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bw.Flush()
}

// SendNow buffers one event and flushes.
func (e *EventEncoder) SendNow(ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(ev); err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	return e.bw.Flush()
}

// EventDecoder reads events from a stream.
type EventDecoder struct {
	dec *cbor.Decoder
}

// NewEventDecoder returns a decoder reading from r.
func NewEventDecoder(r io.Reader) *EventDecoder {
	return &EventDecoder{dec: decMode.NewDecoder(r)}
}

// Next blocks until the next event arrives. It returns io.EOF once the peer
// has closed the stream.
func (d *EventDecoder) Next() (Event, error) {
	var ev Event
	if err := d.dec.Decode(&ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}
