package shim

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/caffeineduck/contractbox/protocol"
)

// ErrNoChannel is returned by an RPCClient with no frame channel.
var ErrNoChannel = errors.New("host capabilities unavailable")

// RPCClient is the guest end of the frame channel. Every request that
// expects an answer (a synchronous call or a poll) reads exactly one frame
// back, so requests must not overlap; the client serializes them.
type RPCClient struct {
	mu sync.Mutex
	rw io.ReadWriter
}

// NewRPCClient returns a client speaking over rw. rw may be nil, in which
// case every request fails with ErrNoChannel.
func NewRPCClient(rw io.ReadWriter) *RPCClient {
	return &RPCClient{rw: rw}
}

func (c *RPCClient) send(callbackID uint32, msg *protocol.Message) error {
	if c.rw == nil {
		return ErrNoChannel
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return protocol.WriteFrame(c.rw, callbackID, payload)
}

func decodeReply(payload []byte) (*protocol.Reply, error) {
	var reply protocol.Reply
	if err := json.Unmarshal(payload, &reply); err != nil {
		return nil, &protocol.MessageParseError{Err: err}
	}
	return &reply, nil
}

// Call performs a synchronous capability call and waits for its reply.
func (c *RPCClient) Call(msg *protocol.Message) (*protocol.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(0, msg); err != nil {
		return nil, err
	}
	frame, err := protocol.ReadFrame(c.rw)
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	return decodeReply(frame.Payload)
}

// Submit sends an asynchronous call. Its reply is collected later by Poll.
func (c *RPCClient) Submit(callbackID uint32, msg *protocol.Message) error {
	if callbackID == 0 {
		return protocol.ErrInvalidCallbackID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(callbackID, msg)
}

// Poll asks the host for the oldest finished asynchronous reply. It returns
// a nil reply when none is ready.
func (c *RPCClient) Poll() (uint32, *protocol.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(0, &protocol.Message{Type: protocol.TypeRequestAsyncResponse}); err != nil {
		return 0, nil, err
	}
	frame, err := protocol.ReadFrame(c.rw)
	if err != nil {
		return 0, nil, fmt.Errorf("read async reply: %w", err)
	}
	if len(frame.Payload) == 0 {
		return 0, nil, nil
	}
	reply, err := decodeReply(frame.Payload)
	if err != nil {
		return frame.CallbackID, nil, err
	}
	return frame.CallbackID, reply, nil
}
