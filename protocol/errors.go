package protocol

import (
	"errors"
	"fmt"
)

// ErrInvalidCallbackID is returned when a frame is delivered with a callback
// id that cannot appear on the wire (negative).
var ErrInvalidCallbackID = errors.New("invalid callback id")

// ProtocolError reports a corrupt frame stream. It is fatal to the stream
// that produced it.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }

// Name identifies the error class when it is serialized for the guest.
func (e *ProtocolError) Name() string { return "ProtocolError" }

// MessageParseError reports a frame payload that is not a valid JSON
// envelope. It is recoverable: the guest receives it as a call error.
type MessageParseError struct {
	Err error
}

func (e *MessageParseError) Error() string {
	return fmt.Sprintf("Error parsing message JSON: %v", e.Err)
}

func (e *MessageParseError) Unwrap() error { return e.Err }

func (e *MessageParseError) Name() string { return "MessageParseError" }

// APIDispatchError reports a call that could not be routed: no handler,
// unknown message type, unknown api or method, or a refused call.
type APIDispatchError struct {
	Message string
}

func (e *APIDispatchError) Error() string { return e.Message }

func (e *APIDispatchError) Name() string { return "ApiDispatchError" }

// DispatchErrorf builds an *APIDispatchError.
func DispatchErrorf(format string, args ...any) error {
	return &APIDispatchError{Message: fmt.Sprintf(format, args...)}
}
