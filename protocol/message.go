package protocol

import "encoding/json"

// Message types exchanged on the frame channel.
const (
	TypeAPI                  = "api"
	TypeRequestAsyncResponse = "request_async_response"
	TypeCallback             = "callback"
)

// Message is a guest to host envelope.
type Message struct {
	Type   string          `json:"type,omitempty"`
	API    string          `json:"api,omitempty"`
	Method string          `json:"method,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Reply is the host to guest envelope answering one call. Error and Result
// hold already-serialized JSON; a nil field encodes as null.
type Reply struct {
	Type   string          `json:"type"`
	Error  json.RawMessage `json:"error"`
	Result json.RawMessage `json:"result"`
}

// HasError reports whether the reply carries a non-null error.
func (r *Reply) HasError() bool {
	return len(r.Error) > 0 && string(r.Error) != "null"
}

// NewAPIMessage marshals data and returns an "api" envelope.
func NewAPIMessage(api, method string, data any) (*Message, error) {
	msg := &Message{Type: TypeAPI, API: api, Method: method}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}
	return msg, nil
}
