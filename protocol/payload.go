package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ResultData is the payload of a result event. Value is the JSON text of the
// contract's completion value and is absent when that value was undefined.
// Error holds "Name: message" when the contract threw.
type ResultData struct {
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

// DecodeArgs splits the data of a stdout or message event, a JSON array of
// the arguments the script passed.
func DecodeArgs(data []byte) ([]json.RawMessage, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("decode event arguments: %w", err)
	}
	return args, nil
}

// FirstArg returns the first argument of an event, or null.
func FirstArg(data []byte) (json.RawMessage, error) {
	args, err := DecodeArgs(data)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return json.RawMessage("null"), nil
	}
	return args[0], nil
}

// FormatArgs renders stdout arguments as one line of text: strings verbatim,
// everything else as JSON, separated by spaces.
func FormatArgs(args []json.RawMessage) string {
	parts := make([]string, len(args))
	for i, arg := range args {
		var s string
		if bytes.HasPrefix(arg, []byte(`"`)) && json.Unmarshal(arg, &s) == nil {
			parts[i] = s
			continue
		}
		parts[i] = string(arg)
	}
	return strings.Join(parts, " ")
}
