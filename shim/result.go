package shim

import (
	"encoding/json"
	"errors"

	"github.com/dop251/goja"
)

// jsonText serializes v with the interpreter's own JSON.stringify. ok is
// false when v has no JSON form (undefined, a function) or serialization
// threw.
func (c *ExecutionContext) jsonText(v goja.Value) (string, bool) {
	if v == nil || goja.IsUndefined(v) {
		return "", false
	}
	out, err := c.stringify(goja.Undefined(), v)
	if err != nil || out == nil || goja.IsUndefined(out) {
		return "", false
	}
	return out.String(), true
}

// jsonValue is the result form of a completion value. Values JSON cannot
// express fall back to their string form.
func (c *ExecutionContext) jsonValue(v goja.Value) json.RawMessage {
	if v == nil || goja.IsUndefined(v) {
		return nil
	}
	if text, ok := c.jsonText(v); ok {
		return json.RawMessage(text)
	}
	raw, _ := json.Marshal(v.String())
	return raw
}

func (c *ExecutionContext) parseJSON(raw []byte) goja.Value {
	if len(raw) == 0 {
		return goja.Undefined()
	}
	v, err := c.parse(goja.Undefined(), c.vm.ToValue(string(raw)))
	if err != nil {
		return goja.Undefined()
	}
	return v
}

func (c *ExecutionContext) newError(message, code string) *goja.Object {
	obj, err := c.vm.New(c.errorCtor, c.vm.ToValue(message))
	if err != nil {
		return c.vm.NewTypeError(message)
	}
	if code != "" {
		_ = obj.Set("code", code)
	}
	return obj
}

// errorFromJSON rebuilds a host error as a script Error carrying every field
// the host sent.
func (c *ExecutionContext) errorFromJSON(raw []byte) goja.Value {
	v := c.parseJSON(raw)
	fields, ok := v.(*goja.Object)
	if !ok {
		return c.newError(v.String(), "")
	}

	message := ""
	if m := fields.Get("message"); m != nil && !goja.IsUndefined(m) {
		message = m.String()
	}
	e := c.newError(message, "")
	for _, key := range fields.Keys() {
		_ = e.Set(key, fields.Get(key))
	}
	return e
}

// formatError renders an uncaught script error as "Name: message".
func formatError(err error) string {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		if obj, ok := exc.Value().(*goja.Object); ok {
			name, message := obj.Get("name"), obj.Get("message")
			if name != nil && !goja.IsUndefined(name) && message != nil && !goja.IsUndefined(message) {
				return name.String() + ": " + message.String()
			}
		}
		if exc.Value() != nil {
			return exc.Value().String()
		}
	}
	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return "SyntaxError: " + syntax.Message
	}
	return "Error: " + err.Error()
}
