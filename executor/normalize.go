package executor

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"go.uber.org/zap"
)

type namedError interface {
	Name() string
}

type stackError interface {
	Stack() string
}

// normalizeError turns a handler's error value into something that can cross
// the boundary as JSON. Errors flatten to an object carrying name, message,
// stack and their exported fields; strings become {message}; other values
// pass through if they serialize and are dropped otherwise.
func normalizeError(v any, log *zap.Logger) any {
	switch e := v.(type) {
	case nil:
		return nil
	case error:
		return flattenError(e)
	case string:
		return map[string]any{"message": e}
	case json.RawMessage:
		return e
	}
	if _, err := json.Marshal(v); err != nil {
		log.Warn("strange error value dropped", zap.String("type", fmt.Sprintf("%T", v)), zap.Error(err))
		return nil
	}
	return v
}

func flattenError(err error) map[string]any {
	out := exportedFields(err)
	if out == nil {
		out = make(map[string]any)
	}

	name := "Error"
	if n, ok := err.(namedError); ok {
		name = n.Name()
	}
	out["name"] = name
	out["message"] = err.Error()
	if s, ok := err.(stackError); ok {
		out["stack"] = s.Stack()
	}
	return out
}

// exportedFields collects the JSON-serializable exported fields of a struct
// error. Nested errors are skipped; their text is already part of Error().
func exportedFields(err error) map[string]any {
	v := reflect.ValueOf(err)
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}

	t := v.Type()
	fields := make(map[string]any)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		value := v.Field(i).Interface()
		if _, isErr := value.(error); isErr {
			continue
		}

		key := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			name, _, _ := strings.Cut(tag, ",")
			if name == "-" {
				continue
			}
			if name != "" {
				key = name
			}
		}
		if _, err := json.Marshal(value); err != nil {
			continue
		}
		fields[key] = value
	}
	return fields
}
