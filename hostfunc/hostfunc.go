package hostfunc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/caffeineduck/contractbox/protocol"
)

// Func implements one capability method. args is the call's data: the
// decoded object when the guest passed one, otherwise {"args": [...]} holding
// the positional values.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Results lets a Func answer with more than one value. The guest receives
// them as an array.
type Results []any

type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds fn under name, written "api.method".
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	return fn, ok
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) hasAPI(api string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name := range r.funcs {
		if strings.HasPrefix(name, api+".") {
			return true
		}
	}
	return false
}

// Call dispatches one guest call. A trailing "Sync" on the method name is
// ignored, so readFileSync and readFile reach the same Func.
func (r *Registry) Call(ctx context.Context, api, method string, data json.RawMessage) (any, error) {
	method = strings.TrimSuffix(method, "Sync")
	fn, ok := r.Get(api + "." + method)
	if !ok {
		if !r.hasAPI(api) {
			return nil, protocol.DispatchErrorf("Unhandled api type: %s", api)
		}
		return nil, protocol.DispatchErrorf("Unhandled %s method: %s", api, method)
	}

	args, err := DecodeArgs(data)
	if err != nil {
		return nil, protocol.DispatchErrorf("Invalid arguments for %s.%s: %v", api, method, err)
	}
	return fn(ctx, args)
}

// DecodeArgs turns call data into a Func's argument map.
func DecodeArgs(data json.RawMessage) (map[string]any, error) {
	if len(data) == 0 || string(data) == "null" {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	switch v := v.(type) {
	case map[string]any:
		return v, nil
	case []any:
		return map[string]any{"args": v}, nil
	default:
		return map[string]any{"args": []any{v}}, nil
	}
}

// stringArg reads a named argument, falling back to a positional one.
func stringArg(args map[string]any, key string, index int) (string, bool) {
	if s, ok := args[key].(string); ok {
		return s, true
	}
	if v, ok := positional(args, index); ok {
		s, ok := v.(string)
		return s, ok
	}
	return "", false
}

func numberArg(args map[string]any, key string, index int) (float64, bool) {
	if n, ok := args[key].(float64); ok {
		return n, true
	}
	if v, ok := positional(args, index); ok {
		n, ok := v.(float64)
		return n, ok
	}
	return 0, false
}

func positional(args map[string]any, index int) (any, bool) {
	list, ok := args["args"].([]any)
	if !ok || index >= len(list) {
		return nil, false
	}
	return list[index], true
}

func argError(name string) error {
	return fmt.Errorf("%s required", name)
}
