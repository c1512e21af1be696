package filter

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Function is a helper callable from rule expressions.
type Function func(args ...any) (any, error)

// FunctionRegistry holds helpers keyed by lower-cased name.
type FunctionRegistry struct {
	mu        sync.RWMutex
	functions map[string]Function
}

// NewFunctionRegistry constructs an empty registry.
func NewFunctionRegistry() *FunctionRegistry {
	return &FunctionRegistry{functions: make(map[string]Function)}
}

// DefaultFunctions returns a registry with the string helpers rules commonly
// need when matching on notification fields.
func DefaultFunctions() *FunctionRegistry {
	r := NewFunctionRegistry()
	_ = r.Register("equal_fold", func(args ...any) (any, error) {
		a, err := stringArg("equal_fold", args, 0)
		if err != nil {
			return nil, err
		}
		b, err := stringArg("equal_fold", args, 1)
		if err != nil {
			return nil, err
		}
		return strings.EqualFold(a, b), nil
	})
	_ = r.Register("has_prefix", func(args ...any) (any, error) {
		s, err := stringArg("has_prefix", args, 0)
		if err != nil {
			return nil, err
		}
		prefix, err := stringArg("has_prefix", args, 1)
		if err != nil {
			return nil, err
		}
		return strings.HasPrefix(s, prefix), nil
	})
	return r
}

func stringArg(fn string, args []any, i int) (string, error) {
	if len(args) <= i {
		return "", fmt.Errorf("filter: %s expects at least %d arguments", fn, i+1)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("filter: %s argument %d must be a string, got %T", fn, i, args[i])
	}
	return s, nil
}

// Register adds fn under name. Names are case-insensitive and unique.
func (r *FunctionRegistry) Register(name string, fn Function) error {
	if name == "" {
		return fmt.Errorf("filter: function name must not be empty")
	}
	if fn == nil {
		return fmt.Errorf("filter: function %q is nil", name)
	}
	key := strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.functions == nil {
		r.functions = make(map[string]Function)
	}
	if _, exists := r.functions[key]; exists {
		return fmt.Errorf("filter: function %q already registered", name)
	}
	r.functions[key] = fn
	return nil
}

// Clone copies the registry so evaluators are unaffected by later changes.
func (r *FunctionRegistry) Clone() *FunctionRegistry {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := &FunctionRegistry{functions: make(map[string]Function, len(r.functions))}
	for name, fn := range r.functions {
		out.functions[name] = fn
	}
	return out
}

// Call invokes the helper registered as name.
func (r *FunctionRegistry) Call(name string, args ...any) (any, error) {
	if r == nil {
		return nil, fmt.Errorf("filter: function registry is nil")
	}
	r.mu.RLock()
	fn := r.functions[strings.ToLower(name)]
	r.mu.RUnlock()
	if fn == nil {
		return nil, fmt.Errorf("filter: function %q not registered", name)
	}
	return fn(args...)
}

// Names returns the registered names in sorted order.
func (r *FunctionRegistry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.functions))
	for name := range r.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
