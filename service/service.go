// Package service holds the compute callbacks exposed under
// /services/{key}/{version}.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/pithecene-io/angus/types"
)

// CodeComputeFailed is the error code for failed compute callbacks.
const CodeComputeFailed = "compute_failed"

// Func computes a result from parameters. Resource references in params
// have already been replaced by resolved *resource.Resource values.
type Func func(ctx context.Context, params map[string]any) (map[string]any, error)

// ComputeError wraps an error or panic raised by a compute callback.
type ComputeError struct {
	Service string
	Err     error
	// Stack is set when the callback panicked.
	Stack []byte
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("compute %s: %v", e.Service, e.Err)
}

func (e *ComputeError) Unwrap() error {
	return e.Err
}

// ErrorObject converts the error to its embedded wire form.
func (e *ComputeError) ErrorObject() *types.ErrorObject {
	return &types.ErrorObject{Code: CodeComputeFailed, Message: e.Err.Error()}
}

// ErrUnknownService is returned by Lookup for unregistered services.
var ErrUnknownService = errors.New("unknown service")

// Registry maps key/version pairs to compute callbacks.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Name returns the registry key for a service.
func Name(key, version string) string {
	return key + "/" + version
}

// Register adds fn under key/version. Registering a name twice is an error.
func (r *Registry) Register(key, version string, fn Func) error {
	if key == "" || version == "" {
		return errors.New("service key and version are required")
	}
	if fn == nil {
		return fmt.Errorf("service %s: nil func", Name(key, version))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	name := Name(key, version)
	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("service %s already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

// Lookup returns the callback for key/version.
func (r *Registry) Lookup(key, version string) (Func, error) {
	r.mu.RLock()
	fn, ok := r.funcs[Name(key, version)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, Name(key, version))
	}
	return fn, nil
}

// Names lists the registered services in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs fn, converting returned errors and panics into *ComputeError.
// A nil result from a successful call becomes an empty map.
func Invoke(ctx context.Context, name string, fn Func, params map[string]any) (result map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = &ComputeError{Service: name, Err: fmt.Errorf("panic: %v", p), Stack: debug.Stack()}
		}
	}()

	result, err = fn(ctx, params)
	if err != nil {
		var ce *ComputeError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &ComputeError{Service: name, Err: err}
	}
	if result == nil {
		result = map[string]any{}
	}
	return result, nil
}
