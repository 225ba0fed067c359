package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mohitkumar/streamflow/model"
)

// Semantics tells the engine whether an action may be called again after a
// failure without acknowledgement.
type Semantics int

const (
	// AT_LEAST_ONCE actions are idempotent and safe to retry.
	AT_LEAST_ONCE Semantics = iota
	// AT_MOST_ONCE actions are never retried by the engine.
	AT_MOST_ONCE
)

func (s Semantics) String() string {
	switch s {
	case AT_LEAST_ONCE:
		return "AtLeastOnce"
	case AT_MOST_ONCE:
		return "AtMostOnce"
	default:
		return "Unknown"
	}
}

// Error is the failure of an adapter call. Name is what catch and retry
// clauses match on.
type Error struct {
	Name      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

func Retryable(name string, format string, args ...any) *Error {
	return &Error{Name: name, Message: fmt.Sprintf(format, args...), Retryable: true}
}

func Permanent(name string, format string, args ...any) *Error {
	return &Error{Name: name, Message: fmt.Sprintf(format, args...)}
}

// AsError classifies any error returned by an adapter. Errors that are not
// an *Error are reported as retryable task failures.
func AsError(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Name: model.ERROR_TASK_FAILED, Message: err.Error(), Retryable: true}
}

type ActionFunc func(ctx context.Context, params map[string]any) (any, error)

type Action struct {
	Fn        ActionFunc
	Semantics Semantics
}

// Adapter is one external service exposing named actions.
type Adapter interface {
	Name() string
	Actions() map[string]Action
}

// Registry dispatches "resource:action" calls to registered adapters.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, act := range a.Actions() {
		r.actions[a.Name()+":"+name] = act
	}
}

func (r *Registry) Has(resource string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[resource]
	return ok
}

// Semantics of an unknown action is AT_MOST_ONCE.
func (r *Registry) Semantics(resource string) Semantics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	act, ok := r.actions[resource]
	if !ok {
		return AT_MOST_ONCE
	}
	return act.Semantics
}

func (r *Registry) Invoke(ctx context.Context, resource string, params map[string]any) (any, error) {
	r.mu.RLock()
	act, ok := r.actions[resource]
	r.mu.RUnlock()
	if !ok {
		return nil, Permanent(model.ERROR_RUNTIME, "no adapter action %s", resource)
	}
	if params == nil {
		params = map[string]any{}
	}
	return act.Fn(ctx, params)
}

func (r *Registry) Resources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.actions))
	for k := range r.actions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func SplitResource(resource string) (string, string, error) {
	name, action, ok := strings.Cut(resource, ":")
	if !ok || len(name) == 0 || len(action) == 0 {
		return "", "", fmt.Errorf("invalid resource %q, expected adapter:action", resource)
	}
	return name, action, nil
}
