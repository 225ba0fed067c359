package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/mohitkumar/streamflow/logger"
	"github.com/mohitkumar/streamflow/model"
	"go.uber.org/zap"
)

const DEFAULT_SCRIPT_TIMEOUT = 5 * time.Second

// Func is a named compute function. The payload is the resolved task
// parameters.
type Func func(ctx context.Context, payload map[string]any) (any, error)

var _ Adapter = new(FunctionAdapter)

// FunctionAdapter runs Go functions and JavaScript bodies. Each function is
// exposed as its own action, function:<name>, and through function:invoke
// with a functionName parameter. Functions registered after the adapter was
// added to a Registry are reachable through invoke only.
type FunctionAdapter struct {
	mu            sync.RWMutex
	funcs         map[string]Func
	scriptTimeout time.Duration
}

func NewFunctionAdapter() *FunctionAdapter {
	return &FunctionAdapter{
		funcs:         make(map[string]Func),
		scriptTimeout: DEFAULT_SCRIPT_TIMEOUT,
	}
}

func (f *FunctionAdapter) Name() string {
	return "function"
}

func (f *FunctionAdapter) Actions() map[string]Action {
	f.mu.RLock()
	defer f.mu.RUnlock()
	actions := map[string]Action{
		"invoke": {Fn: f.invoke, Semantics: AT_LEAST_ONCE},
	}
	for name, fn := range f.funcs {
		actions[name] = Action{Fn: ActionFunc(fn), Semantics: AT_LEAST_ONCE}
	}
	return actions
}

func (f *FunctionAdapter) RegisterFunc(name string, fn Func) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funcs[name] = fn
}

// RegisterScript compiles body once. The script sees its payload as $ and
// returns its completion value, or $ itself when that is undefined.
func (f *FunctionAdapter) RegisterScript(name string, body string) error {
	if len(body) == 0 {
		return fmt.Errorf("function %s: script can not be empty", name)
	}
	prog, err := goja.Compile(name+".js", body, true)
	if err != nil {
		return fmt.Errorf("function %s: %w", name, err)
	}
	f.RegisterFunc(name, func(ctx context.Context, payload map[string]any) (any, error) {
		return f.runScript(ctx, name, prog, payload)
	})
	return nil
}

func (f *FunctionAdapter) Functions() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.funcs))
	for name := range f.funcs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (f *FunctionAdapter) invoke(ctx context.Context, params map[string]any) (any, error) {
	name, err := stringParam(params, "functionName")
	if err != nil {
		return nil, err
	}
	f.mu.RLock()
	fn, ok := f.funcs[name]
	f.mu.RUnlock()
	if !ok {
		return nil, Permanent("ResourceNotFoundException", "function %s not found", name)
	}
	payload, err := mapParam(params, "payload")
	if err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return fn(ctx, payload)
}

func (f *FunctionAdapter) runScript(ctx context.Context, name string, prog *goja.Program, payload map[string]any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, f.scriptTimeout)
	defer cancel()
	vm := goja.New()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()
	if err := vm.Set("$", payload); err != nil {
		return nil, Permanent(model.ERROR_RUNTIME, "function %s: %v", name, err)
	}
	val, err := vm.RunProgram(prog)
	if err != nil {
		logger.Error("error executing javascript", zap.String("function", name), zap.Error(err))
		if _, ok := err.(*goja.InterruptedError); ok {
			return nil, Retryable("States.Timeout", "function %s: %v", name, err)
		}
		return nil, Permanent("FunctionError", "function %s: %v", name, err)
	}
	if val == nil || goja.IsUndefined(val) {
		val = vm.Get("$")
	}
	return val.Export(), nil
}
