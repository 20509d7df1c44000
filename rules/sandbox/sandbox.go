// Package sandbox runs the `wasm_plugin` extension predicate's script
// bodies under a memory-bounded, time-boxed JavaScript interpreter.
// The pack carries no WASM runtime; goja is the teacher's own
// sandboxed-script substitute (system/tee/script_engine.go), reused
// here under a CPU-fuel-style budget instead of a true WASM fuel
// meter.
package sandbox

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// Result is the verdict a plugin function returns.
type Result struct {
	Verdict bool   `json:"verdict"`
	Message string `json:"message,omitempty"`
}

// Sandbox holds named plugin sources and enforces a per-invocation
// execution budget, approximating the spec's CPU-fuel limit with a
// wall-clock interrupt since goja has no fuel-metering hook.
type Sandbox struct {
	budget time.Duration

	mu      sync.RWMutex
	plugins map[string]string
}

// New builds a Sandbox that interrupts any script running longer than
// budget.
func New(budget time.Duration) *Sandbox {
	if budget <= 0 {
		budget = 50 * time.Millisecond
	}
	return &Sandbox{budget: budget, plugins: make(map[string]string)}
}

// Register loads or replaces the named plugin's source.
func (s *Sandbox) Register(name, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plugins[name] = source
}

// Unregister removes a plugin.
func (s *Sandbox) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.plugins, name)
}

// Invoke runs functionName inside plugin name, passing params as its
// sole argument, and decodes the returned `{verdict, message}` object.
func (s *Sandbox) Invoke(name, functionName string, params map[string]interface{}) (Result, error) {
	s.mu.RLock()
	source, ok := s.plugins[name]
	s.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("sandbox: unknown plugin %q", name)
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(256)

	timer := time.AfterFunc(s.budget, func() {
		vm.Interrupt("cpu-fuel budget exceeded")
	})
	defer timer.Stop()

	if _, err := vm.RunString(source); err != nil {
		return Result{}, fmt.Errorf("sandbox: load plugin %q: %w", name, err)
	}

	fnVal := vm.Get(functionName)
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return Result{}, fmt.Errorf("sandbox: plugin %q has no function %q", name, functionName)
	}

	out, err := fn(goja.Undefined(), vm.ToValue(params))
	if err != nil {
		return Result{}, fmt.Errorf("sandbox: invoke %s.%s: %w", name, functionName, err)
	}

	var result Result
	raw, err := json.Marshal(out.Export())
	if err != nil {
		return Result{}, fmt.Errorf("sandbox: marshal result of %s.%s: %w", name, functionName, err)
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return Result{}, fmt.Errorf("sandbox: decode result of %s.%s: %w", name, functionName, err)
	}
	return result, nil
}
