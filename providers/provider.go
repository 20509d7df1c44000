// Package providers implements the provider registry and the concrete
// adapters the Dispatcher calls into for provider execution (spec.md
// §4.3 stage 9). Providers are registered by name, not discovered
// (spec.md Non-goals).
package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/penserai/acteon/domain"
)

// Response carries the result of a successful provider call, recorded
// into the Executed outcome's detail.
type Response struct {
	StatusCode int
	Body       []byte
}

// Provider is the capability every concrete adapter implements: take an
// action and execute it against the external system it fronts.
type Provider interface {
	Execute(ctx context.Context, action domain.Action) (Response, error)
}

// Registry maps a provider name to its adapter. Read-mostly: lookups
// happen on every dispatch, registration happens at boot or on admin
// reconfiguration.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces the adapter for name.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Get looks up the adapter for name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names lists every registered provider name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ErrUnknownProvider is returned by Execute when the named provider was
// never registered, mapping to the Dispatcher's unknown_provider
// failure (spec.md §4.3 stage 7).
type ErrUnknownProvider struct {
	Provider string
}

func (e *ErrUnknownProvider) Error() string {
	return fmt.Sprintf("unknown provider %q", e.Provider)
}

// Execute resolves action.Provider and runs it, or returns
// ErrUnknownProvider.
func (r *Registry) Execute(ctx context.Context, action domain.Action) (Response, error) {
	p, ok := r.Get(action.Provider)
	if !ok {
		return Response{}, &ErrUnknownProvider{Provider: action.Provider}
	}
	return p.Execute(ctx, action)
}
