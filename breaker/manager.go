// Package breaker maintains one circuit breaker per provider and
// implements the gate/fallback/record behavior of the Dispatcher's
// provider-execution stage (spec.md §4.3 stages 8-9, §4.7).
package breaker

import (
	"context"
	"sort"
	"sync"

	"github.com/penserai/acteon/infrastructure/logging"
	"github.com/penserai/acteon/infrastructure/metrics"
	"github.com/penserai/acteon/infrastructure/resilience"
)

// Manager lazily constructs one resilience.CircuitBreaker per provider
// name from a shared config template, optionally overridden per
// provider, and routes around an Open breaker to a configured
// fallback provider.
type Manager struct {
	mu        sync.RWMutex
	breakers  map[string]*resilience.CircuitBreaker
	template  resilience.Config
	overrides map[string]resilience.Config
	fallback  map[string]string
	reg       *metrics.Registry
	logger    *logging.Logger
}

// NewManager builds a Manager. fallback maps a provider name to the
// provider substituted when its breaker is Open; overrides supplies a
// non-default Config for specific providers.
func NewManager(template resilience.Config, overrides map[string]resilience.Config, fallback map[string]string, reg *metrics.Registry, logger *logging.Logger) *Manager {
	return &Manager{
		breakers:  make(map[string]*resilience.CircuitBreaker),
		template:  template,
		overrides: overrides,
		fallback:  fallback,
		reg:       reg,
		logger:    logger,
	}
}

func (m *Manager) breakerFor(provider string) *resilience.CircuitBreaker {
	m.mu.RLock()
	br, ok := m.breakers[provider]
	m.mu.RUnlock()
	if ok {
		return br
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if br, ok := m.breakers[provider]; ok {
		return br
	}

	cfg := m.template
	if override, ok := m.overrides[provider]; ok {
		cfg = override
	}
	cfg.OnStateChange = m.onStateChange(provider)
	br = resilience.New(cfg)
	m.breakers[provider] = br
	return br
}

func (m *Manager) onStateChange(provider string) func(from, to resilience.State) {
	return func(from, to resilience.State) {
		if m.reg != nil {
			m.reg.ObserveCircuitTransition(provider, from.String(), to.String())
		}
		if m.logger != nil {
			m.logger.LogCircuitTransition(context.Background(), provider, from.String(), to.String())
		}
	}
}

// State reports the current state of a provider's breaker without
// creating one if it does not yet exist.
func (m *Manager) State(provider string) resilience.State {
	m.mu.RLock()
	br, ok := m.breakers[provider]
	m.mu.RUnlock()
	if !ok {
		return resilience.StateClosed
	}
	return br.State()
}

// Dispatch implements stages 8 and 9 of the Dispatcher pipeline
// together: it gates the call against the provider's breaker (routing
// to a fallback, or failing with resilience.ErrCircuitOpen, when the
// primary is Open), then executes fn through the effective breaker so
// the result is recorded atomically with the call.
//
// effective names the provider fn was actually run against; rerouted
// reports whether that differs from provider because the primary was
// Open.
func (m *Manager) Dispatch(ctx context.Context, provider string, fn func() error) (effective string, rerouted bool, err error) {
	primary := m.breakerFor(provider)
	if primary.State() != resilience.StateOpen {
		err := primary.Execute(ctx, fn)
		return provider, false, err
	}

	if fb, ok := m.fallback[provider]; ok && fb != "" {
		fallbackBreaker := m.breakerFor(fb)
		if fallbackBreaker.State() != resilience.StateOpen {
			if m.reg != nil {
				m.reg.ObserveFallback(provider, fb)
			}
			err := fallbackBreaker.Execute(ctx, fn)
			return fb, true, err
		}
	}

	return provider, false, resilience.ErrCircuitOpen
}

// Trip forces the named provider's breaker Open, for the operator
// "trip" admin endpoint.
func (m *Manager) Trip(provider string) {
	m.breakerFor(provider).Trip()
}

// Reset forces the named provider's breaker Closed, for the operator
// "reset" admin endpoint.
func (m *Manager) Reset(provider string) {
	m.breakerFor(provider).Reset()
}

// Status is one row of the circuit-breaker list admin endpoint.
type Status struct {
	Provider  string `json:"provider"`
	State     string `json:"state"`
	Failures  int    `json:"failures"`
	Successes int    `json:"successes"`
}

// List returns the status of every breaker that has been used so far,
// sorted by provider name.
func (m *Manager) List() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.breakers))
	for provider, br := range m.breakers {
		failures, successes := br.Counts()
		out = append(out, Status{
			Provider:  provider,
			State:     br.State().String(),
			Failures:  failures,
			Successes: successes,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
