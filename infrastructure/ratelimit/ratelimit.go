// Package ratelimit implements the per-caller/tenant token-bucket
// limiter (golang.org/x/time/rate) used by the HTTP rate-limit
// middleware (spec.md §5, "per-caller rate limits").
package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures a single RateLimiter.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns the gateway's default per-caller limit.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 50, Burst: 100}
}

// RateLimiter wraps a token-bucket limiter for one key (caller, tenant,
// or provider).
type RateLimiter struct {
	limiter *rate.Limiter
	config  Config
}

// New creates a RateLimiter from cfg, filling in defaults for
// non-positive fields.
func New(cfg Config) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		config:  cfg,
	}
}

// Allow reports whether one request may proceed now.
func (r *RateLimiter) Allow() bool { return r.limiter.Allow() }

// Wait blocks until one request may proceed or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error { return r.limiter.Wait(ctx) }

// Manager keys a RateLimiter per caller/tenant/provider identity, so the
// HTTP rate-limit middleware enforces independent budgets per key
// instead of one global limiter.
type Manager struct {
	mu       sync.Mutex
	limiters map[string]*managedLimiter
	config   Config
	idleTTL  time.Duration
}

type managedLimiter struct {
	limiter  *RateLimiter
	lastSeen time.Time
}

// NewManager creates a Manager. idleTTL controls how long an unused
// per-key limiter is kept before Sweep evicts it; 0 disables eviction.
func NewManager(cfg Config, idleTTL time.Duration) *Manager {
	return &Manager{
		limiters: make(map[string]*managedLimiter),
		config:   cfg,
		idleTTL:  idleTTL,
	}
}

// Allow reports whether the caller identified by key may proceed now,
// creating that key's limiter on first use.
func (m *Manager) Allow(key string) bool {
	return m.limiterFor(key).Allow()
}

// Wait blocks until key's limiter admits one request or ctx is done.
func (m *Manager) Wait(ctx context.Context, key string) error {
	return m.limiterFor(key).Wait(ctx)
}

func (m *Manager) limiterFor(key string) *RateLimiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	ml, ok := m.limiters[key]
	if !ok {
		ml = &managedLimiter{limiter: New(m.config)}
		m.limiters[key] = ml
	}
	ml.lastSeen = time.Now()
	return ml.limiter
}

// Sweep evicts limiters idle longer than idleTTL, bounding memory for a
// gateway serving many distinct callers over its lifetime.
func (m *Manager) Sweep() {
	if m.idleTTL <= 0 {
		return
	}
	cutoff := time.Now().Add(-m.idleTTL)
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, ml := range m.limiters {
		if ml.lastSeen.Before(cutoff) {
			delete(m.limiters, key)
		}
	}
}

// Size returns the number of tracked keys, for diagnostics.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.limiters)
}

// RateLimitedClient wraps an *http.Client with an outbound RateLimiter,
// used by provider adapters that must respect a per-provider call budget.
type RateLimitedClient struct {
	client  *http.Client
	limiter *RateLimiter
}

// NewRateLimitedClient builds a RateLimitedClient around client.
func NewRateLimitedClient(client *http.Client, cfg Config) *RateLimitedClient {
	return &RateLimitedClient{client: client, limiter: New(cfg)}
}

// Do waits for the limiter's budget, then performs the request.
func (c *RateLimitedClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return c.client.Do(req)
}

// Allow reports whether one request may proceed now without blocking.
func (c *RateLimitedClient) Allow() bool { return c.limiter.Allow() }
