// Package stream implements the Broadcast Stream (spec.md §4.9, §6,
// §9): a single in-process publish/subscribe hub feeding the two SSE
// endpoints, GET /v1/stream and GET /v1/subscribe/{entity_type}/{id}.
//
// It generalizes the teacher's infrastructure/state PersistentState
// OnChangeHooks fan-out (a bare []func(key string, old, new []byte)
// slice invoked via an unbounded "go hook(...)" per change) into a
// proper subscriber registry: every subscriber gets its own bounded
// channel so one slow SSE client can never block publication to the
// others, and an overflowing subscriber is told via a lagged marker
// rather than silently starved or allowed to apply backpressure to the
// producer.
package stream

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/penserai/acteon/domain"
)

// Filter selects which published events a subscription receives. Zero
// value fields are wildcards. Kinds, when non-empty, restricts delivery
// to the listed event kinds.
type Filter struct {
	Namespace  string
	Tenant     string
	EntityType string
	EntityID   string
	Kinds      []domain.StreamEventKind
}

func (f Filter) matches(ev domain.StreamEvent) bool {
	if f.Namespace != "" && f.Namespace != ev.Namespace {
		return false
	}
	if f.Tenant != "" && f.Tenant != ev.Tenant {
		return false
	}
	if f.EntityType != "" && f.EntityType != ev.EntityType {
		return false
	}
	if f.EntityID != "" && f.EntityID != ev.EntityID {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == ev.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// DefaultBufferSize is the per-subscriber channel capacity used when
// Config.BufferSize is unset.
const DefaultBufferSize = 64

// ErrTenantConnLimit is returned by Subscribe when tenant has already
// reached Config.MaxConnsPerTenant concurrent subscriptions.
var ErrTenantConnLimit = subscribeLimitError{}

type subscribeLimitError struct{}

func (subscribeLimitError) Error() string { return "stream: per-tenant connection limit reached" }

// Config controls Hub resource bounds (spec.md §5).
type Config struct {
	// BufferSize is the per-subscriber channel capacity.
	BufferSize int
	// MaxConnsPerTenant caps concurrent subscriptions per tenant; zero
	// means unbounded.
	MaxConnsPerTenant int
}

// DefaultConfig returns a 64-event buffer with no per-tenant cap.
func DefaultConfig() Config {
	return Config{BufferSize: DefaultBufferSize}
}

// Hub is the broadcast stream's single producer-facing fan-out point.
// It is safe for concurrent use.
type Hub struct {
	cfg Config

	mu            sync.RWMutex
	subs          map[string]*Subscription
	connsByTenant map[string]int
}

// NewHub builds a Hub. A zero Config is valid and uses DefaultConfig's
// buffer size.
func NewHub(cfg Config) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	return &Hub{
		cfg:           cfg,
		subs:          make(map[string]*Subscription),
		connsByTenant: make(map[string]int),
	}
}

// Subscription is one SSE client's channel onto the Hub. C delivers
// matching events; Close removes the subscription and releases its
// tenant connection slot.
type Subscription struct {
	id     string
	tenant string
	filter Filter
	ch     chan domain.StreamEvent
	lagged atomic.Bool

	hub *Hub
}

// C returns the channel this subscription delivers events on. It is
// closed by Close.
func (s *Subscription) C() <-chan domain.StreamEvent { return s.ch }

// Close unregisters the subscription from its Hub and closes its
// channel. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Subscribe registers a new subscription for tenant matching filter.
// It fails with ErrTenantConnLimit if tenant is already at
// Config.MaxConnsPerTenant.
func (h *Hub) Subscribe(tenant string, filter Filter) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cfg.MaxConnsPerTenant > 0 && h.connsByTenant[tenant] >= h.cfg.MaxConnsPerTenant {
		return nil, ErrTenantConnLimit
	}

	sub := &Subscription{
		id:     uuid.NewString(),
		tenant: tenant,
		filter: filter,
		ch:     make(chan domain.StreamEvent, h.cfg.BufferSize),
		hub:    h,
	}
	h.subs[sub.id] = sub
	h.connsByTenant[tenant]++
	return sub, nil
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	_, ok := h.subs[sub.id]
	if ok {
		delete(h.subs, sub.id)
		h.connsByTenant[sub.tenant]--
		if h.connsByTenant[sub.tenant] <= 0 {
			delete(h.connsByTenant, sub.tenant)
		}
	}
	h.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// laggedEvent is delivered in place of whatever this subscriber's
// buffer dropped; it carries no ID of its own since it stands for a gap
// rather than one specific event.
func laggedEvent() domain.StreamEvent {
	return domain.StreamEvent{Kind: domain.StreamEventLagged}
}

// Publish delivers ev to every current subscription whose filter
// matches. Delivery is always non-blocking: a subscriber whose buffer
// is full is marked lagged and the event is dropped for it, never for
// the others. The lagged marker is flushed to that subscriber's channel
// as soon as space frees up, ahead of the event that freed it.
func (h *Hub) Publish(ev domain.StreamEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.filter.matches(ev) {
			continue
		}
		if sub.lagged.Load() {
			select {
			case sub.ch <- laggedEvent():
				sub.lagged.Store(false)
			default:
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			sub.lagged.Store(true)
		}
	}
}

// Close closes every active subscription's channel. The Hub is unusable
// afterward.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[string]*Subscription)
	h.connsByTenant = make(map[string]int)
	h.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
}
