package state

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/penserai/acteon/domain"
)

type memEntry struct {
	value    []byte
	expireAt time.Time // zero means no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && !e.expireAt.After(now)
}

type timeoutEntry struct {
	key   domain.StoreKey
	dueAt time.Time
}

type chainReadyEntry struct {
	chainID string
	dueAt   time.Time
}

// MemoryStore is a single-process, strictly-consistent Store backend,
// grounded on the teacher's MemoryBackend/PersistentState pattern
// (infrastructure/state/state.go) generalized from opaque byte blobs
// to the typed StoreKey contract. It provides strict atomicity for
// every operation because all state is guarded by one mutex; this is
// the guarantee documented for the "Memory" backend in DESIGN.md's
// open-question decision on backend consistency.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]memEntry

	timeouts    []timeoutEntry
	chainsReady []chainReadyEntry

	cleanupInterval time.Duration
	done            chan struct{}
}

// NewMemoryStore constructs a MemoryStore. If cleanupInterval > 0 a
// background goroutine periodically evicts expired entries; callers
// that never call Close leak that goroutine, matching the teacher's
// MemoryBackend.cleanupLoop shape.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	m := &MemoryStore{
		data: make(map[string]memEntry),
		done: make(chan struct{}),
	}
	if cleanupInterval > 0 {
		m.cleanupInterval = cleanupInterval
		go m.cleanupLoop()
	}
	return m
}

func (m *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for k, e := range m.data {
				if e.expired(now) {
					delete(m.data, k)
				}
			}
			m.mu.Unlock()
		case <-m.done:
			return
		}
	}
}

func (m *MemoryStore) Get(ctx context.Context, k domain.StoreKey) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[k.String()]
	if !ok || e.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (m *MemoryStore) Set(ctx context.Context, k domain.StoreKey, v []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[k.String()] = m.entry(v, ttl)
	return nil
}

func (m *MemoryStore) entry(v []byte, ttl time.Duration) memEntry {
	e := memEntry{value: append([]byte(nil), v...)}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	}
	return e
}

func (m *MemoryStore) Delete(ctx context.Context, k domain.StoreKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, k.String())
	return nil
}

func (m *MemoryStore) CheckAndSet(ctx context.Context, k domain.StoreKey, v []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := k.String()
	if e, ok := m.data[key]; ok && !e.expired(time.Now()) {
		return false, nil
	}
	m.data[key] = m.entry(v, ttl)
	return true, nil
}

func (m *MemoryStore) Increment(ctx context.Context, k domain.StoreKey, window time.Duration, step int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := k.String()
	now := time.Now()
	e, ok := m.data[key]
	var total int64
	if ok && !e.expired(now) {
		total = decodeInt64(e.value) + step
	} else {
		total = step
	}
	ne := memEntry{value: encodeInt64(total)}
	if window > 0 {
		if ok && !e.expired(now) {
			ne.expireAt = e.expireAt
		} else {
			ne.expireAt = now.Add(window)
		}
	}
	m.data[key] = ne
	return total, nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, k domain.StoreKey, expected, newValue []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := k.String()
	e, ok := m.data[key]
	current := e.value
	if !ok || e.expired(time.Now()) {
		current = nil
	}
	if !bytes.Equal(current, expected) {
		return false, nil
	}
	var ttlKeep time.Time
	if ok {
		ttlKeep = e.expireAt
	}
	m.data[key] = memEntry{value: append([]byte(nil), newValue...), expireAt: ttlKeep}
	return true, nil
}

func (m *MemoryStore) ScanKeys(ctx context.Context, kind domain.KeyKind, namespace, tenant, prefix string) ([]domain.StoreKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []domain.StoreKey
	scanPrefix := domain.ScanPrefix(kind, namespace, tenant)
	for raw, e := range m.data {
		if e.expired(now) {
			continue
		}
		if scanPrefix != "" && !strings.HasPrefix(raw, scanPrefix) {
			continue
		}
		parts := strings.SplitN(raw, ":", 4)
		if len(parts) != 4 {
			continue
		}
		if domain.KeyKind(parts[2]) != kind {
			continue
		}
		if namespace != "" && parts[0] != namespace {
			continue
		}
		if tenant != "" && parts[1] != tenant {
			continue
		}
		if prefix != "" && !strings.HasPrefix(parts[3], prefix) {
			continue
		}
		out = append(out, domain.StoreKey{Namespace: parts[0], Tenant: parts[1], Kind: kind, Subkey: parts[3]})
	}
	return out, nil
}

func (m *MemoryStore) IndexTimeout(ctx context.Context, k domain.StoreKey, dueAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.timeouts {
		if t.key == k {
			m.timeouts[i].dueAt = dueAt
			return nil
		}
	}
	m.timeouts = append(m.timeouts, timeoutEntry{key: k, dueAt: dueAt})
	return nil
}

func (m *MemoryStore) GetExpiredTimeouts(ctx context.Context, now time.Time, limit int) ([]domain.StoreKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	due := make([]timeoutEntry, 0, len(m.timeouts))
	for _, t := range m.timeouts {
		if !t.dueAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].dueAt.Before(due[j].dueAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]domain.StoreKey, len(due))
	for i, t := range due {
		out[i] = t.key
	}
	return out, nil
}

func (m *MemoryStore) RemoveTimeoutIndex(ctx context.Context, k domain.StoreKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.timeouts {
		if t.key == k {
			m.timeouts = append(m.timeouts[:i], m.timeouts[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) IndexChainReady(ctx context.Context, chainID string, dueAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.chainsReady {
		if c.chainID == chainID {
			m.chainsReady[i].dueAt = dueAt
			return nil
		}
	}
	m.chainsReady = append(m.chainsReady, chainReadyEntry{chainID: chainID, dueAt: dueAt})
	return nil
}

func (m *MemoryStore) GetReadyChains(ctx context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	due := make([]chainReadyEntry, 0, len(m.chainsReady))
	for _, c := range m.chainsReady {
		if !c.dueAt.After(now) {
			due = append(due, c)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].dueAt.Before(due[j].dueAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]string, len(due))
	for i, c := range due {
		out[i] = c.chainID
	}
	return out, nil
}

func (m *MemoryStore) RemoveChainReadyIndex(ctx context.Context, chainID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.chainsReady {
		if c.chainID == chainID {
			m.chainsReady = append(m.chainsReady[:i], m.chainsReady[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) Close(ctx context.Context) error {
	close(m.done)
	return nil
}
