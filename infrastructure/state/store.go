// Package state implements the gateway's state-store contract: keyed
// KV with TTL, atomic check-and-set, fixed-window counters, CAS, and
// scan-by-kind indexes, backing dedup, locks, counters, timeouts, and
// pending chains/approvals/scheduled actions.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/penserai/acteon/domain"
)

// ErrNotFound is returned by Get when the key is absent. CompareAndSwap
// does not return it: an absent key compares as an empty value.
var ErrNotFound = errors.New("state: key not found")

// ErrCASMismatch reports a lost compare-and-swap race. CompareAndSwap
// itself signals a mismatch by returning false; callers that give up
// after retrying (chainengine, group) return this error.
var ErrCASMismatch = errors.New("state: compare-and-swap mismatch")

// Store is the contract every backend implements (spec.md §4.1).
// Every method is parameterized by a typed key. Backend failures are
// returned as plain wrapped errors, not *GatewayError, so
// infrastructure/errors.KindOf classifies them as KindInternal.
type Store interface {
	// Get returns the value stored at k, or ErrNotFound.
	Get(ctx context.Context, k domain.StoreKey) ([]byte, error)
	// Set stores v at k with an optional ttl (zero means no expiry).
	Set(ctx context.Context, k domain.StoreKey, v []byte, ttl time.Duration) error
	// Delete removes k. Deleting an absent key is not an error.
	Delete(ctx context.Context, k domain.StoreKey) error

	// CheckAndSet atomically sets v at k iff k is currently absent,
	// returning true iff the caller acquired the slot. Foundation of
	// dedup and distributed locking.
	CheckAndSet(ctx context.Context, k domain.StoreKey, v []byte, ttl time.Duration) (bool, error)

	// Increment atomically adds step to the counter at k, creating it
	// with an expiry of window if absent, and returns the new total.
	// The window is fixed: later increments keep the expiry set by the
	// first one and do not extend or slide it. Used by Throttle and
	// rate-limit gates.
	Increment(ctx context.Context, k domain.StoreKey, window time.Duration, step int64) (int64, error)

	// CompareAndSwap atomically replaces expected with newValue at k,
	// returning true iff the swap happened. Used for chain-state
	// mutation and approval decision transitions.
	CompareAndSwap(ctx context.Context, k domain.StoreKey, expected, newValue []byte) (bool, error)

	// ScanKeys returns every key of the given kind within the optional
	// namespace/tenant scope whose subkey has the given prefix.
	ScanKeys(ctx context.Context, kind domain.KeyKind, namespace, tenant, prefix string) ([]domain.StoreKey, error)

	// IndexTimeout records that k becomes due at dueAt, for later
	// retrieval by GetExpiredTimeouts.
	IndexTimeout(ctx context.Context, k domain.StoreKey, dueAt time.Time) error
	// GetExpiredTimeouts returns up to limit keys indexed with a due
	// time at or before now, ordered earliest-first.
	GetExpiredTimeouts(ctx context.Context, now time.Time, limit int) ([]domain.StoreKey, error)
	// RemoveTimeoutIndex clears k's timeout index entry.
	RemoveTimeoutIndex(ctx context.Context, k domain.StoreKey) error

	// IndexChainReady marks chainID ready for advancement at dueAt
	// (immediately, in practice, but the interface allows a future
	// step-delay to schedule readiness ahead of time).
	IndexChainReady(ctx context.Context, chainID string, dueAt time.Time) error
	// GetReadyChains returns up to limit chain ids whose ready time has
	// elapsed, ordered earliest-first.
	GetReadyChains(ctx context.Context, now time.Time, limit int) ([]string, error)
	// RemoveChainReadyIndex clears chainID's ready index entry.
	RemoveChainReadyIndex(ctx context.Context, chainID string) error

	// Close releases backend resources.
	Close(ctx context.Context) error
}
