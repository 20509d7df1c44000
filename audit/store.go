// Package audit implements the append-only audit store (spec.md §3, §4
// table, §8): one AuditRecord per terminal dispatch, queryable, with an
// optional SHA-256 hash chain and sequence numbering per
// (namespace, tenant), TTL cleanup that respects a compliance hold, and
// the dead-letter queue appended to on exhausted retries.
package audit

import (
	"context"
	"time"

	"github.com/penserai/acteon/domain"
)

// Store is the contract the Dispatcher's audit-write stage and the
// admin/query endpoints depend on. Backends: Memory (tests, single
// process) and Postgres (hash-chain columns, durable).
type Store interface {
	// Write persists rec. When hash chaining is enabled the backend
	// stamps RecordHash, PreviousHash and SequenceNumber before
	// returning the committed record; callers must not assume these
	// fields are set on the input.
	Write(ctx context.Context, rec domain.AuditRecord) (domain.AuditRecord, error)

	// Get returns the audit record for actionID, or ErrNotFound.
	Get(ctx context.Context, namespace, tenant, actionID string) (domain.AuditRecord, error)

	// Query lists audit records matching q.
	Query(ctx context.Context, q domain.AuditQuery) (domain.AuditPage, error)

	// Verify walks the (namespace, tenant) hash chain in sequence order
	// and reports whether every record's RecordHash matches
	// H(canonical(record) || previous_hash) and SequenceNumber is dense.
	Verify(ctx context.Context, namespace, tenant string) (domain.VerifyResult, error)

	// CleanupExpired deletes records whose ExpiresAt has passed and
	// ComplianceHold is false, returning the count removed.
	CleanupExpired(ctx context.Context, now time.Time) (int64, error)

	// AppendDLQ records a dead-lettered action (spec.md §4.3 stage 11).
	AppendDLQ(ctx context.Context, entry domain.DeadLetterEntry) error
	// ListDLQ lists dead-letter entries for tenant (all tenants if empty).
	ListDLQ(ctx context.Context, tenant string) ([]domain.DeadLetterEntry, error)
	// DrainDLQ removes and returns every dead-letter entry for tenant —
	// a destructive admin operation (spec.md §4.8).
	DrainDLQ(ctx context.Context, tenant string) ([]domain.DeadLetterEntry, error)

	Close(ctx context.Context) error
}

// ErrNotFound is returned by Get when no record matches.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "audit: record not found" }
