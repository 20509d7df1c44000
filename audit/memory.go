package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/penserai/acteon/domain"
	"github.com/penserai/acteon/infrastructure/auditlog"
)

// MemoryStore is an in-process audit store guarded by a single mutex,
// matching the teacher's single-mutex MemoryBackend concurrency shape
// (infrastructure/state/memory.go). Suitable for tests and single-node
// deployments; durable deployments use PostgresStore.
type MemoryStore struct {
	mu         sync.Mutex
	hashChain  bool
	records    []domain.AuditRecord
	byAction   map[string]int // actionID -> index into records
	sequences  map[string]sequenceState
	dlq        []domain.DeadLetterEntry
	auditLog   *auditlog.Logger
}

type sequenceState struct {
	last int64
	hash string
}

// MemoryOption configures a MemoryStore at construction.
type MemoryOption func(*MemoryStore)

// WithMemoryHashChain enables hash chaining on writes.
func WithMemoryHashChain(enabled bool) MemoryOption {
	return func(s *MemoryStore) { s.hashChain = enabled }
}

// WithMemoryAuditLog attaches a chain-break warning logger.
func WithMemoryAuditLog(l *auditlog.Logger) MemoryOption {
	return func(s *MemoryStore) { s.auditLog = l }
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		byAction:  make(map[string]int),
		sequences: make(map[string]sequenceState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func seqKey(namespace, tenant string) string { return namespace + "\x00" + tenant }

func (s *MemoryStore) Write(ctx context.Context, rec domain.AuditRecord) (domain.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := seqKey(rec.Namespace, rec.Tenant)
	seq := s.sequences[key]
	rec.SequenceNumber = seq.last + 1
	if s.hashChain {
		rec.PreviousHash = seq.hash
		rec.RecordHash = chainHash(rec, seq.hash)
	}
	s.sequences[key] = sequenceState{last: rec.SequenceNumber, hash: rec.RecordHash}

	s.records = append(s.records, rec)
	s.byAction[rec.ActionID] = len(s.records) - 1
	return rec, nil
}

func (s *MemoryStore) Get(ctx context.Context, namespace, tenant, actionID string) (domain.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byAction[actionID]
	if !ok {
		return domain.AuditRecord{}, ErrNotFound
	}
	rec := s.records[idx]
	if (namespace != "" && rec.Namespace != namespace) || (tenant != "" && rec.Tenant != tenant) {
		return domain.AuditRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Query(ctx context.Context, q domain.AuditQuery) (domain.AuditPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]domain.AuditRecord, 0, len(s.records))
	for _, rec := range s.records {
		if q.Namespace != "" && rec.Namespace != q.Namespace {
			continue
		}
		if q.Tenant != "" && rec.Tenant != q.Tenant {
			continue
		}
		if q.Provider != "" && rec.Provider != q.Provider {
			continue
		}
		if q.ActionType != "" && rec.ActionType != q.ActionType {
			continue
		}
		if q.OutcomeKind != "" && rec.OutcomeKind != q.OutcomeKind {
			continue
		}
		if q.ActionID != "" && rec.ActionID != q.ActionID {
			continue
		}
		if q.ChainID != "" && rec.ChainID != q.ChainID {
			continue
		}
		if q.Since != nil && rec.DispatchedAt.Before(*q.Since) {
			continue
		}
		if q.Until != nil && rec.DispatchedAt.After(*q.Until) {
			continue
		}
		matched = append(matched, rec)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].DispatchedAt.After(matched[j].DispatchedAt) })

	total := int64(len(matched))
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}

	return domain.AuditPage{Records: matched[offset:end], Total: total, Limit: limit, Offset: q.Offset}, nil
}

func (s *MemoryStore) Verify(ctx context.Context, namespace, tenant string) (domain.VerifyResult, error) {
	s.mu.Lock()
	ordered := make([]domain.AuditRecord, 0)
	for _, rec := range s.records {
		if rec.Namespace == namespace && rec.Tenant == tenant {
			ordered = append(ordered, rec)
		}
	}
	s.mu.Unlock()

	sort.Slice(ordered, func(i, j int) bool { return ordered[i].SequenceNumber < ordered[j].SequenceNumber })
	return verifyChain(ordered, s.auditLog, namespace, tenant)
}

func (s *MemoryStore) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	var removed int64
	for _, rec := range s.records {
		if !rec.ComplianceHold && rec.ExpiresAt != nil && !rec.ExpiresAt.After(now) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	s.byAction = make(map[string]int, len(s.records))
	for i, rec := range s.records {
		s.byAction[rec.ActionID] = i
	}
	return removed, nil
}

func (s *MemoryStore) AppendDLQ(ctx context.Context, entry domain.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dlq = append(s.dlq, entry)
	return nil
}

func (s *MemoryStore) ListDLQ(ctx context.Context, tenant string) ([]domain.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DeadLetterEntry, 0, len(s.dlq))
	for _, e := range s.dlq {
		if tenant == "" || e.Tenant == tenant {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) DrainDLQ(ctx context.Context, tenant string) ([]domain.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var drained, kept []domain.DeadLetterEntry
	for _, e := range s.dlq {
		if tenant == "" || e.Tenant == tenant {
			drained = append(drained, e)
		} else {
			kept = append(kept, e)
		}
	}
	s.dlq = kept
	return drained, nil
}

func (s *MemoryStore) Close(ctx context.Context) error { return nil }

// verifyChain walks ordered (already sorted by SequenceNumber, scoped to
// one namespace/tenant) and checks density and hash linkage, shared by
// both backends so they report identical VerifyResult semantics.
func verifyChain(ordered []domain.AuditRecord, logger *auditlog.Logger, namespace, tenant string) (domain.VerifyResult, error) {
	result := domain.VerifyResult{Valid: true}
	if len(ordered) == 0 {
		return result, nil
	}
	result.FirstRecordID = ordered[0].ID
	result.LastRecordID = ordered[len(ordered)-1].ID

	previousHash := ""
	var expectedSeq int64
	for i, rec := range ordered {
		expectedSeq = ordered[0].SequenceNumber + int64(i)
		if rec.SequenceNumber != expectedSeq {
			result.Valid = false
			result.FirstBrokenAt = rec.ID
			break
		}
		if rec.RecordHash != "" {
			want := chainHash(rec, previousHash)
			if want != rec.RecordHash {
				result.Valid = false
				result.FirstBrokenAt = rec.ID
				break
			}
		}
		previousHash = rec.RecordHash
		result.RecordsChecked++
	}
	if !result.Valid && logger != nil {
		logger.ChainBreak(namespace, tenant, result.FirstBrokenAt, expectedSeq)
	}
	return result, nil
}
