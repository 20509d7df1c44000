package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/penserai/acteon/domain"
)

// canonicalize renders rec into a fixed-order byte form for hashing.
// Deliberately not JSON: map/struct field ordering is not guaranteed
// stable across encoding/json versions, and the hash chain's tamper
// evidence depends on every verifier computing the identical bytes for
// the identical record (spec.md §3 invariant).
func canonicalize(rec domain.AuditRecord) []byte {
	var b strings.Builder
	b.WriteString(rec.ID)
	b.WriteByte('|')
	b.WriteString(rec.ActionID)
	b.WriteByte('|')
	b.WriteString(rec.ChainID)
	b.WriteByte('|')
	b.WriteString(rec.Namespace)
	b.WriteByte('|')
	b.WriteString(rec.Tenant)
	b.WriteByte('|')
	b.WriteString(rec.Provider)
	b.WriteByte('|')
	b.WriteString(rec.ActionType)
	b.WriteByte('|')
	b.WriteString(rec.Caller)
	b.WriteByte('|')
	b.WriteString(rec.Verdict)
	b.WriteByte('|')
	b.WriteString(rec.MatchedRule)
	b.WriteByte('|')
	b.WriteString(string(rec.OutcomeKind))
	b.WriteByte('|')
	b.Write(rec.Payload)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(rec.DurationMS, 10))
	b.WriteByte('|')
	b.WriteString(rec.DispatchedAt.UTC().Format(time.RFC3339Nano))
	b.WriteByte('|')
	b.WriteString(rec.CompletedAt.UTC().Format(time.RFC3339Nano))
	b.WriteByte('|')
	if rec.ExpiresAt != nil {
		b.WriteString(rec.ExpiresAt.UTC().Format(time.RFC3339Nano))
	}
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(rec.SequenceNumber, 10))
	return []byte(b.String())
}

// chainHash computes record_hash = H(canonical(record) || previous_hash)
// per spec.md §3's hash-chain invariant.
func chainHash(rec domain.AuditRecord, previousHash string) string {
	sum := sha256.Sum256(append(canonicalize(rec), []byte(previousHash)...))
	return hex.EncodeToString(sum[:])
}
