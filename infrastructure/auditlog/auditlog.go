// Package auditlog provides a narrow, low-allocation logger used only
// for the audit hash chain's tamper-evidence warnings (spec.md §8: "For
// all sequences of audit records... record_hash(n) = H(...)"). It exists
// alongside infrastructure/logging rather than folding into it because a
// broken hash chain is a security-relevant event operators grep for
// specifically, and zerolog's structured, alloc-free event builder keeps
// that log line cheap to emit whenever hash-chain verification finds a
// break.
package auditlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger scoped to the audit component.
type Logger struct {
	zerolog.Logger
}

// New builds a Logger writing to w ("json") or a human-readable console
// writer when pretty is true.
func New(w io.Writer, pretty bool) *Logger {
	if w == nil {
		w = os.Stderr
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return &Logger{Logger: zerolog.New(w).With().Timestamp().Str("component", "audit").Logger()}
}

// ChainBreak logs that verifying the hash chain for (namespace, tenant)
// found a break at the given record id and sequence number.
func (l *Logger) ChainBreak(namespace, tenant, recordID string, sequenceNumber int64) {
	l.Warn().
		Str("namespace", namespace).
		Str("tenant", tenant).
		Str("record_id", recordID).
		Int64("sequence_number", sequenceNumber).
		Msg("audit hash chain broken")
}

// WriteFailure logs that an audit write failed for the given action.
func (l *Logger) WriteFailure(namespace, tenant, actionID string, err error) {
	l.Warn().
		Str("namespace", namespace).
		Str("tenant", tenant).
		Str("action_id", actionID).
		Err(err).
		Msg("audit write failed")
}
