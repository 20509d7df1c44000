package audit

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/penserai/acteon/domain"
	"github.com/penserai/acteon/infrastructure/auditlog"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// OpenPostgres connects to dsn and verifies connectivity, mirroring the
// teacher's internal/platform/database.Open but returning a *sqlx.DB so
// PostgresStore can use struct-mapped queries.
func OpenPostgres(ctx context.Context, dsn string) (*sqlx.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("audit: postgres dsn is required")
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// RunMigrations applies every embedded migration to db, idempotently.
func RunMigrations(db *sqlx.DB) error {
	sourceDriver, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	dbDriver, err := pgmigrate.WithInstance(db.DB, &pgmigrate.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// PostgresStore is the durable audit backend: hash-chain bookkeeping is
// kept in audit_sequences and advanced inside the same transaction as
// each insert, via SELECT ... FOR UPDATE row locking on the tenant's
// sequence row (spec.md §3).
type PostgresStore struct {
	db        *sqlx.DB
	hashChain bool
	auditLog  *auditlog.Logger
}

// PostgresOption configures a PostgresStore at construction.
type PostgresOption func(*PostgresStore)

// WithPostgresHashChain enables hash chaining on writes.
func WithPostgresHashChain(enabled bool) PostgresOption {
	return func(s *PostgresStore) { s.hashChain = enabled }
}

// WithPostgresAuditLog attaches a chain-break warning logger.
func WithPostgresAuditLog(l *auditlog.Logger) PostgresOption {
	return func(s *PostgresStore) { s.auditLog = l }
}

// NewPostgresStore wraps db as a Store.
func NewPostgresStore(db *sqlx.DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// auditInsertRow holds the positional values bound into insertAuditRecordSQL.
// Payload is carried as a string rather than domain.AuditRecord's []byte so
// the jsonb column receives a text literal instead of a bytea-encoded one.
type auditInsertRow struct {
	ID             string     `db:"id"`
	ActionID       string     `db:"action_id"`
	ChainID        string     `db:"chain_id"`
	Namespace      string     `db:"namespace"`
	Tenant         string     `db:"tenant"`
	Provider       string     `db:"provider"`
	ActionType     string     `db:"action_type"`
	Caller         string     `db:"caller"`
	Verdict        string     `db:"verdict"`
	MatchedRule    string     `db:"matched_rule"`
	OutcomeKind    string     `db:"outcome_kind"`
	Payload        string     `db:"payload"`
	DurationMS     int64      `db:"duration_ms"`
	DispatchedAt   time.Time  `db:"dispatched_at"`
	CompletedAt    time.Time  `db:"completed_at"`
	ExpiresAt      *time.Time `db:"expires_at"`
	RecordHash     string     `db:"record_hash"`
	PreviousHash   string     `db:"previous_hash"`
	SequenceNumber int64      `db:"sequence_number"`
	ComplianceHold bool       `db:"compliance_hold"`
}

const insertAuditRecordSQL = `
	INSERT INTO audit_records
	(id, action_id, chain_id, namespace, tenant, provider, action_type, caller,
	 verdict, matched_rule, outcome_kind, payload, duration_ms, dispatched_at,
	 completed_at, expires_at, record_hash, previous_hash, sequence_number, compliance_hold)
	VALUES
	(:id, :action_id, :chain_id, :namespace, :tenant, :provider, :action_type, :caller,
	 :verdict, :matched_rule, :outcome_kind, :payload, :duration_ms, :dispatched_at,
	 :completed_at, :expires_at, :record_hash, :previous_hash, :sequence_number, :compliance_hold)
`

func (s *PostgresStore) Write(ctx context.Context, rec domain.AuditRecord) (domain.AuditRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.AuditRecord{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_sequences (namespace, tenant) VALUES ($1, $2)
		ON CONFLICT (namespace, tenant) DO NOTHING
	`, rec.Namespace, rec.Tenant); err != nil {
		return domain.AuditRecord{}, err
	}

	var lastSeq int64
	var lastHash string
	if err := tx.QueryRowContext(ctx, `
		SELECT last_sequence, last_hash FROM audit_sequences
		WHERE namespace = $1 AND tenant = $2 FOR UPDATE
	`, rec.Namespace, rec.Tenant).Scan(&lastSeq, &lastHash); err != nil {
		return domain.AuditRecord{}, err
	}

	rec.SequenceNumber = lastSeq + 1
	if s.hashChain {
		rec.PreviousHash = lastHash
		rec.RecordHash = chainHash(rec, lastHash)
	}

	payload := string(rec.Payload)
	if strings.TrimSpace(payload) == "" {
		payload = "{}"
	}
	row := auditInsertRow{
		ID: rec.ID, ActionID: rec.ActionID, ChainID: rec.ChainID,
		Namespace: rec.Namespace, Tenant: rec.Tenant, Provider: rec.Provider,
		ActionType: rec.ActionType, Caller: rec.Caller, Verdict: rec.Verdict,
		MatchedRule: rec.MatchedRule, OutcomeKind: string(rec.OutcomeKind),
		Payload: payload, DurationMS: rec.DurationMS, DispatchedAt: rec.DispatchedAt,
		CompletedAt: rec.CompletedAt, ExpiresAt: rec.ExpiresAt,
		RecordHash: rec.RecordHash, PreviousHash: rec.PreviousHash,
		SequenceNumber: rec.SequenceNumber, ComplianceHold: rec.ComplianceHold,
	}
	if _, err := tx.NamedExecContext(ctx, insertAuditRecordSQL, row); err != nil {
		return domain.AuditRecord{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE audit_sequences SET last_sequence = $1, last_hash = $2
		WHERE namespace = $3 AND tenant = $4
	`, rec.SequenceNumber, rec.RecordHash, rec.Namespace, rec.Tenant); err != nil {
		return domain.AuditRecord{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.AuditRecord{}, err
	}
	return rec, nil
}

const selectAuditRecordSQL = `
	SELECT id, action_id, chain_id, namespace, tenant, provider, action_type, caller,
	       verdict, matched_rule, outcome_kind, payload, duration_ms, dispatched_at,
	       completed_at, expires_at, record_hash, previous_hash, sequence_number, compliance_hold
	FROM audit_records
`

func (s *PostgresStore) Get(ctx context.Context, namespace, tenant, actionID string) (domain.AuditRecord, error) {
	var rec domain.AuditRecord
	query := selectAuditRecordSQL + `
		WHERE namespace = $1 AND tenant = $2 AND action_id = $3
		ORDER BY sequence_number DESC LIMIT 1
	`
	if err := s.db.GetContext(ctx, &rec, query, namespace, tenant, actionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.AuditRecord{}, ErrNotFound
		}
		return domain.AuditRecord{}, err
	}
	return rec, nil
}

func (s *PostgresStore) Query(ctx context.Context, q domain.AuditQuery) (domain.AuditPage, error) {
	var where []string
	var args []any
	add := func(clause string, val any) {
		args = append(args, val)
		where = append(where, strings.Replace(clause, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	if q.Namespace != "" {
		add("namespace = ?", q.Namespace)
	}
	if q.Tenant != "" {
		add("tenant = ?", q.Tenant)
	}
	if q.Provider != "" {
		add("provider = ?", q.Provider)
	}
	if q.ActionType != "" {
		add("action_type = ?", q.ActionType)
	}
	if q.OutcomeKind != "" {
		add("outcome_kind = ?", string(q.OutcomeKind))
	}
	if q.ActionID != "" {
		add("action_id = ?", q.ActionID)
	}
	if q.ChainID != "" {
		add("chain_id = ?", q.ChainID)
	}
	if q.Since != nil {
		add("dispatched_at >= ?", *q.Since)
	}
	if q.Until != nil {
		add("dispatched_at <= ?", *q.Until)
	}

	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := s.db.GetContext(ctx, &total, "SELECT count(*) FROM audit_records"+whereSQL, args...); err != nil {
		return domain.AuditPage{}, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	pageArgs := append(append([]any{}, args...), limit, offset)
	query := selectAuditRecordSQL + whereSQL +
		" ORDER BY dispatched_at DESC LIMIT $" + strconv.Itoa(len(args)+1) + " OFFSET $" + strconv.Itoa(len(args)+2)

	var records []domain.AuditRecord
	if err := s.db.SelectContext(ctx, &records, query, pageArgs...); err != nil {
		return domain.AuditPage{}, err
	}
	if records == nil {
		records = []domain.AuditRecord{}
	}
	return domain.AuditPage{Records: records, Total: total, Limit: limit, Offset: q.Offset}, nil
}

func (s *PostgresStore) Verify(ctx context.Context, namespace, tenant string) (domain.VerifyResult, error) {
	var ordered []domain.AuditRecord
	query := selectAuditRecordSQL + `
		WHERE namespace = $1 AND tenant = $2 ORDER BY sequence_number ASC
	`
	if err := s.db.SelectContext(ctx, &ordered, query, namespace, tenant); err != nil {
		return domain.VerifyResult{}, err
	}
	return verifyChain(ordered, s.auditLog, namespace, tenant)
}

func (s *PostgresStore) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM audit_records
		WHERE compliance_hold = FALSE AND expires_at IS NOT NULL AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *PostgresStore) AppendDLQ(ctx context.Context, entry domain.DeadLetterEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	payload := string(entry.Payload)
	if strings.TrimSpace(payload) == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letter_entries (id, tenant, action_id, provider, reason, attempts, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.Tenant, entry.ActionID, entry.Provider, entry.Reason, entry.Attempts, payload, entry.CreatedAt)
	return err
}

const selectDLQSQL = `
	SELECT id, tenant, action_id, provider, reason, attempts, payload, created_at
	FROM dead_letter_entries
`

func (s *PostgresStore) ListDLQ(ctx context.Context, tenant string) ([]domain.DeadLetterEntry, error) {
	var entries []domain.DeadLetterEntry
	var err error
	if tenant == "" {
		err = s.db.SelectContext(ctx, &entries, selectDLQSQL+" ORDER BY created_at ASC")
	} else {
		err = s.db.SelectContext(ctx, &entries, selectDLQSQL+" WHERE tenant = $1 ORDER BY created_at ASC", tenant)
	}
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *PostgresStore) DrainDLQ(ctx context.Context, tenant string) ([]domain.DeadLetterEntry, error) {
	var entries []domain.DeadLetterEntry
	var err error
	if tenant == "" {
		err = s.db.SelectContext(ctx, &entries, "DELETE FROM dead_letter_entries RETURNING id, tenant, action_id, provider, reason, attempts, payload, created_at")
	} else {
		err = s.db.SelectContext(ctx, &entries, "DELETE FROM dead_letter_entries WHERE tenant = $1 RETURNING id, tenant, action_id, provider, reason, attempts, payload, created_at", tenant)
	}
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *PostgresStore) Close(ctx context.Context) error {
	return s.db.Close()
}
