// Package audit provides the append-only, PII-masked event journal.
//
// Records are the stable external contract for downstream log consumers:
// field names ts / action / tenant_id / actor_id / subject_id / details
// never change. Records are never updated or deleted; the Postgres table
// carries no UPDATE/DELETE grants for the gateway role.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// Action tags. Kept as raw strings in storage; typed here so call sites
// cannot typo them.
type Action string

const (
	ActionInboundAccepted    Action = "INBOUND_ACCEPTED"
	ActionInboundStale       Action = "INBOUND_STALE"
	ActionTenantUnresolved   Action = "TENANT_UNRESOLVED"
	ActionAuthSignatureFail  Action = "AUTH_SIGNATURE_FAIL"
	ActionOTPIssued          Action = "OTP_ISSUED"
	ActionOTPVerified        Action = "OTP_VERIFIED"
	ActionOTPFail            Action = "OTP_FAIL"
	ActionOTPFailTerminal    Action = "OTP_FAIL_TERMINAL"
	ActionOTPThrottled       Action = "OTP_THROTTLED"
	ActionStateTransition    Action = "STATE_TRANSITION"
	ActionOrderStatus        Action = "ORDER_STATUS_CHANGE"
	ActionReceiptUploaded    Action = "RECEIPT_UPLOADED"
	ActionReceiptUploadFail  Action = "RECEIPT_UPLOAD_FAIL"
	ActionEscalationCreated  Action = "ESCALATION_CREATED"
	ActionEscalationResolved Action = "ESCALATION_RESOLVED"
	ActionEscalationExpired  Action = "ESCALATION_EXPIRED"
	ActionSendFail           Action = "SEND_FAIL"
	ActionEventTimeout       Action = "EVENT_TIMEOUT"
	ActionInternalError      Action = "INTERNAL_ERROR"
	ActionChannelBound       Action = "CHANNEL_BOUND"
	ActionChannelUnbound     Action = "CHANNEL_UNBOUND"
)

// Record is one journal entry. Details values are masked on append.
type Record struct {
	TS        time.Time         `json:"ts"`
	Action    Action            `json:"action"`
	TenantID  string            `json:"tenant_id"`
	ActorID   string            `json:"actor_id"`
	SubjectID string            `json:"subject_id"`
	Details   map[string]string `json:"details,omitempty"`
}

// Journal is the append-only sink. Implementations must guarantee that a
// successfully appended record is immutable.
type Journal interface {
	Append(ctx context.Context, rec Record) error
}

// ============================================================================
// POSTGRES JOURNAL
// ============================================================================

// PostgresJournal persists records into an insert-only table.
type PostgresJournal struct {
	db *sql.DB
}

// NewPostgresJournal opens the journal database and ensures the table exists.
func NewPostgresJournal(dsn string) (*PostgresJournal, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit db: %w", err)
	}

	const ddl = `
CREATE TABLE IF NOT EXISTS audit_journal (
    seq        BIGSERIAL PRIMARY KEY,
    ts         TIMESTAMPTZ NOT NULL,
    action     TEXT NOT NULL,
    tenant_id  TEXT NOT NULL,
    actor_id   TEXT NOT NULL DEFAULT '',
    subject_id TEXT NOT NULL DEFAULT '',
    details    JSONB
);
CREATE INDEX IF NOT EXISTS audit_journal_tenant_ts ON audit_journal (tenant_id, ts);`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure audit table: %w", err)
	}

	return &PostgresJournal{db: db}, nil
}

// Append masks and inserts one record.
func (j *PostgresJournal) Append(ctx context.Context, rec Record) error {
	if rec.TS.IsZero() {
		rec.TS = time.Now().UTC()
	}
	details, err := json.Marshal(MaskDetails(rec.Details))
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}

	_, err = j.db.ExecContext(ctx,
		`INSERT INTO audit_journal (ts, action, tenant_id, actor_id, subject_id, details)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.TS, string(rec.Action), rec.TenantID,
		MaskValue(rec.ActorID), MaskValue(rec.SubjectID), details,
	)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (j *PostgresJournal) Close() error { return j.db.Close() }

// ============================================================================
// IN-MEMORY JOURNAL (tests, local dev without Postgres)
// ============================================================================

// MemoryJournal keeps masked records in memory. Append-only by construction:
// Records returns copies.
type MemoryJournal struct {
	mu   sync.Mutex
	recs []Record
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal { return &MemoryJournal{} }

// Append masks and stores one record.
func (j *MemoryJournal) Append(_ context.Context, rec Record) error {
	if rec.TS.IsZero() {
		rec.TS = time.Now().UTC()
	}
	rec.ActorID = MaskValue(rec.ActorID)
	rec.SubjectID = MaskValue(rec.SubjectID)
	rec.Details = MaskDetails(rec.Details)

	j.mu.Lock()
	defer j.mu.Unlock()
	j.recs = append(j.recs, rec)
	return nil
}

// Records returns a copy of all appended records.
func (j *MemoryJournal) Records() []Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Record, len(j.recs))
	copy(out, j.recs)
	return out
}

// CountByAction returns how many records carry the given action tag.
func (j *MemoryJournal) CountByAction(a Action) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, r := range j.recs {
		if r.Action == a {
			n++
		}
	}
	return n
}

// LogFailure is the shared fallback for callers that must not fail their
// own path when the journal is unavailable: the failure itself is logged,
// the business operation proceeds.
func LogFailure(err error, action Action) {
	slog.Error("audit append failed", "action", string(action), "error", err)
}
