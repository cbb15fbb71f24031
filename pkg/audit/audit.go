package audit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/aramirez087/ReplyGuy-sub000/pkg/models"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ErrDuplicateInProgress is returned when the strict single-flight index
// rejects a second pending record for the same parameter hash.
var ErrDuplicateInProgress = errors.New("identical mutation already in flight")

// Log is the durable audit trail. Every allowed mutation gets a pending
// record before the caller executes; the record moves to exactly one
// terminal status afterwards.
type Log struct {
	DB   auditDB
	Logf func(format string, args ...any)
}

func NewLog(db auditDB) *Log {
	return &Log{DB: db, Logf: log.Printf}
}

func (l *Log) logf(format string, args ...any) {
	if l.Logf != nil {
		l.Logf(format, args...)
	}
}

// InsertPendingUnlessDuplicate atomically checks for a recent successful
// record with the same parameter hash and, when none exists, inserts a new
// pending record. The check and the insert run as one statement so two
// concurrent identical requests cannot both pass the check. When a recent
// success blocks the insert, the blocking record is returned as prior.
func (l *Log) InsertPendingUnlessDuplicate(ctx context.Context, correlationID, tool, paramsHash string, window time.Duration) (string, *models.AuditRecord, error) {
	auditID := uuid.NewString()
	cutoff := time.Now().UTC().Add(-window)
	var inserted string
	err := l.DB.QueryRow(ctx, `
		INSERT INTO audit_records (id, correlation_id, tool, params_hash, status, created_at)
		SELECT $1, $2, $3, $4, 'pending', now()
		WHERE NOT EXISTS (
			SELECT 1 FROM audit_records
			WHERE params_hash = $4 AND status = 'success' AND created_at > $5
		)
		RETURNING id
	`, auditID, correlationID, tool, paramsHash, cutoff).Scan(&inserted)
	if err == nil {
		return inserted, nil, nil
	}
	if isUniqueViolation(err) {
		return "", nil, ErrDuplicateInProgress
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", nil, fmt.Errorf("insert pending: %w", err)
	}
	prior, err := l.recentSuccess(ctx, paramsHash, cutoff)
	if err != nil {
		return "", nil, fmt.Errorf("load duplicate: %w", err)
	}
	if prior == nil {
		// The blocking success completed and aged out between the two
		// statements; the caller simply retries.
		return "", nil, fmt.Errorf("insert pending: record vanished, retry")
	}
	return "", prior, nil
}

func (l *Log) recentSuccess(ctx context.Context, paramsHash string, cutoff time.Time) (*models.AuditRecord, error) {
	var rec models.AuditRecord
	var completed *time.Time
	err := l.DB.QueryRow(ctx, `
		SELECT id, correlation_id, tool, params_hash, status, COALESCE(result_summary, ''), created_at, completed_at
		FROM audit_records
		WHERE params_hash = $1 AND status = 'success' AND created_at > $2
		ORDER BY created_at DESC
		LIMIT 1
	`, paramsHash, cutoff).Scan(&rec.ID, &rec.CorrelationID, &rec.Tool, &rec.ParamsHash, &rec.Status, &rec.ResultSummary, &rec.CreatedAt, &completed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.CompletedAt = completed
	return &rec, nil
}

// Completion identifies the finalized record so the gateway can update
// counters and the fast dedupe window.
type Completion struct {
	CorrelationID string
	Tool          string
	ParamsHash    string
}

// CompleteSuccess moves a pending record to success. Unknown or already
// terminal tickets are a caller bug: logged and ignored, nil Completion.
func (l *Log) CompleteSuccess(ctx context.Context, auditID, resultSummary string) (*Completion, error) {
	return l.complete(ctx, auditID, models.StatusSuccess, resultSummary)
}

// CompleteFailure moves a pending record to failure. Failures are never
// treated as duplicates later, so retries stay possible.
func (l *Log) CompleteFailure(ctx context.Context, auditID, errorMessage string) (*Completion, error) {
	return l.complete(ctx, auditID, models.StatusFailure, errorMessage)
}

func (l *Log) complete(ctx context.Context, auditID, status, summary string) (*Completion, error) {
	var c Completion
	err := l.DB.QueryRow(ctx, `
		UPDATE audit_records
		SET status = $2, result_summary = $3, completed_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING correlation_id, tool, params_hash
	`, auditID, status, summary).Scan(&c.CorrelationID, &c.Tool, &c.ParamsHash)
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("complete %s: %w", status, err)
	}
	var current string
	lookupErr := l.DB.QueryRow(ctx, `SELECT status FROM audit_records WHERE id = $1`, auditID).Scan(&current)
	switch {
	case errors.Is(lookupErr, pgx.ErrNoRows):
		l.logf("audit: completion for unknown ticket %s ignored", auditID)
	case lookupErr != nil:
		return nil, fmt.Errorf("complete %s: %w", status, lookupErr)
	case current == status:
		l.logf("audit: repeated %s completion for %s ignored", status, auditID)
	default:
		l.logf("audit: conflicting completion for %s: already %s, caller sent %s", auditID, current, status)
	}
	return nil, nil
}

// SweepStale ages pending records older than the timeout into stale so they
// stop blocking same-hash retries. Returns the number of records swept.
func (l *Log) SweepStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := l.DB.Exec(ctx, `
		UPDATE audit_records
		SET status = 'stale', completed_at = now()
		WHERE status = 'pending' AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Get returns the audit record for one correlation id.
func (l *Log) Get(ctx context.Context, correlationID string) (models.AuditRecord, error) {
	var rec models.AuditRecord
	var completed *time.Time
	err := l.DB.QueryRow(ctx, `
		SELECT id, correlation_id, tool, params_hash, status, COALESCE(result_summary, ''), created_at, completed_at
		FROM audit_records
		WHERE correlation_id = $1
	`, correlationID).Scan(&rec.ID, &rec.CorrelationID, &rec.Tool, &rec.ParamsHash, &rec.Status, &rec.ResultSummary, &rec.CreatedAt, &completed)
	if err != nil {
		return models.AuditRecord{}, err
	}
	rec.CompletedAt = completed
	return rec, nil
}

// PendingStats reports how many records are still pending and the age of the
// oldest, for metrics and status views.
func (l *Log) PendingStats(ctx context.Context) (int, float64, error) {
	var count int
	var oldest float64
	err := l.DB.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(MAX(EXTRACT(EPOCH FROM (now() - created_at))), 0)
		FROM audit_records WHERE status = 'pending'
	`).Scan(&count, &oldest)
	if err != nil {
		return 0, 0, fmt.Errorf("pending stats: %w", err)
	}
	return count, oldest, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
