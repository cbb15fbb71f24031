package counters

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type counterDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres keeps one row per (scope, bucket_start) and increments it
// atomically, so counts survive restarts and multi-instance deployments.
type Postgres struct {
	DB  counterDB
	now func() time.Time
}

func NewPostgres(db counterDB) *Postgres {
	return &Postgres{DB: db, now: time.Now}
}

func (p *Postgres) Value(ctx context.Context, scope string, window time.Duration) (int, error) {
	cutoff := p.now().UTC().Add(-window).Add(-bucketSize)
	var total int
	err := p.DB.QueryRow(ctx, `
		SELECT COALESCE(SUM(count), 0)
		FROM rate_counters
		WHERE scope = $1 AND bucket_start > $2
	`, scope, cutoff).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("counter value %q: %w", scope, err)
	}
	return total, nil
}

func (p *Postgres) RecordSuccess(ctx context.Context, scopes ...string) error {
	start := bucketStart(p.now())
	for _, scope := range scopes {
		if _, err := p.DB.Exec(ctx, `
			INSERT INTO rate_counters (scope, bucket_start, count)
			VALUES ($1, $2, 1)
			ON CONFLICT (scope, bucket_start)
			DO UPDATE SET count = rate_counters.count + 1
		`, scope, start); err != nil {
			return fmt.Errorf("counter increment %q: %w", scope, err)
		}
	}
	return nil
}

// Prune removes buckets older than the retention horizon. Called from the
// gateway sweep loop; failures are logged there and retried next tick.
func (p *Postgres) Prune(ctx context.Context, olderThan time.Duration) error {
	cutoff := p.now().UTC().Add(-olderThan)
	if _, err := p.DB.Exec(ctx, `DELETE FROM rate_counters WHERE bucket_start < $1`, cutoff); err != nil {
		return fmt.Errorf("counter prune: %w", err)
	}
	return nil
}
