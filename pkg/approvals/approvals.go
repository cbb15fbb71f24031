// Package approvals persists mutation requests that policy routed to a human.
// The gateway only enqueues; review and resolution happen out of band.
package approvals

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Queue accepts mutation requests awaiting human review.
type Queue interface {
	// Enqueue stores the request and returns the queue entry id.
	Enqueue(ctx context.Context, tool string, params json.RawMessage, reason string) (string, error)
	// PendingStats reports how many entries are unresolved and the age of the
	// oldest one in seconds.
	PendingStats(ctx context.Context) (int, float64, error)
}

type approvalDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres stores queue entries in the approval_queue table.
type Postgres struct {
	DB approvalDB
}

func NewPostgres(db approvalDB) *Postgres {
	return &Postgres{DB: db}
}

func (p *Postgres) Enqueue(ctx context.Context, tool string, params json.RawMessage, reason string) (string, error) {
	id := uuid.NewString()
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	_, err := p.DB.Exec(ctx, `
		INSERT INTO approval_queue (id, tool, params, reason, status, created_at)
		VALUES ($1, $2, $3, $4, 'pending', $5)
	`, id, tool, string(params), reason, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("enqueue approval: %w", err)
	}
	return id, nil
}

func (p *Postgres) PendingStats(ctx context.Context) (int, float64, error) {
	var count int
	var oldest float64
	err := p.DB.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(EXTRACT(EPOCH FROM now() - MIN(created_at)), 0)
		FROM approval_queue
		WHERE status = 'pending'
	`).Scan(&count, &oldest)
	if err != nil {
		return 0, 0, fmt.Errorf("approval stats: %w", err)
	}
	return count, oldest, nil
}

// Memory is an in-process queue for tests and single-node deployments
// without postgres.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
	now     func() time.Time
}

// Entry is one queued request, visible for test assertions.
type Entry struct {
	ID        string
	Tool      string
	Params    json.RawMessage
	Reason    string
	CreatedAt time.Time
}

func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

func (m *Memory) Enqueue(_ context.Context, tool string, params json.RawMessage, reason string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.entries = append(m.entries, Entry{
		ID:        id,
		Tool:      tool,
		Params:    append(json.RawMessage(nil), params...),
		Reason:    reason,
		CreatedAt: m.now().UTC(),
	})
	return id, nil
}

func (m *Memory) PendingStats(context.Context) (int, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return 0, 0, nil
	}
	oldest := m.entries[0].CreatedAt
	for _, e := range m.entries[1:] {
		if e.CreatedAt.Before(oldest) {
			oldest = e.CreatedAt
		}
	}
	return len(m.entries), m.now().UTC().Sub(oldest).Seconds(), nil
}

// Entries returns a copy of the queued entries.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}
