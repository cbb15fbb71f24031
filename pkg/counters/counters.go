package counters

import (
	"context"
	"sync"
	"time"
)

// ScopeGlobal counts every recorded success. Per-tool successes also count
// under ToolScope(tool).
const ScopeGlobal = "global"

func ToolScope(tool string) string { return "tool:" + tool }

// bucket granularity for all backends. Windows are evaluated as the sum of
// whole buckets newer than now-window.
const bucketSize = time.Minute

// Store tracks successful mutation attempts per scope. Counters increment
// only when a caller reports success, never on evaluation.
type Store interface {
	// Value returns the number of successes recorded for the scope within
	// the trailing window.
	Value(ctx context.Context, scope string, window time.Duration) (int, error)
	// RecordSuccess increments the current bucket for each scope.
	RecordSuccess(ctx context.Context, scopes ...string) error
}

func bucketStart(now time.Time) time.Time {
	return now.UTC().Truncate(bucketSize)
}

// Memory is the in-process fallback used when no durable backend is
// configured, and the workhorse for tests.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]map[int64]int
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{buckets: map[string]map[int64]int{}, now: time.Now}
}

func (m *Memory) Value(ctx context.Context, scope string, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().UTC().Add(-window)
	total := 0
	for start, n := range m.buckets[scope] {
		if time.Unix(start, 0).Add(bucketSize).After(cutoff) {
			total += n
		}
	}
	return total, nil
}

func (m *Memory) RecordSuccess(ctx context.Context, scopes ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := bucketStart(m.now()).Unix()
	for _, scope := range scopes {
		b, ok := m.buckets[scope]
		if !ok {
			b = map[int64]int{}
			m.buckets[scope] = b
		}
		b[start]++
	}
	return nil
}
