package dedupe

import (
	"context"
	"strings"
	"time"

	"github.com/aramirez087/ReplyGuy-sub000/pkg/store"
)

const (
	keyPrefix     = "mut:"
	pendingPrefix = "pending:"
	donePrefix    = "done:"
)

// Window is the fast-path idempotency check. It remembers recently seen
// parameter hashes for a short TTL so retry storms short-circuit before any
// durable round trip. Best-effort: losing it on restart is acceptable, the
// durable audit check still runs behind it.
type Window struct {
	Cache store.Cache
	TTL   time.Duration
}

func New(cache store.Cache, ttl time.Duration) *Window {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Window{Cache: cache, TTL: ttl}
}

// CheckAndRemember remembers the hash if unseen and reports whether it was
// already present. For a duplicate whose first attempt already finished,
// prior carries the recorded outcome summary.
func (w *Window) CheckAndRemember(ctx context.Context, hash, correlationID string) (prior string, dup bool) {
	ok, err := w.Cache.SetNX(ctx, keyPrefix+hash, pendingPrefix+correlationID, w.TTL)
	if err != nil {
		// Advisory layer: a broken cache never blocks evaluation.
		return "", false
	}
	if ok {
		return "", false
	}
	val, err := w.Cache.Get(ctx, keyPrefix+hash)
	if err != nil {
		return "", true
	}
	if strings.HasPrefix(val, donePrefix) {
		return strings.TrimPrefix(val, donePrefix), true
	}
	return "", true
}

// RememberOutcome overwrites the remembered value with the final summary so
// later fast-path duplicates can report what already happened.
func (w *Window) RememberOutcome(ctx context.Context, hash, summary string) {
	_ = w.Cache.Set(ctx, keyPrefix+hash, donePrefix+summary, w.TTL)
}

// Forget drops the hash so a failed attempt can be retried immediately.
func (w *Window) Forget(ctx context.Context, hash string) {
	_ = w.Cache.Del(ctx, keyPrefix+hash)
}
