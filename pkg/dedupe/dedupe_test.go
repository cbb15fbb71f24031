package dedupe

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/aramirez087/ReplyGuy-sub000/pkg/store"
)

func TestCheckAndRememberFirstAndDuplicate(t *testing.T) {
	ctx := context.Background()
	w := New(store.NewMemoryCache(), time.Second)

	prior, dup := w.CheckAndRemember(ctx, "hash-a", "corr-1")
	if dup || prior != "" {
		t.Fatalf("first sighting flagged duplicate: prior=%q dup=%v", prior, dup)
	}
	prior, dup = w.CheckAndRemember(ctx, "hash-a", "corr-2")
	if !dup {
		t.Fatal("second sighting within window must be a duplicate")
	}
	if prior != "" {
		t.Fatalf("pending duplicate must not carry an outcome, got %q", prior)
	}
	if _, dup = w.CheckAndRemember(ctx, "hash-b", "corr-3"); dup {
		t.Fatal("unrelated hash must not be a duplicate")
	}
}

func TestRememberOutcomeSurfacesPriorSummary(t *testing.T) {
	ctx := context.Background()
	w := New(store.NewMemoryCache(), time.Second)

	w.CheckAndRemember(ctx, "hash-a", "corr-1")
	w.RememberOutcome(ctx, "hash-a", "tweet id 999")
	prior, dup := w.CheckAndRemember(ctx, "hash-a", "corr-2")
	if !dup {
		t.Fatal("completed hash must still be a duplicate inside the window")
	}
	if prior != "tweet id 999" {
		t.Fatalf("prior outcome = %q, want tweet id 999", prior)
	}
}

func TestForgetAllowsRetry(t *testing.T) {
	ctx := context.Background()
	w := New(store.NewMemoryCache(), time.Second)

	w.CheckAndRemember(ctx, "hash-a", "corr-1")
	w.Forget(ctx, "hash-a")
	if _, dup := w.CheckAndRemember(ctx, "hash-a", "corr-2"); dup {
		t.Fatal("forgotten hash must not block a retry")
	}
}

func TestWindowExpiresOnRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	w := New(store.NewCache(ctx, client), 50*time.Millisecond)

	if _, dup := w.CheckAndRemember(ctx, "hash-a", "corr-1"); dup {
		t.Fatal("first sighting flagged duplicate")
	}
	if _, dup := w.CheckAndRemember(ctx, "hash-a", "corr-2"); !dup {
		t.Fatal("expected duplicate inside ttl")
	}
	mr.FastForward(time.Second)
	if _, dup := w.CheckAndRemember(ctx, "hash-a", "corr-3"); dup {
		t.Fatal("expired hash must not be a duplicate")
	}
}
