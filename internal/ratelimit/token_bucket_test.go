package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, perSec float64) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, capacity, perSec, time.Minute), mr
}

func TestTokenBucketDrainsAndRejects(t *testing.T) {
	ctx := context.Background()
	bucket, mr := newBucket(t, 2, 1)

	d, err := bucket.Allow(ctx, "rl:submit:127.0.0.1")
	if err != nil || !d.Allowed {
		t.Fatalf("expected first token allowed got %+v err=%v", d, err)
	}
	if d.Remaining < 0.99 || d.Remaining > 1.01 {
		t.Fatalf("expected one token left, got %v", d.Remaining)
	}
	d, _ = bucket.Allow(ctx, "rl:submit:127.0.0.1")
	if !d.Allowed {
		t.Fatalf("expected second token allowed")
	}
	d, _ = bucket.Allow(ctx, "rl:submit:127.0.0.1")
	if d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Fatalf("retry-after out of range: %s", d.RetryAfter)
	}

	if ttl := mr.TTL("rl:submit:127.0.0.1"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected idle ttl on bucket, got %s", ttl)
	}

	// other keys have their own bucket
	d, _ = bucket.Allow(ctx, "rl:submit:10.0.0.1")
	if !d.Allowed {
		t.Fatalf("expected independent bucket per key")
	}
}

func TestTokenBucketRetryAfterFollowsRefillRate(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 1, 4)

	if d, _ := bucket.Allow(ctx, "k"); !d.Allowed {
		t.Fatalf("expected first token allowed")
	}
	d, err := bucket.Allow(ctx, "k")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected rejection on empty bucket")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > 250*time.Millisecond {
		t.Fatalf("retry-after %s, want within 250ms at 4 tokens/s", d.RetryAfter)
	}
}

func TestTokenBucketWithoutRefillNeverRecovers(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 1, 0)

	_, _ = bucket.Allow(ctx, "k")
	d, err := bucket.Allow(ctx, "k")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if d.Allowed || d.RetryAfter < time.Hour {
		t.Fatalf("expected permanent rejection, got %+v", d)
	}
}
