package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, "rl:test:*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})
	return NewLimiter(client), client
}

func TestAllow_WithinAndOverLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:allow:", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "u1", rule)
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !ok {
			t.Fatalf("request %d: expected allowed", i+1)
		}
	}
	ok, _ := l.Allow(ctx, "u1", rule)
	if ok {
		t.Fatal("expected 4th request to be limited")
	}

	// Other identifiers have their own window.
	if ok, _ := l.Allow(ctx, "u2", rule); !ok {
		t.Error("expected a different identifier to be allowed")
	}
}

func TestRemainingAndRetryAfter(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:remaining:", Limit: 5, Window: 30 * time.Second}

	if n, _ := l.Remaining(ctx, "u1", rule); n != 5 {
		t.Errorf("expected full limit before first use, got %d", n)
	}
	_, _ = l.Allow(ctx, "u1", rule)
	_, _ = l.Allow(ctx, "u1", rule)
	if n, _ := l.Remaining(ctx, "u1", rule); n != 3 {
		t.Errorf("expected 3 remaining, got %d", n)
	}

	wait := l.RetryAfter(ctx, "u1", rule)
	if wait <= 0 || wait > rule.Window {
		t.Errorf("expected retry within window, got %s", wait)
	}
	if wait := l.RetryAfter(ctx, "nobody", rule); wait != rule.Window {
		t.Errorf("expected full window for unknown key, got %s", wait)
	}
}
