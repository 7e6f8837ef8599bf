package ratelimit

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, capacity, refill, time.Minute), mr
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, mr := newBucket(t, 2, 1)

	allowed, _, err := bucket.Allow(ctx, "client-a")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "client-a")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "client-a")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}
	allowed, _, _ = bucket.Allow(ctx, "client-b")
	if !allowed {
		t.Fatalf("expected separate bucket per client")
	}
	if !mr.Exists("ratelimit:upload:client-a") {
		t.Fatalf("expected namespaced bucket key")
	}
}

func TestTokenBucketRefill(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 1, 1)
	clock := time.Unix(1_700_000_000, 0)
	bucket.now = func() time.Time { return clock }

	if ok, _, _ := bucket.Allow(ctx, "c"); !ok {
		t.Fatalf("expected first token")
	}
	if ok, _, _ := bucket.Allow(ctx, "c"); ok {
		t.Fatalf("expected bucket empty")
	}
	clock = clock.Add(1500 * time.Millisecond)
	if ok, _, _ := bucket.Allow(ctx, "c"); !ok {
		t.Fatalf("expected token after refill")
	}
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/upload-pdf", nil)
	r.RemoteAddr = "10.0.0.7:51234"
	if got := ClientKey(r); got != "10.0.0.7" {
		t.Fatalf("expected remote host, got %q", got)
	}
	r.Header.Set("X-Client-ID", "ingest-bot")
	if got := ClientKey(r); got != "ingest-bot" {
		t.Fatalf("expected header client id, got %q", got)
	}
}
