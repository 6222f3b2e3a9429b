package ratelimit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"citadelbot/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(context.Background(), "sqlite", "file:"+filepath.Join(t.TempDir(), "test.db"), true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestEnergyBurstAndCooldown(t *testing.T) {
	rdb := newTestRedis(t)
	store := newTestStore(t)
	l := NewEnergyLimiter(rdb, store, zerolog.Nop(), 3, 60*time.Second, 5*time.Minute)

	t0 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	// the first request after idleness is free and leaves a full meter
	first := l.Evaluate(context.Background(), 1, 10, t0)
	if !first.Allowed || first.Remaining != 3 {
		t.Fatalf("idle request: expected free admission with 3 energy, got %+v", first)
	}

	for i := 1; i <= 3; i++ {
		dec := l.Evaluate(context.Background(), 1, 10, t0.Add(time.Duration(i)*time.Second))
		if !dec.Allowed {
			t.Fatalf("request %d should be admitted", i+1)
		}
		if dec.Remaining != 3-i {
			t.Fatalf("request %d: expected %d energy left, got %d", i+1, 3-i, dec.Remaining)
		}
	}

	dec := l.Evaluate(context.Background(), 1, 10, t0.Add(4*time.Second))
	if dec.Allowed {
		t.Fatal("empty meter should reject")
	}
	if dec.RetryAfter != 59*time.Second {
		t.Fatalf("expected retry after 59s, got %v", dec.RetryAfter)
	}
}

func TestEnergyRefillAfterRest(t *testing.T) {
	rdb := newTestRedis(t)
	store := newTestStore(t)
	l := NewEnergyLimiter(rdb, store, zerolog.Nop(), 3, 60*time.Second, 5*time.Minute)

	t0 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		l.Evaluate(context.Background(), 1, 10, t0.Add(time.Duration(i)*time.Second))
	}

	// a full minute of rest refills the meter; the post-rest request
	// does not drain it
	rested := t0.Add(4 * time.Second).Add(60 * time.Second)
	dec := l.Evaluate(context.Background(), 1, 10, rested)
	if !dec.Allowed {
		t.Fatal("rested user should be admitted")
	}
	if dec.Remaining != 3 {
		t.Fatalf("expected a full meter after the refill, got %d", dec.Remaining)
	}
	n, err := l.Peek(context.Background(), 1, 10, rested)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if n != 3 {
		t.Fatalf("meter must read full right after the refilling request, got %d", n)
	}
}

func TestEnergySurvivesCacheLoss(t *testing.T) {
	rdb := newTestRedis(t)
	store := newTestStore(t)
	l := NewEnergyLimiter(rdb, store, zerolog.Nop(), 3, 60*time.Second, 5*time.Minute)

	t0 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		l.Evaluate(context.Background(), 1, 10, t0.Add(time.Duration(i)*time.Second))
	}

	// drop the cache entry; the durable copy must still reject
	if err := rdb.FlushAll(context.Background()).Err(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	dec := l.Evaluate(context.Background(), 1, 10, t0.Add(4*time.Second))
	if dec.Allowed {
		t.Fatal("expected rejection from the durable copy")
	}
}

func TestEnergyPeekDoesNotCharge(t *testing.T) {
	rdb := newTestRedis(t)
	store := newTestStore(t)
	l := NewEnergyLimiter(rdb, store, zerolog.Nop(), 3, 60*time.Second, 5*time.Minute)

	t0 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	l.Evaluate(context.Background(), 1, 10, t0)
	l.Evaluate(context.Background(), 1, 10, t0.Add(time.Second))

	for i := 0; i < 3; i++ {
		n, err := l.Peek(context.Background(), 1, 10, t0.Add(2*time.Second))
		if err != nil {
			t.Fatalf("peek: %v", err)
		}
		if n != 2 {
			t.Fatalf("peek must not charge, got %d", n)
		}
	}
}

func TestEnergyEnforcesThroughRedisOutage(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := newTestStore(t)
	l := NewEnergyLimiter(rdb, store, zerolog.Nop(), 3, 60*time.Second, 5*time.Minute)

	t0 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		l.Evaluate(context.Background(), 1, 10, t0.Add(time.Duration(i)*time.Second))
	}

	// every redis command now fails; the durable copy keeps enforcing
	mr.SetError("connection refused")
	dec := l.Evaluate(context.Background(), 1, 10, t0.Add(4*time.Second))
	if dec.Allowed {
		t.Fatal("drained meter must reject during a redis outage")
	}
}
