package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestQuotaAdmitsUpToLimit(t *testing.T) {
	rdb := newTestRedis(t)
	store := newTestStore(t)
	q := NewQuotaLimiter(rdb, store, zerolog.Nop(), 20, time.Minute)

	now := time.Date(2026, 3, 2, 10, 0, 5, 0, time.UTC)
	for i := 0; i < 20; i++ {
		dec := q.Allow(context.Background(), 1, now)
		if !dec.Allowed {
			t.Fatalf("request %d should be admitted", i+1)
		}
	}

	dec := q.Allow(context.Background(), 1, now)
	if dec.Allowed {
		t.Fatal("request 21 should be rejected")
	}
	if dec.Used != 21 || dec.Limit != 20 {
		t.Fatalf("expected used=21 limit=20, got used=%d limit=%d", dec.Used, dec.Limit)
	}
	if BusyReply != "Busy." {
		t.Fatalf("unexpected rejection text: %q", BusyReply)
	}
}

func TestQuotaFreshWindowRestartsCount(t *testing.T) {
	rdb := newTestRedis(t)
	store := newTestStore(t)
	q := NewQuotaLimiter(rdb, store, zerolog.Nop(), 2, time.Minute)

	now := time.Date(2026, 3, 2, 10, 0, 30, 0, time.UTC)
	q.Allow(context.Background(), 1, now)
	q.Allow(context.Background(), 1, now)
	if dec := q.Allow(context.Background(), 1, now); dec.Allowed {
		t.Fatal("third request in window should be rejected")
	}

	next := time.Date(2026, 3, 2, 10, 1, 0, 0, time.UTC)
	dec := q.Allow(context.Background(), 1, next)
	if !dec.Allowed || dec.Used != 1 {
		t.Fatalf("fresh window should restart at 1, got allowed=%v used=%d", dec.Allowed, dec.Used)
	}
}

func TestQuotaLimitChangeAppliesNextWindow(t *testing.T) {
	rdb := newTestRedis(t)
	store := newTestStore(t)
	q := NewQuotaLimiter(rdb, store, zerolog.Nop(), 5, time.Minute)

	now := time.Date(2026, 3, 2, 10, 0, 10, 0, time.UTC)
	if dec := q.Allow(context.Background(), 1, now); dec.Limit != 5 {
		t.Fatalf("expected default limit 5, got %d", dec.Limit)
	}

	if err := q.SetLimit(context.Background(), 1, 2); err != nil {
		t.Fatalf("set limit: %v", err)
	}

	// the running window keeps its snapshot
	if dec := q.Allow(context.Background(), 1, now); dec.Limit != 5 {
		t.Fatalf("running window must keep its snapshot, got %d", dec.Limit)
	}

	next := time.Date(2026, 3, 2, 10, 1, 0, 0, time.UTC)
	if dec := q.Allow(context.Background(), 1, next); dec.Limit != 2 {
		t.Fatalf("next window should use the new limit, got %d", dec.Limit)
	}
}

func TestQuotaRejectsInvalidLimit(t *testing.T) {
	rdb := newTestRedis(t)
	store := newTestStore(t)
	q := NewQuotaLimiter(rdb, store, zerolog.Nop(), 5, time.Minute)

	if err := q.SetLimit(context.Background(), 1, 0); err == nil {
		t.Fatal("zero limit must be rejected")
	}
}
