package window

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestFixedWindow(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 37, 0, time.UTC)
	start, ttl := Fixed(now, time.Minute)
	if !start.Equal(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected window start: %v", start)
	}
	if ttl != 23*time.Second {
		t.Fatalf("expected ttl 23s, got %v", ttl)
	}

	// exactly on the boundary the full window remains
	start, ttl = Fixed(start, time.Minute)
	if ttl != time.Minute {
		t.Fatalf("expected full window ttl, got %v", ttl)
	}

	// sub-second remainder is clamped so the key does not expire early
	now = time.Date(2026, 3, 2, 10, 0, 59, int(500*time.Millisecond), time.UTC)
	_, ttl = Fixed(now, time.Minute)
	if ttl != time.Second {
		t.Fatalf("expected clamped 1s ttl, got %v", ttl)
	}
}

func TestCounterIncr(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	c := NewCounter(rdb)
	for want := int64(1); want <= 3; want++ {
		got, err := c.Incr(context.Background(), "w:test", 30*time.Second)
		if err != nil {
			t.Fatalf("incr#%d: %v", want, err)
		}
		if got != want {
			t.Fatalf("expected count %d, got %d", want, got)
		}
	}
	if mr.TTL("w:test") <= 0 {
		t.Fatalf("expected expiry on counter key, got %v", mr.TTL("w:test"))
	}
}

func TestRingSlidingWindow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ring := NewRing(rdb, 10*time.Second)
	t0 := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	for i, tag := range []int64{1, 2, 2} {
		if _, err := ring.Add(context.Background(), "ring:test", tag, t0.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("add#%d: %v", i, err)
		}
	}
	count, err := ring.Count(context.Background(), "ring:test", t0.Add(3*time.Second))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 events in window, got %d", count)
	}

	tags, err := ring.Tags(context.Background(), "ring:test", t0.Add(3*time.Second))
	if err != nil {
		t.Fatalf("tags: %v", err)
	}
	if len(tags) != 2 {
		t.Fatalf("expected 2 distinct tags, got %v", tags)
	}

	// the old burst falls out of the window
	count, err = ring.Add(context.Background(), "ring:test", 3, t0.Add(20*time.Second))
	if err != nil {
		t.Fatalf("late add: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected only the fresh event, got %d", count)
	}
}
