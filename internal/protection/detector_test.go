package protection

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

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store, err := storage.Open(context.Background(), "sqlite", "file:"+filepath.Join(t.TempDir(), "test.db"), true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return NewDetector(rdb, store, zerolog.Nop(), DetectorConfig{
		JoinFloodCount:  10,
		JoinFloodWindow: 10 * time.Second,
		MsgFloodCount:   5,
		MsgFloodWindow:  time.Second,
		PanicDuration:   30 * time.Minute,
		NewJoinerWindow: 24 * time.Hour,
	})
}

func TestJoinFloodTriggersPanic(t *testing.T) {
	d := newTestDetector(t)
	t0 := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	for i := 0; i < 9; i++ {
		fresh, err := d.RecordJoin(context.Background(), 1, int64(100+i), t0.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("join#%d: %v", i+1, err)
		}
		if fresh {
			t.Fatalf("join #%d must not trigger panic yet", i+1)
		}
	}

	fresh, err := d.RecordJoin(context.Background(), 1, 109, t0.Add(9*time.Second))
	if err != nil {
		t.Fatalf("join#10: %v", err)
	}
	if !fresh {
		t.Fatal("tenth join inside the window should trigger panic")
	}

	st, err := d.State(context.Background(), 1, t0.Add(9*time.Second))
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if !st.PanicActive || st.PanicReason != TriggerJoinFlood {
		t.Fatalf("expected active join-flood panic, got %+v", st)
	}

	// re-entry only extends the deadline
	fresh, err = d.RecordJoin(context.Background(), 1, 110, t0.Add(10*time.Second))
	if err != nil {
		t.Fatalf("join#11: %v", err)
	}
	if fresh {
		t.Fatal("re-entry while active must not count as a fresh trigger")
	}
}

func TestPanicExpires(t *testing.T) {
	d := newTestDetector(t)
	t0 := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	if _, err := d.EnterPanic(context.Background(), 1, TriggerManual, t0); err != nil {
		t.Fatalf("enter panic: %v", err)
	}

	st, err := d.State(context.Background(), 1, t0.Add(29*time.Minute))
	if err != nil {
		t.Fatalf("state before deadline: %v", err)
	}
	if !st.PanicActive {
		t.Fatal("panic should still be active before the deadline")
	}

	st, err = d.State(context.Background(), 1, t0.Add(31*time.Minute))
	if err != nil {
		t.Fatalf("state after deadline: %v", err)
	}
	if st.PanicActive {
		t.Fatal("panic should expire after its deadline")
	}
}

func TestMessageFloodNeedsDistinctSenders(t *testing.T) {
	d := newTestDetector(t)
	t0 := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	// one scripted sender cannot lock the chat down
	for i := 0; i < 8; i++ {
		fresh, err := d.RecordMessage(context.Background(), 1, 42, t0.Add(time.Duration(i)*100*time.Millisecond))
		if err != nil {
			t.Fatalf("msg#%d: %v", i+1, err)
		}
		if fresh {
			t.Fatal("single-sender burst must not trigger panic")
		}
	}

	// the same burst from two senders does
	var fresh bool
	var err error
	for i := 0; i < 8; i++ {
		fresh, err = d.RecordMessage(context.Background(), 2, int64(42+i%2), t0.Add(time.Duration(i)*100*time.Millisecond))
		if err != nil {
			t.Fatalf("msg#%d: %v", i+1, err)
		}
		if fresh {
			break
		}
	}
	if !fresh {
		t.Fatal("multi-sender burst should trigger panic")
	}
}

func TestSetDefconKeepsPanicOverlay(t *testing.T) {
	d := newTestDetector(t)
	t0 := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	if _, err := d.EnterPanic(context.Background(), 1, TriggerManual, t0); err != nil {
		t.Fatalf("enter panic: %v", err)
	}
	st, err := d.SetDefcon(context.Background(), 1, LevelStrict, t0)
	if err != nil {
		t.Fatalf("set defcon: %v", err)
	}
	if st.DefconLevel != LevelStrict || !st.PanicActive {
		t.Fatalf("level change must not clear the overlay, got %+v", st)
	}

	if err := d.ExitPanic(context.Background(), 1); err != nil {
		t.Fatalf("exit panic: %v", err)
	}
	st, err = d.State(context.Background(), 1, t0)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.PanicActive || st.DefconLevel != LevelStrict {
		t.Fatalf("expected calm state at level 2, got %+v", st)
	}
}

func TestRecentJoinersRoster(t *testing.T) {
	d := newTestDetector(t)
	t0 := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	for _, uid := range []int64{100, 101, 100} {
		if _, err := d.RecordJoin(context.Background(), 1, uid, t0); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	joiners, err := d.RecentJoiners(context.Background(), 1, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("recent joiners: %v", err)
	}
	if len(joiners) != 2 {
		t.Fatalf("expected 2 distinct joiners, got %v", joiners)
	}
}
