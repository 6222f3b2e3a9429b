package reputation

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

func newTestLedger(t *testing.T) *Ledger {
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

	return NewLedger(rdb, store, zerolog.Nop(), 1000, 200, 300, 2*time.Minute)
}

func TestNextReadOnlyHysteresis(t *testing.T) {
	cases := []struct {
		name    string
		current bool
		score   int64
		want    bool
	}{
		{"healthy stays writable", false, 1000, false},
		{"drop below enter flips", false, 199, true},
		{"at enter threshold stays writable", false, 200, false},
		{"inside band keeps read-only", true, 250, true},
		{"inside band keeps writable", false, 250, false},
		{"at exit threshold keeps read-only", true, 300, true},
		{"above exit recovers", true, 301, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NextReadOnly(tc.current, tc.score, 200, 300); got != tc.want {
				t.Fatalf("NextReadOnly(%v, %d) = %v, want %v", tc.current, tc.score, got, tc.want)
			}
		})
	}
}

func TestApplyDeltaSeedsAndDebits(t *testing.T) {
	l := newTestLedger(t)

	st, err := l.ApplyDelta(context.Background(), 1, 10, DeltaWarning, "warning")
	if err != nil {
		t.Fatalf("apply delta: %v", err)
	}
	if st.Score != 950 || st.ReadOnly {
		t.Fatalf("expected 950 writable, got %+v", st)
	}

	got, err := l.Standing(context.Background(), 1, 10)
	if err != nil {
		t.Fatalf("standing: %v", err)
	}
	if got.Score != 950 {
		t.Fatalf("standing should match ledger, got %d", got.Score)
	}
}

func TestReadOnlyEnterAndRecover(t *testing.T) {
	l := newTestLedger(t)

	// eight mutes take 1000 down to 200, the ninth breaks the floor
	var st Standing
	var err error
	for i := 0; i < 9; i++ {
		st, err = l.ApplyDelta(context.Background(), 1, 10, DeltaMute, "mute")
		if err != nil {
			t.Fatalf("mute#%d: %v", i+1, err)
		}
	}
	if st.Score != 100 || !st.ReadOnly {
		t.Fatalf("expected 100 read-only, got %+v", st)
	}

	// climbing back inside the band must not release the restriction
	for i := 0; i < 10; i++ {
		st, err = l.ApplyDelta(context.Background(), 1, 10, DeltaTournamentWin, "tournament_win")
		if err != nil {
			t.Fatalf("award#%d: %v", i+1, err)
		}
	}
	if st.Score != 300 || !st.ReadOnly {
		t.Fatalf("expected 300 still read-only, got %+v", st)
	}

	st, err = l.ApplyDelta(context.Background(), 1, 10, DeltaThanks, "thanks")
	if err != nil {
		t.Fatalf("thanks: %v", err)
	}
	if st.Score != 305 || st.ReadOnly {
		t.Fatalf("expected recovery above exit threshold, got %+v", st)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	l := newTestLedger(t)

	l.ApplyDelta(context.Background(), 1, 10, DeltaWarning, "warning")
	l.ApplyDelta(context.Background(), 1, 10, DeltaThanks, "thanks")

	events, err := l.History(context.Background(), 1, 10, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Reason != "thanks" || events[0].ScoreAfter != 955 {
		t.Fatalf("unexpected newest event: %+v", events[0])
	}
}
