package protection

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"citadelbot/internal/storage"
)

func newTestProfileManager(t *testing.T) *ProfileManager {
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

	return NewProfileManager(rdb, store, zerolog.Nop())
}

func TestPresetBundles(t *testing.T) {
	std, err := PresetFlags(PresetStandard)
	if err != nil {
		t.Fatalf("standard: %v", err)
	}
	if !std.AntiSpamLinks || !std.ProfanityAllowed || std.ChallengeKind != ChallengeButton {
		t.Fatalf("unexpected standard bundle: %+v", std)
	}

	strict, err := PresetFlags(PresetStrict)
	if err != nil {
		t.Fatalf("strict: %v", err)
	}
	if !strict.NeuralAdFilter || !strict.BlockForwards || strict.StickerLimit != 3 || strict.ProfanityAllowed {
		t.Fatalf("unexpected strict bundle: %+v", strict)
	}

	bunker, err := PresetFlags(PresetBunker)
	if err != nil {
		t.Fatalf("bunker: %v", err)
	}
	if bunker.ChallengeKind != ChallengeHard || !bunker.MuteNewcomers || !bunker.BlockMediaNonAdmin || !bunker.AggressiveProfanity {
		t.Fatalf("unexpected bunker bundle: %+v", bunker)
	}

	if _, err := PresetFlags("fortress"); !errors.Is(err, ErrUnknownPreset) {
		t.Fatalf("expected ErrUnknownPreset, got %v", err)
	}
}

func TestApplyPresetRoundTrip(t *testing.T) {
	m := newTestProfileManager(t)

	applied, err := m.ApplyPreset(context.Background(), 1, PresetStrict)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	preset, flags, err := m.Profile(context.Background(), 1)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if preset != PresetStrict || flags != applied {
		t.Fatalf("round trip mismatch: preset=%s flags=%+v", preset, flags)
	}

	// reapplying is a no-op in effect
	again, err := m.ApplyPreset(context.Background(), 1, PresetStrict)
	if err != nil {
		t.Fatalf("reapply: %v", err)
	}
	if again != applied {
		t.Fatalf("reapply changed the bundle: %+v", again)
	}
}

func TestUnconfiguredChatRunsStandard(t *testing.T) {
	m := newTestProfileManager(t)

	preset, flags, err := m.Profile(context.Background(), 99)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if preset != PresetStandard || !flags.AntiSpamLinks {
		t.Fatalf("expected standard defaults, got preset=%s flags=%+v", preset, flags)
	}
}

func TestUpdateFlagSwitchesToCustom(t *testing.T) {
	m := newTestProfileManager(t)

	if _, err := m.ApplyPreset(context.Background(), 1, PresetStandard); err != nil {
		t.Fatalf("apply: %v", err)
	}
	flags, err := m.UpdateFlag(context.Background(), 1, func(f *Flags) {
		f.BlockForwards = true
	})
	if err != nil {
		t.Fatalf("update flag: %v", err)
	}
	if !flags.BlockForwards {
		t.Fatal("flag update lost")
	}

	preset, got, err := m.Profile(context.Background(), 1)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if preset != PresetCustom || !got.BlockForwards || !got.AntiSpamLinks {
		t.Fatalf("expected custom profile keeping prior flags, got preset=%s flags=%+v", preset, got)
	}
}
