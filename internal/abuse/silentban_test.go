package abuse

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"citadelbot/internal/crypto"
	"citadelbot/internal/storage"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db")
	store, err := storage.Open(context.Background(), "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestBans(t *testing.T) (*SilentBans, *miniredis.Miniredis) {
	t.Helper()
	mr, client := newTestRedis(t)
	key, err := base64.StdEncoding.DecodeString("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	cm, err := crypto.NewManager("k1", map[string][]byte{"k1": key})
	if err != nil {
		t.Fatalf("new crypto manager: %v", err)
	}
	return NewSilentBans(client, newTestStore(t), cm, zerolog.Nop(), time.Minute), mr
}

func TestSilentBanLifecycle(t *testing.T) {
	ctx := context.Background()
	bans, _ := newTestBans(t)

	ch, err := bans.Ban(ctx, 100, 200, "join scan", 0.8)
	if err != nil {
		t.Fatalf("ban: %v", err)
	}
	if ch.Text == "" {
		t.Fatalf("expected a challenge puzzle")
	}

	banned, err := bans.IsBanned(ctx, 100, 200)
	if err != nil {
		t.Fatalf("is banned: %v", err)
	}
	if !banned {
		t.Fatalf("expected user to be banned")
	}

	text, err := bans.ChallengeText(ctx, 100, 200)
	if err != nil {
		t.Fatalf("challenge text: %v", err)
	}
	if text != ch.Text {
		t.Fatalf("expected stored puzzle %q, got %q", ch.Text, text)
	}
}

func TestSilentBanWrongAnswerKeepsBan(t *testing.T) {
	ctx := context.Background()
	bans, _ := newTestBans(t)

	ch, err := bans.Ban(ctx, 100, 200, "join scan", 0.8)
	if err != nil {
		t.Fatalf("ban: %v", err)
	}

	ok, err := bans.VerifyAnswer(ctx, 100, 200, strconv.Itoa(ch.Answer+1))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatalf("wrong answer must not lift the ban")
	}

	banned, err := bans.IsBanned(ctx, 100, 200)
	if err != nil {
		t.Fatalf("is banned: %v", err)
	}
	if !banned {
		t.Fatalf("expected ban to survive a wrong answer")
	}
}

func TestSilentBanCorrectAnswerLifts(t *testing.T) {
	ctx := context.Background()
	bans, _ := newTestBans(t)

	ch, err := bans.Ban(ctx, 100, 200, "join scan", 0.8)
	if err != nil {
		t.Fatalf("ban: %v", err)
	}

	ok, err := bans.VerifyAnswer(ctx, 100, 200, "  "+strconv.Itoa(ch.Answer)+" ")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("correct answer must lift the ban")
	}

	banned, err := bans.IsBanned(ctx, 100, 200)
	if err != nil {
		t.Fatalf("is banned: %v", err)
	}
	if banned {
		t.Fatalf("expected ban to be gone after a correct answer")
	}
	if _, err := bans.ChallengeText(ctx, 100, 200); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for lifted ban, got %v", err)
	}
}

func TestSilentBanSurvivesCacheLoss(t *testing.T) {
	ctx := context.Background()
	bans, mr := newTestBans(t)

	if _, err := bans.Ban(ctx, 100, 200, "join scan", 0.8); err != nil {
		t.Fatalf("ban: %v", err)
	}
	mr.FlushAll()

	banned, err := bans.IsBanned(ctx, 100, 200)
	if err != nil {
		t.Fatalf("is banned: %v", err)
	}
	if !banned {
		t.Fatalf("durable record must back the cache")
	}
}

func TestSilentBanManualLift(t *testing.T) {
	ctx := context.Background()
	bans, _ := newTestBans(t)

	if _, err := bans.Ban(ctx, 100, 200, "admin", 1); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if err := bans.Lift(ctx, 100, 200); err != nil {
		t.Fatalf("lift: %v", err)
	}
	banned, err := bans.IsBanned(ctx, 100, 200)
	if err != nil {
		t.Fatalf("is banned: %v", err)
	}
	if banned {
		t.Fatalf("expected manual lift to clear the ban")
	}

	if err := bans.Lift(ctx, 100, 200); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double lift, got %v", err)
	}
}
