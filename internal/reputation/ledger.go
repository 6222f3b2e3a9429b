// Package reputation keeps a per-user standing score with a hysteresis
// band around the read-only sanction, so scores oscillating near the
// threshold do not flap the restriction.
package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"citadelbot/internal/storage"
)

// Event deltas applied by moderation outcomes.
const (
	DeltaWarning       int64 = -50
	DeltaMute          int64 = -100
	DeltaDeletion      int64 = -10
	DeltaThanks        int64 = 5
	DeltaTournamentWin int64 = 20
)

type Standing struct {
	Score    int64
	ReadOnly bool
}

type Ledger struct {
	redis    *redis.Client
	store    *storage.Store
	logger   zerolog.Logger
	initial  int64
	enter    int64
	exit     int64
	cacheTTL time.Duration
}

func NewLedger(rdb *redis.Client, store *storage.Store, logger zerolog.Logger, initial, enter, exit int64, cacheTTL time.Duration) *Ledger {
	return &Ledger{
		redis:    rdb,
		store:    store,
		logger:   logger,
		initial:  initial,
		enter:    enter,
		exit:     exit,
		cacheTTL: cacheTTL,
	}
}

// ApplyDelta moves the score and records the event in one transaction.
// A user's first event seeds the score at the initial value before the
// delta lands.
func (l *Ledger) ApplyDelta(ctx context.Context, chatID, userID, delta int64, reason string) (Standing, error) {
	cur, err := l.store.GetReputation(ctx, chatID, userID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return Standing{}, fmt.Errorf("load reputation: %w", err)
		}
		cur = storage.Reputation{ChatID: chatID, UserID: userID, Score: l.initial}
	}

	score := cur.Score + delta
	readOnly := NextReadOnly(cur.ReadOnly, score, l.enter, l.exit)

	rep := storage.Reputation{
		ChatID:   chatID,
		UserID:   userID,
		Score:    score,
		ReadOnly: readOnly,
	}
	ev := storage.ReputationEvent{
		ChatID:     chatID,
		UserID:     userID,
		Delta:      delta,
		Reason:     reason,
		ScoreAfter: score,
	}
	if err := l.store.ApplyReputationDelta(ctx, rep, ev); err != nil {
		return Standing{}, err
	}

	st := Standing{Score: score, ReadOnly: readOnly}
	l.cache(ctx, chatID, userID, st)
	return st, nil
}

// Standing returns the current score, seeding the initial value for
// users never seen before. The redis copy is only a read accelerator.
func (l *Ledger) Standing(ctx context.Context, chatID, userID int64) (Standing, error) {
	if st, ok := l.cached(ctx, chatID, userID); ok {
		return st, nil
	}

	rec, err := l.store.GetReputation(ctx, chatID, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Standing{Score: l.initial}, nil
		}
		return Standing{}, fmt.Errorf("load reputation: %w", err)
	}
	st := Standing{Score: rec.Score, ReadOnly: rec.ReadOnly}
	l.cache(ctx, chatID, userID, st)
	return st, nil
}

func (l *Ledger) History(ctx context.Context, chatID, userID int64, limit uint64) ([]storage.ReputationEvent, error) {
	return l.store.ListReputationHistory(ctx, chatID, userID, limit)
}

func (l *Ledger) cached(ctx context.Context, chatID, userID int64) (Standing, bool) {
	raw, err := l.redis.Get(ctx, repKey(chatID, userID)).Result()
	if err != nil {
		return Standing{}, false
	}
	var st Standing
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return Standing{}, false
	}
	return st, true
}

func (l *Ledger) cache(ctx context.Context, chatID, userID int64, st Standing) {
	buf, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := l.redis.Set(ctx, repKey(chatID, userID), buf, l.cacheTTL).Err(); err != nil {
		l.logger.Warn().Err(err).Int64("chat_id", chatID).Int64("user_id", userID).Msg("reputation cache write failed")
	}
}

func repKey(chatID, userID int64) string {
	return fmt.Sprintf("citadel:rep:%d:%d", chatID, userID)
}

// NextReadOnly applies the hysteresis rule: the sanction engages below
// the enter threshold and releases only above the exit threshold.
// Inside the band the previous state holds.
func NextReadOnly(current bool, score, enter, exit int64) bool {
	switch {
	case score < enter:
		return true
	case score > exit:
		return false
	default:
		return current
	}
}
