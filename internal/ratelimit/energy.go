// Package ratelimit implements the two request limiters that gate the
// expensive downstream pipeline: a per-user energy meter and a shared
// per-chat quota. Both keep their hot state in redis and fail open when
// redis is unreachable.
package ratelimit

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

type EnergyDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type energyState struct {
	Energy        int   `json:"energy"`
	LastRequestMs int64 `json:"last_request_ms"`
}

type EnergyLimiter struct {
	redis    *redis.Client
	store    *storage.Store
	logger   zerolog.Logger
	max      int
	resetAge time.Duration
	cacheTTL time.Duration
}

func NewEnergyLimiter(rdb *redis.Client, store *storage.Store, logger zerolog.Logger, max int, resetAge, cacheTTL time.Duration) *EnergyLimiter {
	return &EnergyLimiter{
		redis:    rdb,
		store:    store,
		logger:   logger,
		max:      max,
		resetAge: resetAge,
		cacheTTL: cacheTTL,
	}
}

// Evaluate charges one request against the user's energy meter.
// Idle users get a full refill and the refilling request itself is
// free; only rapid follow-ups drain the meter. An empty meter yields a
// cooldown with the time left until the refill. last_request_at
// advances on every call, rejected ones included.
func (l *EnergyLimiter) Evaluate(ctx context.Context, chatID, userID int64, now time.Time) EnergyDecision {
	st, err := l.load(ctx, chatID, userID)
	if err != nil {
		l.logger.Warn().Err(err).Int64("chat_id", chatID).Int64("user_id", userID).Msg("energy state unavailable, allowing")
		return EnergyDecision{Allowed: true, Remaining: l.max}
	}

	elapsed := now.UTC().Sub(time.UnixMilli(st.LastRequestMs).UTC())

	var dec EnergyDecision
	switch {
	case st.LastRequestMs == 0 || elapsed >= l.resetAge:
		st.Energy = l.max
		dec = EnergyDecision{Allowed: true, Remaining: st.Energy}
	case st.Energy > 0:
		st.Energy--
		dec = EnergyDecision{Allowed: true, Remaining: st.Energy}
	default:
		retry := l.resetAge - elapsed
		if retry < 0 {
			retry = 0
		}
		dec = EnergyDecision{Allowed: false, Remaining: 0, RetryAfter: retry}
	}

	st.LastRequestMs = now.UTC().UnixMilli()
	l.persist(ctx, chatID, userID, st)
	return dec
}

// Peek reports the current meter without charging it.
func (l *EnergyLimiter) Peek(ctx context.Context, chatID, userID int64, now time.Time) (int, error) {
	st, err := l.load(ctx, chatID, userID)
	if err != nil {
		return 0, err
	}
	if st.LastRequestMs == 0 || now.UTC().Sub(time.UnixMilli(st.LastRequestMs).UTC()) >= l.resetAge {
		return l.max, nil
	}
	return st.Energy, nil
}

func (l *EnergyLimiter) load(ctx context.Context, chatID, userID int64) (energyState, error) {
	key := energyKey(chatID, userID)
	raw, err := l.redis.Get(ctx, key).Result()
	if err == nil {
		var st energyState
		if jsonErr := json.Unmarshal([]byte(raw), &st); jsonErr == nil {
			return st, nil
		}
		// fall through to the durable copy on a corrupt cache entry
	} else if !errors.Is(err, redis.Nil) {
		// a redis outage degrades to a database read
		l.logger.Warn().Err(err).Int64("chat_id", chatID).Int64("user_id", userID).Msg("energy cache read failed")
	}

	rec, err := l.store.GetEnergy(ctx, chatID, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return energyState{}, nil
		}
		return energyState{}, fmt.Errorf("energy load: %w", err)
	}
	return energyState{Energy: rec.Energy, LastRequestMs: rec.LastRequestAt.UTC().UnixMilli()}, nil
}

func (l *EnergyLimiter) persist(ctx context.Context, chatID, userID int64, st energyState) {
	buf, err := json.Marshal(st)
	if err == nil {
		if err := l.redis.Set(ctx, energyKey(chatID, userID), buf, l.cacheTTL).Err(); err != nil {
			l.logger.Warn().Err(err).Int64("chat_id", chatID).Int64("user_id", userID).Msg("energy cache write failed")
		}
	}
	rec := storage.UserEnergy{
		ChatID:        chatID,
		UserID:        userID,
		Energy:        st.Energy,
		LastRequestAt: time.UnixMilli(st.LastRequestMs).UTC(),
	}
	if err := l.store.UpsertEnergy(ctx, rec); err != nil {
		l.logger.Warn().Err(err).Int64("chat_id", chatID).Int64("user_id", userID).Msg("energy durable write failed")
	}
}

func energyKey(chatID, userID int64) string {
	return fmt.Sprintf("citadel:energy:%d:%d", chatID, userID)
}
