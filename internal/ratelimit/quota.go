package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"citadelbot/internal/storage"
	"citadelbot/internal/window"
)

// BusyReply is the fixed rejection text for an exhausted chat quota.
// It carries no detail on purpose.
const BusyReply = "Busy."

type QuotaDecision struct {
	Allowed bool
	Used    int64
	Limit   int64
	ResetAt time.Time
}

// QuotaLimiter admits up to N requests per chat per fixed window. The
// effective limit is snapshotted into redis at the first request of a
// window, so an admin change takes effect at the next rollover rather
// than mid-window.
type QuotaLimiter struct {
	redis        *redis.Client
	store        *storage.Store
	counter      *window.Counter
	logger       zerolog.Logger
	defaultLimit int64
	windowLen    time.Duration
}

func NewQuotaLimiter(rdb *redis.Client, store *storage.Store, logger zerolog.Logger, defaultLimit int64, windowLen time.Duration) *QuotaLimiter {
	return &QuotaLimiter{
		redis:        rdb,
		store:        store,
		counter:      window.NewCounter(rdb),
		logger:       logger,
		defaultLimit: defaultLimit,
		windowLen:    windowLen,
	}
}

func (q *QuotaLimiter) Allow(ctx context.Context, chatID int64, now time.Time) QuotaDecision {
	start, ttl := window.Fixed(now, q.windowLen)
	resetAt := start.Add(q.windowLen)

	limit, err := q.windowLimit(ctx, chatID, start, ttl)
	if err != nil {
		q.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("quota limit unavailable, allowing")
		return QuotaDecision{Allowed: true, Limit: q.defaultLimit, ResetAt: resetAt}
	}

	key := fmt.Sprintf("citadel:quota:%d:%d", chatID, start.Unix())
	used, err := q.counter.Incr(ctx, key, ttl)
	if err != nil {
		q.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("quota counter unavailable, allowing")
		return QuotaDecision{Allowed: true, Limit: limit, ResetAt: resetAt}
	}

	return QuotaDecision{
		Allowed: used <= limit,
		Used:    used,
		Limit:   limit,
		ResetAt: resetAt,
	}
}

// SetLimit stores a new per-chat limit. The running window keeps its
// snapshot; the new value applies from the next window.
func (q *QuotaLimiter) SetLimit(ctx context.Context, chatID, limit int64) error {
	if limit <= 0 {
		return fmt.Errorf("quota limit must be positive, got %d", limit)
	}
	if err := q.store.SetQuotaLimit(ctx, chatID, limit); err != nil {
		return err
	}
	return nil
}

func (q *QuotaLimiter) Limit(ctx context.Context, chatID int64) int64 {
	limit, err := q.store.GetQuotaLimit(ctx, chatID)
	if err != nil {
		return q.defaultLimit
	}
	return limit
}

func (q *QuotaLimiter) windowLimit(ctx context.Context, chatID int64, start time.Time, ttl time.Duration) (int64, error) {
	key := fmt.Sprintf("citadel:quota:limit:%d:%d", chatID, start.Unix())

	raw, err := q.redis.Get(ctx, key).Result()
	if err == nil {
		if n, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil && n > 0 {
			return n, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("quota limit get: %w", err)
	}

	limit := q.defaultLimit
	if stored, err := q.store.GetQuotaLimit(ctx, chatID); err == nil {
		limit = stored
	} else if !errors.Is(err, storage.ErrNotFound) {
		q.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("quota config read failed, using default")
	}

	// SetNX keeps the first snapshot of the window authoritative even
	// under concurrent first requests.
	if err := q.redis.SetNX(ctx, key, strconv.FormatInt(limit, 10), ttl).Err(); err != nil {
		return limit, nil
	}
	raw, err = q.redis.Get(ctx, key).Result()
	if err != nil {
		return limit, nil
	}
	if n, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil && n > 0 {
		return n, nil
	}
	return limit, nil
}
