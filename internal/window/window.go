// Package window provides window math and windowed redis counters
// shared by the limiters and the threat detector.
package window

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Fixed returns the UTC start of the fixed window containing now and
// the time left until the window rolls over. The TTL is clamped to at
// least one second so a redis key never outlives its window by rounding.
func Fixed(now time.Time, length time.Duration) (start time.Time, ttl time.Duration) {
	start = now.UTC().Truncate(length)
	ttl = start.Add(length).Sub(now.UTC())
	if ttl < time.Second {
		ttl = time.Second
	}
	return start, ttl
}

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// Counter is an atomic windowed counter. The first increment of a key
// arms its expiry, so rollover and reset are a single round trip.
type Counter struct {
	redis *redis.Client
}

func NewCounter(rdb *redis.Client) *Counter {
	return &Counter{redis: rdb}
}

func (c *Counter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	secs := int64(ttl.Seconds())
	if secs < 1 {
		secs = 1
	}
	n, err := incrWithTTLScript.Run(ctx, c.redis, []string{key}, secs).Int64()
	if err != nil {
		return 0, fmt.Errorf("windowed incr: %w", err)
	}
	return n, nil
}

// Ring is a sliding event window over a redis sorted set. Members are
// "<unix-milli>:<tag>" scored by timestamp; every touch trims entries
// older than the window.
type Ring struct {
	redis  *redis.Client
	window time.Duration
}

func NewRing(rdb *redis.Client, window time.Duration) *Ring {
	return &Ring{redis: rdb, window: window}
}

func (r *Ring) Add(ctx context.Context, key string, tag int64, now time.Time) (count int64, err error) {
	ms := now.UTC().UnixMilli()
	cutoff := ms - r.window.Milliseconds()

	pipe := r.redis.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(ms),
		Member: fmt.Sprintf("%d:%d", ms, tag),
	})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, r.window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("ring add: %w", err)
	}
	return card.Val(), nil
}

func (r *Ring) Count(ctx context.Context, key string, now time.Time) (int64, error) {
	cutoff := now.UTC().UnixMilli() - r.window.Milliseconds()
	if err := r.redis.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return 0, fmt.Errorf("ring trim: %w", err)
	}
	n, err := r.redis.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ring count: %w", err)
	}
	return n, nil
}

// Tags returns the distinct tags still inside the window.
func (r *Ring) Tags(ctx context.Context, key string, now time.Time) ([]int64, error) {
	cutoff := now.UTC().UnixMilli() - r.window.Milliseconds()
	if err := r.redis.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return nil, fmt.Errorf("ring trim: %w", err)
	}
	members, err := r.redis.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("ring members: %w", err)
	}

	seen := make(map[int64]struct{}, len(members))
	out := make([]int64, 0, len(members))
	for _, m := range members {
		var ms, tag int64
		if _, err := fmt.Sscanf(m, "%d:%d", &ms, &tag); err != nil {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out, nil
}
