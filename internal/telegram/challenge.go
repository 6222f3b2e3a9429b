package telegram

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// challengeStore remembers which chat a user has a pending verification
// in, so the private-chat answer can be routed back to the right ban
// record.
type challengeStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func newChallengeStore(rdb *redis.Client, ttl time.Duration) *challengeStore {
	return &challengeStore{redis: rdb, ttl: ttl}
}

func (c *challengeStore) key(userID int64) string {
	return fmt.Sprintf("citadel:challenge:%d", userID)
}

func (c *challengeStore) Set(ctx context.Context, userID, chatID int64) error {
	return c.redis.Set(ctx, c.key(userID), strconv.FormatInt(chatID, 10), c.ttl).Err()
}

// Get returns the chat the user is being verified for, or 0 when no
// verification is pending.
func (c *challengeStore) Get(ctx context.Context, userID int64) (int64, error) {
	raw, err := c.redis.Get(ctx, c.key(userID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return chatID, nil
}

func (c *challengeStore) Clear(ctx context.Context, userID int64) error {
	return c.redis.Del(ctx, c.key(userID)).Err()
}
