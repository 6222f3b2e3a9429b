package protection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"citadelbot/internal/metrics"
)

type Capability string

const (
	CapDeleteMessages  Capability = "delete_messages"
	CapRestrictMembers Capability = "restrict_members"
	CapBanMembers      Capability = "ban_members"
)

var ErrPermissionUnknown = errors.New("bot permissions unknown")

// Snapshot is the bot's own moderation rights in a chat at a point in
// time.
type Snapshot struct {
	IsAdmin     bool  `json:"is_admin"`
	CanDelete   bool  `json:"can_delete"`
	CanRestrict bool  `json:"can_restrict"`
	TakenAtMs   int64 `json:"taken_at_ms"`
}

func (s Snapshot) allows(cap Capability) bool {
	switch cap {
	case CapDeleteMessages:
		return s.CanDelete
	case CapRestrictMembers, CapBanMembers:
		return s.CanRestrict
	default:
		return false
	}
}

// Oracle answers "may the bot do X here" from a cached rights snapshot,
// refreshing it when stale. A destructive action must never be
// attempted on an unknown permission set, so with no snapshot at all
// the answer is no.
type Oracle struct {
	redis  *redis.Client
	logger zerolog.Logger
	ttl    time.Duration
}

func NewOracle(rdb *redis.Client, logger zerolog.Logger, ttl time.Duration) *Oracle {
	return &Oracle{redis: rdb, logger: logger, ttl: ttl}
}

// CanPerform checks a capability against the snapshot. A stale snapshot
// forces a synchronous refresh; if the refresh fails the last known
// snapshot still answers, and with nothing cached at all it returns
// ErrPermissionUnknown alongside a denial.
func (o *Oracle) CanPerform(ctx context.Context, b *gotgbot.Bot, chatID int64, cap Capability, now time.Time) (bool, error) {
	snap, found := o.cached(ctx, chatID)
	fresh := found && now.UTC().Sub(time.UnixMilli(snap.TakenAtMs)) < o.ttl

	if !fresh {
		refreshed, err := o.Refresh(ctx, b, chatID, now)
		if err != nil {
			if !found {
				metrics.Global().PermissionDenied.WithLabelValues(string(cap)).Inc()
				return false, fmt.Errorf("%w: %v", ErrPermissionUnknown, err)
			}
			o.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("permission refresh failed, using stale snapshot")
		} else {
			snap = refreshed
		}
	}

	allowed := snap.allows(cap)
	if !allowed {
		metrics.Global().PermissionDenied.WithLabelValues(string(cap)).Inc()
	}
	return allowed, nil
}

// Refresh queries the bot's own membership and stores the snapshot.
func (o *Oracle) Refresh(ctx context.Context, b *gotgbot.Bot, chatID int64, now time.Time) (Snapshot, error) {
	member, err := b.GetChatMemberWithContext(ctx, chatID, b.Id, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("get own chat member: %w", err)
	}
	merged := member.MergeChatMember()

	snap := Snapshot{
		IsAdmin:     merged.Status == "administrator" || merged.Status == "creator",
		CanDelete:   merged.CanDeleteMessages,
		CanRestrict: merged.CanRestrictMembers,
		TakenAtMs:   now.UTC().UnixMilli(),
	}

	buf, err := json.Marshal(snap)
	if err != nil {
		return snap, nil
	}
	// No TTL: the stale copy is the fallback when the API is down.
	if err := o.redis.Set(ctx, permKey(chatID), buf, 0).Err(); err != nil {
		o.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("permission snapshot write failed")
	}
	return snap, nil
}

// Invalidate drops the snapshot, forcing a refresh on the next check.
// Called when the bot's own member status update arrives.
func (o *Oracle) Invalidate(ctx context.Context, chatID int64) {
	if err := o.redis.Del(ctx, permKey(chatID)).Err(); err != nil {
		o.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("permission snapshot delete failed")
	}
}

func (o *Oracle) cached(ctx context.Context, chatID int64) (Snapshot, bool) {
	raw, err := o.redis.Get(ctx, permKey(chatID)).Result()
	if err != nil {
		return Snapshot{}, false
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return Snapshot{}, false
	}
	return snap, true
}

func permKey(chatID int64) string {
	return fmt.Sprintf("citadel:perm:%d", chatID)
}
