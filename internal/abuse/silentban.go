package abuse

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"citadelbot/internal/crypto"
	"citadelbot/internal/metrics"
	"citadelbot/internal/storage"
)

// Challenge is a small arithmetic puzzle. Solving it is the only way
// out of a silent ban.
type Challenge struct {
	Text   string
	Answer int
}

func NewChallenge() Challenge {
	a := rand.Intn(41) + 10 // 10..50
	b := rand.Intn(20) + 1  // 1..20
	if rand.Intn(2) == 0 {
		return Challenge{Text: fmt.Sprintf("%d + %d = ?", a, b), Answer: a + b}
	}
	return Challenge{Text: fmt.Sprintf("%d - %d = ?", a, b), Answer: a - b}
}

// SilentBans tracks members whose messages are dropped without any
// visible notice. One active record per user per chat; the challenge
// answer is stored envelope-encrypted.
type SilentBans struct {
	redis    *redis.Client
	store    *storage.Store
	crypto   *crypto.Manager
	logger   zerolog.Logger
	cacheTTL time.Duration
}

func NewSilentBans(rdb *redis.Client, store *storage.Store, cm *crypto.Manager, logger zerolog.Logger, cacheTTL time.Duration) *SilentBans {
	return &SilentBans{
		redis:    rdb,
		store:    store,
		crypto:   cm,
		logger:   logger,
		cacheTTL: cacheTTL,
	}
}

// Ban places or refreshes a silent ban and returns the challenge the
// user must solve privately.
func (s *SilentBans) Ban(ctx context.Context, chatID, userID int64, reason string, score float64) (Challenge, error) {
	ch := NewChallenge()
	enc, err := s.crypto.MarshalEncryptedString(strconv.Itoa(ch.Answer))
	if err != nil {
		return Challenge{}, fmt.Errorf("encrypt challenge answer: %w", err)
	}

	rec := storage.SilentBan{
		ChatID:        chatID,
		UserID:        userID,
		Reason:        reason,
		Score:         score,
		EncAnswer:     enc,
		ChallengeText: ch.Text,
	}
	if err := s.store.CreateSilentBan(ctx, rec); err != nil {
		return Challenge{}, err
	}
	s.markBanned(ctx, chatID, userID, true)

	metrics.Global().SilentBans.Inc()
	s.logger.Info().
		Int64("chat_id", chatID).
		Int64("user_id", userID).
		Str("reason", reason).
		Float64("score", score).
		Msg("silent ban placed")
	return ch, nil
}

// IsBanned answers from a short-lived redis flag, falling back to the
// durable record. A redis outage degrades to a database read, not to a
// wrong answer.
func (s *SilentBans) IsBanned(ctx context.Context, chatID, userID int64) (bool, error) {
	if v, err := s.redis.Get(ctx, sbanKey(chatID, userID)).Result(); err == nil {
		return v == "1", nil
	} else if !errors.Is(err, redis.Nil) {
		s.logger.Warn().Err(err).Int64("chat_id", chatID).Int64("user_id", userID).Msg("silent ban cache read failed")
	}

	_, err := s.store.GetSilentBan(ctx, chatID, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.markBanned(ctx, chatID, userID, false)
			return false, nil
		}
		return false, err
	}
	s.markBanned(ctx, chatID, userID, true)
	return true, nil
}

// ChallengeText returns the pending puzzle for a banned user.
func (s *SilentBans) ChallengeText(ctx context.Context, chatID, userID int64) (string, error) {
	rec, err := s.store.GetSilentBan(ctx, chatID, userID)
	if err != nil {
		return "", err
	}
	return rec.ChallengeText, nil
}

// VerifyAnswer checks a submitted answer. A correct one lifts the ban;
// reputation is untouched either way.
func (s *SilentBans) VerifyAnswer(ctx context.Context, chatID, userID int64, answer string) (bool, error) {
	rec, err := s.store.GetSilentBan(ctx, chatID, userID)
	if err != nil {
		return false, err
	}
	want, err := s.crypto.UnmarshalEncryptedString(rec.EncAnswer)
	if err != nil {
		return false, fmt.Errorf("decrypt challenge answer: %w", err)
	}

	got := strings.TrimSpace(answer)
	if got != strings.TrimSpace(want) {
		return false, nil
	}

	if err := s.store.DeleteSilentBan(ctx, chatID, userID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}
	s.markBanned(ctx, chatID, userID, false)
	s.logger.Info().Int64("chat_id", chatID).Int64("user_id", userID).Msg("silent ban lifted by challenge")
	return true, nil
}

// Lift removes a ban without a challenge, for manual admin unbans.
func (s *SilentBans) Lift(ctx context.Context, chatID, userID int64) error {
	if err := s.store.DeleteSilentBan(ctx, chatID, userID); err != nil {
		return err
	}
	s.markBanned(ctx, chatID, userID, false)
	return nil
}

func (s *SilentBans) markBanned(ctx context.Context, chatID, userID int64, banned bool) {
	v := "0"
	if banned {
		v = "1"
	}
	if err := s.redis.Set(ctx, sbanKey(chatID, userID), v, s.cacheTTL).Err(); err != nil {
		s.logger.Warn().Err(err).Int64("chat_id", chatID).Int64("user_id", userID).Msg("silent ban cache write failed")
	}
}

func sbanKey(chatID, userID int64) string {
	return fmt.Sprintf("citadel:sban:%d:%d", chatID, userID)
}
