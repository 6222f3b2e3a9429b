// Package guard composes the limiters, the threat detector, and the
// abuse screens into the decision pipeline the bot runs on every
// update. Decisions are computed inline; moderation side effects go
// through the job queue so the hot path never waits on Telegram calls.
package guard

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"citadelbot/internal/abuse"
	"citadelbot/internal/metrics"
	"citadelbot/internal/protection"
	"citadelbot/internal/queue"
	"citadelbot/internal/ratelimit"
	"citadelbot/internal/reputation"
	"citadelbot/internal/storage"
	"citadelbot/internal/window"
)

var (
	linkRe       = regexp.MustCompile(`(?i)(https?://\S+|t\.me/\S+)`)
	profanityRe  = regexp.MustCompile(`(?i)(бля|пизд|ебан|мудак|пидор)\w*|\bхуй\w*|\bсук[аи]\b`)
	aggressiveRe = regexp.MustCompile(`(?i)бля|хуй|пизд|ебан|сук|мудак|пидор`)
)

type Config struct {
	Energy      *ratelimit.EnergyLimiter
	Quota       *ratelimit.QuotaLimiter
	Ledger      *reputation.Ledger
	Detector    *protection.Detector
	Profiles    *protection.ProfileManager
	Classifier  *abuse.Classifier
	Scanner     *abuse.Scanner
	Bans        *abuse.SilentBans
	Queue       *queue.StreamQueue
	Store       *storage.Store
	StickerRing *window.Ring
	Logger      zerolog.Logger
	EnergyReset time.Duration
	RestrictFor time.Duration
	Now         func() time.Time
}

type Engine struct {
	energy      *ratelimit.EnergyLimiter
	quota       *ratelimit.QuotaLimiter
	ledger      *reputation.Ledger
	detector    *protection.Detector
	profiles    *protection.ProfileManager
	classifier  *abuse.Classifier
	scanner     *abuse.Scanner
	bans        *abuse.SilentBans
	queue       *queue.StreamQueue
	store       *storage.Store
	stickerRing *window.Ring
	logger      zerolog.Logger
	energyReset time.Duration
	restrictFor time.Duration
	now         func() time.Time
}

func New(cfg Config) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		energy:      cfg.Energy,
		quota:       cfg.Quota,
		ledger:      cfg.Ledger,
		detector:    cfg.Detector,
		profiles:    cfg.Profiles,
		classifier:  cfg.Classifier,
		scanner:     cfg.Scanner,
		bans:        cfg.Bans,
		queue:       cfg.Queue,
		store:       cfg.Store,
		stickerRing: cfg.StickerRing,
		logger:      cfg.Logger,
		energyReset: cfg.EnergyReset,
		restrictFor: cfg.RestrictFor,
		now:         now,
	}
}

// MessageInput carries the message facts the pipeline needs, extracted
// by the transport layer.
type MessageInput struct {
	ChatID      int64
	UserID      int64
	MessageID   int64
	Text        string
	Mention     string
	IsForward   bool
	IsSticker   bool
	IsMedia     bool
	SenderAdmin bool
	JoinedAt    time.Time
}

// MessageDecision tells the transport layer what to do with a message.
// Suppress means the message is gone (a delete job is already queued);
// Notice, when set, is posted to the chat.
type MessageDecision struct {
	Suppress bool
	Notice   string
	Reason   string
}

// EvaluateMessage runs the moderation pipeline: silent ban, read-only
// standing, spam classification, then the defcon content filters.
// Admins skip the content filters but not the silent-ban check.
func (e *Engine) EvaluateMessage(ctx context.Context, in MessageInput) MessageDecision {
	now := e.now().UTC()

	banned, err := e.bans.IsBanned(ctx, in.ChatID, in.UserID)
	if err != nil {
		e.logger.Warn().Err(err).Int64("chat_id", in.ChatID).Int64("user_id", in.UserID).Msg("silent ban lookup failed")
	} else if banned {
		e.enqueueDelete(ctx, in, "silent_ban")
		return MessageDecision{Suppress: true, Reason: "silent_ban"}
	}

	if fresh, err := e.detector.RecordMessage(ctx, in.ChatID, in.UserID, now); err == nil && fresh {
		e.lockdownWave(ctx, in.ChatID, now)
	}

	if in.SenderAdmin {
		return MessageDecision{}
	}

	standing, err := e.ledger.Standing(ctx, in.ChatID, in.UserID)
	if err != nil {
		e.logger.Warn().Err(err).Int64("chat_id", in.ChatID).Int64("user_id", in.UserID).Msg("reputation lookup failed")
	} else if standing.ReadOnly {
		e.enqueueDelete(ctx, in, "read_only")
		return MessageDecision{Suppress: true, Reason: "read_only"}
	}

	st, err := e.detector.State(ctx, in.ChatID, now)
	if err != nil {
		e.logger.Warn().Err(err).Int64("chat_id", in.ChatID).Msg("protection state unavailable, skipping filters")
		return MessageDecision{}
	}
	features := protection.FeaturesFor(st.DefconLevel, st.PanicActive)

	_, flags, err := e.profiles.Profile(ctx, in.ChatID)
	if err != nil {
		e.logger.Warn().Err(err).Int64("chat_id", in.ChatID).Msg("profile unavailable, using standard")
		flags, _ = protection.PresetFlags(protection.PresetStandard)
	}

	if flags.NeuralAdFilter && in.Text != "" {
		verdict := e.classifier.Classify(in.Text)
		if verdict.IsSpam {
			metrics.Global().SpamDetected.WithLabelValues(verdict.Category).Inc()
			e.logger.Info().
				Int64("chat_id", in.ChatID).
				Int64("user_id", in.UserID).
				Str("category", verdict.Category).
				Float64("confidence", verdict.Confidence).
				Str("message_hash", abuse.HashMessage(in.Text)).
				Msg("spam detected")
			// delete and ban travel as one job so neither lands alone
			e.enqueueJob(ctx, queue.ModerationJob{
				Action:    queue.ActionDeleteAndBan,
				ChatID:    in.ChatID,
				UserID:    in.UserID,
				MessageID: in.MessageID,
				Reason:    "spam:" + verdict.Category,
			})
			return MessageDecision{Suppress: true, Reason: "spam"}
		}
	}

	return e.applyContentFilters(ctx, in, features, flags, now)
}

func (e *Engine) applyContentFilters(ctx context.Context, in MessageInput, features protection.Features, flags protection.Flags, now time.Time) MessageDecision {
	newcomer := !in.JoinedAt.IsZero() && now.Sub(in.JoinedAt) < e.restrictFor

	if features.NewMemberLockout && newcomer && (in.IsForward || in.IsMedia || linkRe.MatchString(in.Text)) {
		e.punishContent(ctx, in, "new_member_lockout")
		return MessageDecision{Suppress: true, Reason: "new_member_lockout"}
	}

	if (features.BlockForwards || flags.BlockForwards) && in.IsForward {
		e.punishContent(ctx, in, "forward_blocked")
		return MessageDecision{Suppress: true, Reason: "forward_blocked"}
	}

	if features.AntiSpamLinks && flags.AntiSpamLinks && linkRe.MatchString(in.Text) {
		e.punishContent(ctx, in, "link_filtered")
		return MessageDecision{Suppress: true, Reason: "link_filtered"}
	}

	if flags.BlockMediaNonAdmin && in.IsMedia {
		e.punishContent(ctx, in, "media_blocked")
		return MessageDecision{Suppress: true, Reason: "media_blocked"}
	}

	if in.IsSticker {
		if limit := stickerLimit(features, flags); limit > 0 {
			key := fmt.Sprintf("citadel:stickers:%d:%d", in.ChatID, in.UserID)
			count, err := e.stickerRing.Add(ctx, key, in.MessageID, now)
			if err != nil {
				e.logger.Warn().Err(err).Int64("chat_id", in.ChatID).Msg("sticker counter unavailable")
			} else if count > int64(limit) {
				e.punishContent(ctx, in, "sticker_limit")
				return MessageDecision{Suppress: true, Reason: "sticker_limit"}
			}
		}
	}

	profanityOn := features.ProfanityFilter || !flags.ProfanityAllowed
	if profanityOn && in.Text != "" {
		re := profanityRe
		if flags.AggressiveProfanity {
			re = aggressiveRe
		}
		if re.MatchString(in.Text) {
			e.punishContent(ctx, in, "profanity")
			return MessageDecision{
				Suppress: true,
				Notice:   fmt.Sprintf("%s, message removed for violating chat rules.", in.Mention),
				Reason:   "profanity",
			}
		}
	}

	return MessageDecision{}
}

func stickerLimit(features protection.Features, flags protection.Flags) int {
	limit := features.StickerLimit
	if flags.StickerLimit > 0 && (limit == 0 || flags.StickerLimit < limit) {
		limit = flags.StickerLimit
	}
	return limit
}

// punishContent queues the deletion and debits the sender's standing.
func (e *Engine) punishContent(ctx context.Context, in MessageInput, reason string) {
	e.enqueueDelete(ctx, in, reason)
	if _, err := e.ledger.ApplyDelta(ctx, in.ChatID, in.UserID, reputation.DeltaDeletion, reason); err != nil {
		e.logger.Warn().Err(err).Int64("chat_id", in.ChatID).Int64("user_id", in.UserID).Msg("reputation debit failed")
	}
}

func (e *Engine) enqueueDelete(ctx context.Context, in MessageInput, reason string) {
	e.enqueueJob(ctx, queue.ModerationJob{
		Action:    queue.ActionDelete,
		ChatID:    in.ChatID,
		UserID:    in.UserID,
		MessageID: in.MessageID,
		Reason:    reason,
	})
}

func (e *Engine) enqueueJob(ctx context.Context, job queue.ModerationJob) {
	if _, err := e.queue.Enqueue(ctx, job); err != nil {
		e.logger.Error().Err(err).Str("action", job.Action).Int64("chat_id", job.ChatID).Msg("moderation enqueue failed")
		return
	}
	metrics.Global().EnqueuedJobs.Inc()
}

// RequestDecision is the admission verdict for a request that would
// start expensive downstream work.
type RequestDecision struct {
	Allowed bool
	Reply   string
	Reason  string
}

// AdmitRequest charges the per-user energy meter first, then the shared
// chat quota. A rejection carries the reply text; the caller must not
// start any downstream work for it.
func (e *Engine) AdmitRequest(ctx context.Context, chatID, userID int64, mention string) RequestDecision {
	now := e.now().UTC()

	energy := e.energy.Evaluate(ctx, chatID, userID, now)
	if !energy.Allowed {
		metrics.Global().EnergyCooldowns.Inc()
		secs := int(energy.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		return RequestDecision{
			Reply: fmt.Sprintf("%s, out of energy. Try again in %d seconds. Energy restores after %d seconds of rest.",
				mention, secs, int(e.energyReset.Seconds())),
			Reason: "energy",
		}
	}

	quota := e.quota.Allow(ctx, chatID, now)
	if !quota.Allowed {
		metrics.Global().QuotaRejections.Inc()
		return RequestDecision{Reply: ratelimit.BusyReply, Reason: "quota"}
	}

	return RequestDecision{Allowed: true}
}

// JoinOutcome tells the transport layer how to treat a new member.
type JoinOutcome struct {
	PanicTriggered  bool
	SuppressWelcome bool
	SilentBanned    bool
	Challenge       string
	Restricted      bool
}

// HandleJoin records the join for flood detection, scans the member's
// profile, and applies the verdict. A fresh panic trigger queues a
// restriction wave over everyone who joined in the trailing window.
func (e *Engine) HandleJoin(ctx context.Context, chatID int64, userID int64, profile abuse.Profile) JoinOutcome {
	now := e.now().UTC()
	var out JoinOutcome

	fresh, err := e.detector.RecordJoin(ctx, chatID, userID, now)
	if err != nil {
		e.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("join recording failed")
	}
	if fresh {
		out.PanicTriggered = true
		e.lockdownWave(ctx, chatID, now)
	}

	st, err := e.detector.State(ctx, chatID, now)
	if err == nil && st.PanicActive {
		out.SuppressWelcome = true
	}

	scan := e.scanner.Scan(profile)
	switch {
	case scan.SilentBan:
		ch, err := e.bans.Ban(ctx, chatID, userID, fmt.Sprintf("scan:%v", scan.Flags), scan.Score)
		if err != nil {
			e.logger.Error().Err(err).Int64("chat_id", chatID).Int64("user_id", userID).Msg("silent ban failed")
			break
		}
		out.SilentBanned = true
		out.Challenge = ch.Text
	case scan.Challenge:
		out.Challenge = challengeFor(e, ctx, chatID, userID, scan)
		out.Restricted = true
		e.enqueueJob(ctx, queue.ModerationJob{
			Action:    queue.ActionRestrict,
			ChatID:    chatID,
			UserID:    userID,
			Reason:    "join_challenge",
			UntilUnix: now.Add(e.restrictFor).Unix(),
		})
	}

	// mute_newcomers holds everyone until they pass the challenge
	if !out.SilentBanned && !out.Restricted {
		if _, flags, err := e.profiles.Profile(ctx, chatID); err == nil && flags.MuteNewcomers {
			out.Restricted = true
			e.enqueueJob(ctx, queue.ModerationJob{
				Action:    queue.ActionRestrict,
				ChatID:    chatID,
				UserID:    userID,
				Reason:    "mute_newcomers",
				UntilUnix: now.Add(e.restrictFor).Unix(),
			})
		}
	}

	return out
}

func challengeFor(e *Engine, ctx context.Context, chatID, userID int64, scan abuse.ScanResult) string {
	ch, err := e.bans.Ban(ctx, chatID, userID, fmt.Sprintf("challenge:%v", scan.Flags), scan.Score)
	if err != nil {
		e.logger.Error().Err(err).Int64("chat_id", chatID).Int64("user_id", userID).Msg("challenge setup failed")
		return ""
	}
	return ch.Text
}

// lockdownWave restricts every member who joined inside the trailing
// window. The wave goes through the queue one job per member; each
// restricted member gets a challenge record so a correct private
// answer releases them before the restriction expires.
func (e *Engine) lockdownWave(ctx context.Context, chatID int64, now time.Time) {
	joiners, err := e.detector.RecentJoiners(ctx, chatID, now)
	if err != nil {
		e.logger.Error().Err(err).Int64("chat_id", chatID).Msg("lockdown roster unavailable")
		return
	}
	until := now.Add(e.restrictFor).Unix()
	for _, uid := range joiners {
		e.enqueueJob(ctx, queue.ModerationJob{
			Action:    queue.ActionRestrict,
			ChatID:    chatID,
			UserID:    uid,
			Reason:    "panic_lockdown",
			UntilUnix: until,
		})
		if banned, err := e.bans.IsBanned(ctx, chatID, uid); err == nil && banned {
			// an earlier scan already left a pending challenge
			continue
		}
		if _, err := e.bans.Ban(ctx, chatID, uid, "panic_lockdown", 0); err != nil {
			e.logger.Error().Err(err).Int64("chat_id", chatID).Int64("user_id", uid).Msg("lockdown challenge setup failed")
		}
	}
	e.logger.Warn().Int64("chat_id", chatID).Int("members", len(joiners)).Msg("lockdown wave queued")
}

// ProtectionState reports the chat's current defense posture.
func (e *Engine) ProtectionState(ctx context.Context, chatID int64) (protection.State, error) {
	return e.detector.State(ctx, chatID, e.now().UTC())
}

// SubmitChallengeAnswer verifies a challenge answer for a chat where
// the user has a pending record. Returns whether a pending challenge
// existed and whether it was solved. A correct answer clears the
// record and queues the release of the member's restriction.
func (e *Engine) SubmitChallengeAnswer(ctx context.Context, chatID, userID int64, answer string) (had, solved bool, err error) {
	solved, err = e.bans.VerifyAnswer(ctx, chatID, userID, answer)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, false, nil
		}
		return false, false, err
	}
	if solved {
		e.enqueueJob(ctx, queue.ModerationJob{
			Action: queue.ActionUnrestrict,
			ChatID: chatID,
			UserID: userID,
			Reason: "challenge_passed",
		})
	}
	return true, solved, nil
}
