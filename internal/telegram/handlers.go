package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/redis/go-redis/v9"

	"citadelbot/internal/abuse"
	"citadelbot/internal/guard"
	"citadelbot/internal/protection"
	"citadelbot/internal/queue"
	"citadelbot/internal/reputation"
	"citadelbot/internal/storage"
)

var thanksRegex = regexp.MustCompile(`(?i)\b(спасибо|спс|благодарю|thanks|thank you|thx)\b`)

func (s *Service) help(b *gotgbot.Bot, ctx *ext.Context) error {
	text := strings.Join([]string{
		"Commands:",
		"/help",
		"/menu",
		"/status",
		"/rep - reputation (reply to check someone else)",
		"Admin:",
		"/defcon <1|2|3>",
		"/profile <standard|strict|bunker>",
		"/panic_off",
		"/quota <n>",
		"/warn, /mute, /award, /unban (reply to a message)",
	}, "\n")
	return s.reply(ctx, b, text)
}

func (s *Service) start(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	args := ctx.Args()
	if ctx.EffectiveChat.Type == "private" && len(args) > 1 && strings.HasPrefix(args[1], "verify_") {
		chatID, err := strconv.ParseInt(strings.TrimPrefix(args[1], "verify_"), 10, 64)
		if err != nil {
			return s.reply(ctx, b, "Invalid deep-link payload.")
		}
		return s.beginVerification(ctx, b, chatID)
	}
	return s.help(b, ctx)
}

func (s *Service) beginVerification(ctx *ext.Context, b *gotgbot.Bot, chatID int64) error {
	if ctx.EffectiveUser == nil {
		return nil
	}
	uid := ctx.EffectiveUser.Id
	text, err := s.bans.ChallengeText(context.Background(), chatID, uid)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.reply(ctx, b, "No pending verification for you in that chat.")
		}
		s.logger.Error().Err(err).Int64("chat_id", chatID).Int64("user_id", uid).Msg("challenge load failed")
		return s.reply(ctx, b, "Verification is unavailable right now. Try again later.")
	}
	if err := s.challenges.Set(context.Background(), uid, chatID); err != nil {
		s.logger.Warn().Err(err).Int64("user_id", uid).Msg("challenge pointer write failed")
	}
	return s.reply(ctx, b, "To unlock the chat, answer this:\n"+text)
}

func (s *Service) defcon(b *gotgbot.Bot, ctx *ext.Context) error {
	chatID, uid, ok := s.requireAdmin(b, ctx)
	if !ok {
		return nil
	}
	arg := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if arg == "" {
		st, err := s.engine.ProtectionState(context.Background(), chatID)
		if err != nil {
			return s.reply(ctx, b, "Failed to read protection state.")
		}
		return s.reply(ctx, b, fmt.Sprintf("Current defense level: %d (%s)", st.DefconLevel, st.DefconLevel))
	}
	n, err := strconv.Atoi(arg)
	if err != nil || !protection.Level(n).Valid() {
		return s.reply(ctx, b, "Usage: /defcon <1|2|3>")
	}
	st, err := s.detector.SetDefcon(context.Background(), chatID, protection.Level(n), s.now())
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("defcon change failed")
		return s.reply(ctx, b, "Failed to change defense level.")
	}
	_ = s.audit(chatID, uid, "defcon_set", map[string]any{"level": n})
	return s.reply(ctx, b, fmt.Sprintf("Defense level set to %d (%s).", st.DefconLevel, st.DefconLevel))
}

func (s *Service) profile(b *gotgbot.Bot, ctx *ext.Context) error {
	chatID, uid, ok := s.requireAdmin(b, ctx)
	if !ok {
		return nil
	}
	arg := strings.ToLower(strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText())))
	if arg == "" {
		preset, flags, err := s.profiles.Profile(context.Background(), chatID)
		if err != nil {
			return s.reply(ctx, b, "Failed to read protection profile.")
		}
		return s.reply(ctx, b, profileText(preset, flags))
	}
	flags, err := s.profiles.ApplyPreset(context.Background(), chatID, arg)
	if err != nil {
		return s.reply(ctx, b, "Usage: /profile <standard|strict|bunker>")
	}
	_ = s.audit(chatID, uid, "profile_set", map[string]any{"preset": arg})
	return s.reply(ctx, b, profileText(arg, flags))
}

func (s *Service) panicOff(b *gotgbot.Bot, ctx *ext.Context) error {
	chatID, uid, ok := s.requireAdmin(b, ctx)
	if !ok {
		return nil
	}
	if err := s.detector.ExitPanic(context.Background(), chatID); err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("panic disarm failed")
		return s.reply(ctx, b, "Failed to disarm panic mode.")
	}
	_ = s.audit(chatID, uid, "panic_off", nil)
	return s.reply(ctx, b, "Panic mode disarmed.")
}

func (s *Service) quotaCmd(b *gotgbot.Bot, ctx *ext.Context) error {
	chatID, uid, ok := s.requireAdmin(b, ctx)
	if !ok {
		return nil
	}
	arg := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if arg == "" {
		limit := s.quota.Limit(context.Background(), chatID)
		return s.reply(ctx, b, fmt.Sprintf("Chat quota: %d requests per minute.", limit))
	}
	n, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || n < 1 {
		return s.reply(ctx, b, "Usage: /quota <n>")
	}
	if err := s.quota.SetLimit(context.Background(), chatID, n); err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("quota update failed")
		return s.reply(ctx, b, "Failed to update quota.")
	}
	_ = s.audit(chatID, uid, "quota_set", map[string]any{"limit": n})
	return s.reply(ctx, b, fmt.Sprintf("Quota set to %d per minute. Takes effect next window.", n))
}

func (s *Service) rep(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	if ctx.EffectiveChat.Type == "private" {
		return s.reply(ctx, b, "Run this command in group/supergroup.")
	}
	target := ctx.EffectiveUser
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil {
		target = msg.ReplyToMessage.From
	}
	standing, err := s.ledger.Standing(context.Background(), ctx.EffectiveChat.Id, target.Id)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", target.Id).Msg("standing lookup failed")
		return s.reply(ctx, b, "Failed to load reputation.")
	}
	lines := []string{fmt.Sprintf("%s: %d reputation", mention(target), standing.Score)}
	if standing.ReadOnly {
		lines = append(lines, "Status: read-only (messages are removed)")
	}
	events, err := s.ledger.History(context.Background(), ctx.EffectiveChat.Id, target.Id, 5)
	if err == nil && len(events) > 0 {
		lines = append(lines, "Recent:")
		for _, ev := range events {
			lines = append(lines, fmt.Sprintf("  %+d %s", ev.Delta, ev.Reason))
		}
	}
	return s.reply(ctx, b, strings.Join(lines, "\n"))
}

func (s *Service) warn(b *gotgbot.Bot, ctx *ext.Context) error {
	chatID, uid, target, ok := s.requireReplyTarget(b, ctx)
	if !ok {
		return nil
	}
	standing, err := s.ledger.ApplyDelta(context.Background(), chatID, target.Id, reputation.DeltaWarning, "warning")
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", target.Id).Msg("warning debit failed")
		return s.reply(ctx, b, "Failed to apply warning.")
	}
	_ = s.audit(chatID, uid, "warn", map[string]any{"target": target.Id})
	return s.reply(ctx, b, fmt.Sprintf("%s warned. Reputation: %d.", mention(target), standing.Score))
}

func (s *Service) mute(b *gotgbot.Bot, ctx *ext.Context) error {
	chatID, uid, target, ok := s.requireReplyTarget(b, ctx)
	if !ok {
		return nil
	}
	job := queue.ModerationJob{
		Action:    queue.ActionRestrict,
		ChatID:    chatID,
		UserID:    target.Id,
		Reason:    "admin_mute",
		UntilUnix: s.now().Add(30 * time.Minute).Unix(),
	}
	if _, err := s.queue.Enqueue(context.Background(), job); err != nil {
		s.logger.Error().Err(err).Int64("user_id", target.Id).Msg("mute enqueue failed")
		return s.reply(ctx, b, "Failed to queue mute.")
	}
	s.metrics.EnqueuedJobs.Inc()
	_ = s.audit(chatID, uid, "mute", map[string]any{"target": target.Id})
	standing, err := s.ledger.ApplyDelta(context.Background(), chatID, target.Id, reputation.DeltaMute, "mute")
	if err != nil {
		s.logger.Warn().Err(err).Int64("user_id", target.Id).Msg("mute debit failed")
		return s.reply(ctx, b, fmt.Sprintf("%s muted for 30 minutes.", mention(target)))
	}
	return s.reply(ctx, b, fmt.Sprintf("%s muted for 30 minutes. Reputation: %d.", mention(target), standing.Score))
}

func (s *Service) award(b *gotgbot.Bot, ctx *ext.Context) error {
	chatID, uid, target, ok := s.requireReplyTarget(b, ctx)
	if !ok {
		return nil
	}
	standing, err := s.ledger.ApplyDelta(context.Background(), chatID, target.Id, reputation.DeltaTournamentWin, "tournament_win")
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", target.Id).Msg("award failed")
		return s.reply(ctx, b, "Failed to apply award.")
	}
	_ = s.audit(chatID, uid, "award", map[string]any{"target": target.Id})
	return s.reply(ctx, b, fmt.Sprintf("%s awarded. Reputation: %d.", mention(target), standing.Score))
}

func (s *Service) unban(b *gotgbot.Bot, ctx *ext.Context) error {
	chatID, uid, target, ok := s.requireReplyTarget(b, ctx)
	if !ok {
		return nil
	}
	if err := s.bans.Lift(context.Background(), chatID, target.Id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.reply(ctx, b, "No active ban for that user.")
		}
		s.logger.Error().Err(err).Int64("user_id", target.Id).Msg("ban lift failed")
		return s.reply(ctx, b, "Failed to lift the ban.")
	}
	_ = s.audit(chatID, uid, "unban", map[string]any{"target": target.Id})
	return s.reply(ctx, b, fmt.Sprintf("Ban lifted for %s.", mention(target)))
}

// onJoin feeds every new member through the join pipeline and posts the
// chat-facing side of the verdict. Silent bans post nothing at all.
func (s *Service) onJoin(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || len(msg.NewChatMembers) == 0 {
		return nil
	}
	chatID := msg.Chat.Id
	s.ensureChat(context.Background(), msg)

	for i := range msg.NewChatMembers {
		member := &msg.NewChatMembers[i]
		if member.IsBot {
			continue
		}
		profile := abuse.Profile{
			DisplayName: displayName(member),
			HasAvatar:   s.hasAvatar(b, member.Id),
			IsPremium:   member.IsPremium,
		}
		out := s.engine.HandleJoin(context.Background(), chatID, member.Id, profile)
		s.markJoined(context.Background(), chatID, member.Id)

		if out.PanicTriggered {
			link := s.deepLink(b, fmt.Sprintf("verify_%d", chatID))
			_ = s.reply(ctx, b, fmt.Sprintf(
				"Raid protection engaged. New members are temporarily restricted. To unlock early, open %s and solve the puzzle.", link))
		}
		switch {
		case out.SilentBanned:
			// no visible reaction
		case out.Challenge != "":
			if err := s.challenges.Set(context.Background(), member.Id, chatID); err != nil {
				s.logger.Warn().Err(err).Int64("user_id", member.Id).Msg("challenge pointer write failed")
			}
			link := s.deepLink(b, fmt.Sprintf("verify_%d", chatID))
			_ = s.reply(ctx, b, fmt.Sprintf("%s, verify you are human: open %s and solve the puzzle.", mention(member), link))
		case !out.SuppressWelcome:
			_ = s.reply(ctx, b, fmt.Sprintf("Welcome, %s.", mention(member)))
		}
	}
	return nil
}

// onGroupMessage runs the moderation pipeline on every group message,
// then handles the lightweight social paths: thanks reactions and
// requests addressed to the bot.
func (s *Service) onGroupMessage(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveChat == nil {
		return nil
	}
	uid := userID(ctx)
	if uid == 0 {
		return nil
	}
	s.ensureChat(context.Background(), msg)

	admin, err := s.isAdmin(context.Background(), b, msg.Chat.Id, uid)
	if err != nil {
		s.logger.Warn().Err(err).Int64("chat_id", msg.Chat.Id).Int64("user_id", uid).Msg("admin check failed")
		admin = false
	}

	in := guard.MessageInput{
		ChatID:      msg.Chat.Id,
		UserID:      uid,
		MessageID:   msg.MessageId,
		Text:        msg.GetText(),
		Mention:     mention(ctx.EffectiveUser),
		IsForward:   msg.ForwardOrigin != nil,
		IsSticker:   msg.Sticker != nil,
		IsMedia:     hasMedia(msg),
		SenderAdmin: admin,
		JoinedAt:    s.joinedAt(context.Background(), msg.Chat.Id, uid),
	}
	decision := s.engine.EvaluateMessage(context.Background(), in)
	if decision.Suppress {
		if decision.Notice != "" {
			_ = s.reply(ctx, b, decision.Notice)
		}
		return nil
	}

	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil && thanksRegex.MatchString(in.Text) {
		target := msg.ReplyToMessage.From
		if !target.IsBot && target.Id != uid {
			if _, err := s.ledger.ApplyDelta(context.Background(), msg.Chat.Id, target.Id, reputation.DeltaThanks, "thanks"); err != nil {
				s.logger.Warn().Err(err).Int64("user_id", target.Id).Msg("thanks credit failed")
			}
		}
	}

	if s.addressedToBot(msg) {
		adm := s.engine.AdmitRequest(context.Background(), msg.Chat.Id, uid, in.Mention)
		if !adm.Allowed {
			return s.reply(ctx, b, adm.Reply)
		}
		s.logger.Debug().Int64("chat_id", msg.Chat.Id).Int64("user_id", uid).Msg("request admitted")
	}
	return nil
}

// privateText routes private messages to the pending verification, if
// the user has one.
func (s *Service) privateText(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	if ctx.EffectiveChat.Type != "private" {
		return nil
	}
	text := strings.TrimSpace(ctx.EffectiveMessage.GetText())
	if text == "" || strings.HasPrefix(text, "/") {
		return nil
	}

	uid := ctx.EffectiveUser.Id
	chatID, err := s.challenges.Get(context.Background(), uid)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", uid).Msg("challenge pointer load failed")
		return s.reply(ctx, b, "Verification is unavailable right now. Try again later.")
	}
	if chatID == 0 {
		return nil
	}

	had, solved, err := s.engine.SubmitChallengeAnswer(context.Background(), chatID, uid, text)
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Int64("user_id", uid).Msg("challenge verify failed")
		return s.reply(ctx, b, "Verification failed. Try again later.")
	}
	if !had {
		_ = s.challenges.Clear(context.Background(), uid)
		return s.reply(ctx, b, "No pending verification.")
	}
	if !solved {
		return s.reply(ctx, b, "Wrong answer. Try again.")
	}
	_ = s.challenges.Clear(context.Background(), uid)
	return s.reply(ctx, b, "Verified. Your restriction is being lifted, you can write in the chat again.")
}

func (s *Service) requireAdmin(b *gotgbot.Bot, ctx *ext.Context) (chatID int64, uid int64, ok bool) {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return 0, 0, false
	}
	if ctx.EffectiveChat.Type == "private" {
		_ = s.reply(ctx, b, "Run this command in group/supergroup.")
		return 0, 0, false
	}
	chatID = ctx.EffectiveChat.Id
	uid = ctx.EffectiveUser.Id
	admin, err := s.isAdmin(context.Background(), b, chatID, uid)
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Int64("user_id", uid).Msg("admin check failed")
		_ = s.reply(ctx, b, "Failed to verify admin rights.")
		return 0, 0, false
	}
	if !admin {
		_ = s.reply(ctx, b, "Only chat admins can run this command.")
		return 0, 0, false
	}
	if ctx.EffectiveMessage != nil {
		s.ensureChat(context.Background(), ctx.EffectiveMessage)
	}
	return chatID, uid, true
}

func (s *Service) requireReplyTarget(b *gotgbot.Bot, ctx *ext.Context) (chatID int64, uid int64, target *gotgbot.User, ok bool) {
	chatID, uid, ok = s.requireAdmin(b, ctx)
	if !ok {
		return 0, 0, nil, false
	}
	msg := ctx.EffectiveMessage
	if msg == nil || msg.ReplyToMessage == nil || msg.ReplyToMessage.From == nil {
		_ = s.reply(ctx, b, "Reply to the target user's message.")
		return 0, 0, nil, false
	}
	target = msg.ReplyToMessage.From
	if target.IsBot {
		_ = s.reply(ctx, b, "Target must be a user, not a bot.")
		return 0, 0, nil, false
	}
	return chatID, uid, target, true
}

func (s *Service) isAdmin(ctx context.Context, b *gotgbot.Bot, chatID, userID int64) (bool, error) {
	if s.adminUserID != 0 && userID == s.adminUserID {
		return true, nil
	}
	cacheKey := fmt.Sprintf("citadel:admin:%d:%d", chatID, userID)
	if v, err := s.redis.Get(ctx, cacheKey).Result(); err == nil {
		return v == "1", nil
	} else if err != redis.Nil {
		s.logger.Warn().Err(err).Msg("failed to read admin cache")
	}

	member, err := b.GetChatMemberWithContext(ctx, chatID, userID, nil)
	if err != nil {
		return false, err
	}
	status := member.GetStatus()
	admin := status == "administrator" || status == "creator"

	value := "0"
	if admin {
		value = "1"
	}
	_ = s.redis.Set(ctx, cacheKey, value, s.adminCacheTTL).Err()
	_ = s.store.SetAdminCache(ctx, chatID, userID, admin)
	return admin, nil
}

func (s *Service) hasAvatar(b *gotgbot.Bot, userID int64) bool {
	photos, err := b.GetUserProfilePhotos(userID, &gotgbot.GetUserProfilePhotosOpts{Limit: 1})
	if err != nil {
		s.logger.Warn().Err(err).Int64("user_id", userID).Msg("profile photo lookup failed")
		return true
	}
	return photos.TotalCount > 0
}

func (s *Service) markJoined(ctx context.Context, chatID, userID int64) {
	key := fmt.Sprintf("citadel:joinedat:%d:%d", chatID, userID)
	if err := s.redis.Set(ctx, key, s.now().UnixMilli(), s.joinerWindow).Err(); err != nil {
		s.logger.Warn().Err(err).Int64("user_id", userID).Msg("join timestamp write failed")
	}
}

func (s *Service) joinedAt(ctx context.Context, chatID, userID int64) time.Time {
	key := fmt.Sprintf("citadel:joinedat:%d:%d", chatID, userID)
	raw, err := s.redis.Get(ctx, key).Result()
	if err != nil {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (s *Service) addressedToBot(msg *gotgbot.Message) bool {
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil && msg.ReplyToMessage.From.IsBot {
		return true
	}
	if s.botUsername == "" {
		return false
	}
	return strings.Contains(strings.ToLower(msg.GetText()), "@"+strings.ToLower(s.botUsername))
}

func (s *Service) audit(chatID, userID int64, action string, meta map[string]any) error {
	b, _ := json.Marshal(meta)
	return s.store.LogAction(context.Background(), storage.AuditEntry{
		ChatID:   chatID,
		UserID:   userID,
		Action:   action,
		MetaJSON: string(b),
	})
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, nil)
	return err
}

func commandRemainder(text string) string {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func hasMedia(msg *gotgbot.Message) bool {
	return len(msg.Photo) > 0 || msg.Video != nil || msg.Document != nil ||
		msg.Animation != nil || msg.Audio != nil || msg.Voice != nil || msg.VideoNote != nil
}

func displayName(u *gotgbot.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	return name
}

func mention(u *gotgbot.User) string {
	if u == nil {
		return "user"
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func userID(ctx *ext.Context) int64 {
	if ctx.EffectiveUser == nil {
		return 0
	}
	return ctx.EffectiveUser.Id
}
