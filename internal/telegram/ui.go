package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"citadelbot/internal/protection"
)

const (
	cbPrefix = "ct:"

	cbMenu      = cbPrefix + "menu"
	cbStatus    = cbPrefix + "status"
	cbProfiles  = cbPrefix + "profiles"
	cbSetStd    = cbPrefix + "profile_standard"
	cbSetStrict = cbPrefix + "profile_strict"
	cbSetBunker = cbPrefix + "profile_bunker"
	cbDefcon1   = cbPrefix + "defcon_1"
	cbDefcon2   = cbPrefix + "defcon_2"
	cbDefcon3   = cbPrefix + "defcon_3"
	cbPanicOff  = cbPrefix + "panic_off"
	cbAdminHelp = cbPrefix + "admin_help"
)

func (s *Service) menu(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.replyWithMarkup(ctx, b, s.mainMenuText(ctx), s.mainMenuKeyboard())
}

func (s *Service) status(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx == nil || ctx.EffectiveChat == nil {
		return nil
	}
	text := s.statusText(ctx.EffectiveChat.Id)
	return s.replyWithMarkup(ctx, b, text, s.backToMenuKeyboard())
}

func (s *Service) mainMenuText(ctx *ext.Context) string {
	chatType := "unknown"
	if ctx != nil && ctx.EffectiveChat != nil {
		chatType = ctx.EffectiveChat.Type
	}

	lines := []string{
		"Citadel menu",
		"",
		"Everyone:",
		"/status - protection status",
		"/rep - reputation (reply to check someone else)",
		"",
		"Admins:",
		"/defcon <1|2|3> - defense level",
		"/profile <standard|strict|bunker> - protection profile",
		"/panic_off - disarm panic mode",
		"/quota <n> - requests per minute for this chat",
		"/warn /mute /award /unban - reply to a message",
		"",
		fmt.Sprintf("Chat type: %s", chatType),
		"Use the inline buttons below for navigation.",
	}
	return strings.Join(lines, "\n")
}

func (s *Service) adminHelpText() string {
	return strings.Join([]string{
		"Admin quick reference",
		"",
		"Defense:",
		"/defcon 1 - links only",
		"/defcon 2 - plus profanity, stickers, forwards",
		"/defcon 3 - plus new-member lockout and hard challenge",
		"/panic_off - disarm an active panic",
		"",
		"Profiles:",
		"standard - links filtered, button challenge",
		"strict - plus ad filter, forwards, sticker limit",
		"bunker - hard challenge, newcomers muted, media blocked",
		"",
		"Moderation (reply to a message):",
		"/warn - reputation -50",
		"/mute - 30 min restriction, reputation -100",
		"/award - reputation +20",
		"/unban - lift a silent ban",
	}, "\n")
}

func (s *Service) statusText(chatID int64) string {
	st, err := s.engine.ProtectionState(context.Background(), chatID)
	if err != nil {
		return "Protection state is unavailable right now."
	}

	preset := "standard"
	var flags protection.Flags
	if p, f, err := s.profiles.Profile(context.Background(), chatID); err == nil {
		preset, flags = p, f
	}

	lines := []string{
		"Protection status",
		fmt.Sprintf("defense_level: %d (%s)", st.DefconLevel, st.DefconLevel),
	}
	if st.PanicActive {
		lines = append(lines,
			fmt.Sprintf("panic: active (%s)", st.PanicReason),
			fmt.Sprintf("panic_until: %s", st.PanicUntil.Format("15:04:05 UTC")),
		)
	} else {
		lines = append(lines, "panic: off")
	}
	lines = append(lines,
		fmt.Sprintf("profile: %s", preset),
		fmt.Sprintf("quota: %d per minute", s.quota.Limit(context.Background(), chatID)),
	)
	if banned, err := s.store.ListSilentBans(context.Background(), chatID); err == nil {
		lines = append(lines, fmt.Sprintf("silent_bans: %d", len(banned)))
	}
	lines = append(lines, "", "Profile flags:", flagsSummary(flags))
	return strings.Join(lines, "\n")
}

func profileText(preset string, flags protection.Flags) string {
	return strings.Join([]string{
		fmt.Sprintf("Profile: %s", preset),
		flagsSummary(flags),
	}, "\n")
}

func flagsSummary(flags protection.Flags) string {
	onOff := func(v bool) string {
		if v {
			return "on"
		}
		return "off"
	}
	lines := []string{
		fmt.Sprintf("  link filter: %s", onOff(flags.AntiSpamLinks)),
		fmt.Sprintf("  ad filter: %s", onOff(flags.NeuralAdFilter)),
		fmt.Sprintf("  forwards blocked: %s", onOff(flags.BlockForwards)),
		fmt.Sprintf("  profanity allowed: %s", onOff(flags.ProfanityAllowed)),
		fmt.Sprintf("  newcomers muted: %s", onOff(flags.MuteNewcomers)),
		fmt.Sprintf("  media admin-only: %s", onOff(flags.BlockMediaNonAdmin)),
		fmt.Sprintf("  challenge: %s", flags.ChallengeKind),
	}
	if flags.StickerLimit > 0 {
		lines = append(lines, fmt.Sprintf("  sticker limit: %d per minute", flags.StickerLimit))
	}
	return strings.Join(lines, "\n")
}

func (s *Service) mainMenuKeyboard() *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{
			{Text: "Protection status", CallbackData: cbStatus},
			{Text: "Profiles", CallbackData: cbProfiles},
		},
		{
			{Text: "Defcon 1", CallbackData: cbDefcon1},
			{Text: "Defcon 2", CallbackData: cbDefcon2},
			{Text: "Defcon 3", CallbackData: cbDefcon3},
		},
		{
			{Text: "Disarm panic", CallbackData: cbPanicOff},
			{Text: "Admin help", CallbackData: cbAdminHelp},
		},
		{
			{Text: "Refresh", CallbackData: cbMenu},
		},
	}}
}

func (s *Service) profilesKeyboard() *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{
			{Text: "Standard", CallbackData: cbSetStd},
			{Text: "Strict", CallbackData: cbSetStrict},
			{Text: "Bunker", CallbackData: cbSetBunker},
		},
		{{Text: "Back to menu", CallbackData: cbMenu}},
	}}
}

func (s *Service) backToMenuKeyboard() *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{{Text: "Back to menu", CallbackData: cbMenu}},
	}}
}

func (s *Service) replyWithMarkup(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx == nil || ctx.EffectiveChat == nil {
		return nil
	}
	opts := &gotgbot.SendMessageOpts{}
	if markup != nil {
		opts.ReplyMarkup = *markup
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, opts)
	return err
}
