package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"citadelbot/internal/protection"
)

func (s *Service) onCallback(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx == nil || ctx.CallbackQuery == nil {
		return nil
	}

	data := strings.TrimSpace(ctx.CallbackQuery.Data)
	s.answerCallback(b, ctx, "", false)

	switch data {
	case cbMenu:
		return s.editOrReplyCallback(ctx, b, s.mainMenuText(ctx), s.mainMenuKeyboard())

	case cbStatus:
		chatID, ok := s.callbackChatID(ctx)
		if !ok {
			s.answerCallback(b, ctx, "Chat is unavailable for this action.", true)
			return nil
		}
		return s.editOrReplyCallback(ctx, b, s.statusText(chatID), s.backToMenuKeyboard())

	case cbProfiles:
		return s.editOrReplyCallback(ctx, b, "Pick a protection profile:", s.profilesKeyboard())

	case cbSetStd, cbSetStrict, cbSetBunker:
		preset := strings.TrimPrefix(data, cbPrefix+"profile_")
		chatID, uid, ok := s.requireAdmin(b, ctx)
		if !ok {
			s.answerCallback(b, ctx, "Only chat admins can change the profile.", true)
			return nil
		}
		flags, err := s.profiles.ApplyPreset(context.Background(), chatID, preset)
		if err != nil {
			s.answerCallback(b, ctx, "Failed to apply profile.", true)
			return nil
		}
		_ = s.audit(chatID, uid, "profile_set", map[string]any{"preset": preset})
		return s.editOrReplyCallback(ctx, b, profileText(preset, flags), s.backToMenuKeyboard())

	case cbDefcon1, cbDefcon2, cbDefcon3:
		level := protection.Level(data[len(data)-1] - '0')
		chatID, uid, ok := s.requireAdmin(b, ctx)
		if !ok {
			s.answerCallback(b, ctx, "Only chat admins can change the defense level.", true)
			return nil
		}
		st, err := s.detector.SetDefcon(context.Background(), chatID, level, s.now())
		if err != nil {
			s.answerCallback(b, ctx, "Failed to change defense level.", true)
			return nil
		}
		_ = s.audit(chatID, uid, "defcon_set", map[string]any{"level": int(level)})
		text := fmt.Sprintf("Defense level set to %d (%s).", st.DefconLevel, st.DefconLevel)
		return s.editOrReplyCallback(ctx, b, text, s.backToMenuKeyboard())

	case cbPanicOff:
		chatID, uid, ok := s.requireAdmin(b, ctx)
		if !ok {
			s.answerCallback(b, ctx, "Only chat admins can disarm panic mode.", true)
			return nil
		}
		if err := s.detector.ExitPanic(context.Background(), chatID); err != nil {
			s.answerCallback(b, ctx, "Failed to disarm panic mode.", true)
			return nil
		}
		_ = s.audit(chatID, uid, "panic_off", nil)
		return s.editOrReplyCallback(ctx, b, "Panic mode disarmed.", s.backToMenuKeyboard())

	case cbAdminHelp:
		return s.editOrReplyCallback(ctx, b, s.adminHelpText(), s.backToMenuKeyboard())

	default:
		s.answerCallback(b, ctx, fmt.Sprintf("Unknown action: %s", data), true)
		return nil
	}
}

func (s *Service) answerCallback(b *gotgbot.Bot, ctx *ext.Context, text string, alert bool) {
	if ctx == nil || ctx.CallbackQuery == nil {
		return
	}
	opts := &gotgbot.AnswerCallbackQueryOpts{ShowAlert: alert}
	if text != "" {
		opts.Text = text
	}
	_, _ = b.AnswerCallbackQuery(ctx.CallbackQuery.Id, opts)
}

func (s *Service) editOrReplyCallback(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx != nil && ctx.CallbackQuery != nil && ctx.CallbackQuery.Message != nil {
		opts := &gotgbot.EditMessageTextOpts{}
		if markup != nil {
			opts.ReplyMarkup = *markup
		}
		_, _, err := ctx.CallbackQuery.Message.EditText(b, text, opts)
		if err == nil {
			return nil
		}
		if strings.Contains(strings.ToLower(err.Error()), "message is not modified") {
			return nil
		}
		// Fallback to sending a regular message if edit failed.
	}
	return s.replyWithMarkup(ctx, b, text, markup)
}

func (s *Service) callbackChatID(ctx *ext.Context) (int64, bool) {
	if ctx != nil && ctx.EffectiveChat != nil {
		return ctx.EffectiveChat.Id, true
	}
	if ctx != nil && ctx.CallbackQuery != nil && ctx.CallbackQuery.Message != nil {
		chat := ctx.CallbackQuery.Message.GetChat()
		return chat.Id, true
	}
	return 0, false
}
