package protection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"citadelbot/internal/storage"
)

const (
	PresetStandard = "standard"
	PresetStrict   = "strict"
	PresetBunker   = "bunker"
	PresetCustom   = "custom"

	ChallengeButton = "button"
	ChallengeHard   = "hard"

	profileCacheTTL = 5 * time.Minute
)

var ErrUnknownPreset = errors.New("unknown protection preset")

// Flags is one complete protection settings bundle. A preset expands to
// a fixed bundle; custom keeps whatever the admin assembled.
type Flags struct {
	AntiSpamLinks       bool   `json:"anti_spam_links"`
	ChallengeKind       string `json:"challenge_kind"`
	ProfanityAllowed    bool   `json:"profanity_allowed"`
	NeuralAdFilter      bool   `json:"neural_ad_filter"`
	BlockForwards       bool   `json:"block_forwards"`
	StickerLimit        int    `json:"sticker_limit"`
	MuteNewcomers       bool   `json:"mute_newcomers"`
	BlockMediaNonAdmin  bool   `json:"block_media_non_admin"`
	AggressiveProfanity bool   `json:"aggressive_profanity"`
}

var presetFlags = map[string]Flags{
	PresetStandard: {
		AntiSpamLinks:    true,
		ChallengeKind:    ChallengeButton,
		ProfanityAllowed: true,
	},
	PresetStrict: {
		AntiSpamLinks:  true,
		ChallengeKind:  ChallengeButton,
		NeuralAdFilter: true,
		BlockForwards:  true,
		StickerLimit:   3,
	},
	PresetBunker: {
		AntiSpamLinks:       true,
		ChallengeKind:       ChallengeHard,
		NeuralAdFilter:      true,
		BlockForwards:       true,
		MuteNewcomers:       true,
		BlockMediaNonAdmin:  true,
		AggressiveProfanity: true,
	},
}

// PresetFlags returns the bundle a named preset expands to.
func PresetFlags(preset string) (Flags, error) {
	f, ok := presetFlags[strings.ToLower(preset)]
	if !ok {
		return Flags{}, fmt.Errorf("%w: %q", ErrUnknownPreset, preset)
	}
	return f, nil
}

// ProfileManager applies and reads protection profiles. A profile write
// is a single durable upsert of the whole bundle; readers never see a
// half-applied mix of two profiles.
type ProfileManager struct {
	redis  *redis.Client
	store  *storage.Store
	logger zerolog.Logger
}

func NewProfileManager(rdb *redis.Client, store *storage.Store, logger zerolog.Logger) *ProfileManager {
	return &ProfileManager{redis: rdb, store: store, logger: logger}
}

// ApplyPreset switches the chat to a named preset. Reapplying the
// active preset rewrites the same bundle and is a no-op in effect.
func (m *ProfileManager) ApplyPreset(ctx context.Context, chatID int64, preset string) (Flags, error) {
	preset = strings.ToLower(preset)
	flags, err := PresetFlags(preset)
	if err != nil {
		return Flags{}, err
	}
	if err := m.save(ctx, chatID, preset, flags); err != nil {
		return Flags{}, err
	}
	m.logger.Info().Int64("chat_id", chatID).Str("preset", preset).Msg("protection profile applied")
	return flags, nil
}

// ApplyCustom stores an explicit bundle and marks the profile custom.
func (m *ProfileManager) ApplyCustom(ctx context.Context, chatID int64, flags Flags) error {
	if flags.ChallengeKind == "" {
		flags.ChallengeKind = ChallengeButton
	}
	if err := m.save(ctx, chatID, PresetCustom, flags); err != nil {
		return err
	}
	m.logger.Info().Int64("chat_id", chatID).Msg("custom protection settings applied")
	return nil
}

// UpdateFlag flips one setting, switching the profile to custom.
func (m *ProfileManager) UpdateFlag(ctx context.Context, chatID int64, mutate func(*Flags)) (Flags, error) {
	_, flags, err := m.Profile(ctx, chatID)
	if err != nil {
		return Flags{}, err
	}
	mutate(&flags)
	if err := m.save(ctx, chatID, PresetCustom, flags); err != nil {
		return Flags{}, err
	}
	return flags, nil
}

// Profile returns the active preset name and its effective bundle.
// Chats never configured run the standard preset.
func (m *ProfileManager) Profile(ctx context.Context, chatID int64) (string, Flags, error) {
	if preset, flags, ok := m.cached(ctx, chatID); ok {
		return preset, flags, nil
	}

	rec, err := m.store.GetProtectionProfile(ctx, chatID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return PresetStandard, presetFlags[PresetStandard], nil
		}
		return "", Flags{}, fmt.Errorf("load protection profile: %w", err)
	}

	preset := strings.ToLower(rec.Preset)
	flags, ok := presetFlags[preset]
	if !ok {
		// custom or unknown: the stored bundle is authoritative
		preset = PresetCustom
		if err := json.Unmarshal([]byte(rec.FlagsJSON), &flags); err != nil {
			return "", Flags{}, fmt.Errorf("decode profile flags: %w", err)
		}
	}
	m.cache(ctx, chatID, preset, flags)
	return preset, flags, nil
}

func (m *ProfileManager) save(ctx context.Context, chatID int64, preset string, flags Flags) error {
	buf, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("encode profile flags: %w", err)
	}
	rec := storage.ProtectionProfile{
		ChatID:    chatID,
		Preset:    preset,
		FlagsJSON: string(buf),
	}
	if err := m.store.UpsertProtectionProfile(ctx, rec); err != nil {
		return err
	}
	m.cache(ctx, chatID, preset, flags)
	return nil
}

type profileDoc struct {
	Preset string `json:"preset"`
	Flags  Flags  `json:"flags"`
}

func (m *ProfileManager) cached(ctx context.Context, chatID int64) (string, Flags, bool) {
	raw, err := m.redis.Get(ctx, profileKey(chatID)).Result()
	if err != nil {
		return "", Flags{}, false
	}
	var doc profileDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", Flags{}, false
	}
	return doc.Preset, doc.Flags, true
}

func (m *ProfileManager) cache(ctx context.Context, chatID int64, preset string, flags Flags) {
	buf, err := json.Marshal(profileDoc{Preset: preset, Flags: flags})
	if err != nil {
		return
	}
	if err := m.redis.Set(ctx, profileKey(chatID), buf, profileCacheTTL).Err(); err != nil {
		m.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("profile cache write failed")
	}
}

func profileKey(chatID int64) string {
	return fmt.Sprintf("citadel:profile:%d", chatID)
}
