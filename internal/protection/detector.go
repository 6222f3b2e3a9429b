package protection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"citadelbot/internal/metrics"
	"citadelbot/internal/storage"
	"citadelbot/internal/window"
)

const (
	TriggerJoinFlood    = "join_flood"
	TriggerMessageFlood = "message_flood"
	TriggerManual       = "manual"
)

type State struct {
	DefconLevel Level
	PanicActive bool
	PanicReason string
	PanicUntil  time.Time
}

type DetectorConfig struct {
	JoinFloodCount  int
	JoinFloodWindow time.Duration
	MsgFloodCount   int
	MsgFloodWindow  time.Duration
	PanicDuration   time.Duration
	NewJoinerWindow time.Duration
}

// Detector runs the panic triggers and owns the per-chat protection
// state. Panic is a transient overlay with its own deadline; it never
// rewrites the stored defcon level.
type Detector struct {
	redis    *redis.Client
	store    *storage.Store
	logger   zerolog.Logger
	cfg      DetectorConfig
	joinRing *window.Ring
	msgRing  *window.Ring
	roster   *window.Ring
}

func NewDetector(rdb *redis.Client, store *storage.Store, logger zerolog.Logger, cfg DetectorConfig) *Detector {
	return &Detector{
		redis:    rdb,
		store:    store,
		logger:   logger,
		cfg:      cfg,
		joinRing: window.NewRing(rdb, cfg.JoinFloodWindow),
		msgRing:  window.NewRing(rdb, cfg.MsgFloodWindow),
		roster:   window.NewRing(rdb, cfg.NewJoinerWindow),
	}
}

// State returns the chat's protection state, lazily clearing an expired
// panic.
func (d *Detector) State(ctx context.Context, chatID int64, now time.Time) (State, error) {
	st, err := d.load(ctx, chatID)
	if err != nil {
		return State{}, err
	}
	if st.PanicActive && !st.PanicUntil.IsZero() && now.UTC().After(st.PanicUntil) {
		st.PanicActive = false
		st.PanicReason = ""
		st.PanicUntil = time.Time{}
		if err := d.save(ctx, chatID, st); err != nil {
			d.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("panic expiry write failed")
		}
		d.logger.Info().Int64("chat_id", chatID).Msg("panic mode expired")
	}
	return st, nil
}

// SetDefcon changes the baseline level. An active panic overlay is left
// as is.
func (d *Detector) SetDefcon(ctx context.Context, chatID int64, level Level, now time.Time) (State, error) {
	if !level.Valid() {
		return State{}, fmt.Errorf("defcon level out of range: %d", level)
	}
	st, err := d.State(ctx, chatID, now)
	if err != nil {
		return State{}, err
	}
	st.DefconLevel = level
	if err := d.save(ctx, chatID, st); err != nil {
		return State{}, err
	}
	return st, nil
}

// RecordJoin registers a join for flood detection and the recent-joiner
// roster. Returns true when this join freshly triggered panic mode.
func (d *Detector) RecordJoin(ctx context.Context, chatID, userID int64, now time.Time) (bool, error) {
	if _, err := d.roster.Add(ctx, rosterKey(chatID), userID, now); err != nil {
		d.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("joiner roster write failed")
	}

	count, err := d.joinRing.Add(ctx, joinsKey(chatID), userID, now)
	if err != nil {
		d.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("join flood counter unavailable")
		return false, nil
	}
	if count < int64(d.cfg.JoinFloodCount) {
		return false, nil
	}
	return d.EnterPanic(ctx, chatID, TriggerJoinFlood, now)
}

// RecordMessage registers a message for flood detection. The trigger
// needs the burst to come from more than one sender, so a single user
// scripting messages cannot lock the chat down.
func (d *Detector) RecordMessage(ctx context.Context, chatID, userID int64, now time.Time) (bool, error) {
	count, err := d.msgRing.Add(ctx, msgsKey(chatID), userID, now)
	if err != nil {
		d.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("message flood counter unavailable")
		return false, nil
	}
	if count < int64(d.cfg.MsgFloodCount) {
		return false, nil
	}
	senders, err := d.msgRing.Tags(ctx, msgsKey(chatID), now)
	if err != nil || len(senders) <= 1 {
		return false, nil
	}
	return d.EnterPanic(ctx, chatID, TriggerMessageFlood, now)
}

// EnterPanic activates panic mode. Re-entry while already active only
// pushes the deadline out; the original trigger reason is kept.
func (d *Detector) EnterPanic(ctx context.Context, chatID int64, reason string, now time.Time) (fresh bool, err error) {
	st, err := d.State(ctx, chatID, now)
	if err != nil {
		return false, err
	}

	until := now.UTC().Add(d.cfg.PanicDuration)
	if st.PanicActive {
		if until.After(st.PanicUntil) {
			st.PanicUntil = until
			if err := d.save(ctx, chatID, st); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	st.PanicActive = true
	st.PanicReason = reason
	st.PanicUntil = until
	if err := d.save(ctx, chatID, st); err != nil {
		return false, err
	}

	metrics.Global().PanicActivations.WithLabelValues(reason).Inc()
	d.logger.Warn().
		Int64("chat_id", chatID).
		Str("reason", reason).
		Time("until", until).
		Msg("panic mode activated")
	return true, nil
}

// ExitPanic clears the overlay immediately. Restrictions already placed
// on members stay until they pass the challenge.
func (d *Detector) ExitPanic(ctx context.Context, chatID int64) error {
	st, err := d.load(ctx, chatID)
	if err != nil {
		return err
	}
	if !st.PanicActive {
		return nil
	}
	st.PanicActive = false
	st.PanicReason = ""
	st.PanicUntil = time.Time{}
	if err := d.save(ctx, chatID, st); err != nil {
		return err
	}
	d.logger.Info().Int64("chat_id", chatID).Msg("panic mode deactivated")
	return nil
}

// RecentJoiners lists members who joined inside the trailing roster
// window. The panic lockdown wave restricts exactly this set.
func (d *Detector) RecentJoiners(ctx context.Context, chatID int64, now time.Time) ([]int64, error) {
	return d.roster.Tags(ctx, rosterKey(chatID), now)
}

type stateDoc struct {
	DefconLevel  int    `json:"defcon_level"`
	PanicActive  bool   `json:"panic_active"`
	PanicReason  string `json:"panic_reason"`
	PanicUntilMs int64  `json:"panic_until_ms"`
}

func (d *Detector) load(ctx context.Context, chatID int64) (State, error) {
	raw, err := d.redis.Get(ctx, stateKey(chatID)).Result()
	if err == nil {
		var doc stateDoc
		if jsonErr := json.Unmarshal([]byte(raw), &doc); jsonErr == nil {
			return docToState(doc), nil
		}
	} else if !errors.Is(err, redis.Nil) {
		d.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("protection state cache read failed")
	}

	rec, err := d.store.GetProtectionState(ctx, chatID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return State{DefconLevel: LevelPeaceful}, nil
		}
		return State{}, fmt.Errorf("load protection state: %w", err)
	}

	st := State{
		DefconLevel: Level(rec.DefconLevel),
		PanicActive: rec.PanicActive,
		PanicReason: rec.PanicReason,
	}
	if rec.PanicUntil != nil {
		st.PanicUntil = rec.PanicUntil.UTC()
	}
	if !st.DefconLevel.Valid() {
		st.DefconLevel = LevelPeaceful
	}
	return st, nil
}

func (d *Detector) save(ctx context.Context, chatID int64, st State) error {
	doc := stateDoc{
		DefconLevel: int(st.DefconLevel),
		PanicActive: st.PanicActive,
		PanicReason: st.PanicReason,
	}
	if !st.PanicUntil.IsZero() {
		doc.PanicUntilMs = st.PanicUntil.UTC().UnixMilli()
	}
	buf, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal protection state: %w", err)
	}
	if err := d.redis.Set(ctx, stateKey(chatID), buf, 0).Err(); err != nil {
		d.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("protection state cache write failed")
	}

	rec := storage.ProtectionState{
		ChatID:      chatID,
		DefconLevel: int(st.DefconLevel),
		PanicActive: st.PanicActive,
		PanicReason: st.PanicReason,
	}
	if !st.PanicUntil.IsZero() {
		t := st.PanicUntil.UTC()
		rec.PanicUntil = &t
	}
	return d.store.UpsertProtectionState(ctx, rec)
}

func docToState(doc stateDoc) State {
	st := State{
		DefconLevel: Level(doc.DefconLevel),
		PanicActive: doc.PanicActive,
		PanicReason: doc.PanicReason,
	}
	if doc.PanicUntilMs > 0 {
		st.PanicUntil = time.UnixMilli(doc.PanicUntilMs).UTC()
	}
	if !st.DefconLevel.Valid() {
		st.DefconLevel = LevelPeaceful
	}
	return st
}

func stateKey(chatID int64) string  { return fmt.Sprintf("citadel:panic:state:%d", chatID) }
func joinsKey(chatID int64) string  { return fmt.Sprintf("citadel:panic:joins:%d", chatID) }
func msgsKey(chatID int64) string   { return fmt.Sprintf("citadel:panic:msgs:%d", chatID) }
func rosterKey(chatID int64) string { return fmt.Sprintf("citadel:joined:%d", chatID) }
