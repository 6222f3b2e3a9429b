package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) UpsertProtectionState(ctx context.Context, st ProtectionState) error {
	q := s.sql.Insert("protection_state").
		Columns("chat_id", "defcon_level", "panic_active", "panic_reason", "panic_until", "updated_at").
		Values(st.ChatID, st.DefconLevel, st.PanicActive, st.PanicReason, st.PanicUntil, nowExpr(s.driver)).
		Suffix("ON CONFLICT(chat_id) DO UPDATE SET defcon_level=excluded.defcon_level, panic_active=excluded.panic_active, panic_reason=excluded.panic_reason, panic_until=excluded.panic_until, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build protection state upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert protection state: %w", err)
	}
	return nil
}

func (s *Store) GetProtectionState(ctx context.Context, chatID int64) (ProtectionState, error) {
	q := s.sql.Select("chat_id", "defcon_level", "panic_active", "panic_reason", "panic_until", "updated_at").
		From("protection_state").
		Where(sq.Eq{"chat_id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ProtectionState{}, fmt.Errorf("build get protection state query: %w", err)
	}

	var st ProtectionState
	var until sql.NullTime
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&st.ChatID, &st.DefconLevel, &st.PanicActive, &st.PanicReason, &until, &st.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ProtectionState{}, ErrNotFound
		}
		return ProtectionState{}, fmt.Errorf("get protection state: %w", err)
	}
	if until.Valid {
		t := until.Time
		st.PanicUntil = &t
	}
	return st, nil
}

func (s *Store) UpsertProtectionProfile(ctx context.Context, p ProtectionProfile) error {
	if p.FlagsJSON == "" {
		p.FlagsJSON = "{}"
	}
	q := s.sql.Insert("protection_profile").
		Columns("chat_id", "preset", "flags_json", "updated_at").
		Values(p.ChatID, p.Preset, p.FlagsJSON, nowExpr(s.driver)).
		Suffix("ON CONFLICT(chat_id) DO UPDATE SET preset=excluded.preset, flags_json=excluded.flags_json, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build profile upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert protection profile: %w", err)
	}
	return nil
}

func (s *Store) GetProtectionProfile(ctx context.Context, chatID int64) (ProtectionProfile, error) {
	q := s.sql.Select("chat_id", "preset", "flags_json", "updated_at").
		From("protection_profile").
		Where(sq.Eq{"chat_id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ProtectionProfile{}, fmt.Errorf("build get profile query: %w", err)
	}

	var p ProtectionProfile
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&p.ChatID, &p.Preset, &p.FlagsJSON, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ProtectionProfile{}, ErrNotFound
		}
		return ProtectionProfile{}, fmt.Errorf("get protection profile: %w", err)
	}
	return p, nil
}

func (s *Store) CreateSilentBan(ctx context.Context, b SilentBan) error {
	q := s.sql.Insert("silent_bans").
		Columns("chat_id", "user_id", "reason", "score", "enc_challenge_answer", "challenge_text").
		Values(b.ChatID, b.UserID, b.Reason, b.Score, b.EncAnswer, b.ChallengeText).
		Suffix("ON CONFLICT(chat_id, user_id) DO UPDATE SET reason=excluded.reason, score=excluded.score, enc_challenge_answer=excluded.enc_challenge_answer, challenge_text=excluded.challenge_text")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build silent ban insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("create silent ban: %w", err)
	}
	return nil
}

func (s *Store) GetSilentBan(ctx context.Context, chatID, userID int64) (SilentBan, error) {
	q := s.sql.Select("id", "chat_id", "user_id", "reason", "score", "enc_challenge_answer", "challenge_text", "created_at").
		From("silent_bans").
		Where(sq.Eq{"chat_id": chatID, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return SilentBan{}, fmt.Errorf("build get silent ban query: %w", err)
	}

	var b SilentBan
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&b.ID, &b.ChatID, &b.UserID, &b.Reason, &b.Score, &b.EncAnswer, &b.ChallengeText, &b.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SilentBan{}, ErrNotFound
		}
		return SilentBan{}, fmt.Errorf("get silent ban: %w", err)
	}
	return b, nil
}

func (s *Store) DeleteSilentBan(ctx context.Context, chatID, userID int64) error {
	q := s.sql.Delete("silent_bans").Where(sq.Eq{"chat_id": chatID, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete silent ban query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete silent ban: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListSilentBans(ctx context.Context, chatID int64) ([]SilentBan, error) {
	q := s.sql.Select("id", "chat_id", "user_id", "reason", "score", "enc_challenge_answer", "challenge_text", "created_at").
		From("silent_bans").
		Where(sq.Eq{"chat_id": chatID}).
		OrderBy("created_at ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list silent bans query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list silent bans: %w", err)
	}
	defer rows.Close()

	out := make([]SilentBan, 0)
	for rows.Next() {
		var b SilentBan
		if err := rows.Scan(&b.ID, &b.ChatID, &b.UserID, &b.Reason, &b.Score, &b.EncAnswer, &b.ChallengeText, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan silent ban row: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate silent ban rows: %w", err)
	}
	return out, nil
}
