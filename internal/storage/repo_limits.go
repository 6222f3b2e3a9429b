package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) UpsertEnergy(ctx context.Context, e UserEnergy) error {
	q := s.sql.Insert("user_energy").
		Columns("chat_id", "user_id", "energy", "last_request_at", "updated_at").
		Values(e.ChatID, e.UserID, e.Energy, e.LastRequestAt, nowExpr(s.driver)).
		Suffix("ON CONFLICT(chat_id, user_id) DO UPDATE SET energy=excluded.energy, last_request_at=excluded.last_request_at, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build energy upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert energy: %w", err)
	}
	return nil
}

func (s *Store) GetEnergy(ctx context.Context, chatID, userID int64) (UserEnergy, error) {
	q := s.sql.Select("chat_id", "user_id", "energy", "last_request_at").
		From("user_energy").
		Where(sq.Eq{"chat_id": chatID, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return UserEnergy{}, fmt.Errorf("build get energy query: %w", err)
	}

	var e UserEnergy
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&e.ChatID, &e.UserID, &e.Energy, &e.LastRequestAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserEnergy{}, ErrNotFound
		}
		return UserEnergy{}, fmt.Errorf("get energy: %w", err)
	}
	return e, nil
}

func (s *Store) SetQuotaLimit(ctx context.Context, chatID, limit int64) error {
	q := s.sql.Insert("chat_quota_config").
		Columns("chat_id", "limit_per_window", "updated_at").
		Values(chatID, limit, nowExpr(s.driver)).
		Suffix("ON CONFLICT(chat_id) DO UPDATE SET limit_per_window=excluded.limit_per_window, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set quota query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("set quota limit: %w", err)
	}
	return nil
}

func (s *Store) GetQuotaLimit(ctx context.Context, chatID int64) (int64, error) {
	q := s.sql.Select("limit_per_window").
		From("chat_quota_config").
		Where(sq.Eq{"chat_id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build get quota query: %w", err)
	}

	var limit int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&limit); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("get quota limit: %w", err)
	}
	return limit, nil
}
