package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// ApplyReputationDelta updates the score and appends a history event in
// one transaction. The caller supplies the new score and read-only flag
// after running the hysteresis rule; initial inserts pass the seeded
// score plus delta.
func (s *Store) ApplyReputationDelta(ctx context.Context, rep Reputation, ev ReputationEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reputation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	up := s.sql.Insert("reputation").
		Columns("chat_id", "user_id", "score", "read_only", "updated_at").
		Values(rep.ChatID, rep.UserID, rep.Score, rep.ReadOnly, nowExpr(s.driver)).
		Suffix("ON CONFLICT(chat_id, user_id) DO UPDATE SET score=excluded.score, read_only=excluded.read_only, updated_at=excluded.updated_at")
	sqlStr, args, err := up.ToSql()
	if err != nil {
		return fmt.Errorf("build reputation upsert query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert reputation: %w", err)
	}

	hist := s.sql.Insert("reputation_history").
		Columns("chat_id", "user_id", "delta", "reason", "score_after").
		Values(ev.ChatID, ev.UserID, ev.Delta, ev.Reason, ev.ScoreAfter)
	sqlStr, args, err = hist.ToSql()
	if err != nil {
		return fmt.Errorf("build reputation history query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert reputation history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reputation tx: %w", err)
	}
	return nil
}

func (s *Store) GetReputation(ctx context.Context, chatID, userID int64) (Reputation, error) {
	q := s.sql.Select("chat_id", "user_id", "score", "read_only", "updated_at").
		From("reputation").
		Where(sq.Eq{"chat_id": chatID, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Reputation{}, fmt.Errorf("build get reputation query: %w", err)
	}

	var r Reputation
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&r.ChatID, &r.UserID, &r.Score, &r.ReadOnly, &r.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Reputation{}, ErrNotFound
		}
		return Reputation{}, fmt.Errorf("get reputation: %w", err)
	}
	return r, nil
}

func (s *Store) ListReputationHistory(ctx context.Context, chatID, userID int64, limit uint64) ([]ReputationEvent, error) {
	if limit == 0 {
		limit = 10
	}
	q := s.sql.Select("id", "chat_id", "user_id", "delta", "reason", "score_after", "created_at").
		From("reputation_history").
		Where(sq.Eq{"chat_id": chatID, "user_id": userID}).
		OrderBy("id DESC").
		Limit(limit)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build history query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list reputation history: %w", err)
	}
	defer rows.Close()

	out := make([]ReputationEvent, 0)
	for rows.Next() {
		var ev ReputationEvent
		if err := rows.Scan(&ev.ID, &ev.ChatID, &ev.UserID, &ev.Delta, &ev.Reason, &ev.ScoreAfter, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return out, nil
}
