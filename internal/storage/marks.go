package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

func (s *Store) GetReadIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		"SELECT article_id FROM read_marks WHERE user_id = ? ORDER BY article_id", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get read ids: %w", err)
	}
	return ids, nil
}

// SaveReadMarks inserts the batch in one transaction; existing marks keep
// their original read time.
func (s *Store) SaveReadMarks(ctx context.Context, batch []ReadMark) error {
	return s.withTx(ctx, "save read marks", func(tx *sqlx.Tx) error {
		for _, m := range batch {
			if err := markRead(ctx, tx, m.UserID, m.ArticleID, m.ReadAt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetFavoriteIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		"SELECT article_id FROM favorites WHERE user_id = ? ORDER BY created_at DESC, article_id", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get favorite ids: %w", err)
	}
	return ids, nil
}

// IsFavorite reports whether the user has favorited the article locally.
func (s *Store) IsFavorite(ctx context.Context, userID, articleID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM favorites WHERE user_id = ? AND article_id = ?", userID, articleID)
	if err != nil {
		return false, fmt.Errorf("failed to check favorite: %w", err)
	}
	return n > 0, nil
}

func (s *Store) SetFavorite(ctx context.Context, userID, articleID string, favorited bool) error {
	return s.withTx(ctx, "set favorite", func(tx *sqlx.Tx) error {
		return setFavorite(ctx, tx, userID, articleID, favorited, s.now())
	})
}

func setFavorite(ctx context.Context, tx *sqlx.Tx, userID, articleID string, favorited bool, at time.Time) error {
	if !favorited {
		_, err := tx.ExecContext(ctx,
			"DELETE FROM favorites WHERE user_id = ? AND article_id = ?", userID, articleID)
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO favorites (user_id, article_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id, article_id) DO NOTHING`,
		userID, articleID, at,
	)
	return err
}

func markRead(ctx context.Context, tx *sqlx.Tx, userID, articleID string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO read_marks (user_id, article_id, read_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id, article_id) DO NOTHING`,
		userID, articleID, at,
	)
	return err
}

// MirrorFavorites replaces the user's local favorites with the remote set and
// then re-applies the user's pending outbox entries in enqueue order, so a
// pull never hides a mutation that has not been sent yet.
func (s *Store) MirrorFavorites(ctx context.Context, userID string, remoteIDs []string) error {
	return s.withTx(ctx, "mirror favorites", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM favorites WHERE user_id = ?", userID); err != nil {
			return err
		}
		now := s.now()
		for _, id := range remoteIDs {
			if err := setFavorite(ctx, tx, userID, id, true, now); err != nil {
				return err
			}
		}
		return overlayOutbox(ctx, tx, userID, OpFavorite)
	})
}

// MirrorReadMarks is MirrorFavorites for read marks.
func (s *Store) MirrorReadMarks(ctx context.Context, userID string, remoteIDs []string) error {
	return s.withTx(ctx, "mirror read marks", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM read_marks WHERE user_id = ?", userID); err != nil {
			return err
		}
		now := s.now()
		for _, id := range remoteIDs {
			if err := markRead(ctx, tx, userID, id, now); err != nil {
				return err
			}
		}
		return overlayOutbox(ctx, tx, userID, OpRead)
	})
}
