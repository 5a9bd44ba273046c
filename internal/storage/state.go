package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// GetState returns a persisted cross-session value.
func (s *Store) GetState(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.GetContext(ctx, &v, "SELECT value FROM app_state WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get state %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now(),
	)
	if err != nil {
		return writeErr("set state "+key, err)
	}
	return nil
}

// TakeState returns the value and deletes it, so it is observed at most once.
func (s *Store) TakeState(ctx context.Context, key string) (string, bool, error) {
	var (
		v     string
		found bool
	)
	err := s.withTx(ctx, "take state "+key, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &v, "SELECT value FROM app_state WHERE key = ?", key)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		_, err = tx.ExecContext(ctx, "DELETE FROM app_state WHERE key = ?", key)
		return err
	})
	if err != nil {
		return "", false, err
	}
	return v, found, nil
}

// TryConsumeQuota increments the named daily counter if it is still below
// limit. A counter stored for a different day counts as zero.
func (s *Store) TryConsumeQuota(ctx context.Context, counter, day string, limit int) (bool, error) {
	allowed := false
	err := s.withTx(ctx, "consume quota", func(tx *sqlx.Tx) error {
		used, err := quotaUsage(ctx, tx, counter, day)
		if err != nil {
			return err
		}
		if used >= limit {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO daily_usage (counter, day, count) VALUES (?, ?, ?)
			ON CONFLICT(counter) DO UPDATE SET day = excluded.day, count = excluded.count`,
			counter, day, used+1,
		)
		if err != nil {
			return err
		}
		allowed = true
		return nil
	})
	return allowed, err
}

// QuotaUsage returns how many calls the counter recorded on day.
func (s *Store) QuotaUsage(ctx context.Context, counter, day string) (int, error) {
	n, err := quotaUsage(ctx, s.db, counter, day)
	if err != nil {
		return 0, fmt.Errorf("failed to read quota usage: %w", err)
	}
	return n, nil
}

func quotaUsage(ctx context.Context, q sqlx.QueryerContext, counter, day string) (int, error) {
	var row struct {
		Day   string `db:"day"`
		Count int    `db:"count"`
	}
	err := sqlx.GetContext(ctx, q, &row, "SELECT day, count FROM daily_usage WHERE counter = ?", counter)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if row.Day != day {
		return 0, nil
	}
	return row.Count, nil
}

func (s *Store) GetTopicCache(ctx context.Context, topicID string) (*TopicCacheEntry, error) {
	var e TopicCacheEntry
	err := s.db.GetContext(ctx, &e,
		"SELECT topic_id, articles, fetched_at FROM topic_cache WHERE topic_id = ?", topicID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("topic cache %s: %w", topicID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get topic cache: %w", err)
	}
	return &e, nil
}

// PutTopicCache supersedes the cached result for the topic.
func (s *Store) PutTopicCache(ctx context.Context, e *TopicCacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topic_cache (topic_id, articles, fetched_at) VALUES (?, ?, ?)
		ON CONFLICT(topic_id) DO UPDATE SET articles = excluded.articles, fetched_at = excluded.fetched_at`,
		e.TopicID, e.Articles, e.FetchedAt,
	)
	if err != nil {
		return writeErr("put topic cache", err)
	}
	return nil
}
