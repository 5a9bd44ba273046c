package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// HealthWindow is how many trailing fetch logs feed GetSourceHealth.
const HealthWindow = 20

// RecordFetchSuccess stores the fetched articles, appends a successful fetch
// log and marks the source active, all in one transaction. It returns the
// number of new articles.
func (s *Store) RecordFetchSuccess(ctx context.Context, sourceID string, articles []Article, fetchedAt time.Time) (int, error) {
	var inserted int
	err := s.withTx(ctx, "record fetch success", func(tx *sqlx.Tx) error {
		n, err := upsertArticles(ctx, tx, articles)
		if err != nil {
			return err
		}
		inserted = n

		res, err := tx.ExecContext(ctx, `
			UPDATE sources SET status = 'active', last_error = NULL, last_fetched_at = ?, updated_at = ?
			WHERE id = ?`,
			fetchedAt, s.now(), sourceID,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("source %s: %w", sourceID, ErrNotFound)
		}

		return appendFetchLog(ctx, tx, &FetchLog{
			SourceID:      sourceID,
			Success:       true,
			ArticlesCount: len(articles),
			FetchedAt:     fetchedAt,
		})
	})
	return inserted, err
}

// RecordFetchFailure marks the source as errored and appends a failed fetch
// log. Stored articles are left untouched.
func (s *Store) RecordFetchFailure(ctx context.Context, sourceID, errMsg string, fetchedAt time.Time) error {
	return s.withTx(ctx, "record fetch failure", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sources SET status = 'error', last_error = ?, last_fetched_at = ?, updated_at = ?
			WHERE id = ?`,
			errMsg, fetchedAt, s.now(), sourceID,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("source %s: %w", sourceID, ErrNotFound)
		}

		return appendFetchLog(ctx, tx, &FetchLog{
			SourceID:  sourceID,
			Success:   false,
			Error:     &errMsg,
			FetchedAt: fetchedAt,
		})
	})
}

// AppendFetchLog appends one entry to the source's fetch history.
func (s *Store) AppendFetchLog(ctx context.Context, entry *FetchLog) error {
	return s.withTx(ctx, "append fetch log", func(tx *sqlx.Tx) error {
		return appendFetchLog(ctx, tx, entry)
	})
}

func appendFetchLog(ctx context.Context, tx *sqlx.Tx, entry *FetchLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO fetch_logs (id, source_id, success, articles_count, error, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.SourceID, entry.Success, entry.ArticlesCount, entry.Error, entry.FetchedAt,
	)
	return err
}

// FetchLogs returns the newest fetch logs of a source, newest first.
func (s *Store) FetchLogs(ctx context.Context, sourceID string, limit int) ([]FetchLog, error) {
	var logs []FetchLog
	err := s.db.SelectContext(ctx, &logs, `
		SELECT id, source_id, success, articles_count, error, fetched_at
		FROM fetch_logs WHERE source_id = ? ORDER BY seq DESC LIMIT ?`,
		sourceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get fetch logs: %w", err)
	}
	return logs, nil
}

// GetSourceHealth derives success rate, last success and last error from the
// trailing HealthWindow fetch logs.
func (s *Store) GetSourceHealth(ctx context.Context, sourceID string) (*SourceHealth, error) {
	logs, err := s.FetchLogs(ctx, sourceID, HealthWindow)
	if err != nil {
		return nil, err
	}

	h := &SourceHealth{SourceID: sourceID, TotalFetches: len(logs)}
	successes := 0
	for _, l := range logs {
		if l.Success {
			successes++
			if h.LastSuccess == nil {
				t := l.FetchedAt
				h.LastSuccess = &t
			}
		} else if h.LastError == nil && l.Error != nil {
			msg := *l.Error
			h.LastError = &msg
		}
	}
	if h.TotalFetches > 0 {
		h.SuccessRate = float64(successes) / float64(h.TotalFetches)
	}
	return h, nil
}
