package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// MaxSearchResults caps every search, local or remote.
const MaxSearchResults = 50

const articleColumns = `id, source_id, url, title, summary, image_url, author, published_at, fetched_at`

// UpsertArticles writes the batch in one transaction and returns how many
// articles were new. Re-ingesting a url updates the stored row, but a blank
// title, summary or image never replaces a stored one.
func (s *Store) UpsertArticles(ctx context.Context, batch []Article) (int, error) {
	var inserted int
	err := s.withTx(ctx, "upsert articles", func(tx *sqlx.Tx) error {
		n, err := upsertArticles(ctx, tx, batch)
		inserted = n
		return err
	})
	return inserted, err
}

func upsertArticles(ctx context.Context, tx *sqlx.Tx, batch []Article) (int, error) {
	inserted := 0
	for i := range batch {
		a := &batch[i]
		if a.SourceID == "" || a.URL == "" {
			return 0, fmt.Errorf("article missing source or url: %q", a.URL)
		}
		if a.ID == "" {
			a.ID = ArticleID(a.SourceID, a.URL)
		}
		if a.FetchedAt.IsZero() {
			return 0, fmt.Errorf("article %s missing fetch time", a.URL)
		}

		var exists int
		err := tx.GetContext(ctx, &exists,
			"SELECT COUNT(*) FROM articles WHERE source_id = ? AND url = ?", a.SourceID, a.URL)
		if err != nil {
			return 0, err
		}
		if exists == 0 {
			inserted++
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO articles (`+articleColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(source_id, url) DO UPDATE SET
				title = CASE WHEN excluded.title <> '' THEN excluded.title ELSE articles.title END,
				summary = CASE WHEN excluded.summary <> '' THEN excluded.summary ELSE articles.summary END,
				image_url = COALESCE(NULLIF(excluded.image_url, ''), articles.image_url),
				author = COALESCE(NULLIF(excluded.author, ''), articles.author),
				published_at = COALESCE(excluded.published_at, articles.published_at),
				fetched_at = excluded.fetched_at`,
			a.ID, a.SourceID, a.URL, a.Title, a.Summary, a.ImageURL, a.Author, a.PublishedAt, a.FetchedAt,
		)
		if err != nil {
			return 0, fmt.Errorf("article %s: %w", a.URL, err)
		}
	}
	return inserted, nil
}

func (s *Store) GetArticle(ctx context.Context, id string) (*Article, error) {
	var a Article
	err := s.db.GetContext(ctx, &a, "SELECT "+articleColumns+" FROM articles WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("article %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get article: %w", err)
	}
	return &a, nil
}

// ArticlesBySource returns the newest articles of one source.
func (s *Store) ArticlesBySource(ctx context.Context, sourceID string, limit int) ([]Article, error) {
	var articles []Article
	err := s.db.SelectContext(ctx, &articles,
		"SELECT "+articleColumns+` FROM articles WHERE source_id = ?
		 ORDER BY COALESCE(published_at, fetched_at) DESC LIMIT ?`,
		sourceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list articles: %w", err)
	}
	return articles, nil
}

// RecentArticles returns the newest articles across all sources.
func (s *Store) RecentArticles(ctx context.Context, limit int) ([]Article, error) {
	var articles []Article
	err := s.db.SelectContext(ctx, &articles,
		"SELECT "+articleColumns+` FROM articles
		 ORDER BY COALESCE(published_at, fetched_at) DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent articles: %w", err)
	}
	return articles, nil
}

// SearchArticles pattern-matches title and summary, newest first, optionally
// restricted to the given sources. Results are capped at MaxSearchResults.
func (s *Store) SearchArticles(ctx context.Context, query string, sourceIDs []string, limit int) ([]Article, error) {
	if limit <= 0 || limit > MaxSearchResults {
		limit = MaxSearchResults
	}
	pattern := "%" + escapeLike(strings.TrimSpace(query)) + "%"

	q := "SELECT " + articleColumns + ` FROM articles
		WHERE (title LIKE ? ESCAPE '\' OR summary LIKE ? ESCAPE '\')`
	args := []any{pattern, pattern}
	if len(sourceIDs) > 0 {
		q += " AND source_id IN (?)"
		args = append(args, sourceIDs)
	}
	q += " ORDER BY published_at DESC LIMIT ?"
	args = append(args, limit)

	q, args, err := sqlx.In(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to build search: %w", err)
	}
	var articles []Article
	if err := s.db.SelectContext(ctx, &articles, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("failed to search articles: %w", err)
	}
	return articles, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
