// Package remote is the Postgres backend that holds the system of record:
// each user's sources, the article catalog, favorites and read marks.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/matthewjhunter/courier/internal/storage"
	"github.com/matthewjhunter/courier/internal/syncqueue"
)

const articleColumns = "id, source_id, url, title, summary, image_url, author, published_at, fetched_at"

// Postgres error codes handled specially.
const (
	codeUndefinedFunction = "42883"
	classDataException    = "22"
	classIntegrity        = "23"
)

type Store struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to the backend at dsn.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to remote: %w", err)
	}
	return New(db), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the tables and the search function if missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create remote schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, SearchFunction); err != nil {
		return fmt.Errorf("failed to create search function: %w", err)
	}
	return nil
}

// rejected marks errors the backend will keep returning for the same input.
func rejected(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case classIntegrity, classDataException:
			return fmt.Errorf("%w: %w", syncqueue.ErrRemoteRejected, err)
		}
	}
	return err
}

// Apply writes one queued mutation. The write is an upsert keyed by
// (user, article) that only lands when the mutation is at least as new as
// the stored row, so replays and out-of-order arrivals from other devices
// settle on the newest change.
func (s *Store) Apply(ctx context.Context, mut syncqueue.Mutation) error {
	var (
		table   string
		deleted bool
	)
	switch mut.Operation {
	case storage.OpFavorite:
		table, deleted = "favorites", !mut.Favorited()
	case storage.OpRead:
		table, deleted = "read_articles", !mut.Read()
	default:
		return fmt.Errorf("%w: unknown operation %q", syncqueue.ErrRemoteRejected, mut.Operation)
	}
	if mut.UserID == "" || mut.EntityID == "" {
		return fmt.Errorf("%w: mutation %s lacks user or entity", syncqueue.ErrRemoteRejected, mut.ID)
	}

	query := `
		INSERT INTO ` + table + ` (user_id, article_id, deleted, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, article_id) DO UPDATE SET
			deleted = EXCLUDED.deleted,
			updated_at = EXCLUDED.updated_at
		WHERE ` + table + `.updated_at <= EXCLUDED.updated_at`

	if _, err := s.db.ExecContext(ctx, query, mut.UserID, mut.EntityID, deleted, mut.MutatedAt); err != nil {
		return rejected(fmt.Errorf("apply %s %s: %w", mut.Operation, mut.EntityID, err))
	}
	return nil
}

// UpsertSource subscribes the user to a source, reviving a deleted one.
func (s *Store) UpsertSource(ctx context.Context, userID string, src storage.Source) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (user_id, id, url, name, type, deleted, updated_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, now())
		ON CONFLICT (user_id, id) DO UPDATE SET
			url = EXCLUDED.url,
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			deleted = FALSE,
			updated_at = now()`,
		userID, src.ID, src.URL, src.Name, src.Type,
	)
	if err != nil {
		return rejected(fmt.Errorf("upsert source %s: %w", src.ID, err))
	}
	return nil
}

// DeleteSource tombstones the user's subscription.
func (s *Store) DeleteSource(ctx context.Context, userID, sourceID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sources SET deleted = TRUE, updated_at = now() WHERE user_id = $1 AND id = $2",
		userID, sourceID,
	)
	if err != nil {
		return fmt.Errorf("delete source %s: %w", sourceID, err)
	}
	return nil
}

// Sources returns the user's live subscriptions.
func (s *Store) Sources(ctx context.Context, userID string) ([]storage.Source, error) {
	var sources []storage.Source
	err := s.db.SelectContext(ctx, &sources, `
		SELECT id, url, name, type, created_at, updated_at
		FROM sources
		WHERE user_id = $1 AND NOT deleted
		ORDER BY name, url`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pull sources: %w", err)
	}
	for i := range sources {
		sources[i].Status = storage.StatusPending
	}
	return sources, nil
}

// PublishArticles adds locally fetched articles to the shared catalog.
// Existing rows keep their stored values for any field the batch leaves
// blank. A row is only rewritten, and its cataloged_at moved to server time,
// when its content changes, so republishing a feed does not requeue it for
// every device.
func (s *Store) PublishArticles(ctx context.Context, articles []storage.Article) error {
	if len(articles) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, a := range articles {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO articles (id, source_id, url, title, summary, image_url, author, published_at, fetched_at, cataloged_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
			ON CONFLICT (id) DO UPDATE SET
				title = COALESCE(NULLIF(EXCLUDED.title, ''), articles.title),
				summary = COALESCE(NULLIF(EXCLUDED.summary, ''), articles.summary),
				image_url = COALESCE(EXCLUDED.image_url, articles.image_url),
				author = COALESCE(EXCLUDED.author, articles.author),
				published_at = COALESCE(EXCLUDED.published_at, articles.published_at),
				cataloged_at = now()
			WHERE (articles.title, articles.summary, articles.image_url, articles.author, articles.published_at)
				IS DISTINCT FROM (
					COALESCE(NULLIF(EXCLUDED.title, ''), articles.title),
					COALESCE(NULLIF(EXCLUDED.summary, ''), articles.summary),
					COALESCE(EXCLUDED.image_url, articles.image_url),
					COALESCE(EXCLUDED.author, articles.author),
					COALESCE(EXCLUDED.published_at, articles.published_at))`,
			a.ID, a.SourceID, a.URL, a.Title, a.Summary, a.ImageURL, a.Author, a.PublishedAt, a.FetchedAt,
		)
		if err != nil {
			return rejected(fmt.Errorf("publish article %s: %w", a.ID, err))
		}
	}
	return tx.Commit()
}

// Cursor is a position in catalog order: (cataloged_at, id) ascending. The
// zero Cursor is before every row.
type Cursor struct {
	At time.Time `json:"at"`
	ID string    `json:"id"`
}

// Before reports whether c sorts before o.
func (c Cursor) Before(o Cursor) bool {
	if !c.At.Equal(o.At) {
		return c.At.Before(o.At)
	}
	return c.ID < o.ID
}

// CatalogArticle is a catalog row with its position in catalog order.
type CatalogArticle struct {
	storage.Article
	CatalogedAt time.Time `db:"cataloged_at"`
}

// Cursor returns the position of a.
func (a CatalogArticle) Cursor() Cursor {
	return Cursor{At: a.CatalogedAt, ID: a.ID}
}

// Articles returns up to limit catalog articles of the given sources that
// sort after the cursor, oldest change first. Callers page by passing the
// cursor of the last row until a page comes back short.
func (s *Store) Articles(ctx context.Context, sourceIDs []string, after Cursor, limit int) ([]CatalogArticle, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 500
	}
	var articles []CatalogArticle
	err := s.db.SelectContext(ctx, &articles, `
		SELECT id, source_id, url, title, summary, image_url, author, published_at, fetched_at, cataloged_at
		FROM articles
		WHERE source_id = ANY($1) AND (cataloged_at, id) > ($2::timestamptz, $3::text)
		ORDER BY cataloged_at, id
		LIMIT $4`,
		pq.Array(sourceIDs), after.At, after.ID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pull articles: %w", err)
	}
	return articles, nil
}

func (s *Store) liveIDs(ctx context.Context, table, userID string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		"SELECT article_id FROM "+table+" WHERE user_id = $1 AND NOT deleted ORDER BY article_id",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pull %s: %w", table, err)
	}
	return ids, nil
}

// FavoriteIDs returns the ids of the user's favorited articles.
func (s *Store) FavoriteIDs(ctx context.Context, userID string) ([]string, error) {
	return s.liveIDs(ctx, "favorites", userID)
}

// ReadIDs returns the ids of articles the user has read.
func (s *Store) ReadIDs(ctx context.Context, userID string) ([]string, error) {
	return s.liveIDs(ctx, "read_articles", userID)
}

// Search runs the search_articles RPC. When the backend lacks the function
// it falls back to a case-insensitive match on title and summary. Either way
// results are newest first and capped at storage.MaxSearchResults.
func (s *Store) Search(ctx context.Context, query string, sourceIDs []string, limit int) ([]storage.Article, error) {
	if limit <= 0 || limit > storage.MaxSearchResults {
		limit = storage.MaxSearchResults
	}
	if sourceIDs == nil {
		sourceIDs = []string{}
	}

	var articles []storage.Article
	err := s.db.SelectContext(ctx, &articles,
		"SELECT "+articleColumns+" FROM search_articles($1, $2, $3)",
		query, pq.Array(sourceIDs), limit,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == codeUndefinedFunction {
		return s.searchFallback(ctx, query, sourceIDs, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	return articles, nil
}

func (s *Store) searchFallback(ctx context.Context, query string, sourceIDs []string, limit int) ([]storage.Article, error) {
	pattern := "%" + escapeLike(query) + "%"
	q := `SELECT ` + articleColumns + ` FROM articles WHERE (title ILIKE $1 OR summary ILIKE $1)`
	args := []interface{}{pattern}
	if len(sourceIDs) > 0 {
		q += " AND source_id = ANY($2)"
		args = append(args, pq.Array(sourceIDs))
	}
	q += fmt.Sprintf(" ORDER BY published_at DESC NULLS LAST LIMIT %d", limit)

	var articles []storage.Article
	if err := s.db.SelectContext(ctx, &articles, q, args...); err != nil {
		return nil, fmt.Errorf("fallback search failed: %w", err)
	}
	return articles, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
