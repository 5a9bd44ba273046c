package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const sourceColumns = `id, url, name, type, status, last_fetched_at, last_error,
	etag, last_modified, created_at, updated_at`

// UpsertSource creates the source or updates its name and type. An empty ID
// is derived from the url. New sources start in pending status.
func (s *Store) UpsertSource(ctx context.Context, src *Source) error {
	return s.UpsertSources(ctx, []*Source{src})
}

// UpsertSources writes a batch of sources in one transaction.
func (s *Store) UpsertSources(ctx context.Context, batch []*Source) error {
	for _, src := range batch {
		if !src.Type.Valid() {
			return fmt.Errorf("invalid source type %q for %s", src.Type, src.URL)
		}
	}
	return s.withTx(ctx, "upsert sources", func(tx *sqlx.Tx) error {
		now := s.now()
		for _, src := range batch {
			if src.ID == "" {
				src.ID = SourceID(src.URL)
			}
			if src.Status == "" {
				src.Status = StatusPending
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO sources (id, url, name, type, status, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE sources.name END,
					type = excluded.type,
					updated_at = excluded.updated_at`,
				src.ID, src.URL, src.Name, src.Type, src.Status, now, now,
			)
			if err != nil {
				return fmt.Errorf("source %s: %w", src.URL, err)
			}
		}
		return nil
	})
}

func (s *Store) GetSource(ctx context.Context, id string) (*Source, error) {
	var src Source
	err := s.db.GetContext(ctx, &src, "SELECT "+sourceColumns+" FROM sources WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get source: %w", err)
	}
	return &src, nil
}

// ListSources returns every configured source ordered by name.
func (s *Store) ListSources(ctx context.Context) ([]Source, error) {
	var sources []Source
	err := s.db.SelectContext(ctx, &sources, "SELECT "+sourceColumns+" FROM sources ORDER BY name, url")
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	return sources, nil
}

// DeleteSource removes the source together with its articles and fetch logs.
func (s *Store) DeleteSource(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sources WHERE id = ?", id)
	if err != nil {
		return writeErr("delete source", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateSourceCacheHeaders(ctx context.Context, id, etag, lastModified string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sources SET etag = ?, last_modified = ? WHERE id = ?",
		etag, lastModified, id,
	)
	if err != nil {
		return writeErr("update cache headers", err)
	}
	return nil
}
