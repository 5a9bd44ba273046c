package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Payload is the JSON body of an outbox entry.
type Payload struct {
	Favorited *bool `json:"favorited,omitempty"`
	Read      *bool `json:"read,omitempty"`
}

func (e *OutboxEntry) Decode() (Payload, error) {
	var p Payload
	if e.Payload == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
		return p, fmt.Errorf("bad payload for %s: %w", e.ID, err)
	}
	return p, nil
}

const outboxColumns = `seq, id, operation, user_id, entity_id, payload, mutated_at,
	enqueued_at, attempts, last_error, status`

// Enqueue applies the entry's local effect (favorite set or cleared, read mark
// added) and appends the entry to the outbox in the same transaction.
func (s *Store) Enqueue(ctx context.Context, entry *OutboxEntry) error {
	p, err := entry.Decode()
	if err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = s.now()
	}
	if entry.MutatedAt.IsZero() {
		entry.MutatedAt = entry.EnqueuedAt
	}
	if entry.Payload == "" {
		entry.Payload = "{}"
	}
	entry.Status = "pending"

	return s.withTx(ctx, "enqueue mutation", func(tx *sqlx.Tx) error {
		if err := applyLocal(ctx, tx, entry, p); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO sync_queue (id, operation, user_id, entity_id, payload, mutated_at, enqueued_at, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'pending')`,
			entry.ID, entry.Operation, entry.UserID, entry.EntityID, entry.Payload,
			entry.MutatedAt, entry.EnqueuedAt,
		)
		if err != nil {
			return err
		}
		entry.Seq, _ = res.LastInsertId()
		return nil
	})
}

func applyLocal(ctx context.Context, tx *sqlx.Tx, e *OutboxEntry, p Payload) error {
	switch e.Operation {
	case OpFavorite:
		return setFavorite(ctx, tx, e.UserID, e.EntityID, p.Favorited != nil && *p.Favorited, e.MutatedAt)
	case OpRead:
		if p.Read != nil && !*p.Read {
			_, err := tx.ExecContext(ctx,
				"DELETE FROM read_marks WHERE user_id = ? AND article_id = ?", e.UserID, e.EntityID)
			return err
		}
		return markRead(ctx, tx, e.UserID, e.EntityID, e.MutatedAt)
	default:
		return fmt.Errorf("unknown operation %q", e.Operation)
	}
}

// overlayOutbox re-applies pending entries of one operation for a user.
func overlayOutbox(ctx context.Context, tx *sqlx.Tx, userID string, op Operation) error {
	var entries []OutboxEntry
	err := tx.SelectContext(ctx, &entries,
		"SELECT "+outboxColumns+" FROM sync_queue WHERE user_id = ? AND operation = ? ORDER BY seq",
		userID, op,
	)
	if err != nil {
		return err
	}
	for i := range entries {
		p, err := entries[i].Decode()
		if err != nil {
			return err
		}
		if err := applyLocal(ctx, tx, &entries[i], p); err != nil {
			return err
		}
	}
	return nil
}

// PendingEntries returns up to limit pending entries in enqueue order.
func (s *Store) PendingEntries(ctx context.Context, limit int) ([]OutboxEntry, error) {
	var entries []OutboxEntry
	err := s.db.SelectContext(ctx, &entries,
		"SELECT "+outboxColumns+" FROM sync_queue WHERE status = 'pending' ORDER BY seq LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending entries: %w", err)
	}
	return entries, nil
}

// MarkInflight flags the entries as being sent.
func (s *Store) MarkInflight(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	q, args, err := sqlx.In("UPDATE sync_queue SET status = 'inflight' WHERE id IN (?)", ids)
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...); err != nil {
		return writeErr("mark entries inflight", err)
	}
	return nil
}

// CompleteEntry removes an entry the remote confirmed.
func (s *Store) CompleteEntry(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sync_queue WHERE id = ?", id); err != nil {
		return writeErr("complete entry", err)
	}
	return nil
}

// RequeueEntry returns an entry to pending and records the failed attempt.
func (s *Store) RequeueEntry(ctx context.Context, id, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'pending', attempts = attempts + 1, last_error = ?
		WHERE id = ?`,
		errMsg, id,
	)
	if err != nil {
		return writeErr("requeue entry", err)
	}
	return nil
}

// ReleaseInflight returns every in-flight entry to pending without counting
// an attempt.
func (s *Store) ReleaseInflight(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE sync_queue SET status = 'pending' WHERE status = 'inflight'"); err != nil {
		return writeErr("release inflight entries", err)
	}
	return nil
}

// PendingCount counts entries not yet confirmed by the remote.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM sync_queue"); err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return n, nil
}
