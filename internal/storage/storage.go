package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

var (
	// ErrStorage wraps every failed local write.
	ErrStorage = errors.New("storage error")
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Store is the on-device mirror of sources, articles, marks, fetch history,
// the sync outbox and small cross-session records.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewStore opens (creating if needed) the database at dbPath and applies the schema.
// ":memory:" opens a private in-memory database.
func NewStore(dbPath string) (*Store, error) {
	// Pragmas go in the DSN so every pooled connection gets them.
	params := "?_time_format=sqlite&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	memory := dbPath == ":memory:"
	dsn := dbPath + params
	if memory {
		dsn = "file::memory:" + params
	} else {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers; readers see only committed batches.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Entries a crashed drain left in flight were never confirmed remotely.
	if _, err := db.Exec("UPDATE sync_queue SET status = 'pending' WHERE status = 'inflight'"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to recover sync queue: %w", err)
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// SetClock replaces the time source used for row timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = func() time.Time { return now().UTC() }
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing only if fn succeeds.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return writeErr(op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		if errors.Is(err, ErrStorage) || errors.Is(err, ErrNotFound) {
			return err
		}
		return writeErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return writeErr(op, err)
	}
	return nil
}

func writeErr(op string, err error) error {
	return fmt.Errorf("failed to %s: %w: %w", op, ErrStorage, err)
}
