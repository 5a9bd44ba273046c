// Package syncqueue replays mutations made on this device against the remote
// backend. Mutations are applied to the local store and written to a durable
// outbox in one step, so favorite and read actions work offline; Drain sends
// them once the network is confirmed available.
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matthewjhunter/courier/internal/netcheck"
	"github.com/matthewjhunter/courier/internal/storage"
)

var (
	// ErrOffline is returned by Drain when the network check fails.
	ErrOffline = errors.New("network unavailable")
	// ErrRemoteRejected marks a mutation the backend refused. The entry is
	// requeued, never dropped.
	ErrRemoteRejected = errors.New("remote rejected mutation")
	// ErrNoRemote is returned by Drain when no backend is configured.
	ErrNoRemote = errors.New("no remote backend configured")
)

// DefaultMaxPerDrain bounds how many entries one drain pass attempts.
const DefaultMaxPerDrain = 200

// Store is the outbox half of the local store.
type Store interface {
	Enqueue(ctx context.Context, entry *storage.OutboxEntry) error
	PendingEntries(ctx context.Context, limit int) ([]storage.OutboxEntry, error)
	MarkInflight(ctx context.Context, ids []string) error
	CompleteEntry(ctx context.Context, id string) error
	RequeueEntry(ctx context.Context, id, errMsg string) error
	ReleaseInflight(ctx context.Context) error
	PendingCount(ctx context.Context) (int, error)
	IsFavorite(ctx context.Context, userID, articleID string) (bool, error)
}

// Mutation is one queued change, as handed to the remote.
type Mutation struct {
	ID         string
	Operation  storage.Operation
	UserID     string
	EntityID   string
	Payload    storage.Payload
	MutatedAt  time.Time
	EnqueuedAt time.Time
	Attempts   int
}

// Favorited reports the desired favorite state of a favorite mutation.
func (m Mutation) Favorited() bool {
	return m.Payload.Favorited != nil && *m.Payload.Favorited
}

// Read reports the desired read state of a read mutation. A read mutation
// without an explicit state marks the article read.
func (m Mutation) Read() bool {
	return m.Payload.Read == nil || *m.Payload.Read
}

func (m Mutation) key() string {
	return string(m.Operation) + "\x00" + m.UserID + "\x00" + m.EntityID
}

func fromEntry(e storage.OutboxEntry) (Mutation, error) {
	p, err := e.Decode()
	if err != nil {
		return Mutation{}, err
	}
	return Mutation{
		ID:         e.ID,
		Operation:  e.Operation,
		UserID:     e.UserID,
		EntityID:   e.EntityID,
		Payload:    p,
		MutatedAt:  e.MutatedAt,
		EnqueuedAt: e.EnqueuedAt,
		Attempts:   e.Attempts,
	}, nil
}

type Options struct {
	UserID      string
	MaxPerDrain int
	Logger      *slog.Logger
	Now         func() time.Time
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Applied int
	Failed  int
	// HeldBack counts entries left pending because an earlier entry for the
	// same entity failed in this pass.
	HeldBack  int
	Remaining int
	// Skipped is set when another drain was already running.
	Skipped bool
}

type Queue struct {
	store       Store
	remote      Remote
	network     netcheck.Checker
	userID      string
	maxPerDrain int
	logger      *slog.Logger
	now         func() time.Time

	draining atomic.Bool

	mu          sync.Mutex
	lastMutated time.Time
}

// New creates a queue. remote may be nil, in which case mutations still apply
// locally and accumulate until a backend is configured.
func New(store Store, remote Remote, network netcheck.Checker, opts Options) *Queue {
	if opts.MaxPerDrain <= 0 {
		opts.MaxPerDrain = DefaultMaxPerDrain
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if network == nil {
		network = netcheck.NewStatic(true)
	}
	return &Queue{
		store:       store,
		remote:      remote,
		network:     network,
		userID:      opts.UserID,
		maxPerDrain: opts.MaxPerDrain,
		logger:      opts.Logger.With("component", "syncqueue"),
		now:         opts.Now,
	}
}

// stamp returns a mutation time strictly after every earlier one from this
// queue, so two changes in the same clock tick still order correctly under
// last-writer-wins.
func (q *Queue) stamp() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := q.now().UTC()
	if !t.After(q.lastMutated) {
		t = q.lastMutated.Add(time.Microsecond)
	}
	q.lastMutated = t
	return t
}

// Enqueue applies m locally and appends it to the outbox. It never touches
// the network. Unset ID, UserID and MutatedAt are filled in.
func (q *Queue) Enqueue(ctx context.Context, m *Mutation) error {
	if m.UserID == "" {
		m.UserID = q.userID
	}
	if m.MutatedAt.IsZero() {
		m.MutatedAt = q.stamp()
	}
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	entry := &storage.OutboxEntry{
		ID:        m.ID,
		Operation: m.Operation,
		UserID:    m.UserID,
		EntityID:  m.EntityID,
		Payload:   string(payload),
		MutatedAt: m.MutatedAt,
	}
	if err := q.store.Enqueue(ctx, entry); err != nil {
		return err
	}
	m.ID = entry.ID
	m.EnqueuedAt = entry.EnqueuedAt
	return nil
}

// SetFavorite queues a favorite or unfavorite of an article.
func (q *Queue) SetFavorite(ctx context.Context, articleID string, favorited bool) (*Mutation, error) {
	m := &Mutation{
		Operation: storage.OpFavorite,
		EntityID:  articleID,
		Payload:   storage.Payload{Favorited: &favorited},
	}
	if err := q.Enqueue(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// ToggleFavorite flips the local favorite state of an article and queues the
// change. It returns the new state.
func (q *Queue) ToggleFavorite(ctx context.Context, articleID string) (bool, error) {
	current, err := q.store.IsFavorite(ctx, q.userID, articleID)
	if err != nil {
		return false, err
	}
	if _, err := q.SetFavorite(ctx, articleID, !current); err != nil {
		return current, err
	}
	return !current, nil
}

// MarkRead queues a read mark for an article.
func (q *Queue) MarkRead(ctx context.Context, articleID string) (*Mutation, error) {
	read := true
	m := &Mutation{
		Operation: storage.OpRead,
		EntityID:  articleID,
		Payload:   storage.Payload{Read: &read},
	}
	if err := q.Enqueue(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Pending returns the number of mutations not yet confirmed by the remote.
func (q *Queue) Pending(ctx context.Context) (int, error) {
	return q.store.PendingCount(ctx)
}

// Draining reports whether a drain is running.
func (q *Queue) Draining() bool { return q.draining.Load() }

// Drain replays pending mutations in enqueue order. Only one drain runs at a
// time; a concurrent call returns immediately with Skipped set. Each entry is
// attempted at most once per pass and at most MaxPerDrain entries are taken.
//
// A rejected entry is requeued and later entries for the same entity are
// held back until the next pass. An unreachable remote ends the pass; the
// entries not yet sent wait for the next trigger.
func (q *Queue) Drain(ctx context.Context) (*DrainResult, error) {
	if !q.draining.CompareAndSwap(false, true) {
		q.logger.Debug("drain already running")
		return &DrainResult{Skipped: true}, nil
	}
	defer q.draining.Store(false)
	// An entry left in flight by failed bookkeeping goes back to pending
	// before the guard is released.
	defer func() {
		if err := q.store.ReleaseInflight(context.WithoutCancel(ctx)); err != nil {
			q.logger.Error("failed to release in-flight entries", "error", err)
		}
	}()

	if q.remote == nil {
		return nil, ErrNoRemote
	}
	if !q.network.Online(ctx) {
		return nil, ErrOffline
	}

	entries, err := q.store.PendingEntries(ctx, q.maxPerDrain)
	if err != nil {
		return nil, err
	}

	res := &DrainResult{}
	held := make(map[string]bool)
	var drainErr error

	for _, e := range entries {
		m, err := fromEntry(e)
		if err != nil {
			// An undecodable payload can never succeed; keep it visible.
			q.logger.Error("skipping corrupt outbox entry", "id", e.ID, "error", err)
			res.Failed++
			continue
		}
		if held[m.key()] {
			res.HeldBack++
			continue
		}
		if ctx.Err() != nil {
			drainErr = ctx.Err()
			break
		}

		if err := q.store.MarkInflight(ctx, []string{m.ID}); err != nil {
			drainErr = err
			break
		}

		applyErr := q.remote.Apply(ctx, m)
		// Bookkeeping must land even when ctx ended during Apply.
		bg := context.WithoutCancel(ctx)
		if applyErr == nil {
			if err := q.store.CompleteEntry(bg, m.ID); err != nil {
				drainErr = err
				break
			}
			res.Applied++
			continue
		}

		if err := q.store.RequeueEntry(bg, m.ID, applyErr.Error()); err != nil {
			drainErr = err
			break
		}
		res.Failed++
		held[m.key()] = true

		if !errors.Is(applyErr, ErrRemoteRejected) {
			q.logger.Warn("remote unreachable, ending drain", "id", m.ID, "error", applyErr)
			break
		}
		q.logger.Warn("mutation rejected", "id", m.ID, "operation", m.Operation,
			"entity_id", m.EntityID, "attempts", m.Attempts+1, "error", applyErr)
	}

	remaining, err := q.store.PendingCount(context.WithoutCancel(ctx))
	if err != nil && drainErr == nil {
		drainErr = err
	}
	res.Remaining = remaining

	q.logger.Info("drain complete", "applied", res.Applied, "failed", res.Failed,
		"held_back", res.HeldBack, "remaining", res.Remaining)
	return res, drainErr
}
