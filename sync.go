package courier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matthewjhunter/courier/internal/feeds"
	"github.com/matthewjhunter/courier/internal/publisher"
	"github.com/matthewjhunter/courier/internal/remote"
	"github.com/matthewjhunter/courier/internal/scheduler"
	"github.com/matthewjhunter/courier/internal/storage"
	"github.com/matthewjhunter/courier/internal/syncqueue"
)

// Remote is the backend holding the system of record. *remote.Store is the
// Postgres implementation.
type Remote interface {
	syncqueue.Remote
	UpsertSource(ctx context.Context, userID string, src storage.Source) error
	DeleteSource(ctx context.Context, userID, sourceID string) error
	Sources(ctx context.Context, userID string) ([]storage.Source, error)
	PublishArticles(ctx context.Context, articles []storage.Article) error
	Articles(ctx context.Context, sourceIDs []string, after remote.Cursor, limit int) ([]remote.CatalogArticle, error)
	FavoriteIDs(ctx context.Context, userID string) ([]string, error)
	ReadIDs(ctx context.Context, userID string) ([]string, error)
	Search(ctx context.Context, query string, sourceIDs []string, limit int) ([]storage.Article, error)
}

// State keys owned by the engine.
const (
	keyPullCursor    = "sync.pull_cursor"
	keySourceOps     = "sync.source_ops"
	keySourcesSeeded = "sync.sources_seeded"
)

const (
	// pullPageSize is how many catalog rows one request returns.
	pullPageSize = 500
	// catalogOverlap re-reads rows cataloged shortly before the cursor, so a
	// publish that committed after a pull had passed its timestamp is still
	// picked up.
	catalogOverlap = time.Minute
)

const (
	opAdd    = "add"
	opRemove = "remove"
)

// refresh is one cycle: fetch every source, then, with a remote, publish the
// fetched articles, pull remote state and drain the outbox. Sync problems are
// reported on the result; only local failures fail the cycle.
func (e *Engine) refresh(ctx context.Context) (int, error) {
	reason, _ := scheduler.ReasonFrom(ctx)
	res := &RefreshResult{Trigger: reason, StartedAt: e.now().UTC()}

	stats, err := e.fetcher.FetchAll(ctx)
	if stats != nil {
		res.Sources = stats.Sources
		res.Succeeded = stats.Succeeded
		res.Failed = stats.Failed
		res.NewArticles = stats.NewArticles
	}
	if err != nil {
		return 0, err
	}

	if e.remote != nil {
		if err := e.syncRemote(ctx, stats, res); err != nil {
			e.logger.Warn("sync with remote incomplete", "error", err)
			res.SyncError = err.Error()
		}
	}

	if n, err := e.queue.Pending(ctx); err == nil {
		res.Pending = n
	}
	res.CompletedAt = e.now().UTC()

	e.mu.Lock()
	e.last = res
	e.mu.Unlock()

	ev := publisher.RefreshEvent{
		UserID:      e.userID,
		Reason:      string(res.Trigger),
		Sources:     res.Sources,
		Succeeded:   res.Succeeded,
		Failed:      res.Failed,
		NewArticles: res.NewArticles,
		Applied:     res.Applied,
		Pending:     res.Pending,
		StartedAt:   res.StartedAt,
		CompletedAt: res.CompletedAt,
	}
	if err := e.publisher.PublishRefresh(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Warn("failed to publish refresh event", "error", err)
	}
	return res.NewArticles + res.Pulled, nil
}

func (e *Engine) syncRemote(ctx context.Context, stats *feeds.CycleStats, res *RefreshResult) error {
	var errs []error
	if err := e.publishFetched(ctx, stats); err != nil {
		errs = append(errs, err)
	}
	pull, err := e.pull(ctx)
	if err != nil {
		errs = append(errs, err)
	} else {
		res.Pulled = pull.Articles
	}
	// Queued mutations replay after the pull so they win over it.
	drain, err := e.queue.Drain(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	if drain != nil {
		res.Applied = drain.Applied
	}
	return errors.Join(errs...)
}

// publishFetched adds the articles fetched this cycle to the shared catalog.
func (e *Engine) publishFetched(ctx context.Context, stats *feeds.CycleStats) error {
	var batch []storage.Article
	for _, r := range stats.Results {
		if r.Err != nil {
			continue
		}
		for _, id := range r.ArticleIDs {
			a, err := e.store.GetArticle(ctx, id)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			batch = append(batch, *a)
		}
	}
	if err := e.remote.PublishArticles(ctx, batch); err != nil {
		return fmt.Errorf("publish articles: %w", err)
	}
	return nil
}

// Pull mirrors the remote state of this user into the local store:
// subscriptions, catalog articles for those sources, favorites and read
// marks. Mutations still in the outbox are re-applied on top of the mirrored
// marks.
func (e *Engine) Pull(ctx context.Context) (*PullResult, error) {
	if e.remote == nil {
		return nil, ErrNoRemote
	}
	if !e.network.Online(ctx) {
		return nil, ErrOffline
	}
	return e.pull(ctx)
}

func (e *Engine) pull(ctx context.Context) (*PullResult, error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	res := &PullResult{}
	if err := e.flushSourceOpsLocked(ctx); err != nil {
		return nil, err
	}
	if err := e.pullSourcesLocked(ctx, res); err != nil {
		return nil, err
	}
	if err := e.pullArticlesLocked(ctx, res); err != nil {
		return nil, err
	}

	favorites, err := e.remote.FavoriteIDs(ctx, e.userID)
	if err != nil {
		return nil, err
	}
	if err := e.store.MirrorFavorites(ctx, e.userID, favorites); err != nil {
		return nil, err
	}
	read, err := e.remote.ReadIDs(ctx, e.userID)
	if err != nil {
		return nil, err
	}
	if err := e.store.MirrorReadMarks(ctx, e.userID, read); err != nil {
		return nil, err
	}
	res.Favorites = len(favorites)
	res.Read = len(read)

	e.logger.Info("pulled remote state", "sources_added", res.SourcesAdded,
		"sources_removed", res.SourcesRemoved, "articles", res.Articles,
		"favorites", res.Favorites, "read", res.Read)
	return res, nil
}

// pullSourcesLocked makes the local subscriptions match the remote ones. The
// first pull against a backend uploads local sources instead of deleting
// them, so a device that ran local-only keeps its subscriptions.
func (e *Engine) pullSourcesLocked(ctx context.Context, res *PullResult) error {
	remoteSources, err := e.remote.Sources(ctx, e.userID)
	if err != nil {
		return err
	}
	local, err := e.store.ListSources(ctx)
	if err != nil {
		return err
	}
	_, seeded, err := e.store.GetState(ctx, keySourcesSeeded)
	if err != nil {
		return err
	}

	onRemote := make(map[string]bool, len(remoteSources))
	for _, s := range remoteSources {
		onRemote[s.ID] = true
	}
	onLocal := make(map[string]bool, len(local))
	for _, s := range local {
		onLocal[s.ID] = true
		if onRemote[s.ID] {
			continue
		}
		if !seeded {
			if err := e.remote.UpsertSource(ctx, e.userID, s); err != nil {
				return err
			}
			continue
		}
		if err := e.store.DeleteSource(ctx, s.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		res.SourcesRemoved++
	}

	var added []*storage.Source
	for i := range remoteSources {
		if !onLocal[remoteSources[i].ID] {
			added = append(added, &remoteSources[i])
		}
	}
	if err := e.store.UpsertSources(ctx, added); err != nil {
		return err
	}
	res.SourcesAdded = len(added)

	if !seeded {
		return e.store.SetState(ctx, keySourcesSeeded, "1")
	}
	return nil
}

// pullArticlesLocked pages through the catalog in server order from the
// stored cursor until a short page, saving the cursor after every page.
func (e *Engine) pullArticlesLocked(ctx context.Context, res *PullResult) error {
	sources, err := e.store.ListSources(ctx)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return nil
	}
	ids := make([]string, len(sources))
	for i, s := range sources {
		ids[i] = s.ID
	}

	cursor, err := e.loadPullCursor(ctx)
	if err != nil {
		return err
	}
	var after remote.Cursor
	if !cursor.At.IsZero() {
		after = remote.Cursor{At: cursor.At.Add(-catalogOverlap)}
	}

	for {
		page, err := e.remote.Articles(ctx, ids, after, pullPageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		batch := make([]storage.Article, len(page))
		for i, a := range page {
			batch[i] = a.Article
		}
		n, err := e.store.UpsertArticles(ctx, batch)
		if err != nil {
			return err
		}
		res.Articles += n

		after = page[len(page)-1].Cursor()
		if cursor.Before(after) {
			cursor = after
			if err := e.savePullCursor(ctx, cursor); err != nil {
				return err
			}
		}
		if len(page) < pullPageSize {
			return nil
		}
	}
}

func (e *Engine) loadPullCursor(ctx context.Context) (remote.Cursor, error) {
	var c remote.Cursor
	v, ok, err := e.store.GetState(ctx, keyPullCursor)
	if err != nil || !ok {
		return c, err
	}
	if err := json.Unmarshal([]byte(v), &c); err != nil {
		e.logger.Warn("discarding unreadable pull cursor", "error", err)
		return remote.Cursor{}, nil
	}
	return c, nil
}

func (e *Engine) savePullCursor(ctx context.Context, c remote.Cursor) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return e.store.SetState(ctx, keyPullCursor, string(data))
}

func (e *Engine) loadSourceOps(ctx context.Context) (map[string]string, error) {
	ops := make(map[string]string)
	v, ok, err := e.store.GetState(ctx, keySourceOps)
	if err != nil || !ok {
		return ops, err
	}
	if err := json.Unmarshal([]byte(v), &ops); err != nil {
		e.logger.Warn("discarding unreadable source operations", "error", err)
		return make(map[string]string), nil
	}
	return ops, nil
}

func (e *Engine) saveSourceOps(ctx context.Context, ops map[string]string) error {
	data, err := json.Marshal(ops)
	if err != nil {
		return err
	}
	return e.store.SetState(ctx, keySourceOps, string(data))
}

// syncSource records a subscription change for the remote and sends it right
// away when the network allows. A change that cannot be sent stays recorded
// and goes out before the next pull.
func (e *Engine) syncSource(ctx context.Context, sourceID, op string) error {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	ops, err := e.loadSourceOps(ctx)
	if err != nil {
		return err
	}
	ops[sourceID] = op
	if err := e.saveSourceOps(ctx, ops); err != nil {
		return err
	}
	if !e.network.Online(ctx) {
		return nil
	}
	if err := e.flushSourceOpsLocked(ctx); err != nil {
		e.logger.Warn("subscription change left for next sync", "source_id", sourceID, "error", err)
	}
	return nil
}

func (e *Engine) flushSourceOpsLocked(ctx context.Context) error {
	ops, err := e.loadSourceOps(ctx)
	if err != nil || len(ops) == 0 {
		return err
	}

	var sendErr error
	for id, op := range ops {
		switch op {
		case opAdd:
			src, err := e.store.GetSource(ctx, id)
			if errors.Is(err, storage.ErrNotFound) {
				break
			}
			if err != nil {
				return err
			}
			sendErr = e.remote.UpsertSource(ctx, e.userID, *src)
		case opRemove:
			sendErr = e.remote.DeleteSource(ctx, e.userID, id)
		}
		if sendErr != nil {
			break
		}
		delete(ops, id)
	}
	if err := e.saveSourceOps(context.WithoutCancel(ctx), ops); err != nil {
		return err
	}
	if sendErr != nil {
		return fmt.Errorf("send subscription changes: %w", sendErr)
	}
	return nil
}
