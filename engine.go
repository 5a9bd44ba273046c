package courier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/matthewjhunter/courier/internal/config"
	"github.com/matthewjhunter/courier/internal/extract"
	"github.com/matthewjhunter/courier/internal/feeds"
	"github.com/matthewjhunter/courier/internal/logging"
	"github.com/matthewjhunter/courier/internal/netcheck"
	"github.com/matthewjhunter/courier/internal/publisher"
	"github.com/matthewjhunter/courier/internal/remote"
	"github.com/matthewjhunter/courier/internal/scheduler"
	"github.com/matthewjhunter/courier/internal/storage"
	"github.com/matthewjhunter/courier/internal/syncqueue"
	"github.com/matthewjhunter/courier/internal/topics"
)

var (
	ErrSkipped       = scheduler.ErrSkipped
	ErrOffline       = scheduler.ErrOffline
	ErrThrottled     = scheduler.ErrThrottled
	ErrInFlight      = scheduler.ErrInFlight
	ErrNoRemote      = syncqueue.ErrNoRemote
	ErrNotFound      = storage.ErrNotFound
	ErrStorage       = storage.ErrStorage
	ErrQuotaExceeded = topics.ErrQuotaExceeded
)

var _ Remote = (*remote.Store)(nil)

// Engine is the public API of courier's sync and ingestion core. It wraps
// the local store, the source fetcher, the sync queue, the refresh scheduler
// and topic search, plus the optional remote backend and event publisher.
type Engine struct {
	cfg       *config.Config
	userID    string
	store     *storage.Store
	fetcher   *feeds.Fetcher
	queue     *syncqueue.Queue
	scheduler *scheduler.Scheduler
	topics    *topics.Client
	remote    Remote
	network   netcheck.Checker
	publisher publisher.Publisher
	logger    *slog.Logger
	now       func() time.Time

	// closers release what NewEngine opened itself, in order.
	closers []func() error

	// syncMu serializes pulls and subscription changes sent to the remote.
	syncMu sync.Mutex

	mu        sync.Mutex
	last      *RefreshResult
	stopWatch context.CancelFunc
	watchDone chan struct{}
}

// NewEngine creates a courier engine backed by the SQLite database named in
// the config. Collaborators left nil in cfg are built from the config: the
// remote only when a DSN is set, the publisher only when a broker url is set.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	c := cfg.Config
	if c == nil {
		c = config.Default()
	}
	if cfg.DBPath != "" {
		c.Database.Path = cfg.DBPath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New(c.Log)
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	store, err := storage.NewStore(c.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store.SetClock(now)

	e := &Engine{
		cfg:       c,
		userID:    c.UserID,
		store:     store,
		remote:    cfg.Remote,
		network:   cfg.Network,
		publisher: cfg.Publisher,
		logger:    logger,
		now:       now,
	}
	fail := func(err error) (*Engine, error) {
		e.closeAll()
		store.Close()
		return nil, err
	}

	registry := extract.DefaultRegistry()
	if c.Extract.RulesFile != "" {
		n, err := registry.LoadRules(c.Extract.RulesFile)
		if err != nil {
			return fail(fmt.Errorf("load site rules: %w", err))
		}
		logger.Debug("loaded site rules", "path", c.Extract.RulesFile, "rules", n)
	}
	extractor := extract.New(registry, extract.Options{
		MinLength:  c.Extract.MinLength,
		MaxSummary: c.Extract.MaxSummary,
	})
	client := feeds.NewClient(feeds.ClientOptions{
		Timeout:     c.Fetch.Timeout,
		RatePerHost: c.Fetch.RatePerHost,
		Burst:       c.Fetch.Burst,
		UserAgent:   c.Fetch.UserAgent,
		BypassProxy: c.Fetch.BypassProxy,
		HTTPClient:  cfg.HTTPClient,
	})
	e.fetcher = feeds.NewFetcher(store, client, extractor, feeds.Options{
		Concurrency: c.Fetch.Concurrency,
		Logger:      logger,
		Now:         now,
	})

	if e.network == nil {
		e.network = netcheck.NewHTTPProbe(c.Network.ProbeURL, c.Network.Timeout, nil)
	}

	if e.remote == nil && c.Remote.DSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		rs, err := remote.Open(ctx, c.Remote.DSN)
		if err != nil {
			return fail(err)
		}
		e.closers = append(e.closers, rs.Close)
		if err := rs.Migrate(ctx); err != nil {
			return fail(err)
		}
		e.remote = rs
	}

	if e.publisher == nil && c.RabbitMQ.URL != "" {
		p, err := publisher.NewRabbitMQ(publisher.Config{
			URL:        c.RabbitMQ.URL,
			Exchange:   c.RabbitMQ.Exchange,
			RoutingKey: c.RabbitMQ.RoutingKey,
			QueueName:  c.RabbitMQ.Queue,
		}, logger)
		if err != nil {
			// Events are optional; a missing broker must not stop syncing.
			logger.Warn("refresh events disabled", "error", err)
		} else {
			e.publisher = p
			e.closers = append(e.closers, p.Close)
		}
	}
	if e.publisher == nil {
		e.publisher = publisher.Nop{}
	}

	var qRemote syncqueue.Remote
	if e.remote != nil {
		qRemote = e.remote
	}
	e.queue = syncqueue.New(store, qRemote, e.network, syncqueue.Options{
		UserID:      c.UserID,
		MaxPerDrain: c.Sync.MaxPerDrain,
		Logger:      logger,
		Now:         now,
	})
	e.scheduler = scheduler.New(store, scheduler.RefresherFunc(e.refresh), e.network, scheduler.Options{
		Interval:         c.Refresh.Interval,
		MinInterval:      c.Refresh.MinInterval,
		BackgroundBudget: c.Refresh.BackgroundBudget,
		Logger:           logger,
		Now:              now,
	})
	e.topics = topics.New(store, client, c.Topics, topics.Options{Logger: logger, Now: now})

	return e, nil
}

// AddSource subscribes to a feed, page or YouTube channel. An empty typ is
// inferred from the url. When online the source is fetched right away; a
// failed first fetch is recorded on the source rather than returned.
func (e *Engine) AddSource(ctx context.Context, url, name, typ string) (*Source, error) {
	src := &storage.Source{URL: url, Name: name, Type: storage.SourceType(typ)}
	if err := feeds.NormalizeSource(src); err != nil {
		return nil, err
	}
	if err := e.store.UpsertSource(ctx, src); err != nil {
		return nil, fmt.Errorf("add source: %w", err)
	}
	if e.remote != nil {
		if err := e.syncSource(ctx, src.ID, opAdd); err != nil {
			return nil, err
		}
	}

	if e.network.Online(ctx) {
		stored, err := e.store.GetSource(ctx, src.ID)
		if err != nil {
			return nil, err
		}
		if _, err := e.fetcher.FetchSource(ctx, *stored); errors.Is(err, storage.ErrStorage) {
			return nil, err
		} else if err != nil {
			e.logger.Info("first fetch of new source failed", "source_id", src.ID, "error", err)
		}
	}

	stored, err := e.store.GetSource(ctx, src.ID)
	if err != nil {
		return nil, err
	}
	result := sourceFromInternal(*stored)
	return &result, nil
}

// RemoveSource deletes a source together with its articles and fetch logs.
func (e *Engine) RemoveSource(ctx context.Context, sourceID string) error {
	if err := e.store.DeleteSource(ctx, sourceID); err != nil {
		return err
	}
	if e.remote != nil {
		return e.syncSource(ctx, sourceID, opRemove)
	}
	return nil
}

// Sources returns every subscribed source ordered by name.
func (e *Engine) Sources(ctx context.Context) ([]Source, error) {
	sources, err := e.store.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	return sourcesFromInternal(sources), nil
}

// ImportOPML subscribes to every feed in an OPML file and returns how many
// sources were added or updated.
func (e *Engine) ImportOPML(ctx context.Context, path string) (int, error) {
	before := make(map[string]bool)
	if e.remote != nil {
		existing, err := e.store.ListSources(ctx)
		if err != nil {
			return 0, err
		}
		for _, s := range existing {
			before[s.ID] = true
		}
	}

	n, err := e.fetcher.ImportOPML(ctx, path)
	if err != nil || e.remote == nil {
		return n, err
	}

	after, err := e.store.ListSources(ctx)
	if err != nil {
		return n, err
	}
	for _, s := range after {
		if before[s.ID] {
			continue
		}
		if err := e.syncSource(ctx, s.ID, opAdd); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Articles returns the newest articles of one source, or across all sources
// when sourceID is empty.
func (e *Engine) Articles(ctx context.Context, sourceID string, limit int) ([]Article, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		articles []storage.Article
		err      error
	)
	if sourceID == "" {
		articles, err = e.store.RecentArticles(ctx, limit)
	} else {
		articles, err = e.store.ArticlesBySource(ctx, sourceID, limit)
	}
	if err != nil {
		return nil, err
	}
	return articlesFromInternal(articles), nil
}

// ToggleFavorite flips the favorite state of an article locally and queues
// the change for the remote. It returns the new state and works offline.
func (e *Engine) ToggleFavorite(ctx context.Context, articleID string) (bool, error) {
	return e.queue.ToggleFavorite(ctx, articleID)
}

// MarkRead marks an article read locally and queues the change.
func (e *Engine) MarkRead(ctx context.Context, articleID string) error {
	_, err := e.queue.MarkRead(ctx, articleID)
	return err
}

func (e *Engine) FavoriteIDs(ctx context.Context) ([]string, error) {
	return e.store.GetFavoriteIDs(ctx, e.userID)
}

func (e *Engine) ReadIDs(ctx context.Context) ([]string, error) {
	return e.store.GetReadIDs(ctx, e.userID)
}

// PendingMutations returns how many local changes the remote has not
// confirmed yet.
func (e *Engine) PendingMutations(ctx context.Context) (int, error) {
	return e.queue.Pending(ctx)
}

// Drain sends queued mutations to the remote.
func (e *Engine) Drain(ctx context.Context) (*DrainResult, error) {
	res, err := e.queue.Drain(ctx)
	if errors.Is(err, syncqueue.ErrOffline) {
		return nil, ErrOffline
	}
	if res == nil {
		return nil, err
	}
	return &DrainResult{
		Applied:   res.Applied,
		Failed:    res.Failed,
		HeldBack:  res.HeldBack,
		Remaining: res.Remaining,
		Skipped:   res.Skipped,
	}, err
}

// Refresh runs a refresh cycle if the network is up, no refresh is running
// and the minimum interval since the last success has passed. Skips return
// an error wrapping ErrSkipped.
func (e *Engine) Refresh(ctx context.Context, trigger Trigger) (*RefreshResult, error) {
	if _, err := e.scheduler.Trigger(ctx, trigger); err != nil {
		return nil, err
	}
	return e.LastRefresh(), nil
}

// ForceRefresh is a manual Refresh that ignores the minimum interval.
func (e *Engine) ForceRefresh(ctx context.Context) (*RefreshResult, error) {
	if _, err := e.scheduler.Force(ctx); err != nil {
		return nil, err
	}
	return e.LastRefresh(), nil
}

// ShouldRefresh reports whether a Refresh would run now, and why not.
func (e *Engine) ShouldRefresh(ctx context.Context) (bool, string) {
	return e.scheduler.ShouldRefresh(ctx)
}

// LastRefresh returns the result of the last cycle this engine ran, or nil.
func (e *Engine) LastRefresh() *RefreshResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return nil
	}
	r := *e.last
	return &r
}

// SetAppState records an app lifecycle change. Returning to the foreground
// triggers a refresh, whose result is returned.
func (e *Engine) SetAppState(ctx context.Context, state AppState) (*RefreshResult, error) {
	res, err := e.scheduler.SetAppState(ctx, state)
	if err != nil || res == nil {
		return nil, err
	}
	return e.LastRefresh(), nil
}

// RunBackgroundTask runs the body of an OS background refresh slot.
func (e *Engine) RunBackgroundTask(ctx context.Context) Outcome {
	return e.scheduler.RunBackground(ctx)
}

// TakeBackgroundResult returns, once, what the last background refresh left.
func (e *Engine) TakeBackgroundResult(ctx context.Context) (*BackgroundResult, error) {
	r, err := e.scheduler.TakeBackgroundResult(ctx)
	if err != nil || r == nil {
		return nil, err
	}
	return &BackgroundResult{ArticleCount: r.ArticleCount, CompletedAt: r.CompletedAt}, nil
}

// SourceHealth summarizes the last fetches of a source.
func (e *Engine) SourceHealth(ctx context.Context, sourceID string) (*SourceHealth, error) {
	src, err := e.store.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	h, err := e.store.GetSourceHealth(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	return &SourceHealth{
		SourceID:     src.ID,
		Name:         src.Name,
		Status:       string(src.Status),
		SuccessRate:  h.SuccessRate,
		TotalFetches: h.TotalFetches,
		LastSuccess:  h.LastSuccess,
		LastError:    h.LastError,
	}, nil
}

// Health returns SourceHealth for every source.
func (e *Engine) Health(ctx context.Context) ([]SourceHealth, error) {
	sources, err := e.store.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]SourceHealth, 0, len(sources))
	for _, s := range sources {
		h, err := e.SourceHealth(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		result = append(result, *h)
	}
	return result, nil
}

// Search finds articles by title or summary, newest first, at most 50. The
// remote catalog is searched when reachable, the local store otherwise.
func (e *Engine) Search(ctx context.Context, query string, sourceIDs []string, limit int) ([]Article, error) {
	if e.remote != nil && e.network.Online(ctx) {
		articles, err := e.remote.Search(ctx, query, sourceIDs, limit)
		if err == nil {
			return articlesFromInternal(articles), nil
		}
		e.logger.Warn("remote search failed, searching locally", "error", err)
	}
	articles, err := e.store.SearchArticles(ctx, query, sourceIDs, limit)
	if err != nil {
		return nil, err
	}
	return articlesFromInternal(articles), nil
}

// Topics returns the configured search topics.
func (e *Engine) Topics() []config.Topic {
	return e.topics.Topics()
}

// SearchTopic returns articles for a configured topic. When the daily quota
// is spent it returns the cached result, possibly empty, with
// ErrQuotaExceeded.
func (e *Engine) SearchTopic(ctx context.Context, topicID string) (*TopicResult, error) {
	res, err := e.topics.Search(ctx, topicID)
	out := topicResultFromInternal(res)
	if out != nil {
		if used, limit, uerr := e.topics.Usage(ctx); uerr == nil {
			out.QuotaUsed, out.Quota = used, limit
		}
	}
	return out, err
}

// Start runs the refresh timer while the app is active and watches the
// network, draining the outbox each time it comes back. Stop ends both.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.stopWatch != nil {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.stopWatch = cancel
	e.watchDone = done
	e.mu.Unlock()

	poll := e.cfg.Network.PollInterval
	if poll <= 0 {
		poll = 30 * time.Second
	}
	e.scheduler.Start(ctx)
	go func() {
		defer close(done)
		netcheck.Watch(ctx, e.network, poll, e.logger, func(online bool) {
			if !online || e.remote == nil {
				return
			}
			if _, err := e.Drain(ctx); err != nil && !errors.Is(err, ErrOffline) {
				e.logger.Warn("drain on reconnect failed", "error", err)
			}
		})
	}()
}

func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.stopWatch, e.watchDone
	e.stopWatch, e.watchDone = nil, nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	e.scheduler.Stop()
}

func (e *Engine) closeAll() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	e.closers = nil
	return errors.Join(errs...)
}

// Close stops background work and releases all resources held by the engine.
func (e *Engine) Close() error {
	e.Stop()
	return errors.Join(e.closeAll(), e.store.Close())
}
