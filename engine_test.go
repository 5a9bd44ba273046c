package courier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewjhunter/courier/internal/config"
	"github.com/matthewjhunter/courier/internal/logging"
	"github.com/matthewjhunter/courier/internal/netcheck"
	"github.com/matthewjhunter/courier/internal/publisher"
	"github.com/matthewjhunter/courier/internal/remote"
	"github.com/matthewjhunter/courier/internal/storage"
	"github.com/matthewjhunter/courier/internal/syncqueue"
)

const feedXML = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>%s</title>
<item><title>First story</title><link>%s/first</link><description>Election results are in.</description>
<pubDate>Mon, 02 Mar 2026 08:00:00 GMT</pubDate></item>
<item><title>Second story</title><link>%s/second</link><description>Markets hold steady.</description>
<pubDate>Mon, 02 Mar 2026 09:00:00 GMT</pubDate></item>
</channel></rss>`

// fakeRemote is an in-memory backend for a single user.
type fakeRemote struct {
	mu       sync.Mutex
	sources  map[string]storage.Source
	articles map[string]remote.CatalogArticle
	// clock stamps catalog writes; each PublishArticles call is one tick.
	clock     time.Time
	favorites map[string]bool
	read      map[string]bool
	applied   []syncqueue.Mutation
	searchErr error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		sources:   make(map[string]storage.Source),
		articles:  make(map[string]remote.CatalogArticle),
		clock:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		favorites: make(map[string]bool),
		read:      make(map[string]bool),
	}
}

func (r *fakeRemote) Apply(_ context.Context, m syncqueue.Mutation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, m)
	switch m.Operation {
	case storage.OpFavorite:
		r.favorites[m.EntityID] = m.Favorited()
	case storage.OpRead:
		r.read[m.EntityID] = m.Read()
	default:
		return syncqueue.ErrRemoteRejected
	}
	return nil
}

func (r *fakeRemote) UpsertSource(_ context.Context, _ string, src storage.Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	src.Status = storage.StatusPending
	r.sources[src.ID] = src
	return nil
}

func (r *fakeRemote) DeleteSource(_ context.Context, _ string, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sources, id)
	return nil
}

func (r *fakeRemote) Sources(context.Context, string) ([]storage.Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []storage.Source
	for _, s := range r.sources {
		out = append(out, s)
	}
	return out, nil
}

func (r *fakeRemote) PublishArticles(_ context.Context, articles []storage.Article) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = r.clock.Add(time.Second)
	for _, a := range articles {
		if old, ok := r.articles[a.ID]; ok && old.Title == a.Title && old.Summary == a.Summary {
			continue
		}
		r.articles[a.ID] = remote.CatalogArticle{Article: a, CatalogedAt: r.clock}
	}
	return nil
}

// Articles follows the backend: catalog order, strictly after the cursor,
// at most limit rows.
func (r *fakeRemote) Articles(_ context.Context, sourceIDs []string, after remote.Cursor, limit int) ([]remote.CatalogArticle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := make(map[string]bool)
	for _, id := range sourceIDs {
		want[id] = true
	}
	var out []remote.CatalogArticle
	for _, a := range r.articles {
		if want[a.SourceID] && after.Before(a.Cursor()) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cursor().Before(out[j].Cursor()) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRemote) ids(m map[string]bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, on := range m {
		if on {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (r *fakeRemote) FavoriteIDs(context.Context, string) ([]string, error) {
	return r.ids(r.favorites), nil
}

func (r *fakeRemote) ReadIDs(context.Context, string) ([]string, error) {
	return r.ids(r.read), nil
}

func (r *fakeRemote) Search(_ context.Context, query string, _ []string, _ int) ([]storage.Article, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.searchErr != nil {
		return nil, r.searchErr
	}
	var out []storage.Article
	for _, a := range r.articles {
		if strings.Contains(strings.ToLower(a.Title), strings.ToLower(query)) {
			out = append(out, a.Article)
		}
	}
	return out, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publisher.RefreshEvent
}

func (p *recordingPublisher) PublishRefresh(_ context.Context, ev publisher.RefreshEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type testEnv struct {
	engine  *Engine
	network *netcheck.Static
	remote  *fakeRemote
	events  *recordingPublisher
	server  *httptest.Server
	hits    *atomic.Int32
}

func newFeedServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !strings.HasSuffix(r.URL.Path, ".xml") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		base := srv.URL + strings.TrimSuffix(r.URL.Path, ".xml")
		fmt.Fprintf(w, feedXML, r.URL.Path, base, base)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newTestEngine(t *testing.T, withRemote bool) *testEnv {
	t.Helper()
	srv, hits := newFeedServer(t)
	env := &testEnv{
		network: netcheck.NewStatic(true),
		events:  &recordingPublisher{},
		server:  srv,
		hits:    hits,
	}
	cfg := EngineConfig{
		Config:    config.Default(),
		DBPath:    filepath.Join(t.TempDir(), "courier.db"),
		Network:   env.network,
		Publisher: env.events,
		Logger:    logging.Discard(),
	}
	if withRemote {
		env.remote = newFakeRemote()
		cfg.Remote = env.remote
	}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	env.engine = engine
	return env
}

func TestNewEngineLocalOnly(t *testing.T) {
	env := newTestEngine(t, false)
	ctx := context.Background()

	assert.Nil(t, env.engine.remote)
	_, err := env.engine.Drain(ctx)
	assert.ErrorIs(t, err, ErrNoRemote)
	_, err = env.engine.Pull(ctx)
	assert.ErrorIs(t, err, ErrNoRemote)

	sources, err := env.engine.Sources(ctx)
	require.NoError(t, err)
	assert.Empty(t, sources)
}

func TestNewEngineDefaults(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "courier.db")
	engine, err := NewEngine(EngineConfig{DBPath: dbPath, Logger: logging.Discard(), Network: netcheck.NewStatic(false)})
	require.NoError(t, err)
	defer engine.Close()

	assert.Equal(t, dbPath, engine.cfg.Database.Path)
	assert.Equal(t, "local", engine.userID)
	assert.IsType(t, publisher.Nop{}, engine.publisher)
}

func TestAddSourceFetchesWhenOnline(t *testing.T) {
	env := newTestEngine(t, false)
	ctx := context.Background()

	src, err := env.engine.AddSource(ctx, env.server.URL+"/news.xml", "News", "")
	require.NoError(t, err)
	assert.Equal(t, "rss", src.Type)
	assert.Equal(t, "active", src.Status)
	assert.NotNil(t, src.LastFetchedAt)

	articles, err := env.engine.Articles(ctx, src.ID, 10)
	require.NoError(t, err)
	require.Len(t, articles, 2)
	assert.Equal(t, "Second story", articles[0].Title)
}

func TestAddSourceOffline(t *testing.T) {
	env := newTestEngine(t, false)
	env.network.Set(false)

	src, err := env.engine.AddSource(context.Background(), env.server.URL+"/news.xml", "", "")
	require.NoError(t, err)
	assert.Equal(t, "pending", src.Status)
	assert.NotEmpty(t, src.Name)
	assert.Equal(t, int32(0), env.hits.Load())
}

func TestAddSourceRejectsBadURL(t *testing.T) {
	env := newTestEngine(t, false)
	_, err := env.engine.AddSource(context.Background(), "ftp://example.com/feed", "", "")
	assert.Error(t, err)
}

func TestRemoveSource(t *testing.T) {
	env := newTestEngine(t, false)
	ctx := context.Background()

	src, err := env.engine.AddSource(ctx, env.server.URL+"/news.xml", "", "")
	require.NoError(t, err)
	require.NoError(t, env.engine.RemoveSource(ctx, src.ID))

	articles, err := env.engine.Articles(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, articles)

	assert.ErrorIs(t, env.engine.RemoveSource(ctx, src.ID), ErrNotFound)
}

func TestRefreshCycle(t *testing.T) {
	env := newTestEngine(t, true)
	ctx := context.Background()
	env.network.Set(false)
	_, err := env.engine.AddSource(ctx, env.server.URL+"/news.xml", "News", "")
	require.NoError(t, err)
	env.network.Set(true)

	res, err := env.engine.Refresh(ctx, TriggerForeground)
	require.NoError(t, err)
	assert.Equal(t, TriggerForeground, res.Trigger)
	assert.Equal(t, 1, res.Sources)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 2, res.NewArticles)
	assert.Empty(t, res.SyncError)

	// Fetched articles reach the shared catalog.
	env.remote.mu.Lock()
	assert.Len(t, env.remote.articles, 2)
	env.remote.mu.Unlock()

	require.Len(t, env.events.events, 1)
	ev := env.events.events[0]
	assert.Equal(t, "foreground", ev.Reason)
	assert.Equal(t, 2, ev.NewArticles)
	assert.Equal(t, "local", ev.UserID)

	// A second trigger inside the minimum interval does no network work.
	before := env.hits.Load()
	_, err = env.engine.Refresh(ctx, TriggerForeground)
	assert.ErrorIs(t, err, ErrThrottled)
	assert.Equal(t, before, env.hits.Load())
	assert.Len(t, env.events.events, 1)

	res, err = env.engine.ForceRefresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, TriggerManual, res.Trigger)
	assert.Equal(t, 0, res.NewArticles)
}

func TestRefreshOffline(t *testing.T) {
	env := newTestEngine(t, true)
	env.network.Set(false)

	_, err := env.engine.Refresh(context.Background(), TriggerManual)
	assert.ErrorIs(t, err, ErrOffline)

	ok, why := env.engine.ShouldRefresh(context.Background())
	assert.False(t, ok)
	assert.Equal(t, "offline", why)
}

func TestOfflineFavoriteSurvivesPullAndReplays(t *testing.T) {
	env := newTestEngine(t, true)
	ctx := context.Background()
	env.network.Set(false)

	on, err := env.engine.ToggleFavorite(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, on)
	require.NoError(t, env.engine.MarkRead(ctx, "a2"))

	ids, err := env.engine.FavoriteIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, ids)
	pending, err := env.engine.PendingMutations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	_, err = env.engine.Drain(ctx)
	assert.ErrorIs(t, err, ErrOffline)

	// Another device favorited a3 meanwhile.
	env.remote.favorites["a3"] = true

	env.network.Set(true)
	res, err := env.engine.ForceRefresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 0, res.Pending)

	ids, err = env.engine.FavoriteIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a1", "a3"}, ids)
	read, err := env.engine.ReadIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, read)

	assert.Equal(t, []string{"a1", "a3"}, env.remote.ids(env.remote.favorites))
	assert.Equal(t, []string{"a2"}, env.remote.ids(env.remote.read))
}

func TestPullMirrorsSubscriptions(t *testing.T) {
	env := newTestEngine(t, true)
	ctx := context.Background()

	a, err := env.engine.AddSource(ctx, env.server.URL+"/a.xml", "A", "")
	require.NoError(t, err)
	env.remote.mu.Lock()
	assert.Contains(t, env.remote.sources, a.ID)
	env.remote.mu.Unlock()

	res, err := env.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.SourcesAdded)
	assert.Equal(t, 0, res.SourcesRemoved)

	// Another device drops A and adds B.
	bURL := env.server.URL + "/b.xml"
	b := storage.Source{ID: storage.SourceID(bURL), URL: bURL, Name: "B", Type: storage.SourceRSS}
	require.NoError(t, env.remote.DeleteSource(ctx, "local", a.ID))
	require.NoError(t, env.remote.UpsertSource(ctx, "local", b))

	res, err = env.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SourcesAdded)
	assert.Equal(t, 1, res.SourcesRemoved)

	sources, err := env.engine.Sources(ctx)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, b.ID, sources[0].ID)
}

func TestFirstPullUploadsLocalSources(t *testing.T) {
	env := newTestEngine(t, true)
	ctx := context.Background()

	// Written straight to the store, as by a build that ran local-only.
	src := &storage.Source{URL: env.server.URL + "/old.xml", Name: "Old", Type: storage.SourceRSS}
	require.NoError(t, env.engine.store.UpsertSource(ctx, src))

	res, err := env.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.SourcesRemoved)

	env.remote.mu.Lock()
	assert.Contains(t, env.remote.sources, src.ID)
	env.remote.mu.Unlock()
}

func TestSubscriptionChangesWaitForNetwork(t *testing.T) {
	env := newTestEngine(t, true)
	ctx := context.Background()
	_, err := env.engine.Pull(ctx)
	require.NoError(t, err)

	env.network.Set(false)
	src, err := env.engine.AddSource(ctx, env.server.URL+"/news.xml", "", "")
	require.NoError(t, err)
	env.remote.mu.Lock()
	assert.Empty(t, env.remote.sources)
	env.remote.mu.Unlock()

	env.network.Set(true)
	_, err = env.engine.Pull(ctx)
	require.NoError(t, err)
	env.remote.mu.Lock()
	assert.Contains(t, env.remote.sources, src.ID)
	env.remote.mu.Unlock()

	// A removal made offline must not be undone by the next pull.
	env.network.Set(false)
	require.NoError(t, env.engine.RemoveSource(ctx, src.ID))
	env.network.Set(true)
	res, err := env.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.SourcesAdded)

	sources, err := env.engine.Sources(ctx)
	require.NoError(t, err)
	assert.Empty(t, sources)
	env.remote.mu.Lock()
	assert.Empty(t, env.remote.sources)
	env.remote.mu.Unlock()
}

func TestPullArticlesFromCatalog(t *testing.T) {
	env := newTestEngine(t, true)
	ctx := context.Background()
	env.network.Set(false)
	src, err := env.engine.AddSource(ctx, env.server.URL+"/news.xml", "", "")
	require.NoError(t, err)
	env.network.Set(true)

	published := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	url := "https://elsewhere.test/story"
	require.NoError(t, env.remote.PublishArticles(ctx, []storage.Article{{
		ID:          storage.ArticleID(src.ID, url),
		SourceID:    src.ID,
		URL:         url,
		Title:       "Fetched on another device",
		PublishedAt: &published,
		FetchedAt:   published,
	}}))

	res, err := env.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Articles)

	// Nothing newer in the catalog: the next pull brings nothing.
	res, err = env.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Articles)

	articles, err := env.engine.Articles(ctx, src.ID, 10)
	require.NoError(t, err)
	require.Len(t, articles, 1)
	assert.Equal(t, "Fetched on another device", articles[0].Title)
}

func catalogBatch(sourceID string, n int, fetchedAt time.Time) []storage.Article {
	batch := make([]storage.Article, n)
	for i := range batch {
		url := fmt.Sprintf("https://elsewhere.test/story/%d", i)
		batch[i] = storage.Article{
			ID:        storage.ArticleID(sourceID, url),
			SourceID:  sourceID,
			URL:       url,
			Title:     fmt.Sprintf("Story %d", i),
			FetchedAt: fetchedAt,
		}
	}
	return batch
}

func TestPullPagesThroughLargeCatalog(t *testing.T) {
	env := newTestEngine(t, true)
	ctx := context.Background()
	env.network.Set(false)
	src, err := env.engine.AddSource(ctx, env.server.URL+"/news.xml", "", "")
	require.NoError(t, err)
	env.network.Set(true)

	// More rows than one page, all cataloged in the same instant.
	const total = pullPageSize + 100
	require.NoError(t, env.remote.PublishArticles(ctx, catalogBatch(src.ID, total, time.Now().UTC())))

	res, err := env.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, total, res.Articles)

	local, err := env.engine.store.ArticlesBySource(ctx, src.ID, 2*total)
	require.NoError(t, err)
	assert.Len(t, local, total)

	res, err = env.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Articles)
}

func TestPullIgnoresPublisherClock(t *testing.T) {
	env := newTestEngine(t, true)
	ctx := context.Background()
	env.network.Set(false)
	src, err := env.engine.AddSource(ctx, env.server.URL+"/news.xml", "", "")
	require.NoError(t, err)
	env.network.Set(true)

	now := time.Now().UTC()
	require.NoError(t, env.remote.PublishArticles(ctx, catalogBatch(src.ID, 1, now)))
	res, err := env.engine.Pull(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Articles)

	// Published later by a device whose clock is a year behind.
	url := "https://elsewhere.test/late"
	require.NoError(t, env.remote.PublishArticles(ctx, []storage.Article{{
		ID:        storage.ArticleID(src.ID, url),
		SourceID:  src.ID,
		URL:       url,
		Title:     "Late arrival",
		FetchedAt: now.AddDate(-1, 0, 0),
	}}))

	res, err = env.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Articles)
	_, err = env.engine.store.GetArticle(ctx, storage.ArticleID(src.ID, url))
	assert.NoError(t, err)
}

func TestRefreshPublishesOnlyFetchedArticles(t *testing.T) {
	env := newTestEngine(t, true)
	ctx := context.Background()
	env.network.Set(false)
	src, err := env.engine.AddSource(ctx, env.server.URL+"/news.xml", "", "")
	require.NoError(t, err)

	// An undated local article that sorts ahead of the feed items.
	extra := catalogBatch(src.ID, 1, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))
	_, err = env.engine.store.UpsertArticles(ctx, extra)
	require.NoError(t, err)
	env.network.Set(true)

	_, err = env.engine.ForceRefresh(ctx)
	require.NoError(t, err)

	want := []string{
		storage.ArticleID(src.ID, env.server.URL+"/news/first"),
		storage.ArticleID(src.ID, env.server.URL+"/news/second"),
	}
	sort.Strings(want)
	env.remote.mu.Lock()
	var got []string
	for id := range env.remote.articles {
		got = append(got, id)
	}
	env.remote.mu.Unlock()
	sort.Strings(got)
	assert.Equal(t, want, got)
}

func TestRunBackgroundTaskHandsOffResult(t *testing.T) {
	env := newTestEngine(t, false)
	ctx := context.Background()
	env.network.Set(false)
	_, err := env.engine.AddSource(ctx, env.server.URL+"/news.xml", "", "")
	require.NoError(t, err)
	env.network.Set(true)

	assert.Equal(t, NewData, env.engine.RunBackgroundTask(ctx))

	r, err := env.engine.TakeBackgroundResult(ctx)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, 2, r.ArticleCount)

	r, err = env.engine.TakeBackgroundResult(ctx)
	require.NoError(t, err)
	assert.Nil(t, r)

	// Throttled by the run above.
	assert.Equal(t, NoData, env.engine.RunBackgroundTask(ctx))
}

func TestSetAppStateRefreshesOnForeground(t *testing.T) {
	env := newTestEngine(t, false)
	ctx := context.Background()

	res, err := env.engine.SetAppState(ctx, StateActive)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, TriggerForeground, res.Trigger)

	res, err = env.engine.SetAppState(ctx, StateBackground)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestSourceHealth(t *testing.T) {
	env := newTestEngine(t, false)
	ctx := context.Background()

	good, err := env.engine.AddSource(ctx, env.server.URL+"/news.xml", "Good", "")
	require.NoError(t, err)
	bad, err := env.engine.AddSource(ctx, env.server.URL+"/missing", "Bad", "rss")
	require.NoError(t, err)
	assert.Equal(t, "error", bad.Status)
	require.NotNil(t, bad.LastError)

	h, err := env.engine.SourceHealth(ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, h.SuccessRate)
	assert.Equal(t, 1, h.TotalFetches)

	all, err := env.engine.Health(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Bad", all[0].Name)
	assert.Equal(t, 0.0, all[0].SuccessRate)
	assert.NotNil(t, all[0].LastError)

	_, err = env.engine.SourceHealth(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSearch(t *testing.T) {
	env := newTestEngine(t, true)
	ctx := context.Background()
	_, err := env.engine.AddSource(ctx, env.server.URL+"/news.xml", "", "")
	require.NoError(t, err)

	// Empty catalog on the remote: results come from there.
	results, err := env.engine.Search(ctx, "election", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	env.remote.mu.Lock()
	env.remote.searchErr = errors.New("remote down")
	env.remote.mu.Unlock()
	results, err = env.engine.Search(ctx, "election", nil, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "First story", results[0].Title)

	env.network.Set(false)
	results, err = env.engine.Search(ctx, "story", nil, 10)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestImportOPMLSendsNewSources(t *testing.T) {
	env := newTestEngine(t, true)
	ctx := context.Background()
	env.network.Set(false)

	path := filepath.Join(t.TempDir(), "feeds.opml")
	opml := fmt.Sprintf(`<?xml version="1.0"?>
<opml version="2.0"><body>
<outline text="Tech"><outline text="One" xmlUrl="%s/one.xml"/></outline>
<outline text="Two" xmlUrl="%s/two.xml"/>
</body></opml>`, env.server.URL, env.server.URL)
	require.NoError(t, os.WriteFile(path, []byte(opml), 0644))

	n, err := env.engine.ImportOPML(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	env.network.Set(true)
	_, err = env.engine.Pull(ctx)
	require.NoError(t, err)
	env.remote.mu.Lock()
	assert.Len(t, env.remote.sources, 2)
	env.remote.mu.Unlock()
}

func TestStartDrainsWhenNetworkReturns(t *testing.T) {
	env := newTestEngine(t, true)
	ctx := context.Background()
	env.engine.cfg.Network.PollInterval = 20 * time.Millisecond
	env.network.Set(false)

	_, err := env.engine.ToggleFavorite(ctx, "a1")
	require.NoError(t, err)

	env.engine.Start(ctx)
	defer env.engine.Stop()

	env.network.Set(true)
	require.Eventually(t, func() bool {
		n, err := env.engine.PendingMutations(ctx)
		return err == nil && n == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"a1"}, env.remote.ids(env.remote.favorites))
}
