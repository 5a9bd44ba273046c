package topics

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewjhunter/courier/internal/config"
	"github.com/matthewjhunter/courier/internal/feeds"
	"github.com/matthewjhunter/courier/internal/logging"
	"github.com/matthewjhunter/courier/internal/storage"
)

const gnewsBody = `{
  "totalArticles": 2,
  "articles": [
    {"title": "Rates &amp; Markets", "description": "<p>Central banks hold.</p>", "url": "https://news.test/a",
     "image": "https://news.test/a.jpg", "publishedAt": "2026-03-01T08:00:00Z", "source": {"name": "News Test"}},
    {"title": "No link", "description": "dropped", "url": ""}
  ]
}`

type fixture struct {
	client *Client
	store  *storage.Store
	hits   *atomic.Int32
	now    *time.Time
	fail   *atomic.Bool
}

func newFixture(t *testing.T, limit int) *fixture {
	t.Helper()
	var hits atomic.Int32
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path != "/search" || r.URL.Query().Get("apikey") != "k" {
			t.Errorf("unexpected request %s", r.URL)
		}
		fmt.Fprint(w, gnewsBody)
	}))
	t.Cleanup(srv.Close)

	store, err := storage.NewStore(filepath.Join(t.TempDir(), "topics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.TopicsConfig{
		APIKey:     "k",
		BaseURL:    srv.URL,
		DailyLimit: limit,
		CacheTTL:   time.Hour,
		Items: []config.Topic{
			{ID: "markets", Query: "markets", Lang: "en", Max: 10},
			{ID: "science", Query: "science", Lang: "en", Max: 10},
			{ID: "sports", Query: "sports", Lang: "en", Max: 10},
		},
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := &fixture{store: store, hits: &hits, now: &now, fail: &fail}
	f.client = New(store, feeds.NewClient(feeds.ClientOptions{Timeout: 2 * time.Second}), cfg, Options{
		Logger: logging.Discard(),
		Now:    func() time.Time { return *f.now },
	})
	return f
}

func TestSearchMapsArticles(t *testing.T) {
	f := newFixture(t, 10)

	res, err := f.client.Search(context.Background(), "markets")
	require.NoError(t, err)
	require.Len(t, res.Articles, 1)

	a := res.Articles[0]
	assert.Equal(t, "Rates & Markets", a.Title)
	assert.Equal(t, "Central banks hold.", a.Description)
	assert.Equal(t, "https://news.test/a.jpg", a.Image)
	assert.Equal(t, "News Test", a.Source)
	assert.True(t, a.PublishedAt.Equal(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)))
	assert.False(t, res.Cached)
}

func TestSearchCacheHitSkipsNetworkAndQuota(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	_, err := f.client.Search(ctx, "markets")
	require.NoError(t, err)

	*f.now = f.now.Add(30 * time.Minute)
	res, err := f.client.Search(ctx, "markets")
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.False(t, res.Stale)
	assert.Len(t, res.Articles, 1)

	assert.Equal(t, int32(1), f.hits.Load())
	used, limit, err := f.client.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, used)
	assert.Equal(t, 10, limit)

	// Past the lifetime the topic is fetched again.
	*f.now = f.now.Add(time.Hour)
	res, err = f.client.Search(ctx, "markets")
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, int32(2), f.hits.Load())
}

func TestSearchQuotaExceeded(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	_, err := f.client.Search(ctx, "markets")
	require.NoError(t, err)
	_, err = f.client.Search(ctx, "science")
	require.NoError(t, err)

	// Third call of the day is refused without a request.
	res, err := f.client.Search(ctx, "sports")
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	require.NotNil(t, res)
	assert.Empty(t, res.Articles)
	assert.Equal(t, int32(2), f.hits.Load())

	// An expired cache entry is served stale rather than nothing.
	*f.now = f.now.Add(2 * time.Hour)
	res, err = f.client.Search(ctx, "markets")
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.True(t, res.Stale)
	assert.Len(t, res.Articles, 1)
	assert.Equal(t, int32(2), f.hits.Load())

	// The next calendar day starts a fresh count.
	*f.now = time.Date(2026, 3, 2, 0, 30, 0, 0, time.UTC)
	_, err = f.client.Search(ctx, "sports")
	require.NoError(t, err)
	assert.Equal(t, int32(3), f.hits.Load())
}

func TestSearchNetworkErrorFallsBack(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	_, err := f.client.Search(ctx, "markets")
	require.NoError(t, err)

	f.fail.Store(true)
	*f.now = f.now.Add(2 * time.Hour)
	res, err := f.client.Search(ctx, "markets")
	assert.ErrorIs(t, err, feeds.ErrNetwork)
	require.NotNil(t, res)
	assert.True(t, res.Stale)
	assert.Len(t, res.Articles, 1)
}

func TestSearchUnknownTopic(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.client.Search(context.Background(), "weather")
	assert.ErrorIs(t, err, ErrUnknownTopic)
	assert.Equal(t, int32(0), f.hits.Load())
}
