// Package topics runs topic searches against the GNews API behind a daily
// call quota and a per-topic result cache.
package topics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/matthewjhunter/courier/internal/config"
	"github.com/matthewjhunter/courier/internal/extract"
	"github.com/matthewjhunter/courier/internal/feeds"
	"github.com/matthewjhunter/courier/internal/storage"
)

// QuotaCounter names the daily usage counter for search calls.
const QuotaCounter = "gnews.search"

var (
	// ErrQuotaExceeded means today's call budget is spent. Search still
	// returns the cached result, however old, when there is one.
	ErrQuotaExceeded = errors.New("daily search quota exceeded")
	ErrUnknownTopic  = errors.New("unknown topic")
	ErrNoAPIKey      = errors.New("topics api key not configured")
)

// Store is the cache and quota half of the local store.
type Store interface {
	GetTopicCache(ctx context.Context, topicID string) (*storage.TopicCacheEntry, error)
	PutTopicCache(ctx context.Context, e *storage.TopicCacheEntry) error
	TryConsumeQuota(ctx context.Context, counter, day string, limit int) (bool, error)
	QuotaUsage(ctx context.Context, counter, day string) (int, error)
}

// Getter performs the HTTP call; *feeds.Client satisfies it.
type Getter interface {
	Get(ctx context.Context, rawURL string, opts feeds.GetOptions) (*feeds.Response, error)
}

type Article struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	URL         string    `json:"url"`
	Image       string    `json:"image,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	Source      string    `json:"source,omitempty"`
}

type Result struct {
	TopicID   string
	Articles  []Article
	FetchedAt time.Time
	// Cached is set when the result came from the cache, Stale when that
	// cache entry is past its lifetime.
	Cached bool
	Stale  bool
}

type Options struct {
	Logger *slog.Logger
	Now    func() time.Time
}

type Client struct {
	store  Store
	http   Getter
	cfg    config.TopicsConfig
	logger *slog.Logger
	now    func() time.Time
}

func New(store Store, getter Getter, cfg config.TopicsConfig, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{
		store:  store,
		http:   getter,
		cfg:    cfg,
		logger: opts.Logger.With("component", "topics"),
		now:    opts.Now,
	}
}

// Topics returns the configured topics.
func (c *Client) Topics() []config.Topic { return c.cfg.Items }

func (c *Client) day() string { return c.now().Format("2006-01-02") }

// Usage returns today's call count and the daily limit.
func (c *Client) Usage(ctx context.Context) (int, int, error) {
	n, err := c.store.QuotaUsage(ctx, QuotaCounter, c.day())
	return n, c.cfg.DailyLimit, err
}

// Search returns articles for a configured topic. A cache entry younger than
// the cache lifetime is returned without a network call or quota use.
// Otherwise one call is charged against today's quota before it is made;
// when the quota is spent Search returns the cached result (or an empty one)
// together with ErrQuotaExceeded.
func (c *Client) Search(ctx context.Context, topicID string) (*Result, error) {
	topic, ok := c.cfg.Topic(topicID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topicID)
	}

	cached, err := c.cached(ctx, topicID)
	if err != nil {
		return nil, err
	}
	if cached != nil && !cached.Stale {
		return cached, nil
	}
	fallback := cached
	if fallback == nil {
		fallback = &Result{TopicID: topicID}
	}

	if c.cfg.APIKey == "" {
		return fallback, ErrNoAPIKey
	}

	allowed, err := c.store.TryConsumeQuota(ctx, QuotaCounter, c.day(), c.cfg.DailyLimit)
	if err != nil {
		return nil, err
	}
	if !allowed {
		c.logger.Info("search quota exhausted", "topic", topicID, "limit", c.cfg.DailyLimit)
		return fallback, ErrQuotaExceeded
	}

	articles, err := c.fetch(ctx, topic)
	if err != nil {
		c.logger.Warn("topic search failed", "topic", topicID, "error", err)
		return fallback, err
	}

	res := &Result{TopicID: topicID, Articles: articles, FetchedAt: c.now().UTC()}
	data, err := json.Marshal(articles)
	if err != nil {
		return nil, fmt.Errorf("failed to encode topic cache: %w", err)
	}
	if err := c.store.PutTopicCache(ctx, &storage.TopicCacheEntry{
		TopicID:   topicID,
		Articles:  string(data),
		FetchedAt: res.FetchedAt,
	}); err != nil {
		return res, err
	}
	return res, nil
}

func (c *Client) cached(ctx context.Context, topicID string) (*Result, error) {
	e, err := c.store.GetTopicCache(ctx, topicID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var articles []Article
	if err := json.Unmarshal([]byte(e.Articles), &articles); err != nil {
		c.logger.Warn("discarding unreadable topic cache", "topic", topicID, "error", err)
		return nil, nil
	}
	return &Result{
		TopicID:   topicID,
		Articles:  articles,
		FetchedAt: e.FetchedAt,
		Cached:    true,
		Stale:     c.now().Sub(e.FetchedAt) >= c.cfg.CacheTTL,
	}, nil
}

type searchResponse struct {
	TotalArticles int `json:"totalArticles"`
	Articles      []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		URL         string `json:"url"`
		Image       string `json:"image"`
		PublishedAt string `json:"publishedAt"`
		Source      struct {
			Name string `json:"name"`
		} `json:"source"`
	} `json:"articles"`
}

func (c *Client) searchURL(t config.Topic) string {
	q := url.Values{}
	q.Set("q", t.Query)
	if t.Lang != "" {
		q.Set("lang", t.Lang)
	}
	if t.Country != "" {
		q.Set("country", t.Country)
	}
	if t.Max > 0 {
		q.Set("max", strconv.Itoa(t.Max))
	}
	q.Set("apikey", c.cfg.APIKey)
	return c.cfg.BaseURL + "/search?" + q.Encode()
}

func (c *Client) fetch(ctx context.Context, t config.Topic) ([]Article, error) {
	resp, err := c.http.Get(ctx, c.searchURL(t), feeds.GetOptions{})
	if err != nil {
		return nil, err
	}

	var body searchResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("%w: topic search response: %w", feeds.ErrParse, err)
	}

	articles := make([]Article, 0, len(body.Articles))
	for _, a := range body.Articles {
		if a.URL == "" {
			continue
		}
		art := Article{
			Title:       extract.CleanHTML(a.Title),
			Description: extract.Summarize(a.Description, extract.DefaultMaxSummary),
			URL:         a.URL,
			Image:       a.Image,
			Source:      a.Source.Name,
		}
		if t, ok := extract.ParseDate(a.PublishedAt); ok {
			art.PublishedAt = t
		}
		articles = append(articles, art)
	}
	return articles, nil
}
