package feeds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
	"golang.org/x/sync/errgroup"

	"github.com/matthewjhunter/courier/internal/extract"
	"github.com/matthewjhunter/courier/internal/storage"
)

// ErrParse marks payloads that could not be parsed as a feed.
var ErrParse = errors.New("parse error")

// Store is the slice of the local store the fetcher writes to.
type Store interface {
	ListSources(ctx context.Context) ([]storage.Source, error)
	UpsertSource(ctx context.Context, src *storage.Source) error
	RecordFetchSuccess(ctx context.Context, sourceID string, articles []storage.Article, fetchedAt time.Time) (int, error)
	RecordFetchFailure(ctx context.Context, sourceID, errMsg string, fetchedAt time.Time) error
	UpdateSourceCacheHeaders(ctx context.Context, id, etag, lastModified string) error
}

type Options struct {
	Concurrency int
	Logger      *slog.Logger
	Now         func() time.Time
}

type Fetcher struct {
	client      *Client
	parser      *gofeed.Parser
	extractor   *extract.Extractor
	store       Store
	logger      *slog.Logger
	concurrency int
	now         func() time.Time

	locks sync.Map // source id -> *sync.Mutex
}

// NewFetcher creates a new source fetcher
func NewFetcher(store Store, client *Client, extractor *extract.Extractor, opts Options) *Fetcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Fetcher{
		client:      client,
		parser:      gofeed.NewParser(),
		extractor:   extractor,
		store:       store,
		logger:      opts.Logger.With("component", "fetcher"),
		concurrency: opts.Concurrency,
		now:         opts.Now,
	}
}

// SourceResult is the outcome of fetching one source.
type SourceResult struct {
	SourceID string
	URL      string
	Fetched  int
	New      int
	// ArticleIDs are the ids of the articles this fetch returned.
	ArticleIDs  []string
	NotModified bool
	Err         error
}

// CycleStats summarizes one FetchAll pass.
type CycleStats struct {
	Sources     int
	Succeeded   int
	Failed      int
	NewArticles int
	Duration    time.Duration
	Results     []SourceResult
}

type payload struct {
	articles     []storage.Article
	etag         string
	lastModified string
	notModified  bool
}

func (f *Fetcher) lock(sourceID string) func() {
	v, _ := f.locks.LoadOrStore(sourceID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// FetchSource fetches one source and records the outcome: articles, a fetch
// log and the source status are written together. A failed fetch leaves the
// source's stored articles untouched. The returned error is the fetch error,
// or a storage error when the outcome could not be recorded. If ctx is
// cancelled nothing is recorded.
func (f *Fetcher) FetchSource(ctx context.Context, src storage.Source) (*SourceResult, error) {
	unlock := f.lock(src.ID)
	defer unlock()

	res := &SourceResult{SourceID: src.ID, URL: src.URL}
	fetchedAt := f.now().UTC()

	p, fetchErr := f.fetch(ctx, src, fetchedAt)
	if ctx.Err() != nil {
		res.Err = ctx.Err()
		return res, ctx.Err()
	}

	if fetchErr != nil {
		res.Err = fetchErr
		if err := f.store.RecordFetchFailure(ctx, src.ID, fetchErr.Error(), fetchedAt); err != nil {
			return res, err
		}
		f.logger.Warn("fetch failed", "source_id", src.ID, "url", src.URL, "error", fetchErr)
		return res, fetchErr
	}

	n, err := f.store.RecordFetchSuccess(ctx, src.ID, p.articles, fetchedAt)
	if err != nil {
		res.Err = err
		return res, err
	}
	res.Fetched = len(p.articles)
	res.New = n
	res.ArticleIDs = make([]string, len(p.articles))
	for i, a := range p.articles {
		if a.ID == "" {
			a.ID = storage.ArticleID(src.ID, a.URL)
		}
		res.ArticleIDs[i] = a.ID
	}
	res.NotModified = p.notModified

	if !p.notModified && (p.etag != src.ETag || p.lastModified != src.LastModified) {
		if err := f.store.UpdateSourceCacheHeaders(ctx, src.ID, p.etag, p.lastModified); err != nil {
			f.logger.Warn("failed to store cache headers", "source_id", src.ID, "error", err)
		}
	}

	f.logger.Debug("fetched source", "source_id", src.ID, "url", src.URL,
		"articles", res.Fetched, "new", res.New, "not_modified", res.NotModified)
	return res, nil
}

func (f *Fetcher) fetch(ctx context.Context, src storage.Source, fetchedAt time.Time) (*payload, error) {
	switch src.Type {
	case storage.SourceRSS:
		return f.fetchFeed(ctx, src, src.URL, fetchedAt)
	case storage.SourceYouTube:
		feedURL, err := YouTubeFeedURL(src.URL)
		if err != nil {
			return nil, err
		}
		return f.fetchFeed(ctx, src, feedURL, fetchedAt)
	case storage.SourceHTML:
		return f.fetchPage(ctx, src, fetchedAt)
	default:
		return nil, fmt.Errorf("unknown source type %q", src.Type)
	}
}

func (f *Fetcher) fetchFeed(ctx context.Context, src storage.Source, feedURL string, fetchedAt time.Time) (*payload, error) {
	resp, err := f.client.Get(ctx, feedURL, GetOptions{ETag: src.ETag, LastModified: src.LastModified})
	if err != nil {
		return nil, err
	}
	if resp.NotModified {
		return &payload{notModified: true}, nil
	}

	feed, err := f.parser.ParseString(string(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: feed %s: %w", ErrParse, feedURL, err)
	}

	p := &payload{etag: resp.ETag, lastModified: resp.LastModified}
	seen := make(map[string]bool, len(feed.Items))
	for _, item := range feed.Items {
		a, ok := f.itemToArticle(src, item, fetchedAt)
		if !ok || seen[a.URL] {
			continue
		}
		seen[a.URL] = true
		p.articles = append(p.articles, a)
	}
	return p, nil
}

func (f *Fetcher) itemToArticle(src storage.Source, item *gofeed.Item, fetchedAt time.Time) (storage.Article, bool) {
	link := strings.TrimSpace(item.Link)
	if link == "" && strings.HasPrefix(item.GUID, "http") {
		link = item.GUID
	}
	if link == "" {
		return storage.Article{}, false
	}

	body := item.Description
	if strings.TrimSpace(body) == "" {
		body = item.Content
	}
	media := mediaGroup(item.Extensions)
	if strings.TrimSpace(body) == "" {
		body = media.description
	}
	content := f.extractor.ExtractItem(body)

	image := content.ImageURL
	if item.Image != nil && item.Image.URL != "" {
		image = item.Image.URL
	}
	if image == "" {
		image = extract.FirstImage(item.Content)
	}
	if image == "" {
		image = media.thumbnail
	}
	if image == "" {
		for _, enc := range item.Enclosures {
			if strings.HasPrefix(enc.Type, "image/") {
				image = enc.URL
				break
			}
		}
	}

	a := storage.Article{
		SourceID:  src.ID,
		URL:       link,
		Title:     extract.CleanHTML(item.Title),
		Summary:   content.Summary,
		FetchedAt: fetchedAt,
	}
	if image != "" {
		a.ImageURL = &image
	}
	if author := itemAuthor(item); author != "" {
		a.Author = &author
	}
	switch {
	case item.PublishedParsed != nil:
		t := item.PublishedParsed.UTC()
		a.PublishedAt = &t
	case item.UpdatedParsed != nil:
		t := item.UpdatedParsed.UTC()
		a.PublishedAt = &t
	default:
		if t, ok := extract.ParseDate(item.Published); ok {
			a.PublishedAt = &t
		}
	}
	return a, true
}

func itemAuthor(item *gofeed.Item) string {
	if item.Author != nil && item.Author.Name != "" {
		return item.Author.Name
	}
	for _, p := range item.Authors {
		if p != nil && p.Name != "" {
			return p.Name
		}
	}
	return ""
}

type mediaInfo struct {
	description string
	thumbnail   string
}

// mediaGroup reads the media:group block YouTube feeds carry per entry.
func mediaGroup(exts ext.Extensions) mediaInfo {
	var m mediaInfo
	media, ok := exts["media"]
	if !ok {
		return m
	}
	for _, group := range media["group"] {
		if d := group.Children["description"]; len(d) > 0 && m.description == "" {
			m.description = d[0].Value
		}
		if th := group.Children["thumbnail"]; len(th) > 0 && m.thumbnail == "" {
			m.thumbnail = th[0].Attrs["url"]
		}
	}
	if th := media["thumbnail"]; len(th) > 0 && m.thumbnail == "" {
		m.thumbnail = th[0].Attrs["url"]
	}
	return m
}

func (f *Fetcher) fetchPage(ctx context.Context, src storage.Source, fetchedAt time.Time) (*payload, error) {
	bypass := f.extractor.Registry().RequiresBypass(src.URL)
	resp, err := f.client.Get(ctx, src.URL, GetOptions{Bypass: bypass})
	if err != nil {
		return nil, err
	}

	content, err := f.extractor.ExtractPage(string(resp.Body), src.URL)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", src.URL, err)
	}

	a := storage.Article{
		SourceID:    src.ID,
		URL:         src.URL,
		Title:       content.Title,
		Summary:     content.Summary,
		PublishedAt: content.PublishedAt,
		FetchedAt:   fetchedAt,
	}
	if a.Title == "" {
		a.Title = src.Name
	}
	if content.ImageURL != "" {
		a.ImageURL = &content.ImageURL
	}
	if content.Author != "" {
		a.Author = &content.Author
	}
	return &payload{articles: []storage.Article{a}}, nil
}

// FetchAll fetches every source with bounded concurrency. A failing source
// never stops the others; only failures to list sources or to record an
// outcome are returned.
func (f *Fetcher) FetchAll(ctx context.Context) (*CycleStats, error) {
	start := time.Now()
	sources, err := f.store.ListSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get sources: %w", err)
	}

	stats := &CycleStats{Sources: len(sources)}
	var (
		mu        sync.Mutex
		storeErrs []error
	)

	var g errgroup.Group
	g.SetLimit(f.concurrency)
	for _, src := range sources {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res, err := f.FetchSource(ctx, src)

			mu.Lock()
			defer mu.Unlock()
			stats.Results = append(stats.Results, *res)
			switch {
			case err == nil:
				stats.Succeeded++
				stats.NewArticles += res.New
			case errors.Is(err, storage.ErrStorage):
				stats.Failed++
				storeErrs = append(storeErrs, err)
				f.logger.Error("failed to record fetch", "source_id", src.ID, "error", err)
			case ctx.Err() != nil:
			default:
				stats.Failed++
			}
			return nil // errors are recorded per source
		})
	}
	_ = g.Wait()

	stats.Duration = time.Since(start)
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	f.logger.Info("fetch cycle complete", "sources", stats.Sources, "succeeded", stats.Succeeded,
		"failed", stats.Failed, "new_articles", stats.NewArticles, "duration", stats.Duration)
	return stats, errors.Join(storeErrs...)
}
