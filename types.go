package courier

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/matthewjhunter/courier/internal/config"
	"github.com/matthewjhunter/courier/internal/netcheck"
	"github.com/matthewjhunter/courier/internal/publisher"
	"github.com/matthewjhunter/courier/internal/scheduler"
	"github.com/matthewjhunter/courier/internal/storage"
	"github.com/matthewjhunter/courier/internal/topics"
)

// EngineConfig configures the courier engine. Only Config is read for
// settings; the remaining fields replace the collaborators NewEngine would
// otherwise build from it.
type EngineConfig struct {
	Config *config.Config // nil means config.Default()
	DBPath string         // overrides Config.Database.Path when set

	Remote     Remote           // nil opens Config.Remote.DSN, or runs local-only
	Network    netcheck.Checker // nil probes Config.Network.ProbeURL
	Publisher  publisher.Publisher
	Logger     *slog.Logger
	Clock      func() time.Time
	HTTPClient *http.Client
}

// Trigger names why a refresh was requested.
type Trigger = scheduler.Reason

const (
	TriggerForeground = scheduler.ReasonForeground
	TriggerInterval   = scheduler.ReasonInterval
	TriggerBackground = scheduler.ReasonBackground
	TriggerManual     = scheduler.ReasonManual
)

type AppState = scheduler.AppState

const (
	StateActive     = scheduler.StateActive
	StateInactive   = scheduler.StateInactive
	StateBackground = scheduler.StateBackground
)

// Outcome is what a background task reports back to the OS.
type Outcome = scheduler.Outcome

const (
	NewData = scheduler.NewData
	NoData  = scheduler.NoData
	Failed  = scheduler.Failed
)

// Source is a subscribed feed, page or channel.
type Source struct {
	ID            string     `json:"id"`
	URL           string     `json:"url"`
	Name          string     `json:"name"`
	Type          string     `json:"type"`
	Status        string     `json:"status"`
	LastFetchedAt *time.Time `json:"last_fetched_at,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type Article struct {
	ID          string     `json:"id"`
	SourceID    string     `json:"source_id"`
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Summary     string     `json:"summary"`
	ImageURL    string     `json:"image_url,omitempty"`
	Author      string     `json:"author,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	FetchedAt   time.Time  `json:"fetched_at"`
}

// SourceHealth summarizes the recent fetch history of a source.
type SourceHealth struct {
	SourceID     string     `json:"source_id"`
	Name         string     `json:"name"`
	Status       string     `json:"status"`
	SuccessRate  float64    `json:"success_rate"`
	TotalFetches int        `json:"total_fetches"`
	LastSuccess  *time.Time `json:"last_success,omitempty"`
	LastError    *string    `json:"last_error,omitempty"`
}

// RefreshResult describes one completed refresh cycle.
type RefreshResult struct {
	Trigger     Trigger   `json:"trigger"`
	Sources     int       `json:"sources"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	NewArticles int       `json:"new_articles"`
	Pulled      int       `json:"pulled_articles"`
	Applied     int       `json:"applied_mutations"`
	Pending     int       `json:"pending_mutations"`
	SyncError   string    `json:"sync_error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// PullResult counts what one pull from the remote changed locally.
type PullResult struct {
	SourcesAdded   int `json:"sources_added"`
	SourcesRemoved int `json:"sources_removed"`
	Articles       int `json:"articles"`
	Favorites      int `json:"favorites"`
	Read           int `json:"read"`
}

type DrainResult struct {
	Applied   int  `json:"applied"`
	Failed    int  `json:"failed"`
	HeldBack  int  `json:"held_back"`
	Remaining int  `json:"remaining"`
	Skipped   bool `json:"skipped,omitempty"`
}

// BackgroundResult is what the last background refresh left for the next
// foreground session.
type BackgroundResult struct {
	ArticleCount int       `json:"article_count"`
	CompletedAt  time.Time `json:"completed_at"`
}

type TopicArticle = topics.Article

type TopicResult struct {
	TopicID   string         `json:"topic_id"`
	Articles  []TopicArticle `json:"articles"`
	FetchedAt time.Time      `json:"fetched_at"`
	Cached    bool           `json:"cached"`
	Stale     bool           `json:"stale"`
	QuotaUsed int            `json:"quota_used"`
	Quota     int            `json:"quota"`
}

func sourceFromInternal(s storage.Source) Source {
	return Source{
		ID:            s.ID,
		URL:           s.URL,
		Name:          s.Name,
		Type:          string(s.Type),
		Status:        string(s.Status),
		LastFetchedAt: s.LastFetchedAt,
		LastError:     s.LastError,
		CreatedAt:     s.CreatedAt,
	}
}

func sourcesFromInternal(sources []storage.Source) []Source {
	result := make([]Source, len(sources))
	for i, s := range sources {
		result[i] = sourceFromInternal(s)
	}
	return result
}

func articleFromInternal(a storage.Article) Article {
	art := Article{
		ID:          a.ID,
		SourceID:    a.SourceID,
		URL:         a.URL,
		Title:       a.Title,
		Summary:     a.Summary,
		PublishedAt: a.PublishedAt,
		FetchedAt:   a.FetchedAt,
	}
	if a.ImageURL != nil {
		art.ImageURL = *a.ImageURL
	}
	if a.Author != nil {
		art.Author = *a.Author
	}
	return art
}

func articlesFromInternal(articles []storage.Article) []Article {
	result := make([]Article, len(articles))
	for i, a := range articles {
		result[i] = articleFromInternal(a)
	}
	return result
}

func topicResultFromInternal(r *topics.Result) *TopicResult {
	if r == nil {
		return nil
	}
	return &TopicResult{
		TopicID:   r.TopicID,
		Articles:  r.Articles,
		FetchedAt: r.FetchedAt,
		Cached:    r.Cached,
		Stale:     r.Stale,
	}
}
