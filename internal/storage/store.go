package storage

import (
	"time"

	"github.com/google/uuid"
)

type SourceType string

const (
	SourceRSS     SourceType = "rss"
	SourceHTML    SourceType = "html"
	SourceYouTube SourceType = "youtube"
)

// Valid reports whether t is one of the known source types.
func (t SourceType) Valid() bool {
	switch t {
	case SourceRSS, SourceHTML, SourceYouTube:
		return true
	}
	return false
}

type SourceStatus string

const (
	StatusActive  SourceStatus = "active"
	StatusError   SourceStatus = "error"
	StatusPending SourceStatus = "pending"
)

type Source struct {
	ID            string       `db:"id"`
	URL           string       `db:"url"`
	Name          string       `db:"name"`
	Type          SourceType   `db:"type"`
	Status        SourceStatus `db:"status"`
	LastFetchedAt *time.Time   `db:"last_fetched_at"`
	LastError     *string      `db:"last_error"`
	ETag          string       `db:"etag"`
	LastModified  string       `db:"last_modified"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
}

type Article struct {
	ID          string     `db:"id"`
	SourceID    string     `db:"source_id"`
	URL         string     `db:"url"`
	Title       string     `db:"title"`
	Summary     string     `db:"summary"`
	ImageURL    *string    `db:"image_url"`
	Author      *string    `db:"author"`
	PublishedAt *time.Time `db:"published_at"`
	FetchedAt   time.Time  `db:"fetched_at"`
}

type FetchLog struct {
	ID            string    `db:"id"`
	SourceID      string    `db:"source_id"`
	Success       bool      `db:"success"`
	ArticlesCount int       `db:"articles_count"`
	Error         *string   `db:"error"`
	FetchedAt     time.Time `db:"fetched_at"`
}

// SourceHealth is derived from the trailing window of fetch logs.
type SourceHealth struct {
	SourceID     string
	SuccessRate  float64
	LastSuccess  *time.Time
	LastError    *string
	TotalFetches int
}

// ReadMark is one mirrored or locally created read marker.
type ReadMark struct {
	UserID    string    `db:"user_id"`
	ArticleID string    `db:"article_id"`
	ReadAt    time.Time `db:"read_at"`
}

type Operation string

const (
	OpFavorite Operation = "favorite"
	OpRead     Operation = "read"
)

// OutboxEntry is a durable, not yet confirmed local mutation.
type OutboxEntry struct {
	Seq        int64     `db:"seq"`
	ID         string    `db:"id"`
	Operation  Operation `db:"operation"`
	UserID     string    `db:"user_id"`
	EntityID   string    `db:"entity_id"`
	Payload    string    `db:"payload"`
	MutatedAt  time.Time `db:"mutated_at"`
	EnqueuedAt time.Time `db:"enqueued_at"`
	Attempts   int       `db:"attempts"`
	LastError  *string   `db:"last_error"`
	Status     string    `db:"status"`
}

// TopicCacheEntry holds the last successful result of a topic search.
type TopicCacheEntry struct {
	TopicID   string    `db:"topic_id"`
	Articles  string    `db:"articles"`
	FetchedAt time.Time `db:"fetched_at"`
}

var idNamespace = uuid.MustParse("6f1c3b2a-8d4e-4c57-9a0b-2e7f5d9c1a34")

// SourceID derives the stable id of a source from its url, so devices that
// add the same feed independently agree on its identity.
func SourceID(url string) string {
	return uuid.NewSHA1(idNamespace, []byte("source\n"+url)).String()
}

// ArticleID derives the stable id of an article from its source and url.
func ArticleID(sourceID, url string) string {
	return uuid.NewSHA1(idNamespace, []byte("article\n"+sourceID+"\n"+url)).String()
}
