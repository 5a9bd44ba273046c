package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/matthewjhunter/courier"
)

type Format string

const (
	FormatJSON  Format = "json"
	FormatText  Format = "text"
	FormatHuman Format = "human"
)

// ParseFormat validates a --format flag value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatJSON, FormatText, FormatHuman:
		return f, nil
	}
	return "", fmt.Errorf("unknown format %q (want json, text or human)", s)
}

type Formatter struct {
	format Format
	out    io.Writer
	err    io.Writer
}

// NewFormatter creates a new output formatter
func NewFormatter(format Format) *Formatter {
	return &Formatter{
		format: format,
		out:    os.Stdout,
		err:    os.Stderr,
	}
}

// NewFormatterWithWriters creates a formatter with custom output writers for testability
func NewFormatterWithWriters(format Format, out, errW io.Writer) *Formatter {
	return &Formatter{
		format: format,
		out:    out,
		err:    errW,
	}
}

func (f *Formatter) encode(v any) error {
	return json.NewEncoder(f.out).Encode(v)
}

// OutputRefreshResult outputs one refresh cycle
func (f *Formatter) OutputRefreshResult(r *courier.RefreshResult) error {
	switch f.format {
	case FormatJSON:
		return f.encode(r)
	case FormatText:
		fmt.Fprintf(f.out, "trigger=%s\n", r.Trigger)
		fmt.Fprintf(f.out, "sources=%d\n", r.Sources)
		fmt.Fprintf(f.out, "succeeded=%d\n", r.Succeeded)
		fmt.Fprintf(f.out, "failed=%d\n", r.Failed)
		fmt.Fprintf(f.out, "new_articles=%d\n", r.NewArticles)
		fmt.Fprintf(f.out, "pulled=%d\n", r.Pulled)
		fmt.Fprintf(f.out, "applied=%d\n", r.Applied)
		fmt.Fprintf(f.out, "pending=%d\n", r.Pending)
		if r.SyncError != "" {
			fmt.Fprintf(f.out, "sync_error=%s\n", r.SyncError)
		}
		return nil
	case FormatHuman:
		fmt.Fprintf(f.out, "Refreshed %d sources (%d ok, %d failed) in %s\n",
			r.Sources, r.Succeeded, r.Failed, r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond))
		fmt.Fprintf(f.out, "Fetched %d new articles\n", r.NewArticles)
		if r.Pulled > 0 {
			fmt.Fprintf(f.out, "Pulled %d articles from the catalog\n", r.Pulled)
		}
		if r.Applied > 0 || r.Pending > 0 {
			fmt.Fprintf(f.out, "Synced %d changes, %d still pending\n", r.Applied, r.Pending)
		}
		if r.SyncError != "" {
			fmt.Fprintf(f.out, "⚠️  Sync incomplete: %s\n", r.SyncError)
		}
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputSources outputs the subscribed sources
func (f *Formatter) OutputSources(sources []courier.Source) error {
	switch f.format {
	case FormatJSON:
		return f.encode(sources)
	case FormatText:
		for _, s := range sources {
			fmt.Fprintf(f.out, "id=%s\ttype=%s\tstatus=%s\tname=%s\turl=%s\tlast_fetched=%s\n",
				s.ID, s.Type, s.Status, s.Name, s.URL, formatTime(s.LastFetchedAt))
		}
		return nil
	case FormatHuman:
		if len(sources) == 0 {
			fmt.Fprintln(f.out, "No sources")
			return nil
		}
		fmt.Fprintf(f.out, "Sources (%d):\n\n", len(sources))
		for _, s := range sources {
			fmt.Fprintf(f.out, "%s %s [%s]\n", statusIcon(s.Status), s.Name, s.Type)
			fmt.Fprintf(f.out, "   %s\n", s.URL)
			fmt.Fprintf(f.out, "   id: %s\n", s.ID)
			if s.LastError != nil {
				fmt.Fprintf(f.out, "   error: %s\n", truncate(*s.LastError, 120))
			}
		}
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputArticleList outputs a list of articles
func (f *Formatter) OutputArticleList(articles []courier.Article) error {
	switch f.format {
	case FormatJSON:
		return f.encode(articles)
	case FormatText:
		for _, a := range articles {
			fmt.Fprintf(f.out, "id=%s\ttitle=%s\turl=%s\tpublished=%s\n",
				a.ID, a.Title, a.URL, formatTime(a.PublishedAt))
		}
		return nil
	case FormatHuman:
		if len(articles) == 0 {
			fmt.Fprintln(f.out, "No articles")
			return nil
		}
		fmt.Fprintf(f.out, "Articles (%d):\n\n", len(articles))
		for _, a := range articles {
			fmt.Fprintf(f.out, "ID: %s\n", a.ID)
			fmt.Fprintf(f.out, "Title: %s\n", a.Title)
			fmt.Fprintf(f.out, "URL: %s\n", a.URL)
			if a.PublishedAt != nil {
				fmt.Fprintf(f.out, "Published: %s\n", a.PublishedAt.Format("2006-01-02 15:04"))
			}
			if a.Summary != "" {
				fmt.Fprintf(f.out, "\n%s\n", truncate(a.Summary, 300))
			}
			fmt.Fprintln(f.out, "---")
		}
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputHealth outputs per-source fetch health
func (f *Formatter) OutputHealth(health []courier.SourceHealth) error {
	switch f.format {
	case FormatJSON:
		return f.encode(health)
	case FormatText:
		for _, h := range health {
			fmt.Fprintf(f.out, "id=%s\tstatus=%s\tsuccess_rate=%.2f\tfetches=%d\tlast_success=%s\n",
				h.SourceID, h.Status, h.SuccessRate, h.TotalFetches, formatTime(h.LastSuccess))
		}
		return nil
	case FormatHuman:
		if len(health) == 0 {
			fmt.Fprintln(f.out, "No sources")
			return nil
		}
		for _, h := range health {
			fmt.Fprintf(f.out, "%s %-40s %3.0f%% of last %d fetches\n",
				statusIcon(h.Status), truncate(h.Name, 40), h.SuccessRate*100, h.TotalFetches)
			if h.LastError != nil && h.SuccessRate < 1 {
				fmt.Fprintf(f.out, "   last error: %s\n", truncate(*h.LastError, 120))
			}
		}
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputDrainResult outputs one sync queue drain
func (f *Formatter) OutputDrainResult(r *courier.DrainResult) error {
	switch f.format {
	case FormatJSON:
		return f.encode(r)
	case FormatText:
		fmt.Fprintf(f.out, "applied=%d\nfailed=%d\nheld_back=%d\nremaining=%d\nskipped=%t\n",
			r.Applied, r.Failed, r.HeldBack, r.Remaining, r.Skipped)
		return nil
	case FormatHuman:
		if r.Skipped {
			fmt.Fprintln(f.out, "A sync is already running")
			return nil
		}
		fmt.Fprintf(f.out, "Synced %d changes", r.Applied)
		if r.Failed > 0 {
			fmt.Fprintf(f.out, ", %d failed", r.Failed)
		}
		fmt.Fprintf(f.out, ", %d pending\n", r.Remaining)
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputPullResult outputs what a pull changed locally
func (f *Formatter) OutputPullResult(r *courier.PullResult) error {
	switch f.format {
	case FormatJSON:
		return f.encode(r)
	case FormatText:
		fmt.Fprintf(f.out, "sources_added=%d\nsources_removed=%d\narticles=%d\nfavorites=%d\nread=%d\n",
			r.SourcesAdded, r.SourcesRemoved, r.Articles, r.Favorites, r.Read)
		return nil
	case FormatHuman:
		fmt.Fprintf(f.out, "Pulled %d articles; sources +%d -%d; %d favorites, %d read\n",
			r.Articles, r.SourcesAdded, r.SourcesRemoved, r.Favorites, r.Read)
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputTopicResult outputs a topic search. A quota or network problem is
// passed as note and shown next to whatever cached result there is.
func (f *Formatter) OutputTopicResult(r *courier.TopicResult, note string) error {
	switch f.format {
	case FormatJSON:
		type topicOutput struct {
			*courier.TopicResult
			Note string `json:"note,omitempty"`
		}
		return f.encode(topicOutput{TopicResult: r, Note: note})
	case FormatText:
		fmt.Fprintf(f.out, "topic=%s\tcached=%t\tstale=%t\tquota=%d/%d\n",
			r.TopicID, r.Cached, r.Stale, r.QuotaUsed, r.Quota)
		for _, a := range r.Articles {
			fmt.Fprintf(f.out, "title=%s\turl=%s\tsource=%s\tpublished=%s\n",
				a.Title, a.URL, a.Source, formatTime(&a.PublishedAt))
		}
		if note != "" {
			fmt.Fprintf(f.out, "note=%s\n", note)
		}
		return nil
	case FormatHuman:
		if note != "" {
			fmt.Fprintf(f.out, "⚠️  %s\n", note)
		}
		header := fmt.Sprintf("📰 %s (%d articles", r.TopicID, len(r.Articles))
		if r.Cached {
			header += ", cached"
		}
		if r.Stale {
			header += ", stale"
		}
		fmt.Fprintf(f.out, "%s)\n", header)
		fmt.Fprintln(f.out, strings.Repeat("=", 70))
		for _, a := range r.Articles {
			fmt.Fprintf(f.out, "  • %s\n", a.Title)
			fmt.Fprintf(f.out, "    %s\n", a.URL)
		}
		fmt.Fprintf(f.out, "\nQuota used today: %d/%d\n", r.QuotaUsed, r.Quota)
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputBackground outputs the outcome of a background task run
func (f *Formatter) OutputBackground(outcome courier.Outcome, r *courier.BackgroundResult) error {
	switch f.format {
	case FormatJSON:
		return f.encode(map[string]any{
			"outcome": outcome,
			"result":  r,
		})
	case FormatText:
		fmt.Fprintf(f.out, "outcome=%s\n", outcome)
		if r != nil {
			fmt.Fprintf(f.out, "articles=%d\tcompleted=%s\n", r.ArticleCount, r.CompletedAt.Format(time.RFC3339))
		}
		return nil
	case FormatHuman:
		fmt.Fprintf(f.out, "Background refresh: %s\n", outcome)
		if r != nil {
			fmt.Fprintf(f.out, "%d articles at %s\n", r.ArticleCount, r.CompletedAt.Local().Format("2006-01-02 15:04"))
		}
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputMessage outputs a one-line result with optional key/value fields
func (f *Formatter) OutputMessage(msg string, fields map[string]any) error {
	switch f.format {
	case FormatJSON:
		out := map[string]any{"message": msg}
		for k, v := range fields {
			out[k] = v
		}
		return f.encode(out)
	case FormatText:
		fmt.Fprintf(f.out, "message=%s", msg)
		for k, v := range fields {
			fmt.Fprintf(f.out, "\t%s=%v", k, v)
		}
		fmt.Fprintln(f.out)
		return nil
	case FormatHuman:
		fmt.Fprintln(f.out, msg)
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// Error outputs an error message to stderr
func (f *Formatter) Error(format string, args ...interface{}) {
	fmt.Fprintf(f.err, format+"\n", args...)
}

// Warning outputs a warning message to stderr
func (f *Formatter) Warning(format string, args ...interface{}) {
	fmt.Fprintf(f.err, "Warning: "+format+"\n", args...)
}

func statusIcon(status string) string {
	switch status {
	case "active":
		return "✅"
	case "error":
		return "❌"
	}
	return "⏳"
}

// formatTime formats a time pointer for output
func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

// truncate shortens s to maxLen runes
func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
