// Package extract turns fetched pages and feed items into normalized article
// content: site-specific block matching with a generic fallback, markup
// stripping, entity decoding, summary truncation and image discovery.
package extract

import (
	"errors"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// DefaultMinLength is the least amount of text a matched block must hold to
// count as article content rather than a teaser.
const DefaultMinLength = 100

// ErrNoContent means no pattern produced enough text.
var ErrNoContent = errors.New("no article content found")

// Content is the normalized result of an extraction.
type Content struct {
	Title       string
	Summary     string
	ImageURL    string
	Author      string
	PublishedAt *time.Time
	// Rule names the pattern that produced the body, e.g. "css:article".
	Rule string
}

type Options struct {
	MinLength  int
	MaxSummary int
}

type Extractor struct {
	registry   *Registry
	minLength  int
	maxSummary int
	generic    []Matcher
	genericCut []Stripper
}

// New creates an extractor over the registry. Zero options take defaults.
func New(registry *Registry, opts Options) *Extractor {
	if registry == nil {
		registry = NewRegistry()
	}
	if opts.MinLength <= 0 {
		opts.MinLength = DefaultMinLength
	}
	if opts.MaxSummary <= 0 {
		opts.MaxSummary = DefaultMaxSummary
	}
	return &Extractor{
		registry:   registry,
		minLength:  opts.MinLength,
		maxSummary: opts.MaxSummary,
		generic: []Matcher{
			MustCompile("css:article"),
			MustCompile("css:main"),
			MustCompile("css:[role=main]"),
			MustCompile("css:body"),
		},
		genericCut: []Stripper{
			MustCompile("css:nav, header, footer, aside, form, script, style, noscript"),
		},
	}
}

func (e *Extractor) Registry() *Registry { return e.registry }

// ExtractPage extracts article content from a full HTML page. Site rules for
// the page's domain are tried before the generic patterns; the first block
// with at least MinLength characters of text wins.
func (e *Extractor) ExtractPage(html, pageURL string) (*Content, error) {
	var (
		summary  string
		ruleName string
		found    bool
	)
	if rule := e.registry.Lookup(pageURL); rule != nil {
		summary, ruleName, found = e.firstBlock(html, rule.Content, rule.Strip)
	}
	if !found {
		summary, ruleName, found = e.firstBlock(html, e.generic, e.genericCut)
	}
	if !found {
		return nil, ErrNoContent
	}

	c := &Content{
		Summary:  summary,
		ImageURL: FirstImage(html),
		Rule:     ruleName,
	}
	e.readMetadata(html, c)
	return c, nil
}

func (e *Extractor) firstBlock(html string, matchers []Matcher, strip []Stripper) (string, string, bool) {
	for _, m := range matchers {
		block, ok := m.Match(html)
		if !ok {
			continue
		}
		for _, s := range strip {
			block = s.Strip(block)
		}
		text := CleanHTML(block)
		if textLen(text) < e.minLength {
			continue
		}
		return truncate(text, e.maxSummary), ruleString(m), true
	}
	return "", "", false
}

func ruleString(m Matcher) string {
	if s, ok := m.(interface{ String() string }); ok {
		return s.String()
	}
	return ""
}

func (e *Extractor) readMetadata(html string, c *Content) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return
	}

	if t, _ := doc.Find("meta[property='og:title']").Attr("content"); strings.TrimSpace(t) != "" {
		c.Title = CleanHTML(t)
	} else if t := doc.Find("title").First().Text(); strings.TrimSpace(t) != "" {
		c.Title = CleanHTML(t)
	} else {
		c.Title = CleanHTML(doc.Find("h1").First().Text())
	}

	if c.ImageURL == "" {
		c.ImageURL, _ = doc.Find("meta[property='og:image']").Attr("content")
	}

	for _, sel := range []string{"meta[name=author]", "meta[property='article:author']"} {
		if a, _ := doc.Find(sel).Attr("content"); strings.TrimSpace(a) != "" {
			c.Author = CleanHTML(a)
			break
		}
	}

	published, _ := doc.Find("meta[property='article:published_time']").Attr("content")
	if published == "" {
		published, _ = doc.Find("time[datetime]").First().Attr("datetime")
	}
	if t, ok := ParseDate(published); ok {
		c.PublishedAt = &t
	}
}

// ExtractItem normalizes a feed item's description or content. It never
// fails: an item with no text yields an empty summary.
func (e *Extractor) ExtractItem(html string) Content {
	return Content{
		Summary:  Summarize(html, e.maxSummary),
		ImageURL: FirstImage(html),
	}
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseDate parses the date formats seen in feeds and page metadata
// (RFC 1123/822 pubDate, ISO 8601). The result is in UTC.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
