package extract

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var longText = strings.Repeat("Lorem ipsum dolor sit amet. ", 8)

func TestCleanHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"tags and named entity", "<p>Tom &amp; Jerry</p>", "Tom & Jerry"},
		{"numeric entities", "caf&#233; &#x263A; &#169;", "café ☺ ©"},
		{"script dropped", "<script>alert(1)</script><p>ok</p>", "ok"},
		{"block breaks", "<p>one</p><p>two</p><br>three", "one two three"},
		{"whitespace and nbsp", "  a  b \n\t c  ", "a b c"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanHTML(tt.in); got != tt.want {
				t.Errorf("CleanHTML(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCleanHTMLNeverLeavesAngleBrackets(t *testing.T) {
	inputs := []string{
		"a < b and c > d",
		"Tom &amp; Jerry <3",
		"&lt;script&gt;alert(1)&lt;/script&gt;",
		"<div><<p>>nested</p>></div>",
		"<img src='x.png' alt='<b>'>caption",
	}
	for _, in := range inputs {
		got := Summarize(in, DefaultMaxSummary)
		if strings.ContainsAny(got, "<>") {
			t.Errorf("Summarize(%q) = %q contains markup characters", in, got)
		}
	}
}

func TestSummarizeTruncatesAfterDecoding(t *testing.T) {
	in := "<p>" + strings.Repeat("a", 498) + "&amp;&amp;&amp;</p>"
	got := Summarize(in, 500)
	want := strings.Repeat("a", 498) + "&&"
	if got != want {
		t.Errorf("Summarize cut an entity: got suffix %q", got[len(got)-5:])
	}

	multi := strings.Repeat("é", 600)
	got = Summarize(multi, 500)
	if n := len([]rune(got)); n != 500 {
		t.Errorf("Summarize length = %d runes, want 500", n)
	}

	short := Summarize("<b>short</b>", 0)
	if short != "short" {
		t.Errorf("Summarize default max = %q", short)
	}
}

func TestDecodeEntitiesIdempotent(t *testing.T) {
	inputs := []string{
		"Tom &amp; Jerry &#169; &#xA9;",
		"plain text",
		"caf&eacute; &quot;quoted&quot; &#39;single&#39;",
	}
	for _, in := range inputs {
		once := DecodeEntities(in)
		if twice := DecodeEntities(once); twice != once {
			t.Errorf("DecodeEntities not idempotent for %q: %q then %q", in, once, twice)
		}
	}
	if got := DecodeEntities("&#x41;&#66;&lt;"); got != "AB<" {
		t.Errorf("DecodeEntities = %q, want AB<", got)
	}
}

func TestFirstImage(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`<p>x</p><img class="hero" src="https://a.test/1.jpg"><img src="https://a.test/2.jpg">`, "https://a.test/1.jpg"},
		{`<IMG alt='x' SRC='https://a.test/single.png'>`, "https://a.test/single.png"},
		{`<img src="https://a.test/q.jpg?a=1&amp;b=2">`, "https://a.test/q.jpg?a=1&b=2"},
		{`<img data-src="https://a.test/lazy.jpg" src="https://a.test/real.jpg">`, "https://a.test/real.jpg"},
		{`<img data-src="https://a.test/lazy.jpg">`, ""},
		{`<p>no image</p>`, ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := FirstImage(tt.in); got != tt.want {
			t.Errorf("FirstImage(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRegistryLookup(t *testing.T) {
	r := DefaultRegistry()
	if r.Len() == 0 {
		t.Fatal("DefaultRegistry has no rules")
	}

	if rule := r.Lookup("https://www.nytimes.com/2026/03/01/world/story.html"); rule == nil || rule.Domain != "nytimes.com" {
		t.Errorf("www host lookup failed: %+v", rule)
	}
	if rule := r.Lookup("https://cooking.nytimes.com/recipes/1"); rule == nil {
		t.Error("subdomain lookup failed")
	}
	if rule := r.Lookup("https://example.org/post"); rule != nil {
		t.Errorf("Unexpected rule for example.org: %s", rule.Domain)
	}
	if rule := r.Lookup("not a url"); rule != nil {
		t.Error("Lookup of invalid url returned a rule")
	}

	if !r.RequiresBypass("https://www.wsj.com/articles/x") {
		t.Error("wsj.com should require bypass")
	}
	if r.RequiresBypass("https://www.theguardian.com/world/x") {
		t.Error("theguardian.com should not require bypass")
	}
}

func testRegistry(t *testing.T, content []string, strip []string) *Registry {
	t.Helper()
	spec := ruleSpec{Domain: "news.test", Content: content, Strip: strip}
	rule, err := spec.compile()
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	r := NewRegistry()
	r.Add(rule)
	return r
}

func TestExtractPagePrefersSiteRule(t *testing.T) {
	r := testRegistry(t, []string{"css:div.story"}, []string{"css:.ad"})
	e := New(r, Options{})

	page := `<html><head><title>Page Title</title></head><body>
		<article><p>` + strings.Repeat("generic body text ", 10) + `</p></article>
		<div class="story"><p>` + longText + `</p><div class="ad">BUY NOW</div></div>
	</body></html>`

	c, err := e.ExtractPage(page, "https://www.news.test/a")
	if err != nil {
		t.Fatalf("ExtractPage failed: %v", err)
	}
	if c.Rule != "css:div.story" {
		t.Errorf("Rule = %q, want css:div.story", c.Rule)
	}
	if !strings.HasPrefix(c.Summary, "Lorem ipsum") {
		t.Errorf("Summary from wrong block: %q", c.Summary)
	}
	if strings.Contains(c.Summary, "BUY NOW") {
		t.Error("Strip pattern not applied")
	}
	if c.Title != "Page Title" {
		t.Errorf("Title = %q", c.Title)
	}
}

func TestExtractPageFallsBackToGeneric(t *testing.T) {
	r := testRegistry(t, []string{"css:div.story"}, nil)
	e := New(r, Options{})

	page := `<html><body><nav>Home News Sports</nav>
		<div class="story">Subscribe to read</div>
		<article><h1>Headline</h1><p>` + longText + `</p></article>
	</body></html>`

	c, err := e.ExtractPage(page, "https://news.test/a")
	if err != nil {
		t.Fatalf("ExtractPage failed: %v", err)
	}
	if c.Rule != "css:article" {
		t.Errorf("Rule = %q, want generic css:article", c.Rule)
	}
	if strings.Contains(c.Summary, "Subscribe") {
		t.Errorf("Teaser used as content: %q", c.Summary)
	}
	if c.Title != "Headline" {
		t.Errorf("Title = %q, want h1 fallback", c.Title)
	}
}

func TestExtractPageRegexRule(t *testing.T) {
	r := testRegistry(t, []string{`re:(?s)<!-- body -->(.*?)<!-- /body -->`}, nil)
	e := New(r, Options{})

	page := `<html><body><!-- body --><p>` + longText + `</p><!-- /body --><p>footer</p></body></html>`
	c, err := e.ExtractPage(page, "https://news.test/a")
	if err != nil {
		t.Fatalf("ExtractPage failed: %v", err)
	}
	if strings.Contains(c.Summary, "footer") {
		t.Errorf("Regex capture group ignored: %q", c.Summary)
	}
}

func TestExtractPageNoContent(t *testing.T) {
	e := New(DefaultRegistry(), Options{})

	_, err := e.ExtractPage(`<html><body><p>Too short.</p></body></html>`, "https://example.org/x")
	if !errors.Is(err, ErrNoContent) {
		t.Errorf("ExtractPage error = %v, want ErrNoContent", err)
	}
}

func TestExtractPageMetadata(t *testing.T) {
	e := New(nil, Options{MaxSummary: 50})

	page := `<html><head>
		<meta property="og:title" content="Open Graph &amp; Title">
		<meta name="author" content="Jane Doe">
		<meta property="article:published_time" content="2026-03-01T10:30:00+02:00">
		<meta property="og:image" content="https://a.test/og.jpg">
	</head><body><main><p>` + longText + `</p></main></body></html>`

	c, err := e.ExtractPage(page, "https://example.org/x")
	if err != nil {
		t.Fatalf("ExtractPage failed: %v", err)
	}
	if c.Title != "Open Graph & Title" {
		t.Errorf("Title = %q", c.Title)
	}
	if c.Author != "Jane Doe" {
		t.Errorf("Author = %q", c.Author)
	}
	want := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	if c.PublishedAt == nil || !c.PublishedAt.Equal(want) {
		t.Errorf("PublishedAt = %v, want %v", c.PublishedAt, want)
	}
	if c.ImageURL != "https://a.test/og.jpg" {
		t.Errorf("ImageURL = %q, want og:image fallback", c.ImageURL)
	}
	if n := len([]rune(c.Summary)); n > 50 {
		t.Errorf("Summary length %d exceeds MaxSummary", n)
	}
}

func TestExtractItem(t *testing.T) {
	e := New(nil, Options{})

	c := e.ExtractItem(`<p>Short &amp; sweet</p><img src='https://a.test/i.png'>`)
	if c.Summary != "Short & sweet" {
		t.Errorf("Summary = %q", c.Summary)
	}
	if c.ImageURL != "https://a.test/i.png" {
		t.Errorf("ImageURL = %q", c.ImageURL)
	}

	empty := e.ExtractItem("")
	if empty.Summary != "" || empty.ImageURL != "" {
		t.Errorf("Empty item = %+v", empty)
	}
}

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	data := `version: 1
sites:
  - domain: paper.test
    requires_bypass: true
    content:
      - "css:div.body"
      - 're:(?s)<section id="text">(.*?)</section>'
    strip:
      - "css:.promo"
  - domain: nytimes.com
    content:
      - "css:div.custom"
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	r := DefaultRegistry()
	n, err := r.LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Loaded %d rules, want 2", n)
	}
	rule := r.Lookup("https://www.paper.test/x")
	if rule == nil || !rule.RequiresBypass || len(rule.Content) != 2 || len(rule.Strip) != 1 {
		t.Errorf("paper.test rule = %+v", rule)
	}
	if r.RequiresBypass("https://nytimes.com/x") {
		t.Error("Loaded rule did not replace the built-in one")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(bad, []byte("version: 2\nsites: []\n"), 0644)
	if _, err := r.LoadRules(bad); err == nil {
		t.Error("Expected error for unsupported version")
	}

	invalid := filepath.Join(t.TempDir(), "invalid.yaml")
	os.WriteFile(invalid, []byte("version: 1\nsites:\n  - domain: x.test\n    content: ['re:(']\n"), 0644)
	if _, err := r.LoadRules(invalid); err == nil {
		t.Error("Expected error for invalid pattern")
	}
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"Sun, 01 Mar 2026 09:00:00 +0000", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), true},
		{"2026-03-01T09:00:00Z", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), true},
		{"2026-03-01", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), true},
		{"yesterday", time.Time{}, false},
		{"", time.Time{}, false},
	}
	for _, tt := range tests {
		got, ok := ParseDate(tt.in)
		if ok != tt.ok || !got.Equal(tt.want) {
			t.Errorf("ParseDate(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
