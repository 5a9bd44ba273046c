package extract

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// SiteRule is the extraction rule set for one domain. Content patterns are
// tried in order; Strip patterns are removed from a matched block before its
// text is measured.
type SiteRule struct {
	Domain         string
	Content        []Matcher
	Strip          []Stripper
	RequiresBypass bool
}

// Registry maps domains to site rules. Lookups match the host or any parent
// domain, ignoring a leading "www.".
type Registry struct {
	mu    sync.RWMutex
	rules map[string]*SiteRule
}

func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]*SiteRule)}
}

// Add registers rule, replacing any rule for the same domain.
func (r *Registry) Add(rule *SiteRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[normalizeHost(rule.Domain)] = rule
}

// Lookup returns the rule for the page's host, or nil.
func (r *Registry) Lookup(pageURL string) *SiteRule {
	host := hostOf(pageURL)
	if host == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for {
		if rule, ok := r.rules[host]; ok {
			return rule
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return nil
		}
		host = host[i+1:]
	}
}

// RequiresBypass reports whether pages of this url's domain must be fetched
// through the bypass path.
func (r *Registry) RequiresBypass(pageURL string) bool {
	rule := r.Lookup(pageURL)
	return rule != nil && rule.RequiresBypass
}

// Len returns the number of registered domains.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

func hostOf(pageURL string) string {
	u, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil || u.Host == "" {
		return ""
	}
	return normalizeHost(u.Hostname())
}

func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.TrimPrefix(h, "www.")
}

// builtinRules are the rules shipped with the extractor.
var builtinRules = []ruleSpec{
	{Domain: "nytimes.com", RequiresBypass: true,
		Content: []string{"css:section[name=articleBody]", "css:article#story"},
		Strip:   []string{"css:[data-testid=inline-message]", "css:[id^=story-ad]"}},
	{Domain: "wsj.com", RequiresBypass: true,
		Content: []string{"css:section.article-content", "css:div.article-content"},
		Strip:   []string{"css:.paywall", "css:.wsj-ad"}},
	{Domain: "ft.com", RequiresBypass: true,
		Content: []string{"css:div.article-body", "css:#article-body"}},
	{Domain: "bloomberg.com", RequiresBypass: true,
		Content: []string{"css:div.body-content", "css:div.body-copy-v2"}},
	{Domain: "economist.com", RequiresBypass: true,
		Content: []string{`re:(?s)<div[^>]+class="[^"]*article__body[^"]*"[^>]*>(.*?)</div>\s*</section>`, "css:div[data-body-id]"}},
	{Domain: "medium.com", RequiresBypass: true,
		Content: []string{"css:article section", "css:article"}},
	{Domain: "theguardian.com",
		Content: []string{"css:div[data-gu-name=body]", "css:div.article-body-commercial-selector"},
		Strip:   []string{"css:aside", "css:figure"}},
	{Domain: "bbc.com",
		Content: []string{"css:article"},
		Strip:   []string{"css:[data-component=links-block]", "css:[data-component=tags]"}},
	{Domain: "bbc.co.uk",
		Content: []string{"css:article"},
		Strip:   []string{"css:[data-component=links-block]", "css:[data-component=tags]"}},
	{Domain: "arstechnica.com",
		Content: []string{"css:div.post-content", "css:div.article-content"},
		Strip:   []string{"css:.ad_wrapper", "css:.sidebar"}},
	{Domain: "theverge.com",
		Content: []string{"css:div.duet--article--article-body-component-container", "css:article"}},
	{Domain: "reuters.com",
		Content: []string{`css:div[class*="article-body__content"]`, "css:article"},
		Strip:   []string{`css:div[class*="article-body__toolbar"]`}},
}

// DefaultRegistry returns a registry holding the built-in site rules.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, spec := range builtinRules {
		rule, err := spec.compile()
		if err != nil {
			panic(fmt.Sprintf("built-in rule for %s: %v", spec.Domain, err))
		}
		r.Add(rule)
	}
	return r
}

// RuleFile is the on-disk format of additional site rules.
type RuleFile struct {
	Version int        `yaml:"version"`
	Sites   []ruleSpec `yaml:"sites"`
}

type ruleSpec struct {
	Domain         string   `yaml:"domain"`
	Content        []string `yaml:"content"`
	Strip          []string `yaml:"strip"`
	RequiresBypass bool     `yaml:"requires_bypass"`
}

func (s ruleSpec) compile() (*SiteRule, error) {
	if s.Domain == "" {
		return nil, fmt.Errorf("site rule without domain")
	}
	if len(s.Content) == 0 {
		return nil, fmt.Errorf("site rule %s has no content patterns", s.Domain)
	}
	rule := &SiteRule{Domain: s.Domain, RequiresBypass: s.RequiresBypass}
	for _, c := range s.Content {
		p, err := Compile(c)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Domain, err)
		}
		rule.Content = append(rule.Content, p)
	}
	for _, c := range s.Strip {
		p, err := Compile(c)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Domain, err)
		}
		rule.Strip = append(rule.Strip, p)
	}
	return rule, nil
}

// LoadRules reads a YAML rule file and adds its sites to the registry,
// replacing built-in rules for the same domains. It returns the number of
// rules loaded.
func (r *Registry) LoadRules(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open rules file: %w", err)
	}
	defer file.Close()

	var rf RuleFile
	if err := yaml.NewDecoder(file).Decode(&rf); err != nil {
		return 0, fmt.Errorf("failed to parse rules file: %w", err)
	}
	if rf.Version != 1 {
		return 0, fmt.Errorf("unsupported rules file version %d", rf.Version)
	}

	rules := make([]*SiteRule, 0, len(rf.Sites))
	for _, spec := range rf.Sites {
		rule, err := spec.compile()
		if err != nil {
			return 0, err
		}
		rules = append(rules, rule)
	}
	for _, rule := range rules {
		r.Add(rule)
	}
	return len(rules), nil
}
