package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

// Matcher locates a content block in a page.
type Matcher interface {
	Match(html string) (string, bool)
}

// Stripper removes unwanted elements from a content block.
type Stripper interface {
	Strip(html string) string
}

// Pattern is a compiled rule usable both to match and to strip.
type Pattern interface {
	Matcher
	Stripper
	fmt.Stringer
}

// RegexMatcher matches a regular expression. The first capture group is the
// block when present and non-empty, otherwise the whole match.
type RegexMatcher struct {
	re *regexp.Regexp
}

func NewRegexMatcher(expr string) (*RegexMatcher, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", expr, err)
	}
	return &RegexMatcher{re: re}, nil
}

func (m *RegexMatcher) Match(html string) (string, bool) {
	sub := m.re.FindStringSubmatch(html)
	if sub == nil {
		return "", false
	}
	if len(sub) > 1 && sub[1] != "" {
		return sub[1], true
	}
	return sub[0], sub[0] != ""
}

func (m *RegexMatcher) Strip(html string) string {
	return m.re.ReplaceAllString(html, "")
}

func (m *RegexMatcher) String() string { return "re:" + m.re.String() }

// SelectorMatcher matches a CSS selector and yields the outer HTML of the
// first matching element that has any text.
type SelectorMatcher struct {
	selector string
	compiled goquery.Matcher
}

func NewSelectorMatcher(selector string) (*SelectorMatcher, error) {
	compiled, err := compileSelector(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	return &SelectorMatcher{selector: selector, compiled: compiled}, nil
}

func (m *SelectorMatcher) Match(html string) (string, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", false
	}
	var block string
	doc.FindMatcher(m.compiled).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.TrimSpace(s.Text()) == "" {
			return true
		}
		block, err = goquery.OuterHtml(s)
		return err != nil
	})
	return block, block != ""
}

func (m *SelectorMatcher) Strip(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	doc.FindMatcher(m.compiled).Remove()
	out, err := doc.Find("body").Html()
	if err != nil {
		return html
	}
	return out
}

func (m *SelectorMatcher) String() string { return "css:" + m.selector }

func compileSelector(selector string) (goquery.Matcher, error) {
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, err
	}
	return sel, nil
}

// Compile parses a rule string: "css:<selector>", "re:<regexp>", or a bare
// regular expression.
func Compile(rule string) (Pattern, error) {
	if sel, ok := strings.CutPrefix(rule, "css:"); ok {
		m, err := NewSelectorMatcher(strings.TrimSpace(sel))
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	m, err := NewRegexMatcher(strings.TrimPrefix(rule, "re:"))
	if err != nil {
		return nil, err
	}
	return m, nil
}

// MustCompile is Compile for built-in rules; it panics on a bad rule.
func MustCompile(rule string) Pattern {
	p, err := Compile(rule)
	if err != nil {
		panic(err)
	}
	return p
}
