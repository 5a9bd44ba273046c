package extract

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// DefaultMaxSummary is the hard cap on summary length, in characters.
const DefaultMaxSummary = 500

var (
	strict = bluemonday.StrictPolicy()

	// Closing block tags become word breaks once markup is gone.
	blockEndRe = regexp.MustCompile(`(?i)<(?:br|hr|/p|/div|/li|/h[1-6]|/tr|/td|/th|/blockquote|/section|/article|/figcaption)\b[^>]*>`)

	imgSrcRe = regexp.MustCompile(`(?i)<img\b[^>]*?\ssrc\s*=\s*(?:"([^"]*)"|'([^']*)')`)
)

// CleanHTML strips all markup, decodes entities, drops any angle bracket
// left in the text and collapses whitespace.
func CleanHTML(s string) string {
	if s == "" {
		return ""
	}
	s = blockEndRe.ReplaceAllString(s, "$0 ")
	s = strict.Sanitize(s)
	s = DecodeEntities(s)
	s = strings.Map(func(r rune) rune {
		if r == '<' || r == '>' {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// DecodeEntities decodes named, decimal (&#NNN;) and hex (&#xHH;) entities.
func DecodeEntities(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	return html.UnescapeString(s)
}

// Summarize cleans s and truncates the decoded text to at most max characters.
func Summarize(s string, max int) string {
	if max <= 0 {
		max = DefaultMaxSummary
	}
	return truncate(CleanHTML(s), max)
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return strings.TrimSpace(string(runes[:max]))
}

// FirstImage returns the src of the first <img> tag, or "" when there is none.
func FirstImage(s string) string {
	m := imgSrcRe.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	if m[1] != "" {
		return DecodeEntities(m[1])
	}
	return DecodeEntities(m[2])
}

func textLen(s string) int {
	return len([]rune(s))
}
