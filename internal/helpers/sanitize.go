package helpers

import (
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicyOnce sync.Once
	strictPolicy     *bluemonday.Policy

	modelPolicyOnce sync.Once
	modelPolicy     *bluemonday.Policy
)

// StrictHTMLPolicy returns a singleton bluemonday policy that strips every
// HTML element and attribute, leaving plain text.
func StrictHTMLPolicy() *bluemonday.Policy {
	strictPolicyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	return strictPolicy
}

// ModelHTMLPolicy returns a policy for HTML that is fed to a language model.
// It keeps the structural tags models read facts out of (headings, lists,
// tables, definition lists) and drops scripts, styles, event handlers and
// unsafe URLs.
func ModelHTMLPolicy() *bluemonday.Policy {
	modelPolicyOnce.Do(func() {
		policy := bluemonday.UGCPolicy()
		policy.AllowElements("table", "thead", "tbody", "tfoot", "tr", "th", "td", "caption")
		policy.AllowElements("dl", "dt", "dd", "figure", "figcaption", "section", "article")
		policy.AllowAttrs("colspan", "rowspan").OnElements("th", "td")
		policy.AllowURLSchemes("http", "https")
		policy.AllowRelativeURLs(true)
		policy.RequireParseableURLs(true)
		modelPolicy = policy
	})
	return modelPolicy
}

// SanitizeHTMLStrict removes every HTML tag from s while stripping leading
// and trailing whitespace.
func SanitizeHTMLStrict(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return strings.TrimSpace(StrictHTMLPolicy().Sanitize(s))
}

// SanitizeHTMLForModel cleans s for model consumption using ModelHTMLPolicy.
func SanitizeHTMLForModel(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return strings.TrimSpace(ModelHTMLPolicy().Sanitize(s))
}

// CollapseWhitespace reduces runs of whitespace to single spaces and trims
// the result. Sanitized pages keep their token budget instead of spending it
// on indentation.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
