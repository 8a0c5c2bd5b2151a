package helpers

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Citation models one source document a research run consulted.
type Citation struct {
	Title    string
	URL      string
	Snippet  string
	Accessed time.Time
}

type citationConfig struct {
	maxSnippet int
}

// CitationOption configures citation formatting.
type CitationOption func(*citationConfig)

// WithMaxSnippetLength truncates snippets to the provided length (default 180).
func WithMaxSnippetLength(n int) CitationOption {
	return func(cfg *citationConfig) {
		if n > 0 {
			cfg.maxSnippet = n
		}
	}
}

// FormatCitation renders a single citation in a consistent layout:
// [n] Title - "Snippet" (domain, retrieved YYYY-MM-DD) <URL>
func FormatCitation(index int, c Citation, opts ...CitationOption) string {
	cfg := citationConfig{maxSnippet: 180}
	for _, opt := range opts {
		opt(&cfg)
	}

	var parts []string
	parts = append(parts, fmt.Sprintf("[%d]", index))

	if title := strings.TrimSpace(c.Title); title != "" {
		parts = append(parts, title)
	}

	if snippet := formatSnippet(c.Snippet, cfg.maxSnippet); snippet != "" {
		parts = append(parts, "- "+snippet)
	}

	if domain := extractDomain(c.URL); domain != "" {
		meta := domain
		if !c.Accessed.IsZero() {
			meta = meta + ", retrieved " + c.Accessed.Format("2006-01-02")
		}
		parts = append(parts, "("+meta+")")
	}

	if link := strings.TrimSpace(c.URL); link != "" {
		parts = append(parts, "<"+link+">")
	}

	return strings.Join(parts, " ")
}

// FormatCitations renders a collection of citations, numbering them from 1.
func FormatCitations(citations []Citation, opts ...CitationOption) []string {
	if len(citations) == 0 {
		return nil
	}
	out := make([]string, 0, len(citations))
	for i, c := range citations {
		out = append(out, FormatCitation(i+1, c, opts...))
	}
	return out
}

func formatSnippet(snippet string, limit int) string {
	snippet = strings.TrimSpace(snippet)
	if snippet == "" {
		return ""
	}
	snippet = strings.Join(strings.Fields(snippet), " ")
	if limit > 0 && len(snippet) > limit {
		snippet = snippet[:limit]
		if !strings.HasSuffix(snippet, "…") {
			snippet += "…"
		}
	}
	if !strings.HasPrefix(snippet, "\"") {
		snippet = `"` + snippet
	}
	if !strings.HasSuffix(snippet, "\"") {
		snippet = snippet + `"`
	}
	return snippet
}

func extractDomain(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Host)
	host = strings.TrimSuffix(host, ":80")
	host = strings.TrimSuffix(host, ":443")
	return host
}
