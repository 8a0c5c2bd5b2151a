// Package fetch retrieves web documents for research runs. The plain HTTP
// fetcher covers most pages; a headless-browser variant handles pages that
// only render content client side. Fetched pages are sanitized before they
// reach a model prompt.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/mohammad-safakhou/prospector/internal/helpers"
)

const (
	// DefaultMaxBodyBytes caps how much of a response body is read.
	DefaultMaxBodyBytes = 8 << 20
	// DefaultMaxChars caps extracted text length.
	DefaultMaxChars = 20000
	// DefaultUserAgent identifies the research agent to origins.
	DefaultUserAgent = "prospector-research/1.0"
)

// Page is a fetched and sanitized web document.
type Page struct {
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	HTML      string    `json:"html"`
	Text      string    `json:"text"`
	Status    int       `json:"status"`
	FetchedAt time.Time `json:"fetched_at"`
	ElapsedMS int       `json:"elapsed_ms"`
}

// Empty reports whether the page carries no usable content.
func (p Page) Empty() bool {
	return strings.TrimSpace(p.HTML) == "" && strings.TrimSpace(p.Text) == ""
}

// Fetcher retrieves a single web page.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Page, error)
}

// Downloader retrieves a raw document body, for file formats the page
// pipeline does not parse (PDFs in particular).
type Downloader interface {
	Download(ctx context.Context, rawURL string, maxBytes int64) (data []byte, contentType string, err error)
}

// Prober checks a URL without fetching its body, reporting the content type
// and HTTP status.
type Prober interface {
	Head(ctx context.Context, rawURL string) (contentType string, status int, err error)
}

// Composite pairs a page fetcher with a prober. It lets a cached or headless
// fetch path keep probing over plain HTTP, where HEAD requests are cheap.
type Composite struct {
	Fetcher
	Prober
}

// HTTPFetcher fetches pages over plain HTTP with bounded retries.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	maxChars  int
	maxBytes  int64
	retries   int
	backoff   time.Duration
}

// HTTPOption configures an HTTPFetcher.
type HTTPOption func(*HTTPFetcher)

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) HTTPOption {
	return func(f *HTTPFetcher) {
		if strings.TrimSpace(ua) != "" {
			f.userAgent = ua
		}
	}
}

// WithMaxChars caps extracted text length.
func WithMaxChars(n int) HTTPOption {
	return func(f *HTTPFetcher) {
		if n > 0 {
			f.maxChars = n
		}
	}
}

// WithMaxBodyBytes caps how many bytes of a response body are read.
func WithMaxBodyBytes(n int64) HTTPOption {
	return func(f *HTTPFetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

// WithRetries sets the retry count and backoff for transient failures.
func WithRetries(retries int, backoff time.Duration) HTTPOption {
	return func(f *HTTPFetcher) {
		if retries >= 0 {
			f.retries = retries
		}
		if backoff > 0 {
			f.backoff = backoff
		}
	}
}

// NewHTTPFetcher builds a fetcher with the given request timeout.
func NewHTTPFetcher(timeout time.Duration, opts ...HTTPOption) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	f := &HTTPFetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: DefaultUserAgent,
		maxChars:  DefaultMaxChars,
		maxBytes:  DefaultMaxBodyBytes,
		retries:   2,
		backoff:   300 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves rawURL, extracts the readable article text and returns the
// sanitized page. Non-2xx statuses and transport failures are errors; a page
// readability cannot parse still returns its sanitized HTML.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	canonical, err := helpers.CanonicalURL(rawURL)
	if err != nil {
		return Page{}, fmt.Errorf("fetch %q: %w", rawURL, err)
	}

	t0 := time.Now()
	body, status, err := f.get(ctx, canonical, "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")
	if err != nil {
		return Page{}, fmt.Errorf("fetch %s: %w", canonical, err)
	}

	page := Page{
		URL:       canonical,
		HTML:      helpers.SanitizeHTMLForModel(string(body)),
		Status:    status,
		FetchedAt: t0,
		ElapsedMS: int(time.Since(t0) / time.Millisecond),
	}

	if article, err := readability.FromReader(strings.NewReader(string(body)), mustParseURL(canonical)); err == nil {
		page.Title = strings.TrimSpace(article.Title)
		page.Text = strings.TrimSpace(article.TextContent)
	}
	if page.Text == "" {
		page.Text = helpers.CollapseWhitespace(helpers.SanitizeHTMLStrict(string(body)))
	}
	if len(page.Text) > f.maxChars {
		page.Text = page.Text[:f.maxChars]
	}
	return page, nil
}

// Head issues a HEAD request and reports the response content type and
// status. Callers use it to probe reachability and content type before
// committing to a full fetch.
func (f *HTTPFetcher) Head(ctx context.Context, rawURL string) (contentType string, status int, err error) {
	canonical, err := helpers.CanonicalURL(rawURL)
	if err != nil {
		return "", 0, fmt.Errorf("head %q: %w", rawURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, canonical, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("head %s: %w", canonical, err)
	}
	resp.Body.Close()
	return resp.Header.Get("Content-Type"), resp.StatusCode, nil
}

// Download retrieves the raw body of rawURL up to maxBytes and reports the
// response content type.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string, maxBytes int64) ([]byte, string, error) {
	canonical, err := helpers.CanonicalURL(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("download %q: %w", rawURL, err)
	}
	if maxBytes <= 0 {
		maxBytes = f.maxBytes
	}

	var (
		lastErr     error
		contentType string
	)
	tries := f.retries + 1
	for attempt := 0; attempt < tries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, canonical, nil)
		if err != nil {
			return nil, "", err
		}
		req.Header.Set("User-Agent", f.userAgent)

		resp, err := f.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			contentType = resp.Header.Get("Content-Type")
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				data, err := helpers.ReadAllLimited(resp.Body, maxBytes)
				resp.Body.Close()
				if err != nil {
					return nil, contentType, fmt.Errorf("download %s: %w", canonical, err)
				}
				return data, contentType, nil
			}
			resp.Body.Close()
			lastErr = fmt.Errorf("download %s: unexpected status %d", canonical, resp.StatusCode)
			if !retryableStatus(resp.StatusCode) {
				return nil, contentType, lastErr
			}
		}

		if attempt < tries-1 {
			select {
			case <-time.After(f.backoff * time.Duration(1<<attempt)):
			case <-ctx.Done():
				return nil, "", ctx.Err()
			}
		}
	}
	return nil, contentType, lastErr
}

// get performs the retried GET used by Fetch.
func (f *HTTPFetcher) get(ctx context.Context, url, accept string) ([]byte, int, error) {
	var lastErr error
	tries := f.retries + 1
	for attempt := 0; attempt < tries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, 0, err
		}
		req.Header.Set("User-Agent", f.userAgent)
		req.Header.Set("Accept", accept)

		resp, err := f.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				body, err := helpers.ReadAllLimited(resp.Body, f.maxBytes)
				resp.Body.Close()
				if err != nil {
					return nil, resp.StatusCode, err
				}
				return body, resp.StatusCode, nil
			}
			resp.Body.Close()
			lastErr = fmt.Errorf("unexpected status %d", resp.StatusCode)
			if !retryableStatus(resp.StatusCode) {
				return nil, resp.StatusCode, lastErr
			}
		}

		if attempt < tries-1 {
			select {
			case <-time.After(f.backoff * time.Duration(1<<attempt)):
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			}
		}
	}
	return nil, 0, lastErr
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
