package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const samplePage = `<!DOCTYPE html>
<html><head><title>IBM Profile</title><script>track()</script></head>
<body>
<h1>International Business Machines</h1>
<p>IBM was founded in 1911 as the Computing-Tabulating-Recording Company.</p>
<table><tr><th>Headquarters</th><td>Armonk, New York</td></tr></table>
</body></html>`

func TestHTTPFetcherFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, samplePage)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(5 * time.Second)
	page, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if page.Empty() {
		t.Fatalf("expected non-empty page")
	}
	if !strings.Contains(page.Text, "IBM was founded in 1911") {
		t.Fatalf("expected article text, got %q", page.Text)
	}
	if strings.Contains(page.HTML, "track()") {
		t.Fatalf("expected script content to be stripped, got %q", page.HTML)
	}
	if page.Status != http.StatusOK {
		t.Fatalf("expected status 200, got %d", page.Status)
	}
}

func TestHTTPFetcherNotFoundIsError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(5 * time.Second)
	if _, err := f.Fetch(context.Background(), srv.URL); err == nil {
		t.Fatalf("expected error for 404 response")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected 404 not to be retried, got %d calls", got)
	}
}

func TestHTTPFetcherRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "upstream hiccup", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, samplePage)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(5*time.Second, WithRetries(2, 10*time.Millisecond))
	page, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch after retry: %v", err)
	}
	if page.Empty() {
		t.Fatalf("expected content after retry")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestHTTPFetcherDownload(t *testing.T) {
	payload := strings.Repeat("x", 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprint(w, payload)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(5 * time.Second)
	data, contentType, err := f.Download(context.Background(), srv.URL, 4096)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if len(data) != len(payload) {
		t.Fatalf("expected %d bytes, got %d", len(payload), len(data))
	}
	if !strings.HasPrefix(contentType, "application/pdf") {
		t.Fatalf("unexpected content type %q", contentType)
	}

	if _, _, err := f.Download(context.Background(), srv.URL, 100); err == nil {
		t.Fatalf("expected error when body exceeds maxBytes")
	}
}

type stubFetcher struct {
	calls int32
	page  Page
	err   error
}

func (s *stubFetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.err != nil {
		return Page{}, s.err
	}
	return s.page, nil
}

type memoryCache struct {
	pages map[string]Page
	fail  bool
}

func newMemoryCache() *memoryCache {
	return &memoryCache{pages: make(map[string]Page)}
}

func (m *memoryCache) GetPage(ctx context.Context, key string) (Page, bool, error) {
	if m.fail {
		return Page{}, false, fmt.Errorf("cache unavailable")
	}
	page, ok := m.pages[key]
	return page, ok, nil
}

func (m *memoryCache) SetPage(ctx context.Context, key string, page Page, ttl time.Duration) error {
	if m.fail {
		return fmt.Errorf("cache unavailable")
	}
	m.pages[key] = page
	return nil
}

func TestCachedFetcherServesFromCache(t *testing.T) {
	stub := &stubFetcher{page: Page{URL: "https://example.com/", Text: "cached content"}}
	cache := newMemoryCache()
	f := NewCachedFetcher(stub, cache, time.Minute)

	for i := 0; i < 3; i++ {
		page, err := f.Fetch(context.Background(), "https://example.com")
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if page.Text != "cached content" {
			t.Fatalf("unexpected page %+v", page)
		}
	}
	if got := atomic.LoadInt32(&stub.calls); got != 1 {
		t.Fatalf("expected single upstream fetch, got %d", got)
	}
}

func TestCachedFetcherSurvivesCacheFailure(t *testing.T) {
	stub := &stubFetcher{page: Page{URL: "https://example.com/", Text: "fresh"}}
	cache := newMemoryCache()
	cache.fail = true
	f := NewCachedFetcher(stub, cache, time.Minute)

	page, err := f.Fetch(context.Background(), "https://example.com")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if page.Text != "fresh" {
		t.Fatalf("unexpected page %+v", page)
	}
}
