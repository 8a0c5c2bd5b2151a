package fetch

import (
	"context"
	"log"
	"time"

	"github.com/mohammad-safakhou/prospector/internal/helpers"
)

// Cache stores fetched pages keyed by URL fingerprint. Implementations must
// be safe for concurrent use.
type Cache interface {
	GetPage(ctx context.Context, key string) (Page, bool, error)
	SetPage(ctx context.Context, key string, page Page, ttl time.Duration) error
}

// CachedFetcher wraps a Fetcher with a page cache. Within one research run
// the same URL is often requested by several tool calls; the cache keeps
// those from refetching the origin. Cache failures are logged and the fetch
// proceeds uncached.
type CachedFetcher struct {
	inner  Fetcher
	cache  Cache
	ttl    time.Duration
	logger *log.Logger
}

// NewCachedFetcher decorates inner with cache lookups using the given TTL.
func NewCachedFetcher(inner Fetcher, cache Cache, ttl time.Duration) *CachedFetcher {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &CachedFetcher{
		inner:  inner,
		cache:  cache,
		ttl:    ttl,
		logger: log.New(log.Writer(), "[FETCH] ", log.LstdFlags),
	}
}

// Fetch returns the cached page for rawURL when present, otherwise fetches
// and stores it.
func (f *CachedFetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	key := helpers.URLFingerprint(rawURL)

	if page, ok, err := f.cache.GetPage(ctx, key); err != nil {
		f.logger.Printf("cache get failed for %s: %v", rawURL, err)
	} else if ok {
		return page, nil
	}

	page, err := f.inner.Fetch(ctx, rawURL)
	if err != nil {
		return Page{}, err
	}
	if !page.Empty() {
		if err := f.cache.SetPage(ctx, key, page, f.ttl); err != nil {
			f.logger.Printf("cache set failed for %s: %v", rawURL, err)
		}
	}
	return page, nil
}
