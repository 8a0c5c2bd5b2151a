// Package cache provides the Redis-backed page cache used by the fetch
// pipeline. Runs that revisit the same sources within a short window reuse
// cached pages instead of refetching origins.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/prospector/internal/fetch"
)

// Conn opens a Redis client and verifies the connection with a ping.
func Conn(ctx context.Context, host, port, pass string, db int, timeout time.Duration) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%s", host, port),
		DialTimeout: timeout,
		Password:    pass,
		DB:          db,
	})

	pong, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, err
	}
	if pong != "PONG" {
		return nil, fmt.Errorf("expected PONG, got %s", pong)
	}

	return client, nil
}

const pageKeyPrefix = "page:"

// PageCache stores fetched pages in Redis under fingerprint keys. It
// implements fetch.Cache.
type PageCache struct {
	client *redis.Client
}

// NewPageCache wraps an established Redis client.
func NewPageCache(client *redis.Client) *PageCache {
	return &PageCache{client: client}
}

// GetPage returns the cached page for key. A missing key is not an error.
func (c *PageCache) GetPage(ctx context.Context, key string) (fetch.Page, bool, error) {
	val, err := c.client.Get(ctx, pageKeyPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fetch.Page{}, false, nil
		}
		return fetch.Page{}, false, err
	}

	var page fetch.Page
	if err := json.Unmarshal([]byte(val), &page); err != nil {
		return fetch.Page{}, false, fmt.Errorf("decode cached page: %w", err)
	}
	return page, true, nil
}

// SetPage stores page under key for ttl.
func (c *PageCache) SetPage(ctx context.Context, key string, page fetch.Page, ttl time.Duration) error {
	data, err := json.Marshal(page)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, pageKeyPrefix+key, data, ttl).Err()
}
