package helpers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
)

// trackingQueryParams are query parameters that never change page content.
// They are dropped during canonicalization so the same document fetched from
// two campaign links shares one cache entry and one accessed-file record.
var trackingQueryParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"gclid":        {},
	"fbclid":       {},
	"mc_cid":       {},
	"mc_eid":       {},
	"ref":          {},
	"ref_src":      {},
}

// CanonicalURL normalizes raw into a stable form: lowercased scheme and
// host, default ports and fragments removed, tracking parameters dropped and
// the remaining query sorted. A missing scheme defaults to https.
func CanonicalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("canonical url: empty input")
	}
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	} else if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("canonical url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("canonical url: missing host in %q", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			if _, tracked := trackingQueryParams[strings.ToLower(key)]; tracked {
				q.Del(key)
			}
		}
		keys := make([]string, 0, len(q))
		for key := range q {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, key := range keys {
			values := q[key]
			sort.Strings(values)
			for _, value := range values {
				if b.Len() > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(key))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(value))
			}
		}
		u.RawQuery = b.String()
	}

	if u.Path == "" {
		u.Path = "/"
	} else {
		trailingSlash := strings.HasSuffix(u.Path, "/") && u.Path != "/"
		u.Path = path.Clean(u.Path)
		if trailingSlash && u.Path != "/" {
			u.Path += "/"
		}
	}
	return u.String(), nil
}

// URLFingerprint returns a hex sha256 of the canonical form of raw, suitable
// as a cache key. Uncanonicalizable input hashes the raw string so callers
// still get a stable key.
func URLFingerprint(raw string) string {
	canonical, err := CanonicalURL(raw)
	if err != nil {
		canonical = strings.TrimSpace(raw)
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// IsAbsoluteHTTPURL reports whether raw parses as an absolute http or https
// URL with a host.
func IsAbsoluteHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
