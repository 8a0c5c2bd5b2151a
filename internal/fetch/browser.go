package fetch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"

	"github.com/mohammad-safakhou/prospector/internal/helpers"
)

// BrowserFetcher renders pages in a long-lived headless Chrome before
// extraction, for origins that build their content client side. Construct
// once, call Fetch per URL and Close on shutdown.
type BrowserFetcher struct {
	allocCtx  context.Context
	cancelAll context.CancelFunc
	brCtx     context.Context
	cancelBr  context.CancelFunc

	userAgent string
	timeout   time.Duration
	maxChars  int
}

// NewBrowserFetcher starts a reusable headless browser.
func NewBrowserFetcher(timeout time.Duration, maxChars int, userAgent string) (*BrowserFetcher, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if strings.TrimSpace(userAgent) == "" {
		userAgent = DefaultUserAgent
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(userAgent),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	bctx, cancelBr := chromedp.NewContext(actx)

	return &BrowserFetcher{
		allocCtx:  actx,
		cancelAll: cancelAlloc,
		brCtx:     bctx,
		cancelBr:  cancelBr,
		userAgent: userAgent,
		timeout:   timeout,
		maxChars:  maxChars,
	}, nil
}

// Close tears down Chrome resources.
func (f *BrowserFetcher) Close() {
	if f.cancelBr != nil {
		f.cancelBr()
	}
	if f.cancelAll != nil {
		f.cancelAll()
	}
}

// Fetch navigates to rawURL, waits for the body and returns the rendered,
// sanitized page.
func (f *BrowserFetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	canonical, err := helpers.CanonicalURL(rawURL)
	if err != nil {
		return Page{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	t0 := time.Now()
	html, err := f.outerHTML(ctx, canonical)
	if err != nil {
		return Page{}, fmt.Errorf("render %s: %w", canonical, err)
	}

	page := Page{
		URL:       canonical,
		HTML:      helpers.SanitizeHTMLForModel(html),
		Status:    200,
		FetchedAt: t0,
		ElapsedMS: int(time.Since(t0) / time.Millisecond),
	}
	if article, err := readability.FromReader(strings.NewReader(html), mustParseURL(canonical)); err == nil {
		page.Title = strings.TrimSpace(article.Title)
		page.Text = strings.TrimSpace(article.TextContent)
	}
	if page.Text == "" {
		page.Text = helpers.CollapseWhitespace(helpers.SanitizeHTMLStrict(html))
	}
	if len(page.Text) > f.maxChars {
		page.Text = page.Text[:f.maxChars]
	}
	return page, nil
}

func (f *BrowserFetcher) outerHTML(ctx context.Context, link string) (string, error) {
	runCtx, cancel := context.WithCancel(f.brCtx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	var html string
	err := chromedp.Run(runCtx,
		chromedp.Navigate(link),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}
