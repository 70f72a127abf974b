// Package fetch implements the page fetch collaborator: a bounded
// same-host crawl of a council site starting from configured seed paths.
package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/opencouncil/civicdata/internal/model"
	"github.com/opencouncil/civicdata/internal/resilience"
)

const maxBodyBytes = 4 << 20

// Config bounds the crawl.
type Config struct {
	BaseURL   string
	SeedPaths []string
	MaxPages  int
	Timeout   time.Duration
	Delay     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPages <= 0 {
		c.MaxPages = 200
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Delay <= 0 {
		c.Delay = 500 * time.Millisecond
	}
	if len(c.SeedPaths) == 0 {
		c.SeedPaths = []string{"/"}
	}
	return c
}

// HTTPFetcher crawls pages breadth-first within the base host.
type HTTPFetcher struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
}

// New creates an HTTPFetcher.
func New(cfg Config) (*HTTPFetcher, error) {
	cfg = cfg.withDefaults()
	if cfg.BaseURL == "" {
		return nil, eris.New("fetch: base URL required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, eris.Wrap(err, "fetch: parse base URL")
	}
	return &HTTPFetcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Every(cfg.Delay), 1),
		retry:   resilience.DefaultRetryConfig(),
	}, nil
}

// FetchPages crawls from the seed paths, following same-host links up to
// the page limit. Individual page failures are logged and skipped.
func (f *HTTPFetcher) FetchPages(ctx context.Context) ([]model.Page, error) {
	base, err := url.Parse(f.cfg.BaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "fetch: parse base URL")
	}

	queue := make([]string, 0, len(f.cfg.SeedPaths))
	for _, p := range f.cfg.SeedPaths {
		queue = append(queue, base.ResolveReference(&url.URL{Path: p}).String())
	}

	seen := make(map[string]bool, f.cfg.MaxPages)
	var pages []model.Page

	for len(queue) > 0 && len(pages) < f.cfg.MaxPages {
		target := queue[0]
		queue = queue[1:]
		if seen[target] {
			continue
		}
		seen[target] = true

		if err := f.limiter.Wait(ctx); err != nil {
			return pages, eris.Wrap(err, "fetch: crawl interrupted")
		}

		page, links, err := f.fetchOne(ctx, target, base)
		if err != nil {
			zap.L().Warn("page fetch failed, skipping",
				zap.String("url", target), zap.Error(err))
			continue
		}
		pages = append(pages, *page)
		for _, link := range links {
			if !seen[link] {
				queue = append(queue, link)
			}
		}
	}

	zap.L().Info("crawl complete",
		zap.Int("pages", len(pages)),
		zap.Int("visited", len(seen)),
	)
	return pages, nil
}

func (f *HTTPFetcher) fetchOne(ctx context.Context, target string, base *url.URL) (*model.Page, []string, error) {
	var body []byte

	cfg := f.retry
	cfg.OnRetry = resilience.RetryLogger("fetch_page")
	err := resilience.Do(ctx, cfg, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return eris.Wrapf(err, "fetch: build request for %s", target)
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return resilience.NewTransientError(err, 0)
		}
		defer resp.Body.Close()

		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(
				eris.Errorf("fetch %s: status %d", target, resp.StatusCode),
				resp.StatusCode,
			)
		}
		if resp.StatusCode != http.StatusOK {
			return eris.Errorf("fetch %s: status %d", target, resp.StatusCode)
		}
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	html := string(body)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, nil, eris.Wrapf(err, "fetch: parse %s", target)
	}

	page := &model.Page{
		URL:   target,
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
		HTML:  html,
	}
	return page, sameHostLinks(doc, base), nil
}

// sameHostLinks extracts absolute same-host document links, dropping
// fragments and non-HTTP schemes.
func sameHostLinks(doc *goquery.Document, base *url.URL) []string {
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		u, err := url.Parse(href)
		if err != nil {
			return
		}
		resolved := base.ResolveReference(u)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}
		if resolved.Hostname() != base.Hostname() {
			return
		}
		resolved.Fragment = ""
		links = append(links, resolved.String())
	})
	return links
}
