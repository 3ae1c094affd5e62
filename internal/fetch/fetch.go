// Package fetch implements the image fetcher (spec §4.2): per-URL download
// with a configurable timeout, a fixed user agent, and a bounded worker pool
// for batch fetches, delegating caching to internal/cache. Grounded on the
// teacher's downloadImage/downloadAllImages (pkg/wallpaper/downloader.go),
// generalized from the teacher's per-query goroutine-per-job pattern to
// golang.org/x/sync/errgroup's bounded-concurrency form, since this service
// has no per-query structure to key worker count off.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/infernokun/inferno-comics-matcher/internal/cache"
	"github.com/infernokun/inferno-comics-matcher/internal/xlog"
)

const userAgent = "inferno-comics-matcher/1.0 (+https://github.com/infernokun)"

// MaxImageBytes bounds a single downloaded image to guard against a
// misbehaving upstream server.
const MaxImageBytes = 25 * 1024 * 1024

// Fetcher downloads comic cover images, caching bytes via the shared Store.
type Fetcher struct {
	Client  *http.Client
	Cache   *cache.Store
	Timeout time.Duration
	Workers int
}

// New returns a Fetcher with the given cache, timeout, and worker count.
func New(c *cache.Store, timeout time.Duration, workers int) *Fetcher {
	if workers <= 0 {
		workers = 4
	}
	return &Fetcher{
		Client:  &http.Client{},
		Cache:   c,
		Timeout: timeout,
		Workers: workers,
	}
}

// Outcome is the result of fetching a single URL.
type Outcome struct {
	URL     string
	Data    []byte
	CacheHit bool
	Err     error
}

// FetchOne downloads url, preferring a cache hit, and caches a fresh
// download on success.
func (f *Fetcher) FetchOne(ctx context.Context, url string) Outcome {
	if f.Cache != nil {
		if _, data, ok, err := f.Cache.GetImage(ctx, url); err == nil && ok {
			return Outcome{URL: url, Data: data, CacheHit: true}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Outcome{URL: url, Err: fmt.Errorf("building request: %w", err)}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.Client.Do(req)
	if err != nil {
		return Outcome{URL: url, Err: fmt.Errorf("downloading %s: %w", url, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Outcome{URL: url, Err: fmt.Errorf("downloading %s: status %d", url, resp.StatusCode)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageBytes))
	if err != nil {
		return Outcome{URL: url, Err: fmt.Errorf("reading body for %s: %w", url, err)}
	}

	if f.Cache != nil {
		if err := f.Cache.PutImage(ctx, url, data); err != nil {
			xlog.Printf("fetch: failed to cache %s: %v", url, err)
		}
	}

	return Outcome{URL: url, Data: data}
}

// FetchBatch downloads all urls concurrently, bounded by f.Workers. It does
// not fail fast: every URL is attempted and its own Outcome records success
// or failure independently (spec §4.2 non-fail-fast semantics). Duplicate
// URLs are coalesced so each unique URL downloads at most once.
func (f *Fetcher) FetchBatch(ctx context.Context, urls []string) map[string]Outcome {
	unique := make([]string, 0, len(urls))
	seen := make(map[string]bool, len(urls))
	for _, u := range urls {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		unique = append(unique, u)
	}

	results := make(map[string]Outcome, len(unique))
	resultChan := make(chan Outcome, len(unique))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.Workers)

	for _, u := range unique {
		url := u
		g.Go(func() error {
			resultChan <- f.FetchOne(gctx, url)
			return nil
		})
	}

	// errgroup's first non-nil return would cancel gctx; FetchOne never
	// returns an error through g.Go (failures are carried in Outcome), so
	// Wait only blocks for completion here.
	_ = g.Wait()
	close(resultChan)

	for r := range resultChan {
		results[r.URL] = r
	}
	return results
}
