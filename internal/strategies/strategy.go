// Package strategies implements the request-caching strategies applied by the
// edge gateway.
//
// Available strategies:
//   - NetworkFirst:        origin first, cached copy or JSON 503 when offline (API).
//   - CacheFirst:          cached copy first, origin on miss (static assets).
//   - NetworkFirstOffline: origin first, cached copy, then the offline page
//     or a plain-text 503 (pages).
//
// Classify picks the strategy for a request.
package strategies

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/akmlabs5/loanledger-edge/internal/cache"
	"github.com/akmlabs5/loanledger-edge/internal/logging"
	"github.com/akmlabs5/loanledger-edge/internal/metrics"
	"github.com/akmlabs5/loanledger-edge/internal/upstream"
)

// Source tells where a response came from.
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback" // pre-cached offline document
	SourceOffline  Source = "offline"  // synthesized placeholder
)

// Result is a strategy's answer for one request.
type Result struct {
	Response *http.Response
	Source   Source
}

// Strategy decides how to answer a classified request.
type Strategy interface {
	// Name returns the strategy name used in logs, metrics and the
	// X-Edge-Strategy header.
	Name() string
	// Handle answers req, an outbound request addressed to the origin.
	Handle(ctx context.Context, req *http.Request) (*Result, error)
}

// Store roles.
const (
	RoleStatic  = "static"
	RoleDynamic = "dynamic"
	RoleAPI     = "api"
)

// boundedStore wraps a store handle with its size bound. Writers serialize
// put and trim per store so the bound holds after every write in-process.
// Once retired the store drops writes, so a request still running against a
// replaced set cannot recreate a store that activation swept.
type boundedStore struct {
	role       string
	handle     cache.Store
	maxEntries int
	mu         *sync.Mutex
	retired    bool
}

func (s *boundedStore) retire() {
	s.mu.Lock()
	s.retired = true
	s.mu.Unlock()
}

func (s *boundedStore) match(ctx context.Context, key string) (*cache.Entry, bool) {
	e, ok, err := s.handle.Match(ctx, key)
	if err != nil {
		logging.FromContext(ctx).Warn("cache lookup failed, treating as miss",
			"store", s.handle.Name(), "key", key, "error", err)
		ok = false
	}
	result := "miss"
	if ok {
		result = "hit"
	}
	metrics.CacheLookups.WithLabelValues(s.role, result).Inc()
	return e, ok
}

// save stores entry and enforces the bound. Storage failures are logged and
// swallowed: the live response is still good.
func (s *boundedStore) save(ctx context.Context, entry *cache.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := logging.FromContext(ctx)
	if s.retired {
		log.Debug("store retired, dropping write", "store", s.handle.Name(), "key", entry.Key)
		return
	}
	if err := s.handle.Put(ctx, entry); err != nil {
		log.Warn("cache write failed", "store", s.handle.Name(), "key", entry.Key, "error", err)
		return
	}
	evicted, err := cache.LimitSize(ctx, s.handle, s.maxEntries)
	if evicted > 0 {
		metrics.CacheEvictions.WithLabelValues(s.role).Add(float64(evicted))
	}
	if err != nil {
		log.Warn("cache trim failed", "store", s.handle.Name(), "error", err)
		return
	}
	if n, err := s.handle.Len(ctx); err == nil {
		metrics.CacheEntries.WithLabelValues(s.role).Set(float64(n))
	}
}

// cacheable reports whether resp to req may be written to a store: a 2xx
// other than a partial response, not varying on everything, and neither
// marked private or no-store by the origin nor sent with no-store by the
// client.
func cacheable(req *http.Request, resp *http.Response) bool {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false
	}
	if resp.StatusCode == http.StatusPartialContent {
		return false
	}
	if resp.Header.Get("Vary") == "*" {
		return false
	}
	if hasDirective(resp.Header, "no-store") || hasDirective(resp.Header, "private") {
		return false
	}
	return !hasDirective(req.Header, "no-store")
}

// hasDirective reports whether the Cache-Control header in h carries the
// named directive, with or without an argument.
func hasDirective(h http.Header, name string) bool {
	for _, line := range h.Values("Cache-Control") {
		for _, d := range strings.Split(line, ",") {
			d, _, _ = strings.Cut(strings.TrimSpace(d), "=")
			if strings.EqualFold(strings.TrimSpace(d), name) {
				return true
			}
		}
	}
	return false
}

// fetchAndSnapshot fetches req and, when the response is cacheable, captures
// it. A body read failure while capturing counts as a network failure.
func fetchAndSnapshot(fetcher upstream.Fetcher, req *http.Request) (*http.Response, *cache.Entry, error) {
	resp, err := fetcher.Fetch(req)
	if err != nil {
		return nil, nil, err
	}
	if !cacheable(req, resp) {
		return resp, nil, nil
	}
	entry, err := cache.Snapshot(req, resp)
	if err != nil {
		return nil, nil, err
	}
	return resp, entry, nil
}
