package strategies

import (
	"context"
	"net/http"

	"github.com/akmlabs5/loanledger-edge/internal/cache"
	"github.com/akmlabs5/loanledger-edge/internal/upstream"
)

// CacheFirst serves static assets from the store without revalidation. A
// miss goes to the origin; origin failures propagate to the caller.
type CacheFirst struct {
	fetcher upstream.Fetcher
	store   *boundedStore
}

// Name implements Strategy.
func (s *CacheFirst) Name() string { return KindCacheFirst.String() }

// Handle implements Strategy.
func (s *CacheFirst) Handle(ctx context.Context, req *http.Request) (*Result, error) {
	if e, ok := s.store.match(ctx, cache.RequestKey(req)); ok {
		return &Result{Response: e.Response(req), Source: SourceCache}, nil
	}

	resp, entry, err := fetchAndSnapshot(s.fetcher, req)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		s.store.save(ctx, entry)
	}
	return &Result{Response: resp, Source: SourceNetwork}, nil
}
