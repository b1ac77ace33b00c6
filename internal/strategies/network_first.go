package strategies

import (
	"context"
	"net/http"

	"github.com/akmlabs5/loanledger-edge/internal/cache"
	"github.com/akmlabs5/loanledger-edge/internal/logging"
	"github.com/akmlabs5/loanledger-edge/internal/upstream"
)

// OfflineAPIBody is the body of the synthesized API response served when the
// origin is unreachable and nothing is cached.
const OfflineAPIBody = `{"error":"You are currently offline. Some features may be unavailable."}`

// NetworkFirst serves API requests from the origin, writing successful
// responses through to a bounded store that answers while offline.
type NetworkFirst struct {
	fetcher upstream.Fetcher
	store   *boundedStore
}

// Name implements Strategy.
func (s *NetworkFirst) Name() string { return KindNetworkFirst.String() }

// Handle implements Strategy.
func (s *NetworkFirst) Handle(ctx context.Context, req *http.Request) (*Result, error) {
	key := cache.PartitionedKey(req)
	resp, entry, err := fetchAndSnapshot(s.fetcher, req)
	if err == nil {
		if entry != nil {
			entry.Key = key
			s.store.save(ctx, entry)
		}
		return &Result{Response: resp, Source: SourceNetwork}, nil
	}

	logging.FromContext(ctx).Debug("origin unavailable, trying api cache", "url", req.URL.String(), "error", err)
	if e, ok := s.store.match(ctx, key); ok {
		return &Result{Response: e.Response(req), Source: SourceCache}, nil
	}
	return &Result{
		Response: synthesize(req, http.StatusServiceUnavailable, "application/json", OfflineAPIBody),
		Source:   SourceOffline,
	}, nil
}
