package strategies

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/akmlabs5/loanledger-edge/internal/cache"
	"github.com/akmlabs5/loanledger-edge/internal/logging"
	"github.com/akmlabs5/loanledger-edge/internal/upstream"
)

// OfflineTextBody is served for non-navigation misses while offline.
const OfflineTextBody = "Offline - Content not available"

// NetworkFirstOffline serves pages from the origin with a bounded write-through
// store, degrading to the pre-cached offline document for navigations.
type NetworkFirstOffline struct {
	fetcher    upstream.Fetcher
	store      *boundedStore
	static     *boundedStore
	offlineKey string
}

// Name implements Strategy.
func (s *NetworkFirstOffline) Name() string { return KindNetworkFirstOffline.String() }

// Handle implements Strategy.
func (s *NetworkFirstOffline) Handle(ctx context.Context, req *http.Request) (*Result, error) {
	key := cache.PartitionedKey(req)
	resp, entry, err := fetchAndSnapshot(s.fetcher, req)
	if err == nil {
		if entry != nil {
			entry.Key = key
			s.store.save(ctx, entry)
		}
		return &Result{Response: resp, Source: SourceNetwork}, nil
	}

	log := logging.FromContext(ctx)
	log.Debug("origin unavailable, trying page cache", "url", req.URL.String(), "error", err)
	if e, ok := s.store.match(ctx, key); ok {
		return &Result{Response: e.Response(req), Source: SourceCache}, nil
	}

	if IsNavigation(req) {
		if e, ok := s.static.match(ctx, s.offlineKey); ok {
			return &Result{Response: e.Response(req), Source: SourceFallback}, nil
		}
		log.Warn("offline document missing from static store", "key", s.offlineKey)
	}
	return &Result{
		Response: synthesize(req, http.StatusServiceUnavailable, "text/plain", OfflineTextBody),
		Source:   SourceOffline,
	}, nil
}

func synthesize(req *http.Request, status int, contentType, body string) *http.Response {
	h := make(http.Header)
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
