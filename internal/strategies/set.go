package strategies

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/akmlabs5/loanledger-edge/internal/cache"
	"github.com/akmlabs5/loanledger-edge/internal/upstream"
)

// Limits are the per-store entry bounds. Zero or negative means unbounded.
type Limits struct {
	API     int
	Dynamic int
}

// DefaultLimits are the production bounds.
var DefaultLimits = Limits{API: 50, Dynamic: 100}

// Set holds the strategies bound to one cache version's stores.
type Set struct {
	version string
	names   cache.Names
	byKind  map[Kind]Strategy
	stores  []*boundedStore
}

// NewSet opens the stores for version and builds its strategies. offlineURL
// is the absolute origin URL of the offline document in the static store.
func NewSet(ctx context.Context, storage cache.Storage, fetcher upstream.Fetcher, version string, limits Limits, offlineURL string) (*Set, error) {
	names := cache.VersionNames(version)
	open := func(role, name string, maxEntries int) (*boundedStore, error) {
		h, err := storage.Open(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("open %s store %s: %w", role, name, err)
		}
		return &boundedStore{role: role, handle: h, maxEntries: maxEntries, mu: &sync.Mutex{}}, nil
	}

	static, err := open(RoleStatic, names.Static, 0)
	if err != nil {
		return nil, err
	}
	dynamic, err := open(RoleDynamic, names.Dynamic, limits.Dynamic)
	if err != nil {
		return nil, err
	}
	api, err := open(RoleAPI, names.API, limits.API)
	if err != nil {
		return nil, err
	}

	return &Set{
		version: version,
		names:   names,
		stores:  []*boundedStore{static, dynamic, api},
		byKind: map[Kind]Strategy{
			KindNetworkFirst: &NetworkFirst{fetcher: fetcher, store: api},
			KindCacheFirst:   &CacheFirst{fetcher: fetcher, store: static},
			KindNetworkFirstOffline: &NetworkFirstOffline{
				fetcher:    fetcher,
				store:      dynamic,
				static:     static,
				offlineKey: cache.Key(http.MethodGet, offlineURL),
			},
		},
	}, nil
}

// Version returns the cache version the set serves.
func (s *Set) Version() string { return s.version }

// Names returns the set's store names.
func (s *Set) Names() cache.Names { return s.names }

// Retire stops every store of the set from accepting writes. Reads keep
// working. It waits for writes already in progress to finish.
func (s *Set) Retire() {
	for _, st := range s.stores {
		st.retire()
	}
}

// For returns the strategy for kind. KindBypass has none.
func (s *Set) For(kind Kind) (Strategy, bool) {
	st, ok := s.byKind[kind]
	return st, ok
}
