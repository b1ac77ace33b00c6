// Package edge is an HTTP caching gateway that sits in front of a web
// application and applies offline-first caching policies to its traffic.
//
// Requests are classified into one of three strategies: network-first for
// the API, cache-first for static assets and network-first with an offline
// fallback for pages. Responses are stored in versioned, FIFO-bounded stores
// that are precached on install and swept on activation of a new version.
//
// The Gateway type is the main entry point: create one with New, start the
// install of the configured version with Start, and serve traffic through
// its ServeHTTP method. Configuration is described by [Config] and can be
// loaded from a YAML or JSON file with [LoadConfig].
package edge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/akmlabs5/loanledger-edge/internal/bgsync"
	"github.com/akmlabs5/loanledger-edge/internal/cache"
	"github.com/akmlabs5/loanledger-edge/internal/clients"
	"github.com/akmlabs5/loanledger-edge/internal/control"
	"github.com/akmlabs5/loanledger-edge/internal/lifecycle"
	"github.com/akmlabs5/loanledger-edge/internal/logging"
	"github.com/akmlabs5/loanledger-edge/internal/metrics"
	"github.com/akmlabs5/loanledger-edge/internal/strategies"
	"github.com/akmlabs5/loanledger-edge/internal/upstream"
)

// Response headers set on every routed response.
const (
	HeaderCache    = "X-Edge-Cache"
	HeaderStrategy = "X-Edge-Strategy"
)

// Gateway routes requests through the caching strategies of the active
// cache version.
type Gateway struct {
	mu     sync.RWMutex
	config Config
	set    *strategies.Set

	storage cache.Storage
	client  *upstream.Client
	proxy   http.Handler
	hub     *clients.Hub
	worker  *lifecycle.Worker
	sync    *bgsync.Manager
	limits  strategies.Limits

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ control.Controller = (*Gateway)(nil)

// New creates a Gateway for cfg backed by storage. cfg must pass
// ValidateConfig. Nothing is installed until Start or Install is called;
// until a version is active every request passes straight to the origin.
func New(cfg Config, storage cache.Storage) (*Gateway, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if storage == nil {
		return nil, errors.New("storage is required")
	}

	timeout, _ := parseDuration(cfg.Upstream.Timeout)
	opts := upstream.Options{Timeout: timeout}
	if cb := cfg.Upstream.CircuitBreaker; cb.Enabled {
		cooldown, _ := parseDuration(cb.Timeout)
		opts.Breaker = upstream.NewBreaker(cb.FailureThreshold, cb.SuccessThreshold, cooldown)
	}
	client, err := upstream.New(cfg.Origin, opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		config:  cfg,
		storage: storage,
		client:  client,
		proxy:   client.Proxy(),
		hub:     clients.NewHub(),
		limits: strategies.Limits{
			API:     cfg.Stores.APIMaxEntries,
			Dynamic: cfg.Stores.DynamicMaxEntries,
		},
		baseCtx: ctx,
		cancel:  cancel,
	}

	if cfg.BackgroundSync.Enabled {
		g.sync = bgsync.NewManagerFromRegistry()
	} else {
		g.sync = bgsync.NewManager()
	}

	initial, _ := parseDuration(cfg.Install.InitialInterval)
	maxElapsed, _ := parseDuration(cfg.Install.MaxElapsed)
	g.worker = lifecycle.New(lifecycle.Options{
		Storage:              storage,
		Fetcher:              client,
		Sessions:             g.hub,
		Resolve:              client.URL,
		Precache:             cfg.Precache,
		OnActivate:           g.claim,
		RetryInitialInterval: initial,
		RetryMaxElapsed:      maxElapsed,
	})

	g.hub.OnIdle(func() {
		if g.baseCtx.Err() != nil {
			return
		}
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			if err := g.worker.SessionsIdle(g.baseCtx); err != nil {
				logging.Logger.Error("activation after last session closed failed", "error", err)
			}
		}()
	})

	return g, nil
}

// Config returns a copy of the gateway's configuration.
func (g *Gateway) Config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.config
}

// Hub returns the client session hub.
func (g *Gateway) Hub() *clients.Hub { return g.hub }

// Events returns the handler serving the client session stream.
func (g *Gateway) Events() http.Handler {
	return &clients.StreamHandler{Hub: g.hub, Version: g.worker.Active}
}

// Start installs the configured version in the background, retrying with
// backoff until it succeeds or the gateway is closed.
func (g *Gateway) Start() {
	g.installAsync(g.Config().Version)
}

func (g *Gateway) installAsync(v string) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx := logging.WithTraceID(g.baseCtx, logging.NewTraceID())
		if err := g.worker.InstallWithRetry(ctx, v); err != nil && !errors.Is(err, context.Canceled) {
			logging.Logger.Error("cache version install abandoned", "version", v, "error", err)
		}
	}()
}

// Install installs the configured version synchronously, without retries.
func (g *Gateway) Install(ctx context.Context) error {
	return g.worker.Install(ctx, g.Config().Version)
}

// Reload applies a changed configuration. A new version starts installing;
// it waits for open sessions before it activates. Other fields take effect
// on restart.
func (g *Gateway) Reload(cfg Config) error {
	if err := ValidateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	g.mu.Lock()
	prev := g.config.Version
	g.config.Version = cfg.Version
	g.mu.Unlock()

	if cfg.Version == prev {
		logging.Logger.Debug("config reloaded, cache version unchanged", "version", prev)
		return nil
	}
	logging.Logger.Info("cache version changed, installing", "from", prev, "to", cfg.Version)
	g.installAsync(cfg.Version)
	return nil
}

// Close stops background work. The storage is not closed.
func (g *Gateway) Close() error {
	g.cancel()
	g.wg.Wait()
	return nil
}

// claim binds the strategies to v's stores, retires the previous set and
// tells every open session the new version is in control.
func (g *Gateway) claim(ctx context.Context, v string) error {
	set, err := strategies.NewSet(ctx, g.storage, g.client, v, g.limits, g.client.URL(g.Config().OfflinePage))
	if err != nil {
		return err
	}
	g.mu.Lock()
	prev := g.set
	g.set = set
	g.mu.Unlock()
	if prev != nil && prev.Version() != v {
		prev.Retire()
	}

	n, err := g.hub.Broadcast(ctx, clients.Message{Type: clients.NoticeControllerChanged, Version: v})
	if err != nil {
		logging.FromContext(ctx).Warn("controller change not delivered to every session", "delivered", n, "error", err)
	}
	return nil
}

func (g *Gateway) activeSet() *strategies.Set {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.set
}

// ServeHTTP routes r through the strategy its classification selects.
// Requests that bypass caching, and every request while no version is
// active, stream straight to the origin.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	out := g.client.Outbound(r)
	kind := strategies.Classify(out)

	set := g.activeSet()
	var st strategies.Strategy
	if set != nil {
		st, _ = set.For(kind)
	}
	if st == nil {
		metrics.RequestsTotal.WithLabelValues(strategies.KindBypass.String(), "bypass").Inc()
		g.proxy.ServeHTTP(w, r)
		metrics.RequestDuration.WithLabelValues(strategies.KindBypass.String()).Observe(time.Since(start).Seconds())
		return
	}

	ctx := r.Context()
	log := logging.FromContext(ctx)
	res, err := st.Handle(ctx, out)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(st.Name(), "error").Inc()
		metrics.RequestDuration.WithLabelValues(st.Name()).Observe(time.Since(start).Seconds())
		log.Warn("origin request failed", "path", r.URL.Path, "strategy", st.Name(), "error", err)
		w.Header().Set(HeaderStrategy, st.Name())
		http.Error(w, "origin error: "+err.Error(), http.StatusBadGateway)
		return
	}

	resp := res.Response
	defer func() { _ = resp.Body.Close() }()
	for k, vs := range resp.Header {
		w.Header()[k] = append([]string(nil), vs...)
	}
	w.Header().Set(HeaderCache, cacheHeader(res.Source))
	w.Header().Set(HeaderStrategy, st.Name())
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Debug("response copy interrupted", "path", r.URL.Path, "error", err)
	}

	metrics.RequestsTotal.WithLabelValues(st.Name(), string(res.Source)).Inc()
	metrics.RequestDuration.WithLabelValues(st.Name()).Observe(time.Since(start).Seconds())
}

func cacheHeader(src strategies.Source) string {
	switch src {
	case strategies.SourceCache:
		return "HIT"
	case strategies.SourceFallback, strategies.SourceOffline:
		return "OFFLINE"
	default:
		return "MISS"
	}
}

// SkipWaiting activates a waiting version now.
func (g *Gateway) SkipWaiting(ctx context.Context) error {
	return g.worker.SkipWaiting(ctx)
}

// ClearCache deletes every store and then tells every open session.
func (g *Gateway) ClearCache(ctx context.Context) (int, error) {
	n, err := g.worker.ClearAll(ctx)
	if err != nil {
		return n, err
	}
	delivered, err := g.hub.Broadcast(ctx, clients.Message{Type: clients.NoticeCacheCleared})
	if err != nil {
		return n, fmt.Errorf("broadcast %s: %w", clients.NoticeCacheCleared, err)
	}
	logging.FromContext(ctx).Info("caches cleared", "stores", n, "sessions_notified", delivered)
	return n, nil
}

// Status reports the lifecycle state.
func (g *Gateway) Status(_ context.Context) control.Status {
	ws := g.worker.Status()
	st := control.Status{
		ConfiguredVersion: g.Config().Version,
		State:             string(ws.State),
		ActiveVersion:     ws.Active,
		WaitingVersion:    ws.Waiting,
		Sessions:          g.hub.Count(),
		SyncTags:          g.sync.Tags(),
	}
	if b := g.client.Breaker(); b != nil {
		st.OriginCircuit = b.State().String()
	}
	return st
}

// Stores lists every store with its size, in creation order.
func (g *Gateway) Stores(ctx context.Context) ([]control.StoreInfo, error) {
	names, err := g.storage.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	var current cache.Names
	if set := g.activeSet(); set != nil {
		current = set.Names()
	}
	out := make([]control.StoreInfo, 0, len(names))
	for _, name := range names {
		s, err := g.storage.Open(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("open store %s: %w", name, err)
		}
		n, err := s.Len(ctx)
		if err != nil {
			return nil, fmt.Errorf("count store %s: %w", name, err)
		}
		out = append(out, control.StoreInfo{
			Name:    name,
			Entries: n,
			Current: current.Static != "" && current.Contains(name),
		})
	}
	return out, nil
}

// Sync runs the background-sync task registered under tag.
func (g *Gateway) Sync(ctx context.Context, tag string) error {
	return g.sync.Trigger(ctx, strings.TrimSpace(tag))
}
