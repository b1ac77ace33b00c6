// Package lifecycle installs and activates cache versions.
//
// Install precaches a fixed asset list into the version's static store,
// all-or-nothing. A freshly installed version waits while client sessions
// are open and activates once they have all gone, when SkipWaiting is
// called, or straight away when nothing was active before. Activation deletes
// every store that does not belong to the new version and then claims the
// open sessions.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/akmlabs5/loanledger-edge/internal/cache"
	"github.com/akmlabs5/loanledger-edge/internal/logging"
	"github.com/akmlabs5/loanledger-edge/internal/metrics"
	"github.com/akmlabs5/loanledger-edge/internal/upstream"
	"github.com/akmlabs5/loanledger-edge/internal/version"
)

// State is the worker's lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActivating State = "activating"
	StateActive     State = "active"
)

var (
	// ErrInstallFailed wraps any precache failure.
	ErrInstallFailed = errors.New("install failed")
	// ErrNotInstalled is returned by Activate when no version is waiting.
	ErrNotInstalled = errors.New("no version waiting to activate")
)

// SessionCounter reports the number of open client sessions.
type SessionCounter interface {
	Count() int
}

// Options configure a Worker.
type Options struct {
	Storage  cache.Storage
	Fetcher  upstream.Fetcher
	Sessions SessionCounter
	// Resolve turns a precache path into an absolute origin URL.
	Resolve func(path string) string
	// Precache lists the paths fetched at install.
	Precache []string
	// OnActivate runs after the sweep, before the version is reported
	// active. It claims the open sessions for version and must stop the
	// previous version from writing; stores recreated before it returns are
	// swept again.
	OnActivate func(ctx context.Context, version string) error
	// RetryInitialInterval and RetryMaxElapsed drive InstallWithRetry. A zero
	// RetryMaxElapsed retries until the context ends.
	RetryInitialInterval time.Duration
	RetryMaxElapsed      time.Duration
}

// Status is a snapshot of the worker.
type Status struct {
	State   State  `json:"state"`
	Active  string `json:"active_version,omitempty"`
	Waiting string `json:"waiting_version,omitempty"`
}

// Worker drives install and activation.
type Worker struct {
	opts Options

	installMu  sync.Mutex
	activateMu sync.Mutex

	mu      sync.Mutex
	state   State
	active  string
	waiting string
}

// New creates a Worker.
func New(opts Options) *Worker {
	if opts.Resolve == nil {
		opts.Resolve = func(p string) string { return p }
	}
	return &Worker{opts: opts, state: StateIdle}
}

// Status returns the current state.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{State: w.state, Active: w.active, Waiting: w.waiting}
}

// Active returns the active version, or "".
func (w *Worker) Active() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// Install precaches the asset list into v's static store. On success v
// either activates immediately or waits for the open sessions to go.
func (w *Worker) Install(ctx context.Context, v string) error {
	w.installMu.Lock()
	defer w.installMu.Unlock()

	log := logging.FromContext(ctx).With("version", v)
	w.setState(StateInstalling)

	entries, err := w.precache(ctx)
	if err == nil {
		err = w.store(ctx, v, entries)
	}
	if err != nil {
		metrics.InstallAttempts.WithLabelValues("failure").Inc()
		w.mu.Lock()
		w.state = w.settledState()
		w.mu.Unlock()
		return fmt.Errorf("%w: %s: %w", ErrInstallFailed, v, err)
	}
	metrics.InstallAttempts.WithLabelValues("success").Inc()

	w.mu.Lock()
	if v == w.active {
		// Reinstall of the running version only refreshes its precache.
		w.state = w.settledState()
		w.mu.Unlock()
		log.Info("cache version refreshed", "assets", len(entries))
		return nil
	}
	w.waiting = v
	w.state = StateWaiting
	first := w.active == ""
	w.mu.Unlock()

	log.Info("cache version installed", "assets", len(entries))
	if first || w.sessions() == 0 {
		return w.Activate(ctx)
	}
	log.Info("cache version waiting for client sessions to close", "sessions", w.sessions())
	return nil
}

func (w *Worker) precache(ctx context.Context) ([]*cache.Entry, error) {
	entries := make([]*cache.Entry, len(w.opts.Precache))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range w.opts.Precache {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, w.opts.Resolve(p), nil)
			if err != nil {
				return fmt.Errorf("build request for %s: %w", p, err)
			}
			req.Header.Set("User-Agent", version.UserAgent())
			resp, err := w.opts.Fetcher.Fetch(req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", p, err)
			}
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
				return fmt.Errorf("fetch %s: origin returned %d", p, resp.StatusCode)
			}
			e, err := cache.Snapshot(req, resp)
			if err != nil {
				return fmt.Errorf("read %s: %w", p, err)
			}
			entries[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (w *Worker) store(ctx context.Context, v string, entries []*cache.Entry) error {
	static, err := w.opts.Storage.Open(ctx, cache.VersionNames(v).Static)
	if err != nil {
		return fmt.Errorf("open static store: %w", err)
	}
	for _, e := range entries {
		if err := static.Put(ctx, e); err != nil {
			return fmt.Errorf("store %s: %w", e.URL, err)
		}
	}
	return nil
}

// InstallWithRetry calls Install until it succeeds, backing off
// exponentially between attempts, or until ctx ends or the retry budget is
// spent.
func (w *Worker) InstallWithRetry(ctx context.Context, v string) error {
	bo := backoff.NewExponentialBackOff()
	if w.opts.RetryInitialInterval > 0 {
		bo.InitialInterval = w.opts.RetryInitialInterval
	}
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = w.opts.RetryMaxElapsed

	log := logging.FromContext(ctx).With("version", v)
	for {
		err := w.Install(ctx, v)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		log.Warn("install failed, retrying", "error", err, "retry_in", wait.String())
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Activate promotes the waiting version: sweeps every store not named for it,
// claims the open sessions and marks it active.
func (w *Worker) Activate(ctx context.Context) error {
	w.activateMu.Lock()
	defer w.activateMu.Unlock()

	w.mu.Lock()
	v := w.waiting
	if v == "" {
		w.mu.Unlock()
		return ErrNotInstalled
	}
	w.state = StateActivating
	w.mu.Unlock()

	log := logging.FromContext(ctx).With("version", v)
	swept, err := w.sweep(ctx, cache.VersionNames(v))
	if err != nil {
		w.setState(StateWaiting)
		return fmt.Errorf("activate %s: %w", v, err)
	}
	if w.opts.OnActivate != nil {
		if err := w.opts.OnActivate(ctx, v); err != nil {
			w.setState(StateWaiting)
			return fmt.Errorf("activate %s: %w", v, err)
		}
		late, err := w.sweep(ctx, cache.VersionNames(v))
		if err != nil {
			log.Warn("second sweep after claim failed", "error", err)
		}
		swept = append(swept, late...)
	}

	w.mu.Lock()
	w.active = v
	if w.waiting == v {
		w.waiting = ""
	}
	w.state = StateActive
	w.mu.Unlock()

	metrics.Activations.Inc()
	log.Info("cache version activated", "swept_stores", swept)
	return nil
}

func (w *Worker) sweep(ctx context.Context, keep cache.Names) ([]string, error) {
	names, err := w.opts.Storage.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	swept := make([]string, 0)
	for _, name := range names {
		if keep.Contains(name) {
			continue
		}
		if _, err := w.opts.Storage.Delete(ctx, name); err != nil {
			return swept, fmt.Errorf("delete store %s: %w", name, err)
		}
		swept = append(swept, name)
	}
	return swept, nil
}

// SkipWaiting activates a waiting version now. It is a no-op when nothing
// is waiting.
func (w *Worker) SkipWaiting(ctx context.Context) error {
	err := w.Activate(ctx)
	if errors.Is(err, ErrNotInstalled) {
		return nil
	}
	return err
}

// SessionsIdle is called when the last client session closes; a waiting
// version activates.
func (w *Worker) SessionsIdle(ctx context.Context) error {
	return w.SkipWaiting(ctx)
}

// ClearAll deletes every store and returns how many were removed.
func (w *Worker) ClearAll(ctx context.Context) (int, error) {
	names, err := w.opts.Storage.Names(ctx)
	if err != nil {
		return 0, fmt.Errorf("list stores: %w", err)
	}
	cleared := 0
	for _, name := range names {
		ok, err := w.opts.Storage.Delete(ctx, name)
		if err != nil {
			return cleared, fmt.Errorf("delete store %s: %w", name, err)
		}
		if ok {
			cleared++
		}
	}
	return cleared, nil
}

func (w *Worker) sessions() int {
	if w.opts.Sessions == nil {
		return 0
	}
	return w.opts.Sessions.Count()
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// settledState must be called with w.mu held.
func (w *Worker) settledState() State {
	switch {
	case w.waiting != "":
		return StateWaiting
	case w.active != "":
		return StateActive
	default:
		return StateIdle
	}
}
