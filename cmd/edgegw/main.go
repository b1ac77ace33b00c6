package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	edge "github.com/akmlabs5/loanledger-edge"
	"github.com/akmlabs5/loanledger-edge/internal/configwatch"
	"github.com/akmlabs5/loanledger-edge/internal/control"
	"github.com/akmlabs5/loanledger-edge/internal/logging"
	"github.com/akmlabs5/loanledger-edge/internal/ratelimit"
	"github.com/akmlabs5/loanledger-edge/internal/version"
)

// controlPrefix is where the control surface is mounted.
const controlPrefix = "/__edge"

func main() {
	cfgPath := os.Getenv("EDGE_CONFIG")
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logCloser := setupLogging(cfg.Log)
	defer func() { _ = logCloser.Close() }()

	storage, err := edge.OpenStorage(cfg)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer func() { _ = storage.Close() }()

	gw, err := edge.New(cfg, storage)
	if err != nil {
		log.Fatalf("Failed to create gateway: %v", err)
	}
	defer func() { _ = gw.Close() }()

	var limiter *ratelimit.Store
	if rl := cfg.Control.RateLimit; rl.RPS > 0 {
		limiter = ratelimit.NewStore(rl.RPS, rl.Burst)
	}
	handlers := &control.Handlers{
		Controller: gw,
		Events:     gw.Events(),
		Token:      cfg.Control.Token,
		Limiter:    limiter,
	}
	corsOrigins := cfg.CORSOrigins
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		corsOrigins = strings.Split(origins, ",")
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newRouter(gw, handlers, corsOrigins),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: client event streams stay open.
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Logger.Info("edge gateway listening",
			"addr", cfg.Listen, "origin", cfg.Origin, "version", cfg.Version,
			"storage", cfg.Storage.Driver, "build", version.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if limiter != nil {
		g.Go(func() error {
			pruneLimiter(gctx, limiter)
			return nil
		})
	}
	if cfgPath != "" {
		w, err := configwatch.New(cfgPath)
		if err != nil {
			logging.Logger.Warn("config file watching disabled", "path", cfgPath, "error", err)
		} else {
			w.OnChange(func(path string) { reloadConfig(gw, path) })
			g.Go(func() error {
				if err := w.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		}
	}

	gw.Start()

	if err := g.Wait(); err != nil {
		stop()
		log.Fatalf("Server error: %v", err) //nolint:gocritic
	}
	logging.Logger.Info("server stopped")
}

// loadConfig builds the server config from an optional file and the
// environment.
func loadConfig(path string) (edge.Config, error) {
	cfg := edge.DefaultConfig()
	if path != "" {
		loaded, err := edge.LoadConfig(path)
		if err != nil {
			return cfg, err
		}
		cfg = *loaded
	}
	edge.ApplyEnv(&cfg)
	if err := edge.ValidateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func setupLogging(lc edge.LogConfig) interface{ Close() error } {
	level := lc.Level
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	format := lc.Format
	if format == "" {
		format = os.Getenv("LOG_FORMAT")
	}
	return logging.SetupFile(level, format, logging.FileOptions{
		Path:       lc.File,
		MaxSizeMB:  lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
		MaxAgeDays: lc.MaxAgeDays,
		Compress:   lc.Compress,
	})
}

func reloadConfig(gw *edge.Gateway, path string) {
	cfg, err := loadConfig(path)
	if err != nil {
		logging.Logger.Error("config reload rejected", "path", path, "error", err)
		return
	}
	if err := gw.Reload(cfg); err != nil {
		logging.Logger.Error("config reload failed", "path", path, "error", err)
	}
}

func pruneLimiter(ctx context.Context, s *ratelimit.Store) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Prune(10 * time.Minute)
		}
	}
}

// newRouter builds the HTTP router. Everything outside /healthz, /metrics
// and the control surface goes to the gateway.
func newRouter(gw http.Handler, handlers *control.Handlers, corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route(controlPrefix, func(r chi.Router) {
		r.Use(corsMiddleware(corsOrigins...))
		r.Mount("/", handlers.Routes())
	})

	// Registered last so explicit routes take precedence.
	r.Handle("/*", gw)
	return r
}
