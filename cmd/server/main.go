// Package main is the entrypoint for the slotcast API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/slotcast/internal/api"
	mw "github.com/kiranshivaraju/slotcast/internal/api/middleware"
	"github.com/kiranshivaraju/slotcast/internal/api/response"
	"github.com/kiranshivaraju/slotcast/internal/approval"
	"github.com/kiranshivaraju/slotcast/internal/arbitration"
	"github.com/kiranshivaraju/slotcast/internal/broadcast"
	"github.com/kiranshivaraju/slotcast/internal/cache"
	"github.com/kiranshivaraju/slotcast/internal/config"
	"github.com/kiranshivaraju/slotcast/internal/dispatch"
	"github.com/kiranshivaraju/slotcast/internal/inbound"
	"github.com/kiranshivaraju/slotcast/internal/metrics"
	"github.com/kiranshivaraju/slotcast/internal/store"
	"github.com/kiranshivaraju/slotcast/internal/sweep"
	"github.com/prometheus/client_golang/prometheus"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "transport", cfg.Transport.Provider, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Approval queue
	publisher, closePublisher, err := newPublisher(cfg.AMQP)
	if err != nil {
		return fmt.Errorf("connect approval queue: %w", err)
	}
	defer closePublisher()

	// 6. Core services
	pgStore := store.NewPostgresStore(pool)
	recorder, err := metrics.NewProm(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	dispatcher := dispatch.New(pgStore, newTransport(cfg.Transport),
		dispatch.WithCache(redisCache),
		dispatch.WithMetrics(recorder),
	)
	slots := broadcast.NewService(pgStore, dispatcher, recorder, nil)
	engine := arbitration.NewEngine(pgStore, publisher, recorder, nil)
	processor := inbound.NewProcessor(pgStore, engine, dispatcher, nil)

	// 7. Periodic sweeps
	sweeper, err := sweep.NewFromConfig(cfg.Sweep, slots, dispatcher, recorder, nil)
	if err != nil {
		return fmt.Errorf("configure sweeps: %w", err)
	}
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start sweeps: %w", err)
	}
	defer sweeper.Stop()

	// 8. Build router with dependencies
	checks := []healthCheck{
		{name: "database", ping: pgStore.Ping},
		{name: "cache", ping: redisCache.Ping},
	}
	if p, ok := publisher.(*approval.AMQPPublisher); ok {
		checks = append(checks, healthCheck{name: "approval_queue", ping: p.Ping})
	}

	router := api.NewRouter(api.Dependencies{
		Auth:           mw.NewAuth(pgStore, nil),
		RateLimit:      mw.NewRateLimit(redisCache, cfg.RateLimit.PerMinute, nil),
		WebhookSecret:  cfg.Webhook.Secret,
		HealthHandler:  healthHandler(checks...),
		MetricsHandler: metrics.Handler(nil),
		Slots:          slots,
		Bookings:       slots,
		Waitlist:       pgStore,
		Inbound:        processor,
	})

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// newTransport builds the outbound sender: one provider for every channel, throttled to
// the configured rate.
func newTransport(cfg config.TransportConfig) dispatch.Transport {
	var provider dispatch.Transport
	switch cfg.Provider {
	case "http":
		provider = dispatch.NewHTTPTransport(cfg.BaseURL, cfg.APIKey, cfg.Timeout)
	default:
		provider = dispatch.NewLogTransport(nil)
	}
	return dispatch.NewThrottled(dispatch.NewRouter(provider), cfg.RatePerSec)
}

// newPublisher connects to RabbitMQ when configured and falls back to logging events.
func newPublisher(cfg config.AMQPConfig) (approval.Publisher, func(), error) {
	if cfg.URL == "" {
		slog.Info("no AMQP_URL set, approval events will be logged only")
		return approval.NewLogPublisher(nil), func() {}, nil
	}
	p, err := approval.NewAMQPPublisher(cfg.URL, cfg.Exchange)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("approval queue connected", "exchange", cfg.Exchange)
	return p, func() {
		if err := p.Close(); err != nil {
			slog.Warn("closing approval queue", "error", err)
		}
	}, nil
}

type healthCheck struct {
	name string
	ping func(context.Context) error
}

// healthHandler reports each dependency as ok or degraded.
func healthHandler(checks ...healthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		services := make(map[string]string, len(checks))
		degraded := false
		for _, c := range checks {
			services[c.name] = "ok"
			if err := c.ping(r.Context()); err != nil {
				services[c.name] = "degraded"
				degraded = true
			}
		}

		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", services)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": services,
		})
	}
}
