// CodeTogether sync server.
//
// Serves session documents over HTTP, fans change notifications out over
// SSE and WebSocket, and keeps presence rows fresh. With REDIS_ADDR set,
// multiple instances relay events to each other over Redis pub/sub.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/codetogether/codetogether/internal/api"
	"github.com/codetogether/codetogether/internal/config"
	"github.com/codetogether/codetogether/internal/events"
	"github.com/codetogether/codetogether/internal/logging"
	"github.com/codetogether/codetogether/internal/metrics"
	"github.com/codetogether/codetogether/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("CodeTogether server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logging.Info("connecting to PostgreSQL...")
	store, err := postgres.New(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		logging.Fatal("schema setup failed", zap.Error(err))
	}

	broadcaster := events.NewBroadcaster()

	// Optional cross-instance relay.
	if cfg.RedisAddr != "" {
		relay, err := events.NewRedisRelay(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Fatal("redis connection failed", zap.Error(err))
		}
		defer relay.Close()
		if err := relay.Start(ctx, broadcaster); err != nil {
			logging.Fatal("redis relay start failed", zap.Error(err))
		}
		broadcaster.SetRelay(relay)
		logging.Info("redis relay active", zap.String("addr", cfg.RedisAddr))
	}

	srv := api.NewServer(store, broadcaster, cfg.PresenceWindow)

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		httpServer.Close()
		metricsServer.Close()
	}()

	// Periodic DB pool metrics
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				store.UpdateConnectionMetrics()
			}
		}
	}()

	// Periodic presence reaping: rows that stopped renewing well past the
	// recency window are dropped so the participants table stays small.
	// Readers filter by last_seen anyway, so reaping lag is harmless.
	go func() {
		ticker := time.NewTicker(cfg.PresenceWindow)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-10 * cfg.PresenceWindow)
				if n, err := store.PurgeStaleParticipants(ctx, cutoff); err != nil {
					logging.Error("participant purge failed", zap.Error(err))
				} else if n > 0 {
					logging.Info("purged stale participants", zap.Int64("count", n))
				}
			}
		}
	}()

	// Periodic collaboration-event-log retention
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-cfg.EventRetention)
				if n, err := store.PurgeEventsBefore(ctx, cutoff); err != nil {
					logging.Error("event purge failed", zap.Error(err))
				} else if n > 0 {
					logging.Info("purged old collaboration events", zap.Int64("count", n))
				}
			}
		}
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}
