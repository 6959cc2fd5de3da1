package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/driftwatch/internal/driftwatch"
	"github.com/agentworkforce/driftwatch/internal/httpapi"
)

func main() {
	addr := os.Getenv("DRIFTWATCH_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	logger := log.New(os.Stderr, "driftwatch ", log.LstdFlags)

	baseStore, err := buildBaseStoreFromEnv(logger)
	if err != nil {
		log.Fatalf("failed to initialize base store: %v", err)
	}

	buffer := driftwatch.NewEventBufferWithOptions(driftwatch.EventBufferOptions{
		MaxEvents: intEnv("DRIFTWATCH_MAX_BUFFERED_EVENTS", 0),
		Logger:    logger,
	})
	observer := driftwatch.NewObserver(driftwatch.ObserverOptions{
		StabilityWindow: durationEnv("DRIFTWATCH_STABILITY_WINDOW", 0),
		Logger:          logger,
	})
	tracker := driftwatch.NewTracker(driftwatch.TrackerOptions{
		Observer: observer,
		Buffer:   buffer,
		Logger:   logger,
	})
	projector := driftwatch.NewProjector(baseStore, buffer, logger)

	server := httpapi.NewServerWithConfig(tracker, projector, httpapi.ServerConfig{
		JWTSecret:       os.Getenv("DRIFTWATCH_JWT_SECRET"),
		RateLimitMax:    intEnv("DRIFTWATCH_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("DRIFTWATCH_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("DRIFTWATCH_MAX_BODY_BYTES", 0),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	retention := durationEnv("DRIFTWATCH_BUFFER_RETENTION", driftwatch.DefaultBufferRetention)
	pruneInterval := durationEnv("DRIFTWATCH_PRUNE_INTERVAL", 10*time.Minute)
	go runPruner(ctx, buffer, retention, pruneInterval)

	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("driftwatch listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}

	tracker.Close()
	observer.UnwatchAll()
	if closer, ok := baseStore.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

func runPruner(ctx context.Context, buffer *driftwatch.EventBuffer, retention, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			buffer.PruneStale(retention)
		}
	}
}

func buildBaseStoreFromEnv(logger driftwatch.Logger) (driftwatch.BaseStateSource, error) {
	dsn := strings.TrimSpace(os.Getenv("DRIFTWATCH_BASE_STORE_DSN"))
	if dsn == "" {
		dsn = "memory://"
	}
	return driftwatch.BuildBaseStoreFromDSN(dsn, logger)
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
