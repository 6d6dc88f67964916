// Command stage runs the Stage coordination server: the WebSocket room
// manager plus its upload, health, and metrics HTTP edge.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/crptk/audiolyze/internal/cache"
	"github.com/crptk/audiolyze/internal/collab"
	"github.com/crptk/audiolyze/internal/config"
	"github.com/crptk/audiolyze/internal/health"
	"github.com/crptk/audiolyze/internal/httpapi"
	"github.com/crptk/audiolyze/internal/logging"
	"github.com/crptk/audiolyze/internal/ratelimit"
	"github.com/crptk/audiolyze/internal/stage"
	"github.com/crptk/audiolyze/internal/tracing"
	"github.com/crptk/audiolyze/internal/upload"
)

func main() {
	for _, path := range []string{".env.local", ".env"} {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		os.Exit(1)
	}

	ctx := context.Background()

	tp, err := tracing.InitTracer(ctx, "audiolyze-stage", cfg.OtelCollectorAddr)
	if err != nil {
		logging.Error(ctx, "failed to initialize tracer")
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	var redisClient *redis.Client
	var downloadCache *cache.DownloadCache
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		downloadCache = cache.NewRedis(redisClient)
	} else {
		downloadCache = cache.NewInMemory()
	}

	uploadStore, err := upload.NewStore(cfg.UploadDir, "/rooms/uploads")
	if err != nil {
		logging.Error(ctx, "failed to initialize upload store")
		os.Exit(1)
	}

	collabClient := collab.New(cfg)

	registry := stage.NewRegistry()
	hub := stage.NewHub(registry, uploadStore, cfg.CleanupGracePeriod)
	prefetch := stage.NewPrefetchManager(hub, collabClient, downloadCache, cfg.DownloadTimeout)
	hub.SetPrefetchManager(prefetch)

	limiter, err := ratelimit.New(cfg, redisClient)
	if err != nil {
		logging.Error(ctx, "failed to initialize rate limiter")
		os.Exit(1)
	}
	dispatcher := stage.NewDispatcher(hub, limiter, collabClient)

	healthHandler := health.NewHandler(downloadCache)

	router := httpapi.New(httpapi.Deps{
		Config:     cfg,
		Hub:        hub,
		Dispatcher: dispatcher,
		Uploads:    uploadStore,
		Health:     healthHandler,
		Limiter:    limiter,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "stage server listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(ctx, "server error")
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logging.Info(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "graceful shutdown failed")
	}
}
