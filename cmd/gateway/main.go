package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/mrmushfiq/llm0-gateway/internal/core/admission"
	"github.com/mrmushfiq/llm0-gateway/internal/core/keystore"
	"github.com/mrmushfiq/llm0-gateway/internal/core/ratelimit"
	"github.com/mrmushfiq/llm0-gateway/internal/core/recorder"
	"github.com/mrmushfiq/llm0-gateway/internal/core/scheduler"
	"github.com/mrmushfiq/llm0-gateway/internal/core/session"
	"github.com/mrmushfiq/llm0-gateway/internal/core/usage"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/handlers"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/bootstrap"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/config"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/logger"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/metrics"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/pricing"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/redis"
)

// platformRoute bundles everything one platform's relay route needs, built
// once per platform in the loop below. A platform can mount under more than
// one URL prefix: spec.md §6 names `/api` as the platform-agnostic alias
// for the Claude relay alongside the dedicated `/claude` prefix, mirroring
// the teacher's original generic relay mount.
type platformRoute struct {
	platform models.Platform
	prefixes []string // URL mount points, e.g. "/claude", "/api"
	variants []models.AccountVariant
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLog := logger.New()
	appLog.Info("Starting LLM Gateway on port %s (env: %s)", cfg.Port, cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	appLog.Info("connected to PostgreSQL")

	redisClient, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	appLog.Info("connected to Redis")

	store := keystore.New(redisClient, db)

	priceTable, err := pricing.Load(cfg.PriceTablePath, appLog)
	if err != nil {
		log.Fatalf("Failed to load price table: %v", err)
	}
	watchStop := make(chan struct{})
	go priceTable.Watch(cfg.CleanupInterval, watchStop)

	metricsRegistry := metrics.NewRegistry()

	counters := usage.New(store)
	limiter := ratelimit.New(store)
	admitter := admission.New(store, limiter, counters, appLog, cfg.KeySecretPrefix, cfg.GlobalPepper, cfg.DefaultRateLimit)
	admitter.SetMetrics(metricsRegistry)
	rec := recorder.New(store, counters, priceTable, metricsRegistry, appLog)
	providerMgr := providers.NewManager()
	cacheService := cache.New(redisClient, cfg.CacheEnabled, time.Duration(cfg.CacheTTLSeconds)*time.Second)

	if err := bootstrap.Apply(ctx, cfg.AdminBootstrapPath, store, admitter); err != nil {
		log.Fatalf("Failed to apply admin bootstrap: %v", err)
	}
	appLog.Info("admin bootstrap applied")

	mw := handlers.NewMiddleware(admitter)
	statsHandler := handlers.NewStatsHandler(store, admitter)

	routes := []platformRoute{
		{platform: models.PlatformClaude, prefixes: []string{"/claude", "/api"}, variants: []models.AccountVariant{models.VariantClaudeOAuth, models.VariantClaudeConsole}},
		{platform: models.PlatformOpenAI, prefixes: []string{"/openai"}, variants: []models.AccountVariant{models.VariantOpenAI}},
		{platform: models.PlatformGemini, prefixes: []string{"/gemini"}, variants: []models.AccountVariant{models.VariantGemini}},
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(cfg.ServerTimeout))
	r.Use(mw.CORSMiddleware)

	r.Get("/health", handlers.HandleHealth)
	r.Handle("/metrics", metricsRegistry.Handler())

	r.Route("/apiStats/api", func(r chi.Router) {
		r.Post("/get-key-id", statsHandler.HandleGetKeyID)
		r.Post("/user-stats", statsHandler.HandleUserStats)
		r.Post("/user-model-stats", statsHandler.HandleUserModelStats)
	})

	for _, route := range routes {
		sessions := session.New(store, sessionNamespace(route.platform), cfg.SessionTTL)
		sched := scheduler.New(store, sessions, appLog, route.platform, route.variants)
		chatHandler := handlers.NewChatHandler(route.platform, admitter, sched, limiter, store, providerMgr, rec, cacheService, metricsRegistry, appLog)

		for _, prefix := range route.prefixes {
			r.Route(prefix, func(r chi.Router) {
				r.Use(mw.Auth(route.platform))
				r.Post("/v1/chat/completions", chatHandler.HandleChatCompletion)
			})
			appLog.Info("mounted %s relay routes", prefix)
		}
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  cfg.ServerTimeout,
		WriteTimeout: cfg.ServerTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		appLog.Info("server listening on http://localhost:%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	appLog.Info("shutting down gracefully")
	close(watchStop)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("server shutdown error: %v", err)
	}

	appLog.Info("server stopped")
}

// sessionNamespace matches spec.md §6's "<prefix><sessionHash>" naming,
// distinct per scheduler instance.
func sessionNamespace(platform models.Platform) string {
	return "unified_" + string(platform) + "_session_mapping:"
}
