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
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/promptlab/orchestrator/config"
	"github.com/promptlab/orchestrator/internal/analytics"
	"github.com/promptlab/orchestrator/internal/chat"
	"github.com/promptlab/orchestrator/internal/llm"
	"github.com/promptlab/orchestrator/internal/llm/gemini"
	"github.com/promptlab/orchestrator/internal/llm/groq"
	"github.com/promptlab/orchestrator/internal/llm/openai"
	"github.com/promptlab/orchestrator/internal/llm/registry"
	"github.com/promptlab/orchestrator/internal/ratelimit"
	"github.com/promptlab/orchestrator/internal/telemetry"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("llm-orchestrator", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	log.Println("PostgreSQL connected")

	// 4. Connect Redis. The governor tolerates an unreachable shared store,
	// so a failed ping only degrades rate limiting to the local window.
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("redis unreachable, rate limiting falls back to local windows: %v", err)
		} else {
			log.Println("Redis connected")
		}
	} else {
		log.Println("REDIS_ADDR not set, rate limiting uses local windows only")
	}

	// 5. Init rate governor
	governor := ratelimit.New(cfg.RateLimitRequests, cfg.RateLimitWindow, rdb)
	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go governor.RunSweeper(sweepCtx, time.Minute)

	// 6. Init configured provider adapters
	adapters := make(map[llm.Provider]llm.Adapter)
	if cfg.GeminiAPIKey != "" {
		adapters[llm.ProviderGemini] = gemini.New(cfg.GeminiAPIKey, cfg.GeminiModel)
	}
	if cfg.GroqAPIKey != "" {
		adapters[llm.ProviderGroq] = groq.New(cfg.GroqAPIKey, cfg.GroqModel)
	}
	if cfg.OpenAIAPIKey != "" {
		adapters[llm.ProviderOpenAI] = openai.New(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	}
	log.Printf("configured %d provider(s)", len(adapters))

	// 7. Init registry, stores, chat service
	reg := registry.New(adapters)
	usageStore := analytics.NewPostgresStore(pool)
	conversationStore := chat.NewPostgresStore(pool)
	svc := chat.NewService(reg, conversationStore, usageStore)

	tracer := otel.GetTracerProvider().Tracer("llm-orchestrator")
	handler := chat.NewHandler(svc, reg, usageStore, tracer)

	// 8. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes (exempt from the governor)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"llm-orchestrator"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(governor.Middleware)
		r.Post("/chat", handler.HandleChat)
		r.Get("/providers", handler.HandleProviders)
		r.Get("/providers/{provider}", handler.HandleProviderInfo)
		r.Post("/providers/{provider}/estimate", handler.HandleEstimate)
		r.Get("/usage/{userID}", handler.HandleUsage)
	})

	// 9. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("LLM orchestrator starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
