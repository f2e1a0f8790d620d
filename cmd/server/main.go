// Montana relay - usage-gated chat completion server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/montana-relay/internal/api"
	"github.com/ashureev/montana-relay/internal/chat"
	"github.com/ashureev/montana-relay/internal/completion"
	"github.com/ashureev/montana-relay/internal/config"
	"github.com/ashureev/montana-relay/internal/conversation"
	"github.com/ashureev/montana-relay/internal/gate"
	"github.com/ashureev/montana-relay/internal/identity"
	"github.com/ashureev/montana-relay/internal/metrics"
	"github.com/ashureev/montana-relay/internal/middleware"
	"github.com/ashureev/montana-relay/internal/persona"
	"github.com/ashureev/montana-relay/internal/proxy"
	"github.com/ashureev/montana-relay/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())
	if cfg.Upstream.APIKey == "" {
		slog.Warn("DEEPSEEK_API_KEY is not set; chat requests will fail until it is configured")
	}

	p, err := persona.Load(cfg.PersonaPath)
	if err != nil {
		slog.Error("Failed to load persona", "error", err, "path", cfg.PersonaPath)
		os.Exit(1)
	}

	// Initialize dependencies.
	var repo store.Repository
	if cfg.DBPath == "" {
		repo = store.NewMemory()
		slog.Info("Gate state kept in memory")
	} else {
		sqlite, err := store.NewSQLite(cfg.DBPath)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
		repo = sqlite
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	upstream := completion.New(completion.Config{
		BaseURL: cfg.Upstream.BaseURL,
		APIKey:  cfg.Upstream.APIKey,
		Timeout: cfg.Upstream.Timeout,
	})
	temperature := cfg.Upstream.Temperature

	// Initialize services.
	orch := chat.NewOrchestrator(upstream, gate.New(cfg.Gate.Limit, cfg.Gate.Cooldown), chat.Options{
		Model:        cfg.Upstream.Model,
		SystemPrompt: p.System,
		Temperature:  &temperature,
		MaxTokens:    cfg.Upstream.MaxTokens,
		Stream:       cfg.Upstream.Stream,
		Timeout:      cfg.Upstream.Timeout,
	}, logger)
	svc := chat.NewService(orch, repo, conversation.NewStore(p.Greeting), cfg.Gate.UnlockSecret, logger)
	if cfg.Gate.UnlockSecret == "" {
		slog.Info("UNLOCK_SECRET not set; gate unlock disabled")
	}

	// Initialize handlers.
	relay := proxy.New(upstream, proxy.Options{
		Model:          cfg.Upstream.Model,
		SystemPrompt:   p.System,
		Temperature:    &temperature,
		MaxTokens:      cfg.Upstream.MaxTokens,
		MaxRequestBody: cfg.Relay.MaxRequestBody,
	}, logger)
	chatHandler := api.NewChatHandler(svc, logger)
	healthHandler := api.NewHealthHandler(repo)
	wsHandler := api.NewWebSocketHandler(svc, cfg.AllowedOrigins(), logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", metrics.Handler())

	// Stateless relay, throttled per IP.
	r.With(middleware.RateLimit(cfg.Relay.RPS, cfg.Relay.Burst, logger)).Handle("/api/chat", relay)

	// Gated chat API scoped to the anonymous client identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment()))
		chatHandler.RegisterRoutes(r)
		r.Get("/ws/chat", wsHandler.ServeHTTP)
	})

	// Create server.
	// WriteTimeout stays 0 so SSE and websocket replies are not cut off.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store.StartSweeper(ctx, repo, cfg.Gate.SweepInterval, logger)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
