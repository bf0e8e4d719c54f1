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
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/leadqual/internal/api"
	"github.com/ashureev/leadqual/internal/identity"
	"github.com/ashureev/leadqual/internal/middleware"
	"github.com/ashureev/leadqual/internal/shared"
	"github.com/ashureev/leadqual/internal/ws"
	"github.com/ashureev/leadqual/web"
)

const (
	shutdownTimeout   = 10 * time.Second
	limiterPruneEvery = 10 * time.Minute
	limiterIdle       = 30 * time.Minute
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server with the follow-up scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := newLogger(os.Stdout, slog.LevelInfo)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "persistent", cfg.Persistent())

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := ws.NewHub(logger)
	a, err := buildApp(ctx, cfg, hub, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if n, err := a.sessions.Warm(ctx); err != nil {
		slog.Warn("Failed to warm session store", "error", err)
	} else {
		slog.Info("Session store warmed", "sessions", n)
	}

	limiter := shared.NewKeyedLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst)
	base := api.NewHandler(logger, cfg.IsDevelopment())

	var dbPinger, outboxPinger api.Pinger
	if a.repo != nil {
		dbPinger = a.repo
	}
	if a.redis != nil {
		outboxPinger = a.redis
	}
	healthHandler := api.NewHealthHandler(dbPinger, outboxPinger, api.HealthInfo{
		Generator: a.generatorName(),
		Outbox:    a.outboxKind,
	})
	conversationHandler := api.NewConversationHandler(base, a.engine, limiter)
	wsHandler := ws.NewHandler(a.engine, hub, limiter, cfg.FrontendURL, cfg.IsDevelopment(), logger)

	allowedOrigins := []string{"*"}
	if cfg.FrontendURL != "" {
		allowedOrigins = []string{cfg.FrontendURL}
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins))
	r.Use(identity.Middleware())

	healthHandler.RegisterHealth(r)
	conversationHandler.RegisterRoutes(r)
	if a.repo != nil {
		api.NewLeadHandler(base, a.repo, a.engine).RegisterRoutes(r)
	}

	r.Get("/ws", wsHandler.ServeHTTP)
	r.Handle("/*", web.SPAHandler())

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket connections are long lived
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		a.scheduler.Run(gctx)
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(limiterPruneEvery)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := limiter.Prune(limiterIdle); n > 0 {
					slog.Debug("Pruned idle rate limiters", "count", n)
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...", "websocket_clients", hub.Len())
		hub.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server forced to shutdown", "error", err)
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Server stopped successfully")
	return nil
}
