// Package main is the entrypoint for the mailloop tracking API.
//
// The tracking API is the only externally reachable surface of the pipeline:
// the open pixel, the click redirect, and the provider's delivery feedback
// webhook. It runs separately from the worker so recipient-facing latency is
// isolated from delivery work.
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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"mailloop/internal/config"
	"mailloop/internal/db"
	"mailloop/internal/delivery"
	"mailloop/internal/metrics"
	"mailloop/internal/tracking"
)

func main() {
	if err := run(); err != nil {
		slog.Error("tracking api exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	queueRepo := db.NewQueueRepository(pool)
	logRepo := db.NewLogRepository(pool)
	tokenRepo := db.NewTokenRepository(pool)

	trackingService, err := tracking.NewService(
		[]byte(cfg.Email.TokenKey.Unmask()),
		cfg.Server.PublicURL,
		tokenRepo, logRepo, queueRepo,
	)
	if err != nil {
		return fmt.Errorf("initializing tracking service: %w", err)
	}

	m := metrics.New()
	trackingHandler := tracking.NewHandler(trackingService, cfg.Server.FallbackURL, m, logger)
	feedbackHandler := delivery.NewFeedbackHandler(queueRepo, logRepo, logger)

	router := chi.NewRouter()
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(10 * time.Second))

	trackingHandler.Routes(router)
	router.Post("/webhooks/email-feedback", feedbackHandler.ServeHTTP)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Method(http.MethodGet, "/metrics", m.Handler())

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("tracking api started",
			"environment", cfg.Environment,
			"port", cfg.Server.Port,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("tracking api stopped")
	return nil
}

// newLogger builds the process-wide JSON logger.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
