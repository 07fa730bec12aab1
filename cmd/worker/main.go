// Package main is the entrypoint for the mailloop worker process.
//
// The worker owns everything that runs on a schedule:
//  1. The due-cycle, which enqueues digest jobs for subscribers whose
//     cadence window has been crossed.
//  2. The queue drain, which claims due jobs and delivers them.
//  3. The lease reaper, which recovers jobs from crashed claimers.
//  4. The log pruner, which enforces notification log retention.
//
// It also serves /healthz and /metrics on its own port. Invoked with
// -uninstall it applies the uninstall contract and exits instead of running.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/go-chi/chi/v5"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"mailloop/internal/catalog"
	"mailloop/internal/config"
	"mailloop/internal/db"
	"mailloop/internal/delivery"
	"mailloop/internal/maintenance"
	"mailloop/internal/metrics"
	"mailloop/internal/processor"
	"mailloop/internal/render"
	"mailloop/internal/scheduler"
	"mailloop/internal/tracking"
)

func main() {
	uninstall := flag.Bool("uninstall", false, "apply the uninstall contract and exit")
	flag.Parse()

	if err := run(*uninstall); err != nil {
		slog.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run(uninstall bool) error {
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
	subscriberRepo := db.NewSubscriberRepository(pool)
	logRepo := db.NewLogRepository(pool)
	tokenRepo := db.NewTokenRepository(pool)
	settingsRepo := db.NewSettingsRepository(pool)

	maintainer := maintenance.New(settingsRepo, logRepo, cfg.Retention, logger)

	if uninstall {
		destroy, err := maintainer.DestroyDataEnabled(ctx)
		if err != nil {
			return fmt.Errorf("reading destroy-data flag: %w", err)
		}
		return maintainer.Uninstall(ctx, destroy || cfg.DestroyDataOnUninstall)
	}

	if err := maintainer.EnsureSetup(ctx, cfg.Tracking, cfg.DestroyDataOnUninstall); err != nil {
		return fmt.Errorf("initializing settings: %w", err)
	}

	trackingService, err := tracking.NewService(
		[]byte(cfg.Email.TokenKey.Unmask()),
		cfg.Server.PublicURL,
		tokenRepo, logRepo, queueRepo,
	)
	if err != nil {
		return fmt.Errorf("initializing tracking service: %w", err)
	}

	renderer, err := render.NewRenderer()
	if err != nil {
		return fmt.Errorf("initializing renderer: %w", err)
	}

	var provider delivery.EmailProvider
	if cfg.Email.Ready() {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Email.Region))
		if err != nil {
			return fmt.Errorf("loading AWS configuration: %w", err)
		}
		sesClient := delivery.NewSESClient(awsCfg, delivery.SESClientConfig{
			ConfigSetName: cfg.Email.ConfigSetName,
			Logger:        logger,
		})
		provider = delivery.NewBreakerProvider(sesClient, cfg.Email.SendTimeout)
	} else {
		logger.Warn("email provider not configured, delivery cycles will be skipped")
	}

	var content processor.ContentSource = catalog.NopSource{}
	if cfg.Catalog.BaseURL != "" {
		content = catalog.NewClient(cfg.Catalog)
	} else {
		logger.Warn("content catalog not configured, digests will carry no items")
	}

	m := metrics.New()
	loc := cfg.Location()

	sched := scheduler.New(subscriberRepo, queueRepo, cfg.Schedule, loc, logger)
	proc := processor.New(processor.Params{
		WorkerID:    hostWorkerID(),
		Jobs:        queueRepo,
		Subscribers: subscriberRepo,
		Logs:        logRepo,
		Content:     content,
		Tokens:      trackingService,
		Renderer:    renderer,
		Provider:    provider,
		Email:       cfg.Email,
		Queue:       cfg.Queue,
		Tracking:    cfg.Tracking,
		Location:    loc,
		Logger:      logger,
		Metrics:     m,
	})

	runner := cron.New()
	addHook := func(name string, interval time.Duration, fn func(context.Context) error) error {
		_, err := runner.AddFunc(fmt.Sprintf("@every %s", interval), func() {
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("scheduled hook failed", "hook", name, "error", err)
			}
		})
		return err
	}

	hooks := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context) error
	}{
		{"due_cycle", cfg.Queue.ScheduleInterval, func(ctx context.Context) error {
			_, err := sched.RunDueCycle(ctx, time.Now())
			return err
		}},
		{"process_queue", cfg.Queue.ProcessInterval, func(ctx context.Context) error {
			_, err := proc.Drain(ctx, time.Now())
			return err
		}},
		{"reap_leases", cfg.Queue.ReapInterval, func(ctx context.Context) error {
			_, err := proc.Reap(ctx, time.Now().UTC())
			return err
		}},
		{"prune_logs", cfg.Retention.PruneInterval, func(ctx context.Context) error {
			_, err := maintainer.PruneLogs(ctx, time.Now().UTC())
			return err
		}},
		{"queue_depth", time.Minute, func(ctx context.Context) error {
			counts, err := queueRepo.CountByStatus(ctx)
			if err != nil {
				return err
			}
			m.SetQueueDepth(counts)
			return nil
		}},
	}
	for _, h := range hooks {
		if err := addHook(h.name, h.interval, h.fn); err != nil {
			return fmt.Errorf("registering hook %s: %w", h.name, err)
		}
	}

	router := chi.NewRouter()
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
		logger.Info("worker started",
			"environment", cfg.Environment,
			"port", cfg.Server.Port,
			"timezone", cfg.Schedule.Timezone,
		)
		runner.Start()
		<-gctx.Done()
		<-runner.Stop().Done()
		return nil
	})

	g.Go(func() error {
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

	logger.Info("worker stopped")
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

// hostWorkerID derives a stable claimer identity from the hostname so reaped
// leases are attributable in the queue table.
func hostWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return ""
	}
	return "worker_" + host
}
