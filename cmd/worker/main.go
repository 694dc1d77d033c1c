package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/gatewatch/internal/config"
	"github.com/your-org/gatewatch/internal/notify"
	"github.com/your-org/gatewatch/internal/observability"
	"github.com/your-org/gatewatch/internal/recognition"
	"github.com/your-org/gatewatch/internal/storage"
	"github.com/your-org/gatewatch/internal/workflow"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	metricsAddr := flag.String("metrics", ":8082", "metrics listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting worker")

	loc, err := cfg.Matching.Location()
	if err != nil {
		slog.Error("failed to resolve site timezone", "error", err)
		os.Exit(1)
	}

	store, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	blobs, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		slog.Error("failed to create minio client", "error", err)
		os.Exit(1)
	}

	alerter, err := notify.New(cfg.Notify)
	if err != nil {
		slog.Error("failed to create notifier", "error", err)
		os.Exit(1)
	}

	faces := recognition.NewClient(cfg.Recognition)

	registrar := workflow.NewRegistrar(store, blobs, faces, alerter, cfg.Matching, loc)
	matcher := workflow.NewMatcher(store, blobs, faces, alerter, cfg.Matching, loc)
	retrier := workflow.NewRetryDriver(store, matcher, cfg.Matching)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: promhttp.Handler()}
	go func() {
		slog.Info("metrics server listening", "addr", *metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	runRegistration := func() {
		summary, err := registrar.Run(ctx)
		if err != nil && !errors.Is(err, workflow.ErrAlreadyRunning) && ctx.Err() == nil {
			slog.Error("registration run failed", "error", err)
			return
		}
		if summary.Candidates > 0 {
			slog.Info("registration run complete", "candidates", summary.Candidates,
				"registered", summary.Registered, "no_face", summary.NoFace,
				"skipped", summary.Skipped, "failed", summary.Failed)
		}
	}

	runMatching := func() {
		summary, err := matcher.Run(ctx)
		if err != nil && !errors.Is(err, workflow.ErrAlreadyRunning) && ctx.Err() == nil {
			slog.Error("matching run failed", "error", err)
			return
		}
		if summary.Candidates > 0 {
			slog.Info("matching run complete", "candidates", summary.Candidates,
				"matched", summary.Matched, "no_match", summary.NoMatch,
				"low_confidence", summary.LowConfidence,
				"skipped", summary.Skipped, "failed", summary.Failed)
		}
	}

	runRetry := func() {
		summary, err := retrier.Run(ctx)
		if err != nil && !errors.Is(err, workflow.ErrAlreadyRunning) && ctx.Err() == nil {
			slog.Error("retry run failed", "error", err)
			return
		}
		if summary.Pending > 0 {
			slog.Info("retry run complete", "pending", summary.Pending,
				"settled", summary.Settled, "orphaned", summary.Orphaned,
				"deferred", summary.Deferred)
		}
	}

	go scheduled(ctx, cfg.Matching.RegistrationInterval, runRegistration)
	go scheduled(ctx, cfg.Matching.MatchInterval, runMatching)
	go scheduled(ctx, cfg.Matching.RetryInterval, runRetry)

	<-ctx.Done()
	slog.Info("shutting down worker")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
}

// scheduled runs fn immediately and then on every tick until ctx is cancelled.
func scheduled(ctx context.Context, interval time.Duration, fn func()) {
	fn()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
