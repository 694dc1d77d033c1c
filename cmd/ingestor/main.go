package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/gatewatch/internal/appliance"
	"github.com/your-org/gatewatch/internal/config"
	"github.com/your-org/gatewatch/internal/ingest"
	"github.com/your-org/gatewatch/internal/observability"
	"github.com/your-org/gatewatch/internal/queue"
	"github.com/your-org/gatewatch/internal/storage"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	metricsAddr := flag.String("metrics", ":8081", "metrics listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting ingestor")

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := blobs.EnsureBucket(ctx); err != nil {
		slog.Error("failed to ensure bucket", "error", err)
		os.Exit(1)
	}

	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("failed to connect to nats", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(ctx); err != nil {
		slog.Error("failed to ensure streams", "error", err)
		os.Exit(1)
	}

	client := appliance.NewClient(cfg.Appliance, loc)
	media := appliance.NewMediaFetcher(client, blobs)
	mapper := ingest.NewMapper(cfg.Appliance, loc)
	drainer := ingest.NewDrainer(client, media, mapper, store, producer, cfg.Appliance)
	listener := ingest.NewListener(client, media, mapper, store, producer, cfg.Appliance)

	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: promhttp.Handler()}
	go func() {
		slog.Info("metrics server listening", "addr", *metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	go listener.Run(ctx)

	drainAll := func() {
		for _, gate := range cfg.Appliance.Gates {
			end := time.Now().In(loc)
			start := end.Add(-cfg.Appliance.DrainWindow)
			summary, err := drainer.Drain(ctx, gate.Channel, start, end)
			if err != nil {
				slog.Error("finder drain failed", "channel", gate.Channel,
					"pages", summary.Pages, "inserted", summary.Inserted, "error", err)
				continue
			}
			slog.Info("finder drain complete", "channel", gate.Channel,
				"pages", summary.Pages, "found", summary.Found,
				"inserted", summary.Inserted, "duplicates", summary.Duplicates,
				"dropped", summary.Dropped)
		}
	}

	drainAll()

	ticker := time.NewTicker(cfg.Appliance.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down ingestor")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
			return
		case <-ticker.C:
			drainAll()
		}
	}
}
