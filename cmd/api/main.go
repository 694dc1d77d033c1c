package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/gatewatch/internal/api"
	"github.com/your-org/gatewatch/internal/api/handlers"
	"github.com/your-org/gatewatch/internal/api/ws"
	"github.com/your-org/gatewatch/internal/config"
	"github.com/your-org/gatewatch/internal/models"
	"github.com/your-org/gatewatch/internal/observability"
	"github.com/your-org/gatewatch/internal/queue"
	"github.com/your-org/gatewatch/internal/storage"
	"github.com/your-org/gatewatch/pkg/dto"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting api", "port", cfg.Server.Port)

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

	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("failed to connect to nats", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := ws.NewHub()
	if err := consumer.ConsumeDetections(ctx, "api-broadcast", broadcastHandler(hub)); err != nil {
		// The live feed is best-effort; the read API still works without it.
		slog.Warn("detection consumer unavailable", "error", err)
	}

	pingers := map[string]handlers.Pinger{
		"postgres": store,
		"minio":    blobs,
		"nats":     pingerFunc(func(context.Context) error { return consumer.Ping() }),
	}

	router := api.NewRouter(cfg, store, hub, pingers)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down api")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// broadcastHandler turns queued detection events into WebSocket frames.
func broadcastHandler(hub *ws.Hub) queue.MessageHandler {
	return func(_ context.Context, msg jetstream.Msg) error {
		var ev models.DetectionEvent
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			return fmt.Errorf("decode detection event: %w", err)
		}

		frame, err := json.Marshal(dto.WSEvent{
			Type:      "detection",
			Channel:   ev.Channel,
			Payload:   ev,
			Timestamp: time.Now().Unix(),
		})
		if err != nil {
			return fmt.Errorf("encode ws frame: %w", err)
		}

		hub.Broadcast(ev.Channel, frame)
		return nil
	}
}
