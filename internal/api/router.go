package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/gatewatch/internal/api/handlers"
	"github.com/your-org/gatewatch/internal/api/ws"
	"github.com/your-org/gatewatch/internal/auth"
	"github.com/your-org/gatewatch/internal/config"
	"github.com/your-org/gatewatch/internal/storage"
)

// NewRouter assembles the operational API: health probes, metrics, read-only
// detection views and the live WebSocket feed.
func NewRouter(cfg *config.Config, store *storage.PostgresStore, hub *ws.Hub, pingers map[string]handlers.Pinger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.Default())

	system := handlers.NewSystemHandler(pingers)
	r.GET("/healthz", system.Healthz)
	r.GET("/readyz", system.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	detections := handlers.NewDetectionHandler(store)
	status := handlers.NewStatusHandler(store)

	v1 := r.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(cfg.Server.APIKey))
	{
		v1.GET("/ws", hub.HandleWS)
		v1.GET("/detections", detections.List)
		v1.GET("/detections/:recno", detections.GetByRecNo)
		v1.GET("/ledger", detections.Ledger)
		v1.GET("/status", status.Status)
	}

	return r
}
