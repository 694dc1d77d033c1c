package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/gatewatch/internal/storage"
	"github.com/your-org/gatewatch/pkg/dto"
)

// StatusHandler serves aggregate pipeline counters.
type StatusHandler struct {
	store *storage.PostgresStore
}

func NewStatusHandler(store *storage.PostgresStore) *StatusHandler {
	return &StatusHandler{store: store}
}

// Status returns ingestion and workflow aggregates.
// GET /v1/status
func (h *StatusHandler) Status(c *gin.Context) {
	counts, err := h.store.StatusCounts(c.Request.Context())
	if err != nil {
		slog.Error("status counts", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute status"})
		return
	}

	c.JSON(http.StatusOK, dto.StatusResponse{Counts: counts, Time: time.Now().UTC()})
}
