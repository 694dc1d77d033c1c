package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/your-org/gatewatch/internal/storage"
	"github.com/your-org/gatewatch/pkg/dto"
)

// DetectionHandler serves read-only views over persisted detections and the
// failure ledger.
type DetectionHandler struct {
	store *storage.PostgresStore
}

func NewDetectionHandler(store *storage.PostgresStore) *DetectionHandler {
	return &DetectionHandler{store: store}
}

// List returns recent detections, newest first.
// GET /v1/detections?limit=50&offset=0
func (h *DetectionHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}

	detections, err := h.store.RecentDetections(c.Request.Context(), limit, offset)
	if err != nil {
		slog.Error("list detections", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list detections"})
		return
	}

	out := make([]dto.DetectionResponse, 0, len(detections))
	for i := range detections {
		out = append(out, dto.FromDetection(&detections[i]))
	}
	c.JSON(http.StatusOK, gin.H{"detections": out, "count": len(out)})
}

// GetByRecNo returns one detection by its vendor record number.
// GET /v1/detections/:recno
func (h *DetectionHandler) GetByRecNo(c *gin.Context) {
	recNo, err := strconv.ParseInt(c.Param("recno"), 10, 64)
	if err != nil || recNo <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid record number"})
		return
	}

	det, err := h.store.GetDetectionByRecNo(c.Request.Context(), recNo)
	if err != nil {
		slog.Error("get detection", "rec_no", recNo, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get detection"})
		return
	}
	if det == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "detection not found"})
		return
	}
	c.JSON(http.StatusOK, dto.FromDetection(det))
}

// Ledger returns all failure ledger entries, newest first.
// GET /v1/ledger
func (h *DetectionHandler) Ledger(c *gin.Context) {
	entries, err := h.store.ListLedgerEntries(c.Request.Context())
	if err != nil {
		slog.Error("list ledger entries", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list ledger"})
		return
	}

	out := make([]dto.LedgerEntryResponse, 0, len(entries))
	for i := range entries {
		out = append(out, dto.FromLedgerEntry(&entries[i]))
	}
	c.JSON(http.StatusOK, gin.H{"entries": out, "count": len(out)})
}
