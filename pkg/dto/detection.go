package dto

import (
	"time"

	"github.com/your-org/gatewatch/internal/models"
)

// DetectionResponse is the API shape of a persisted detection.
type DetectionResponse struct {
	ID           string    `json:"id"`
	RecNo        int64     `json:"rec_no"`
	Label        string    `json:"label"`
	Channel      int       `json:"channel"`
	GateName     string    `json:"gate_name"`
	LocaleTime   time.Time `json:"locale_time"`
	FaceAge      int       `json:"face_age"`
	FaceSex      string    `json:"face_sex"`
	PersonUID    string    `json:"person_uid"`
	PersonGroup  string    `json:"person_group"`
	PersonPicURL string    `json:"person_pic_url"`
	IsRegistered bool      `json:"is_registered"`
	IsMatched    bool      `json:"is_matched"`
	RecNoIn      *int64    `json:"rec_no_in,omitempty"`
	Duration     int       `json:"duration"`
	Similarity   int       `json:"similarity"`
	CreatedAt    time.Time `json:"created_at"`
}

func FromDetection(d *models.Detection) DetectionResponse {
	return DetectionResponse{
		ID:           d.ID.String(),
		RecNo:        d.RecNo,
		Label:        string(d.Label),
		Channel:      d.Channel,
		GateName:     d.GateName,
		LocaleTime:   d.LocaleTime,
		FaceAge:      d.FaceAge,
		FaceSex:      d.FaceSex,
		PersonUID:    d.PersonUID,
		PersonGroup:  d.PersonGroup,
		PersonPicURL: d.PersonPicURL,
		IsRegistered: d.IsRegistered,
		IsMatched:    d.IsMatched,
		RecNoIn:      d.RecNoIn,
		Duration:     d.Duration,
		Similarity:   d.Similarity,
		CreatedAt:    d.CreatedAt,
	}
}

// LedgerEntryResponse is the API shape of a failure ledger entry.
type LedgerEntryResponse struct {
	RecNo     int64     `json:"rec_no"`
	TryCount  int       `json:"try_count"`
	Status    bool      `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func FromLedgerEntry(e *models.LedgerEntry) LedgerEntryResponse {
	return LedgerEntryResponse{
		RecNo:     e.RecNo,
		TryCount:  e.TryCount,
		Status:    e.Status,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

// StatusResponse carries aggregate pipeline counters.
type StatusResponse struct {
	Counts map[string]int64 `json:"counts"`
	Time   time.Time        `json:"time"`
}

// WSEvent is the envelope broadcast to WebSocket clients for each ingested
// detection.
type WSEvent struct {
	Type      string `json:"type"`
	Channel   int    `json:"channel"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}
