package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/gatewatch/internal/models"
	"github.com/your-org/gatewatch/internal/recognition"
)

// ErrAlreadyRunning is returned when a scheduled run fires while the previous
// run of the same workflow is still in progress. Runs never overlap.
var ErrAlreadyRunning = errors.New("workflow run already in progress")

// outcome classifies the result of processing one detection. Terminal
// outcomes are flagged in the database and never retried; transient outcomes
// go to the failure ledger.
type outcome string

const (
	outcomeRegistered    outcome = "registered"
	outcomeNoFace        outcome = "no_face"
	outcomeMatched       outcome = "matched"
	outcomeNoMatch       outcome = "no_match"
	outcomeLowConfidence outcome = "low_confidence"
	outcomeSkipped       outcome = "skipped"
	outcomeTransient     outcome = "transient"
)

func (o outcome) terminal() bool {
	switch o {
	case outcomeRegistered, outcomeNoFace, outcomeMatched, outcomeNoMatch, outcomeLowConfidence:
		return true
	}
	return false
}

// Store is the persistence surface the workflows run against.
type Store interface {
	UnregisteredIn(ctx context.Context, from, to time.Time, limit int) ([]models.Detection, error)
	UnmatchedOut(ctx context.Context, from, to time.Time) ([]models.Detection, error)
	FindMatchCandidate(ctx context.Context, personUID string, before time.Time) (*models.Detection, error)
	GetDetectionByRecNo(ctx context.Context, recNo int64) (*models.Detection, error)

	MarkNoFace(ctx context.Context, id uuid.UUID) error
	MarkRegistered(ctx context.Context, id uuid.UUID, faceID, classRef string, age int, sex string) error
	RevertRegistration(ctx context.Context, id uuid.UUID) error
	MarkNoMatch(ctx context.Context, id uuid.UUID) error
	MarkMatched(ctx context.Context, id uuid.UUID, recNoIn int64, duration, similarity int, personUID, sex string, age int) error

	EnsureLedgerEntry(ctx context.Context, recNo int64) error
	PendingLedgerEntries(ctx context.Context, ceiling int) ([]models.LedgerEntry, error)
	IncrementTryCount(ctx context.Context, recNo int64) error
	DeleteLedgerEntry(ctx context.Context, recNo int64) error
}

// Blobs reads captured images out of the blob store.
type Blobs interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
	StatObject(ctx context.Context, key string) (bool, error)
}

// FaceService is the external recognition service surface.
type FaceService interface {
	DetectFaces(ctx context.Context, image []byte, filename string) (*recognition.DetectResult, error)
	AddToCollection(ctx context.Context, faceID string) (string, error)
	MatchExit(ctx context.Context, imagePath string) (*recognition.MatchResult, error)
}

// Alerter delivers batch summaries and exception alerts.
type Alerter interface {
	Send(ctx context.Context, title, message string)
}

// startOfDay truncates t to local midnight in its own location.
func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
