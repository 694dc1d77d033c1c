package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/your-org/gatewatch/internal/config"
	"github.com/your-org/gatewatch/internal/models"
	"github.com/your-org/gatewatch/internal/observability"
)

// RegistrationSummary reports one registration batch run.
type RegistrationSummary struct {
	Candidates int
	Registered int
	NoFace     int
	Skipped    int
	Failed     int
}

// Registrar enrolls the faces of today's IN detections into the recognition
// service collection so that later OUT detections can be matched back.
type Registrar struct {
	store   Store
	blobs   Blobs
	faces   FaceService
	alerter Alerter
	cfg     config.MatchingConfig
	loc     *time.Location

	mu sync.Mutex
}

func NewRegistrar(store Store, blobs Blobs, faces FaceService, alerter Alerter, cfg config.MatchingConfig, loc *time.Location) *Registrar {
	if loc == nil {
		loc = time.UTC
	}
	return &Registrar{store: store, blobs: blobs, faces: faces, alerter: alerter, cfg: cfg, loc: loc}
}

// Run processes one registration batch: unprocessed IN detections from the
// current local day, newest first.
func (r *Registrar) Run(ctx context.Context) (RegistrationSummary, error) {
	if !r.mu.TryLock() {
		return RegistrationSummary{}, ErrAlreadyRunning
	}
	defer r.mu.Unlock()

	start := time.Now()
	defer func() {
		observability.WorkflowDuration.WithLabelValues("registration").Observe(time.Since(start).Seconds())
	}()

	now := time.Now().In(r.loc)
	candidates, err := r.store.UnregisteredIn(ctx, startOfDay(now), now, r.cfg.BatchLimit)
	if err != nil {
		return RegistrationSummary{}, fmt.Errorf("select registration candidates: %w", err)
	}

	summary := RegistrationSummary{Candidates: len(candidates)}
	for i := range candidates {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		out := r.registerOne(ctx, &candidates[i])
		observability.RegistrationOutcomes.WithLabelValues(string(out)).Inc()
		switch out {
		case outcomeRegistered:
			summary.Registered++
		case outcomeNoFace:
			summary.NoFace++
		case outcomeSkipped:
			summary.Skipped++
		default:
			summary.Failed++
		}
		// Spread requests so the recognition service isn't hammered.
		time.Sleep(r.cfg.RequestDelay)
	}

	if summary.Candidates > 0 {
		r.alerter.Send(ctx, "Face registration batch",
			fmt.Sprintf("candidates=%d registered=%d no_face=%d skipped=%d failed=%d",
				summary.Candidates, summary.Registered, summary.NoFace, summary.Skipped, summary.Failed))
	}
	return summary, nil
}

func (r *Registrar) registerOne(ctx context.Context, det *models.Detection) outcome {
	exists, err := r.blobs.StatObject(ctx, det.PersonPicURL)
	if err != nil {
		slog.Warn("stat capture image", "id", det.ID, "key", det.PersonPicURL, "error", err)
		return outcomeTransient
	}
	if !exists {
		// Image never landed; leave the row for the next pass.
		return outcomeSkipped
	}

	image, err := r.blobs.GetObject(ctx, det.PersonPicURL)
	if err != nil {
		slog.Warn("read capture image", "id", det.ID, "error", err)
		return outcomeTransient
	}

	result, err := r.faces.DetectFaces(ctx, image, path.Base(det.PersonPicURL))
	if err != nil {
		slog.Warn("detect faces", "id", det.ID, "error", err)
		return outcomeTransient
	}

	if len(result.Faces) == 0 {
		// Terminal: the capture carries no usable face, never retried.
		if err := r.store.MarkNoFace(ctx, det.ID); err != nil {
			slog.Error("mark no face", "id", det.ID, "error", err)
			return outcomeTransient
		}
		return outcomeNoFace
	}

	face := result.Faces[0]
	classRef, err := r.faces.AddToCollection(ctx, face.FaceID)
	if err != nil {
		r.fail(ctx, det, fmt.Errorf("add to collection: %w", err))
		return outcomeTransient
	}

	if err := r.store.MarkRegistered(ctx, det.ID, face.FaceID, classRef, face.Age, face.Sex); err != nil {
		r.fail(ctx, det, fmt.Errorf("mark registered: %w", err))
		return outcomeTransient
	}

	return outcomeRegistered
}

// fail reverts the row to the eligible pool and raises an exception alert.
func (r *Registrar) fail(ctx context.Context, det *models.Detection, cause error) {
	slog.Error("registration failed", "id", det.ID, "rec_no", det.RecNo, "error", cause)
	if err := r.store.RevertRegistration(ctx, det.ID); err != nil {
		slog.Error("revert registration", "id", det.ID, "error", err)
	}
	r.alerter.Send(ctx, "Face registration error",
		fmt.Sprintf("detection %s (rec_no %d): %v", det.ID, det.RecNo, cause))
}
