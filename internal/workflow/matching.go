package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/gatewatch/internal/config"
	"github.com/your-org/gatewatch/internal/models"
	"github.com/your-org/gatewatch/internal/observability"
	"github.com/your-org/gatewatch/internal/recognition"
)

// MatchSummary reports one matching batch run.
type MatchSummary struct {
	Candidates    int
	Matched       int
	NoMatch       int
	LowConfidence int
	Skipped       int
	Failed        int
}

// Matcher correlates OUT detections with their IN counterparts through the
// recognition service and records the visit duration.
type Matcher struct {
	store   Store
	blobs   Blobs
	faces   FaceService
	alerter Alerter
	cfg     config.MatchingConfig
	loc     *time.Location
	tmpDir  string

	mu sync.Mutex
}

func NewMatcher(store Store, blobs Blobs, faces FaceService, alerter Alerter, cfg config.MatchingConfig, loc *time.Location) *Matcher {
	if loc == nil {
		loc = time.UTC
	}
	return &Matcher{store: store, blobs: blobs, faces: faces, alerter: alerter, cfg: cfg, loc: loc, tmpDir: os.TempDir()}
}

// Run processes one matching batch: unprocessed OUT detections whose
// timestamp falls inside [now - max_stay, now - min_dwell). The lower bound
// caps how long a visit can plausibly last; the upper bound gives the paired
// IN detection time to land and register.
func (m *Matcher) Run(ctx context.Context) (MatchSummary, error) {
	if !m.mu.TryLock() {
		return MatchSummary{}, ErrAlreadyRunning
	}
	defer m.mu.Unlock()

	start := time.Now()
	defer func() {
		observability.WorkflowDuration.WithLabelValues("matching").Observe(time.Since(start).Seconds())
	}()

	now := time.Now().In(m.loc)
	candidates, err := m.store.UnmatchedOut(ctx, now.Add(-m.cfg.MaxStay()), now.Add(-m.cfg.MinDwell()))
	if err != nil {
		return MatchSummary{}, fmt.Errorf("select matching candidates: %w", err)
	}

	summary := MatchSummary{Candidates: len(candidates)}
	for i := range candidates {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		out := m.matchOne(ctx, &candidates[i])
		observability.MatchOutcomes.WithLabelValues(string(out)).Inc()
		switch out {
		case outcomeMatched:
			summary.Matched++
		case outcomeNoMatch:
			summary.NoMatch++
		case outcomeLowConfidence:
			summary.LowConfidence++
		case outcomeSkipped:
			summary.Skipped++
		default:
			summary.Failed++
		}
		time.Sleep(m.cfg.RequestDelay)
	}

	if summary.Candidates > 0 {
		m.alerter.Send(ctx, "Face matching batch",
			fmt.Sprintf("candidates=%d matched=%d no_match=%d low_confidence=%d skipped=%d failed=%d",
				summary.Candidates, summary.Matched, summary.NoMatch, summary.LowConfidence,
				summary.Skipped, summary.Failed))
	}
	return summary, nil
}

// matchOne runs the full match decision for a single OUT detection. It is
// shared with the retry driver so retries take exactly the same path. A
// transient outcome books a ledger entry (vendor-keyed records only);
// terminal outcomes are flagged on the row and never retried.
func (m *Matcher) matchOne(ctx context.Context, det *models.Detection) outcome {
	exists, err := m.blobs.StatObject(ctx, det.PersonPicURL)
	if err != nil {
		slog.Warn("stat capture image", "id", det.ID, "key", det.PersonPicURL, "error", err)
		return m.transient(ctx, det)
	}
	if !exists {
		return outcomeSkipped
	}

	image, err := m.blobs.GetObject(ctx, det.PersonPicURL)
	if err != nil {
		slog.Warn("read capture image", "id", det.ID, "error", err)
		return m.transient(ctx, det)
	}

	// The recognition service takes a file path; stage the image under a
	// collision-free temp name.
	imagePath := filepath.Join(m.tmpDir, uuid.NewString()+filepath.Ext(det.PersonPicURL))
	if err := os.WriteFile(imagePath, image, 0o600); err != nil {
		slog.Error("stage match image", "id", det.ID, "error", err)
		return m.transient(ctx, det)
	}
	defer os.Remove(imagePath)

	result, err := m.faces.MatchExit(ctx, imagePath)
	if err != nil {
		slog.Warn("match exit", "id", det.ID, "rec_no", det.RecNo, "error", err)
		return m.transient(ctx, det)
	}

	if !result.Success || result.EntryID == "" {
		return m.noMatch(ctx, det)
	}

	confidence := recognition.ConfidencePercent(result.Confidence)
	if confidence < m.cfg.AccuracyThreshold {
		// A low-confidence answer is a definitive answer, not a failure:
		// the row is closed out and never booked for retry.
		if out := m.noMatch(ctx, det); out != outcomeNoMatch {
			return out
		}
		return outcomeLowConfidence
	}

	entry, err := m.store.FindMatchCandidate(ctx, result.EntryID, det.LocaleTime.Add(-m.cfg.MinDwell()))
	if err != nil {
		slog.Error("find match candidate", "id", det.ID, "error", err)
		return m.transient(ctx, det)
	}
	if entry == nil {
		return m.noMatch(ctx, det)
	}

	duration := int(det.LocaleTime.Sub(entry.LocaleTime).Minutes())
	err = m.store.MarkMatched(ctx, det.ID, entry.RecNo, duration, confidence,
		result.EntryID, result.Sex, result.Age)
	if err != nil {
		slog.Error("mark matched", "id", det.ID, "error", err)
		m.alerter.Send(ctx, "Face matching error",
			fmt.Sprintf("detection %s (rec_no %d): %v", det.ID, det.RecNo, err))
		return m.transient(ctx, det)
	}

	// A successful match settles any earlier transient failure.
	if det.RecNo > 0 {
		if err := m.store.DeleteLedgerEntry(ctx, det.RecNo); err != nil {
			slog.Warn("clear ledger entry", "rec_no", det.RecNo, "error", err)
		}
	}
	return outcomeMatched
}

func (m *Matcher) noMatch(ctx context.Context, det *models.Detection) outcome {
	if err := m.store.MarkNoMatch(ctx, det.ID); err != nil {
		slog.Error("mark no match", "id", det.ID, "error", err)
		return m.transient(ctx, det)
	}
	return outcomeNoMatch
}

// transient books a retry for vendor-keyed detections. Stream-only records
// have no stable ledger key and are re-covered by the next drain pass instead.
func (m *Matcher) transient(ctx context.Context, det *models.Detection) outcome {
	if det.RecNo > 0 {
		if err := m.store.EnsureLedgerEntry(ctx, det.RecNo); err != nil {
			slog.Error("ensure ledger entry", "rec_no", det.RecNo, "error", err)
		}
	}
	return outcomeTransient
}
