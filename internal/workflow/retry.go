package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/your-org/gatewatch/internal/config"
	"github.com/your-org/gatewatch/internal/observability"
)

// RetrySummary reports one retry batch run.
type RetrySummary struct {
	Pending  int
	Settled  int
	Orphaned int
	Deferred int
}

// RetryDriver re-attempts match decisions recorded in the failure ledger.
// Each entry gets at most the configured number of attempts; entries at the
// ceiling stay in the ledger for manual inspection.
type RetryDriver struct {
	store   Store
	matcher *Matcher
	cfg     config.MatchingConfig

	mu sync.Mutex
}

func NewRetryDriver(store Store, matcher *Matcher, cfg config.MatchingConfig) *RetryDriver {
	return &RetryDriver{store: store, matcher: matcher, cfg: cfg}
}

// Run processes all ledger entries below the retry ceiling.
func (r *RetryDriver) Run(ctx context.Context) (RetrySummary, error) {
	if !r.mu.TryLock() {
		return RetrySummary{}, ErrAlreadyRunning
	}
	defer r.mu.Unlock()

	start := time.Now()
	defer func() {
		observability.WorkflowDuration.WithLabelValues("retry").Observe(time.Since(start).Seconds())
	}()

	entries, err := r.store.PendingLedgerEntries(ctx, r.cfg.RetryCeiling)
	if err != nil {
		return RetrySummary{}, fmt.Errorf("select pending ledger entries: %w", err)
	}
	observability.LedgerPending.Set(float64(len(entries)))

	summary := RetrySummary{Pending: len(entries)}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}

		// Count the attempt before making it so a crash mid-retry still
		// moves the entry toward the ceiling.
		if err := r.store.IncrementTryCount(ctx, entry.RecNo); err != nil {
			slog.Error("increment try count", "rec_no", entry.RecNo, "error", err)
			summary.Deferred++
			continue
		}

		det, err := r.store.GetDetectionByRecNo(ctx, entry.RecNo)
		if err != nil {
			slog.Error("load detection for retry", "rec_no", entry.RecNo, "error", err)
			summary.Deferred++
			continue
		}
		if det == nil || det.IsMatched || det.IsRegistered {
			// Orphaned or already settled by a regular matching pass.
			if err := r.store.DeleteLedgerEntry(ctx, entry.RecNo); err != nil {
				slog.Error("delete ledger entry", "rec_no", entry.RecNo, "error", err)
			}
			summary.Orphaned++
			continue
		}

		out := r.matcher.matchOne(ctx, det)
		observability.MatchOutcomes.WithLabelValues(string(out)).Inc()
		if out.terminal() {
			if err := r.store.DeleteLedgerEntry(ctx, entry.RecNo); err != nil {
				slog.Error("delete ledger entry", "rec_no", entry.RecNo, "error", err)
			}
			summary.Settled++
		} else {
			summary.Deferred++
		}

		time.Sleep(r.cfg.RequestDelay)
	}

	return summary, nil
}
