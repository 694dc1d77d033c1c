package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/your-org/gatewatch/internal/appliance"
	"github.com/your-org/gatewatch/internal/config"
	"github.com/your-org/gatewatch/internal/models"
	"github.com/your-org/gatewatch/internal/observability"
	"github.com/your-org/gatewatch/internal/storage"
)

// Sink persists ingested detections.
type Sink interface {
	InsertDetectionIfNew(ctx context.Context, d *models.Detection) (bool, error)
}

// Publisher fans out newly ingested detections.
type Publisher interface {
	PublishDetection(ctx context.Context, ev *models.DetectionEvent) error
}

// DrainSummary reports the outcome of one finder drain pass.
type DrainSummary struct {
	Channel    int
	Pages      int
	Found      int
	Parsed     int
	Inserted   int
	Duplicates int
	Dropped    int
}

// Drainer pulls buffered detections out of the appliance through a paginated
// finder session and persists them idempotently. A transport failure mid-way
// keeps whatever pages already landed; the next pass re-reads the window and
// duplicate suppression absorbs the overlap.
type Drainer struct {
	client   *appliance.Client
	media    *appliance.MediaFetcher
	mapper   *Mapper
	sink     Sink
	pub      Publisher
	pageSize int
	maxPages int
	codes    []string
}

func NewDrainer(client *appliance.Client, media *appliance.MediaFetcher, mapper *Mapper, sink Sink, pub Publisher, cfg config.ApplianceConfig) *Drainer {
	return &Drainer{
		client:   client,
		media:    media,
		mapper:   mapper,
		sink:     sink,
		pub:      pub,
		pageSize: cfg.PageSize,
		maxPages: cfg.MaxPages,
		codes:    cfg.EventCodes,
	}
}

// Drain runs one finder session over [start, end) for a single channel.
func (d *Drainer) Drain(ctx context.Context, channel int, start, end time.Time) (DrainSummary, error) {
	summary := DrainSummary{Channel: channel}

	object, err := d.client.CreateFinder(ctx)
	if err != nil {
		return summary, fmt.Errorf("create finder: %w", err)
	}
	defer d.client.CloseFinder(context.WithoutCancel(ctx), object)

	cond := appliance.FindConditions{
		Channel:   channel,
		StartTime: start,
		EndTime:   end,
		Events:    d.codes,
	}
	if err := d.client.SetConditions(ctx, object, cond); err != nil {
		return summary, fmt.Errorf("set finder conditions: %w", err)
	}

	for page := 0; page < d.maxPages; page++ {
		items, found, err := d.client.FindNext(ctx, object, d.pageSize)
		if err != nil {
			// Keep what already landed; the next window re-covers the rest.
			return summary, fmt.Errorf("fetch page %d: %w", page+1, err)
		}
		summary.Pages++
		summary.Found += found
		observability.PagesFetched.Inc()

		d.ingestPage(ctx, items, &summary)

		// A short page means the session is exhausted.
		if len(items) < d.pageSize {
			return summary, nil
		}
	}

	slog.Warn("finder drain hit page ceiling", "channel", channel, "pages", summary.Pages)
	return summary, nil
}

func (d *Drainer) ingestPage(ctx context.Context, items []appliance.Fields, summary *DrainSummary) {
	for _, f := range items {
		summary.Parsed++

		det, picPath, err := d.mapper.FromWire(f)
		if err != nil {
			summary.Dropped++
			slog.Warn("drop finder item", "error", err)
			continue
		}

		d.fetchImage(ctx, det, picPath)

		inserted, err := d.sink.InsertDetectionIfNew(ctx, det)
		switch {
		case errors.Is(err, storage.ErrMissingKey):
			summary.Dropped++
			observability.DroppedMissingKey.Inc()
			slog.Warn("drop detection without identity", "channel", det.Channel)
			continue
		case err != nil:
			summary.Dropped++
			slog.Error("persist detection", "rec_no", det.RecNo, "error", err)
			continue
		case !inserted:
			summary.Duplicates++
			observability.DuplicatesSkipped.Inc()
			continue
		}

		summary.Inserted++
		observability.DetectionsIngested.WithLabelValues("finder", string(det.Label)).Inc()
		d.publish(ctx, det, "finder")
	}
}

// fetchImage pulls the captured image off the appliance and rewrites the
// detection's image reference to the blob key. A fetch failure is logged and
// leaves the detection imageless; registration and matching skip those rows.
func (d *Drainer) fetchImage(ctx context.Context, det *models.Detection, picPath string) {
	if picPath == "" {
		return
	}
	key, err := d.media.Fetch(ctx, picPath)
	if err != nil {
		observability.MediaFetchFailures.Inc()
		slog.Warn("fetch capture image", "path", picPath, "error", err)
		return
	}
	det.PersonPicURL = key
}

func (d *Drainer) publish(ctx context.Context, det *models.Detection, source string) {
	if d.pub == nil {
		return
	}
	ev := &models.DetectionEvent{
		ID:         det.ID,
		RecNo:      det.RecNo,
		Label:      det.Label,
		Channel:    det.Channel,
		GateName:   det.GateName,
		LocaleTime: det.LocaleTime,
		PersonUID:  det.PersonUID,
		Source:     source,
	}
	if err := d.pub.PublishDetection(ctx, ev); err != nil {
		slog.Warn("publish detection event", "rec_no", det.RecNo, "error", err)
	}
}
