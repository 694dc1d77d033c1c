package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/your-org/gatewatch/internal/appliance"
	"github.com/your-org/gatewatch/internal/config"
	"github.com/your-org/gatewatch/internal/models"
	"github.com/your-org/gatewatch/internal/observability"
	"github.com/your-org/gatewatch/internal/storage"
)

// Listener keeps a push-event stream attached to the appliance and persists
// events in real time. The finder drain remains the source of truth; stream
// events only lower latency, so anything lost here is recovered by the next
// drain pass.
type Listener struct {
	client  *appliance.Client
	media   *appliance.MediaFetcher
	mapper  *Mapper
	sink    Sink
	pub     Publisher
	codes   []string
	backoff time.Duration
}

func NewListener(client *appliance.Client, media *appliance.MediaFetcher, mapper *Mapper, sink Sink, pub Publisher, cfg config.ApplianceConfig) *Listener {
	return &Listener{
		client:  client,
		media:   media,
		mapper:  mapper,
		sink:    sink,
		pub:     pub,
		codes:   cfg.EventCodes,
		backoff: 5 * time.Second,
	}
}

// Run attaches to the event stream and reconnects on failure until ctx is
// cancelled.
func (l *Listener) Run(ctx context.Context) {
	for {
		err := l.client.Attach(ctx, l.codes, l.handleBlock, l.onSkip)
		if ctx.Err() != nil {
			return
		}
		observability.StreamReconnects.Inc()
		slog.Warn("event stream disconnected, reconnecting", "backoff", l.backoff.String(), "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.backoff):
		}
	}
}

func (l *Listener) onSkip(err error) {
	if err == nil {
		// Heartbeat frame, not an error.
		return
	}
	observability.StreamBlocksSkipped.Inc()
	slog.Warn("skip malformed event block", "error", err)
}

func (l *Listener) handleBlock(block *appliance.EventBlock) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	det, picPath, err := l.mapper.FromStreamEvent(block)
	if err != nil {
		observability.StreamBlocksSkipped.Inc()
		slog.Warn("skip stream event", "code", block.Code, "error", err)
		return
	}

	if picPath != "" {
		key, err := l.media.Fetch(ctx, picPath)
		if err != nil {
			observability.MediaFetchFailures.Inc()
			slog.Warn("fetch capture image", "path", picPath, "error", err)
		} else {
			det.PersonPicURL = key
		}
	}

	inserted, err := l.sink.InsertDetectionIfNew(ctx, det)
	switch {
	case errors.Is(err, storage.ErrMissingKey):
		observability.DroppedMissingKey.Inc()
		slog.Warn("drop stream event without identity", "channel", det.Channel)
		return
	case err != nil:
		slog.Error("persist stream detection", "channel", det.Channel, "error", err)
		return
	case !inserted:
		observability.DuplicatesSkipped.Inc()
		return
	}

	observability.DetectionsIngested.WithLabelValues("stream", string(det.Label)).Inc()

	if l.pub != nil {
		ev := &models.DetectionEvent{
			ID:         det.ID,
			RecNo:      det.RecNo,
			Label:      det.Label,
			Channel:    det.Channel,
			GateName:   det.GateName,
			LocaleTime: det.LocaleTime,
			PersonUID:  det.PersonUID,
			Source:     "stream",
		}
		if err := l.pub.PublishDetection(ctx, ev); err != nil {
			slog.Warn("publish detection event", "channel", det.Channel, "error", err)
		}
	}
}
