package notify

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	router "github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/your-org/gatewatch/internal/config"
)

// Notifier pushes batch summaries and exception alerts to the configured
// messaging sinks. Delivery failures are logged, never propagated: a broken
// chat webhook must not fail a workflow run.
type Notifier struct {
	enabled bool
	sender  *router.ServiceRouter
}

func New(cfg config.NotifyConfig) (*Notifier, error) {
	n := &Notifier{enabled: cfg.Enabled}
	if !cfg.Enabled {
		return n, nil
	}
	if len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("notify enabled but no URLs configured")
	}

	sender, err := shoutrrr.CreateSender(cfg.URLs...)
	if err != nil {
		return nil, fmt.Errorf("create notification sender: %w", err)
	}
	if cfg.Timeout > 0 {
		sender.Timeout = cfg.Timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))
	n.sender = sender
	return n, nil
}

// Send delivers a message to all configured sinks.
func (n *Notifier) Send(ctx context.Context, title, message string) {
	if !n.enabled || n.sender == nil {
		return
	}
	_ = ctx // the router applies its own timeout

	params := stypes.Params{}
	params.SetTitle(title)

	start := time.Now()
	for _, err := range n.sender.Send(message, &params) {
		if err != nil {
			slog.Warn("notification delivery failed", "title", title, "error", err)
		}
	}
	slog.Debug("notification sent", "title", title, "duration", time.Since(start).String())
}
