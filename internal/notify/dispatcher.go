// Package notify posts warning and shutdown messages to the chat channel.
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/yairfalse/curfew/internal/slack"
	"github.com/yairfalse/curfew/internal/telemetry"
)

// DefaultSpacing is the minimum gap between two posts.
const DefaultSpacing = 750 * time.Millisecond

// Messenger posts a message. slack.Client implements it.
type Messenger interface {
	PostMessage(ctx context.Context, msg slack.Message) error
}

// Options configures a Dispatcher.
type Options struct {
	Channel string
	// Spacing defaults to DefaultSpacing. Negative disables spacing.
	Spacing time.Duration
	Metrics *telemetry.Metrics
}

// Dispatcher delivers notices best-effort. Delivery failures are logged
// and never returned; the governor's state has already been committed.
type Dispatcher struct {
	messenger Messenger
	channel   string
	limiter   *rate.Limiter
	metrics   *telemetry.Metrics
}

// NewDispatcher creates a dispatcher posting through messenger.
func NewDispatcher(messenger Messenger, opts Options) *Dispatcher {
	spacing := opts.Spacing
	if spacing == 0 {
		spacing = DefaultSpacing
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if spacing > 0 {
		limiter = rate.NewLimiter(rate.Every(spacing), 1)
	}
	return &Dispatcher{
		messenger: messenger,
		channel:   opts.Channel,
		limiter:   limiter,
		metrics:   opts.Metrics,
	}
}

// Warn posts the interactive warning. It reports whether the post succeeded.
func (d *Dispatcher) Warn(ctx context.Context, n Notice) bool {
	return d.send(ctx, "warning", n, WarningMessage(d.channel, n))
}

// Shutdown posts the shutdown notice. It reports whether the post succeeded.
func (d *Dispatcher) Shutdown(ctx context.Context, n Notice) bool {
	return d.send(ctx, "shutdown", n, ShutdownMessage(d.channel, n))
}

func (d *Dispatcher) send(ctx context.Context, kind string, n Notice, msg slack.Message) bool {
	logger := log.With().
		Str("component", "notify").
		Str("kind", kind).
		Str("instance_id", n.InstanceID).
		Logger()

	if d.messenger == nil {
		logger.Debug().Msg("no messenger configured, notice dropped")
		d.metrics.RecordNotification(ctx, kind, "disabled")
		return false
	}

	if err := d.limiter.Wait(ctx); err != nil {
		logger.Warn().Err(err).Msg("notification not sent")
		d.metrics.RecordNotification(ctx, kind, "cancelled")
		return false
	}

	if err := d.messenger.PostMessage(ctx, msg); err != nil {
		logger.Error().Err(err).Ctx(ctx).Msg("post notification failed")
		d.metrics.RecordNotification(ctx, kind, "error")
		return false
	}

	logger.Debug().Bool("mention", n.OwnerHandle != "").Msg("notification sent")
	d.metrics.RecordNotification(ctx, kind, "sent")
	return true
}
