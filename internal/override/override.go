// Package override applies human postpone and silence decisions to the
// warning ledger. The webhook, the queue consumer and the CLI all share
// one Applier.
package override

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/curfew/internal/ledger"
	"github.com/yairfalse/curfew/internal/telemetry"
)

// Action is a human override.
type Action string

const (
	// Postpone holds the instance for an hour and resets its strikes.
	Postpone Action = "postpone"
	// Silence stops warnings; escalation continues to termination.
	Silence Action = "silence"
)

// Transports, used as a metrics label.
const (
	TransportWebhook = "webhook"
	TransportQueue   = "queue"
	TransportCLI     = "cli"
)

var (
	// ErrUnknownAction is returned for any action other than postpone or silence.
	ErrUnknownAction = errors.New("unknown action")
	// ErrEmptyResourceID is returned when the resource id sanitizes to nothing.
	ErrEmptyResourceID = errors.New("empty resource id")
)

var strict = bluemonday.StrictPolicy()

// Sanitize strips markup and surrounding space from untrusted input.
func Sanitize(s string) string {
	return strings.TrimSpace(strict.Sanitize(s))
}

// ParseAction sanitizes s and maps it to an Action.
func ParseAction(s string) (Action, error) {
	switch a := Action(Sanitize(s)); a {
	case Postpone, Silence:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
}

// Result reports what Apply did.
type Result struct {
	Action     Action
	ResourceID string
	// Found is false when no warning record exists, which is the steady
	// state after the governor has already shut the instance down.
	Found  bool
	Record ledger.WarningRecord
}

// Applier mutates the ledger for override requests.
type Applier struct {
	ledger  ledger.Ledger
	metrics *telemetry.Metrics
	window  time.Duration
	now     func() time.Time
}

// Option configures an Applier.
type Option func(*Applier)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Applier) { a.now = now }
}

// WithMetrics records override outcomes on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(a *Applier) { a.metrics = m }
}

// NewApplier creates an Applier over l.
func NewApplier(l ledger.Ledger, opts ...Option) *Applier {
	a := &Applier{
		ledger: l,
		window: ledger.PostponeWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply performs action on the record for resourceID. transport labels
// the request origin in logs and metrics.
func (a *Applier) Apply(ctx context.Context, resourceID string, action Action, transport string) (Result, error) {
	id := Sanitize(resourceID)
	logger := log.With().
		Str("component", "override").
		Str("transport", transport).
		Str("action", string(action)).
		Str("instance_id", id).
		Logger()

	if action != Postpone && action != Silence {
		a.metrics.RecordOverride(ctx, transport, string(action), "rejected")
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if id == "" {
		a.metrics.RecordOverride(ctx, transport, string(action), "rejected")
		return Result{}, ErrEmptyResourceID
	}

	now := a.now()
	m, err := a.ledger.Mutate(ctx, id, func(cur *ledger.WarningRecord) (ledger.Mutation, error) {
		if cur == nil {
			return ledger.Keep(), nil
		}
		switch action {
		case Postpone:
			return ledger.Put(ledger.Postpone(*cur, now, a.window)), nil
		default:
			return ledger.Put(ledger.Silence(*cur, now)), nil
		}
	})
	if err != nil {
		a.metrics.RecordOverride(ctx, transport, string(action), "error")
		return Result{}, fmt.Errorf("apply %s to %s: %w", action, id, err)
	}

	res := Result{Action: action, ResourceID: id}
	if m.Op != ledger.OpPut {
		logger.Info().Msg("no warning record, instance already shut down")
		a.metrics.RecordOverride(ctx, transport, string(action), "absent")
		return res, nil
	}

	res.Found = true
	res.Record = m.Record
	logger.Info().
		Int("strikes", m.Record.Strikes).
		Bool("silenced", m.Record.Silenced).
		Msg("override applied")
	a.metrics.RecordOverride(ctx, transport, string(action), "applied")
	return res, nil
}
