package governor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/curfew/internal/identity"
	"github.com/yairfalse/curfew/internal/ledger"
	"github.com/yairfalse/curfew/internal/notify"
	"github.com/yairfalse/curfew/internal/policy"
	"github.com/yairfalse/curfew/internal/provider"
	"github.com/yairfalse/curfew/internal/telemetry"
	"github.com/yairfalse/curfew/pkg/resource"
)

// Evaluator classifies an instance. policy.Evaluator implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, inst resource.Instance, now time.Time) policy.Verdict
}

// OwnerResolver maps an owner email to a chat identity. identity.Cache implements it.
type OwnerResolver interface {
	Resolve(ctx context.Context, email string, now time.Time) identity.Owner
}

// Notifier delivers notices best-effort. notify.Dispatcher implements it.
type Notifier interface {
	Warn(ctx context.Context, n notify.Notice) bool
	Shutdown(ctx context.Context, n notify.Notice) bool
}

// Deps are the collaborators of a Reconciler.
type Deps struct {
	Provider  provider.InstanceProvider
	Evaluator Evaluator
	Owners    OwnerResolver
	Ledger    ledger.Ledger
	Notifier  Notifier
}

// Options tune a Reconciler.
type Options struct {
	TagFilters []resource.Tag
	MaxStrikes int
	// Production enables the provider stop call. Otherwise terminations
	// only delete the record and notify.
	Production bool
	Metrics    *telemetry.Metrics
	Tracer     trace.Tracer
	Clock      func() time.Time
}

// PassResult summarizes one reconciliation pass.
type PassResult struct {
	PassID     string        `json:"pass_id"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Listed     int           `json:"listed"`
	Skipped    int           `json:"skipped"`
	Created    int           `json:"created"`
	Held       int           `json:"held"`
	Struck     int           `json:"struck"`
	Terminated int           `json:"terminated"`
	Warnings   int           `json:"warnings"`
	Shutdowns  int           `json:"shutdowns"`
	StopErrors int           `json:"stop_errors"`
	Errors     int           `json:"errors"`
	DryRun     bool          `json:"dry_run"`
}

// Reconciler runs reconciliation passes.
type Reconciler struct {
	deps   Deps
	opts   Options
	tracer trace.Tracer
	now    func() time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler(deps Deps, opts Options) *Reconciler {
	if opts.MaxStrikes <= 0 {
		opts.MaxStrikes = DefaultMaxStrikes
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/yairfalse/curfew/internal/governor")
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Reconciler{deps: deps, opts: opts, tracer: tracer, now: now}
}

// Pass lists running instances and advances each eligible one by one
// escalation step. A listing failure aborts the pass; failures on single
// instances are logged and counted, and the pass moves on.
func (r *Reconciler) Pass(ctx context.Context) (PassResult, error) {
	now := r.now()
	result := PassResult{
		PassID:    uuid.NewString(),
		StartedAt: now,
		DryRun:    !r.opts.Production,
	}

	ctx, span := r.tracer.Start(ctx, "governor.pass", trace.WithAttributes(
		attribute.String("pass_id", result.PassID),
		attribute.Bool("dry_run", result.DryRun),
	))
	defer span.End()

	logger := telemetry.NewLogger("governor").WithContext(ctx).With().Str("pass_id", result.PassID).Logger()
	start := time.Now()

	instances, err := r.deps.Provider.ListRunning(ctx, r.opts.TagFilters)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		result.Duration = time.Since(start)
		return result, fmt.Errorf("list running instances: %w", err)
	}
	result.Listed = len(instances)

	for _, inst := range instances {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(start)
			return result, fmt.Errorf("pass interrupted: %w", err)
		}
		r.reconcile(ctx, logger, inst, now, &result)
	}

	result.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("listed", result.Listed),
		attribute.Int("terminated", result.Terminated),
		attribute.Int("errors", result.Errors),
	)

	logger.Info().
		Int("listed", result.Listed).
		Int("skipped", result.Skipped).
		Int("created", result.Created).
		Int("held", result.Held).
		Int("struck", result.Struck).
		Int("terminated", result.Terminated).
		Int("errors", result.Errors).
		Dur("duration", result.Duration).
		Bool("dry_run", result.DryRun).
		Msg("pass complete")
	return result, nil
}

func (r *Reconciler) reconcile(ctx context.Context, logger zerolog.Logger, inst resource.Instance, now time.Time, result *PassResult) {
	name := policy.DisplayName(inst)
	logger = logger.With().Str("instance_id", inst.ID).Str("name", name).Logger()

	verdict := r.deps.Evaluator.Evaluate(ctx, inst, now)
	if verdict != policy.Eligible {
		logger.Debug().Str("verdict", verdict.String()).Msg("instance skipped")
		r.opts.Metrics.RecordDecision(ctx, verdict.String())
		result.Skipped++
		return
	}

	owner := r.deps.Owners.Resolve(ctx, policy.OwnerEmail(inst), now)

	in := Input{Instance: inst, Name: name, MaxStrikes: r.opts.MaxStrikes}
	var d Decision
	_, err := r.deps.Ledger.Mutate(ctx, inst.ID, func(current *ledger.WarningRecord) (ledger.Mutation, error) {
		d = Decide(current, in, now)
		return d.Mutation(), nil
	})
	if err != nil {
		logger.Error().Err(err).Ctx(ctx).Msg("ledger update failed")
		result.Errors++
		return
	}

	r.opts.Metrics.RecordDecision(ctx, d.Action.String())
	logger.Info().
		Str("action", d.Action.String()).
		Int("strikes", d.Record.Strikes).
		Bool("silenced", d.Record.Silenced).
		Msg("decision committed")

	notice := notify.Notice{InstanceID: inst.ID, Name: name, OwnerHandle: owner.Handle()}

	switch d.Action {
	case ActionCreate:
		result.Created++
	case ActionHold:
		result.Held++
	case ActionStrike:
		result.Struck++
	case ActionTerminate:
		result.Terminated++
		r.stop(ctx, logger, inst.ID, result)
	}

	switch d.Notify {
	case NotifyWarning:
		if r.deps.Notifier.Warn(ctx, notice) {
			result.Warnings++
		}
	case NotifyShutdown:
		if r.deps.Notifier.Shutdown(ctx, notice) {
			result.Shutdowns++
		}
	}
}

// stop calls the provider. A failed stop is only logged; the record is
// already gone, so the next pass sees the still-running instance as new.
func (r *Reconciler) stop(ctx context.Context, logger zerolog.Logger, id string, result *PassResult) {
	if !r.opts.Production {
		logger.Info().Msg("dry run, instance not stopped")
		r.opts.Metrics.RecordStop(ctx, "dry_run")
		return
	}
	if err := r.deps.Provider.Stop(ctx, id); err != nil {
		logger.Error().Err(err).Ctx(ctx).Msg("stop instance failed")
		r.opts.Metrics.RecordStop(ctx, "error")
		result.StopErrors++
		return
	}
	logger.Warn().Msg("instance stopped")
	r.opts.Metrics.RecordStop(ctx, "stopped")
}
