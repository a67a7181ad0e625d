package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/curfew/internal/config"
	"github.com/yairfalse/curfew/internal/governor"
	"github.com/yairfalse/curfew/internal/identity"
	"github.com/yairfalse/curfew/internal/notify"
	"github.com/yairfalse/curfew/internal/override"
	"github.com/yairfalse/curfew/internal/policy"
	"github.com/yairfalse/curfew/internal/provider"
	awsprovider "github.com/yairfalse/curfew/internal/provider/aws"
	"github.com/yairfalse/curfew/internal/queue"
	"github.com/yairfalse/curfew/internal/slack"
	"github.com/yairfalse/curfew/internal/store"
	"github.com/yairfalse/curfew/internal/telemetry"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg        *config.Config
	awsCfg     aws.Config
	store      store.Backend
	telemetry  *telemetry.Provider
	metrics    *telemetry.Metrics
	applier    *override.Applier
	reconciler *governor.Reconciler
	consumer   *queue.Consumer
}

// openStore opens only the ledger, for commands that never touch EC2 or Slack.
func openStore(ctx context.Context, c *config.Config) (store.Backend, error) {
	var awsCfg aws.Config
	if c.Store.Backend == "dynamodb" {
		var err error
		awsCfg, err = awsprovider.LoadConfig(ctx, c.AWS.Region, c.AWS.Profile)
		if err != nil {
			return nil, err
		}
	}
	backend, err := store.Open(ctx, c.Store, awsCfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", c.Store.Backend, err)
	}
	return backend, nil
}

// buildApp wires every component. dryRun disables instance stops
// regardless of the production setting.
func buildApp(ctx context.Context, c *config.Config, dryRun bool) (*app, error) {
	awsCfg, err := awsprovider.LoadConfig(ctx, c.AWS.Region, c.AWS.Profile)
	if err != nil {
		return nil, err
	}

	backend, err := store.Open(ctx, c.Store, awsCfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", c.Store.Backend, err)
	}

	a := &app{cfg: c, awsCfg: awsCfg, store: backend}
	if err := a.wire(ctx, dryRun); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, dryRun bool) error {
	c := a.cfg

	tp, err := telemetry.NewProvider(ctx, c.OTEL)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	a.telemetry = tp

	a.metrics, err = telemetry.NewMetrics(tp.Meter())
	if err != nil {
		return err
	}

	hours, err := policy.NewWorkHours(c.Governor.WorkHours.Days, c.Governor.WorkHours.Start,
		c.Governor.WorkHours.End, c.Governor.WorkHours.Timezone)
	if err != nil {
		return fmt.Errorf("work hours: %w", err)
	}

	// Interface values stay nil without a token.
	var (
		messenger notify.Messenger
		directory identity.Directory
	)
	if c.Slack.Token != "" {
		client := slack.NewClient(c.Slack.Token, slack.WithBaseURL(c.Slack.APIURL))
		messenger, directory = client, client
	} else {
		log.Warn().Msg("no slack token configured, notifications disabled")
	}

	var exempter policy.Exempter
	if c.Policy.RegoFile != "" {
		rego, err := policy.LoadRegoExempter(ctx, c.Policy.RegoFile)
		if err != nil {
			return fmt.Errorf("load rego policy: %w", err)
		}
		exempter = rego
	}

	owners := identity.NewCache(a.store, directory, identity.Config{
		WorkHours: hours,
		Timeout:   c.Governor.DirectoryTimeout,
		Metrics:   a.metrics,
	})

	dispatcher := notify.NewDispatcher(messenger, notify.Options{
		Channel: c.Slack.Channel,
		Spacing: c.Slack.SendSpacing,
		Metrics: a.metrics,
	})

	a.reconciler = governor.NewReconciler(governor.Deps{
		Provider:  provider.WithTimeout(awsprovider.NewFromConfig(a.awsCfg), c.Governor.ProviderTimeout),
		Evaluator: policy.NewEvaluator(c.Governor.Whitelist, c.Governor.TimeLimit, exempter),
		Owners:    owners,
		Ledger:    a.store,
		Notifier:  dispatcher,
	}, governor.Options{
		TagFilters: c.Governor.TagFilters,
		MaxStrikes: c.Governor.MaxWarnings,
		Production: c.Governor.Production && !dryRun,
		Metrics:    a.metrics,
		Tracer:     tp.Tracer(),
	})

	a.applier = override.NewApplier(a.store, override.WithMetrics(a.metrics))

	if c.SQS.QueueURL != "" {
		a.consumer = queue.NewConsumer(sqs.NewFromConfig(a.awsCfg), a.applier, queue.Config{
			QueueURL:          c.SQS.QueueURL,
			MaxMessages:       c.SQS.MaxMessages,
			VisibilityTimeout: c.SQS.VisibilityTimeout,
			WaitTimeSeconds:   c.SQS.WaitTimeSeconds,
			PollInterval:      c.SQS.PollInterval,
			MaxReceives:       c.SQS.MaxReceives,
		})
	}
	return nil
}

// Close flushes telemetry and closes the store.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
