package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/curfew/internal/daemon"
	"github.com/yairfalse/curfew/internal/server"
)

var (
	daemonDryRun   bool
	daemonOnce     bool
	daemonNoServer bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the governor continuously",
	Long: `Run reconciliation passes on the configured interval, serve the Slack
webhook and warnings API, and consume overrides from SQS when a queue
is configured.

Examples:
  # Run with the default curfew.toml
  curfew daemon

  # Warn but never stop instances
  curfew daemon --dry-run

  # One pass, then exit
  curfew daemon --once`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonDryRun, "dry-run", false, "never stop instances")
	daemonCmd.Flags().BoolVar(&daemonOnce, "once", false, "run a single pass and exit")
	daemonCmd.Flags().BoolVar(&daemonNoServer, "no-server", false, "do not start the HTTP server")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, daemonDryRun)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			log.Warn().Err(err).Msg("shutdown")
		}
	}()

	metrics, err := daemon.NewDaemonMetrics(a.telemetry.Meter())
	if err != nil {
		return err
	}
	d, err := daemon.NewDaemon(daemon.Config{
		Interval:        cfg.Governor.Interval,
		ShutdownTimeout: 10 * time.Second,
	}, a.reconciler, metrics)
	if err != nil {
		return err
	}

	if daemonOnce {
		result, err := d.RunOnce(ctx)
		if err != nil {
			return err
		}
		printPassResult(cmd.OutOrStdout(), result)
		return nil
	}

	var srv *server.Server
	if !daemonNoServer {
		srv = server.New(server.Config{
			Addr:          cfg.Server.Addr,
			SigningSecret: cfg.Slack.SigningSecret,
			MaxRequestAge: cfg.Slack.MaxRequestAge,
		}, a.applier, a.store,
			server.WithHealth(func() any { return d.Health() }),
			server.WithMetricsHandler(a.telemetry.MetricsHandler()),
			server.WithTracer(a.telemetry.Tracer()),
		)
		if cfg.Slack.SigningSecret == "" {
			log.Warn().Msg("no slack signing secret configured, webhook will reject every request")
		}
	}

	log.Info().
		Dur("interval", cfg.Governor.Interval).
		Dur("time_limit", cfg.Governor.TimeLimit).
		Int("max_warnings", cfg.Governor.MaxWarnings).
		Bool("production", cfg.Governor.Production && !daemonDryRun).
		Bool("queue", a.consumer != nil).
		Msg("starting curfew daemon")

	var (
		httpSrv  *http.Server
		consumer daemon.Consumer
	)
	if srv != nil {
		httpSrv = srv.HTTPServer()
	}
	if a.consumer != nil {
		consumer = a.consumer
	}

	if err := d.Run(ctx, httpSrv, consumer); err != nil && ctx.Err() == nil {
		return fmt.Errorf("daemon: %w", err)
	}
	log.Info().Int64("passes", d.PassCount()).Msg("curfew daemon stopped")
	return nil
}
