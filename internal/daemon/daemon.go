// Package daemon runs reconciliation passes on an interval alongside the
// webhook server and queue consumer.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/run"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/curfew/internal/governor"
)

// Passer runs one reconciliation pass. governor.Reconciler implements it.
type Passer interface {
	Pass(ctx context.Context) (governor.PassResult, error)
}

// Consumer is a long-running background worker such as the queue consumer.
type Consumer interface {
	Run(ctx context.Context) error
}

// Config holds daemon configuration
type Config struct {
	Interval time.Duration
	// SkipInitialPass waits for the first tick instead of passing at startup.
	SkipInitialPass bool
	// ShutdownTimeout bounds the HTTP server drain.
	ShutdownTimeout time.Duration
}

// Daemon manages continuous reconciliation. At most one pass runs at a
// time; a tick that arrives while a pass is running is skipped.
type Daemon struct {
	passer          Passer
	interval        time.Duration
	skipInitial     bool
	shutdownTimeout time.Duration
	metrics         *DaemonMetrics
	startTime       time.Time

	running  atomic.Bool
	inflight sync.WaitGroup
	passes   atomic.Int64
	failures atomic.Int64
	skipped  atomic.Int64
	lastPass atomic.Pointer[PassStatus]
}

// NewDaemon creates a new daemon instance. metrics may be nil.
func NewDaemon(config Config, passer Passer, metrics *DaemonMetrics) (*Daemon, error) {
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", config.Interval)
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	return &Daemon{
		passer:          passer,
		interval:        config.Interval,
		skipInitial:     config.SkipInitialPass,
		shutdownTimeout: config.ShutdownTimeout,
		metrics:         metrics,
		startTime:       time.Now(),
	}, nil
}

// Start runs the pass loop until ctx is done, then waits for the pass in
// flight to return.
func (d *Daemon) Start(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	defer d.inflight.Wait()

	log.Info().Dur("interval", d.interval).Msg("reconciliation loop started")
	if !d.skipInitial {
		d.Trigger(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Trigger(ctx)
		}
	}
}

// Trigger starts a pass in the background unless one is already running.
// It reports whether a pass was started.
func (d *Daemon) Trigger(ctx context.Context) bool {
	if !d.running.CompareAndSwap(false, true) {
		d.skipped.Add(1)
		d.metrics.RecordSkippedTick(ctx)
		log.Warn().Msg("previous pass still running, tick skipped")
		return false
	}

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		defer d.running.Store(false)
		d.runPass(ctx)
	}()
	return true
}

// RunOnce runs a single pass in the caller's goroutine.
func (d *Daemon) RunOnce(ctx context.Context) (governor.PassResult, error) {
	if !d.running.CompareAndSwap(false, true) {
		d.skipped.Add(1)
		return governor.PassResult{}, errors.New("a pass is already running")
	}
	defer d.running.Store(false)
	return d.runPass(ctx)
}

func (d *Daemon) runPass(ctx context.Context) (governor.PassResult, error) {
	start := time.Now()
	result, err := d.passer.Pass(ctx)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
		d.failures.Add(1)
		log.Error().Err(err).Msg("reconciliation pass failed")
	}
	d.passes.Add(1)
	d.metrics.RecordPass(ctx, status, duration.Seconds())
	d.metrics.RecordInstancesListed(ctx, int64(result.Listed))

	d.lastPass.Store(&PassStatus{
		PassID:     result.PassID,
		Status:     status,
		StartedAt:  start,
		Duration:   duration.String(),
		Listed:     result.Listed,
		Terminated: result.Terminated,
		Errors:     result.Errors,
	})
	return result, err
}

// Run executes the pass loop, srv and consumer as one group. The first
// member to return stops the others. srv and consumer may be nil.
func (d *Daemon) Run(ctx context.Context, srv *http.Server, consumer Consumer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g run.Group
	g.Add(func() error {
		return d.Start(ctx)
	}, func(error) {
		cancel()
	})

	if srv != nil {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", srv.Addr, err)
		}
		g.Add(func() error {
			log.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		}, func(error) {
			shutdownCtx, stop := context.WithTimeout(context.Background(), d.shutdownTimeout)
			defer stop()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("http server shutdown")
			}
		})
	}

	if consumer != nil {
		g.Add(func() error {
			return consumer.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	return g.Run()
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	status := "healthy"
	last := d.lastPass.Load()
	if last != nil && last.Status != "success" {
		status = "degraded"
	}
	return HealthStatus{
		Status:       status,
		Uptime:       int64(time.Since(d.startTime).Seconds()),
		Passes:       d.passes.Load(),
		Failures:     d.failures.Load(),
		SkippedTicks: d.skipped.Load(),
		Running:      d.running.Load(),
		LastPass:     last,
	}
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status       string      `json:"status"`
	Uptime       int64       `json:"uptime_seconds"`
	Passes       int64       `json:"passes"`
	Failures     int64       `json:"failures"`
	SkippedTicks int64       `json:"skipped_ticks"`
	Running      bool        `json:"running"`
	LastPass     *PassStatus `json:"last_pass,omitempty"`
}

// PassStatus summarizes the most recent pass.
type PassStatus struct {
	PassID     string    `json:"pass_id"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	Duration   string    `json:"duration"`
	Listed     int       `json:"listed"`
	Terminated int       `json:"terminated"`
	Errors     int       `json:"errors"`
}

// PassCount returns total passes run
func (d *Daemon) PassCount() int64 {
	return d.passes.Load()
}

// SkippedTicks returns ticks dropped because a pass was still running.
func (d *Daemon) SkippedTicks() int64 {
	return d.skipped.Load()
}
