package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/curfew/internal/governor"
)

// mockPasser implements Passer for testing.
type mockPasser struct {
	calls    atomic.Int64
	PassFunc func(ctx context.Context) (governor.PassResult, error)
}

func (m *mockPasser) Pass(ctx context.Context) (governor.PassResult, error) {
	m.calls.Add(1)
	if m.PassFunc != nil {
		return m.PassFunc(ctx)
	}
	return governor.PassResult{PassID: fmt.Sprintf("pass-%d", m.calls.Load()), Listed: 2}, nil
}

type mockConsumer struct {
	started atomic.Bool
	RunFunc func(ctx context.Context) error
}

func (m *mockConsumer) Run(ctx context.Context) error {
	m.started.Store(true)
	if m.RunFunc != nil {
		return m.RunFunc(ctx)
	}
	<-ctx.Done()
	return nil
}

func TestNewDaemon(t *testing.T) {
	d, err := NewDaemon(Config{Interval: 5 * time.Minute}, &mockPasser{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, d.interval)

	_, err = NewDaemon(Config{}, &mockPasser{}, nil)
	assert.Error(t, err)
}

func TestDaemon_InitialPass(t *testing.T) {
	p := &mockPasser{}
	d, err := NewDaemon(Config{Interval: time.Hour}, p, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	require.Eventually(t, func() bool { return d.PassCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-errCh)
	assert.Equal(t, int64(1), p.calls.Load())
}

func TestDaemon_SkipInitialPass(t *testing.T) {
	p := &mockPasser{}
	d, err := NewDaemon(Config{Interval: time.Hour, SkipInitialPass: true}, p, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, d.Start(ctx))
	assert.Equal(t, int64(0), p.calls.Load())
}

func TestDaemon_PassLoop(t *testing.T) {
	p := &mockPasser{}
	d, err := NewDaemon(Config{Interval: 20 * time.Millisecond}, p, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Start(ctx) }()

	require.Eventually(t, func() bool { return d.PassCount() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestDaemon_SkipsTickWhilePassRunning(t *testing.T) {
	release := make(chan struct{})
	p := &mockPasser{PassFunc: func(ctx context.Context) (governor.PassResult, error) {
		<-release
		return governor.PassResult{}, nil
	}}
	d, err := NewDaemon(Config{Interval: 10 * time.Millisecond}, p, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	require.Eventually(t, func() bool { return d.SkippedTicks() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), p.calls.Load(), "no overlapping passes")
	assert.True(t, d.Health().Running)

	close(release)
	cancel()
	require.NoError(t, <-errCh)
}

func TestDaemon_StartWaitsForInflightPass(t *testing.T) {
	var finished atomic.Bool
	p := &mockPasser{PassFunc: func(ctx context.Context) (governor.PassResult, error) {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return governor.PassResult{}, ctx.Err()
	}}
	d, err := NewDaemon(Config{Interval: time.Hour}, p, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	require.Eventually(t, func() bool { return p.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)
	assert.True(t, finished.Load())
}

func TestDaemon_RunOnce(t *testing.T) {
	p := &mockPasser{}
	d, err := NewDaemon(Config{Interval: time.Hour}, p, nil)
	require.NoError(t, err)

	res, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pass-1", res.PassID)

	h := d.Health()
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, int64(1), h.Passes)
	require.NotNil(t, h.LastPass)
	assert.Equal(t, "pass-1", h.LastPass.PassID)
	assert.Equal(t, 2, h.LastPass.Listed)
}

func TestDaemon_FailedPassDegradesHealth(t *testing.T) {
	p := &mockPasser{PassFunc: func(ctx context.Context) (governor.PassResult, error) {
		return governor.PassResult{PassID: "p"}, errors.New("list running instances: throttled")
	}}
	d, err := NewDaemon(Config{Interval: time.Hour}, p, nil)
	require.NoError(t, err)

	_, err = d.RunOnce(context.Background())
	require.Error(t, err)

	h := d.Health()
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, int64(1), h.Failures)
}

func TestDaemon_Health(t *testing.T) {
	d, err := NewDaemon(Config{Interval: 5 * time.Minute}, &mockPasser{}, nil)
	require.NoError(t, err)

	health := d.Health()

	assert.Equal(t, "healthy", health.Status)
	assert.GreaterOrEqual(t, health.Uptime, int64(0))
	assert.Nil(t, health.LastPass)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestDaemon_RunGroup(t *testing.T) {
	d, err := NewDaemon(Config{Interval: time.Hour}, &mockPasser{}, nil)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(d.Health())
	})
	srv := &http.Server{Addr: freeAddr(t), Handler: mux, ReadHeaderTimeout: time.Second}
	consumer := &mockConsumer{}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx, srv, consumer) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + srv.Addr + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && len(body) > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, consumer.started.Load())

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("group did not shut down")
	}
}

func TestDaemon_RunGroupStopsOnConsumerError(t *testing.T) {
	d, err := NewDaemon(Config{Interval: time.Hour}, &mockPasser{}, nil)
	require.NoError(t, err)
	consumer := &mockConsumer{RunFunc: func(context.Context) error {
		return errors.New("queue gone")
	}}

	err = d.Run(context.Background(), nil, consumer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue gone")
}

func TestDaemon_RunListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	d, err := NewDaemon(Config{Interval: time.Hour}, &mockPasser{}, nil)
	require.NoError(t, err)

	err = d.Run(context.Background(), &http.Server{Addr: ln.Addr().String(), ReadHeaderTimeout: time.Second}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen on")
}
