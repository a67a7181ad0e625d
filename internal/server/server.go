// Package server exposes the chat interactivity webhook, the read-only
// warnings API, health and metrics over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/curfew/internal/ledger"
	"github.com/yairfalse/curfew/internal/override"
)

// DefaultMaxBodyBytes caps request bodies.
const DefaultMaxBodyBytes = 1 << 20

// Overrider applies override actions. override.Applier implements it.
type Overrider interface {
	Apply(ctx context.Context, resourceID string, action override.Action, transport string) (override.Result, error)
}

// WarningReader reads warning records.
type WarningReader interface {
	Get(ctx context.Context, id string) (ledger.WarningRecord, error)
	List(ctx context.Context) ([]ledger.WarningRecord, error)
}

// Config configures a Server.
type Config struct {
	Addr          string
	SigningSecret string
	// MaxRequestAge rejects webhook calls signed longer ago. Zero keeps only
	// the five minute window slack-go enforces.
	MaxRequestAge time.Duration
	MaxBodyBytes  int64
}

// Server routes HTTP requests.
type Server struct {
	cfg      Config
	router   *mux.Router
	applier  Overrider
	warnings WarningReader
	health   func() any
	metrics  http.Handler
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithHealth sets the body served at /health.
func WithHealth(fn func() any) Option {
	return func(s *Server) { s.health = fn }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithTracer traces requests with t.
func WithTracer(t trace.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// WithClock replaces time.Now for signature age checks.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a server.
func New(cfg Config, applier Overrider, warnings WarningReader, opts ...Option) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	s := &Server{
		cfg:      cfg,
		applier:  applier,
		warnings: warnings,
		tracer:   otel.Tracer("github.com/yairfalse/curfew/internal/server"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.tracing, hlog.NewHandler(log.Logger), accessLog())

	r.HandleFunc("/api/slack/instance-action", s.handleInstanceAction).Methods(http.MethodPost)
	r.HandleFunc("/instance-action", s.handleInstanceAction).Methods(http.MethodPost)

	api := r.PathPrefix("/api/warnings").Subrouter()
	api.HandleFunc("/get-instances", s.handleListWarnings).Methods(http.MethodGet)
	api.HandleFunc("/get-instances/{instance_id}", s.handleGetWarning).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// HTTPServer builds the http.Server listening on the configured address.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	var body any = map[string]string{"status": "healthy"}
	if s.health != nil {
		body = s.health()
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("write response failed")
	}
}

func writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(text))
}
