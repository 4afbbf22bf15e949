// Package server exposes the dictation pipeline over HTTP.
//
// The mux serves:
//
//	POST /v1/recording/start   start a recording (?polish=true for one-off polish)
//	POST /v1/recording/stop    stop and transcribe
//	POST /v1/recording/cancel  discard the active recording
//	GET  /v1/status            current pipeline status
//	GET  /v1/history           newest transcripts (?limit=)
//	GET  /v1/history/search    keyword or semantic search (?q=, ?limit=)
//	GET  /v1/capture           WebSocket carrying audio in and status out
//	     /mcp                  MCP tool endpoint (streamable HTTP)
//	GET  /healthz, /readyz     liveness and readiness probes
//	GET  /metrics              Prometheus exposition
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/MrWong99/dictum/internal/health"
	"github.com/MrWong99/dictum/internal/history"
	"github.com/MrWong99/dictum/internal/observe"
	"github.com/MrWong99/dictum/internal/pipeline"
	"github.com/MrWong99/dictum/pkg/audio"
)

// Controller drives the pipeline. [*pipeline.Machine] implements it.
type Controller interface {
	StartRecording(ctx context.Context, opts ...pipeline.StartOption) (bool, error)
	StopAndTranscribe(ctx context.Context) (bool, error)
	CancelRecording(ctx context.Context) (bool, error)
	Status() pipeline.Status
	Subscribe() (<-chan pipeline.Status, func())
}

// Sink receives decoded capture audio. [*audio.StreamCapture] implements it.
type Sink interface {
	Write(samples []float32) bool
}

// HistoryReader is the read side of transcript history.
// [*history.Service] implements it.
type HistoryReader interface {
	List(ctx context.Context, limit int) ([]history.Entry, error)
	Search(ctx context.Context, query string, limit int) ([]history.Hit, error)
}

var (
	_ Controller    = (*pipeline.Machine)(nil)
	_ Sink          = (*audio.StreamCapture)(nil)
	_ HistoryReader = (*history.Service)(nil)
)

// Server routes HTTP requests to the pipeline and its supporting services.
type Server struct {
	ctl        Controller
	sink       Sink
	hist       HistoryReader
	health     *health.Handler
	metricsH   http.Handler
	metrics    *observe.Metrics
	sampleRate int
	mcp        bool
	version    string
	log        *slog.Logger
}

// Option configures a [Server].
type Option func(*Server)

// WithHistory enables the history endpoints and the search_history tool.
func WithHistory(h HistoryReader) Option {
	return func(s *Server) { s.hist = h }
}

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsH = h }
}

// WithMetrics sets the instruments used by the request middleware and the
// capture endpoint. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithSampleRate sets the rate capture audio is converted to.
// Default: [audio.DefaultSampleRate].
func WithSampleRate(rate int) Option {
	return func(s *Server) { s.sampleRate = rate }
}

// WithMCP enables the /mcp endpoint.
func WithMCP(on bool) Option {
	return func(s *Server) { s.mcp = on }
}

// WithVersion sets the version reported to MCP clients.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New creates a Server for ctl. Audio received on /v1/capture is written
// to sink; a nil sink disables the capture endpoint.
func New(ctl Controller, sink Sink, opts ...Option) *Server {
	s := &Server{
		ctl:        ctl,
		sink:       sink,
		sampleRate: audio.DefaultSampleRate,
		version:    "dev",
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the fully routed handler wrapped in the observability
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/recording/start", s.handleStart)
	mux.HandleFunc("POST /v1/recording/stop", s.handleStop)
	mux.HandleFunc("POST /v1/recording/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	if s.hist != nil {
		mux.HandleFunc("GET /v1/history", s.handleHistory)
		mux.HandleFunc("GET /v1/history/search", s.handleSearch)
	}
	if s.sink != nil {
		mux.HandleFunc("GET /v1/capture", s.handleCapture)
	}
	if s.mcp {
		mux.Handle("/mcp", s.mcpHandler())
	}
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsH != nil {
		mux.Handle("GET /metrics", s.metricsH)
	}
	return observe.Middleware(s.metrics, s.log)(mux)
}
