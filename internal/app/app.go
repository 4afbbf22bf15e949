// Package app wires the dictation subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP surfaces and drives the pipeline, and
// Shutdown tears everything down in order. ApplyConfig hot-reloads the
// settings that may change between recordings.
//
// For testing, inject doubles via functional options (WithHistoryStore,
// WithListener, ...). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/dictum/internal/config"
	"github.com/MrWong99/dictum/internal/health"
	"github.com/MrWong99/dictum/internal/history"
	"github.com/MrWong99/dictum/internal/history/postgres"
	"github.com/MrWong99/dictum/internal/observe"
	"github.com/MrWong99/dictum/internal/pipeline"
	"github.com/MrWong99/dictum/internal/polish"
	"github.com/MrWong99/dictum/internal/resilience"
	"github.com/MrWong99/dictum/internal/server"
	"github.com/MrWong99/dictum/pkg/audio"
	"github.com/MrWong99/dictum/pkg/provider/embeddings"
	"github.com/MrWong99/dictum/pkg/provider/llm"
	"github.com/MrWong99/dictum/pkg/provider/stt"
	"github.com/MrWong99/dictum/pkg/provider/vad"
)

// shutdownTimeout bounds the graceful HTTP shutdown once Run's context ends.
const shutdownTimeout = 10 * time.Second

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry;
// STT and LLM may be fallback groups.
type Providers struct {
	VAD        vad.Classifier
	STT        stt.Provider
	LLM        llm.Provider
	Embeddings embeddings.Provider
}

// statusReporter is implemented by the resilience fallback groups.
type statusReporter interface {
	Status() []resilience.EntryStatus
}

// pinger is implemented by stores backed by a remote database.
type pinger interface {
	Ping(ctx context.Context) error
}

// App owns all subsystem lifetimes of the dictation service.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger

	// Subsystems, initialised in New and torn down in Shutdown.
	store    history.Store
	history  *history.Service
	polisher *reloadablePolisher
	capture  *audio.StreamCapture
	machine  *pipeline.Machine
	health   *health.Handler
	server   *server.Server

	metrics        *observe.Metrics
	metricsHandler http.Handler
	listener       net.Listener
	version        string

	reloadMu sync.Mutex
	running  atomic.Bool

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistoryStore injects a history store instead of creating one from
// config.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the metric instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithListener serves on ln instead of listening on cfg.Server.ListenAddr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithVersion sets the version reported by the MCP endpoint.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). STT and VAD are
// required; LLM and Embeddings are optional.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
		version:   "dev",
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if providers == nil || providers.STT == nil {
		return nil, errors.New("app: an stt provider is required")
	}
	if providers.VAD == nil {
		return nil, errors.New("app: a vad classifier is required")
	}

	// ── 1. History ───────────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 2. Polisher ──────────────────────────────────────────────────────
	a.polisher = &reloadablePolisher{}
	a.polisher.Store(a.newPolisher(cfg))

	// ── 3. Capture + pipeline ────────────────────────────────────────────
	if err := a.initPipeline(); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 4. Health ────────────────────────────────────────────────────────
	a.initHealth()

	// ── 5. HTTP surfaces ─────────────────────────────────────────────────
	srvOpts := []server.Option{
		server.WithHistory(a.history),
		server.WithHealth(a.health),
		server.WithMetrics(a.metrics),
		server.WithSampleRate(cfg.Audio.SampleRate),
		server.WithMCP(cfg.Server.MCP),
		server.WithVersion(a.version),
		server.WithLogger(a.log),
	}
	if a.metricsHandler != nil {
		srvOpts = append(srvOpts, server.WithMetricsHandler(a.metricsHandler))
	}
	a.server = server.New(a.machine, a.capture, srvOpts...)

	// ── 6. Provider resources ────────────────────────────────────────────
	// Native models (silero, whisper.cpp) hold C memory until closed.
	for _, p := range []any{providers.VAD, providers.STT, providers.LLM, providers.Embeddings} {
		if c, ok := p.(io.Closer); ok {
			a.closers = append(a.closers, c.Close)
		}
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initHistory sets up the transcript store: injected, PostgreSQL when a DSN
// is configured, in-memory otherwise.
func (a *App) initHistory(ctx context.Context) error {
	if a.store == nil {
		if dsn := a.cfg.History.PostgresDSN; dsn != "" {
			dims := a.cfg.History.EmbeddingDimensions
			if dims == 0 {
				dims = config.DefaultEmbeddingDimensions
			}
			store, err := postgres.NewStore(ctx, dsn, dims)
			if err != nil {
				return err
			}
			a.closers = append(a.closers, func() error {
				store.Close()
				return nil
			})
			a.store = store
			a.log.Info("history: using postgres store", "embedding_dimensions", dims)
		} else {
			a.store = history.NewMemStore()
			a.log.Info("history: using in-memory store")
		}
	}

	hopts := []history.ServiceOption{
		history.WithMaxEntries(a.cfg.History.MaxEntries),
		history.WithLogger(a.log),
	}
	if a.providers.Embeddings != nil {
		hopts = append(hopts, history.WithEmbedder(a.providers.Embeddings))
	}
	a.history = history.NewService(a.store, hopts...)
	return nil
}

// newPolisher builds a polisher from cfg. Without an LLM it only applies
// vocabulary corrections.
func (a *App) newPolisher(cfg *config.Config) *polish.Polisher {
	return polish.New(a.providers.LLM,
		polish.WithSystemPrompt(cfg.Polish.SystemPrompt),
		polish.WithTemperature(cfg.Polish.Temperature),
		polish.WithMaxTokens(cfg.Polish.MaxTokens),
		polish.WithVocabulary(polish.NewVocabulary(cfg.Polish.Vocabulary)),
		polish.WithLogger(a.log),
	)
}

// initPipeline creates the capture hub and the state machine.
func (a *App) initPipeline() error {
	a.capture = audio.NewStreamCapture(a.cfg.Audio.ChunkSize)
	m, err := pipeline.New(a.capture, a.providers.VAD, a.providers.STT,
		pipeline.WithPolisher(a.polisher),
		pipeline.WithSegmentConfig(a.cfg.SegmentConfig()),
		pipeline.WithPolicy(a.cfg.Policy()),
		pipeline.WithLanguage(a.cfg.Pipeline.Language),
		pipeline.WithKeywords(a.cfg.Polish.Vocabulary),
		pipeline.WithLogger(a.log),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithOnComplete(a.history.OnComplete),
	)
	if err != nil {
		return err
	}
	a.machine = m
	return nil
}

// initHealth registers readiness checks for every remote dependency.
func (a *App) initHealth() {
	a.health = health.New(health.WithLiveness(a.running.Load))
	if p, ok := a.store.(pinger); ok {
		a.health.Add(health.PingChecker("history", p.Ping))
	}
	if r, ok := a.providers.STT.(statusReporter); ok {
		a.health.Add(health.FallbackChecker("stt", r.Status))
	}
	if r, ok := a.providers.LLM.(statusReporter); ok {
		a.health.Add(health.FallbackChecker("llm", r.Status))
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Machine returns the pipeline state machine.
func (a *App) Machine() *pipeline.Machine { return a.machine }

// History returns the transcript history service.
func (a *App) History() *history.Service { return a.history }

// Handler returns the routed HTTP handler.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run drives the pipeline and serves HTTP until ctx is cancelled or either
// fails. A cancelled context is a clean exit and returns nil.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}

	a.running.Store(true)
	defer a.running.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.machine.Run(gctx)
	})
	g.Go(func() error {
		return a.serve(gctx, ln)
	})
	a.log.Info("dictation service running", "addr", ln.Addr().String(), "mcp", a.cfg.Server.MCP)
	return g.Wait()
}

// serve runs the HTTP server on ln and shuts it down gracefully when ctx
// ends.
func (a *App) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("http shutdown incomplete, closing connections", "err", err)
		_ = srv.Close()
	}
	return nil
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new.
// Policy, language, segmentation, vocabulary and polish settings take effect
// from the next recording; everything else is reported and needs a restart.
// The log level is left to the caller, which owns the handler.
func (a *App) ApplyConfig(old, new *config.Config) config.ConfigDiff {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	d := config.Diff(old, new)
	if d.PolicyChanged {
		a.machine.SetPolicy(new.Policy())
		a.machine.SetLanguage(new.Pipeline.Language)
		a.log.Info("config reload: pipeline policy updated",
			"auto_stop", new.Policy().AutoStop,
			"dual_buffer", new.Pipeline.DualBuffer,
			"polish", new.Pipeline.Polish,
		)
	}
	if d.SegmentChanged {
		if err := a.machine.SetSegmentConfig(new.SegmentConfig()); err != nil {
			a.log.Warn("config reload: segmentation settings rejected", "err", err)
		} else {
			a.log.Info("config reload: segmentation settings updated")
		}
	}
	if d.VocabularyChanged {
		a.machine.SetKeywords(new.Polish.Vocabulary)
	}
	switch {
	case d.PolishChanged:
		a.polisher.Store(a.newPolisher(new))
		a.log.Info("config reload: polisher rebuilt")
	case d.VocabularyChanged:
		a.polisher.Load().SetVocabulary(polish.NewVocabulary(new.Polish.Vocabulary))
		a.log.Info("config reload: vocabulary updated", "terms", len(new.Polish.Vocabulary))
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config reload: some changes need a restart", "sections", d.RestartRequired)
	}
	return d
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned. Run must have returned first.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// reloadablePolisher lets a config reload swap the polisher between
// recordings. A call in flight keeps the polisher it started with.
type reloadablePolisher struct {
	atomic.Pointer[polish.Polisher]
}

var _ pipeline.Polisher = (*reloadablePolisher)(nil)

func (r *reloadablePolisher) Polish(ctx context.Context, text string) (string, error) {
	return r.Load().Polish(ctx, text)
}
