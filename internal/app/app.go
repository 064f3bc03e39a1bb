// Package app wires all leadvox subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// ends every live call and tears everything down in order.
//
// For testing, inject doubles via functional options (WithPublisher,
// WithArchive, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/leadvox/internal/config"
	"github.com/MrWong99/leadvox/internal/dialogue"
	"github.com/MrWong99/leadvox/internal/events"
	"github.com/MrWong99/leadvox/internal/events/amqp"
	"github.com/MrWong99/leadvox/internal/health"
	"github.com/MrWong99/leadvox/internal/observe"
	"github.com/MrWong99/leadvox/internal/resilience"
	"github.com/MrWong99/leadvox/internal/session"
	"github.com/MrWong99/leadvox/internal/store"
	"github.com/MrWong99/leadvox/internal/store/postgres"
	"github.com/MrWong99/leadvox/internal/synthesis"
	"github.com/MrWong99/leadvox/pkg/audio"
	"github.com/MrWong99/leadvox/pkg/provider/llm"
	"github.com/MrWong99/leadvox/pkg/provider/stt"
	"github.com/MrWong99/leadvox/pkg/provider/tts"
	"github.com/MrWong99/leadvox/pkg/provider/vad"
)

const (
	defaultListenAddr = ":8080"

	// memoryArchiveLimit bounds the in-process summary archive.
	memoryArchiveLimit = 1000

	serverShutdownTimeout = 10 * time.Second
)

// Providers holds one interface value per provider slot. Populated by
// main.go via the config registry. All four are required.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider
	VAD vad.Engine

	// TTSRate is the PCM sample rate TTS emits. Zero means
	// [audio.DefaultSampleRate].
	TTSRate int

	// Circuits holds the breaker chain of each provider kind that runs
	// behind a fallback group. Each chain becomes a readiness check.
	Circuits map[string][]*resilience.CircuitBreaker
}

func (p *Providers) validate() error {
	if p == nil {
		return errors.New("app: providers are required")
	}
	var errs []error
	if p.LLM == nil {
		errs = append(errs, errors.New("app: llm provider is required"))
	}
	if p.STT == nil {
		errs = append(errs, errors.New("app: stt provider is required"))
	}
	if p.TTS == nil {
		errs = append(errs, errors.New("app: tts provider is required"))
	}
	if p.VAD == nil {
		errs = append(errs, errors.New("app: vad engine is required"))
	}
	return errors.Join(errs...)
}

// Publisher fans events and summaries out to a broker.
type Publisher interface {
	events.Sink
	store.SummarySink
	Healthy(ctx context.Context) error
	Close() error
}

// Archive looks up summaries of calls that are no longer retained in memory
// by the orchestrator.
type Archive interface {
	Get(ctx context.Context, sessionID string) (store.Record, error)
}

// App owns all subsystem lifetimes of the leadvox server.
type App struct {
	cfg       atomic.Pointer[config.Config]
	providers *Providers
	log       *slog.Logger
	levels    *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	metrics   *observe.Metrics
	registry  *prometheus.Registry
	publisher Publisher
	archives  []Archive
	synth     *synthesis.Adapter
	orch      *session.Orchestrator
	health    *health.Handler
	handler   http.Handler

	eventSinks   []events.Sink
	summarySinks []store.SummarySink
	checkers     []health.Checker
	sessionOpts  []session.Option

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.log = l
		}
	}
}

// WithLevelVar lets config reloads change the log level of the handler
// built around v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levels = v }
}

// WithMetrics injects the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithRegistry selects the Prometheus registry served on /metrics. Nil
// serves the default gatherer.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *App) { a.registry = reg }
}

// WithPublisher injects a broker publisher instead of dialing events.amqp_url.
func WithPublisher(p Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithArchive injects a durable summary store instead of connecting to
// store.postgres_dsn. The archive must also be listed as a summary sink to
// receive records.
func WithArchive(ar Archive) Option {
	return func(a *App) { a.archives = append(a.archives, ar) }
}

// WithEventSinks adds sinks that receive every session event.
func WithEventSinks(s ...events.Sink) Option {
	return func(a *App) { a.eventSinks = append(a.eventSinks, s...) }
}

// WithSummarySinks adds sinks that receive every finished call summary.
func WithSummarySinks(s ...store.SummarySink) Option {
	return func(a *App) { a.summarySinks = append(a.summarySinks, s...) }
}

// WithSessionOptions passes extra options to the session orchestrator.
func WithSessionOptions(opts ...session.Option) Option {
	return func(a *App) { a.sessionOpts = append(a.sessionOpts, opts...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: summary store connection
// and migration, broker connection, synthesis cache, orchestrator and
// HTTP routes.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if err := providers.validate(); err != nil {
		return nil, err
	}
	a := &App{
		providers: providers,
		log:       slog.Default(),
	}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Summary stores ───────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Event publisher ──────────────────────────────────────────────
	if err := a.initEvents(); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init events: %w", err)
	}

	// ── 3. Speech synthesis ─────────────────────────────────────────────
	a.initSynthesis()

	// ── 4. Orchestrator ─────────────────────────────────────────────────
	a.initOrchestrator()

	// ── 5. Health + routes ──────────────────────────────────────────────
	for _, kind := range []string{"llm", "stt", "tts"} {
		if chain := providers.Circuits[kind]; len(chain) > 0 {
			a.checkers = append(a.checkers, health.Circuits(kind, chain...))
		}
	}
	a.health = health.New(a.checkers...)
	a.handler = a.routes()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore sets up the in-memory archive and, when configured, the
// PostgreSQL hand-off table.
func (a *App) initStore(ctx context.Context) error {
	mem := store.NewMemory(memoryArchiveLimit)
	a.summarySinks = append(a.summarySinks, mem)

	if len(a.archives) == 0 {
		if dsn := a.config().Store.PostgresDSN; dsn != "" {
			pg, err := postgres.NewStore(ctx, dsn)
			if err != nil {
				return err
			}
			a.archives = append(a.archives, pg)
			a.summarySinks = append(a.summarySinks, store.NewGuard("postgres", pg, a.log))
			a.checkers = append(a.checkers, health.Checker{Name: "postgres", Check: pg.Ping, Optional: true})
			a.closers = append(a.closers, func() error {
				pg.Close()
				return nil
			})
		}
	}

	// The memory archive answers last; durable stores hold the canonical copy.
	a.archives = append(a.archives, mem)
	return nil
}

// initEvents sets up the log sink and the broker publisher.
func (a *App) initEvents() error {
	a.eventSinks = append(a.eventSinks, events.LogSink{Logger: a.log, Level: slog.LevelDebug})

	if a.publisher == nil {
		ev := a.config().Events
		if ev.AMQPURL == "" {
			return nil
		}
		opts := []amqp.Option{amqp.WithLogger(a.log)}
		if ev.Exchange != "" {
			opts = append(opts, amqp.WithExchange(ev.Exchange))
		}
		if ev.TTL > 0 {
			opts = append(opts, amqp.WithMessageTTL(ev.TTL))
		}
		pub, err := amqp.New(ev.AMQPURL, opts...)
		if err != nil {
			return err
		}
		a.publisher = pub
	}

	a.eventSinks = append(a.eventSinks, a.publisher)
	a.summarySinks = append(a.summarySinks, store.NewGuard("amqp", a.publisher, a.log))
	a.checkers = append(a.checkers, health.Checker{Name: "amqp", Check: a.publisher.Healthy, Optional: true})
	a.closers = append(a.closers, a.publisher.Close)
	return nil
}

// initSynthesis builds the speech synthesis adapter with its phrase cache.
func (a *App) initSynthesis() {
	cfg := a.config()
	var cache *synthesis.PhraseCache
	if cfg.Synthesis.CacheSize > 0 {
		cache = synthesis.NewPhraseCache(cfg.Synthesis.CacheSize, cfg.Synthesis.MaxPhraseLen)
	}
	provider := cfg.Providers.TTS.Name
	if provider == "" {
		provider = "tts"
	}
	opts := []synthesis.Option{
		synthesis.WithVoice(voiceProfile(cfg.Synthesis.Voice)),
		synthesis.WithProviderName(provider),
		synthesis.WithMetrics(a.metrics),
		synthesis.WithLogger(a.log),
	}
	if a.providers.TTSRate > 0 {
		opts = append(opts, synthesis.WithSourceRate(a.providers.TTSRate))
	}
	if d := cfg.Latency.Timeouts.Synthesis; d > 0 {
		opts = append(opts, synthesis.WithStartTimeout(d))
	}
	a.synth = synthesis.New(a.providers.TTS, cache, opts...)
}

// initOrchestrator creates the session orchestrator.
func (a *App) initOrchestrator() {
	cfg := a.config()
	deps := session.Deps{
		STT:          a.providers.STT,
		VAD:          a.providers.VAD,
		Reasoner:     dialogue.NewLLMReasoner(a.providers.LLM),
		Synth:        a.synth,
		EventSinks:   a.eventSinks,
		SummarySinks: a.summarySinks,
		Recapper:     session.NewLLMRecapper(a.providers.LLM),
		Metrics:      a.metrics,
	}
	opts := []session.Option{
		session.WithSettings(cfg.SessionSettings()),
		session.WithLogger(a.log),
	}
	if cfg.Server.SessionRetention > 0 {
		opts = append(opts, session.WithRetention(cfg.Server.SessionRetention))
	}
	a.orch = session.New(deps, append(opts, a.sessionOpts...)...)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving every leadvox route.
func (a *App) Handler() http.Handler { return a.handler }

// Orchestrator returns the session orchestrator.
func (a *App) Orchestrator() *session.Orchestrator { return a.orch }

func (a *App) config() *config.Config { return a.cfg.Load() }

// Reload applies a changed config. Session sections take effect for calls
// started afterwards. Sections read only at startup are logged and ignored.
// It matches the callback signature of [config.NewWatcher].
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	a.cfg.Store(new)
	if d.LogLevelChanged && a.levels != nil {
		a.levels.Set(d.NewLogLevel.Level())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.SessionChanged) > 0 {
		a.orch.SetSettings(new.SessionSettings())
		a.log.Info("session settings reloaded", "sections", d.SessionChanged)
	}
	if !d.HotReloadable() {
		a.log.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on server.listen_addr and serves until ctx is cancelled. See
// [App.Serve].
func (a *App) Run(ctx context.Context) error {
	addr := a.config().Server.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves HTTP on ln and warms the phrase cache in the background. It
// blocks until ctx is cancelled, then stops accepting requests and returns
// context.Canceled (or the underlying cause). Live calls keep running until
// [App.Shutdown].
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		a.warm(gctx)
		return nil
	})

	a.log.Info("app running", "addr", ln.Addr().String())
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// warm pre-synthesises the fixed utterances the dialogue engine falls back
// on so they play without a provider round trip.
func (a *App) warm(ctx context.Context) {
	if a.synth.Cache() == nil {
		return
	}
	s := a.orch.Settings()
	d := s.Dialogue
	phrases := []string{
		d.FallbackUtterance,
		d.ClarificationUtterance,
		d.GenericUtterance,
		d.FillerUtterance,
		d.HandoffUtterance,
	}
	f := audio.Format{SampleRate: s.SampleRate, Channels: 1}
	if err := a.synth.Warm(ctx, f, phrases); err != nil {
		a.log.Warn("phrase cache warm-up incomplete", "err", err)
		return
	}
	a.log.Debug("phrase cache warmed", "entries", a.synth.Cache().Len())
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown fails readiness, ends every live call, waits for their summaries to be delivered
// and then runs the closers in order. It respects the context deadline: if
// ctx expires first, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "sessions", len(a.orch.Active()), "closers", len(a.closers))
		a.health.Drain()

		// Calls first so their summaries still reach the sinks.
		if err := a.orch.Shutdown(ctx); err != nil {
			a.log.Warn("sessions did not end before deadline", "err", err)
			shutdownErr = err
			return
		}

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

// runClosers releases what a failed New already opened.
func (a *App) runClosers() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			a.log.Warn("closer error", "err", err)
		}
	}
}

// voiceProfile converts a config.VoiceConfig to tts.VoiceProfile.
func voiceProfile(vc config.VoiceConfig) tts.VoiceProfile {
	return tts.VoiceProfile{
		ID:          vc.ID,
		Provider:    vc.Provider,
		SpeedFactor: vc.SpeedFactor,
	}
}
