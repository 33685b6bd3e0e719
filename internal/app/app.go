// Package app wires all vocalis subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the analysis loop and the HTTP server, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore, WithSource,
// WithSessionOptions, etc.). When an option is not provided, New creates real
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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vocalis/internal/calibration"
	"github.com/MrWong99/vocalis/internal/coherence"
	"github.com/MrWong99/vocalis/internal/config"
	"github.com/MrWong99/vocalis/internal/cycle"
	"github.com/MrWong99/vocalis/internal/engine"
	"github.com/MrWong99/vocalis/internal/feed"
	"github.com/MrWong99/vocalis/internal/formant"
	"github.com/MrWong99/vocalis/internal/health"
	"github.com/MrWong99/vocalis/internal/observe"
	"github.com/MrWong99/vocalis/internal/pitch"
	"github.com/MrWong99/vocalis/pkg/audio"
	"github.com/MrWong99/vocalis/pkg/audio/stream"
)

// App owns all subsystem lifetimes of the vocalis server.
type App struct {
	cfg *config.Config
	log *slog.Logger

	// Injected or defaulted in New.
	registry    *config.Registry
	store       calibration.Store
	source      audio.Source
	metrics     *observe.Metrics
	gatherer    prometheus.Gatherer
	levelVar    *slog.LevelVar
	watcher     *config.Watcher
	sessionOpts []cycle.Option

	// Subsystems, initialised in New and torn down in Shutdown.
	buffer      *stream.Buffer
	ingest      *stream.Handler
	hub         *feed.Hub
	engine      *engine.Engine
	sessions    *SessionManager
	calibration *CalibrationManager
	health      *health.Handler
	checks      []health.Checker

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a calibration store instead of building one from
// config.
func WithStore(s calibration.Store) Option {
	return func(a *App) { a.store = s }
}

// WithSource injects the audio source. The ingest endpoint is disabled,
// since it only feeds the built-in buffer.
func WithSource(s audio.Source) Option {
	return func(a *App) { a.source = s }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer enables the metrics route, served from g.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithLevelVar lets [App.Reload] change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithWatcher runs w alongside the server in [App.Run].
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithRegistry sets the store registry. Default: a registry with the
// built-in stores.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithSessionOptions appends orchestrator options, for example a manual
// clock in tests.
func WithSessionOptions(opts ...cycle.Option) Option {
	return func(a *App) { a.sessionOpts = append(a.sessionOpts, opts...) }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It connects the
// calibration stores and installs the stored profile, but starts no
// goroutines.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	defaultMode, err := cycle.ParseTimingMode(cfg.Session.DefaultMode)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	// ── 1. Calibration store ─────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, err
	}

	// ── 2. Audio source and live feed ────────────────────────────────────
	a.initAudio()
	a.hub = feed.NewHub(
		feed.WithOriginPatterns(cfg.Server.OriginPatterns...),
		feed.WithClientHook(func(delta int64) { a.metrics.FeedClients.Add(context.Background(), delta) }),
		feed.WithLogger(a.log),
	)

	// ── 3. Analysers ─────────────────────────────────────────────────────
	det := pitch.NewDetector(
		pitch.WithThreshold(cfg.Pitch.Threshold, cfg.Pitch.Hysteresis),
		pitch.WithHold(cfg.Pitch.Hold),
		pitch.WithSilenceRMS(cfg.Pitch.SilenceRMS),
	)
	det.SetTargetFrequency(cfg.Pitch.TargetFrequency)
	det.SetTolerance(cfg.Pitch.ToleranceCents)
	cls := formant.NewClassifier(
		formant.WithSilenceRMS(cfg.Formant.SilenceRMS),
		formant.WithWindow(cfg.Formant.Window),
	)
	scorer := coherence.NewScorer(
		coherence.WithWindow(cfg.Coherence.Window),
		coherence.WithTuning(tuning(cfg.Coherence)),
		coherence.WithGrace(cfg.Coherence.Grace),
	)

	// ── 4. Sessions ──────────────────────────────────────────────────────
	sessionOpts := []cycle.Option{
		cycle.WithScorer(scorer),
		cycle.WithFirstBreathMultiplier(cfg.Session.FirstBreathMultiplier),
		cycle.WithTickInterval(cfg.Session.TickInterval),
	}
	if n := cfg.Session.PracticeCycles; n != nil {
		sessionOpts = append(sessionOpts, cycle.WithPracticeCycles(*n))
	}
	a.sessions = NewSessionManager(SessionManagerConfig{
		Hub:         a.hub,
		Metrics:     a.metrics,
		DefaultMode: defaultMode,
		Options:     append(sessionOpts, a.sessionOpts...),
		Logger:      a.log,
	})

	// ── 5. Engine ────────────────────────────────────────────────────────
	a.engine, err = engine.New(a.source,
		engine.WithConfig(engine.Config{
			PitchInterval: cfg.Analysis.PitchInterval,
			FormantEvery:  cfg.Analysis.FormantEvery,
			SnapshotEvery: cfg.Analysis.SnapshotEvery,
			Smoothing:     cfg.Analysis.Smoothing,
		}),
		engine.WithPitchDetector(det),
		engine.WithClassifier(cls),
		engine.WithScorer(scorer),
		engine.WithOrchestrator(a.sessions.Orchestrator()),
		engine.WithPublisher(a.hub),
		engine.WithMetrics(a.metrics),
		engine.WithLogger(a.log),
	)
	if err != nil {
		return nil, fmt.Errorf("app: init engine: %w", err)
	}

	// ── 6. Calibration ───────────────────────────────────────────────────
	a.calibration = NewCalibrationManager(CalibrationManagerConfig{
		Engine:  a.engine,
		Store:   a.store,
		UserID:  cfg.Calibration.UserID,
		Hub:     a.hub,
		Metrics: a.metrics,
		RecorderOptions: []calibration.RecorderOption{
			calibration.WithDurations(calibration.Durations{
				Noise: cfg.Calibration.NoiseDuration,
				Ah:    cfg.Calibration.VoiceDuration,
				Oo:    cfg.Calibration.VoiceDuration,
				Mm:    cfg.Calibration.VoiceDuration,
			}),
			calibration.WithVoiceRMS(cfg.Calibration.VoiceRMS),
		},
		Logger: a.log,
	})
	if _, err := a.calibration.LoadStored(ctx); err != nil {
		// The service works uncalibrated; a later run may still persist.
		a.log.Warn("could not load calibration profile", "user", cfg.Calibration.UserID, "err", err)
	}

	// ── 7. Health ────────────────────────────────────────────────────────
	a.health = health.New(a.checks...)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if a.registry == nil {
		a.registry = config.NewRegistry()
		RegisterBuiltinStores(a.registry)
	}
	set, err := buildStore(ctx, a.registry, a.cfg.Calibration, a.metrics, a.log)
	if err != nil {
		return err
	}
	a.store = set.store
	a.checks = append(a.checks, set.checks...)
	a.closers = append(a.closers, set.closers...)
	return nil
}

func (a *App) initAudio() {
	if a.source != nil {
		return
	}
	a.buffer = stream.NewBuffer(a.cfg.Audio.SampleRate, stream.WithStaleAfter(a.cfg.Audio.StaleAfter))
	a.ingest = stream.NewHandler(a.buffer,
		stream.WithOriginPatterns(a.cfg.Server.OriginPatterns...),
		stream.WithPacketHook(func(codec stream.Codec, n int) {
			a.metrics.IngestBytes.Add(context.Background(), int64(n), observeCodec(codec))
		}),
		stream.WithHandlerLogger(a.log),
	)
	a.source = a.buffer
	a.checks = append(a.checks, health.Checker{
		Name:     "ingest",
		Optional: true,
		Check: func(context.Context) error {
			if !a.ingest.Active() {
				return errors.New("no audio producer connected")
			}
			return nil
		},
	})
}

func tuning(c config.CoherenceConfig) coherence.Tuning {
	return coherence.Tuning{
		ExpectedVariance: c.ExpectedVariance,
		ExpectedCV:       c.ExpectedCV,
		Smoothing:        c.Smoothing,
	}
}

func observeCodec(c stream.Codec) metric.AddOption {
	return metric.WithAttributes(observe.Attr("codec", string(c)))
}

func promHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the analysis loop, the config watcher and the HTTP server, and
// blocks until ctx is cancelled or one of them fails. The HTTP server is
// shut down gracefully within the configured timeout.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is like [App.Run] but accepts connections on ln.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.engine.Run(gctx) })
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	g.Go(func() error {
		a.log.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("http server shutdown", "err", err)
		}
		return nil
	})
	return g.Wait()
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable part of a config change. It matches
// [config.ChangeFunc].
func (a *App) Reload(_, _ *config.Config, diff config.ConfigDiff) {
	if diff.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(diff.NewLogLevel.Slog())
		a.log.Info("log level changed", "level", string(diff.NewLogLevel))
	}
	if diff.PitchChanged {
		det := a.engine.Pitch()
		det.SetTargetFrequency(diff.NewTargetFrequency)
		det.SetTolerance(diff.NewToleranceCents)
		a.log.Info("pitch target changed",
			"target_frequency", diff.NewTargetFrequency,
			"tolerance_cents", diff.NewToleranceCents,
		)
	}
	if diff.CoherenceChanged {
		a.engine.Scorer().SetTuning(tuning(diff.NewCoherence))
		a.log.Info("coherence tuning changed")
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the running session and calibration, disconnects feed
// clients and closes the stores. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		a.sessions.Stop(ctx)
		a.calibration.Cancel(ctx)
		a.hub.Close()

		saved := make(chan struct{})
		go func() {
			a.calibration.Wait()
			close(saved)
		}()
		select {
		case <-saved:
		case <-ctx.Done():
			a.log.Warn("shutdown deadline exceeded while saving calibration")
			shutdownErr = ctx.Err()
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
