// Package app wires the livestudio subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the transcript store,
// the guarded transport, the session manager and the HTTP surface; Run serves
// HTTP until the context ends; Shutdown stops the session and tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithSessionStore,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/studiogen/livestudio/internal/config"
	"github.com/studiogen/livestudio/internal/health"
	"github.com/studiogen/livestudio/internal/livesession"
	"github.com/studiogen/livestudio/internal/observe"
	"github.com/studiogen/livestudio/internal/resilience"
	"github.com/studiogen/livestudio/internal/server"
	"github.com/studiogen/livestudio/pkg/audio"
	"github.com/studiogen/livestudio/pkg/memory"
	"github.com/studiogen/livestudio/pkg/memory/postgres"
	"github.com/studiogen/livestudio/pkg/provider/live"
)

// Devices holds the local audio endpoints. Populated by main.go via the
// config registry.
type Devices struct {
	Mic     audio.Microphone
	Speaker audio.Speaker
}

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	devices Devices

	// Subsystems, initialised in New and torn down in Shutdown.
	sessions  memory.SessionStore
	pinger    func(context.Context) error
	transport *resilience.GuardedProvider
	manager   *livesession.Manager
	server    *server.Server
	metrics   *observe.Metrics
	scrape    http.Handler

	mu      sync.Mutex
	httpSrv *http.Server
	addr    net.Addr

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionStore injects a transcript store instead of connecting to the
// configured database.
func WithSessionStore(s memory.SessionStore) Option {
	return func(a *App) { a.sessions = s }
}

// WithMetrics injects the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithScrapeHandler replaces the /metrics handler. Defaults to
// [promhttp.Handler].
func WithScrapeHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App. provider is wrapped in a circuit breaker tuned by
// cfg.Resilience before the session manager sees it.
func New(ctx context.Context, cfg *config.Config, provider live.Provider, devices Devices, opts ...Option) (*App, error) {
	if provider == nil || devices.Mic == nil || devices.Speaker == nil {
		return nil, errors.New("app: provider, microphone and speaker are required")
	}
	a := &App{cfg: cfg, devices: devices}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.scrape == nil {
		a.scrape = promhttp.Handler()
	}

	// ── 1. Transcript store ──────────────────────────────────────────────
	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 2. Guarded transport ─────────────────────────────────────────────
	a.initTransport(provider)

	// ── 3. Session manager ───────────────────────────────────────────────
	mopts := []livesession.Option{
		livesession.WithSettings(SettingsFromConfig(cfg)),
		livesession.WithMetrics(a.metrics),
	}
	if a.sessions != nil {
		mopts = append(mopts, livesession.WithStore(a.sessions))
	}
	a.manager = livesession.New(devices.Mic, devices.Speaker, a.transport, mopts...)

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initMemory connects the PostgreSQL transcript store unless one was
// injected. An empty DSN leaves persistence disabled.
func (a *App) initMemory(ctx context.Context) error {
	if a.sessions != nil {
		return nil
	}
	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		slog.Info("transcript persistence disabled")
		return nil
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.sessions = store
	a.pinger = store.Ping
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initTransport wraps provider in a circuit breaker that fails fast after
// repeated handshake failures.
func (a *App) initTransport(provider live.Provider) {
	r := a.cfg.Resilience
	a.transport = resilience.NewGuardedProvider(provider, resilience.CircuitBreakerConfig{
		MaxFailures:  r.MaxFailures,
		ResetTimeout: r.ResetTimeout,
		HalfOpenMax:  r.HalfOpenMax,
		OnStateChange: func(from, to resilience.State) {
			slog.Warn("transport breaker changed state",
				"provider", provider.Name(),
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

func (a *App) initServer() {
	hopts := []health.Option{
		health.WithChecker("transport", a.transport.Check),
		health.WithStatus(func() any { return a.manager.State() }),
	}
	if a.pinger != nil {
		hopts = append(hopts, health.WithChecker("store", a.pinger))
	}

	a.server = server.New(a.manager,
		server.WithHealth(health.New(hopts...)),
		server.WithMetrics(a.metrics),
		server.WithScrapeHandler(a.scrape),
		server.WithAllowedOrigins(a.cfg.Server.AllowedOrigins),
	)
}

// SettingsFromConfig converts the session and audio sections of cfg into
// the settings used for the next Start.
func SettingsFromConfig(cfg *config.Config) livesession.Settings {
	s := livesession.DefaultSettings()
	sc := cfg.Session

	if sc.SystemInstruction != "" {
		s.Live.SystemInstruction = sc.SystemInstruction
	}
	s.Live.Voice = sc.Voice
	s.Live.InputTranscription = config.BoolOr(sc.InputTranscription, true)
	s.Live.OutputTranscription = config.BoolOr(sc.OutputTranscription, true)
	if len(sc.ResponseModalities) > 0 {
		mods := make([]live.Modality, 0, len(sc.ResponseModalities))
		for _, m := range sc.ResponseModalities {
			mods = append(mods, live.Modality(strings.ToUpper(m)))
		}
		s.Live.ResponseModalities = mods
	}
	s.Live.SendQueue = cfg.Audio.SendQueue

	if cfg.Audio.FrameDuration > 0 {
		s.FrameDuration = cfg.Audio.FrameDuration
	}
	if cfg.Audio.FrameBuffer > 0 {
		s.FrameBuffer = cfg.Audio.FrameBuffer
	}
	if cfg.Audio.DecodeConcurrency > 0 {
		s.DecodeConcurrency = cfg.Audio.DecodeConcurrency
	}
	return s
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Manager returns the session manager.
func (a *App) Manager() *livesession.Manager { return a.manager }

// Handler returns the instrumented HTTP handler.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Addr returns the bound listen address once Run is serving, or nil.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of a config change. Session
// settings take effect on the next Start; a running session is not touched.
// Fields that need a restart are logged and ignored.
func (a *App) Reload(old, new *config.Config) config.ConfigDiff {
	d := config.Diff(old, new)
	if d.SessionChanged {
		a.manager.Apply(SettingsFromConfig(new))
		slog.Info("session settings reloaded", "fields", d.SessionFields)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config change requires a restart", "fields", d.RestartRequired)
	}
	return d
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on cfg.Server.ListenAddr and blocks until ctx is cancelled
// or the listener fails. When ctx is done, Run returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}

	srv := &http.Server{
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	a.mu.Lock()
	a.httpSrv = srv
	a.addr = ln.Addr()
	a.mu.Unlock()

	errc := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errc <- srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errc <- srv.Serve(ln)
	}()

	slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the live session, drains the HTTP server and runs the
// closers in order. It respects the context deadline: if ctx expires before
// all closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Stop the session first so devices and the transport are released.
		if err := a.manager.Stop(ctx); err != nil {
			slog.Warn("session stop error", "err", err)
			shutdownErr = err
		}

		a.mu.Lock()
		srv := a.httpSrv
		a.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
				shutdownErr = errors.Join(shutdownErr, err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = errors.Join(shutdownErr, ctx.Err())
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
