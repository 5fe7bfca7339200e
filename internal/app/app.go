// Package app wires the companion subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the remote provider,
// the MCP tool bridge and the session manager from the config, Run serves
// the status endpoints until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithProvider,
// WithToolHost, ...). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/companion/internal/config"
	"github.com/MrWong99/companion/internal/health"
	"github.com/MrWong99/companion/internal/observe"
	"github.com/MrWong99/companion/internal/permissions"
	"github.com/MrWong99/companion/internal/resilience"
	"github.com/MrWong99/companion/internal/session"
	"github.com/MrWong99/companion/internal/toolcall/mcpbridge"
	"github.com/MrWong99/companion/internal/toolcall/notes"
	"github.com/MrWong99/companion/internal/videocap"
	"github.com/MrWong99/companion/pkg/audio"
	"github.com/MrWong99/companion/pkg/remote"
	"github.com/MrWong99/companion/pkg/video"
)

// Devices are the local media endpoints. Video may be nil when the video
// side-channel is disabled.
type Devices struct {
	Input  audio.Input
	Output audio.Output
	Video  video.Device
}

// ToolHost executes tools and declares them to the model. [*mcpbridge.Host]
// satisfies it.
type ToolHost interface {
	mcpbridge.Executor
	Declarations() []remote.ToolDeclaration
	Close() error
}

// App owns all subsystem lifetimes.
type App struct {
	registry *config.Registry
	devices  Devices

	mu       sync.Mutex
	cfg      *config.Config
	provider remote.Provider

	tools     ToolHost
	bridge    *mcpbridge.Handler
	manager   *session.Manager
	metrics   *observe.Metrics
	telemetry *observe.Telemetry
	perms     permissions.Checker
	logLevel  *slog.LevelVar

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProvider injects a remote provider instead of creating one through
// the registry.
func WithProvider(p remote.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithToolHost injects a tool host instead of connecting the configured
// MCP servers.
func WithToolHost(h ToolHost) Option {
	return func(a *App) { a.tools = h }
}

// WithMetrics records into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTelemetry serves /metrics from t.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) { a.telemetry = t }
}

// WithPermissions replaces the OS permission checker.
func WithPermissions(c permissions.Checker) Option {
	return func(a *App) { a.perms = c }
}

// WithLogLevel lets config reloads adjust the level of the default logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App. reg resolves cfg.Remote.Provider unless a provider
// is injected with [WithProvider].
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, devices Devices, opts ...Option) (*App, error) {
	if devices.Input == nil || devices.Output == nil {
		return nil, errors.New("app: audio input and output devices are required")
	}
	a := &App{
		cfg:      cfg,
		registry: reg,
		devices:  devices,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Remote provider ───────────────────────────────────────────────
	if a.provider == nil {
		p, err := a.createProvider(cfg.Remote)
		if err != nil {
			return nil, fmt.Errorf("app: init remote: %w", err)
		}
		a.provider = p
	}

	// ── 2. MCP tools ─────────────────────────────────────────────────────
	if err := a.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init mcp: %w", err)
	}

	// ── 3. Session manager ───────────────────────────────────────────────
	a.initSession()

	slog.Info("app initialised",
		"provider", a.provider.Name(),
		"tools", len(a.tools.Declarations()),
		"video", devices.Video != nil,
	)
	return a, nil
}

// createProvider builds the configured provider. With fallbacks configured
// it is wrapped so that opening fails over between backends.
func (a *App) createProvider(rc config.RemoteConfig) (remote.Provider, error) {
	if a.registry == nil {
		return nil, fmt.Errorf("%w: %q (no registry)", config.ErrProviderNotRegistered, rc.Provider.Name)
	}
	primary, err := a.registry.Create(rc.Provider)
	if err != nil {
		return nil, err
	}
	if len(rc.Fallbacks) == 0 {
		return primary, nil
	}

	fr := resilience.NewRemote(primary, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  rc.Breaker.MaxFailures,
			ResetTimeout: rc.Breaker.ResetTimeout,
			OnStateChange: func(name string, _, to resilience.State) {
				a.metrics.RecordBreakerState(context.Background(), name, to.String())
			},
		},
	})
	for _, entry := range rc.Fallbacks {
		p, err := a.registry.Create(entry)
		if err != nil {
			return nil, fmt.Errorf("fallback: %w", err)
		}
		fr.AddFallback(p)
	}
	return fr, nil
}

// initTools connects the configured MCP servers and registers the note
// tools. A server that fails to connect is logged and skipped so the session
// still works without it.
func (a *App) initTools(ctx context.Context) error {
	if a.tools == nil {
		host := mcpbridge.NewHost()
		cfgs := make([]mcpbridge.ServerConfig, 0, len(a.cfg.MCP.Servers))
		for _, s := range a.cfg.MCP.Servers {
			cfgs = append(cfgs, s.BridgeConfig())
		}
		if err := host.RegisterServers(ctx, cfgs); err != nil {
			slog.Warn("some MCP servers could not be registered", "err", err)
		}
		if dir := a.cfg.MCP.NotesDir; dir != "" {
			store, err := notes.Open(dir)
			if err != nil {
				_ = host.Close()
				return err
			}
			for _, b := range store.Builtins() {
				if err := host.RegisterBuiltin(b); err != nil {
					_ = store.Close()
					_ = host.Close()
					return err
				}
			}
			a.closers = append(a.closers, store.Close)
		}
		a.tools = host
	}
	a.closers = append(a.closers, a.tools.Close)
	return nil
}

func (a *App) initSession() {
	opts := []session.Option{session.WithMetrics(a.metrics)}
	if a.perms != nil {
		opts = append(opts, session.WithPermissions(a.perms))
	}
	if a.devices.Video != nil && !a.cfg.Video.Disabled {
		opts = append(opts, session.WithVideo(a.devices.Video, VideoOptions(a.cfg.Video)...))
	}

	a.manager = session.New(a.provider, a.devices.Input, a.devices.Output,
		SessionConfig(a.cfg, a.tools.Declarations()), opts...)

	if len(a.tools.Declarations()) > 0 {
		a.bridge = mcpbridge.NewHandler(a.tools, a.manager,
			mcpbridge.WithTimeout(a.cfg.MCP.ToolTimeout),
			mcpbridge.WithObserver(func(name, outcome string, d time.Duration) {
				a.metrics.RecordToolCall(context.Background(), name, outcome, d)
			}),
		)
		a.manager.SetToolHandler(a.bridge)
	}
}

// SessionConfig maps the file config onto the session manager settings.
func SessionConfig(cfg *config.Config, tools []remote.ToolDeclaration) session.Config {
	rc := cfg.Remote
	modality := remote.ModalityAudio
	if rc.ResponseModality == config.ModalityText {
		modality = remote.ModalityText
	}

	retry := session.DefaultRetryPolicy()
	if rc.OpenRetries != nil {
		retry.MaxRetries = *rc.OpenRetries
	}

	return session.Config{
		Remote: remote.Config{
			Modality:            modality,
			Voice:               rc.Voice,
			Instructions:        rc.Instructions,
			Tools:               tools,
			InputTranscription:  config.Enabled(rc.InputTranscription),
			OutputTranscription: config.Enabled(rc.OutputTranscription),
		},
		OpenTimeout:       rc.OpenTimeout,
		Retry:             retry,
		InputDevice:       cfg.Audio.InputDevice,
		CaptureBufferSize: cfg.Audio.CaptureBufferSize,
		QueueSize:         cfg.Audio.QueueSize,
		ActivityInterval:  cfg.Activity.Interval,
	}
}

// VideoOptions maps the video section onto pipeline options.
func VideoOptions(vc config.VideoConfig) []videocap.Option {
	var opts []videocap.Option
	if vc.Interval > 0 {
		opts = append(opts, videocap.WithInterval(vc.Interval))
	}
	if vc.JPEGQuality > 0 {
		opts = append(opts, videocap.WithQuality(vc.JPEGQuality))
	}
	if vc.CameraDevice != "" {
		c := video.DefaultConstraints(video.ModeCamera)
		c.Device = vc.CameraDevice
		opts = append(opts, videocap.WithConstraints(video.ModeCamera, c))
	}
	if vc.ScreenDevice != "" {
		c := video.DefaultConstraints(video.ModeScreen)
		c.Device = vc.ScreenDevice
		opts = append(opts, videocap.WithConstraints(video.ModeScreen, c))
	}
	return opts
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Manager returns the session manager.
func (a *App) Manager() *session.Manager { return a.manager }

// Config returns the active config.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig installs a reloaded config. Remote and audio changes apply
// from the next Connect on; the running session is left alone. It has the
// signature of [config.ChangeFunc].
func (a *App) ApplyConfig(_, next *config.Config, diff config.ConfigDiff) {
	if diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(ParseLevel(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = next

	if !diff.ProviderChanged && !diff.SessionChanged {
		return
	}
	if diff.ProviderChanged {
		p, err := a.createProvider(next.Remote)
		if err != nil {
			slog.Error("keeping previous remote provider", "err", err)
		} else {
			a.provider = p
		}
	}
	a.manager.Reconfigure(a.provider, SessionConfig(next, a.tools.Declarations()))
	slog.Info("session settings updated; they apply on the next connect", "provider", a.provider.Name())
}

// ParseLevel maps a config log level onto slog. Unknown values map to info.
func ParseLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Status server ───────────────────────────────────────────────────────────

// Handler returns the status server routes: /healthz, /readyz, /state and,
// with telemetry configured, /metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	health.New(
		health.Func("config", func() error {
			cfg := a.Config()
			if cfg == nil {
				return errors.New("not loaded")
			}
			return config.Validate(cfg)
		}),
		health.Func("remote", func() error {
			a.mu.Lock()
			defer a.mu.Unlock()
			if a.provider == nil {
				return errors.New("provider not built")
			}
			return nil
		}),
	).Register(mux)

	mux.HandleFunc("GET /state", a.serveState)
	if a.telemetry != nil {
		mux.Handle("GET /metrics", a.telemetry.Handler())
	}
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) serveState(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(a.manager.Snapshot()); err != nil {
		slog.Warn("encode state", "err", err)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the status endpoints on server.listen_addr (when set) and
// blocks until ctx is cancelled. It returns ctx.Err() on a clean stop.
func (a *App) Run(ctx context.Context) error {
	addr := a.Config().Server.ListenAddr
	if addr == "" {
		slog.Info("app running", "status_server", false)
		<-ctx.Done()
		return ctx.Err()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("app running", "status_server", ln.Addr().String())
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends the session and tears down all subsystems. If ctx expires
// before all closers finish, the remaining ones are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.manager.Disconnect()
		if a.bridge != nil {
			a.bridge.Wait()
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		if a.telemetry != nil {
			if err := a.telemetry.Shutdown(ctx); err != nil {
				slog.Warn("telemetry shutdown", "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
