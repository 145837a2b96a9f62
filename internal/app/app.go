// Package app wires all Dwarpal subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects store,
// bus, asset directories, pipeline stages, orchestrator, and the HTTP layer;
// Run serves HTTP until the context is cancelled; Shutdown tears everything
// down in reverse-init order.
//
// For testing, inject doubles via functional options (WithStore, WithBus).
// When an option is not provided, New creates real implementations from the
// config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/dwarpal/dwarpal/internal/agent/action"
	"github.com/dwarpal/dwarpal/internal/agent/decision"
	"github.com/dwarpal/dwarpal/internal/agent/intelligence"
	"github.com/dwarpal/dwarpal/internal/agent/perception"
	"github.com/dwarpal/dwarpal/internal/api"
	"github.com/dwarpal/dwarpal/internal/assets"
	"github.com/dwarpal/dwarpal/internal/bus"
	"github.com/dwarpal/dwarpal/internal/config"
	"github.com/dwarpal/dwarpal/internal/health"
	"github.com/dwarpal/dwarpal/internal/observe"
	"github.com/dwarpal/dwarpal/internal/orchestrator"
	"github.com/dwarpal/dwarpal/internal/store"
	"github.com/dwarpal/dwarpal/internal/store/sqlite"
	"github.com/dwarpal/dwarpal/pkg/provider/reply"
	"github.com/dwarpal/dwarpal/pkg/provider/stt"
	"github.com/dwarpal/dwarpal/pkg/provider/tts"
	"github.com/dwarpal/dwarpal/pkg/provider/vision"
)

// ErrStoreCorrupt wraps a failed database integrity check. main maps it to a
// dedicated exit code so operators can tell corruption from a config mistake.
var ErrStoreCorrupt = errors.New("app: store integrity check failed")

// shutdownGrace bounds how long the orchestrator may drain during Shutdown
// when the caller's context has no earlier deadline.
const shutdownGrace = 10 * time.Second

// Providers holds one interface value per provider slot. Nil means the slot
// is not configured; the pipeline degrades around it. Populated by main.go
// via the config registry.
type Providers struct {
	Vision vision.Provider
	Weapon vision.Provider
	STT    stt.Provider
	TTS    tts.Provider
	Reply  reply.Provider

	// ReplyName labels the reply provider in logs and tags.
	ReplyName string
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	store   *sqlite.Store
	stIface store.Store
	assets  *assets.Dir
	bus     *bus.Bus
	orch    *orchestrator.Orchestrator
	api     *api.Server
	httpSrv *http.Server
	watcher *config.Watcher

	logLevel *slog.LevelVar
	logger   *slog.Logger

	// closers run in reverse-init order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of opening the SQLite file from config.
// The injected store is not closed by Shutdown.
func WithStore(st *sqlite.Store) Option {
	return func(a *App) { a.store = st }
}

// WithBus injects an event bus instead of creating one.
func WithBus(b *bus.Bus) Option {
	return func(a *App) { a.bus = b }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithLogLevelVar hands the app the level var backing the process logger so
// config hot-reload can adjust verbosity.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: data directories, database
// open + integrity check, telemetry, stage engines, orchestrator, and the
// HTTP layer. A failed integrity check returns an error wrapping
// [ErrStoreCorrupt].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}

	dir, err := assets.New(cfg.Data.Dir)
	if err != nil {
		return nil, fmt.Errorf("app: init data dir: %w", err)
	}
	a.assets = dir

	if err := a.initStore(ctx); err != nil {
		return nil, err
	}

	if a.bus == nil {
		a.bus = bus.New()
	}

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "dwarpal",
	})
	if err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return otelShutdown(shCtx)
	})

	intel := a.buildIntelligence()
	a.orch = orchestrator.New(a.stIface, a.bus, a.assets,
		a.buildPerception(), intel, decision.New(), a.buildAction(),
		orchestrator.WithMaxConcurrentSessions(cfg.Pipeline.MaxConcurrentSessions),
		orchestrator.WithIdleTimeout(time.Duration(cfg.Pipeline.SessionIdleTimeoutSec)*time.Second),
		orchestrator.WithProviderTimeout(time.Duration(cfg.Pipeline.ProviderTimeoutSec)*time.Second),
		orchestrator.WithActionTimeout(time.Duration(cfg.Pipeline.ActionTimeoutSec)*time.Second),
		orchestrator.WithAutoReply(cfg.Pipeline.AutoReply),
		orchestrator.WithLogger(a.logger),
	)

	apiOpts := []api.Option{
		api.WithHealth(a.buildHealth()),
		api.WithLogger(a.logger),
	}
	if providers.STT != nil {
		apiOpts = append(apiOpts, api.WithSTT(providers.STT))
	}
	if providers.TTS != nil {
		apiOpts = append(apiOpts, api.WithTTS(providers.TTS))
	}
	a.api = api.New(a.orch, a.stIface, a.store, a.bus, a.assets, intel, apiOpts...)

	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// initStore opens the SQLite database and verifies its integrity.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		dbPath := filepath.Join(a.cfg.Data.Dir, a.cfg.Data.DBFile)
		st, err := sqlite.New(dbPath)
		if err != nil {
			return fmt.Errorf("app: open store: %w", err)
		}
		a.store = st
		a.closers = append(a.closers, st.Close)
	}
	if err := a.store.CheckIntegrity(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	}
	a.stIface = a.store
	return nil
}

// buildPerception wires the perception engine from the configured providers.
func (a *App) buildPerception() *perception.Engine {
	opts := []perception.Option{perception.WithLogger(a.logger)}
	if a.providers.Weapon != nil {
		opts = append(opts, perception.WithWeaponDetector(a.providers.Weapon))
	}
	return perception.New(a.providers.Vision, a.providers.STT, opts...)
}

// buildIntelligence wires the intelligence engine; without a reply provider
// it runs on canned replies only.
func (a *App) buildIntelligence() *intelligence.Engine {
	opts := []intelligence.Option{
		intelligence.WithProviderTimeout(time.Duration(a.cfg.Pipeline.ProviderTimeoutSec) * time.Second),
		intelligence.WithLogger(a.logger),
	}
	if a.providers.Reply != nil {
		opts = append(opts, intelligence.WithReplyProvider(a.providers.Reply, a.providers.ReplyName))
	}
	return intelligence.New(opts...)
}

// buildAction wires the action executor.
func (a *App) buildAction() *action.Executor {
	return action.New(a.assets, a.providers.TTS, a.stIface, a.bus,
		action.WithLogger(a.logger))
}

// buildHealth assembles the readiness checkers: the database plus a static
// report of which providers are configured.
func (a *App) buildHealth() *health.Handler {
	return health.New(
		health.Checker{
			Name: "database",
			Check: func(ctx context.Context) error {
				_, err := a.stIface.ListSessions(ctx, 1, "")
				return err
			},
		},
		health.Checker{
			Name: "vision",
			Check: func(context.Context) error {
				if a.providers.Vision == nil {
					return errors.New("not configured")
				}
				return nil
			},
		},
	)
}

// Watch starts hot-reloading the config file at path. Only the reloadable
// subset is applied: log level, auto-reply policy, and the session idle
// timeout. Everything else requires a restart.
func (a *App) Watch(path string) error {
	w, err := config.NewWatcher(path, func(old, next *config.Config) {
		d := config.Diff(old, next)
		if !d.Changed() {
			return
		}
		if d.LogLevelChanged && a.logLevel != nil {
			a.logLevel.Set(d.NewLogLevel.Level())
			a.logger.Info("log level updated", slog.String("level", string(d.NewLogLevel)))
		}
		if d.AutoReplyChanged {
			a.orch.SetAutoReply(d.NewAutoReply)
			a.logger.Info("auto-reply policy updated", slog.Bool("auto_reply", d.NewAutoReply))
		}
		if d.IdleTimeoutChanged {
			a.orch.SetIdleTimeout(time.Duration(d.NewIdleTimeoutSec) * time.Second)
			a.logger.Info("session idle timeout updated", slog.Int("seconds", d.NewIdleTimeoutSec))
		}
	})
	if err != nil {
		return fmt.Errorf("app: config watch: %w", err)
	}
	a.watcher = w
	return nil
}

// Run serves HTTP until ctx is cancelled, then drains and returns. The error
// is nil on a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	a.logger.Info("dwarpal serving",
		slog.String("addr", a.cfg.Server.ListenAddr),
		slog.Bool("tls", a.cfg.Server.TLS != nil))

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		return nil
	}
}

// Shutdown drains HTTP, stops the orchestrator, and tears down subsystems in
// reverse-init order. It respects the context deadline: if ctx expires before
// all closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		if a.watcher != nil {
			a.watcher.Stop()
		}

		if err := a.httpSrv.Shutdown(ctx); err != nil {
			a.logger.Warn("http shutdown", slog.Any("error", err))
		}

		drainCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
		err := a.orch.Shutdown(drainCtx)
		cancel()
		if err != nil {
			a.logger.Warn("orchestrator drain incomplete", slog.Any("error", err))
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", slog.Int("remaining", i+1))
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.logger.Warn("closer error", slog.Int("index", i), slog.Any("error", err))
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}
