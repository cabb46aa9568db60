// Package app wires all Supportline subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run delivers display events and serves the control API, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via the Providers struct and functional options
// (WithBus, WithMetrics, etc.). When an option is not provided, New creates
// the real implementation.
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

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/supportline/internal/config"
	"github.com/MrWong99/supportline/internal/display"
	"github.com/MrWong99/supportline/internal/observe"
	"github.com/MrWong99/supportline/internal/pipeline"
)

// pumpWait bounds each wait on the display bus so the pump notices
// cancellation between events.
const pumpWait = 250 * time.Millisecond

// serverShutdownTimeout bounds the graceful stop of the control server.
const serverShutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes and orchestrates the support assistant.
type App struct {
	reg     *config.Registry
	metrics *observe.Metrics
	bus     *display.Bus

	// metricsHandler serves /metrics when set.
	metricsHandler http.Handler

	// cfgMu guards cfg and providers, which ApplyConfig replaces.
	cfgMu     sync.Mutex
	cfg       *config.Config
	providers *Providers

	transcript *display.Log
	sessions   *SessionManager
	server     *http.Server

	listenersMu sync.Mutex
	listeners   []func(display.Event)

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithBus injects the display bus instead of creating one.
func WithBus(b *display.Bus) Option {
	return func(a *App) { a.bus = b }
}

// WithMetrics injects the metrics instance instead of the global default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at GET /metrics on the control server.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithRegistry lets ApplyConfig rebuild providers whose configuration
// changed. Without a registry only conversation settings are reloaded.
func WithRegistry(reg *config.Registry) Option {
	return func(a *App) { a.reg = reg }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). The App takes
// ownership of providers and releases them in Shutdown.
//
// A configuration that cannot run a session yet (for example a missing API
// key) does not fail New; starting a session reports the problem instead.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	if a.bus == nil {
		a.bus = display.NewBus()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.transcript = display.NewLog(cfg.Conversation.AssistantName)
	a.sessions = NewSessionManager(PipelineConfig(cfg, providers, a.bus, a.metrics))
	a.closers = append(a.closers, a.closeProviders)

	if addr := cfg.Server.ListenAddr; addr != "" {
		a.server = &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
		}
	}

	slog.Info("app initialised",
		"stt", providers.STTName,
		"llm", providers.LLMName,
		"device", cfg.Audio.DeviceID,
		"listen_addr", cfg.Server.ListenAddr,
	)
	return a, nil
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Transcript returns the conversation log fed from the display bus.
func (a *App) Transcript() *display.Log { return a.transcript }

// Bus returns the display bus.
func (a *App) Bus() *display.Bus { return a.bus }

// Subscribe registers fn to receive every display event after it was applied
// to the transcript. Listeners run on the pump goroutine, in registration
// order, and must not block.
func (a *App) Subscribe(fn func(display.Event)) {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run delivers display events to the transcript and the subscribers and, if
// a listen address is configured, serves the control API. It blocks until
// ctx is cancelled or the server fails, and returns context.Canceled (or the
// underlying cause).
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.pump(gctx)
		return nil
	})

	if a.server != nil {
		ln, err := net.Listen("tcp", a.server.Addr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.server.Addr, err)
		}
		slog.Info("control server listening", "addr", ln.Addr().String())

		g.Go(func() error {
			if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// pump moves events from the bus to the transcript and the listeners until
// ctx is done.
func (a *App) pump(ctx context.Context) {
	for {
		ev, ok := a.bus.Receive(ctx, pumpWait)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		a.dispatch(ev)
	}
}

// flush delivers every event still on the bus.
func (a *App) flush() {
	for _, ev := range a.bus.Drain() {
		a.dispatch(ev)
	}
}

func (a *App) dispatch(ev display.Event) {
	a.transcript.Apply(ev)
	a.listenersMu.Lock()
	listeners := a.listeners
	a.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig takes over a changed configuration. Providers whose block
// changed are rebuilt (when a registry was supplied) and the pipeline is
// reconfigured; a running session keeps its settings and the change applies
// when the next session starts. The log level is the caller's concern and
// the listen address needs a restart.
func (a *App) ApplyConfig(next *config.Config) error {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()

	d := config.Diff(a.cfg, next)
	if d.ListenAddrChanged {
		slog.Warn("server.listen_addr changed; restart to apply", "listen_addr", next.Server.ListenAddr)
	}
	if !d.NextSession() {
		a.cfg = next
		return nil
	}

	ps := *a.providers
	var retired *Providers
	if a.reg != nil {
		var err error
		if d.STTChanged || d.ConversationChanged {
			if ps.STT, err = buildSTT(a.reg, next); err != nil {
				return err
			}
			ps.STTName = next.Providers.STT.Name
		}
		if d.LLMChanged {
			if ps.LLM, err = buildLLM(a.reg, next); err != nil {
				return err
			}
			ps.LLMName = next.Providers.LLM.Name
		}
		if audioBackendChanged(a.cfg.Audio, next.Audio) {
			if ps.Audio, err = buildAudio(a.reg, next); err != nil {
				return err
			}
			retired = &Providers{Audio: a.providers.Audio}
		}
	}

	applied, err := a.sessions.Reconfigure(PipelineConfig(next, &ps, a.bus, a.metrics))
	if err != nil {
		if ps.Audio != a.providers.Audio {
			_ = ps.Audio.Close()
		}
		return fmt.Errorf("app: apply config: %w", err)
	}

	// The replaced backend may still serve the running session.
	if retired != nil {
		a.closers = append(a.closers, retired.Close)
	}
	a.cfg = next
	a.providers = &ps

	if applied {
		slog.Info("configuration applied")
	} else {
		slog.Info("configuration change applies when the next session starts")
	}
	return nil
}

func (a *App) closeProviders() error {
	a.cfgMu.Lock()
	ps := a.providers
	a.cfgMu.Unlock()
	return ps.Close()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the active session and tears down all subsystems in order.
// It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Stop the session first so the device and connection are released
		// and its final events reach the transcript.
		if err := a.sessions.Stop(ctx); err != nil {
			slog.Warn("session stop error", "err", err)
			shutdownErr = err
		}
		a.flush()

		a.cfgMu.Lock()
		closers := a.closers
		a.cfgMu.Unlock()
		for i, closer := range closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(closers)-i)
				shutdownErr = ctx.Err()
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

// state reports the pipeline state name; used by health checks.
func (a *App) state() string { return a.sessions.State().String() }

// stateStopping is the transient state the readiness check watches.
var stateStopping = pipeline.StateStopping.String()
