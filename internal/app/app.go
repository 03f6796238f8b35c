// Package app assembles the gateway from its subsystems. One [App] owns the
// process-wide pieces (event bus, store, audit trail, session manager,
// summary worker), and [App.StartRuntime] builds the per-session stack for
// each connected client: the upstream provider session, the three lanes, the
// arbiter and the policy engine, driven by a single [Runtime] loop.
//
// Tests inject doubles through [Providers] and the functional options;
// everything not injected is built from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voxmux/voxmux/internal/audit"
	"github.com/voxmux/voxmux/internal/bus"
	"github.com/voxmux/voxmux/internal/config"
	"github.com/voxmux/voxmux/internal/health"
	"github.com/voxmux/voxmux/internal/lane"
	"github.com/voxmux/voxmux/internal/observe"
	"github.com/voxmux/voxmux/internal/policy"
	"github.com/voxmux/voxmux/internal/resilience"
	"github.com/voxmux/voxmux/internal/retrieval"
	"github.com/voxmux/voxmux/internal/session"
	"github.com/voxmux/voxmux/internal/store"
	"github.com/voxmux/voxmux/pkg/facts"
	"github.com/voxmux/voxmux/pkg/provider/llm"
	"github.com/voxmux/voxmux/pkg/provider/realtime"
	"github.com/voxmux/voxmux/pkg/provider/tts"
	"github.com/voxmux/voxmux/pkg/provider/tts/tone"
)

// phraseCacheSize bounds the process-wide cache of synthesized reflex and
// fallback phrases, shared across sessions.
const phraseCacheSize = 128

// Providers carries the external backends the gateway talks to. Realtime is
// required; the rest degrade when nil: without TTS the reflex and fallback
// lanes speak through the tone generator, without LLM the summariser stays
// off, and without Facts the claims check and facts retrieval are skipped.
type Providers struct {
	Realtime realtime.Provider
	TTS      tts.Synthesizer
	LLM      llm.Provider
	Facts    facts.Store
}

// Option customises [App] construction, mainly to inject doubles in tests.
type Option func(*App)

// WithBus replaces the event bus.
func WithBus(b *bus.Bus) Option {
	return func(a *App) { a.bus = b }
}

// WithStore injects an opened, migrated store. The caller keeps ownership;
// [App.Shutdown] will not close it.
func WithStore(st *store.Store) Option {
	return func(a *App) { a.store = st }
}

// WithMetrics replaces the default metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// App owns the process-wide gateway state. Create one with [New], serve each
// client connection through [App.StartRuntime], and tear down with
// [App.Shutdown].
type App struct {
	cfg       *config.Config
	providers *Providers

	bus       *bus.Bus
	store     *store.Store
	metrics   *observe.Metrics
	sessions  *session.Manager
	trail     *audit.Trail
	summaries *session.SummaryWorker
	claims    *policy.Checker
	cache     *lane.PhraseCache
	assembler *retrieval.Assembler
	synth     tts.Synthesizer

	mu       sync.Mutex
	runtimes map[string]*Runtime

	closers  []func() error
	stopOnce sync.Once
}

// New wires the gateway. Construction order matters: the store opens first so
// every later subsystem can persist, and the audit trail subscribes before
// any session can emit.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if providers == nil {
		providers = &Providers{}
	}
	if providers.Realtime == nil {
		return nil, errors.New("app: a realtime provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		runtimes:  make(map[string]*Runtime),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.bus == nil {
		a.bus = bus.New()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Store ──
	if a.store == nil {
		st, err := store.Open(store.Options{
			Path:    cfg.Audit.DatabasePath,
			WALMode: cfg.Audit.WALMode,
		})
		if err != nil {
			return nil, fmt.Errorf("app: open store: %w", err)
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("app: migrate store: %w", err)
		}
		if err := st.Prepare(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("app: prepare store: %w", err)
		}
		a.store = st
		a.closers = append(a.closers, st.Close)
	}

	// ── 2. Audit trail ──
	if cfg.Audit.Enabled {
		trail, err := audit.New(a.bus, a.store, audit.Config{
			Dir:                     cfg.Audit.JSONLDir,
			IncludeTranscripts:      cfg.Audit.IncludeTranscripts,
			IncludeTranscriptDeltas: cfg.Audit.IncludeTranscriptDeltas,
			IncludeAudio:            cfg.Audit.IncludeAudio,
			IncludeSessionEvents:    cfg.Audit.IncludeSessionEvents,
			IncludeResponseMetadata: cfg.Audit.IncludeResponseMetadata,
			Metrics:                 a.metrics,
		})
		if err != nil {
			a.closeEarly()
			return nil, fmt.Errorf("app: init audit trail: %w", err)
		}
		trail.Start()
		a.trail = trail
		a.closers = append(a.closers, trail.Close)
	}

	// ── 3. Facts pack ──
	if providers.Facts != nil {
		checker, err := policy.NewChecker(ctx, providers.Facts)
		if err != nil {
			a.closeEarly()
			return nil, fmt.Errorf("app: load facts pack: %w", err)
		}
		a.claims = checker
	}

	// ── 4. Speech synthesis ──
	a.synth = buildSynth(providers.TTS)
	a.cache = lane.NewPhraseCache(phraseCacheSize)

	// ── 5. Retrieval ──
	a.assembler = retrieval.NewAssembler(a.store, providers.Facts)

	// ── 6. Session lifecycle ──
	var sessOpts []session.Option
	if d := cfg.Session.IdleTimeout(); d > 0 {
		sessOpts = append(sessOpts, session.WithIdleTimeout(d))
	}
	if d := cfg.Session.DeleteGrace(); d > 0 {
		sessOpts = append(sessOpts, session.WithDeleteGrace(d))
	}
	a.sessions = session.NewManager(a.bus, a.store, sessOpts...)
	a.closers = append(a.closers, func() error { a.sessions.Close(); return nil })

	// ── 7. Summariser ──
	if cfg.Summariser.Enabled {
		if providers.LLM == nil {
			slog.Warn("summariser enabled but no llm provider configured, skipping")
		} else {
			// The breaker keeps a dead backend from stalling every
			// session end until the timeout.
			completer := resilience.NewLLMFallback(providers.LLM, "llm", resilience.FallbackConfig{})
			w := session.NewSummaryWorker(a.bus, a.store, session.NewLLMSummariser(completer))
			w.Start()
			a.summaries = w
			a.closers = append(a.closers, func() error { w.Close(); return nil })
		}
	}

	return a, nil
}

// buildSynth layers the configured synthesizer over the tone generator so
// reflex and fallback audio survives a TTS outage.
func buildSynth(primary tts.Synthesizer) tts.Synthesizer {
	if primary == nil {
		return tone.New()
	}
	chain := resilience.NewTTSFallback(primary, "tts", resilience.FallbackConfig{})
	chain.AddFallback("tone", tone.New())
	return chain
}

// closeEarly unwinds a partially constructed App after an init failure.
func (a *App) closeEarly() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("cleanup after failed init", "error", err)
		}
	}
}

// Shutdown ends every live session, then tears the subsystems down in
// reverse-init order. The context bounds the whole teardown; only the first
// call does the work.
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error
	a.stopOnce.Do(func() {
		a.mu.Lock()
		rts := make([]*Runtime, 0, len(a.runtimes))
		for _, rt := range a.runtimes {
			rts = append(rts, rt)
		}
		a.mu.Unlock()
		for _, rt := range rts {
			rt.Close(session.ReasonShutdown)
		}
		// Sessions without a runtime (none in normal operation) still need
		// their end event.
		a.sessions.EndAll(ctx, session.ReasonShutdown)

		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("app: shutdown deadline: %w", err)
				}
				return
			}
			if err := a.closers[i](); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// Bus returns the process event bus.
func (a *App) Bus() *bus.Bus { return a.bus }

// Store returns the persistence layer.
func (a *App) Store() *store.Store { return a.store }

// Sessions returns the session manager.
func (a *App) Sessions() *session.Manager { return a.sessions }

// Metrics returns the metrics instance the runtimes record into.
func (a *App) Metrics() *observe.Metrics { return a.metrics }

// Runtime returns the live runtime for a session id.
func (a *App) Runtime(sessionID string) (*Runtime, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rt, ok := a.runtimes[sessionID]
	return rt, ok
}

// UpdateConfig swaps the config used for sessions started after the call.
// Running sessions keep the snapshot they were built with, and process-wide
// pieces (store, audit trail, summariser) stay bound to their construction
// settings. Pair with [config.Watcher] for live reloads.
func (a *App) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

func (a *App) currentConfig() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// HealthCheckers returns the readiness probes for the ops endpoints:
// database reachability, upstream credential presence, and audit directory
// writability when the JSONL target is on.
func (a *App) HealthCheckers() []health.Checker {
	cfg := a.currentConfig()
	checks := []health.Checker{
		health.Database(a.store),
		health.Upstream(cfg.Connection.Credential),
	}
	if cfg.Audit.Enabled && cfg.Audit.JSONLDir != "" {
		checks = append(checks, health.AuditDir(cfg.Audit.JSONLDir))
	}
	return checks
}

func (a *App) register(rt *Runtime) {
	a.mu.Lock()
	a.runtimes[rt.sessionID] = rt
	a.mu.Unlock()
	a.metrics.ActiveSessions.Add(context.Background(), 1)
}

func (a *App) unregister(sessionID string) {
	a.mu.Lock()
	_, ok := a.runtimes[sessionID]
	delete(a.runtimes, sessionID)
	a.mu.Unlock()
	if ok {
		a.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// voiceFor returns the lane-specific voice override, or the connection voice.
func voiceFor(cfg *config.Config, override string) string {
	if override != "" {
		return override
	}
	return cfg.Connection.Voice
}
