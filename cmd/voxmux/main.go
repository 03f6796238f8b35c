// Command voxmux is the main entry point for the voxmux voice gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxmux/voxmux/internal/app"
	"github.com/voxmux/voxmux/internal/config"
	"github.com/voxmux/voxmux/internal/observe"
	"github.com/voxmux/voxmux/internal/transport"
	factspg "github.com/voxmux/voxmux/pkg/facts/postgres"
	factsstatic "github.com/voxmux/voxmux/pkg/facts/static"
	"github.com/voxmux/voxmux/pkg/provider/embeddings"
	ollamaembed "github.com/voxmux/voxmux/pkg/provider/embeddings/ollama"
	oaembed "github.com/voxmux/voxmux/pkg/provider/embeddings/openai"
	"github.com/voxmux/voxmux/pkg/provider/llm"
	"github.com/voxmux/voxmux/pkg/provider/llm/anyllm"
	oallm "github.com/voxmux/voxmux/pkg/provider/llm/openai"
	rtopenai "github.com/voxmux/voxmux/pkg/provider/realtime/openai"
	"github.com/voxmux/voxmux/pkg/provider/tts"
	"github.com/voxmux/voxmux/pkg/provider/tts/coqui"
	"github.com/voxmux/voxmux/pkg/provider/tts/elevenlabs"
	oatts "github.com/voxmux/voxmux/pkg/provider/tts/openai"
)

// version is stamped at release builds via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	logLevelFlag := flag.String("log-level", "", "override server.log_level (debug, info, warn, error)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxmux: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxmux: %v\n", err)
		}
		return 1
	}
	if *logLevelFlag != "" {
		lvl := config.LogLevel(*logLevelFlag)
		if !lvl.IsValid() {
			fmt.Fprintf(os.Stderr, "voxmux: -log-level %q is invalid; valid values: debug, info, warn, error\n", *logLevelFlag)
			return 1
		}
		cfg.Server.LogLevel = lvl
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The handler holds a LevelVar so a config reload can adjust verbosity
	// without rebuilding the logger.
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("voxmux starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownObserve, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownObserve(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, cleanup, err := buildProviders(ctx, cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	defer cleanup()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	srv := transport.New(application, cfg.Server)

	// ── Config reload ─────────────────────────────────────────────────────────
	// The watcher swaps the config under running sessions' feet only for
	// sessions that start after the swap. Provider and listener settings
	// still need a restart.
	watcher, err := config.NewWatcher(*configPath, func(old, next *config.Config) {
		application.UpdateConfig(next)
		diff := config.Diff(old, next)
		if diff.LogLevelChanged {
			level.Set(diff.NewLogLevel.Level())
		}
		if diff.Any() {
			slog.Info("config reloaded", "sections", diff.Sections())
		} else {
			slog.Info("config file changed, but only boot-time sections differ; restart to apply")
		}
	})
	if err != nil {
		slog.Warn("config reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildProviders instantiates the external backends named in cfg and returns
// them in an [app.Providers] struct, plus a cleanup for backends that hold
// connections. Optional backends that cannot be built for lack of a
// credential are logged and left nil; the app degrades around them.
func buildProviders(ctx context.Context, cfg *config.Config) (*app.Providers, func(), error) {
	ps := &app.Providers{}
	cleanup := func() {}

	// ── Upstream realtime ─────────────────────────────────────────────────────
	var rtOpts []rtopenai.Option
	if cfg.Connection.Model != "" {
		rtOpts = append(rtOpts, rtopenai.WithModel(cfg.Connection.Model))
	}
	if cfg.Connection.Endpoint != "" {
		rtOpts = append(rtOpts, rtopenai.WithBaseURL(cfg.Connection.Endpoint))
	}
	ps.Realtime = rtopenai.New(cfg.Connection.Credential, rtOpts...)
	slog.Info("provider created", "kind", "realtime", "name", "openai", "model", cfg.Connection.Model)

	// ── TTS ───────────────────────────────────────────────────────────────────
	synth, err := buildTTS(cfg.TTS)
	if err != nil {
		return nil, nil, fmt.Errorf("create tts backend %q: %w", cfg.TTS.Backend, err)
	}
	if synth != nil {
		ps.TTS = synth
		slog.Info("provider created", "kind", "tts", "name", string(cfg.TTS.Backend), "model", cfg.TTS.Model)
	}

	// ── Summariser LLM ────────────────────────────────────────────────────────
	if cfg.Summariser.Enabled {
		p, err := buildSummariserLLM(cfg.Summariser)
		if err != nil {
			return nil, nil, fmt.Errorf("create summariser provider %q: %w", cfg.Summariser.Provider, err)
		}
		if p != nil {
			ps.LLM = p
			slog.Info("provider created", "kind", "llm", "name", cfg.Summariser.Provider, "model", cfg.Summariser.Model)
		}
	}

	// ── Facts pack ────────────────────────────────────────────────────────────
	switch cfg.Facts.Backend {
	case config.FactsStatic:
		st, err := factsstatic.Load(cfg.Facts.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("load facts pack: %w", err)
		}
		ps.Facts = st
		slog.Info("provider created", "kind", "facts", "name", "static", "path", cfg.Facts.Path)
	case config.FactsPostgres:
		embedder, err := buildEmbedder(cfg.Facts)
		if err != nil {
			return nil, nil, fmt.Errorf("create embeddings provider %q: %w", cfg.Facts.EmbeddingProvider, err)
		}
		st, err := factspg.NewStore(ctx, cfg.Facts.PostgresDSN, embedder)
		if err != nil {
			return nil, nil, fmt.Errorf("open facts store: %w", err)
		}
		ps.Facts = st
		cleanup = func() {
			if err := st.Close(); err != nil {
				slog.Warn("facts store close error", "err", err)
			}
		}
		slog.Info("provider created", "kind", "facts", "name", "postgres",
			"embeddings", cfg.Facts.EmbeddingProvider)
	}

	return ps, cleanup, nil
}

// buildTTS constructs the speech synthesis backend. A nil return with nil
// error means no backend: the reflex and fallback lanes fall back to the
// tone generator.
func buildTTS(cfg config.TTSConfig) (tts.Synthesizer, error) {
	switch cfg.Backend {
	case "", config.TTSOpenAI:
		if cfg.Credential == "" {
			slog.Warn("no tts credential resolved; spoken phrases will use the tone generator")
			return nil, nil
		}
		var opts []oatts.Option
		if cfg.BaseURL != "" {
			opts = append(opts, oatts.WithBaseURL(cfg.BaseURL))
		}
		return oatts.New(cfg.Credential, cfg.Model, opts...)
	case config.TTSElevenLabs:
		if cfg.Credential == "" {
			slog.Warn("no tts credential resolved; spoken phrases will use the tone generator")
			return nil, nil
		}
		var opts []elevenlabs.Option
		if cfg.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(cfg.BaseURL))
		}
		return elevenlabs.New(cfg.Credential, cfg.Model, opts...)
	case config.TTSCoqui:
		// A local server with no credential; base_url is validated at load.
		return coqui.New(cfg.BaseURL)
	default:
		return nil, fmt.Errorf("unknown tts backend %q", cfg.Backend)
	}
}

// buildSummariserLLM constructs the completion backend for conversation
// summaries. OpenAI goes through the native client; everything else goes
// through any-llm-go under its provider name.
func buildSummariserLLM(cfg config.SummariserConfig) (llm.Provider, error) {
	switch cfg.Provider {
	case "openai":
		if cfg.Credential == "" {
			slog.Warn("no summariser credential resolved; conversation summaries are disabled")
			return nil, nil
		}
		return oallm.New(cfg.Credential, cfg.Model)
	case "ollama":
		// A local server; any-llm-go needs no key for it.
		return anyllm.New("ollama", cfg.Model)
	default:
		var opts []anyllmlib.Option
		if cfg.Credential != "" {
			opts = append(opts, anyllmlib.WithAPIKey(cfg.Credential))
		}
		return anyllm.New(cfg.Provider, cfg.Model, opts...)
	}
}

// buildEmbedder constructs the embeddings backend for facts vector search.
func buildEmbedder(cfg config.FactsConfig) (embeddings.Provider, error) {
	switch cfg.EmbeddingProvider {
	case "openai":
		var opts []oaembed.Option
		if cfg.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(cfg.BaseURL))
		}
		if cfg.EmbeddingDimensions > 0 {
			opts = append(opts, oaembed.WithDimensions(cfg.EmbeddingDimensions))
		}
		return oaembed.New(cfg.Credential, cfg.EmbeddingModel, opts...)
	case "ollama":
		var opts []ollamaembed.Option
		if cfg.BaseURL != "" {
			opts = append(opts, ollamaembed.WithBaseURL(cfg.BaseURL))
		}
		if cfg.EmbeddingDimensions > 0 {
			opts = append(opts, ollamaembed.WithDimensions(cfg.EmbeddingDimensions))
		}
		return ollamaembed.New(cfg.EmbeddingModel, opts...)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxmux — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	summaryRow("Upstream", pairRow("openai", cfg.Connection.Model))
	summaryRow("TTS", pairRow(string(cfg.TTS.Backend), cfg.TTS.Model))
	if cfg.Summariser.Enabled {
		summaryRow("Summariser", pairRow(cfg.Summariser.Provider, cfg.Summariser.Model))
	} else {
		summaryRow("Summariser", "(disabled)")
	}
	summaryRow("Facts", pairRow(string(cfg.Facts.Backend), cfg.Facts.EmbeddingProvider))
	if cfg.Arbitrator.LaneAEnabled {
		summaryRow("Reflex lane", "enabled")
	} else {
		summaryRow("Reflex lane", "disabled")
	}
	summaryRow("Fallback", string(cfg.Fallback.Mode))
	if cfg.Audit.Enabled {
		summaryRow("Audit", pairRow(cfg.Audit.DatabasePath, cfg.Audit.JSONLDir))
	} else {
		summaryRow("Audit", "(disabled)")
	}
	summaryRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func summaryRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// pairRow joins a name and a detail for one summary row.
func pairRow(name, detail string) string {
	if name == "" {
		return detail
	}
	if detail == "" {
		return name
	}
	return name + " / " + detail
}
