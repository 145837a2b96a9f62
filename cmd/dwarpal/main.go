// Command dwarpal is the smart-doorbell pipeline server.
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

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/dwarpal/dwarpal/internal/app"
	"github.com/dwarpal/dwarpal/internal/config"
	"github.com/dwarpal/dwarpal/internal/resilience"
	"github.com/dwarpal/dwarpal/pkg/provider/reply"
	"github.com/dwarpal/dwarpal/pkg/provider/reply/anyllm"
	"github.com/dwarpal/dwarpal/pkg/provider/stt"
	sttgroq "github.com/dwarpal/dwarpal/pkg/provider/stt/groq"
	sttstatic "github.com/dwarpal/dwarpal/pkg/provider/stt/static"
	"github.com/dwarpal/dwarpal/pkg/provider/stt/whisper"
	"github.com/dwarpal/dwarpal/pkg/provider/tts"
	"github.com/dwarpal/dwarpal/pkg/provider/tts/espeak"
	"github.com/dwarpal/dwarpal/pkg/provider/vision"
	visionstatic "github.com/dwarpal/dwarpal/pkg/provider/vision/static"
	"github.com/dwarpal/dwarpal/pkg/provider/vision/yolohttp"
)

// Exit codes.
const (
	exitOK           = 0
	exitConfig       = 1
	exitStoreCorrupt = 2
	exitPipeline     = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// A .env file is optional; the real environment always wins.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dwarpal: %v\n", err)
		return exitConfig
	}
	if err := config.ApplyEnv(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "dwarpal: %v\n", err)
		return exitConfig
	}

	levelVar := new(slog.LevelVar)
	levelVar.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("dwarpal starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"disable_models", cfg.Providers.DisableModels,
	)

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, providers,
		app.WithLogger(logger), app.WithLogLevelVar(levelVar))
	if err != nil {
		if errors.Is(err, app.ErrStoreCorrupt) {
			slog.Error("database failed its integrity check — restore from backup or delete the file", "err", err)
			return exitStoreCorrupt
		}
		slog.Error("failed to initialise application", "err", err)
		return exitConfig
	}

	// Hot-reload only when the config actually exists on disk.
	if _, statErr := os.Stat(*configPath); statErr == nil {
		if err := application.Watch(*configPath); err != nil {
			slog.Warn("config hot-reload disabled", "err", err)
		}
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil {
		slog.Error("pipeline crashed", "err", err)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = application.Shutdown(shutdownCtx)
		return exitPipeline
	}

	slog.Info("shutdown signal received, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return exitConfig
	}
	slog.Info("goodbye")
	return exitOK
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Vision ───────────────────────────────────────────────────────────

	reg.RegisterVision("yolohttp", func(entry config.ProviderEntry) (vision.Provider, error) {
		var opts []yolohttp.Option
		if floor := optFloat(entry.Options, "confidence_floor"); floor > 0 {
			opts = append(opts, yolohttp.WithConfidenceFloor(floor))
		}
		return yolohttp.New(entry.BaseURL, opts...)
	})

	reg.RegisterVision("static", func(config.ProviderEntry) (vision.Provider, error) {
		return visionstatic.New(), nil
	})

	// ── STT ──────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("groq", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []sttgroq.Option
		if entry.Model != "" {
			opts = append(opts, sttgroq.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, sttgroq.WithBaseURL(entry.BaseURL))
		}
		return sttgroq.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("static", func(config.ProviderEntry) (stt.Provider, error) {
		return sttstatic.New(), nil
	})

	// ── TTS ──────────────────────────────────────────────────────────────

	reg.RegisterTTS("espeak", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []espeak.Option
		if bin := optString(entry.Options, "binary"); bin != "" {
			opts = append(opts, espeak.WithBinary(bin))
		}
		if wpm := optInt(entry.Options, "speed"); wpm > 0 {
			opts = append(opts, espeak.WithSpeed(wpm))
		}
		return espeak.New(opts...)
	})

	// ── Reply ────────────────────────────────────────────────────────────

	reg.RegisterReply("openai", func(entry config.ProviderEntry) (reply.Provider, error) {
		return anyllm.NewOpenAI(entry.Model, replyBackendOpts(entry)...)
	})

	reg.RegisterReply("groq", func(entry config.ProviderEntry) (reply.Provider, error) {
		return anyllm.NewGroq(entry.Model, replyBackendOpts(entry)...)
	})

	// ollama is a local server; BaseURL selects the address, no API key.
	reg.RegisterReply("ollama", func(entry config.ProviderEntry) (reply.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.NewOllama(entry.Model, opts...)
	})
}

func replyBackendOpts(entry config.ProviderEntry) []anyllmlib.Option {
	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	return opts
}

// buildProviders instantiates all providers named in cfg using the registry.
// With disable_models set, every model-backed slot gets its static stand-in
// and the reply slot stays empty.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if cfg.Providers.DisableModels {
		ps.Vision = visionstatic.New()
		ps.STT = sttstatic.New()
		slog.Info("models disabled — using static providers")
		return ps, nil
	}

	if name := cfg.Providers.Vision.Name; name != "" {
		p, err := reg.CreateVision(cfg.Providers.Vision)
		if err != nil {
			return nil, fmt.Errorf("create vision provider %q: %w", name, err)
		}
		ps.Vision = p
		slog.Info("provider created", "kind", "vision", "name", name)
	}

	if name := cfg.Providers.Weapon.Name; name != "" {
		p, err := reg.CreateVision(cfg.Providers.Weapon)
		if err != nil {
			return nil, fmt.Errorf("create weapon provider %q: %w", name, err)
		}
		ps.Weapon = p
		slog.Info("provider created", "kind", "weapon", "name", name)
	}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		}
		// Static fallback keeps transcription degrading gracefully when the
		// model endpoint is down.
		fb := resilience.NewSTTFallback(p, name, resilience.FallbackConfig{})
		fb.AddFallback("static", sttstatic.New())
		ps.STT = fb
		slog.Info("provider created", "kind", "stt", "name", name)
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if err != nil {
			// A doorbell without a speaker backend still answers over the
			// dashboard; log and continue.
			slog.Warn("tts provider unavailable — speech disabled", "name", name, "err", err)
		} else {
			ps.TTS = resilience.NewTTSFallback(p, name, resilience.FallbackConfig{})
			slog.Info("provider created", "kind", "tts", "name", name)
		}
	}

	if name := cfg.Providers.Reply.Name; name != "" {
		if cfg.Providers.Reply.APIKey == "" && name != "ollama" {
			slog.Warn("reply provider has no API key — using canned replies", "name", name)
		} else {
			p, err := reg.CreateReply(cfg.Providers.Reply)
			if err != nil {
				return nil, fmt.Errorf("create reply provider %q: %w", name, err)
			}
			ps.Reply = resilience.NewReplyFallback(p, name, resilience.FallbackConfig{})
			ps.ReplyName = name
			slog.Info("provider created", "kind", "reply", "name", name)
		}
	}

	return ps, nil
}

// ── Option map helpers ───────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
func optString(opts map[string]any, key string) string {
	if v, ok := opts[key].(string); ok {
		return v
	}
	return ""
}

// optInt extracts an integer value from a provider Options map. YAML decodes
// whole numbers as int.
func optInt(opts map[string]any, key string) int {
	if v, ok := opts[key].(int); ok {
		return v
	}
	return 0
}

// optFloat extracts a float value from a provider Options map, accepting ints
// too since YAML decodes 1 and 1.0 differently.
func optFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
