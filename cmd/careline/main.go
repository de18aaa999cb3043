// Command careline is the main entry point for the careline check-in voice
// agent server.
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

	"github.com/careline-ai/careline/internal/app"
	"github.com/careline-ai/careline/internal/config"
	"github.com/careline-ai/careline/internal/resilience"
	"github.com/careline-ai/careline/pkg/provider/embeddings"
	"github.com/careline-ai/careline/pkg/provider/embeddings/ollama"
	embeddingsopenai "github.com/careline-ai/careline/pkg/provider/embeddings/openai"
	"github.com/careline-ai/careline/pkg/provider/llm"
	"github.com/careline-ai/careline/pkg/provider/llm/anyllm"
	llmopenai "github.com/careline-ai/careline/pkg/provider/llm/openai"
	"github.com/careline-ai/careline/pkg/provider/stt"
	"github.com/careline-ai/careline/pkg/provider/stt/deepgram"
	"github.com/careline-ai/careline/pkg/provider/tts"
	"github.com/careline-ai/careline/pkg/provider/tts/coqui"
	"github.com/careline-ai/careline/pkg/provider/tts/elevenlabs"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "careline: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "careline: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("careline starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	// ── Application wiring ────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders registers every LLM/STT/TTS/embeddings factory
// careline ships with against reg. cfg-level provider entries select among
// these by name at buildProviders time.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		return llmopenai.New(e.APIKey, e.Model, llmopenaiOpts(e)...)
	})
	reg.RegisterLLM("anthropic", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewAnthropic(e.Model, anyllmOpts(e)...)
	})
	reg.RegisterLLM("ollama", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewOllama(e.Model, anyllmOpts(e)...)
	})
	reg.RegisterLLM("anyllm", func(e config.ProviderEntry) (llm.Provider, error) {
		backend := "openai"
		if v, ok := e.Options["backend"].(string); ok && v != "" {
			backend = v
		}
		return anyllm.New(backend, e.Model, anyllmOpts(e)...)
	})

	reg.RegisterSTT("deepgram", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		return deepgram.New(e.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		return elevenlabs.New(e.APIKey, opts...)
	})
	reg.RegisterTTS("coqui", func(e config.ProviderEntry) (tts.Provider, error) {
		opts := []coqui.Option{coqui.WithOutputSampleRate(24000)}
		if v, ok := e.Options["language"].(string); ok && v != "" {
			opts = append(opts, coqui.WithLanguage(v))
		}
		if v, ok := e.Options["api_mode"].(string); ok && v == string(coqui.APIModeXTTS) {
			opts = append(opts, coqui.WithAPIMode(coqui.APIModeXTTS))
		}
		return coqui.New(e.BaseURL, opts...)
	})

	reg.RegisterEmbeddings("openai", func(e config.ProviderEntry) (embeddings.Provider, error) {
		var opts []embeddingsopenai.Option
		return embeddingsopenai.New(e.APIKey, e.Model, opts...)
	})
	reg.RegisterEmbeddings("ollama", func(e config.ProviderEntry) (embeddings.Provider, error) {
		var opts []ollama.Option
		return ollama.New(e.BaseURL, e.Model, opts...)
	})
}

// anyllmOpts translates a config.ProviderEntry into any-llm-go options. With
// no API key given, the backend falls back to its usual environment
// variable (e.g. OPENAI_API_KEY).
func anyllmOpts(e config.ProviderEntry) []anyllmlib.Option {
	var opts []anyllmlib.Option
	if e.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
	}
	if e.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
	}
	return opts
}

func llmopenaiOpts(e config.ProviderEntry) []llmopenai.Option {
	var opts []llmopenai.Option
	if e.BaseURL != "" {
		opts = append(opts, llmopenai.WithBaseURL(e.BaseURL))
	}
	return opts
}

// buildProviders instantiates every configured provider role through reg,
// returning an [app.Providers] for the application to consume. A role with
// no provider name configured is left nil (app.New reports which ones it
// actually requires); a name with no registered factory is an error.
//
// Every created provider is wrapped in its internal/resilience fallback
// group (one circuit breaker per provider instance, named for its role)
// before being handed to the rest of the application, per §5/§7's "every
// provider call is circuit-breaker-gated; on repeated failure the pipeline
// degrades rather than retries forever" story. No config section currently
// names more than one provider entry per role, so each group has only a
// primary; the AddFallback hook is there for a future multi-provider config
// without changing call sites.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	var err error
	if ps.VoiceLLM, err = createLLM(reg, "voice_llm", cfg.Providers.VoiceLLM); err != nil {
		return nil, err
	}
	if ps.DirectorLLM, err = createLLM(reg, "director_llm", cfg.Providers.DirectorLLM); err != nil {
		return nil, err
	}
	if ps.AnalysisLLM, err = createLLM(reg, "analysis_llm", cfg.Providers.AnalysisLLM); err != nil {
		return nil, err
	}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		}
		ps.STT = resilience.NewSTTFallback(p, name, resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{Name: "stt"},
		})
		slog.Info("provider created", "kind", "stt", "name", name)
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		}
		ps.TTS = resilience.NewTTSFallback(p, name, resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{Name: "tts"},
		})
		slog.Info("provider created", "kind", "tts", "name", name)
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		}
		ps.Embeddings = resilience.NewEmbeddingsFallback(p, name, resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{Name: "embeddings"},
		})
		slog.Info("provider created", "kind", "embeddings", "name", name)
	}

	return ps, nil
}

func createLLM(reg *config.Registry, role string, entry config.ProviderEntry) (llm.Provider, error) {
	if entry.Name == "" {
		return nil, nil
	}
	p, err := reg.CreateLLM(entry)
	if err != nil {
		return nil, fmt.Errorf("create %s provider %q: %w", role, entry.Name, err)
	}
	slog.Info("provider created", "kind", role, "name", entry.Name)
	return resilience.NewLLMFallback(p, entry.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{Name: role},
	}), nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        careline — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Voice LLM", cfg.Providers.VoiceLLM.Name, cfg.Providers.VoiceLLM.Model)
	printProvider("Director LLM", cfg.Providers.DirectorLLM.Name, cfg.Providers.DirectorLLM.Model)
	printProvider("Analysis LLM", cfg.Providers.AnalysisLLM.Name, cfg.Providers.AnalysisLLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	fmt.Printf("║  Telephony number: %-19s ║\n", cfg.Telephony.Number)
	fmt.Printf("║  Scheduler        : %-18s ║\n", enabledLabel(cfg.Scheduler.Enabled))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr      : %-18s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func enabledLabel(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogLevelDebug:
		lvl = slog.LevelDebug
	case config.LogLevelWarn:
		lvl = slog.LevelWarn
	case config.LogLevelError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
