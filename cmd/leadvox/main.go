// Command leadvox is the main entry point for the leadvox voice agent server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MrWong99/leadvox/internal/app"
	"github.com/MrWong99/leadvox/internal/config"
	"github.com/MrWong99/leadvox/internal/observe"
	"github.com/MrWong99/leadvox/internal/resilience"
	"github.com/MrWong99/leadvox/pkg/audio"
	"github.com/MrWong99/leadvox/pkg/provider/llm"
	"github.com/MrWong99/leadvox/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/leadvox/pkg/provider/llm/openai"
	"github.com/MrWong99/leadvox/pkg/provider/stt"
	"github.com/MrWong99/leadvox/pkg/provider/stt/deepgram"
	"github.com/MrWong99/leadvox/pkg/provider/stt/whisper"
	"github.com/MrWong99/leadvox/pkg/provider/tts"
	"github.com/MrWong99/leadvox/pkg/provider/tts/coqui"
	"github.com/MrWong99/leadvox/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/leadvox/pkg/provider/vad"
	"github.com/MrWong99/leadvox/pkg/provider/vad/energy"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "dotenv file loaded before the config is expanded")
	watch := flag.Duration("watch", 5*time.Second, "config reload poll interval; 0 disables reloading")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "leadvox: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "leadvox: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "leadvox: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var levels slog.LevelVar
	levels.Set(cfg.Server.LogLevel.Level())
	logger := newLogger(os.Stderr, cfg.Server.LogFormat, &levels)
	slog.SetDefault(logger)

	slog.Info("leadvox starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Observe.ServiceName,
		ServiceVersion: version,
		Registry:       promReg,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithLogger(logger),
		app.WithLevelVar(&levels),
		app.WithRegistry(promReg),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch > 0 {
		w, err := config.NewWatcher(*configPath, application.Reload,
			config.WithInterval(*watch),
			config.WithWatcherLogger(logger),
		)
		if err != nil {
			slog.Warn("config reloading disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, ending calls")

	code := 0
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile and
	// ollama go through any-llm; openai uses the official SDK.
	for _, providerName := range config.ValidProviderNames["llm"] {
		if providerName == "openai" {
			continue
		}
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			// ollama is a local server; it takes an address, not an API key.
			if entry.APIKey != "" && providerName != "ollama" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(modelPath, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		opts := []coqui.Option{coqui.WithOutputSampleRate(ttsRate(entry))}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if th, ok := optFloat(entry.Options, "threshold"); ok {
			opts = append(opts, energy.WithThreshold(th))
		}
		return energy.New(opts...), nil
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry.
// A configured fallback wraps its primary in a circuit-breaking fallback
// group whose breakers are reported on /readyz.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	p := cfg.Providers
	ps := &app.Providers{
		Circuits: make(map[string][]*resilience.CircuitBreaker),
		TTSRate:  ttsRate(p.TTS),
	}
	fbCfg := resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("provider circuit changed", "provider", name, "from", from, "to", to)
		},
	}}

	// ── LLM ───────────────────────────────────────────────────────────────────
	primaryLLM, err := create("llm", p.LLM, reg.CreateLLM)
	if err != nil {
		return nil, err
	}
	ps.LLM = primaryLLM
	if p.LLMFallback.Name != "" {
		fallback, err := create("llm_fallback", p.LLMFallback, reg.CreateLLM)
		if err != nil {
			return nil, err
		}
		group := resilience.NewLLMFallback(primaryLLM, p.LLM.Name, fbCfg)
		group.AddFallback(p.LLMFallback.Name, fallback)
		ps.LLM = group
		ps.Circuits["llm"] = group.Breakers()
	}

	// ── STT ───────────────────────────────────────────────────────────────────
	primarySTT, err := create("stt", p.STT, reg.CreateSTT)
	if err != nil {
		return nil, err
	}
	ps.STT = primarySTT
	if p.STTFallback.Name != "" {
		fallback, err := create("stt_fallback", p.STTFallback, reg.CreateSTT)
		if err != nil {
			return nil, err
		}
		group := resilience.NewSTTFallback(primarySTT, p.STT.Name, fbCfg)
		group.AddFallback(p.STTFallback.Name, fallback)
		ps.STT = group
		ps.Circuits["stt"] = group.Breakers()
	}

	// ── TTS ───────────────────────────────────────────────────────────────────
	primaryTTS, err := create("tts", p.TTS, reg.CreateTTS)
	if err != nil {
		return nil, err
	}
	ps.TTS = primaryTTS
	if p.TTSFallback.Name != "" {
		if r := ttsRate(p.TTSFallback); r != ps.TTSRate {
			return nil, fmt.Errorf("providers.tts_fallback emits %d Hz but providers.tts emits %d Hz", r, ps.TTSRate)
		}
		fallback, err := create("tts_fallback", p.TTSFallback, reg.CreateTTS)
		if err != nil {
			return nil, err
		}
		group := resilience.NewTTSFallback(primaryTTS, p.TTS.Name, fbCfg)
		group.AddFallback(p.TTSFallback.Name, fallback)
		ps.TTS = group
		ps.Circuits["tts"] = group.Breakers()
	}

	// ── VAD ───────────────────────────────────────────────────────────────────
	vadEntry := p.VAD
	if vadEntry.Name == "" {
		vadEntry.Name = "energy"
	}
	ps.VAD, err = create("vad", vadEntry, reg.CreateVAD)
	if err != nil {
		return nil, err
	}

	return ps, nil
}

// create builds one provider and logs it. Every slot is required, so an
// unconfigured or unregistered name is an error.
func create[T any](slot string, entry config.ProviderEntry, factory func(config.ProviderEntry) (T, error)) (T, error) {
	var zero T
	if entry.Name == "" {
		return zero, fmt.Errorf("providers.%s is not configured", slot)
	}
	p, err := factory(entry)
	if err != nil {
		return zero, fmt.Errorf("create %s provider %q: %w", slot, entry.Name, err)
	}
	slog.Info("provider created", "slot", slot, "name", entry.Name)
	return p, nil
}

// ttsRate is the PCM sample rate a TTS entry emits.
func ttsRate(entry config.ProviderEntry) int {
	switch entry.Name {
	case "elevenlabs":
		// Output formats look like "pcm_16000".
		f := optString(entry.Options, "output_format")
		if rate, ok := strings.CutPrefix(f, "pcm_"); ok {
			if n, err := strconv.Atoi(rate); err == nil {
				return n
			}
		}
	case "coqui":
		if n, ok := optFloat(entry.Options, "sample_rate"); ok && n > 0 {
			return int(n)
		}
	}
	return audio.DefaultSampleRate
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         leadvox - startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("LLM fallback", cfg.Providers.LLMFallback.Name, cfg.Providers.LLMFallback.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("STT fallback", cfg.Providers.STTFallback.Name, cfg.Providers.STTFallback.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("TTS fallback", cfg.Providers.TTSFallback.Name, cfg.Providers.TTSFallback.Model)
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	printFeature("Event broker", cfg.Events.AMQPURL != "")
	printFeature("Summary store", cfg.Store.PostgresDSN != "")
	fmt.Printf("║  Service areas   : %-19d ║\n", len(cfg.Qualification.ServiceAreas))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
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
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

func printFeature(name string, enabled bool) {
	value := "(disabled)"
	if enabled {
		value = "enabled"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", name, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, format config.LogFormat, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optFloat extracts a number from a provider Options map. YAML decodes
// integers as int and decimals as float64; both are accepted.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
