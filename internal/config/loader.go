package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram", "whisper"},
	"tts": {"elevenlabs", "coqui"},
	"vad": {"energy"},
}

// LoadEnv loads KEY=VALUE pairs from the given dotenv files into the
// process environment without overriding variables that are already set.
// With no arguments it reads ".env". Missing files are skipped.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load env %q: %w", f, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// ${VAR} references are expanded from the environment before decoding.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(raw)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if cfg.Server.SessionRetention < 0 {
		errs = append(errs, errors.New("server.session_retention must not be negative"))
	}

	// Providers
	p := cfg.Providers
	validateProviderName("llm", p.LLM.Name)
	validateProviderName("llm", p.LLMFallback.Name)
	validateProviderName("stt", p.STT.Name)
	validateProviderName("stt", p.STTFallback.Name)
	validateProviderName("tts", p.TTS.Name)
	validateProviderName("tts", p.TTSFallback.Name)
	validateProviderName("vad", p.VAD.Name)
	for _, fb := range []struct {
		kind              string
		primary, fallback ProviderEntry
	}{
		{"llm", p.LLM, p.LLMFallback},
		{"stt", p.STT, p.STTFallback},
		{"tts", p.TTS, p.TTSFallback},
	} {
		if fb.fallback.Name != "" && fb.primary.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s_fallback is set but providers.%s is not configured", fb.kind, fb.kind))
		}
	}
	if v := cfg.Synthesis.Voice; v.Provider != "" && p.TTS.Name != "" && v.Provider != p.TTS.Name {
		slog.Warn("synthesis voice provider does not match configured TTS provider",
			"voice_provider", v.Provider,
			"tts_provider", p.TTS.Name,
		)
	}

	// Audio
	switch cfg.Audio.SampleRate {
	case 0, 8000, 16000, 24000, 48000:
	default:
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is unsupported; valid values: 8000, 16000, 24000, 48000", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameMs < 0 || cfg.Audio.FrameMs > 100 {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d is out of range [1, 100]", cfg.Audio.FrameMs))
	}

	// VAD
	v := cfg.VAD
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"vad.speech_threshold", v.SpeechThreshold},
		{"vad.silence_threshold", v.SilenceThreshold},
		{"vad.barge_in_confidence", v.BargeInConfidence},
	} {
		if f.v < 0 || f.v > 1 {
			errs = append(errs, fmt.Errorf("%s %.2f is out of range [0, 1]", f.name, f.v))
		}
	}
	if v.SpeechThreshold > 0 && v.SilenceThreshold > 0 && v.SilenceThreshold >= v.SpeechThreshold {
		errs = append(errs, fmt.Errorf("vad.silence_threshold %.2f must be below vad.speech_threshold %.2f", v.SilenceThreshold, v.SpeechThreshold))
	}
	if v.EnergyThreshold < 0 {
		errs = append(errs, errors.New("vad.energy_threshold must not be negative"))
	}
	if v.Window > 0 && v.MinSpeech > v.Window {
		errs = append(errs, fmt.Errorf("vad.min_speech %s exceeds vad.window %s", v.MinSpeech, v.Window))
	}

	// Dialogue
	if d := cfg.Dialogue; d.ContextTurns > 0 && d.FastContextTurns > d.ContextTurns {
		errs = append(errs, fmt.Errorf("dialogue.fast_context_turns %d exceeds dialogue.context_turns %d", d.FastContextTurns, d.ContextTurns))
	}
	if cfg.Synthesis.CacheSize < 0 {
		errs = append(errs, errors.New("synthesis.cache_size must not be negative"))
	}
	if sf := cfg.Synthesis.Voice.SpeedFactor; sf != 0 && (sf < 0.5 || sf > 2.0) {
		errs = append(errs, fmt.Errorf("synthesis.voice.speed_factor %.2f is out of range [0.5, 2.0]", sf))
	}

	// Latency
	b := cfg.Latency.Budget
	if b.Total > 0 {
		for _, st := range []struct {
			name string
			d    time.Duration
		}{
			{"recognition", b.Recognition},
			{"reasoning", b.Reasoning},
			{"synthesis_start", b.SynthesisStart},
		} {
			if st.d > b.Total {
				errs = append(errs, fmt.Errorf("latency.budget.%s %s exceeds latency.budget.total %s", st.name, st.d, b.Total))
			}
		}
	}
	if cfg.Latency.FastModeAfter < 0 || cfg.Latency.RecoverAfter < 0 {
		errs = append(errs, errors.New("latency.fast_mode_after and latency.recover_after must not be negative"))
	}

	// Sinks
	if cfg.Events.AMQPURL == "" {
		slog.Warn("events.amqp_url is empty; events and summaries will not be published to a broker")
	}
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; summaries will only be kept in memory")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
