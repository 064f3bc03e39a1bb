// Package config provides the configuration schema, loader, hot-reload
// watcher and provider registry for the leadvox voice agent.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/leadvox/internal/activity"
	"github.com/MrWong99/leadvox/internal/dialogue"
	"github.com/MrWong99/leadvox/internal/latency"
	"github.com/MrWong99/leadvox/internal/session"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l onto a slog level. Unknown or empty values mean info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool { return f == LogFormatText || f == LogFormatJSON }

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Audio         AudioConfig         `yaml:"audio"`
	VAD           VADConfig           `yaml:"vad"`
	Recognition   RecognitionConfig   `yaml:"recognition"`
	Dialogue      DialogueConfig      `yaml:"dialogue"`
	Synthesis     SynthesisConfig     `yaml:"synthesis"`
	Latency       LatencyConfig       `yaml:"latency"`
	Qualification QualificationConfig `yaml:"qualification"`
	Events        EventsConfig        `yaml:"events"`
	Store         StoreConfig         `yaml:"store"`
	Observe       ObserveConfig       `yaml:"observe"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string    `yaml:"listen_addr"`
	LogLevel   LogLevel  `yaml:"log_level"`
	LogFormat  LogFormat `yaml:"log_format"`

	// SessionRetention is how long ended sessions stay queryable.
	SessionRetention time.Duration `yaml:"session_retention"`

	// AllowedOrigins lists host patterns allowed to open WebSockets
	// cross-origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ProvidersConfig selects the provider implementation for each pipeline
// stage. Each entry names a provider registered in the [Registry]. The
// fallback entries are optional.
type ProvidersConfig struct {
	LLM         ProviderEntry `yaml:"llm"`
	LLMFallback ProviderEntry `yaml:"llm_fallback"`
	STT         ProviderEntry `yaml:"stt"`
	STTFallback ProviderEntry `yaml:"stt_fallback"`
	TTS         ProviderEntry `yaml:"tts"`
	TTSFallback ProviderEntry `yaml:"tts_fallback"`
	VAD         ProviderEntry `yaml:"vad"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini", "nova-3").
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// AudioConfig shapes the capture path.
type AudioConfig struct {
	SampleRate   int           `yaml:"sample_rate"`
	FrameMs      int           `yaml:"frame_ms"`
	RingDuration time.Duration `yaml:"ring_duration"`
	StallTimeout time.Duration `yaml:"stall_timeout"`
}

// VADConfig tunes voice activity detection and barge-in.
type VADConfig struct {
	EnergyThreshold   float64       `yaml:"energy_threshold"`
	SpeechThreshold   float64       `yaml:"speech_threshold"`
	SilenceThreshold  float64       `yaml:"silence_threshold"`
	Window            time.Duration `yaml:"window"`
	MinSpeech         time.Duration `yaml:"min_speech"`
	Hangover          time.Duration `yaml:"hangover"`
	BargeInConfidence float64       `yaml:"barge_in_confidence"`
}

// RecognitionConfig tunes the speech recognition adapter.
type RecognitionConfig struct {
	FinalTimeout time.Duration `yaml:"final_timeout"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	Language     string        `yaml:"language"`
	Keywords     []string      `yaml:"keywords"`
}

// DialogueConfig tunes the dialogue engine.
type DialogueConfig struct {
	MaxContextTurns  int    `yaml:"max_context_turns"`
	ContextTurns     int    `yaml:"context_turns"`
	FastContextTurns int    `yaml:"fast_context_turns"`
	Persona          string `yaml:"persona"`
	AgentID          string `yaml:"agent_id"`
	MaxTokens        int    `yaml:"max_tokens"`
	FastMaxTokens    int    `yaml:"fast_max_tokens"`
	DegradedAfter    int    `yaml:"degraded_after"`

	FallbackUtterance      string `yaml:"fallback_utterance"`
	ClarificationUtterance string `yaml:"clarification_utterance"`
	GenericUtterance       string `yaml:"generic_utterance"`
	FillerUtterance        string `yaml:"filler_utterance"`
	HandoffUtterance       string `yaml:"handoff_utterance"`
}

// SynthesisConfig tunes the speech synthesis adapter.
type SynthesisConfig struct {
	CacheSize    int         `yaml:"cache_size"`
	MaxPhraseLen int         `yaml:"max_phrase_len"`
	Voice        VoiceConfig `yaml:"voice"`
}

// VoiceConfig specifies the agent voice.
type VoiceConfig struct {
	// Provider is the TTS provider name the voice belongs to.
	Provider string `yaml:"provider"`

	// ID is the provider-specific voice identifier.
	ID string `yaml:"id"`

	// SpeedFactor adjusts speaking rate in the range [0.5, 2.0]. 0 means default.
	SpeedFactor float64 `yaml:"speed_factor"`
}

// LatencyConfig holds the per-turn budget and stage timeouts.
type LatencyConfig struct {
	Budget        BudgetConfig   `yaml:"budget"`
	FastModeAfter int            `yaml:"fast_mode_after"`
	RecoverAfter  int            `yaml:"recover_after"`
	MaxSilence    time.Duration  `yaml:"max_silence"`
	Timeouts      TimeoutsConfig `yaml:"timeouts"`
}

// BudgetConfig is the per-stage latency budget.
type BudgetConfig struct {
	Recognition    time.Duration `yaml:"recognition"`
	Reasoning      time.Duration `yaml:"reasoning"`
	SynthesisStart time.Duration `yaml:"synthesis_start"`
	Total          time.Duration `yaml:"total"`
}

// TimeoutsConfig bounds provider calls. They are hard deadlines, unlike the
// budget which only flags slow turns. Recognition is the wait for a final
// transcript; recognition.final_timeout takes precedence when both are set.
type TimeoutsConfig struct {
	Recognition time.Duration `yaml:"recognition"`
	Reasoning   time.Duration `yaml:"reasoning"`
	Synthesis   time.Duration `yaml:"synthesis"`
}

// QualificationConfig tunes lead scoring.
type QualificationConfig struct {
	ServiceAreas []string `yaml:"service_areas"`
}

// EventsConfig configures the AMQP event publisher. An empty AMQPURL
// disables it.
type EventsConfig struct {
	AMQPURL  string        `yaml:"amqp_url"`
	Exchange string        `yaml:"exchange"`
	TTL      time.Duration `yaml:"ttl"`
}

// StoreConfig configures the summary hand-off table. An empty PostgresDSN
// disables it.
type StoreConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ObserveConfig configures telemetry.
type ObserveConfig struct {
	ServiceName string `yaml:"service_name"`
}

// SessionSettings maps the tunable sections onto [session.Settings]. Zero
// values keep the session defaults.
func (c *Config) SessionSettings() session.Settings {
	s := session.DefaultSettings()

	setInt(&s.SampleRate, c.Audio.SampleRate)
	if c.Audio.FrameMs > 0 {
		s.FrameSize = time.Duration(c.Audio.FrameMs) * time.Millisecond
	}
	setDur(&s.RingDuration, c.Audio.RingDuration)
	setDur(&s.StallTimeout, c.Audio.StallTimeout)

	s.Activity = activityConfig(c.VAD)

	setDur(&s.FinalTimeout, c.Latency.Timeouts.Recognition)
	setDur(&s.FinalTimeout, c.Recognition.FinalTimeout)
	setDur(&s.RecognitionBackoff, c.Recognition.RetryBackoff)
	s.Language = c.Recognition.Language
	s.Keywords = c.Recognition.Keywords

	setInt(&s.MaxContextTurns, c.Dialogue.MaxContextTurns)
	s.Dialogue = c.dialogueConfig()

	s.Budget = budget(c.Latency.Budget)
	setInt(&s.FastModeAfter, c.Latency.FastModeAfter)
	setInt(&s.RecoverAfter, c.Latency.RecoverAfter)

	s.ServiceAreas = c.Qualification.ServiceAreas
	return s
}

func activityConfig(v VADConfig) activity.Config {
	a := activity.DefaultConfig()
	if v.EnergyThreshold > 0 {
		a.EnergyThreshold = v.EnergyThreshold
	}
	if v.SpeechThreshold > 0 {
		a.SpeechThreshold = v.SpeechThreshold
	}
	if v.SilenceThreshold > 0 {
		a.SilenceThreshold = v.SilenceThreshold
	}
	setDur(&a.Window, v.Window)
	setDur(&a.MinSpeech, v.MinSpeech)
	setDur(&a.Hangover, v.Hangover)
	return a
}

func (c *Config) dialogueConfig() dialogue.Config {
	d := dialogue.DefaultConfig()
	in := c.Dialogue
	if in.Persona != "" {
		d.Persona = in.Persona
	}
	setInt(&d.ContextTurns, in.ContextTurns)
	setInt(&d.FastContextTurns, in.FastContextTurns)
	setInt(&d.MaxTokens, in.MaxTokens)
	setInt(&d.FastMaxTokens, in.FastMaxTokens)
	setInt(&d.DegradedAfter, in.DegradedAfter)
	if c.VAD.BargeInConfidence > 0 {
		d.BargeInConfidence = c.VAD.BargeInConfidence
	}
	setDur(&d.MaxSilence, c.Latency.MaxSilence)
	setDur(&d.ReasoningTimeout, c.Latency.Timeouts.Reasoning)
	for _, p := range []struct {
		dst *string
		v   string
	}{
		{&d.FallbackUtterance, in.FallbackUtterance},
		{&d.ClarificationUtterance, in.ClarificationUtterance},
		{&d.GenericUtterance, in.GenericUtterance},
		{&d.FillerUtterance, in.FillerUtterance},
		{&d.HandoffUtterance, in.HandoffUtterance},
	} {
		if p.v != "" {
			*p.dst = p.v
		}
	}
	return d
}

func budget(b BudgetConfig) latency.Budget {
	out := latency.DefaultBudget()
	setDur(&out.Recognition, b.Recognition)
	setDur(&out.Reasoning, b.Reasoning)
	setDur(&out.SynthesisStart, b.SynthesisStart)
	setDur(&out.Total, b.Total)
	return out
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setDur(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}
