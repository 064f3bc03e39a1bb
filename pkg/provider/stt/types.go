package stt

import "time"

// Transcript is a speech-to-text result. Both partial and final transcripts
// use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether the provider has committed to this text.
	IsFinal bool

	// Flushed marks the final emitted in response to Finalize.
	Flushed bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Words contains per-word detail when available.
	Words []WordDetail

	// Timestamp marks when the utterance started, relative to stream start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// WordDetail holds per-word metadata from providers that report it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost is a vocabulary hint.
type KeywordBoost struct {
	// Keyword is the text to boost (e.g., "Rockridge").
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}
