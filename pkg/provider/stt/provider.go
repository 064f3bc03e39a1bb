// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (Deepgram, a local
// Whisper model, ...) behind a uniform streaming interface. Once opened, a
// SessionHandle accepts raw PCM audio and emits low-latency partial
// transcripts and authoritative finals.
//
// The engine opens one session per call and feeds it the audio of each speech
// span. When a span closes it calls Finalize, which asks the provider to
// commit everything it has heard so far. The final produced in response is
// marked with [Transcript.Flushed], which is how callers know the span is
// complete.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SendAudio and Finalize after Close.
var ErrSessionClosed = errors.New("stt: session closed")

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz.
	SampleRate int

	// Channels is the number of audio channels. The engine always sends mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider pick its default.
	Language string

	// Keywords are vocabulary hints, e.g. neighbourhood names in the agent's
	// service area.
	Keywords []KeywordBoost
}

// SessionHandle is an open STT streaming session.
//
// Callers must call Close when the session is no longer needed. The Partials
// and Finals channels are closed when the session ends, including when the
// provider drops the connection.
type SessionHandle interface {
	// SendAudio delivers a chunk of 16-bit little-endian PCM in the format
	// agreed in StreamConfig. It must not block on network I/O.
	SendAudio(chunk []byte) error

	// Partials returns interim transcripts.
	Partials() <-chan Transcript

	// Finals returns committed transcripts.
	Finals() <-chan Transcript

	// Finalize asks the provider to commit all audio received so far. The
	// provider answers with at least one final whose Flushed field is set,
	// even when nothing was recognised.
	Finalize() error

	// Close terminates the session and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. The caller owns
	// the SessionHandle and must Close it.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
