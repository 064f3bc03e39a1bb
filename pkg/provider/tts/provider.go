// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs) and
// presents a uniform streaming interface. SynthesizeStream takes the complete
// utterance and returns PCM audio chunks as soon as the provider produces
// them, so playback can start before synthesis has finished.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Chunk is one piece of synthesised audio. The final chunk of a failed stream
// carries Err and no audio.
type Chunk struct {
	// PCM is 16-bit little-endian mono audio at the provider's output rate.
	PCM []byte

	// Err is set on the last chunk when synthesis failed mid-stream.
	Err error
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream synthesises text in voice and streams the audio. The
	// returned channel is closed when synthesis is complete, fails, or ctx is
	// cancelled. Cancelling ctx must release the provider connection.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text string, voice VoiceProfile) (<-chan Chunk, error)

	// ListVoices returns all voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
