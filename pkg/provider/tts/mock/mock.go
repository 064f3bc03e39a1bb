// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify the
// text and VoiceProfile passed to the TTS backend.
//
// Example:
//
//	p := &mock.Provider{
//	    SynthesizeChunks: [][]byte{make([]byte, 640), make([]byte, 640)},
//	}
//	ch, _ := p.SynthesizeStream(ctx, "Hi there", voice)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/leadvox/pkg/provider/tts"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	// Ctx is the context passed to SynthesizeStream.
	Ctx context.Context
	// Text is the utterance passed to SynthesizeStream.
	Text string
	// Voice is the VoiceProfile passed to SynthesizeStream.
	Voice tts.VoiceProfile
}

// ListVoicesCall records a single invocation of ListVoices.
type ListVoicesCall struct {
	// Ctx is the context passed to ListVoices.
	Ctx context.Context
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SynthesizeChunks is the sequence of audio byte slices emitted on the
	// channel returned by SynthesizeStream.
	SynthesizeChunks [][]byte

	// ChunkDelay is slept before each chunk is emitted.
	ChunkDelay time.Duration

	// FirstChunkDelay, if set, replaces ChunkDelay for the first chunk.
	FirstChunkDelay time.Duration

	// SynthesizeErr, if non-nil, is returned as the error from
	// SynthesizeStream instead of starting a stream.
	SynthesizeErr error

	// StartErrs, if non-empty, supplies the start error for successive calls
	// (nil entries start normally). Once exhausted, SynthesizeErr applies.
	StartErrs []error

	// StreamErr, if non-nil, is emitted as a final error chunk after
	// SynthesizeChunks.
	StreamErr error

	// HoldOpen keeps the stream open after the last chunk until ctx is done.
	HoldOpen bool

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	// SynthesizeStreamCalls records every call to SynthesizeStream in order.
	SynthesizeStreamCalls []SynthesizeStreamCall

	// ListVoicesCalls records every call to ListVoices in order.
	ListVoicesCalls []ListVoicesCall

	// cancelled counts streams that ended because their ctx was done.
	cancelled int
}

// SynthesizeStream records the call and, unless a start error applies,
// returns a channel that emits SynthesizeChunks then closes.
func (p *Provider) SynthesizeStream(ctx context.Context, text string, voice tts.VoiceProfile) (<-chan tts.Chunk, error) {
	p.mu.Lock()
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, SynthesizeStreamCall{Ctx: ctx, Text: text, Voice: voice})
	err := p.SynthesizeErr
	if len(p.StartErrs) > 0 {
		err = p.StartErrs[0]
		p.StartErrs = p.StartErrs[1:]
	}
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([][]byte, len(p.SynthesizeChunks))
	copy(chunks, p.SynthesizeChunks)
	delay, first, streamErr, hold := p.ChunkDelay, p.FirstChunkDelay, p.StreamErr, p.HoldOpen
	p.mu.Unlock()

	ch := make(chan tts.Chunk)
	go func() {
		defer close(ch)
		for i, audio := range chunks {
			d := delay
			if i == 0 && first > 0 {
				d = first
			}
			if !p.sleep(ctx, d) {
				return
			}
			select {
			case <-ctx.Done():
				p.markCancelled()
				return
			case ch <- tts.Chunk{PCM: audio}:
			}
		}
		if streamErr != nil {
			select {
			case ch <- tts.Chunk{Err: streamErr}:
			case <-ctx.Done():
				p.markCancelled()
			}
			return
		}
		if hold {
			<-ctx.Done()
			p.markCancelled()
		}
	}()
	return ch, nil
}

func (p *Provider) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		p.markCancelled()
		return false
	}
}

func (p *Provider) markCancelled() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled++
}

// Cancelled returns how many streams were torn down by context cancellation.
func (p *Provider) Cancelled() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// Calls returns a copy of the recorded SynthesizeStream calls. Thread-safe.
func (p *Provider) Calls() []SynthesizeStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeStreamCall, len(p.SynthesizeStreamCalls))
	copy(out, p.SynthesizeStreamCalls)
	return out
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls = append(p.ListVoicesCalls, ListVoicesCall{Ctx: ctx})
	return p.ListVoicesResult, p.ListVoicesErr
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeStreamCalls = nil
	p.ListVoicesCalls = nil
	p.cancelled = 0
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
