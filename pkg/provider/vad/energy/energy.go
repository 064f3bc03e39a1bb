// Package energy provides a dependency-free [vad.Engine] that scores frames by
// their RMS energy.
//
// The probability curve is 1 - 2^(-rms/threshold): a frame exactly at the
// energy threshold scores 0.5, silence scores 0 and loud speech approaches 1.
// It is a reasonable default for narrow-band telephony audio where a model
// based detector is not available.
package energy

import (
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/leadvox/pkg/audio"
	"github.com/MrWong99/leadvox/pkg/provider/vad"
)

// DefaultThreshold is the RMS level (on the int16 scale) that maps to a speech
// probability of 0.5.
const DefaultThreshold = 500.0

// Engine is an energy-based [vad.Engine].
type Engine struct {
	threshold float64
}

// Option is a functional option for [New].
type Option func(*Engine)

// WithThreshold sets the RMS level that maps to probability 0.5.
func WithThreshold(rms float64) Option {
	return func(e *Engine) {
		if rms > 0 {
			e.threshold = rms
		}
	}
}

// New creates an energy Engine.
func New(opts ...Option) *Engine {
	e := &Engine{threshold: DefaultThreshold}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Threshold returns the configured RMS threshold.
func (e *Engine) Threshold() float64 { return e.threshold }

// Probability maps an RMS level to a speech probability.
func (e *Engine) Probability(rms float64) float64 {
	if rms <= 0 {
		return 0
	}
	return 1 - math.Exp2(-rms/e.threshold)
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy: %w", err)
	}
	return &session{engine: e, cfg: cfg, frameBytes: cfg.FrameBytes()}, nil
}

type session struct {
	engine     *Engine
	cfg        vad.Config
	frameBytes int

	mu       sync.Mutex
	speaking bool
	closed   bool
}

// ProcessFrame implements [vad.SessionHandle]. Speech state follows a simple
// hysteresis between the speech and silence thresholds.
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, vad.ErrClosed
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("%w: got %d bytes, want %d", vad.ErrFrameSize, len(frame), s.frameBytes)
	}

	p := s.engine.Probability(audio.RMS(frame))
	ev := vad.VADEvent{Probability: p}
	switch {
	case !s.speaking && p >= s.cfg.SpeechThreshold:
		s.speaking = true
		ev.Type = vad.VADSpeechStart
	case s.speaking && p < s.cfg.SilenceThreshold:
		s.speaking = false
		ev.Type = vad.VADSpeechEnd
	case s.speaking:
		ev.Type = vad.VADSpeechContinue
	default:
		ev.Type = vad.VADSilence
	}
	return ev, nil
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*session)(nil)
)
