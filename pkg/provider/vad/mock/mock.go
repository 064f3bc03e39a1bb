// Package mock provides scripted doubles for the vad package.
//
// A Session answers each frame with a speech probability taken from Script,
// then from Probability once the script is used up. Event types follow the
// probability against 0.5, so a caller sees start, continue, end and silence
// in a coherent order.
//
//	sess := &mock.Session{Script: []float64{0.1, 0.9, 0.9, 0.2}}
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"sync"

	"github.com/MrWong99/leadvox/pkg/provider/vad"
)

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// Engine hands out Session, or a fresh silent Session when Session is nil.
type Engine struct {
	mu sync.Mutex

	Session vad.SessionHandle
	Err     error

	// Configs records the Config of every NewSession call.
	Configs []vad.Config
}

func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Configs = append(e.Configs, cfg)
	if e.Err != nil {
		return nil, e.Err
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Session is a scripted vad.SessionHandle.
type Session struct {
	mu sync.Mutex

	Probability float64
	Script      []float64

	// Err is returned by every ProcessFrame call; CloseErr by Close.
	Err      error
	CloseErr error

	frames   int
	resets   int
	closes   int
	speaking bool
}

func (s *Session) ProcessFrame([]byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	if s.Err != nil {
		return vad.VADEvent{}, s.Err
	}

	p := s.Probability
	if len(s.Script) > 0 {
		p, s.Script = s.Script[0], s.Script[1:]
	}
	ev := vad.VADEvent{Probability: p}
	switch speech := p >= 0.5; {
	case speech && !s.speaking:
		ev.Type = vad.VADSpeechStart
	case speech:
		ev.Type = vad.VADSpeechContinue
	case s.speaking:
		ev.Type = vad.VADSpeechEnd
	default:
		ev.Type = vad.VADSilence
	}
	s.speaking = p >= 0.5
	return ev, nil
}

// Reset clears the speaking state.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	s.speaking = false
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return s.CloseErr
}

// Counts reports how many frames were processed and how often Reset and
// Close were called.
func (s *Session) Counts() (frames, resets, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames, s.resets, s.closes
}
