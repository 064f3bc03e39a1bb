// Package framesource turns a call [audio.Transport] into the session's
// AudioFrameSource: a continuous sequence of fixed-size, normalised caller
// frames plus a paced, interruptible playback path for agent speech.
//
// Capture runs in its own goroutine and never waits on the consumer. Frames
// are held in a short drop-oldest ring buffer so that provider slowness can
// never build an unbounded backlog. Playback is paced at frame rate and
// checks an explicit cancellation channel at every frame boundary, so an
// [Source.Interrupt] is observed within one frame period.
package framesource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/leadvox/pkg/audio"
)

var (
	// ErrStreamStalled is returned by [Source.NextFrame] when the transport
	// delivered no audio for longer than the stall timeout.
	ErrStreamStalled = errors.New("framesource: stream stalled")

	// ErrInterrupted is returned by [Source.PushPlayback] when playback was
	// cut short by [Source.Interrupt].
	ErrInterrupted = errors.New("framesource: playback interrupted")
)

const (
	defaultRingDuration = 2 * time.Second
	defaultStallTimeout = 3 * time.Second
)

// Source is the AudioFrameSource for one call leg. NextFrame must be called
// from a single goroutine; PushPlayback and Interrupt are safe for concurrent
// use.
type Source struct {
	transport    audio.Transport
	target       audio.Format
	frameDur     time.Duration
	ringDur      time.Duration
	stallTimeout time.Duration
	pace         bool
	logger       *slog.Logger

	mu         sync.Mutex
	ring       *ring
	captureErr error

	notify chan struct{}
	eof    chan struct{}

	// playMu serialises playback so two utterances can never interleave.
	playMu   sync.Mutex
	nextSend time.Time

	intMu     sync.Mutex
	interrupt chan struct{}
	playing   bool

	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option is a functional option for [New].
type Option func(*Source)

// WithFormat sets the normalised frame format. Default: 16 kHz mono.
func WithFormat(f audio.Format) Option {
	return func(s *Source) { s.target = f }
}

// WithFrameSize sets the frame duration. Default: 20 ms.
func WithFrameSize(d time.Duration) Option {
	return func(s *Source) { s.frameDur = d }
}

// WithRingDuration bounds how much unread caller audio is retained before the
// oldest frames are dropped. Default: 2 s.
func WithRingDuration(d time.Duration) Option {
	return func(s *Source) { s.ringDur = d }
}

// WithStallTimeout sets how long NextFrame waits for audio before returning
// [ErrStreamStalled]. Default: 3 s.
func WithStallTimeout(d time.Duration) Option {
	return func(s *Source) { s.stallTimeout = d }
}

// WithPacing enables or disables real-time playback pacing. Default: enabled.
func WithPacing(enabled bool) Option {
	return func(s *Source) { s.pace = enabled }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.logger = l }
}

// New creates a Source reading from t. Call [Source.Start] before NextFrame.
func New(t audio.Transport, opts ...Option) *Source {
	s := &Source{
		transport:    t,
		target:       audio.Format{SampleRate: audio.DefaultSampleRate, Channels: audio.DefaultChannels},
		frameDur:     audio.DefaultFrameSize,
		ringDur:      defaultRingDuration,
		stallTimeout: defaultStallTimeout,
		pace:         true,
		logger:       slog.Default(),
		notify:       make(chan struct{}, 1),
		eof:          make(chan struct{}),
		interrupt:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.ring = newRing(int(s.ringDur / s.frameDur))
	return s
}

// Format returns the normalised frame format.
func (s *Source) Format() audio.Format { return s.target }

// FrameSize returns the frame duration.
func (s *Source) FrameSize() time.Duration { return s.frameDur }

// Start launches the capture goroutine. It stops when ctx is cancelled, the
// transport's inbound stream ends, or Close is called.
func (s *Source) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.capture(ctx)
}

func (s *Source) capture(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.eof)

	norm := &audio.Normalizer{Target: s.target}
	framer := audio.NewFramer(s.target, s.frameDur)
	in := s.transport.Inbound()

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-in:
			if !ok {
				if err := s.transport.Err(); err != nil {
					s.mu.Lock()
					s.captureErr = fmt.Errorf("framesource: transport: %w", err)
					s.mu.Unlock()
				}
				return
			}
			src := audio.Format{SampleRate: chunk.SampleRate, Channels: chunk.Channels}
			pcm := norm.Normalize(chunk.Data, src)
			if len(pcm) == 0 {
				continue
			}
			frames := framer.Write(pcm)
			if len(frames) == 0 {
				continue
			}
			s.mu.Lock()
			for _, f := range frames {
				if s.ring.push(f) && s.ring.dropped%50 == 1 {
					s.logger.Warn("framesource: ring buffer full, dropping oldest frames",
						"dropped", s.ring.dropped)
				}
			}
			s.mu.Unlock()
			select {
			case s.notify <- struct{}{}:
			default:
			}
		}
	}
}

// NextFrame returns the next captured frame. It returns [io.EOF] after a
// normal hangup once all buffered frames are consumed, the transport error
// after a failed leg, and [ErrStreamStalled] when no audio arrives within the
// stall timeout.
func (s *Source) NextFrame(ctx context.Context) (audio.AudioFrame, error) {
	timer := time.NewTimer(s.stallTimeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		f, ok := s.ring.pop()
		s.mu.Unlock()
		if ok {
			return f, nil
		}

		select {
		case <-s.notify:
		case <-s.eof:
			s.mu.Lock()
			f, ok := s.ring.pop()
			err := s.captureErr
			s.mu.Unlock()
			if ok {
				return f, nil
			}
			if err != nil {
				return audio.AudioFrame{}, err
			}
			return audio.AudioFrame{}, io.EOF
		case <-timer.C:
			return audio.AudioFrame{}, ErrStreamStalled
		case <-ctx.Done():
			return audio.AudioFrame{}, ctx.Err()
		}
	}
}

// Buffered returns the number of captured frames not yet consumed.
func (s *Source) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.len()
}

// Dropped returns how many frames the ring buffer has evicted.
func (s *Source) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.dropped
}

// PushPlayback plays pcm (in the normalised frame format) to the caller,
// paced at frame rate. It blocks until the audio has been sent, ctx is done,
// or [Source.Interrupt] is called; in the last case one faded-out frame is
// sent in place of the remaining audio and [ErrInterrupted] is returned.
func (s *Source) PushPlayback(ctx context.Context, pcm []byte) error {
	s.playMu.Lock()
	defer s.playMu.Unlock()

	s.intMu.Lock()
	cancel := s.interrupt
	s.playing = true
	s.intMu.Unlock()
	defer func() {
		s.intMu.Lock()
		s.playing = false
		s.intMu.Unlock()
	}()

	frameBytes := s.target.BytesPerFrame(s.frameDur)
	out := s.transport.Format()

	for _, frame := range audio.Split(pcm, frameBytes) {
		if err := s.waitSlot(ctx, cancel); err != nil {
			if errors.Is(err, ErrInterrupted) {
				s.send(ctx, audio.FadeOut(frame), out)
			}
			return err
		}
		if err := s.send(ctx, frame, out); err != nil {
			return err
		}
	}
	return nil
}

// waitSlot blocks until the next frame may be sent. Cancellation always wins
// over a slot that becomes due at the same time.
func (s *Source) waitSlot(ctx context.Context, cancel <-chan struct{}) error {
	select {
	case <-cancel:
		return ErrInterrupted
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if !s.pace {
		return nil
	}

	now := time.Now()
	if s.nextSend.Before(now) {
		s.nextSend = now
	}
	if wait := s.nextSend.Sub(now); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-cancel:
			return ErrInterrupted
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		select {
		case <-cancel:
			return ErrInterrupted
		default:
		}
	}
	s.nextSend = s.nextSend.Add(s.frameDur)
	return nil
}

func (s *Source) send(ctx context.Context, frame []byte, out audio.Format) error {
	if out.SampleRate != s.target.SampleRate {
		frame = audio.ResampleMono16(frame, s.target.SampleRate, out.SampleRate)
	}
	if err := s.transport.Send(ctx, frame); err != nil {
		return fmt.Errorf("framesource: send: %w", err)
	}
	return nil
}

// Interrupt immediately stops the current playback (if any) and asks the
// transport to discard audio the far end has buffered. It does not wait for
// the transport. Playback started after Interrupt returns is unaffected.
func (s *Source) Interrupt() {
	s.intMu.Lock()
	close(s.interrupt)
	s.interrupt = make(chan struct{})
	s.intMu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.frameDur)
		defer cancel()
		if err := s.transport.Clear(ctx); err != nil {
			s.logger.Debug("framesource: clear far-end buffer failed", "err", err)
		}
	}()
}

// Playing reports whether a PushPlayback call is in progress.
func (s *Source) Playing() bool {
	s.intMu.Lock()
	defer s.intMu.Unlock()
	return s.playing
}

// Close stops capture, aborts playback, and closes the transport.
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.intMu.Lock()
		close(s.interrupt)
		s.interrupt = make(chan struct{})
		s.intMu.Unlock()
		err = s.transport.Close()
		s.wg.Wait()
	})
	return err
}
