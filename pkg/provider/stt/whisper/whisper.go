// Package whisper provides a local STT provider backed by the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH.
//
// Whisper is not a streaming model. A session buffers the audio of the
// current speech span and runs inference when the caller asks for a final via
// Finalize. Long spans are transcribed early once the buffer reaches the
// maximum duration, so a caller who never pauses still gets finals.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/leadvox/pkg/audio"
	"github.com/MrWong99/leadvox/pkg/provider/stt"
)

const (
	defaultLanguage            = "en"
	defaultSampleRate          = 16000
	defaultMaxBufferDurationMs = 15_000
)

// transcriber runs inference on a complete buffer of 16-bit mono PCM.
type transcriber interface {
	transcribe(pcm []byte, language string) (string, error)
}

// Provider implements stt.Provider using whisper.cpp Go bindings. The model
// is loaded once and shared across all sessions.
type Provider struct {
	model    whisperlib.Model
	engine   transcriber
	language string

	sampleRate          int
	maxBufferDurationMs int
	logger              *slog.Logger
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the language code for transcription (e.g., "en", "de").
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSampleRate sets the audio sample rate in Hz. This must match the sample
// rate of PCM data delivered via SendAudio. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithMaxBufferDurationMs sets the maximum buffered audio duration (ms) before
// a forced transcription. Defaults to 15 000 ms.
func WithMaxBufferDurationMs(ms int) Option {
	return func(p *Provider) { p.maxBufferDurationMs = ms }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// New creates a Provider that loads the whisper.cpp model from modelPath. The
// caller must call Close when the provider is no longer needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p := newProvider(&modelTranscriber{model: model}, opts...)
	p.model = model
	return p, nil
}

func newProvider(engine transcriber, opts ...Option) *Provider {
	p := &Provider{
		engine:              engine,
		language:            defaultLanguage,
		sampleRate:          defaultSampleRate,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
		logger:              slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Close releases the whisper model.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// StartStream opens a new transcription session. Zero fields in cfg fall
// back to the provider defaults.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = p.sampleRate
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}
	if ch > 2 {
		return nil, fmt.Errorf("whisper: unsupported channel count %d", ch)
	}

	s := &session{
		engine:         p.engine,
		language:       lang,
		sampleRate:     sr,
		channels:       ch,
		maxBufferBytes: p.maxBufferDurationMs * sr * ch * 2 / 1000,
		logger:         p.logger,

		in:       make(chan input, 256),
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		done:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.processLoop(ctx)

	return s, nil
}

// ---- session ----------------------------------------------------------------

// input is either an audio chunk or a finalize marker.
type input struct {
	pcm      []byte
	finalize bool
}

// session is a live whisper transcription session. All buffering state is
// confined to the processLoop goroutine.
type session struct {
	engine         transcriber
	language       string
	sampleRate     int
	channels       int
	maxBufferBytes int
	logger         *slog.Logger

	in       chan input
	partials chan stt.Transcript
	finals   chan stt.Transcript

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func (s *session) enqueue(in input) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.in <- in:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

// SendAudio queues a chunk of 16-bit little-endian PCM for the current span.
func (s *session) SendAudio(chunk []byte) error {
	return s.enqueue(input{pcm: chunk})
}

// Finalize transcribes all audio buffered so far and emits a flushed final.
func (s *session) Finalize() error {
	return s.enqueue(input{finalize: true})
}

// Partials returns interim transcripts. Whisper only emits the forced
// transcription of an overlong span here.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns committed transcripts.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Close terminates the session and closes the transcript channels. Buffered
// audio without a Finalize is discarded.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *session) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	var (
		buffer  []byte
		offset  time.Duration // stream position of buffer[0]
		pending []string      // text of forced transcriptions not yet flushed
	)
	bytesPerSec := s.sampleRate * s.channels * 2

	emit := func(ch chan stt.Transcript, t stt.Transcript) bool {
		select {
		case ch <- t:
			return true
		case <-s.done:
			return false
		case <-ctx.Done():
			return false
		}
	}

	run := func() (string, time.Duration, bool) {
		if len(buffer) == 0 {
			return "", 0, true
		}
		dur := time.Duration(len(buffer)) * time.Second / time.Duration(bytesPerSec)
		text, err := s.engine.transcribe(pcmMono(buffer, s.channels), s.language)
		buffer = buffer[:0]
		if err != nil {
			s.logger.Error("whisper: inference failed", "err", err)
			return "", dur, false
		}
		return text, dur, true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case in := <-s.in:
			if !in.finalize {
				buffer = append(buffer, in.pcm...)
				if s.maxBufferBytes > 0 && len(buffer) >= s.maxBufferBytes {
					start := offset
					text, dur, _ := run()
					offset += dur
					if text != "" {
						pending = append(pending, text)
						if !emit(s.partials, stt.Transcript{Text: strings.Join(pending, " "), Timestamp: start}) {
							return
						}
					}
				}
				continue
			}

			start := offset
			text, dur, ok := run()
			offset += dur
			if text != "" {
				pending = append(pending, text)
			}
			final := stt.Transcript{
				Text:      strings.Join(pending, " "),
				IsFinal:   true,
				Flushed:   true,
				Timestamp: start,
				Duration:  dur,
			}
			if ok {
				final.Confidence = 1
			}
			pending = pending[:0]
			if !emit(s.finals, final) {
				return
			}
		}
	}
}

// pcmMono returns 16-bit mono PCM, down-mixing stereo when needed.
func pcmMono(pcm []byte, channels int) []byte {
	if channels == 2 {
		return audio.StereoToMono(pcm)
	}
	return pcm
}

// ---- model transcriber ------------------------------------------------------

type modelTranscriber struct {
	model whisperlib.Model
}

// transcribe runs inference using a fresh context. Contexts are not safe for
// concurrent use but the model is.
func (m *modelTranscriber) transcribe(pcm []byte, language string) (string, error) {
	wctx, err := m.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", language, "err", err)
	}
	if err := wctx.Process(audio.Float32(pcm), nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*session)(nil)
)
