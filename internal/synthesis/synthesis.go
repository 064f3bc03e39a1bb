// Package synthesis speaks agent utterances into a call.
//
// [Adapter.Speak] streams audio from a [tts.Provider], re-frames it to whole
// frames in the playback format and pushes it to a [Sink] as it arrives, so
// the caller hears the first words before synthesis has finished. Short
// phrases are served from a shared [PhraseCache] when possible.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/leadvox/internal/callerr"
	"github.com/MrWong99/leadvox/internal/observe"
	"github.com/MrWong99/leadvox/pkg/audio"
	"github.com/MrWong99/leadvox/pkg/audio/framesource"
	"github.com/MrWong99/leadvox/pkg/provider/tts"
)

const (
	defaultBackoff      = 100 * time.Millisecond
	defaultStartTimeout = 2 * time.Second
	stage               = "synthesis"
)

var errNoFirstAudio = errors.New("synthesis: no audio before start timeout")

// Sink receives playback audio. It is satisfied by [*framesource.Source].
type Sink interface {
	// PushPlayback plays pcm, blocking until it has been sent. It returns
	// [framesource.ErrInterrupted] when playback was cut off by a barge-in.
	PushPlayback(ctx context.Context, pcm []byte) error
	Format() audio.Format
	FrameSize() time.Duration
}

// Result describes one spoken utterance.
type Result struct {
	// FirstAudio is the time from the Speak call until the first frame was
	// handed to playback.
	FirstAudio time.Duration
	// Played is the audio duration fully handed to playback.
	Played      time.Duration
	Cached      bool
	Interrupted bool
}

// Adapter speaks text through one TTS provider.
type Adapter struct {
	provider     tts.Provider
	providerName string
	cache        *PhraseCache
	voice        tts.VoiceProfile
	sourceRate   int
	backoff      time.Duration
	startTimeout time.Duration
	metrics      *observe.Metrics
	logger       *slog.Logger
}

// Option is a functional option for [New].
type Option func(*Adapter)

// WithVoice sets the voice used for every utterance.
func WithVoice(v tts.VoiceProfile) Option {
	return func(a *Adapter) { a.voice = v }
}

// WithSourceRate sets the sample rate of the provider's PCM output.
// Default: 16 kHz.
func WithSourceRate(hz int) Option {
	return func(a *Adapter) { a.sourceRate = hz }
}

// WithBackoff sets the pause before the single retry. Default: 100ms.
func WithBackoff(d time.Duration) Option {
	return func(a *Adapter) { a.backoff = d }
}

// WithStartTimeout bounds the wait for the first audio of an attempt.
// Zero disables it. Default: 2s.
func WithStartTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.startTimeout = d }
}

// WithProviderName labels provider metrics. Default: "tts".
func WithProviderName(name string) Option {
	return func(a *Adapter) { a.providerName = name }
}

// WithMetrics records provider requests and errors.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// New creates an Adapter for p. cache may be nil.
func New(p tts.Provider, cache *PhraseCache, opts ...Option) *Adapter {
	a := &Adapter{
		provider:     p,
		providerName: "tts",
		cache:        cache,
		sourceRate:   audio.DefaultSampleRate,
		backoff:      defaultBackoff,
		startTimeout: defaultStartTimeout,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Cache returns the phrase cache, which may be nil.
func (a *Adapter) Cache() *PhraseCache { return a.cache }

// Speak synthesises text and plays it through sink. started, if non-nil, is
// called once right before the first frame is handed to playback.
//
// Cancelling ctx or interrupting the sink stops playback and releases the
// provider stream; the result is then marked Interrupted and no error is
// returned. A provider failure is retried once if no audio was played yet.
func (a *Adapter) Speak(ctx context.Context, text string, sink Sink, started func()) (Result, error) {
	pb := &playback{sink: sink, format: sink.Format(), begin: time.Now(), started: started}
	text = strings.TrimSpace(text)
	if text == "" {
		return pb.res, nil
	}

	ctx, span := observe.StartSpan(ctx, "synthesis.speak")
	defer span.End()

	if pcm, ok := a.cache.Get(a.voice.ID, text); ok {
		pb.res.Cached = true
		return pb.finish(pb.push(ctx, pcm))
	}

	framer := audio.NewFramer(pb.format, sink.FrameSize())
	var kept []byte
	keep := a.cache.Cacheable(text)

	for attempt := 0; ; attempt++ {
		err := a.stream(ctx, text, pb, framer, keep, &kept)
		if err == nil {
			break
		}
		a.recordError(ctx)
		if pb.fired || attempt > 0 || ctx.Err() != nil || interrupted(err) {
			return pb.finish(err)
		}
		a.logger.Warn("synthesis: provider failed, retrying", "err", err)
		if !sleep(ctx, a.backoff) {
			return pb.finish(ctx.Err())
		}
		framer = audio.NewFramer(pb.format, sink.FrameSize())
		kept = kept[:0]
	}

	if f, ok := framer.Flush(); ok {
		if keep {
			kept = append(kept, f.Data...)
		}
		if err := pb.push(ctx, f.Data); err != nil {
			return pb.finish(err)
		}
	}
	if keep && len(kept) > 0 {
		a.cache.Put(a.voice.ID, text, kept)
	}
	return pb.finish(nil)
}

// stream runs one provider attempt, pushing whole frames as they fill.
func (a *Adapter) stream(ctx context.Context, text string, pb *playback, framer *audio.Framer, keep bool, kept *[]byte) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := a.provider.SynthesizeStream(sctx, text, a.voice)
	if err != nil {
		return callerr.Wrap(stage, fmt.Errorf("synthesis: start stream: %w", err))
	}
	a.recordRequest(ctx)

	var firstAudio <-chan time.Time
	if a.startTimeout > 0 && !pb.fired {
		t := time.NewTimer(a.startTimeout)
		defer t.Stop()
		firstAudio = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-firstAudio:
			return callerr.New(callerr.ProviderTimeout, stage, errNoFirstAudio)
		case c, ok := <-ch:
			if !ok {
				return ctx.Err()
			}
			if c.Err != nil {
				return callerr.Wrap(stage, fmt.Errorf("synthesis: stream: %w", c.Err))
			}
			frames := framer.Write(a.convert(c.PCM, pb.format))
			if len(frames) == 0 {
				continue
			}
			firstAudio = nil
			var buf []byte
			for _, f := range frames {
				buf = append(buf, f.Data...)
			}
			if keep {
				*kept = append(*kept, buf...)
			}
			if err := pb.push(ctx, buf); err != nil {
				return err
			}
		}
	}
}

// Warm pre-synthesises phrases into the cache so they play without a
// provider round trip. Phrases that are already cached or too long are
// skipped. It returns the joined errors of the phrases that failed.
func (a *Adapter) Warm(ctx context.Context, f audio.Format, phrases []string) error {
	if a.cache == nil {
		return nil
	}
	var errs []error
	for _, phrase := range phrases {
		phrase = strings.TrimSpace(phrase)
		if !a.cache.Cacheable(phrase) {
			continue
		}
		if _, ok := a.cache.Get(a.voice.ID, phrase); ok {
			continue
		}
		pcm, err := a.collect(ctx, phrase, f)
		if err != nil {
			errs = append(errs, fmt.Errorf("synthesis: warm %q: %w", phrase, err))
			continue
		}
		a.cache.Put(a.voice.ID, phrase, pcm)
	}
	return errors.Join(errs...)
}

func (a *Adapter) collect(ctx context.Context, text string, f audio.Format) ([]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := a.provider.SynthesizeStream(ctx, text, a.voice)
	if err != nil {
		return nil, err
	}
	var pcm []byte
	for c := range ch {
		if c.Err != nil {
			return nil, c.Err
		}
		pcm = append(pcm, a.convert(c.PCM, f)...)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return pcm, nil
}

func (a *Adapter) convert(pcm []byte, f audio.Format) []byte {
	return audio.ResampleMono16(pcm, a.sourceRate, f.SampleRate)
}

func (a *Adapter) recordRequest(ctx context.Context) {
	if a.metrics != nil {
		a.metrics.RecordProviderRequest(ctx, a.providerName, "tts", "ok")
	}
}

func (a *Adapter) recordError(ctx context.Context) {
	if a.metrics != nil {
		a.metrics.RecordProviderError(ctx, a.providerName, "tts")
	}
}

// ─── Playback bookkeeping ────────────────────────────────────────────────────

type playback struct {
	sink    Sink
	format  audio.Format
	begin   time.Time
	started func()
	fired   bool
	res     Result
}

func (p *playback) push(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	if !p.fired {
		p.fired = true
		p.res.FirstAudio = time.Since(p.begin)
		if p.started != nil {
			p.started()
		}
	}
	if err := p.sink.PushPlayback(ctx, pcm); err != nil {
		return err
	}
	p.res.Played += p.format.Duration(len(pcm))
	return nil
}

func (p *playback) finish(err error) (Result, error) {
	switch {
	case err == nil:
		return p.res, nil
	case interrupted(err):
		p.res.Interrupted = true
		return p.res, nil
	default:
		return p.res, callerr.Wrap(stage, err)
	}
}

func interrupted(err error) bool {
	return errors.Is(err, framesource.ErrInterrupted) || errors.Is(err, context.Canceled)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
