// Package recognition adapts a streaming [stt.Provider] to voice activity
// spans.
//
// One provider stream is kept open for the whole call. Audio is fed span by
// span; closing a span asks the provider to flush ([stt.SessionHandle.Finalize])
// and waits a bounded time for the final transcript. Spans are finalised in
// the order they were opened: while an older span is still waiting for its
// final, audio of newer spans is held back so the flush never includes it.
//
// When the final does not arrive in time the best text seen so far is
// returned marked as degraded; whatever the provider still sends for that span
// is discarded up to its late flush. When nothing arrived at all, or the provider
// failed, the adapter reopens the provider stream once, replays the span's
// audio and tries again before giving up with [callerr.ErrRecognitionFailed].
package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/leadvox/internal/activity"
	"github.com/MrWong99/leadvox/internal/callerr"
	"github.com/MrWong99/leadvox/pkg/audio"
	"github.com/MrWong99/leadvox/pkg/provider/stt"
)

const (
	defaultFinalTimeout = 500 * time.Millisecond
	defaultBackoff      = 100 * time.Millisecond
	opQueueSize         = 1024
	fragmentBufferSize  = 64

	// SpeakerCaller is the Speaker of every fragment produced from call audio.
	SpeakerCaller = "caller"
)

var (
	// ErrNoTranscript is the failure cause when a span produced no text at all
	// within the final timeout.
	ErrNoTranscript = fmt.Errorf("recognition: no transcript: %w", context.DeadlineExceeded)

	// ErrUnknownSpan is returned by EndSpan for a span that is not the oldest
	// span awaiting its final.
	ErrUnknownSpan = errors.New("recognition: span is not awaiting a final")

	errStreamEnded = errors.New("recognition: provider stream ended")
)

// Fragment is a piece of transcript attributed to a voice activity span.
// Partials are superseded by later fragments of the same span; a final is
// terminal.
type Fragment struct {
	Text       string
	Confidence float64
	IsFinal    bool

	// Degraded marks a final assembled from partial results after the
	// provider missed the final timeout.
	Degraded bool

	Speaker   string
	Timestamp time.Duration
	SpanID    string
}

// Adapter opens recognition streams against one provider.
type Adapter struct {
	provider     stt.Provider
	finalTimeout time.Duration
	backoff      time.Duration
	format       audio.Format
	language     string
	keywords     []stt.KeywordBoost
	logger       *slog.Logger
}

// Option is a functional option for [New].
type Option func(*Adapter)

// WithFinalTimeout bounds how long EndSpan waits for a final. Default: 500ms.
func WithFinalTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.finalTimeout = d }
}

// WithBackoff sets the pause before the single retry. Default: 100ms.
func WithBackoff(d time.Duration) Option {
	return func(a *Adapter) { a.backoff = d }
}

// WithFormat sets the audio format announced to the provider. Default: 16 kHz mono.
func WithFormat(f audio.Format) Option {
	return func(a *Adapter) { a.format = f }
}

// WithLanguage sets the BCP-47 recognition language.
func WithLanguage(lang string) Option {
	return func(a *Adapter) { a.language = lang }
}

// WithKeywords boosts domain vocabulary such as neighbourhood names.
func WithKeywords(kw []stt.KeywordBoost) Option {
	return func(a *Adapter) { a.keywords = kw }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// New creates an Adapter for p.
func New(p stt.Provider, opts ...Option) *Adapter {
	a := &Adapter{
		provider:     p,
		finalTimeout: defaultFinalTimeout,
		backoff:      defaultBackoff,
		format:       audio.Format{SampleRate: audio.DefaultSampleRate, Channels: audio.DefaultChannels},
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// FinalTimeout returns the configured final timeout.
func (a *Adapter) FinalTimeout() time.Duration { return a.finalTimeout }

func (a *Adapter) streamConfig() stt.StreamConfig {
	return stt.StreamConfig{
		SampleRate: a.format.SampleRate,
		Channels:   a.format.Channels,
		Language:   a.language,
		Keywords:   a.keywords,
	}
}

// Open starts the provider stream for one call. The stream lives until Close
// or until ctx is cancelled.
func (a *Adapter) Open(ctx context.Context) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		a:         a,
		ctx:       ctx,
		cancel:    cancel,
		ops:       make(chan op, opQueueSize),
		fragments: make(chan Fragment, fragmentBufferSize),
	}
	g, err := s.startGeneration(0)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("recognition: open: %w", err)
	}
	s.gen.Store(g)

	s.wg.Add(1)
	go s.sendLoop()
	return s, nil
}

// ─── Stream ──────────────────────────────────────────────────────────────────

// generation is one provider stream. A retry replaces the current generation;
// work queued for an older generation is discarded.
type generation struct {
	id     int
	handle stt.SessionHandle
	cancel context.CancelFunc

	failOnce sync.Once
	failed   chan struct{}
	err      error

	// owed counts flushes still due for spans that were given up on. Until
	// they arrive, everything the provider sends belongs to those spans.
	// Guarded by Stream.mu.
	owed int
}

func (g *generation) fail(err error) {
	g.failOnce.Do(func() {
		g.err = err
		close(g.failed)
	})
}

type op struct {
	gen      *generation
	pcm      []byte
	finalize bool
}

type spanState struct {
	id      string
	start   time.Duration
	audio   [][]byte
	open    bool
	finals  []stt.Transcript
	partial stt.Transcript
	flushed chan struct{}
}

func (st *spanState) text() (string, float64) {
	var (
		parts []string
		conf  float64
	)
	for _, f := range st.finals {
		parts = append(parts, f.Text)
		conf += f.Confidence
	}
	if len(st.finals) > 0 {
		conf /= float64(len(st.finals))
	}
	return strings.Join(parts, " "), conf
}

// best returns the most complete text available: the finals so far followed
// by the latest partial.
func (st *spanState) best() (string, float64) {
	text, conf := st.text()
	if st.partial.Text == "" {
		return text, conf
	}
	if text == "" {
		return st.partial.Text, st.partial.Confidence
	}
	return text + " " + st.partial.Text, min(conf, st.partial.Confidence)
}

// Stream is the recognition stream of one call. BeginSpan and Feed are called
// from the frame loop; EndSpan from a single recognition goroutine.
type Stream struct {
	a      *Adapter
	ctx    context.Context
	cancel context.CancelFunc
	ops    chan op
	gen    atomic.Pointer[generation]

	mu        sync.Mutex
	spans     []*spanState // spans[0] is the only span whose audio reaches the provider
	closed    bool
	fragments chan Fragment
	dropped   int

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Fragments returns partial and final fragments as they are produced. The
// channel is closed by Close. Delivery is best effort: fragments are dropped
// when the consumer falls behind.
func (s *Stream) Fragments() <-chan Fragment { return s.fragments }

// BeginSpan starts a new span. preroll carries the frames the detector
// classified as speech before it opened the span.
func (s *Stream) BeginSpan(span activity.Span, preroll []audio.AudioFrame) {
	st := &spanState{
		id:      span.ID,
		start:   span.Start,
		open:    true,
		flushed: make(chan struct{}, 1),
	}
	for _, f := range preroll {
		st.audio = append(st.audio, f.Data)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if n := len(s.spans); n > 0 {
		s.spans[n-1].open = false
	}
	s.spans = append(s.spans, st)
	if len(s.spans) == 1 {
		s.enqueueLocked(st.audio)
	}
}

// Feed appends frame to the open span. It never blocks on the provider.
func (s *Stream) Feed(frame audio.AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.spans)
	if s.closed || n == 0 || !s.spans[n-1].open {
		return
	}
	st := s.spans[n-1]
	st.audio = append(st.audio, frame.Data)
	if n == 1 {
		s.enqueueLocked([][]byte{frame.Data})
	}
}

// enqueueLocked queues audio for the current generation without blocking.
func (s *Stream) enqueueLocked(chunks [][]byte) {
	g := s.gen.Load()
	for _, pcm := range chunks {
		select {
		case s.ops <- op{gen: g, pcm: pcm}:
		default:
			s.dropped++
			if s.dropped%50 == 1 {
				s.a.logger.Warn("recognition: provider queue full, dropping audio", "dropped", s.dropped)
			}
		}
	}
}

// EndSpan closes span and returns its final fragment. Spans must be ended in
// the order they were begun.
func (s *Stream) EndSpan(ctx context.Context, span activity.Span) (Fragment, error) {
	s.mu.Lock()
	if len(s.spans) == 0 || s.spans[0].id != span.ID {
		s.mu.Unlock()
		return Fragment{}, fmt.Errorf("%w: %s", ErrUnknownSpan, span.ID)
	}
	st := s.spans[0]
	st.open = false
	s.mu.Unlock()
	defer s.advance()

	frag, err := s.finalize(ctx, st, s.gen.Load())
	if err == nil {
		s.publish(frag)
		return frag, nil
	}
	if ctx.Err() != nil {
		return Fragment{}, ctx.Err()
	}

	s.a.logger.Warn("recognition: final failed, retrying", "span_id", st.id, "err", err)
	if !sleep(ctx, s.a.backoff) {
		return Fragment{}, ctx.Err()
	}
	g, err := s.reopen(st)
	if err == nil {
		frag, err = s.finalize(ctx, st, g)
	}
	if err == nil {
		s.publish(frag)
		return frag, nil
	}
	if ctx.Err() != nil {
		return Fragment{}, ctx.Err()
	}

	kind := callerr.Classify(err)
	if kind != callerr.ProviderTimeout {
		kind = callerr.ProviderUnavailable
	}
	return Fragment{}, fmt.Errorf("%w: %w", callerr.ErrRecognitionFailed, callerr.New(kind, "recognition", err))
}

// finalize flushes the provider and waits for the span's final.
func (s *Stream) finalize(ctx context.Context, st *spanState, g *generation) (Fragment, error) {
	select {
	case s.ops <- op{gen: g, finalize: true}:
	case <-ctx.Done():
		return Fragment{}, ctx.Err()
	case <-s.ctx.Done():
		return Fragment{}, s.ctx.Err()
	}

	timer := time.NewTimer(s.a.finalTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return Fragment{}, ctx.Err()
	case <-st.flushed:
		return s.result(st, false), nil
	case <-g.failed:
		if f, ok := s.degraded(st); ok {
			return f, nil
		}
		return Fragment{}, g.err
	case <-timer.C:
		if s.giveUp(st, g) {
			return s.result(st, false), nil
		}
		if f, ok := s.degraded(st); ok {
			s.a.logger.Debug("recognition: final timed out, using partial results", "span_id", st.id)
			return f, nil
		}
		return Fragment{}, ErrNoTranscript
	}
}

// giveUp records that g still owes st's flush. It reports true when the
// flush slipped in after the timer fired, in which case nothing is owed.
func (s *Stream) giveUp(st *spanState, g *generation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-st.flushed:
		return true
	default:
	}
	g.owed++
	return false
}

func (s *Stream) result(st *spanState, degraded bool) Fragment {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, conf := st.text()
	if degraded {
		text, conf = st.best()
	}
	return Fragment{
		Text:       text,
		Confidence: conf,
		IsFinal:    true,
		Degraded:   degraded,
		Speaker:    SpeakerCaller,
		Timestamp:  st.start,
		SpanID:     st.id,
	}
}

func (s *Stream) degraded(st *spanState) (Fragment, bool) {
	f := s.result(st, true)
	return f, f.Text != ""
}

// advance retires the head span and releases the held audio of the next one.
func (s *Stream) advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.spans) == 0 {
		return
	}
	s.spans[0] = nil
	s.spans = s.spans[1:]
	if len(s.spans) > 0 && !s.closed {
		s.enqueueLocked(s.spans[0].audio)
	}
}

// reopen replaces the provider stream and replays st's audio into it.
func (s *Stream) reopen(st *spanState) (*generation, error) {
	old := s.gen.Load()
	g, err := s.startGeneration(old.id + 1)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.gen.Store(g)
	st.finals, st.partial = nil, stt.Transcript{}
	select {
	case <-st.flushed:
	default:
	}
	replay := st.audio
	s.mu.Unlock()

	old.cancel()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := old.handle.Close(); err != nil {
			s.a.logger.Debug("recognition: close superseded stream", "err", err)
		}
	}()

	for _, pcm := range replay {
		select {
		case s.ops <- op{gen: g, pcm: pcm}:
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		}
	}
	return g, nil
}

func (s *Stream) startGeneration(id int) (*generation, error) {
	h, err := s.a.provider.StartStream(s.ctx, s.a.streamConfig())
	if err != nil {
		return nil, err
	}
	gctx, cancel := context.WithCancel(s.ctx)
	g := &generation{id: id, handle: h, cancel: cancel, failed: make(chan struct{})}
	s.wg.Add(1)
	go s.readLoop(gctx, g)
	return g, nil
}

// sendLoop is the only writer to provider handles.
func (s *Stream) sendLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case o := <-s.ops:
			if o.gen != s.gen.Load() {
				continue
			}
			if o.finalize {
				if err := o.gen.handle.Finalize(); err != nil {
					o.gen.fail(fmt.Errorf("recognition: finalize: %w", err))
				}
				continue
			}
			if err := o.gen.handle.SendAudio(o.pcm); err != nil {
				o.gen.fail(fmt.Errorf("recognition: send audio: %w", err))
			}
		}
	}
}

// readLoop routes provider transcripts of generation g to the head span.
func (s *Stream) readLoop(ctx context.Context, g *generation) {
	defer s.wg.Done()
	partials, finals := g.handle.Partials(), g.handle.Finals()
	for partials != nil || finals != nil {
		var (
			t  stt.Transcript
			ok bool
		)
		select {
		case <-ctx.Done():
			return
		case t, ok = <-partials:
			if !ok {
				partials = nil
				continue
			}
		case t, ok = <-finals:
			if !ok {
				finals = nil
				continue
			}
		}
		s.route(g, t)
	}
	if ctx.Err() == nil {
		g.fail(errStreamEnded)
	}
}

func (s *Stream) route(g *generation, t stt.Transcript) {
	s.mu.Lock()
	if s.gen.Load() != g || len(s.spans) == 0 {
		s.mu.Unlock()
		return
	}
	if g.owed > 0 {
		if t.IsFinal && t.Flushed {
			g.owed--
		}
		s.mu.Unlock()
		return
	}
	st := s.spans[0]
	if !t.IsFinal {
		st.partial = t
	} else {
		if t.Text != "" {
			st.finals = append(st.finals, t)
		}
		st.partial = stt.Transcript{}
		if t.Flushed {
			select {
			case st.flushed <- struct{}{}:
			default:
			}
		}
	}
	text, conf := st.best()
	frag := Fragment{
		Text:       text,
		Confidence: conf,
		Speaker:    SpeakerCaller,
		Timestamp:  st.start,
		SpanID:     st.id,
	}
	s.mu.Unlock()

	if text != "" && !t.Flushed {
		s.publish(frag)
	}
}

func (s *Stream) publish(f Fragment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.fragments <- f:
	default:
		s.a.logger.Debug("recognition: fragment consumer behind, dropping", "span_id", f.SpanID, "final", f.IsFinal)
	}
}

// Close stops the stream and releases the provider session.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		err = s.gen.Load().handle.Close()

		s.mu.Lock()
		s.closed = true
		s.spans = nil
		close(s.fragments)
		s.mu.Unlock()
	})
	if err != nil {
		return fmt.Errorf("recognition: close: %w", err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
