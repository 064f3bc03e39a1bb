package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/leadvox/internal/activity"
	"github.com/MrWong99/leadvox/internal/analytics"
	"github.com/MrWong99/leadvox/internal/callerr"
	"github.com/MrWong99/leadvox/internal/dialogue"
	"github.com/MrWong99/leadvox/internal/events"
	"github.com/MrWong99/leadvox/internal/latency"
	"github.com/MrWong99/leadvox/internal/lead"
	"github.com/MrWong99/leadvox/internal/observe"
	"github.com/MrWong99/leadvox/internal/recognition"
	"github.com/MrWong99/leadvox/internal/store"
	"github.com/MrWong99/leadvox/pkg/audio"
	"github.com/MrWong99/leadvox/pkg/audio/framesource"
	"github.com/MrWong99/leadvox/pkg/provider/stt"
	"github.com/MrWong99/leadvox/pkg/provider/vad"
)

var (
	errHangup       = errors.New("session: caller hung up")
	errEndRequested = errors.New("session: ended by request")
	errShutdown     = errors.New("session: orchestrator shutdown")
)

const (
	spanQueueSize   = 16
	finishTimeout   = 5 * time.Second
	recapTimeout    = 10 * time.Second
	deliveryTimeout = 5 * time.Second
)

// call is one running session.
type call struct {
	id        string
	meta      CallMetadata
	startedAt time.Time
	now       func() time.Time
	log       *slog.Logger
	metrics   *observe.Metrics

	ctx    context.Context
	cancel context.CancelCauseFunc

	src    *framesource.Source
	vad    vad.SessionHandle
	det    *activity.Detector
	stream *recognition.Stream
	sup    *latency.Supervisor
	rec    *analytics.Recorder
	conv   *dialogue.Context
	eng    *dialogue.Engine
	bus    *events.Bus

	spans chan activity.Span

	// Frame loop state.
	preroll []audio.AudioFrame
	maxPre  int
	dropped uint64

	done    chan struct{}
	summary *Summary
}

func (o *Orchestrator) newCall(parent context.Context, id string, meta CallMetadata, t audio.Transport, st Settings) (_ *call, err error) {
	log := o.logger.With("session_id", id)
	ctx, cancel := context.WithCancelCause(context.WithoutCancel(parent))
	c := &call{
		id:        id,
		meta:      meta,
		startedAt: o.now(),
		now:       o.now,
		log:       log,
		metrics:   o.deps.Metrics,
		ctx:       ctx,
		cancel:    cancel,
		spans:     make(chan activity.Span, spanQueueSize),
		done:      make(chan struct{}),
	}
	defer func() {
		if err != nil {
			c.abort()
		}
	}()

	c.bus = events.NewBus(id, events.WithSinks(o.deps.EventSinks...), events.WithLogger(log), events.WithClock(o.now))
	c.src = framesource.New(t,
		framesource.WithFormat(audio.Format{SampleRate: st.SampleRate, Channels: 1}),
		framesource.WithFrameSize(st.FrameSize),
		framesource.WithRingDuration(st.RingDuration),
		framesource.WithStallTimeout(st.StallTimeout),
		framesource.WithPacing(o.pacing),
		framesource.WithLogger(log),
	)

	c.vad, err = o.deps.VAD.NewSession(vad.Config{
		SampleRate:       st.SampleRate,
		FrameSizeMs:      int(st.FrameSize / time.Millisecond),
		SpeechThreshold:  st.Activity.SpeechThreshold,
		SilenceThreshold: st.Activity.SilenceThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("session: vad: %w", err)
	}
	c.det, err = activity.New(c.vad, st.Activity)
	if err != nil {
		return nil, fmt.Errorf("session: activity: %w", err)
	}
	c.maxPre = int(c.det.Config().Window/st.FrameSize) + 1

	supOpts := []latency.Option{
		latency.WithBudget(st.Budget),
		latency.WithFastModeAfter(st.FastModeAfter),
		latency.WithRecoverAfter(st.RecoverAfter),
		latency.WithClock(o.now),
		latency.WithLogger(log),
		latency.WithOnExceeded(c.onExceeded),
	}
	if o.deps.Metrics != nil {
		supOpts = append(supOpts, latency.WithMetrics(o.deps.Metrics))
	}
	c.sup = latency.New(supOpts...)
	c.rec = analytics.NewRecorder(c.sup)
	c.conv = dialogue.NewContext(dialogue.Metadata{
		SessionID: id,
		AgentID:   meta.AgentID,
		LeadID:    meta.LeadID,
		Channel:   meta.Channel,
	}, st.MaxContextTurns)

	engOpts := []dialogue.Option{dialogue.WithConfig(st.Dialogue), dialogue.WithLogger(log)}
	if o.deps.Metrics != nil {
		engOpts = append(engOpts, dialogue.WithMetrics(o.deps.Metrics))
	}
	c.eng, err = dialogue.NewEngine(dialogue.Deps{
		Context:    c.conv,
		Reasoner:   o.deps.Reasoner,
		Synth:      o.deps.Synth,
		Playback:   c.src,
		Scorer:     lead.NewScorer(lead.WithServiceAreas(st.ServiceAreas...)),
		Supervisor: c.sup,
		Recorder:   c.rec,
		Events:     c.bus,
	}, engOpts...)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	kw := make([]stt.KeywordBoost, 0, len(st.Keywords))
	for _, k := range st.Keywords {
		kw = append(kw, stt.KeywordBoost{Keyword: k})
	}
	c.stream, err = recognition.New(o.deps.STT,
		recognition.WithFinalTimeout(st.FinalTimeout),
		recognition.WithBackoff(st.RecognitionBackoff),
		recognition.WithFormat(c.src.Format()),
		recognition.WithLanguage(st.Language),
		recognition.WithKeywords(kw),
		recognition.WithLogger(log),
	).Open(ctx)
	if err != nil {
		return nil, callerr.Wrap("recognition", err)
	}
	return c, nil
}

// abort releases a call that never ran.
func (c *call) abort() {
	c.cancel(errShutdown)
	if c.stream != nil {
		_ = c.stream.Close()
	}
	if c.vad != nil {
		_ = c.vad.Close()
	}
	if c.src != nil {
		_ = c.src.Close()
	}
	if c.bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
		defer cancel()
		_ = c.bus.Close(ctx)
	}
}

func (c *call) info() Info {
	return Info{
		ID:        c.id,
		Meta:      c.meta,
		StartedAt: c.startedAt,
		State:     c.eng.State().String(),
		Score:     c.conv.Profile().Score,
		FastMode:  c.sup.FastMode(),
		Escalated: c.eng.Escalated(),
	}
}

// run blocks until the session's goroutines have all returned.
func (c *call) run() error {
	g, ctx := errgroup.WithContext(c.ctx)
	c.src.Start(ctx)
	g.Go(func() error { return c.frameLoop(ctx) })
	g.Go(func() error { return c.recognitionLoop(ctx) })
	g.Go(func() error { return c.transcriptLoop(ctx) })
	g.Go(func() error { return c.eng.Run(ctx) })
	return g.Wait()
}

func (c *call) endReason(err error) EndReason {
	cause := context.Cause(c.ctx)
	switch {
	case errors.Is(err, errHangup):
		return EndHangup
	case errors.Is(cause, errShutdown):
		return EndShutdown
	case errors.Is(cause, errEndRequested):
		return EndRequested
	case errors.Is(err, callerr.ErrTransport):
		return EndTransportError
	case errors.Is(err, callerr.ErrProviderUnavailable):
		return EndProviderUnavailable
	case err != nil:
		return EndError
	default:
		return EndRequested
	}
}

// ─── Frame loop ──────────────────────────────────────────────────────────────

func (c *call) frameLoop(ctx context.Context) error {
	var last time.Duration
	for {
		f, err := c.src.NextFrame(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, io.EOF):
				if ev := c.det.Flush(last); ev != nil {
					c.onSpanEvent(ctx, *ev, nil)
				}
				return errHangup
			default:
				return callerr.New(callerr.Transport, "capture", err)
			}
		}
		last = f.Timestamp + f.Duration()

		res, err := c.det.Process(f)
		if err != nil {
			return fmt.Errorf("session: %w", err)
		}
		c.remember(f)
		if res.Event != nil {
			c.onSpanEvent(ctx, *res.Event, &f)
		} else if _, open := c.det.Current(); open {
			c.stream.Feed(f)
		}
		c.countDropped(ctx)
	}
}

// remember keeps the frames of the onset window for the next span.
func (c *call) remember(f audio.AudioFrame) {
	if len(c.preroll) == c.maxPre {
		c.preroll = append(c.preroll[:0], c.preroll[1:]...)
	}
	c.preroll = append(c.preroll, f)
}

func (c *call) prerollSince(start time.Duration) []audio.AudioFrame {
	for i, f := range c.preroll {
		if f.Timestamp >= start {
			return append([]audio.AudioFrame(nil), c.preroll[i:]...)
		}
	}
	return nil
}

// onSpanEvent dispatches a span boundary. f is the frame that produced it,
// nil when the span was flushed at hangup.
func (c *call) onSpanEvent(ctx context.Context, ev activity.SpanEvent, f *audio.AudioFrame) {
	s := ev.Span
	switch ev.Type {
	case activity.SpanOpened:
		c.stream.BeginSpan(s, c.prerollSince(s.Start))
		c.eng.SpanOpened(s)
		c.bus.Emit(ctx, events.TypeVoiceActivity, events.VoiceActivity{
			SpanID: s.ID, Opened: true, Start: s.Start, Confidence: s.Confidence,
		})
	case activity.SpanClosed:
		if f != nil {
			c.stream.Feed(*f)
		}
		c.eng.SpanClosed(s)
		c.bus.Emit(ctx, events.TypeVoiceActivity, events.VoiceActivity{
			SpanID: s.ID, Start: s.Start, End: s.End, Confidence: s.Confidence,
		})
		select {
		case c.spans <- s:
		case <-ctx.Done():
		}
	}
}

func (c *call) countDropped(ctx context.Context) {
	d := c.src.Dropped()
	if d <= c.dropped {
		return
	}
	if c.metrics != nil {
		c.metrics.RecordDroppedFrames(ctx, int64(d-c.dropped))
	}
	c.dropped = d
}

// ─── Recognition ─────────────────────────────────────────────────────────────

// recognitionLoop finalises closed spans in close order.
func (c *call) recognitionLoop(ctx context.Context) error {
	for {
		var s activity.Span
		select {
		case <-ctx.Done():
			return nil
		case s = <-c.spans:
		}

		frag, err := c.stream.EndSpan(ctx, s)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("session: span not recognised", "span_id", s.ID, "err", err)
			c.eng.RecognitionFailed(err)
			continue
		}
		c.eng.Final(frag)
	}
}

// transcriptLoop forwards fragments to the engine and the event stream.
func (c *call) transcriptLoop(ctx context.Context) error {
	frags := c.stream.Fragments()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frags:
			if !ok {
				return nil
			}
			c.bus.Emit(ctx, events.TypeTranscript, events.Transcript{
				SpanID:     f.SpanID,
				Text:       f.Text,
				Final:      f.IsFinal,
				Degraded:   f.Degraded,
				Confidence: f.Confidence,
			})
			if !f.IsFinal {
				c.eng.Partial(f)
			}
		}
	}
}

// ─── Latency ─────────────────────────────────────────────────────────────────

func (c *call) onExceeded(x latency.Exceeded) {
	c.rec.Error(x.Err())
	c.bus.Emit(c.ctx, events.TypeLatencyExceeded, events.LatencyExceeded{
		TurnID:  x.TurnID,
		Stage:   string(x.Stage),
		Elapsed: x.Elapsed,
		Budget:  x.Budget,
	})
}

// ─── Teardown ────────────────────────────────────────────────────────────────

// finish releases the call's resources, builds the summary and delivers it.
func (c *call) finish(reason EndReason, runErr error, deps Deps) *Summary {
	c.cancel(errShutdown)
	if err := c.stream.Close(); err != nil {
		c.log.Debug("session: close recognition", "err", err)
	}
	if err := c.src.Close(); err != nil {
		c.log.Debug("session: close transport", "err", err)
	}
	_ = c.vad.Close()
	c.countDropped(context.Background())
	c.rec.SetDroppedFrames(c.src.Dropped())
	if runErr != nil && reason != EndHangup {
		c.rec.Error(runErr)
	}

	turns := c.conv.Turns()
	profile := c.conv.Profile()
	ended := c.now()
	sum := &Summary{
		SessionID: c.id,
		Meta:      c.meta,
		StartedAt: c.startedAt,
		EndedAt:   ended,
		Duration:  ended.Sub(c.startedAt),
		EndReason: reason,
		Escalated: c.eng.Escalated(),
		Turns:     turns,
		Profile:   profile,
		Report:    analytics.Summarize(turns, c.rec.Snapshot(), profile),
	}
	if runErr != nil && reason != EndHangup && !errors.Is(runErr, context.Canceled) {
		sum.Error = runErr.Error()
	}

	base := context.WithoutCancel(c.ctx)
	if deps.Recapper != nil && len(turns) > 0 {
		ctx, cancel := context.WithTimeout(base, recapTimeout)
		recap, err := deps.Recapper.Recap(ctx, turns)
		cancel()
		if err != nil {
			c.log.Warn("session: recap failed", "err", err)
		}
		sum.Recap = recap
	}

	c.bus.Emit(base, events.TypeSessionEnded, events.SessionEnded{
		EndReason: string(reason),
		Error:     sum.Error,
		Escalated: sum.Escalated,
		Score:     profile.Score,
		Duration:  sum.Duration,
	})
	ctx, cancel := context.WithTimeout(base, finishTimeout)
	if err := c.bus.Close(ctx); err != nil {
		c.log.Warn("session: event sinks not flushed", "err", err)
	}
	cancel()

	c.deliver(base, sum, deps.SummarySinks)
	return sum
}

func (c *call) deliver(ctx context.Context, sum *Summary, sinks []store.SummarySink) {
	if len(sinks) == 0 {
		return
	}
	doc, err := json.Marshal(sum)
	if err != nil {
		c.log.Error("session: encode summary", "err", err)
		return
	}
	r := store.Record{
		SessionID: sum.SessionID,
		LeadID:    sum.Meta.LeadID,
		StartedAt: sum.StartedAt,
		EndedAt:   sum.EndedAt,
		EndReason: string(sum.EndReason),
		Escalated: sum.Escalated,
		Score:     sum.Profile.Score,
		Document:  doc,
	}
	for _, s := range sinks {
		dctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
		if err := s.Deliver(dctx, r); err != nil {
			c.log.Warn("session: summary delivery failed", "err", err)
		}
		cancel()
	}
}
