// Package dialogue runs the turn-taking of a call: it owns the conversation
// context, decides when the agent reasons and speaks, and handles barge-in.
//
// The [Engine] is a single event loop. Recognition and voice activity events
// are fed in through its input methods; reasoning and speech run in their own
// goroutines and report back to the loop, which is the only place state
// changes. At most one agent utterance is in flight at any time.
package dialogue

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
	"github.com/MrWong99/leadvox/internal/events"
	"github.com/MrWong99/leadvox/internal/latency"
	"github.com/MrWong99/leadvox/internal/lead"
	"github.com/MrWong99/leadvox/internal/observe"
	"github.com/MrWong99/leadvox/internal/recognition"
	"github.com/MrWong99/leadvox/internal/synthesis"
)

// State is the turn-taking state of the engine.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateReasoning
	StateSpeaking
	StateInterrupted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening_for_caller"
	case StateReasoning:
		return "reasoning"
	case StateSpeaking:
		return "speaking"
	case StateInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// ─── Dependencies ────────────────────────────────────────────────────────────

// Synthesizer speaks text into a playback sink. It is satisfied by
// [*synthesis.Adapter].
type Synthesizer interface {
	Speak(ctx context.Context, text string, sink synthesis.Sink, started func()) (synthesis.Result, error)
}

// Playback is the agent's audio output. It is satisfied by
// [*framesource.Source].
type Playback interface {
	synthesis.Sink
	Interrupt()
}

// Recorder receives the session metrics the engine observes. It is
// satisfied by [*analytics.Recorder].
type Recorder interface {
	AddTalkTime(s Speaker, d time.Duration)
	Interruption()
	Filler()
	Error(err error)
}

// Emitter publishes session events. It is satisfied by [*events.Bus].
type Emitter interface {
	Emit(ctx context.Context, t events.Type, data any) events.Event
}

// Deps are the collaborators of an [Engine]. Recorder and Events are
// optional.
type Deps struct {
	Context    *Context
	Reasoner   Reasoner
	Synth      Synthesizer
	Playback   Playback
	Scorer     *lead.Scorer
	Supervisor *latency.Supervisor
	Recorder   Recorder
	Events     Emitter
}

// QualificationUpdate is the payload of [events.TypeQualificationUpdated].
type QualificationUpdate struct {
	TurnID  string       `json:"turn_id"`
	Score   int          `json:"score"`
	Missing []string     `json:"missing,omitempty"`
	Profile lead.Profile `json:"profile"`
}

// ─── Configuration ───────────────────────────────────────────────────────────

// Config tunes an [Engine]. Zero fields take the values of [DefaultConfig].
type Config struct {
	Persona string

	// ContextTurns and FastContextTurns bound the history sent to the
	// reasoner in normal and fast mode.
	ContextTurns     int
	FastContextTurns int
	MaxTokens        int
	FastMaxTokens    int

	// BargeInConfidence is the span confidence at which caller speech stops
	// agent playback.
	BargeInConfidence float64

	// MaxSilence is the longest the caller waits for agent audio after they
	// stopped speaking before a filler plays.
	MaxSilence time.Duration

	ReasoningTimeout time.Duration
	ReasoningBackoff time.Duration

	// DegradedAfter consecutive fallback turns hand the call off and end it.
	DegradedAfter int

	FallbackUtterance      string
	ClarificationUtterance string
	GenericUtterance       string
	FillerUtterance        string
	HandoffUtterance       string
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		ContextTurns:           20,
		FastContextTurns:       6,
		MaxTokens:              200,
		FastMaxTokens:          80,
		BargeInConfidence:      0.6,
		MaxSilence:             2 * time.Second,
		ReasoningTimeout:       2 * time.Second,
		ReasoningBackoff:       100 * time.Millisecond,
		DegradedAfter:          2,
		FallbackUtterance:      "Let me transfer you to a team member.",
		ClarificationUtterance: "I didn't catch that, could you repeat?",
		GenericUtterance:       "Sorry, could you tell me a little more about what you're looking for?",
		FillerUtterance:        "Mm-hmm, one moment.",
		HandoffUtterance:       "I'm having trouble on my end. A team member will call you right back.",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ContextTurns <= 0 {
		c.ContextTurns = d.ContextTurns
	}
	if c.FastContextTurns <= 0 {
		c.FastContextTurns = d.FastContextTurns
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.FastMaxTokens <= 0 {
		c.FastMaxTokens = d.FastMaxTokens
	}
	if c.BargeInConfidence <= 0 {
		c.BargeInConfidence = d.BargeInConfidence
	}
	if c.MaxSilence <= 0 {
		c.MaxSilence = d.MaxSilence
	}
	if c.ReasoningTimeout <= 0 {
		c.ReasoningTimeout = d.ReasoningTimeout
	}
	if c.ReasoningBackoff < 0 {
		c.ReasoningBackoff = 0
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = d.DegradedAfter
	}
	for _, p := range []struct {
		v   *string
		def string
	}{
		{&c.FallbackUtterance, d.FallbackUtterance},
		{&c.ClarificationUtterance, d.ClarificationUtterance},
		{&c.GenericUtterance, d.GenericUtterance},
		{&c.FillerUtterance, d.FillerUtterance},
		{&c.HandoffUtterance, d.HandoffUtterance},
	} {
		if strings.TrimSpace(*p.v) == "" {
			*p.v = p.def
		}
	}
	return c
}

// Phrases returns the fixed utterances worth pre-synthesising.
func (c Config) Phrases() []string {
	c = c.withDefaults()
	return []string{c.FillerUtterance, c.ClarificationUtterance, c.FallbackUtterance, c.GenericUtterance, c.HandoffUtterance}
}

// ─── Engine ──────────────────────────────────────────────────────────────────

// Transition is one state change of the engine.
type Transition struct {
	From, To State
	At       time.Time
}

// Option is a functional option for [NewEngine].
type Option func(*Engine)

// WithConfig sets the engine configuration.
func WithConfig(c Config) Option {
	return func(e *Engine) { e.cfg = c }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records turns and barge-ins.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTransitionHook calls fn from the engine loop on every state change.
func WithTransitionHook(fn func(Transition)) Option {
	return func(e *Engine) { e.onTransition = fn }
}

type inputKind int

const (
	inSpanClosed inputKind = iota + 1
	inPartial
	inFinal
	inRecognitionFailed
)

type input struct {
	kind inputKind
	span activity.Span
	frag recognition.Fragment
	err  error
	at   time.Time
}

type completionKind int

const (
	doneReasoning completionKind = iota + 1
	doneSpeechStarted
	doneSpeechEnded
)

type completion struct {
	kind   completionKind
	gen    uint64
	res    *Result
	err    error
	start  time.Time
	end    time.Time
	speech synthesis.Result
}

type speechKind int

const (
	speechReply speechKind = iota
	speechFiller
)

// speech is one agent utterance, owned by the loop.
type speech struct {
	kind    speechKind
	text    string
	lt      *latency.Turn
	handoff bool
	gen     uint64
	cancel  context.CancelFunc

	queuedAt  time.Time
	startedAt time.Time
	turnID    string
}

type spanInfo struct {
	closedAt time.Time
	duration time.Duration
}

// Engine is the dialogue state machine of one session.
type Engine struct {
	conv     *Context
	reasoner Reasoner
	synth    Synthesizer
	playback Playback
	scorer   *lead.Scorer
	sup      *latency.Supervisor
	rec      Recorder
	emitter  Emitter

	cfg          Config
	logger       *slog.Logger
	metrics      *observe.Metrics
	onTransition func(Transition)

	state atomic.Int32

	bargeCh chan activity.Span
	inCh    chan input
	doneCh  chan completion
	stopped chan struct{}
	runOnce sync.Once
	wg      sync.WaitGroup

	escalated atomic.Bool

	// Loop-owned state.
	gen          uint64
	reasonGen    uint64
	cancelReason context.CancelFunc
	reasonTurn   *latency.Turn
	callerTurnID string
	callerText   string
	active       *speech
	pending      *speech
	queued       []recognition.Fragment
	spans        map[string]spanInfo
	openSpans    int
	fallbacks    int
	silence      *time.Timer
	silenceC     <-chan time.Time
	fillerPlayed bool
	replyStarted bool
	fatal        error
}

// NewEngine creates an engine. Run must be called to start it.
func NewEngine(d Deps, opts ...Option) (*Engine, error) {
	switch {
	case d.Context == nil:
		return nil, errors.New("dialogue: context is required")
	case d.Reasoner == nil:
		return nil, errors.New("dialogue: reasoner is required")
	case d.Synth == nil:
		return nil, errors.New("dialogue: synthesizer is required")
	case d.Playback == nil:
		return nil, errors.New("dialogue: playback is required")
	case d.Supervisor == nil:
		return nil, errors.New("dialogue: latency supervisor is required")
	}
	e := &Engine{
		conv:     d.Context,
		reasoner: d.Reasoner,
		synth:    d.Synth,
		playback: d.Playback,
		scorer:   d.Scorer,
		sup:      d.Supervisor,
		rec:      d.Recorder,
		emitter:  d.Events,
		cfg:      DefaultConfig(),
		logger:   slog.Default(),
		bargeCh:  make(chan activity.Span, 16),
		inCh:     make(chan input, 256),
		doneCh:   make(chan completion, 16),
		stopped:  make(chan struct{}),
		spans:    make(map[string]spanInfo),
	}
	for _, o := range opts {
		o(e)
	}
	e.cfg = e.cfg.withDefaults()
	if e.scorer == nil {
		e.scorer = lead.NewScorer()
	}
	return e, nil
}

// State returns the current state. It is safe to call from any goroutine.
func (e *Engine) State() State { return State(e.state.Load()) }

// Escalated reports whether the call was handed to a human.
func (e *Engine) Escalated() bool { return e.escalated.Load() }

// Context returns the conversation context.
func (e *Engine) Context() *Context { return e.conv }

// ─── Inputs ──────────────────────────────────────────────────────────────────

// SpanOpened reports that the caller started speaking.
func (e *Engine) SpanOpened(s activity.Span) {
	select {
	case e.bargeCh <- s:
	case <-e.stopped:
	}
}

// SpanClosed reports that the caller stopped speaking.
func (e *Engine) SpanClosed(s activity.Span) {
	e.push(input{kind: inSpanClosed, span: s, at: e.sup.Now()})
}

// Partial reports an interim transcript.
func (e *Engine) Partial(f recognition.Fragment) {
	e.push(input{kind: inPartial, frag: f})
}

// Final reports the final transcript of a span.
func (e *Engine) Final(f recognition.Fragment) {
	e.push(input{kind: inFinal, frag: f, at: e.sup.Now()})
}

// RecognitionFailed reports that a span could not be transcribed.
func (e *Engine) RecognitionFailed(err error) {
	e.push(input{kind: inRecognitionFailed, err: err})
}

func (e *Engine) push(in input) {
	select {
	case e.inCh <- in:
	case <-e.stopped:
	}
}

func (e *Engine) complete(c completion) {
	select {
	case e.doneCh <- c:
	case <-e.stopped:
	}
}

// ─── Loop ────────────────────────────────────────────────────────────────────

// Run processes events until ctx is done or the engine fails. It returns nil
// on cancellation and a [callerr.ErrProviderUnavailable] error after the
// call was handed off in degraded mode. Run may only be called once.
func (e *Engine) Run(ctx context.Context) error {
	started := false
	e.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("dialogue: engine already ran")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		close(e.stopped)
		e.stopSilence()
		e.wg.Wait()
	}()

	for e.fatal == nil {
		// Barge-in always wins over anything else pending in the same tick.
		select {
		case s := <-e.bargeCh:
			e.onSpanOpened(ctx, s)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case s := <-e.bargeCh:
			e.onSpanOpened(ctx, s)
		case in := <-e.inCh:
			select {
			case s := <-e.bargeCh:
				e.onSpanOpened(ctx, s)
			default:
			}
			e.onInput(ctx, in)
		case c := <-e.doneCh:
			e.onCompletion(ctx, c)
		case <-e.silenceC:
			e.silenceC = nil
			e.onSilence(ctx)
		}
	}
	return e.fatal
}

func (e *Engine) transition(ctx context.Context, to State) {
	from := State(e.state.Swap(int32(to)))
	if from == to {
		return
	}
	t := Transition{From: from, To: to, At: time.Now()}
	e.logger.Debug("dialogue: state change", "session_id", e.conv.Metadata().SessionID, "from", from, "to", to)
	if e.onTransition != nil {
		e.onTransition(t)
	}
	e.emit(ctx, events.TypeStateChanged, events.StateChange{From: from.String(), To: to.String()})
}

func (e *Engine) emit(ctx context.Context, t events.Type, data any) {
	if e.emitter != nil {
		e.emitter.Emit(ctx, t, data)
	}
}

// ─── Caller side ─────────────────────────────────────────────────────────────

func (e *Engine) onSpanOpened(ctx context.Context, s activity.Span) {
	e.openSpans++
	if e.active != nil && s.Confidence >= e.cfg.BargeInConfidence &&
		(e.State() == StateSpeaking || e.active.kind == speechFiller) {
		e.bargeIn(ctx, s)
		return
	}
	if e.State() == StateIdle {
		e.transition(ctx, StateListening)
	}
}

func (e *Engine) bargeIn(ctx context.Context, s activity.Span) {
	sp, next := e.active, e.pending
	e.active, e.pending = nil, nil
	e.playback.Interrupt()
	if sp != nil {
		sp.cancel()
		if sp.turnID != "" {
			// The caller started talking before the detector said so.
			d := max(0, e.sup.Now().Sub(sp.startedAt)-max(0, s.Detected-s.Start))
			e.conv.Amend(sp.turnID, func(t *Turn) {
				t.Duration = d
				t.Interrupted = true
			})
			if e.rec != nil {
				e.rec.AddTalkTime(SpeakerAgent, d)
			}
			if t, ok := e.lastTurn(sp.turnID); ok {
				e.emit(ctx, events.TypeTurnCompleted, t)
			}
		}
	}
	if e.rec != nil {
		e.rec.Interruption()
	}
	if e.metrics != nil {
		e.metrics.RecordBargeIn(ctx)
	}
	e.logger.Info("dialogue: barge-in", "session_id", e.conv.Metadata().SessionID)

	if (sp != nil && sp.handoff) || (next != nil && next.handoff) {
		e.handOff()
		return
	}
	if e.State() == StateSpeaking {
		e.transition(ctx, StateInterrupted)
		e.transition(ctx, StateListening)
		e.drainQueue(ctx)
	}
}

func (e *Engine) onInput(ctx context.Context, in input) {
	switch in.kind {
	case inSpanClosed:
		e.openSpans = max(0, e.openSpans-1)
		e.spans[in.span.ID] = spanInfo{closedAt: in.at, duration: in.span.Duration()}
	case inPartial:
		e.logger.Debug("dialogue: partial", "session_id", e.conv.Metadata().SessionID, "span_id", in.frag.SpanID)
	case inFinal:
		e.onFinal(ctx, in.frag, in.at)
	case inRecognitionFailed:
		e.recordError(in.err)
		switch e.State() {
		case StateIdle, StateListening:
			e.say(ctx, &speech{kind: speechReply, text: e.cfg.ClarificationUtterance})
		}
	}
}

func (e *Engine) onFinal(ctx context.Context, f recognition.Fragment, at time.Time) {
	text := strings.TrimSpace(f.Text)
	if text == "" {
		delete(e.spans, f.SpanID)
		return
	}
	if e.State() == StateSpeaking {
		e.queued = append(e.queued, f)
		return
	}
	if e.State() == StateReasoning && e.cancelReason != nil {
		e.cancelReason()
		e.cancelReason = nil
	}

	info, ok := e.spans[f.SpanID]
	delete(e.spans, f.SpanID)
	speechEnd := at
	if ok && !info.closedAt.IsZero() && !info.closedAt.After(at) {
		speechEnd = info.closedAt
	}

	turn, err := e.conv.Append(Turn{
		Speaker:   SpeakerCaller,
		Text:      text,
		Timestamp: time.Now(),
		Duration:  info.duration,
		Degraded:  f.Degraded,
	})
	if err != nil {
		e.logger.Warn("dialogue: drop caller turn", "session_id", e.conv.Metadata().SessionID, "err", err)
		return
	}
	if e.rec != nil {
		e.rec.AddTalkTime(SpeakerCaller, info.duration)
	}
	if e.metrics != nil {
		e.metrics.RecordTurn(ctx, string(SpeakerCaller))
	}
	e.emit(ctx, events.TypeTurnCompleted, turn)

	lt := e.sup.BeginTurn(turn.ID, speechEnd)
	lt.Observe(latency.StageRecognition, speechEnd, at)

	e.callerTurnID, e.callerText = turn.ID, text
	e.reasonTurn = lt
	e.replyStarted, e.fillerPlayed = false, false
	e.armSilence(speechEnd)

	e.transition(ctx, StateReasoning)
	e.startReasoning(ctx)
}

// drainQueue replays finals that arrived while the agent was speaking, in
// arrival order. Each one restarts reasoning over the grown context.
func (e *Engine) drainQueue(ctx context.Context) {
	for len(e.queued) > 0 && e.State() != StateSpeaking {
		f := e.queued[0]
		e.queued = e.queued[1:]
		e.onFinal(ctx, f, e.sup.Now())
	}
}

// ─── Reasoning ───────────────────────────────────────────────────────────────

func (e *Engine) startReasoning(ctx context.Context) {
	e.gen++
	gen := e.gen
	e.reasonGen = gen
	rctx, cancel := context.WithCancel(ctx)
	e.cancelReason = cancel

	fast := e.sup.FastMode()
	n, maxTokens := e.cfg.ContextTurns, e.cfg.MaxTokens
	if fast {
		n, maxTokens = e.cfg.FastContextTurns, e.cfg.FastMaxTokens
	}
	p := e.conv.Profile()
	req := Request{
		Turns:     e.conv.Recent(n, 0),
		Profile:   p,
		Missing:   p.Missing(),
		Persona:   e.cfg.Persona,
		Brief:     fast,
		MaxTokens: maxTokens,
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		start := e.sup.Now()
		res, err := e.reason(rctx, req)
		e.complete(completion{kind: doneReasoning, gen: gen, res: res, err: err, start: start, end: e.sup.Now()})
	}()
}

// reason calls the reasoner with a timeout and retries once on failure.
// Validation errors are not retried.
func (e *Engine) reason(ctx context.Context, req Request) (*Result, error) {
	var err error
	for attempt := range 2 {
		if attempt > 0 {
			t := time.NewTimer(e.cfg.ReasoningBackoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}
		actx, cancel := context.WithTimeout(ctx, e.cfg.ReasoningTimeout)
		var res *Result
		res, err = e.reasoner.Reason(actx, req)
		cancel()
		if err == nil || errors.Is(err, callerr.ErrValidation) || ctx.Err() != nil {
			return res, err
		}
		e.logger.Warn("dialogue: reasoning failed", "session_id", e.conv.Metadata().SessionID, "attempt", attempt+1, "err", err)
	}
	return nil, callerr.Wrap("reasoning", err)
}

func (e *Engine) onReasoned(ctx context.Context, c completion) {
	if c.gen != e.reasonGen || e.State() != StateReasoning {
		return
	}
	e.cancelReason = nil
	lt := e.reasonTurn
	if lt != nil {
		lt.Observe(latency.StageReasoning, c.start, c.end)
	}

	var (
		text    string
		handoff bool
		res     = c.res
	)
	switch {
	case c.err == nil && res != nil:
		e.fallbacks = 0
		text = res.Utterance
	case errors.Is(c.err, callerr.ErrValidation):
		e.recordError(c.err)
		e.logger.Warn("dialogue: malformed reasoning payload", "session_id", e.conv.Metadata().SessionID, "err", c.err)
		text = e.cfg.GenericUtterance
		if res != nil && res.Utterance != "" {
			text = res.Utterance
		}
	default:
		e.recordError(c.err)
		e.fallbacks++
		e.escalated.Store(true)
		text = e.cfg.FallbackUtterance
		if e.fallbacks >= e.cfg.DegradedAfter {
			handoff = true
			text = e.cfg.HandoffUtterance
		}
		res = nil
	}

	e.qualify(ctx, res)
	e.say(ctx, &speech{kind: speechReply, text: text, lt: lt, handoff: handoff})
}

// qualify feeds the reasoner's entities and the rule-based extraction of the
// caller turn into the scorer.
func (e *Engine) qualify(ctx context.Context, res *Result) {
	p := e.conv.Profile()
	rule := lead.Extract(e.callerText)

	var ents lead.Entities
	if res != nil {
		ents = res.Entities
		p = e.scorer.Update(p, res.Entities, res.Confidence)
		intent, sentiment := res.Intent, res.Sentiment
		e.conv.Amend(e.callerTurnID, func(t *Turn) {
			t.Intent = intent
			t.Sentiment = sentiment
		})
	}
	p = e.scorer.Update(p, rule, lead.RuleConfidence)
	merged := ents.Merge(rule)
	e.conv.Amend(e.callerTurnID, func(t *Turn) { t.Entities = merged })
	e.conv.SetProfile(p)

	e.emit(ctx, events.TypeQualificationUpdated, QualificationUpdate{
		TurnID:  e.callerTurnID,
		Score:   p.Score,
		Missing: p.Missing(),
		Profile: p,
	})
}

// ─── Speaking ────────────────────────────────────────────────────────────────

// say schedules a reply. It waits for a playing filler to finish.
func (e *Engine) say(ctx context.Context, sp *speech) {
	sp.queuedAt = e.sup.Now()
	e.transition(ctx, StateSpeaking)
	if e.active != nil {
		e.pending = sp
		return
	}
	e.launch(ctx, sp)
}

func (e *Engine) launch(ctx context.Context, sp *speech) {
	e.gen++
	sp.gen = e.gen
	if sp.queuedAt.IsZero() {
		sp.queuedAt = e.sup.Now()
	}
	sctx, cancel := context.WithCancel(ctx)
	sp.cancel = cancel
	e.active = sp

	gen, text := sp.gen, sp.text
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		res, err := e.synth.Speak(sctx, text, e.playback, func() {
			e.complete(completion{kind: doneSpeechStarted, gen: gen, start: e.sup.Now()})
		})
		e.complete(completion{kind: doneSpeechEnded, gen: gen, speech: res, err: err})
	}()
}

func (e *Engine) onCompletion(ctx context.Context, c completion) {
	switch c.kind {
	case doneReasoning:
		e.onReasoned(ctx, c)
	case doneSpeechStarted:
		e.onSpeechStarted(ctx, c)
	case doneSpeechEnded:
		e.onSpeechEnded(ctx, c)
	}
}

func (e *Engine) onSpeechStarted(ctx context.Context, c completion) {
	sp := e.active
	if sp == nil || sp.gen != c.gen {
		return
	}
	sp.startedAt = c.start
	if sp.kind == speechReply {
		e.replyStarted = true
		e.stopSilence()
		if sp.lt != nil {
			sp.lt.Observe(latency.StageSynthesisStart, sp.queuedAt, c.start)
			sp.lt.Finish(c.start)
		}
	} else if e.rec != nil {
		e.rec.Filler()
	}

	turn, err := e.conv.Append(Turn{Speaker: SpeakerAgent, Text: sp.text, Timestamp: time.Now()})
	if err != nil {
		e.logger.Warn("dialogue: drop agent turn", "session_id", e.conv.Metadata().SessionID, "err", err)
		return
	}
	sp.turnID = turn.ID
	if e.metrics != nil {
		e.metrics.RecordTurn(ctx, string(SpeakerAgent))
	}
}

func (e *Engine) onSpeechEnded(ctx context.Context, c completion) {
	sp := e.active
	if sp == nil || sp.gen != c.gen {
		return
	}
	e.active = nil

	if c.err != nil {
		e.recordError(c.err)
		e.logger.Warn("dialogue: synthesis failed", "session_id", e.conv.Metadata().SessionID, "err", c.err)
	}
	if sp.turnID != "" {
		d := c.speech.Played
		interrupted := c.speech.Interrupted
		e.conv.Amend(sp.turnID, func(t *Turn) {
			t.Duration = d
			t.Interrupted = interrupted
		})
		if e.rec != nil {
			e.rec.AddTalkTime(SpeakerAgent, d)
		}
		if t, ok := e.lastTurn(sp.turnID); ok {
			e.emit(ctx, events.TypeTurnCompleted, t)
		}
	}

	if sp.kind == speechFiller {
		if e.pending != nil {
			next := e.pending
			e.pending = nil
			e.launch(ctx, next)
		}
		return
	}

	if sp.handoff {
		e.handOff()
		return
	}
	e.transition(ctx, StateIdle)
	e.drainQueue(ctx)
}

// handOff ends the run once the handoff utterance is over, played out or cut
// short by the caller.
func (e *Engine) handOff() {
	e.fatal = callerr.New(callerr.ProviderUnavailable, "dialogue",
		fmt.Errorf("dialogue: handed off after %d failed turns", e.fallbacks))
}

// ─── Max silence ─────────────────────────────────────────────────────────────

func (e *Engine) armSilence(speechEnd time.Time) {
	e.stopSilence()
	d := e.cfg.MaxSilence - e.sup.Now().Sub(speechEnd)
	if d < 0 {
		d = 0
	}
	e.silence = time.NewTimer(d)
	e.silenceC = e.silence.C
}

func (e *Engine) stopSilence() {
	if e.silence != nil {
		e.silence.Stop()
		e.silence = nil
	}
	e.silenceC = nil
}

func (e *Engine) onSilence(ctx context.Context) {
	e.silence = nil
	if e.replyStarted || e.fillerPlayed || e.active != nil || e.openSpans > 0 || e.State() != StateReasoning {
		return
	}
	e.fillerPlayed = true
	e.launch(ctx, &speech{kind: speechFiller, text: e.cfg.FillerUtterance})
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (e *Engine) recordError(err error) {
	if err != nil && e.rec != nil {
		e.rec.Error(err)
	}
}

func (e *Engine) lastTurn(id string) (Turn, bool) {
	return e.conv.Amend(id, func(*Turn) {})
}
