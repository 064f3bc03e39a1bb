// Package session runs phone calls end to end.
//
// The [Orchestrator] owns every live call. Each call is one errgroup of four
// goroutines sharing a cancellable context:
//
//   - the frame loop reads normalised frames from the call leg, runs voice
//     activity detection inline and feeds span audio to recognition;
//   - the recognition loop finalises closed spans in order and hands the
//     finals to the dialogue engine;
//   - the transcript loop forwards partial and final fragments;
//   - the dialogue engine loop.
//
// When any of them fails, the caller hangs up or the call is ended, the group
// is cancelled, provider calls are aborted and a [Summary] is built, emitted
// as a session_ended event and handed to every summary sink. The summary is
// produced on every exit path, including failures.
package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/leadvox/internal/activity"
	"github.com/MrWong99/leadvox/internal/analytics"
	"github.com/MrWong99/leadvox/internal/dialogue"
	"github.com/MrWong99/leadvox/internal/events"
	"github.com/MrWong99/leadvox/internal/latency"
	"github.com/MrWong99/leadvox/internal/lead"
	"github.com/MrWong99/leadvox/internal/observe"
	"github.com/MrWong99/leadvox/internal/store"
	"github.com/MrWong99/leadvox/pkg/audio"
	"github.com/MrWong99/leadvox/pkg/provider/stt"
	"github.com/MrWong99/leadvox/pkg/provider/vad"
)

var (
	// ErrNotFound is returned for an unknown or no longer retained session.
	ErrNotFound = errors.New("session: not found")

	// ErrShuttingDown is returned by StartSession after Shutdown began.
	ErrShuttingDown = errors.New("session: orchestrator is shutting down")
)

const defaultRetention = 15 * time.Minute

// CallMetadata describes an inbound call as announced by the telephony leg.
type CallMetadata struct {
	CallID  string `json:"call_id,omitempty"`
	LeadID  string `json:"lead_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	Channel string `json:"channel,omitempty"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
}

// EndReason says why a session ended.
type EndReason string

const (
	EndHangup              EndReason = "hangup"
	EndRequested           EndReason = "ended"
	EndShutdown            EndReason = "shutdown"
	EndTransportError      EndReason = "transport_error"
	EndProviderUnavailable EndReason = "provider_unavailable"
	EndError               EndReason = "error"
)

// Summary is the hand-off document of a finished call.
type Summary struct {
	SessionID string        `json:"session_id"`
	Meta      CallMetadata  `json:"meta"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Duration  time.Duration `json:"duration"`
	EndReason EndReason     `json:"end_reason"`
	Error     string        `json:"error,omitempty"`
	Escalated bool          `json:"escalated"`

	Turns   []dialogue.Turn  `json:"turns"`
	Profile lead.Profile     `json:"profile"`
	Report  analytics.Report `json:"report"`

	// Recap is a free-text CRM note. Empty when no recapper is configured.
	Recap string `json:"recap,omitempty"`
}

// Info describes a live session.
type Info struct {
	ID        string       `json:"id"`
	Meta      CallMetadata `json:"meta"`
	StartedAt time.Time    `json:"started_at"`
	State     string       `json:"state"`
	Score     int          `json:"score"`
	FastMode  bool         `json:"fast_mode"`
	Escalated bool         `json:"escalated"`
}

// Deps are the shared collaborators of every session. STT, VAD, Reasoner and
// Synth are required.
type Deps struct {
	STT      stt.Provider
	VAD      vad.Engine
	Reasoner dialogue.Reasoner
	Synth    dialogue.Synthesizer

	EventSinks   []events.Sink
	SummarySinks []store.SummarySink

	// Recapper, when set, adds a free-text note to every summary.
	Recapper Recapper

	Metrics *observe.Metrics
}

func (d Deps) validate() error {
	var errs []error
	if d.STT == nil {
		errs = append(errs, errors.New("session: stt provider is required"))
	}
	if d.VAD == nil {
		errs = append(errs, errors.New("session: vad engine is required"))
	}
	if d.Reasoner == nil {
		errs = append(errs, errors.New("session: reasoner is required"))
	}
	if d.Synth == nil {
		errs = append(errs, errors.New("session: synthesizer is required"))
	}
	return errors.Join(errs...)
}

// Settings are the per-session tunables. They are read when a session starts;
// changing them never affects running sessions.
type Settings struct {
	SampleRate   int
	FrameSize    time.Duration
	RingDuration time.Duration
	StallTimeout time.Duration

	Activity activity.Config

	FinalTimeout       time.Duration
	RecognitionBackoff time.Duration
	Language           string
	Keywords           []string

	MaxContextTurns int
	Dialogue        dialogue.Config

	Budget        latency.Budget
	FastModeAfter int
	RecoverAfter  int

	ServiceAreas []string
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		SampleRate:         audio.DefaultSampleRate,
		FrameSize:          audio.DefaultFrameSize,
		RingDuration:       2 * time.Second,
		StallTimeout:       3 * time.Second,
		Activity:           activity.DefaultConfig(),
		FinalTimeout:       500 * time.Millisecond,
		RecognitionBackoff: 100 * time.Millisecond,
		MaxContextTurns:    50,
		Dialogue:           dialogue.DefaultConfig(),
		Budget:             latency.DefaultBudget(),
		FastModeAfter:      3,
		RecoverAfter:       5,
	}
}

// Orchestrator runs call sessions. All exported methods are safe for
// concurrent use.
type Orchestrator struct {
	deps      Deps
	settings  atomic.Pointer[Settings]
	retention time.Duration
	pacing    bool
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	active  map[string]*call
	ended   map[string]*call
	closing bool
	wg      sync.WaitGroup
}

// Option is a functional option for [New].
type Option func(*Orchestrator)

// WithSettings sets the initial session settings. Default: [DefaultSettings].
func WithSettings(s Settings) Option {
	return func(o *Orchestrator) { o.settings.Store(&s) }
}

// WithRetention sets how long finished summaries stay available through
// [Orchestrator.Summary]. Default: 15m.
func WithRetention(d time.Duration) Option {
	return func(o *Orchestrator) { o.retention = d }
}

// WithPlaybackPacing enables or disables real-time pacing of agent audio.
// Tests disable it. Default: enabled.
func WithPlaybackPacing(enabled bool) Option {
	return func(o *Orchestrator) { o.pacing = enabled }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock overrides the wall clock used for session timestamps and the
// latency supervisors.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator. Dependencies are checked when a session
// starts.
func New(deps Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		deps:      deps,
		retention: defaultRetention,
		pacing:    true,
		logger:    slog.Default(),
		now:       time.Now,
		active:    make(map[string]*call),
		ended:     make(map[string]*call),
	}
	def := DefaultSettings()
	o.settings.Store(&def)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Settings returns the settings new sessions will use.
func (o *Orchestrator) Settings() Settings { return *o.settings.Load() }

// SetSettings replaces the settings for sessions started afterwards.
func (o *Orchestrator) SetSettings(s Settings) {
	o.settings.Store(&s)
	o.logger.Info("session: settings updated for new sessions")
}

// StartSession starts a session on t and returns its id. The session takes
// ownership of t and closes it when it ends. The session outlives ctx; only
// its values are kept.
func (o *Orchestrator) StartSession(ctx context.Context, meta CallMetadata, t audio.Transport) (string, error) {
	if err := o.deps.validate(); err != nil {
		_ = t.Close()
		return "", err
	}
	o.mu.Lock()
	closing := o.closing
	o.mu.Unlock()
	if closing {
		_ = t.Close()
		return "", ErrShuttingDown
	}

	id := uuid.NewString()
	c, err := o.newCall(ctx, id, meta, t, o.Settings())
	if err != nil {
		_ = t.Close()
		return "", err
	}

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		c.abort()
		return "", ErrShuttingDown
	}
	o.active[id] = c
	o.wg.Add(1)
	o.mu.Unlock()

	if m := o.deps.Metrics; m != nil {
		m.ActiveSessions.Add(ctx, 1)
	}
	c.log.Info("session started", "call_id", meta.CallID, "lead_id", meta.LeadID, "from", meta.From)

	go func() {
		defer o.wg.Done()
		o.run(c)
	}()
	return id, nil
}

// EndSession ends the session and returns its summary. Ending a session that
// already ended on its own returns the retained summary.
func (o *Orchestrator) EndSession(ctx context.Context, id string) (*Summary, error) {
	o.mu.Lock()
	c, live := o.active[id]
	if !live {
		c = o.ended[id]
	}
	o.mu.Unlock()
	if c == nil {
		return nil, ErrNotFound
	}
	if live {
		c.cancel(errEndRequested)
	}
	select {
	case <-c.done:
		return c.summary, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed when the session has ended and its summary
// is available. It returns nil for an unknown session.
func (o *Orchestrator) Done(id string) <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.active[id]; ok {
		return c.done
	}
	if c, ok := o.ended[id]; ok {
		return c.done
	}
	return nil
}

// Subscribe subscribes to the event stream of a live session. The channel
// closes when the session ends or cancel is called.
func (o *Orchestrator) Subscribe(id string) (<-chan events.Event, func(), error) {
	o.mu.Lock()
	c, ok := o.active[id]
	o.mu.Unlock()
	if !ok {
		return nil, nil, ErrNotFound
	}
	ch, cancel := c.bus.Subscribe()
	return ch, cancel, nil
}

// Active lists the live sessions, oldest first.
func (o *Orchestrator) Active() []Info {
	o.mu.Lock()
	calls := make([]*call, 0, len(o.active))
	for _, c := range o.active {
		calls = append(calls, c)
	}
	o.mu.Unlock()

	out := make([]Info, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.info())
	}
	slices.SortFunc(out, func(a, b Info) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// Info returns the state of a live session.
func (o *Orchestrator) Info(id string) (Info, bool) {
	o.mu.Lock()
	c, ok := o.active[id]
	o.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return c.info(), true
}

// Summary returns the summary of a finished session while it is retained.
func (o *Orchestrator) Summary(id string) (*Summary, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pruneLocked()
	c, ok := o.ended[id]
	if !ok {
		return nil, false
	}
	return c.summary, true
}

// Shutdown ends every live session and waits until their summaries were
// delivered or ctx is done. New sessions are refused afterwards.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	for _, c := range o.active {
		c.cancel(errShutdown)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) run(c *call) {
	err := c.run()
	reason := c.endReason(err)
	if err != nil && reason != EndHangup {
		c.log.Warn("session failed", "reason", reason, "err", err)
	}
	c.summary = c.finish(reason, err, o.deps)

	o.mu.Lock()
	delete(o.active, c.id)
	o.ended[c.id] = c
	o.pruneLocked()
	o.mu.Unlock()

	if m := o.deps.Metrics; m != nil {
		m.ActiveSessions.Add(context.Background(), -1)
	}
	close(c.done)
	c.log.Info("session ended", "reason", reason, "turns", len(c.summary.Turns), "score", c.summary.Report.Qualification.Score)
}

func (o *Orchestrator) pruneLocked() {
	if o.retention <= 0 {
		return
	}
	cutoff := o.now().Add(-o.retention)
	for id, c := range o.ended {
		if c.summary != nil && c.summary.EndedAt.Before(cutoff) {
			delete(o.ended, id)
		}
	}
}
