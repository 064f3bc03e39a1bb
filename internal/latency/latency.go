// Package latency supervises the per-turn latency budget of a call session.
//
// A turn starts when the caller stops speaking and ends when the agent's
// first audio frame reaches playback. The stages in between (recognition,
// reasoning, synthesis start) are each measured once. A stage over its
// budget is reported through the OnExceeded hook. Several breached turns in a
// row switch the session into fast mode, where the dialogue engine trims its
// context and answers shorter; enough healthy turns switch it back.
//
// One Supervisor belongs to one session.
package latency

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/leadvox/internal/callerr"
	"github.com/MrWong99/leadvox/internal/observe"
)

// Stage names a measured part of a turn.
type Stage string

const (
	StageRecognition    Stage = observe.StageRecognition
	StageReasoning      Stage = observe.StageReasoning
	StageSynthesisStart Stage = observe.StageSynthesisStart
	StageTotal          Stage = observe.StageTotal
)

// Budget is the per-stage latency ceiling.
type Budget struct {
	Recognition    time.Duration
	Reasoning      time.Duration
	SynthesisStart time.Duration
	Total          time.Duration
}

// DefaultBudget is the 180 ms turn budget.
func DefaultBudget() Budget {
	return Budget{
		Recognition:    100 * time.Millisecond,
		Reasoning:      50 * time.Millisecond,
		SynthesisStart: 80 * time.Millisecond,
		Total:          180 * time.Millisecond,
	}
}

// For returns the budget of s, or zero (unbounded) for an unknown stage.
func (b Budget) For(s Stage) time.Duration {
	switch s {
	case StageRecognition:
		return b.Recognition
	case StageReasoning:
		return b.Reasoning
	case StageSynthesisStart:
		return b.SynthesisStart
	case StageTotal:
		return b.Total
	}
	return 0
}

// Measurement is one stage of one turn.
type Measurement struct {
	Stage     Stage         `json:"stage"`
	TurnID    string        `json:"turn_id"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Exceeded describes a stage that went over budget.
type Exceeded struct {
	TurnID  string        `json:"turn_id"`
	Stage   Stage         `json:"stage"`
	Elapsed time.Duration `json:"elapsed"`
	Budget  time.Duration `json:"budget"`
}

// Err returns the breach as a non-fatal [callerr.ErrBudgetExceeded].
func (e Exceeded) Err() error {
	return callerr.New(callerr.BudgetExceeded, string(e.Stage),
		fmt.Errorf("turn %s took %v, budget %v", e.TurnID, e.Elapsed, e.Budget))
}

// Report is the outcome of a finished turn.
type Report struct {
	TurnID       string        `json:"turn_id"`
	Measurements []Measurement `json:"measurements"`
	Total        time.Duration `json:"total"`
	Exceeded     []Exceeded    `json:"exceeded,omitempty"`

	// FastMode is the session mode after this turn.
	FastMode bool `json:"fast_mode"`

	// FastModeChanged reports whether this turn switched the mode.
	FastModeChanged bool `json:"fast_mode_changed"`
}

// Percentiles are nearest-rank latency percentiles of recent turns.
type Percentiles struct {
	P50 time.Duration `json:"p50"`
	P95 time.Duration `json:"p95"`
	P99 time.Duration `json:"p99"`
	N   int           `json:"n"`
}

// Supervisor tracks turn latency for one session. It is safe for concurrent
// use.
type Supervisor struct {
	budget        Budget
	fastModeAfter int
	recoverAfter  int
	window        int
	onExceeded    func(Exceeded)
	onMode        func(fast bool)
	metrics       *observe.Metrics
	now           func() time.Time
	log           *slog.Logger

	mu        sync.Mutex
	breached  int
	healthy   int
	fast      bool
	fastTurns int
	samples   map[Stage]*ring
}

// Option configures a [Supervisor].
type Option func(*Supervisor)

// WithBudget overrides [DefaultBudget].
func WithBudget(b Budget) Option {
	return func(s *Supervisor) { s.budget = b }
}

// WithFastModeAfter sets how many consecutive breached turns enter fast mode.
// Default 3.
func WithFastModeAfter(n int) Option {
	return func(s *Supervisor) { s.fastModeAfter = n }
}

// WithRecoverAfter sets how many consecutive healthy turns leave fast mode.
// Zero keeps fast mode for the rest of the session. Default 5.
func WithRecoverAfter(n int) Option {
	return func(s *Supervisor) { s.recoverAfter = n }
}

// WithWindow sets how many samples per stage the percentiles cover.
// Default 200.
func WithWindow(n int) Option {
	return func(s *Supervisor) { s.window = n }
}

// WithOnExceeded registers a hook called for every over-budget stage. It is
// called synchronously and must not block.
func WithOnExceeded(fn func(Exceeded)) Option {
	return func(s *Supervisor) { s.onExceeded = fn }
}

// WithOnModeChange registers a hook called when fast mode is entered or left.
func WithOnModeChange(fn func(fast bool)) Option {
	return func(s *Supervisor) { s.onMode = fn }
}

// WithMetrics records stage histograms and breach counters on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.log = l }
}

// New creates a Supervisor.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		budget:        DefaultBudget(),
		fastModeAfter: 3,
		recoverAfter:  5,
		window:        200,
		now:           time.Now,
		log:           slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.fastModeAfter <= 0 {
		s.fastModeAfter = 3
	}
	if s.window <= 0 {
		s.window = 200
	}
	s.samples = map[Stage]*ring{
		StageRecognition:    newRing(s.window),
		StageReasoning:      newRing(s.window),
		StageSynthesisStart: newRing(s.window),
		StageTotal:          newRing(s.window),
	}
	return s
}

// Now returns the supervisor clock's current time.
func (s *Supervisor) Now() time.Time { return s.now() }

// Budget returns the configured budget.
func (s *Supervisor) Budget() Budget { return s.budget }

// FastMode reports whether the session is in fast mode.
func (s *Supervisor) FastMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fast
}

// FastModeTurns returns how many turns finished while in fast mode.
func (s *Supervisor) FastModeTurns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fastTurns
}

// Percentiles returns the per-stage percentiles of recent turns.
func (s *Supervisor) Percentiles() map[Stage]Percentiles {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Stage]Percentiles, len(s.samples))
	for st, r := range s.samples {
		out[st] = r.percentiles()
	}
	return out
}

// BeginTurn starts measuring a turn whose caller speech ended at speechEnd.
func (s *Supervisor) BeginTurn(turnID string, speechEnd time.Time) *Turn {
	return &Turn{sup: s, id: turnID, speechEnd: speechEnd, lastEnd: speechEnd}
}

func (s *Supervisor) exceeded(e Exceeded) {
	s.log.Warn("latency budget exceeded",
		"turn_id", e.TurnID, "stage", e.Stage, "elapsed", e.Elapsed, "budget", e.Budget)
	if s.metrics != nil {
		s.metrics.RecordLatencyExceeded(context.Background(), string(e.Stage))
	}
	if s.onExceeded != nil {
		s.onExceeded(e)
	}
}

func (s *Supervisor) record(st Stage, d time.Duration) {
	s.mu.Lock()
	s.samples[st].add(d)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordStage(context.Background(), string(st), d)
	}
}

// settle updates the fast-mode counters with one finished turn and reports
// the resulting mode and whether it changed.
func (s *Supervisor) settle(breached bool) (fast, changed bool) {
	s.mu.Lock()
	if s.fast {
		s.fastTurns++
	}
	if breached {
		s.breached++
		s.healthy = 0
	} else {
		s.healthy++
		s.breached = 0
	}
	switch {
	case !s.fast && s.breached >= s.fastModeAfter:
		s.fast, changed = true, true
		s.breached = 0
	case s.fast && s.recoverAfter > 0 && s.healthy >= s.recoverAfter:
		s.fast, changed = false, true
		s.healthy = 0
	}
	fast = s.fast
	s.mu.Unlock()

	if changed {
		s.log.Info("fast mode changed", "fast_mode", fast)
		if s.onMode != nil {
			s.onMode(fast)
		}
	}
	return fast, changed
}

// ─── Turn ────────────────────────────────────────────────────────────────────

// Turn measures one caller-to-agent turn. Stage intervals are clamped so that
// they never overlap and lie inside [speechEnd, audioStart]; the stage sum is
// therefore never larger than the total.
//
// A Turn is used by one goroutine at a time.
type Turn struct {
	sup       *Supervisor
	id        string
	speechEnd time.Time
	lastEnd   time.Time
	meas      []Measurement
	exceeded  []Exceeded
	finished  bool
}

// ID returns the turn id.
func (t *Turn) ID() string { return t.id }

// Observe records stage as running from start to end. Each stage is recorded
// at most once; later observations of the same stage are ignored and reported
// as false.
func (t *Turn) Observe(stage Stage, start, end time.Time) bool {
	if t.finished || stage == StageTotal {
		return false
	}
	if slices.ContainsFunc(t.meas, func(m Measurement) bool { return m.Stage == stage }) {
		return false
	}
	if start.Before(t.lastEnd) {
		start = t.lastEnd
	}
	if end.Before(start) {
		end = start
	}
	t.lastEnd = end

	m := Measurement{Stage: stage, TurnID: t.id, StartedAt: start, Elapsed: end.Sub(start)}
	t.meas = append(t.meas, m)
	t.sup.record(stage, m.Elapsed)
	t.check(stage, m.Elapsed)
	return true
}

// Since is a convenience for Observe(stage, start, now).
func (t *Turn) Since(stage Stage, start time.Time) bool {
	return t.Observe(stage, start, t.sup.now())
}

func (t *Turn) check(stage Stage, elapsed time.Duration) {
	b := t.sup.budget.For(stage)
	if b <= 0 || elapsed <= b {
		return
	}
	e := Exceeded{TurnID: t.id, Stage: stage, Elapsed: elapsed, Budget: b}
	t.exceeded = append(t.exceeded, e)
	t.sup.exceeded(e)
}

// Finish closes the turn at the moment the agent's first audio reached
// playback and updates the session's fast-mode state. A second call returns
// an empty report.
func (t *Turn) Finish(audioStart time.Time) Report {
	if t.finished {
		return Report{TurnID: t.id}
	}
	t.finished = true
	if audioStart.Before(t.lastEnd) {
		audioStart = t.lastEnd
	}
	total := audioStart.Sub(t.speechEnd)
	t.sup.record(StageTotal, total)
	t.check(StageTotal, total)

	fast, changed := t.sup.settle(len(t.exceeded) > 0)
	return Report{
		TurnID:          t.id,
		Measurements:    slices.Clone(t.meas),
		Total:           total,
		Exceeded:        slices.Clone(t.exceeded),
		FastMode:        fast,
		FastModeChanged: changed,
	}
}

// ─── ring ────────────────────────────────────────────────────────────────────

// ring is a bounded buffer of the most recent samples.
type ring struct {
	data []time.Duration
	pos  int
	full bool
}

func newRing(size int) *ring { return &ring{data: make([]time.Duration, size)} }

func (r *ring) add(d time.Duration) {
	r.data[r.pos] = d
	r.pos++
	if r.pos == len(r.data) {
		r.pos = 0
		r.full = true
	}
}

func (r *ring) percentiles() Percentiles {
	n := r.pos
	if r.full {
		n = len(r.data)
	}
	if n == 0 {
		return Percentiles{}
	}
	sorted := slices.Clone(r.data[:n])
	slices.Sort(sorted)
	return Percentiles{
		P50: nearestRank(sorted, 0.50),
		P95: nearestRank(sorted, 0.95),
		P99: nearestRank(sorted, 0.99),
		N:   n,
	}
}

func nearestRank(sorted []time.Duration, p float64) time.Duration {
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	return sorted[min(max(idx, 0), len(sorted)-1)]
}
