package latency_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/leadvox/internal/callerr"
	"github.com/MrWong99/leadvox/internal/latency"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func at(n int) time.Time { return t0.Add(ms(n)) }

type hooks struct {
	mu       sync.Mutex
	exceeded []latency.Exceeded
	modes    []bool
}

func (h *hooks) opts() []latency.Option {
	return []latency.Option{
		latency.WithOnExceeded(func(e latency.Exceeded) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.exceeded = append(h.exceeded, e)
		}),
		latency.WithOnModeChange(func(fast bool) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.modes = append(h.modes, fast)
		}),
	}
}

// runTurn measures one turn starting at offset base with the given stage
// durations laid end to end.
func runTurn(s *latency.Supervisor, id string, base, rec, reason, synth int) latency.Report {
	tr := s.BeginTurn(id, at(base))
	tr.Observe(latency.StageRecognition, at(base), at(base+rec))
	tr.Observe(latency.StageReasoning, at(base+rec), at(base+rec+reason))
	tr.Observe(latency.StageSynthesisStart, at(base+rec+reason), at(base+rec+reason+synth))
	return tr.Finish(at(base + rec + reason + synth))
}

func TestTurn_HealthyWithinBudget(t *testing.T) {
	t.Parallel()
	var h hooks
	s := latency.New(h.opts()...)

	r := runTurn(s, "t1", 0, 60, 40, 50)
	if r.Total != ms(150) {
		t.Errorf("Total = %v, want 150ms", r.Total)
	}
	if len(r.Exceeded) != 0 || len(h.exceeded) != 0 {
		t.Errorf("unexpected breaches: %+v", r.Exceeded)
	}
	if len(r.Measurements) != 3 {
		t.Errorf("measurements = %d, want 3", len(r.Measurements))
	}
}

func TestTurn_StageSumNeverExceedsTotal(t *testing.T) {
	t.Parallel()
	s := latency.New()
	tr := s.BeginTurn("t1", at(100))

	// Overlapping and out-of-window intervals are clamped.
	tr.Observe(latency.StageRecognition, at(50), at(180))
	tr.Observe(latency.StageReasoning, at(150), at(230))
	tr.Observe(latency.StageSynthesisStart, at(220), at(210))
	r := tr.Finish(at(200))

	var sum time.Duration
	prevEnd := at(100)
	for _, m := range r.Measurements {
		if m.StartedAt.Before(prevEnd) {
			t.Errorf("%s starts at %v, before previous end %v", m.Stage, m.StartedAt, prevEnd)
		}
		prevEnd = m.StartedAt.Add(m.Elapsed)
		sum += m.Elapsed
	}
	if sum > r.Total {
		t.Errorf("stage sum %v > total %v", sum, r.Total)
	}
	if r.Total != ms(130) {
		t.Errorf("Total = %v, want 130ms (audio start clamped to last stage end)", r.Total)
	}
}

func TestTurn_ObserveOncePerStage(t *testing.T) {
	t.Parallel()
	s := latency.New()
	tr := s.BeginTurn("t1", at(0))
	if !tr.Observe(latency.StageRecognition, at(0), at(10)) {
		t.Fatal("first Observe rejected")
	}
	if tr.Observe(latency.StageRecognition, at(10), at(20)) {
		t.Error("second Observe of the same stage accepted")
	}
	if tr.Observe(latency.StageTotal, at(0), at(20)) {
		t.Error("total must only come from Finish")
	}
	r := tr.Finish(at(20))
	if len(r.Measurements) != 1 {
		t.Errorf("measurements = %d, want 1", len(r.Measurements))
	}
	if again := tr.Finish(at(30)); len(again.Measurements) != 0 {
		t.Error("second Finish should return an empty report")
	}
}

func TestTurn_ExceededHookAndError(t *testing.T) {
	t.Parallel()
	var h hooks
	s := latency.New(h.opts()...)

	r := runTurn(s, "t1", 0, 150, 40, 50)
	if len(r.Exceeded) != 2 {
		t.Fatalf("Exceeded = %+v, want recognition and total", r.Exceeded)
	}
	if r.Exceeded[0].Stage != latency.StageRecognition || r.Exceeded[0].Elapsed != ms(150) {
		t.Errorf("first breach = %+v", r.Exceeded[0])
	}
	if r.Exceeded[1].Stage != latency.StageTotal {
		t.Errorf("second breach = %+v", r.Exceeded[1])
	}
	if len(h.exceeded) != 2 {
		t.Errorf("hook called %d times, want 2", len(h.exceeded))
	}
	if err := r.Exceeded[0].Err(); !errors.Is(err, callerr.ErrBudgetExceeded) {
		t.Errorf("Err() = %v, want ErrBudgetExceeded", err)
	}
	if callerr.KindOf(r.Exceeded[0].Err()).Fatal() {
		t.Error("budget breach must not be fatal")
	}
}

// A slow recognition stage on three consecutive turns switches the session to
// fast mode; it stays there until five healthy turns in a row.
func TestSupervisor_FastModeAndRecovery(t *testing.T) {
	t.Parallel()
	var h hooks
	s := latency.New(h.opts()...)

	for i := range 2 {
		r := runTurn(s, "slow", i*1000, 150, 40, 50)
		if r.FastMode {
			t.Fatalf("fast mode after %d breached turns", i+1)
		}
	}
	r := runTurn(s, "slow", 2000, 150, 40, 50)
	if !r.FastMode || !r.FastModeChanged || !s.FastMode() {
		t.Fatalf("third breached turn: report %+v, FastMode() = %v", r, s.FastMode())
	}

	// A breach in the middle resets the healthy streak.
	for i := range 4 {
		runTurn(s, "ok", 3000+i*1000, 50, 40, 50)
	}
	runTurn(s, "slow", 7000, 150, 40, 50)
	for i := range 4 {
		if r := runTurn(s, "ok", 8000+i*1000, 50, 40, 50); !r.FastMode {
			t.Fatalf("left fast mode after %d healthy turns", i+1)
		}
	}
	r = runTurn(s, "ok", 12000, 50, 40, 50)
	if r.FastMode || !r.FastModeChanged {
		t.Fatalf("fifth healthy turn: %+v", r)
	}

	if len(h.modes) != 2 || !h.modes[0] || h.modes[1] {
		t.Errorf("mode changes = %v, want [true false]", h.modes)
	}
	// Turns 4..13 finished while fast.
	if got := s.FastModeTurns(); got != 10 {
		t.Errorf("FastModeTurns = %d, want 10", got)
	}
}

func TestSupervisor_RecoverAfterZeroNeverRecovers(t *testing.T) {
	t.Parallel()
	s := latency.New(latency.WithFastModeAfter(1), latency.WithRecoverAfter(0))

	runTurn(s, "slow", 0, 150, 40, 50)
	for i := range 20 {
		runTurn(s, "ok", 1000+i*1000, 10, 10, 10)
	}
	if !s.FastMode() {
		t.Error("left fast mode with RecoverAfter 0")
	}
}

func TestSupervisor_Percentiles(t *testing.T) {
	t.Parallel()
	s := latency.New(latency.WithWindow(10))

	// 15 turns: only the last 10 recognition samples (60..150ms) remain.
	for i := range 15 {
		runTurn(s, "t", i*1000, (i+1)*10, 10, 10)
	}
	p := s.Percentiles()[latency.StageRecognition]
	if p.N != 10 {
		t.Fatalf("N = %d, want 10", p.N)
	}
	if p.P50 != ms(100) || p.P95 != ms(150) || p.P99 != ms(150) {
		t.Errorf("percentiles = %+v", p)
	}
	if s.Percentiles()[latency.StageTotal].N != 10 {
		t.Error("total samples not recorded")
	}
}

func TestTurn_SinceUsesClock(t *testing.T) {
	t.Parallel()
	now := at(0)
	s := latency.New(latency.WithClock(func() time.Time { return now }))
	tr := s.BeginTurn("t", at(0))
	now = at(30)
	tr.Since(latency.StageRecognition, at(0))
	r := tr.Finish(s.Now())
	if r.Measurements[0].Elapsed != ms(30) || r.Total != ms(30) {
		t.Errorf("report = %+v", r)
	}
}
