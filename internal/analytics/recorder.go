// Package analytics derives conversation analytics for a call session.
//
// [Recorder] accumulates the rolling session metrics while the call runs.
// [Summarize] turns the finished conversation into a [Report]; it only reads
// its inputs.
package analytics

import (
	"maps"
	"sync"
	"time"

	"github.com/MrWong99/leadvox/internal/callerr"
	"github.com/MrWong99/leadvox/internal/dialogue"
	"github.com/MrWong99/leadvox/internal/latency"
)

// SessionMetrics are the rolling counters of one session.
type SessionMetrics struct {
	TalkTime      map[dialogue.Speaker]time.Duration    `json:"talk_time"`
	Interruptions int                                   `json:"interruptions"`
	Errors        map[string]int                        `json:"errors,omitempty"`
	FastModeTurns int                                   `json:"fast_mode_turns"`
	Fillers       int                                   `json:"fillers"`
	DroppedFrames uint64                                `json:"dropped_frames"`
	Latency       map[latency.Stage]latency.Percentiles `json:"latency,omitempty"`
}

// LatencySource provides the latency side of the metrics. It is satisfied by
// [*latency.Supervisor].
type LatencySource interface {
	Percentiles() map[latency.Stage]latency.Percentiles
	FastModeTurns() int
}

// Recorder holds the session's [SessionMetrics]. It is safe for concurrent
// use.
type Recorder struct {
	mu  sync.Mutex
	m   SessionMetrics
	lat LatencySource
}

// NewRecorder returns an empty Recorder. lat may be nil.
func NewRecorder(lat LatencySource) *Recorder {
	return &Recorder{
		m: SessionMetrics{
			TalkTime: map[dialogue.Speaker]time.Duration{},
			Errors:   map[string]int{},
		},
		lat: lat,
	}
}

// AddTalkTime adds d to the speaker's talk time.
func (r *Recorder) AddTalkTime(s dialogue.Speaker, d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.TalkTime[s] += d
}

// Interruption counts one barge-in.
func (r *Recorder) Interruption() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.Interruptions++
}

// Filler counts one filler acknowledgement.
func (r *Recorder) Filler() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.Fillers++
}

// Error counts err under its [callerr.Kind].
func (r *Recorder) Error(err error) {
	if err == nil {
		return
	}
	k := callerr.KindOf(err).String()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.Errors[k]++
}

// SetDroppedFrames records the capture ring's eviction count.
func (r *Recorder) SetDroppedFrames(n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.DroppedFrames = n
}

// Snapshot returns a copy of the current metrics.
func (r *Recorder) Snapshot() SessionMetrics {
	r.mu.Lock()
	m := r.m
	m.TalkTime = maps.Clone(r.m.TalkTime)
	m.Errors = maps.Clone(r.m.Errors)
	r.mu.Unlock()

	if r.lat != nil {
		m.Latency = r.lat.Percentiles()
		m.FastModeTurns = r.lat.FastModeTurns()
	}
	return m
}
