// Package events carries the typed, timestamped event stream of a call
// session.
//
// Every session owns a [Bus]. Components emit into it; in-process
// subscribers (the WebSocket feed, tests) receive events on bounded channels,
// and [Sink]s such as the AMQP publisher or the structured-log sink receive
// them from a single delivery goroutine so a slow broker never stalls the
// voice path.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Type names an event.
type Type string

const (
	TypeVoiceActivity        Type = "voice_activity"
	TypeTranscript           Type = "transcript"
	TypeTurnCompleted        Type = "turn_completed"
	TypeQualificationUpdated Type = "qualification_updated"
	TypeLatencyExceeded      Type = "latency_exceeded"
	TypeStateChanged         Type = "state_changed"
	TypeSessionEnded         Type = "session_ended"
)

const (
	defaultSubscriberBuffer = 64
	defaultSinkQueue        = 256
)

// Event is one entry of a session's event stream. Data is a JSON-encodable
// payload specific to Type.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	Time      time.Time `json:"time"`
	Data      any       `json:"data,omitempty"`
}

// Sink receives every event of the sessions it is attached to.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// VoiceActivity is the payload of [TypeVoiceActivity].
type VoiceActivity struct {
	SpanID     string        `json:"span_id"`
	Opened     bool          `json:"opened"`
	Start      time.Duration `json:"start"`
	End        time.Duration `json:"end,omitempty"`
	Confidence float64       `json:"confidence"`
}

// Transcript is the payload of [TypeTranscript].
type Transcript struct {
	SpanID     string  `json:"span_id"`
	Text       string  `json:"text"`
	Final      bool    `json:"final"`
	Degraded   bool    `json:"degraded,omitempty"`
	Confidence float64 `json:"confidence"`
}

// StateChange is the payload of [TypeStateChanged].
type StateChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// LatencyExceeded is the payload of [TypeLatencyExceeded].
type LatencyExceeded struct {
	TurnID  string        `json:"turn_id"`
	Stage   string        `json:"stage"`
	Elapsed time.Duration `json:"elapsed"`
	Budget  time.Duration `json:"budget"`
}

// SessionEnded is the payload of [TypeSessionEnded].
type SessionEnded struct {
	EndReason string        `json:"end_reason"`
	Error     string        `json:"error,omitempty"`
	Escalated bool          `json:"escalated"`
	Score     int           `json:"score"`
	Duration  time.Duration `json:"duration"`
}

// Bus fans the events of one session out to subscribers and sinks. It is
// safe for concurrent use.
type Bus struct {
	sessionID string
	sinks     []Sink
	subBuf    int
	logger    *slog.Logger
	now       func() time.Time

	seq     atomic.Uint64
	dropped atomic.Uint64

	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool

	queue chan Event
	done  chan struct{}
}

// Option is a functional option for [NewBus].
type Option func(*Bus)

// WithSinks attaches sinks.
func WithSinks(s ...Sink) Option {
	return func(b *Bus) { b.sinks = append(b.sinks, s...) }
}

// WithSubscriberBuffer sets the channel capacity of each subscriber.
// Default: 64.
func WithSubscriberBuffer(n int) Option {
	return func(b *Bus) { b.subBuf = n }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// NewBus creates the bus of session sessionID and starts its sink delivery.
// Call [Bus.Close] to flush sinks and release subscribers.
func NewBus(sessionID string, opts ...Option) *Bus {
	b := &Bus{
		sessionID: sessionID,
		subBuf:    defaultSubscriberBuffer,
		logger:    slog.Default(),
		now:       time.Now,
		subs:      make(map[int]chan Event),
		queue:     make(chan Event, defaultSinkQueue),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	go b.deliver()
	return b
}

// Emit stamps and publishes one event. Subscribers that are not keeping up
// miss it; it never blocks.
func (b *Bus) Emit(_ context.Context, t Type, data any) Event {
	e := Event{
		ID:        uuid.NewString(),
		Type:      t,
		SessionID: b.sessionID,
		Seq:       b.seq.Add(1),
		Time:      b.now(),
		Data:      data,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return e
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
	if len(b.sinks) > 0 {
		select {
		case b.queue <- e:
		default:
			b.dropped.Add(1)
			b.logger.Warn("events: sink queue full, dropping event", "session_id", b.sessionID, "type", t)
		}
	}
	return e
}

// Subscribe returns a channel receiving every later event and a function
// that cancels the subscription. The channel is closed on cancel or when the
// bus closes.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.subBuf)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Dropped returns how many deliveries were skipped because a subscriber or
// the sink queue was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close stops accepting events, closes every subscriber and waits until the
// queued events reached the sinks or ctx is done.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	close(b.queue)
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) deliver() {
	defer close(b.done)
	for e := range b.queue {
		for _, s := range b.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Publish(ctx, e); err != nil {
				b.logger.Warn("events: sink publish failed", "session_id", b.sessionID, "type", e.Type, "err", err)
			}
			cancel()
		}
	}
}

// ─── Log sink ────────────────────────────────────────────────────────────────

// LogSink writes events as structured log records.
type LogSink struct {
	Logger *slog.Logger
	Level  slog.Level
}

// Publish implements [Sink].
func (s LogSink) Publish(ctx context.Context, e Event) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Log(ctx, s.Level, "session event",
		"session_id", e.SessionID,
		"type", string(e.Type),
		"seq", e.Seq,
		"data", e.Data,
	)
	return nil
}

var _ Sink = LogSink{}
