package events_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/leadvox/internal/events"
)

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (s *recordingSink) Publish(_ context.Context, e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *recordingSink) got() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.events...)
}

func TestBus_SubscribersReceiveInOrder(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := events.NewBus("call-1", events.WithClock(func() time.Time { return at }))
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Emit(context.Background(), events.TypeVoiceActivity, events.VoiceActivity{SpanID: "s1", Opened: true})
	b.Emit(context.Background(), events.TypeTranscript, events.Transcript{SpanID: "s1", Text: "hi", Final: true})

	for i, want := range []events.Type{events.TypeVoiceActivity, events.TypeTranscript} {
		e := <-ch
		if e.Type != want || e.Seq != uint64(i+1) || e.SessionID != "call-1" || !e.Time.Equal(at) || e.ID == "" {
			t.Errorf("event %d = %+v", i, e)
		}
	}
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := events.NewBus("call-2", events.WithSubscriberBuffer(1))
	ch, cancel := b.Subscribe()
	defer cancel()

	for range 3 {
		b.Emit(context.Background(), events.TypeTurnCompleted, nil)
	}
	if got := b.Dropped(); got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}
	if e := <-ch; e.Seq != 1 {
		t.Errorf("kept event seq = %d, want 1", e.Seq)
	}
}

func TestBus_CancelClosesChannel(t *testing.T) {
	t.Parallel()
	b := events.NewBus("call-3")
	ch, cancel := b.Subscribe()
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
	b.Emit(context.Background(), events.TypeTurnCompleted, nil)
}

func TestBus_CloseFlushesSinks(t *testing.T) {
	t.Parallel()
	failing := &recordingSink{err: errors.New("broker down")}
	ok := &recordingSink{}
	b := events.NewBus("call-4", events.WithSinks(failing, ok))
	ch, _ := b.Subscribe()

	for range 5 {
		b.Emit(context.Background(), events.TypeStateChanged, events.StateChange{From: "idle", To: "reasoning"})
	}
	if err := b.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := len(ok.got()); n != 5 {
		t.Errorf("sink received %d events, want 5", n)
	}
	if n := len(failing.got()); n != 5 {
		t.Errorf("failing sink saw %d events, want 5", n)
	}

	drained := 0
	for range ch {
		drained++
	}
	if drained != 5 {
		t.Errorf("subscriber drained %d events", drained)
	}

	b.Emit(context.Background(), events.TypeSessionEnded, nil)
	if n := len(ok.got()); n != 5 {
		t.Errorf("event after Close reached sink")
	}
	late, _ := b.Subscribe()
	if _, open := <-late; open {
		t.Error("subscription after Close is open")
	}
	if err := b.Close(context.Background()); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestLogSink(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	s := events.LogSink{Logger: slog.New(slog.NewJSONHandler(&buf, nil)), Level: slog.LevelInfo}
	err := s.Publish(context.Background(), events.Event{Type: events.TypeLatencyExceeded, SessionID: "call-5", Seq: 7})
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{`"type":"latency_exceeded"`, `"session_id":"call-5"`, `"seq":7`} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %s missing %s", out, want)
		}
	}
}
