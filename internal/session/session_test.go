package session_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/leadvox/internal/dialogue"
	"github.com/MrWong99/leadvox/internal/events"
	"github.com/MrWong99/leadvox/internal/session"
	"github.com/MrWong99/leadvox/internal/store"
	"github.com/MrWong99/leadvox/internal/synthesis"
	"github.com/MrWong99/leadvox/pkg/audio"
	"github.com/MrWong99/leadvox/pkg/audio/mock"
	"github.com/MrWong99/leadvox/pkg/provider/stt"
	sttmock "github.com/MrWong99/leadvox/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/leadvox/pkg/provider/tts/mock"
	"github.com/MrWong99/leadvox/pkg/provider/vad/energy"
)

var wideband = audio.Format{SampleRate: 16000, Channels: 1}

const frameBytes = 640

// tone returns one 20ms square-wave frame well above the speech threshold.
func tone() []byte {
	b := make([]byte, frameBytes)
	for i := 0; i < frameBytes/2; i++ {
		v := int16(6000)
		if (i/20)%2 == 1 {
			v = -6000
		}
		binary.LittleEndian.PutUint16(b[2*i:], uint16(v))
	}
	return b
}

type eventSink struct {
	mu  sync.Mutex
	got []events.Event
}

func (s *eventSink) Publish(_ context.Context, e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, e)
	return nil
}

func (s *eventSink) count(t events.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.got {
		if e.Type == t {
			n++
		}
	}
	return n
}

type recapFunc func(context.Context, []dialogue.Turn) (string, error)

func (f recapFunc) Recap(ctx context.Context, turns []dialogue.Turn) (string, error) {
	return f(ctx, turns)
}

type fixture struct {
	orch      *session.Orchestrator
	stt       *sttmock.Session
	summaries *store.Memory
	events    *eventSink
	reasoned  atomic.Int32
}

func newFixture(t *testing.T, recap session.Recapper, opts ...session.Option) *fixture {
	t.Helper()
	f := &fixture{
		stt:       sttmock.NewSession(),
		summaries: store.NewMemory(0),
		events:    &eventSink{},
	}
	f.stt.OnFinalize = func(s *sttmock.Session) {
		s.FinalsCh <- stt.Transcript{
			Text:       "I'm looking for a three bedroom house, budget around 400k",
			IsFinal:    true,
			Flushed:    true,
			Confidence: 0.92,
		}
	}

	reasoner := dialogue.ReasonerFunc(func(context.Context, dialogue.Request) (*dialogue.Result, error) {
		f.reasoned.Add(1)
		return &dialogue.Result{Utterance: "Great. When are you hoping to move?", Intent: "qualification", Confidence: 0.8}, nil
	})
	tts := &ttsmock.Provider{SynthesizeChunks: [][]byte{make([]byte, 3*frameBytes)}}

	settings := session.DefaultSettings()
	settings.StallTimeout = 10 * time.Second
	settings.Dialogue.MaxSilence = 10 * time.Second

	base := []session.Option{
		session.WithSettings(settings),
		session.WithPlaybackPacing(false),
	}
	f.orch = session.New(session.Deps{
		STT:          &sttmock.Provider{Session: f.stt},
		VAD:          energy.New(),
		Reasoner:     reasoner,
		Synth:        synthesis.New(tts, synthesis.NewPhraseCache(16, 0)),
		EventSinks:   []events.Sink{f.events},
		SummarySinks: []store.SummarySink{f.summaries},
		Recapper:     recap,
	}, append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.orch.Shutdown(ctx)
	})
	return f
}

func waitDone(t *testing.T, o *session.Orchestrator, id string) {
	t.Helper()
	select {
	case <-o.Done(id):
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not end", id)
	}
}

func TestOrchestrator_CallLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, recapFunc(func(context.Context, []dialogue.Turn) (string, error) {
		return "Caller wants a 3BR house.", nil
	}))
	tr := mock.NewTransport(wideband)

	id, err := f.orch.StartSession(context.Background(), session.CallMetadata{CallID: "CA1", LeadID: "L-9"}, tr)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	feed, cancel, err := f.orch.Subscribe(id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()
	if got := f.orch.Active(); len(got) != 1 || got[0].ID != id || got[0].Meta.LeadID != "L-9" {
		t.Fatalf("Active = %+v", got)
	}

	for range 15 {
		tr.Push(tone())
	}
	for range 30 {
		tr.Push(make([]byte, frameBytes))
	}

	seen := map[events.Type]int{}
	deadline := time.After(5 * time.Second)
	for seen[events.TypeTurnCompleted] < 2 {
		select {
		case e := <-feed:
			seen[e.Type]++
		case <-deadline:
			t.Fatalf("agent turn never completed, events so far: %v", seen)
		}
	}
	for _, want := range []events.Type{events.TypeVoiceActivity, events.TypeTranscript, events.TypeQualificationUpdated} {
		if seen[want] == 0 {
			t.Errorf("no %s event on the live feed", want)
		}
	}
	if len(tr.Sent()) == 0 {
		t.Error("no agent audio reached the transport")
	}

	tr.Hangup()
	waitDone(t, f.orch, id)

	sum, ok := f.orch.Summary(id)
	if !ok {
		t.Fatal("summary not retained")
	}
	if sum.EndReason != session.EndHangup || sum.Error != "" {
		t.Errorf("EndReason = %s, Error = %q", sum.EndReason, sum.Error)
	}
	if len(sum.Turns) != 2 || sum.Turns[0].Speaker != dialogue.SpeakerCaller || sum.Turns[1].Speaker != dialogue.SpeakerAgent {
		t.Fatalf("turns = %+v", sum.Turns)
	}
	if sum.Profile.Bedrooms.Value != 3 || sum.Profile.Score == 0 {
		t.Errorf("profile = %+v", sum.Profile)
	}
	if sum.Report.CallerTurns != 1 || sum.Recap != "Caller wants a 3BR house." {
		t.Errorf("report = %+v, recap = %q", sum.Report, sum.Recap)
	}
	if !tr.Closed() {
		t.Error("transport not closed")
	}

	rec, err := f.summaries.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("summary not delivered: %v", err)
	}
	var doc session.Summary
	if err := json.Unmarshal(rec.Document, &doc); err != nil || doc.SessionID != id || rec.LeadID != "L-9" || rec.EndReason != "hangup" {
		t.Errorf("record = %+v, %v", rec, err)
	}
	if n := f.events.count(events.TypeSessionEnded); n != 1 {
		t.Errorf("session_ended published %d times", n)
	}
	if len(f.orch.Active()) != 0 {
		t.Error("session still listed as active")
	}
}

func TestOrchestrator_TransportFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	tr := mock.NewTransport(wideband)
	id, err := f.orch.StartSession(context.Background(), session.CallMetadata{}, tr)
	if err != nil {
		t.Fatal(err)
	}

	tr.Push(make([]byte, frameBytes))
	tr.Fail(errors.New("socket reset"))
	waitDone(t, f.orch, id)

	sum, _ := f.orch.Summary(id)
	if sum.EndReason != session.EndTransportError || sum.Error == "" {
		t.Errorf("summary = %+v", sum)
	}
	if sum.Report.Errors["transport"] != 1 {
		t.Errorf("errors = %v", sum.Report.Errors)
	}
	if _, err := f.summaries.Get(context.Background(), id); err != nil {
		t.Errorf("summary not delivered on failure: %v", err)
	}
}

func TestOrchestrator_StalledStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	s := f.orch.Settings()
	s.StallTimeout = 50 * time.Millisecond
	f.orch.SetSettings(s)

	id, err := f.orch.StartSession(context.Background(), session.CallMetadata{}, mock.NewTransport(wideband))
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, f.orch, id)
	if sum, _ := f.orch.Summary(id); sum.EndReason != session.EndTransportError {
		t.Errorf("EndReason = %s", sum.EndReason)
	}
}

func TestOrchestrator_EndSessionIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	tr := mock.NewTransport(wideband)
	id, err := f.orch.StartSession(ctx, session.CallMetadata{}, tr)
	if err != nil {
		t.Fatal(err)
	}

	first, err := f.orch.EndSession(ctx, id)
	if err != nil || first.EndReason != session.EndRequested {
		t.Fatalf("EndSession = %+v, %v", first, err)
	}
	second, err := f.orch.EndSession(ctx, id)
	if err != nil || second != first {
		t.Errorf("second EndSession = %p, %v, want the same summary", second, err)
	}

	if _, err := f.orch.EndSession(ctx, "nope"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("unknown id: %v", err)
	}
	if _, _, err := f.orch.Subscribe(id); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Subscribe after end: %v", err)
	}
	if f.orch.Done("nope") != nil {
		t.Error("Done of unknown session is not nil")
	}
	if f.events.count(events.TypeSessionEnded) != 1 {
		t.Error("session_ended not published exactly once")
	}
}

func TestOrchestrator_ShutdownEndsAll(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	var ids []string
	for range 2 {
		id, err := f.orch.StartSession(ctx, session.CallMetadata{}, mock.NewTransport(wideband))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := f.orch.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, id := range ids {
		sum, ok := f.orch.Summary(id)
		if !ok || sum.EndReason != session.EndShutdown {
			t.Errorf("summary %s = %+v", id, sum)
		}
	}

	tr := mock.NewTransport(wideband)
	if _, err := f.orch.StartSession(ctx, session.CallMetadata{}, tr); !errors.Is(err, session.ErrShuttingDown) {
		t.Errorf("StartSession after Shutdown: %v", err)
	}
	if !tr.Closed() {
		t.Error("refused transport left open")
	}
}

func TestOrchestrator_RequiresDeps(t *testing.T) {
	t.Parallel()
	o := session.New(session.Deps{})
	tr := mock.NewTransport(wideband)
	if _, err := o.StartSession(context.Background(), session.CallMetadata{}, tr); err == nil {
		t.Fatal("missing dependencies accepted")
	}
	if !tr.Closed() {
		t.Error("transport left open")
	}
}

func TestOrchestrator_RetentionExpires(t *testing.T) {
	t.Parallel()
	var offset atomic.Int64
	base := time.Now()
	f := newFixture(t, nil,
		session.WithRetention(time.Minute),
		session.WithClock(func() time.Time { return base.Add(time.Duration(offset.Load())) }),
	)
	id, err := f.orch.StartSession(context.Background(), session.CallMetadata{}, mock.NewTransport(wideband))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.EndSession(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.orch.Summary(id); !ok {
		t.Fatal("summary missing right after the call")
	}
	offset.Store(int64(2 * time.Minute))
	if _, ok := f.orch.Summary(id); ok {
		t.Error("summary retained past its retention")
	}
}
