package synthesis_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/leadvox/internal/callerr"
	"github.com/MrWong99/leadvox/internal/synthesis"
	"github.com/MrWong99/leadvox/pkg/audio"
	"github.com/MrWong99/leadvox/pkg/audio/framesource"
	"github.com/MrWong99/leadvox/pkg/provider/tts"
	ttsmock "github.com/MrWong99/leadvox/pkg/provider/tts/mock"
)

const frameBytes = 640 // 20ms of 16 kHz mono PCM16

// sink records pushed audio. failAt makes the n-th push (1-based) return
// failErr.
type sink struct {
	mu      sync.Mutex
	pushes  [][]byte
	failAt  int
	failErr error
}

func (s *sink) PushPlayback(_ context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushes = append(s.pushes, append([]byte(nil), pcm...))
	if s.failAt > 0 && len(s.pushes) == s.failAt {
		return s.failErr
	}
	return nil
}

func (s *sink) Format() audio.Format     { return audio.Format{SampleRate: 16000, Channels: 1} }
func (s *sink) FrameSize() time.Duration { return 20 * time.Millisecond }

func (s *sink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.pushes {
		n += len(p)
	}
	return n
}

func (s *sink) all() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.pushes...)
}

var _ synthesis.Sink = (*sink)(nil)

func TestSpeak_StreamsWholeFrames(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{SynthesizeChunks: [][]byte{make([]byte, 500), make([]byte, 900)}}
	a := synthesis.New(p, nil, synthesis.WithVoice(tts.VoiceProfile{ID: "v1"}))
	s := &sink{}

	var starts int
	res, err := a.Speak(context.Background(), "Hello there, thanks for calling.", s, func() {
		starts++
		if len(s.all()) != 0 {
			t.Error("started fired after playback began")
		}
	})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if starts != 1 {
		t.Errorf("started fired %d times, want 1", starts)
	}
	for i, push := range s.all() {
		if len(push)%frameBytes != 0 {
			t.Errorf("push %d is %d bytes, not whole frames", i, len(push))
		}
	}
	// 1400 bytes become two full frames and one padded frame.
	if got := s.total(); got != 3*frameBytes {
		t.Errorf("pushed %d bytes, want %d", got, 3*frameBytes)
	}
	if res.Played != 60*time.Millisecond || res.Cached || res.Interrupted {
		t.Errorf("result = %+v", res)
	}
	if calls := p.Calls(); len(calls) != 1 || calls[0].Voice.ID != "v1" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestSpeak_ServesShortPhrasesFromCache(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{SynthesizeChunks: [][]byte{make([]byte, frameBytes)}}
	a := synthesis.New(p, synthesis.NewPhraseCache(8, 40))

	if _, err := a.Speak(context.Background(), "Got it.", &sink{}, nil); err != nil {
		t.Fatal(err)
	}
	s := &sink{}
	var started bool
	res, err := a.Speak(context.Background(), "Got it.", s, func() { started = true })
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cached || !started || s.total() != frameBytes {
		t.Errorf("result = %+v, started = %v, bytes = %d", res, started, s.total())
	}
	if n := len(p.Calls()); n != 1 {
		t.Errorf("provider called %d times, want 1", n)
	}
}

func TestSpeak_LongTextNotCached(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{SynthesizeChunks: [][]byte{make([]byte, frameBytes)}}
	cache := synthesis.NewPhraseCache(8, 10)
	a := synthesis.New(p, cache)

	for range 2 {
		if _, err := a.Speak(context.Background(), "This sentence is longer than ten runes.", &sink{}, nil); err != nil {
			t.Fatal(err)
		}
	}
	if cache.Len() != 0 || len(p.Calls()) != 2 {
		t.Errorf("cache len = %d, calls = %d", cache.Len(), len(p.Calls()))
	}
}

func TestSpeak_RetriesOnceBeforeFirstAudio(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{
		StartErrs:        []error{errors.New("connection refused")},
		SynthesizeChunks: [][]byte{make([]byte, frameBytes)},
	}
	a := synthesis.New(p, nil, synthesis.WithBackoff(time.Millisecond))

	res, err := a.Speak(context.Background(), "Sure.", &sink{}, nil)
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if n := len(p.Calls()); n != 2 {
		t.Errorf("provider called %d times, want 2", n)
	}
	if res.Played != 20*time.Millisecond {
		t.Errorf("Played = %v", res.Played)
	}
}

func TestSpeak_GivesUpAfterSecondFailure(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{SynthesizeErr: errors.New("503")}
	a := synthesis.New(p, nil, synthesis.WithBackoff(time.Millisecond))

	_, err := a.Speak(context.Background(), "Sure.", &sink{}, nil)
	if err == nil {
		t.Fatal("want error")
	}
	if n := len(p.Calls()); n != 2 {
		t.Errorf("provider called %d times, want 2", n)
	}
}

func TestSpeak_NoRetryAfterAudioStarted(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{
		SynthesizeChunks: [][]byte{make([]byte, frameBytes)},
		StreamErr:        errors.New("socket closed"),
	}
	a := synthesis.New(p, nil, synthesis.WithBackoff(time.Millisecond))

	res, err := a.Speak(context.Background(), "Let me check that for you.", &sink{}, nil)
	if err == nil {
		t.Fatal("want error")
	}
	if n := len(p.Calls()); n != 1 {
		t.Errorf("provider called %d times, want 1", n)
	}
	if res.Played != 20*time.Millisecond {
		t.Errorf("Played = %v", res.Played)
	}
}

func TestSpeak_FirstAudioTimeout(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{HoldOpen: true}
	a := synthesis.New(p, nil,
		synthesis.WithBackoff(time.Millisecond),
		synthesis.WithStartTimeout(20*time.Millisecond),
	)

	_, err := a.Speak(context.Background(), "Hello.", &sink{}, nil)
	if !errors.Is(err, callerr.ErrProviderTimeout) {
		t.Fatalf("err = %v, want provider timeout", err)
	}
	if n := len(p.Calls()); n != 2 {
		t.Errorf("provider called %d times, want 2", n)
	}
}

func TestSpeak_InterruptReleasesProvider(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{
		SynthesizeChunks: [][]byte{make([]byte, frameBytes), make([]byte, frameBytes), make([]byte, frameBytes)},
		HoldOpen:         true,
	}
	a := synthesis.New(p, nil)
	s := &sink{failAt: 2, failErr: framesource.ErrInterrupted}

	res, err := a.Speak(context.Background(), "Our listings in Oakland start at four hundred thousand.", s, nil)
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if !res.Interrupted {
		t.Error("result not marked interrupted")
	}
	if res.Played != 20*time.Millisecond {
		t.Errorf("Played = %v, want only the first frame", res.Played)
	}

	deadline := time.Now().Add(time.Second)
	for p.Cancelled() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if p.Cancelled() == 0 {
		t.Error("provider stream not cancelled")
	}
}

func TestSpeak_ContextCancelStops(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{SynthesizeChunks: [][]byte{make([]byte, frameBytes)}, HoldOpen: true}
	a := synthesis.New(p, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan synthesis.Result, 1)
	go func() {
		res, _ := a.Speak(ctx, "One moment please while I look.", &sink{}, cancel)
		done <- res
	}()

	select {
	case res := <-done:
		if !res.Interrupted {
			t.Errorf("result = %+v, want interrupted", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Speak did not return after cancel")
	}
}

func TestSpeak_ResamplesProviderAudio(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{SynthesizeChunks: [][]byte{make([]byte, 320)}}
	a := synthesis.New(p, nil, synthesis.WithSourceRate(8000))
	s := &sink{}

	if _, err := a.Speak(context.Background(), "Hi.", s, nil); err != nil {
		t.Fatal(err)
	}
	if got := s.total(); got != frameBytes {
		t.Errorf("pushed %d bytes, want %d", got, frameBytes)
	}
}

func TestSpeak_EmptyText(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{}
	a := synthesis.New(p, nil)
	res, err := a.Speak(context.Background(), "   ", &sink{}, func() { t.Error("started fired") })
	if err != nil || res != (synthesis.Result{}) || len(p.Calls()) != 0 {
		t.Errorf("res = %+v, err = %v, calls = %d", res, err, len(p.Calls()))
	}
}

func TestWarm(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{SynthesizeChunks: [][]byte{make([]byte, 100), make([]byte, 100)}}
	cache := synthesis.NewPhraseCache(8, 40)
	a := synthesis.New(p, cache)
	f := audio.Format{SampleRate: 16000, Channels: 1}

	phrases := []string{"Mm-hmm.", "Got it.", "This one is far too long to be worth keeping around."}
	if err := a.Warm(context.Background(), f, phrases); err != nil {
		t.Fatal(err)
	}
	if cache.Len() != 2 {
		t.Errorf("cache len = %d, want 2", cache.Len())
	}
	if err := a.Warm(context.Background(), f, phrases); err != nil {
		t.Fatal(err)
	}
	if n := len(p.Calls()); n != 2 {
		t.Errorf("provider called %d times, want 2", n)
	}
	if pcm, ok := cache.Get("", "Got it."); !ok || len(pcm) != 200 {
		t.Errorf("cached = %d bytes, ok = %v", len(pcm), ok)
	}
}

func TestWarm_ReportsFailures(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{SynthesizeErr: errors.New("unauthorized")}
	a := synthesis.New(p, synthesis.NewPhraseCache(8, 40))
	if err := a.Warm(context.Background(), audio.Format{SampleRate: 16000, Channels: 1}, []string{"Okay."}); err == nil {
		t.Error("want error")
	}
}
