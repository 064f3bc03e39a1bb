package whisper

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/leadvox/pkg/provider/stt"
)

// fakeTranscriber records every inference call and returns scripted text.
type fakeTranscriber struct {
	mu    sync.Mutex
	calls [][]byte
	text  string
	err   error
}

func (f *fakeTranscriber) transcribe(pcm []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	f.calls = append(f.calls, cp)
	return f.text, f.err
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func recvFinal(t *testing.T, h stt.SessionHandle) stt.Transcript {
	t.Helper()
	select {
	case tr, ok := <-h.Finals():
		if !ok {
			t.Fatal("Finals closed")
		}
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for final")
	}
	return stt.Transcript{}
}

func TestFinalizeTranscribesBufferedSpan(t *testing.T) {
	t.Parallel()
	eng := &fakeTranscriber{text: "I want three bedrooms"}
	p := newProvider(eng)
	h, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	for range 10 {
		_ = h.SendAudio(make([]byte, 640))
	}
	if err := h.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	tr := recvFinal(t, h)
	if !tr.IsFinal || !tr.Flushed {
		t.Errorf("final flags = %+v", tr)
	}
	if tr.Text != "I want three bedrooms" {
		t.Errorf("Text = %q", tr.Text)
	}
	if tr.Duration != 200*time.Millisecond {
		t.Errorf("Duration = %v, want 200ms", tr.Duration)
	}
	if eng.callCount() != 1 || len(eng.calls[0]) != 6400 {
		t.Errorf("inference calls = %d", eng.callCount())
	}
}

func TestFinalizeWithoutAudioStillFlushes(t *testing.T) {
	t.Parallel()
	eng := &fakeTranscriber{}
	h, _ := newProvider(eng).StartStream(context.Background(), stt.StreamConfig{})
	defer h.Close()

	_ = h.Finalize()
	tr := recvFinal(t, h)
	if !tr.Flushed || tr.Text != "" {
		t.Errorf("empty flush = %+v", tr)
	}
	if eng.callCount() != 0 {
		t.Error("inference ran on an empty buffer")
	}
}

func TestForcedTranscriptionOnLongSpan(t *testing.T) {
	t.Parallel()
	eng := &fakeTranscriber{text: "part"}
	h, _ := newProvider(eng, WithMaxBufferDurationMs(100)).StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000})
	defer h.Close()

	// 100 ms of audio triggers one forced transcription.
	for range 5 {
		_ = h.SendAudio(make([]byte, 640))
	}
	select {
	case p := <-h.Partials():
		if p.Text != "part" {
			t.Errorf("partial = %q", p.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no partial for overlong span")
	}

	_ = h.SendAudio(make([]byte, 640))
	_ = h.Finalize()
	if tr := recvFinal(t, h); tr.Text != "part part" {
		t.Errorf("final = %q, want both segments", tr.Text)
	}
}

func TestInferenceErrorYieldsZeroConfidence(t *testing.T) {
	t.Parallel()
	eng := &fakeTranscriber{err: errors.New("gpu lost")}
	h, _ := newProvider(eng).StartStream(context.Background(), stt.StreamConfig{})
	defer h.Close()

	_ = h.SendAudio(make([]byte, 640))
	_ = h.Finalize()
	if tr := recvFinal(t, h); tr.Confidence != 0 || tr.Text != "" {
		t.Errorf("final after error = %+v", tr)
	}
}

func TestCloseClosesChannels(t *testing.T) {
	t.Parallel()
	h, _ := newProvider(&fakeTranscriber{}).StartStream(context.Background(), stt.StreamConfig{})
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, ok := <-h.Finals(); ok {
		t.Error("Finals still open")
	}
	if err := h.SendAudio([]byte{0, 0}); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("SendAudio after Close: %v", err)
	}
}

func TestStartStream_CancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newProvider(&fakeTranscriber{}).StartStream(ctx, stt.StreamConfig{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestNew_EmptyPath(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty model path")
	}
}

// TestNew_Model exercises the real bindings when a model is available.
func TestNew_Model(t *testing.T) {
	path := os.Getenv("WHISPER_MODEL_PATH")
	if path == "" {
		t.Skip("WHISPER_MODEL_PATH not set; skipping native whisper test")
	}
	p, err := New(path, WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	h, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()
	_ = h.SendAudio(make([]byte, 32000))
	_ = h.Finalize()
	tr := recvFinal(t, h)
	t.Logf("transcribed text: %q", tr.Text)
}
