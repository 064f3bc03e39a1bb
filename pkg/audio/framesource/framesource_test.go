package framesource_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/MrWong99/leadvox/pkg/audio"
	"github.com/MrWong99/leadvox/pkg/audio/framesource"
	"github.com/MrWong99/leadvox/pkg/audio/mock"
)

var wideband = audio.Format{SampleRate: 16000, Channels: 1}

func newSource(t *testing.T, tr *mock.Transport, opts ...framesource.Option) *framesource.Source {
	t.Helper()
	src := framesource.New(tr, opts...)
	src.Start(context.Background())
	t.Cleanup(func() { _ = src.Close() })
	return src
}

func TestNextFrame_FixedSizeAndSequence(t *testing.T) {
	t.Parallel()
	tr := mock.NewTransport(wideband)
	src := newSource(t, tr)

	// 50 ms arrives as two uneven chunks; 20 ms framing yields 2 full frames.
	tr.Push(make([]byte, 700))
	tr.Push(make([]byte, 900))
	tr.Hangup()

	ctx := context.Background()
	for i := range 2 {
		f, err := src.NextFrame(ctx)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if len(f.Data) != 640 {
			t.Errorf("frame %d: len = %d, want 640", i, len(f.Data))
		}
		if f.Seq != uint64(i) {
			t.Errorf("frame %d: Seq = %d", i, f.Seq)
		}
	}
	if _, err := src.NextFrame(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("after hangup: err = %v, want io.EOF", err)
	}
}

func TestNextFrame_NormalisesTelephonyAudio(t *testing.T) {
	t.Parallel()
	tr := mock.NewTransport(audio.Format{SampleRate: 8000, Channels: 1})
	src := newSource(t, tr)

	// 20 ms at 8 kHz is 320 bytes; normalised to 16 kHz it fills exactly one frame.
	tr.Push(make([]byte, 320))
	f, err := src.NextFrame(context.Background())
	if err != nil {
		t.Fatalf("NextFrame: %v", err)
	}
	if f.SampleRate != 16000 || len(f.Data) != 640 {
		t.Errorf("frame = %d Hz / %d bytes, want 16000 Hz / 640 bytes", f.SampleRate, len(f.Data))
	}
}

func TestNextFrame_RingDropsOldest(t *testing.T) {
	t.Parallel()
	tr := mock.NewTransport(wideband)
	src := newSource(t, tr, framesource.WithRingDuration(100*time.Millisecond))

	// 10 frames into a 5-frame ring.
	tr.Push(make([]byte, 6400))
	tr.Hangup()

	var got []uint64
	for {
		f, err := src.NextFrame(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("NextFrame: %v", err)
		}
		got = append(got, f.Seq)
	}
	if len(got) != 5 {
		t.Fatalf("got %d frames, want 5: %v", len(got), got)
	}
	if got[0] != 5 || got[4] != 9 {
		t.Errorf("retained seqs = %v, want 5..9", got)
	}
	if src.Dropped() != 5 {
		t.Errorf("Dropped() = %d, want 5", src.Dropped())
	}
}

func TestNextFrame_TransportError(t *testing.T) {
	t.Parallel()
	tr := mock.NewTransport(wideband)
	src := newSource(t, tr)

	wantErr := errors.New("socket reset")
	tr.Fail(wantErr)

	_, err := src.NextFrame(context.Background())
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want wrapped %v", err, wantErr)
	}
}

func TestNextFrame_Stall(t *testing.T) {
	t.Parallel()
	tr := mock.NewTransport(wideband)
	src := newSource(t, tr, framesource.WithStallTimeout(30*time.Millisecond))

	_, err := src.NextFrame(context.Background())
	if !errors.Is(err, framesource.ErrStreamStalled) {
		t.Fatalf("err = %v, want ErrStreamStalled", err)
	}
}

func TestNextFrame_ContextCancel(t *testing.T) {
	t.Parallel()
	tr := mock.NewTransport(wideband)
	src := newSource(t, tr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.NextFrame(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestPushPlayback_SendsFrames(t *testing.T) {
	t.Parallel()
	tr := mock.NewTransport(wideband)
	src := newSource(t, tr, framesource.WithPacing(false))

	if err := src.PushPlayback(context.Background(), make([]byte, 1600)); err != nil {
		t.Fatalf("PushPlayback: %v", err)
	}
	sent := tr.Sent()
	if len(sent) != 3 {
		t.Fatalf("sent %d chunks, want 3", len(sent))
	}
	if len(sent[2].PCM) != 320 {
		t.Errorf("tail chunk len = %d, want 320", len(sent[2].PCM))
	}
}

func TestPushPlayback_ResamplesToTransport(t *testing.T) {
	t.Parallel()
	tr := mock.NewTransport(audio.Format{SampleRate: 8000, Channels: 1})
	src := newSource(t, tr, framesource.WithPacing(false))

	if err := src.PushPlayback(context.Background(), make([]byte, 640)); err != nil {
		t.Fatalf("PushPlayback: %v", err)
	}
	sent := tr.Sent()
	if len(sent) != 1 || len(sent[0].PCM) != 320 {
		t.Fatalf("sent = %d chunks, want one 320-byte chunk", len(sent))
	}
}

func TestPushPlayback_Paced(t *testing.T) {
	t.Parallel()
	tr := mock.NewTransport(wideband)
	src := newSource(t, tr)

	start := time.Now()
	// 5 frames: the first is immediate, the remaining 4 are spaced 20 ms apart.
	if err := src.PushPlayback(context.Background(), make([]byte, 3200)); err != nil {
		t.Fatalf("PushPlayback: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 70*time.Millisecond {
		t.Errorf("playback took %v, expected real-time pacing", elapsed)
	}
}

func TestInterrupt_StopsWithinOneFrame(t *testing.T) {
	t.Parallel()
	tr := mock.NewTransport(wideband)
	src := newSource(t, tr)

	// Interrupt as soon as the third frame has gone out.
	var interruptedAt time.Time
	tr.OnSend(func([]byte) {
		if len(tr.Sent()) == 3 {
			interruptedAt = time.Now()
			go src.Interrupt()
		}
	})

	pcm := make([]byte, 640*50)
	for i := range pcm {
		pcm[i] = 0x40
	}
	err := src.PushPlayback(context.Background(), pcm)
	if !errors.Is(err, framesource.ErrInterrupted) {
		t.Fatalf("err = %v, want ErrInterrupted", err)
	}

	sent := tr.Sent()
	if len(sent) > 5 {
		t.Errorf("sent %d frames after interrupt, want playback to stop promptly", len(sent))
	}
	last := sent[len(sent)-1]
	if elapsed := last.At.Sub(interruptedAt); elapsed > 2*src.FrameSize() {
		t.Errorf("fade frame sent %v after interrupt", elapsed)
	}
	// The final chunk is the fade-out: it ends in silence.
	if n := len(last.PCM); last.PCM[n-1] != 0 || last.PCM[n-2] != 0 {
		t.Error("final chunk is not faded out")
	}
	deadline := time.Now().Add(time.Second)
	for tr.Clears() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if tr.Clears() != 1 {
		t.Errorf("Clears() = %d, want 1", tr.Clears())
	}
	if src.Playing() {
		t.Error("Playing() should be false after interrupt")
	}
}

func TestInterrupt_DoesNotAffectLaterPlayback(t *testing.T) {
	t.Parallel()
	tr := mock.NewTransport(wideband)
	src := newSource(t, tr, framesource.WithPacing(false))

	src.Interrupt()
	if err := src.PushPlayback(context.Background(), make([]byte, 640)); err != nil {
		t.Fatalf("PushPlayback after Interrupt: %v", err)
	}
}

func TestInterrupt_DoesNotWaitForClear(t *testing.T) {
	t.Parallel()
	tr := mock.NewTransport(wideband)
	src := newSource(t, tr, framesource.WithPacing(false))

	release := make(chan struct{})
	cleared := make(chan struct{})
	tr.OnClear(func(context.Context) error {
		<-release
		close(cleared)
		return errors.New("carrier busy")
	})

	returned := make(chan struct{})
	go func() {
		src.Interrupt()
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		close(release)
		t.Fatal("Interrupt blocked on a slow transport clear")
	}

	close(release)
	select {
	case <-cleared:
	case <-time.After(time.Second):
		t.Fatal("far-end buffer was never cleared")
	}
	if tr.Clears() != 1 {
		t.Errorf("Clears() = %d, want 1", tr.Clears())
	}
}

func TestPushPlayback_SendError(t *testing.T) {
	t.Parallel()
	tr := mock.NewTransport(wideband)
	src := newSource(t, tr, framesource.WithPacing(false))

	wantErr := errors.New("write: broken pipe")
	tr.SetSendError(wantErr)
	if err := src.PushPlayback(context.Background(), make([]byte, 640)); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}

func TestClose_ClosesTransport(t *testing.T) {
	t.Parallel()
	tr := mock.NewTransport(wideband)
	src := framesource.New(tr)
	src.Start(context.Background())

	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !tr.Closed() {
		t.Error("transport not closed")
	}
	// Idempotent.
	if err := src.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
