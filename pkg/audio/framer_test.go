package audio_test

import (
	"math"
	"testing"
	"time"

	"github.com/MrWong99/leadvox/pkg/audio"
)

var callFormat = audio.Format{SampleRate: 16000, Channels: 1}

func TestFormat_BytesPerFrame(t *testing.T) {
	t.Parallel()
	if got := callFormat.BytesPerFrame(20 * time.Millisecond); got != 640 {
		t.Errorf("BytesPerFrame(20ms) = %d, want 640", got)
	}
	if got := callFormat.Duration(640); got != 20*time.Millisecond {
		t.Errorf("Duration(640) = %v, want 20ms", got)
	}
}

func TestFramer_FixedFramesAndSequence(t *testing.T) {
	t.Parallel()
	fr := audio.NewFramer(callFormat, 20*time.Millisecond)

	// 1.5 frames, then 1.5 frames → 3 frames total, nothing left over.
	first := fr.Write(make([]byte, 960))
	second := fr.Write(make([]byte, 960))
	frames := append(first, second...)

	if len(first) != 1 || len(second) != 2 {
		t.Fatalf("frame counts = %d, %d; want 1, 2", len(first), len(second))
	}
	for i, f := range frames {
		if len(f.Data) != 640 {
			t.Errorf("frame %d: len = %d, want 640", i, len(f.Data))
		}
		if f.Seq != uint64(i) {
			t.Errorf("frame %d: Seq = %d", i, f.Seq)
		}
		if f.Timestamp != time.Duration(i)*20*time.Millisecond {
			t.Errorf("frame %d: Timestamp = %v", i, f.Timestamp)
		}
	}
	if _, ok := fr.Flush(); ok {
		t.Error("Flush() should report nothing buffered")
	}
}

func TestFramer_FlushPads(t *testing.T) {
	t.Parallel()
	fr := audio.NewFramer(callFormat, 20*time.Millisecond)
	fr.Write([]byte{1, 0, 2, 0})
	f, ok := fr.Flush()
	if !ok {
		t.Fatal("Flush() should return the partial frame")
	}
	if len(f.Data) != 640 {
		t.Fatalf("padded len = %d, want 640", len(f.Data))
	}
	if f.Data[0] != 1 || f.Data[2] != 2 || f.Data[639] != 0 {
		t.Error("padded frame does not preserve prefix / zero tail")
	}
}

func TestSplit(t *testing.T) {
	t.Parallel()
	chunks := audio.Split(make([]byte, 1500), 640)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if len(chunks[2]) != 220 {
		t.Errorf("tail len = %d, want 220", len(chunks[2]))
	}
	if audio.Split(nil, 640) != nil {
		t.Error("Split(nil) should return nil")
	}
}

func TestRMS(t *testing.T) {
	t.Parallel()
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
	pcm := samplesToBytes([]int16{1000, -1000, 1000, -1000})
	if got := audio.RMS(pcm); math.Abs(got-1000) > 0.001 {
		t.Errorf("RMS = %v, want 1000", got)
	}
}

func TestFadeOut(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{10000, 10000, 10000, 10000})
	got := bytesToSamples(audio.FadeOut(pcm))
	if got[0] != 10000 {
		t.Errorf("first sample = %d, want full gain", got[0])
	}
	if got[len(got)-1] != 0 {
		t.Errorf("last sample = %d, want 0", got[len(got)-1])
	}
	for i := 1; i < len(got); i++ {
		if got[i] > got[i-1] {
			t.Errorf("gain increased at sample %d", i)
		}
	}
	// The input is never mutated.
	if bytesToSamples(pcm)[3] != 10000 {
		t.Error("FadeOut mutated its input")
	}
}

func TestMulaw_RoundTrip(t *testing.T) {
	t.Parallel()
	for b := range 256 {
		u := byte(b)
		if u == 0x7F {
			// Negative zero decodes to 0, which re-encodes as positive zero.
			continue
		}
		if got := audio.LinearToMulaw(audio.MulawToLinear(u)); got != u {
			t.Errorf("round trip %#x → %#x", u, got)
		}
	}
}

func TestMulawCodec_DecodeEncode(t *testing.T) {
	t.Parallel()
	c := audio.MulawCodec{}
	if c.Format().SampleRate != 8000 {
		t.Fatalf("μ-law format = %v", c.Format())
	}
	payload := []byte{0xFF, 0x00, 0x80, 0x7E}
	pcm, err := c.Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(pcm) != 8 {
		t.Fatalf("decoded len = %d, want 8", len(pcm))
	}
	back, err := c.Encode(pcm)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for i := range payload {
		if back[i] != payload[i] {
			t.Errorf("byte %d: got %#x, want %#x", i, back[i], payload[i])
		}
	}
}

func TestNewCodec(t *testing.T) {
	t.Parallel()
	c, err := audio.NewCodec(audio.EncodingL16, 16000)
	if err != nil {
		t.Fatalf("NewCodec(l16): %v", err)
	}
	if c.Format() != callFormat {
		t.Errorf("l16 format = %v", c.Format())
	}
	if _, err := c.Decode([]byte{1}); err == nil {
		t.Error("expected error for odd l16 payload")
	}
	if _, err := audio.NewCodec("audio/g729", 8000); err == nil {
		t.Error("expected error for unknown encoding")
	}
}
