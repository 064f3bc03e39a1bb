package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Normalizer converts inbound call audio to the session's mono target format.
// It logs once on the first format mismatch and once on misaligned PCM.
// Create one per call leg; it is not designed for shared use across goroutines.
type Normalizer struct {
	Target Format

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Normalize returns pcm (captured in format src) in the target format.
// Conversion order: downmix first, then resample, so that multi-channel
// input is only resampled once. Returns nil for misaligned input.
func (n *Normalizer) Normalize(pcm []byte, src Format) []byte {
	if len(pcm)%(2*max(src.Channels, 1)) != 0 {
		n.warnedCorrupt.Do(func() {
			slog.Warn("audio normaliser: misaligned PCM data, dropping chunk",
				"bytes", len(pcm),
				"format", src.String(),
			)
		})
		return nil
	}
	if src == n.Target {
		return pcm
	}

	n.warnedMismatch.Do(func() {
		slog.Debug("audio normaliser: converting call audio",
			"from", src.String(),
			"to", n.Target.String(),
		)
	})

	out := pcm
	if src.Channels == 2 && n.Target.Channels == 1 {
		out = StereoToMono(out)
	}
	if src.SampleRate != n.Target.SampleRate {
		out = ResampleMono16(out, src.SampleRate, n.Target.SampleRate)
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := clamp16((l + r) / 2)
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. Telephony legs arrive at 8 kHz and are upsampled to 16 kHz
// for recognition; synthesis output goes the other way. If srcRate == dstRate,
// the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := sampleAt(pcm, idx)
		s1 := s0
		if idx+1 < srcSamples {
			s1 = sampleAt(pcm, idx+1)
		}
		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// String returns a human-readable format such as "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Float32 converts 16-bit mono PCM to samples in [-1, 1) for inference
// engines. A trailing odd byte is ignored.
func Float32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(sampleAt(pcm, i)) / 32768
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
