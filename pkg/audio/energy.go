package audio

import "math"

// RMS returns the root-mean-square amplitude of 16-bit little-endian PCM in
// raw sample units (0 to 32767). Returns 0 for empty input.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(sampleAt(pcm, i))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// FadeOut returns a copy of pcm with a linear gain ramp from 1 to 0 applied
// across its length. Playing it as the last frame of an interrupted utterance
// avoids the click of a hard cut.
func FadeOut(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*2)
	if n == 0 {
		return out
	}
	for i := range n {
		gain := float64(n-1-i) / float64(n)
		v := int16(float64(sampleAt(pcm, i)) * gain)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// Silence returns n bytes of zeroed PCM (n is rounded down to whole samples).
func Silence(n int) []byte {
	return make([]byte, n&^1)
}
