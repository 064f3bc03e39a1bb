package audio

// MulawCodec is the G.711 μ-law codec used by PSTN media streams: 8 kHz mono,
// one byte per sample.
type MulawCodec struct{}

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// Encoding implements [Codec].
func (MulawCodec) Encoding() string { return EncodingMulaw }

// Format implements [Codec].
func (MulawCodec) Format() Format { return Format{SampleRate: 8000, Channels: 1} }

// Decode implements [Codec].
func (MulawCodec) Decode(payload []byte) ([]byte, error) {
	out := make([]byte, len(payload)*2)
	for i, b := range payload {
		s := MulawToLinear(b)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out, nil
}

// Encode implements [Codec].
func (MulawCodec) Encode(pcm []byte) ([]byte, error) {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := range n {
		out[i] = LinearToMulaw(sampleAt(pcm, i))
	}
	return out, nil
}

// MulawToLinear expands one μ-law byte to a linear 16-bit sample.
func MulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	sample := ((int32(mantissa) << 3) + mulawBias) << exponent
	sample -= mulawBias
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// LinearToMulaw compresses one linear 16-bit sample to μ-law.
func LinearToMulaw(s int16) byte {
	v := int32(s)
	var sign byte
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); v&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((v >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}
