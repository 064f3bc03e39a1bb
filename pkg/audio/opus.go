package audio

import (
	"fmt"
	"sync"

	"layeh.com/gopus"
)

// opusFrameMs is the Opus frame length used on call legs. It matches
// [DefaultFrameSize] so one media message carries one frame.
const opusFrameMs = 20

// OpusCodec wraps a gopus encoder/decoder pair for one mono call leg.
// Opus keeps inter-frame state, so a codec must not be shared between legs.
type OpusCodec struct {
	rate      int
	frameSize int // samples per 20 ms frame

	decMu sync.Mutex
	dec   *gopus.Decoder

	encMu sync.Mutex
	enc   *gopus.Encoder
}

// NewOpusCodec creates an Opus codec at sampleRate, which must be one of the
// rates Opus supports natively (8, 12, 16, 24 or 48 kHz). Zero selects 16 kHz.
func NewOpusCodec(sampleRate int) (*OpusCodec, error) {
	if sampleRate == 0 {
		sampleRate = DefaultSampleRate
	}
	switch sampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return nil, fmt.Errorf("audio: opus does not support %d Hz", sampleRate)
	}
	dec, err := gopus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	enc, err := gopus.NewEncoder(sampleRate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &OpusCodec{
		rate:      sampleRate,
		frameSize: sampleRate * opusFrameMs / 1000,
		dec:       dec,
		enc:       enc,
	}, nil
}

// Encoding implements [Codec].
func (c *OpusCodec) Encoding() string { return EncodingOpus }

// Format implements [Codec].
func (c *OpusCodec) Format() Format { return Format{SampleRate: c.rate, Channels: 1} }

// Decode implements [Codec].
func (c *OpusCodec) Decode(payload []byte) ([]byte, error) {
	c.decMu.Lock()
	defer c.decMu.Unlock()
	pcm, err := c.dec.Decode(payload, c.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// Encode implements [Codec]. pcm must hold exactly one 20 ms frame; shorter
// input is padded with silence.
func (c *OpusCodec) Encode(pcm []byte) ([]byte, error) {
	want := c.frameSize * 2
	if len(pcm) < want {
		padded := make([]byte, want)
		copy(padded, pcm)
		pcm = padded
	}
	c.encMu.Lock()
	defer c.encMu.Unlock()
	out, err := c.enc.Encode(bytesToInt16s(pcm[:want]), c.frameSize, want)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return out, nil
}

func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = sampleAt(b, i)
	}
	return pcm
}
