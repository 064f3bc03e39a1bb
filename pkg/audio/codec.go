package audio

import (
	"errors"
	"fmt"
)

// Media encodings understood by call transports.
const (
	EncodingMulaw = "audio/x-mulaw"
	EncodingL16   = "audio/l16"
	EncodingOpus  = "audio/opus"
)

// ErrUnknownEncoding is returned by [NewCodec] for unsupported encodings.
var ErrUnknownEncoding = errors.New("audio: unknown media encoding")

// Codec converts between a transport's wire payload and PCM16 samples in the
// codec's native [Format]. Implementations may hold per-stream state (Opus
// does), so create one per call leg and direction.
type Codec interface {
	// Encoding returns the media type string (e.g. "audio/x-mulaw").
	Encoding() string

	// Format returns the native PCM format of decoded payloads.
	Format() Format

	// Decode converts one wire payload to PCM16.
	Decode(payload []byte) ([]byte, error)

	// Encode converts PCM16 in [Codec.Format] to one wire payload.
	Encode(pcm []byte) ([]byte, error)
}

// NewCodec returns a codec for encoding at sampleRate. sampleRate is ignored
// for μ-law, which is always 8 kHz.
func NewCodec(encoding string, sampleRate int) (Codec, error) {
	switch encoding {
	case EncodingMulaw, "":
		return MulawCodec{}, nil
	case EncodingL16:
		if sampleRate <= 0 {
			sampleRate = DefaultSampleRate
		}
		return L16Codec{Rate: sampleRate}, nil
	case EncodingOpus:
		return NewOpusCodec(sampleRate)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, encoding)
	}
}

// L16Codec passes signed 16-bit little-endian PCM through unchanged.
type L16Codec struct {
	Rate int
}

// Encoding implements [Codec].
func (c L16Codec) Encoding() string { return EncodingL16 }

// Format implements [Codec].
func (c L16Codec) Format() Format { return Format{SampleRate: c.Rate, Channels: 1} }

// Decode implements [Codec].
func (c L16Codec) Decode(payload []byte) ([]byte, error) {
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("audio: l16 payload has odd length %d", len(payload))
	}
	return payload, nil
}

// Encode implements [Codec].
func (c L16Codec) Encode(pcm []byte) ([]byte, error) { return pcm, nil }

var (
	_ Codec = MulawCodec{}
	_ Codec = L16Codec{}
	_ Codec = (*OpusCodec)(nil)
)
