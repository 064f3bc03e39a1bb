package audio

import "time"

// Default call-audio parameters. Frames are fixed-size so that VAD and STT
// latency stay bounded by a single frame period.
const (
	DefaultSampleRate = 16000
	DefaultChannels   = 1
	DefaultFrameSize  = 20 * time.Millisecond
)

// AudioFrame is one fixed-length block of 16-bit little-endian PCM flowing
// through a call session. A frame is owned by the stage currently processing
// it and is handed to the next stage by value; it is never mutated after
// emission.
type AudioFrame struct {
	// Data is signed 16-bit little-endian PCM.
	Data []byte

	// SampleRate in Hz (16000 after normalisation, 8000 for raw telephony).
	SampleRate int

	// Channels is 1 for every normalised call frame.
	Channels int

	// Seq is the monotonic sequence number assigned by the frame source.
	Seq uint64

	// Timestamp is the capture offset relative to the start of the call.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerFrame returns the PCM16 byte length of one frame of duration d in
// format f.
func (f Format) BytesPerFrame(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * f.Channels * 2
}

// Duration returns the playback length of pcm bytes in format f.
func (f Format) Duration(pcmBytes int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := pcmBytes / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}.Duration(len(f.Data))
}
