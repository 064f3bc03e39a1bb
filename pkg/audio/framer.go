package audio

import "time"

// Framer re-chunks an arbitrary PCM byte stream into fixed-size frames and
// stamps each with a monotonically increasing sequence number and capture
// offset. It is not safe for concurrent use.
type Framer struct {
	format     Format
	frameBytes int
	frameDur   time.Duration

	pending []byte
	seq     uint64
	offset  time.Duration
}

// NewFramer returns a Framer emitting frames of duration d in format f.
func NewFramer(f Format, d time.Duration) *Framer {
	return &Framer{
		format:     f,
		frameBytes: f.BytesPerFrame(d),
		frameDur:   d,
	}
}

// FrameBytes returns the byte length of one complete frame.
func (fr *Framer) FrameBytes() int { return fr.frameBytes }

// Write appends pcm and returns every complete frame now available. Partial
// trailing data is retained for the next call.
func (fr *Framer) Write(pcm []byte) []AudioFrame {
	fr.pending = append(fr.pending, pcm...)
	if len(fr.pending) < fr.frameBytes || fr.frameBytes == 0 {
		return nil
	}

	n := len(fr.pending) / fr.frameBytes
	frames := make([]AudioFrame, 0, n)
	for i := range n {
		data := make([]byte, fr.frameBytes)
		copy(data, fr.pending[i*fr.frameBytes:])
		frames = append(frames, fr.next(data))
	}
	rest := copy(fr.pending, fr.pending[n*fr.frameBytes:])
	fr.pending = fr.pending[:rest]
	return frames
}

// Flush returns the buffered remainder padded with silence to a full frame,
// or false when nothing is buffered.
func (fr *Framer) Flush() (AudioFrame, bool) {
	if len(fr.pending) == 0 {
		return AudioFrame{}, false
	}
	data := make([]byte, fr.frameBytes)
	copy(data, fr.pending)
	fr.pending = fr.pending[:0]
	return fr.next(data), true
}

func (fr *Framer) next(data []byte) AudioFrame {
	f := AudioFrame{
		Data:       data,
		SampleRate: fr.format.SampleRate,
		Channels:   fr.format.Channels,
		Seq:        fr.seq,
		Timestamp:  fr.offset,
	}
	fr.seq++
	fr.offset += fr.frameDur
	return f
}

// Split cuts pcm into chunks of at most size bytes without copying.
func Split(pcm []byte, size int) [][]byte {
	if size <= 0 || len(pcm) == 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(pcm)+size-1)/size)
	for len(pcm) > size {
		chunks = append(chunks, pcm[:size:size])
		pcm = pcm[size:]
	}
	return append(chunks, pcm)
}
