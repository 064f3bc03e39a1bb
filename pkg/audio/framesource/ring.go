package framesource

import "github.com/MrWong99/leadvox/pkg/audio"

// ring is a fixed-capacity FIFO of frames that evicts the oldest frame when
// full. It is not safe for concurrent use; Source guards it with a mutex.
type ring struct {
	buf     []audio.AudioFrame
	head    int
	size    int
	dropped uint64
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]audio.AudioFrame, capacity)}
}

// push appends f, evicting the oldest frame if the ring is full. Reports
// whether a frame was evicted.
func (r *ring) push(f audio.AudioFrame) bool {
	tail := (r.head + r.size) % len(r.buf)
	r.buf[tail] = f
	if r.size < len(r.buf) {
		r.size++
		return false
	}
	r.head = (r.head + 1) % len(r.buf)
	r.dropped++
	return true
}

func (r *ring) pop() (audio.AudioFrame, bool) {
	if r.size == 0 {
		return audio.AudioFrame{}, false
	}
	f := r.buf[r.head]
	r.buf[r.head] = audio.AudioFrame{}
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return f, true
}

func (r *ring) len() int { return r.size }
