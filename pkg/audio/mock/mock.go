// Package mock provides an in-memory implementation of [audio.Transport] for
// use in unit tests.
//
// The mock is safe for concurrent use. Tests push caller audio with
// [Transport.Push], end the call with [Transport.Hangup] or [Transport.Fail],
// and inspect everything the engine played via [Transport.Sent].
//
// Typical usage:
//
//	tr := mock.NewTransport(audio.Format{SampleRate: 16000, Channels: 1})
//	src := framesource.New(tr)
//	tr.Push(pcm)
//	tr.Hangup()
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/leadvox/pkg/audio"
)

// SentChunk is one Send call observed by the mock.
type SentChunk struct {
	PCM []byte
	At  time.Time
}

// Transport is a mock implementation of [audio.Transport].
type Transport struct {
	format audio.Format
	in     chan audio.AudioFrame

	mu       sync.Mutex
	sent     []SentChunk
	clears   int
	closed   bool
	inClosed bool
	err      error
	offset   time.Duration
	sendErr  error
	onSend   func(pcm []byte)
	onClear  func(ctx context.Context) error
}

// NewTransport returns a mock transport in format f with a generous inbound
// buffer.
func NewTransport(f audio.Format) *Transport {
	return &Transport{
		format: f,
		in:     make(chan audio.AudioFrame, 1024),
	}
}

// Push delivers caller audio as one inbound chunk. It blocks once more than
// 1024 chunks are pending.
func (t *Transport) Push(pcm []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inClosed {
		return
	}
	f := audio.AudioFrame{
		Data:       pcm,
		SampleRate: t.format.SampleRate,
		Channels:   t.format.Channels,
		Timestamp:  t.offset,
	}
	t.offset += t.format.Duration(len(pcm))
	t.in <- f
}

// Hangup ends the inbound stream cleanly.
func (t *Transport) Hangup() { t.closeInbound(nil) }

// Fail ends the inbound stream with err.
func (t *Transport) Fail(err error) { t.closeInbound(err) }

func (t *Transport) closeInbound(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inClosed {
		return
	}
	t.inClosed = true
	t.err = err
	close(t.in)
}

// SetSendError makes every subsequent Send return err.
func (t *Transport) SetSendError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

// OnSend registers a hook called synchronously from every Send.
func (t *Transport) OnSend(fn func(pcm []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSend = fn
}

// OnClear registers a hook called from every Clear, without the mock's lock
// held. Its result is returned by Clear.
func (t *Transport) OnClear(fn func(ctx context.Context) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClear = fn
}

// Sent returns a copy of every chunk passed to Send so far.
func (t *Transport) Sent() []SentChunk {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SentChunk, len(t.sent))
	copy(out, t.sent)
	return out
}

// Clears returns how many times Clear was called.
func (t *Transport) Clears() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clears
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Format implements [audio.Transport].
func (t *Transport) Format() audio.Format { return t.format }

// Inbound implements [audio.Transport].
func (t *Transport) Inbound() <-chan audio.AudioFrame { return t.in }

// Send implements [audio.Transport].
func (t *Transport) Send(_ context.Context, pcm []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return audio.ErrTransportClosed
	}
	if t.sendErr != nil {
		err := t.sendErr
		t.mu.Unlock()
		return err
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	t.sent = append(t.sent, SentChunk{PCM: cp, At: time.Now()})
	hook := t.onSend
	t.mu.Unlock()
	if hook != nil {
		hook(cp)
	}
	return nil
}

// Clear implements [audio.Transport].
func (t *Transport) Clear(ctx context.Context) error {
	t.mu.Lock()
	t.clears++
	hook := t.onClear
	t.mu.Unlock()
	if hook != nil {
		return hook(ctx)
	}
	return nil
}

// Err implements [audio.Transport].
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close implements [audio.Transport].
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

var _ audio.Transport = (*Transport)(nil)
