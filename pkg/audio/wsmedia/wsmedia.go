// Package wsmedia implements [audio.Transport] over a telephony media-stream
// WebSocket.
//
// The far end (a telephony gateway) opens the socket and sends JSON text
// messages:
//
//	{"event":"start","start":{"streamSid":"…","callSid":"…","mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1},"customParameters":{…}}}
//	{"event":"media","media":{"payload":"<base64>","chunk":"1","timestamp":"20"}}
//	{"event":"mark","mark":{"name":"…"}}
//	{"event":"stop"}
//
// Agent audio goes back as "media" messages and a barge-in flushes the
// gateway's playback buffer with "clear".
package wsmedia

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/leadvox/pkg/audio"
)

// ErrNoStart is returned by [Accept] when the stream does not open with a
// "start" message.
var ErrNoStart = errors.New("wsmedia: stream did not start")

// Event names on the wire.
const (
	eventConnected = "connected"
	eventStart     = "start"
	eventMedia     = "media"
	eventMark      = "mark"
	eventStop      = "stop"
	eventClear     = "clear"
)

// Message is one media-stream protocol message.
type Message struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *StartPayload `json:"start,omitempty"`
	Media     *MediaPayload `json:"media,omitempty"`
	Mark      *MarkPayload  `json:"mark,omitempty"`
}

// StartPayload describes the call leg.
type StartPayload struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaFormat names the wire encoding of media payloads.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaPayload carries one base64 audio chunk.
type MediaPayload struct {
	Payload   string `json:"payload"`
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// MarkPayload names a playback marker.
type MarkPayload struct {
	Name string `json:"name"`
}

// ─── Options ─────────────────────────────────────────────────────────────────

// Option is a functional option for [Accept].
type Option func(*config)

type config struct {
	startTimeout  time.Duration
	inboundBuffer int
	readLimit     int64
	origins       []string
	onMark        func(name string)
	logger        *slog.Logger
}

// WithStartTimeout bounds the wait for the "start" message. Default: 5 s.
func WithStartTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.startTimeout = d
		}
	}
}

// WithInboundBuffer sets the decoded-audio channel capacity. When the
// consumer falls behind, the oldest chunk is dropped. Default: 256.
func WithInboundBuffer(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.inboundBuffer = n
		}
	}
}

// WithOriginPatterns allows cross-origin handshakes from the given host
// patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(c *config) { c.origins = patterns }
}

// WithMarkHandler registers fn for inbound "mark" acknowledgements.
func WithMarkHandler(fn func(name string)) Option {
	return func(c *config) { c.onMark = fn }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// ─── Conn ────────────────────────────────────────────────────────────────────

// Conn is one accepted media stream. It implements [audio.Transport].
type Conn struct {
	ws    *websocket.Conn
	start StartPayload
	codec audio.Codec
	enc   audio.Codec
	cfg   config
	log   *slog.Logger

	in      chan audio.AudioFrame
	readCtx context.Context
	stop    context.CancelFunc

	writeMu sync.Mutex

	mu      sync.Mutex
	err     error
	closed  bool
	dropped uint64
	once    sync.Once
}

var _ audio.Transport = (*Conn)(nil)

// Accept upgrades r to a WebSocket and waits for the stream's "start"
// message. The returned Conn decodes inbound media until the gateway sends
// "stop" or the socket closes.
func Accept(w http.ResponseWriter, r *http.Request, opts ...Option) (*Conn, error) {
	cfg := config{
		startTimeout:  5 * time.Second,
		inboundBuffer: 256,
		readLimit:     1 << 20,
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(&cfg)
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: cfg.origins})
	if err != nil {
		return nil, fmt.Errorf("wsmedia: accept: %w", err)
	}
	ws.SetReadLimit(cfg.readLimit)

	start, err := awaitStart(r.Context(), ws, cfg.startTimeout)
	if err != nil {
		ws.CloseNow()
		return nil, err
	}

	dec, err := audio.NewCodec(start.MediaFormat.Encoding, start.MediaFormat.SampleRate)
	if err != nil {
		ws.CloseNow()
		return nil, fmt.Errorf("wsmedia: %w", err)
	}
	// Opus codecs are stateful per direction.
	enc, err := audio.NewCodec(start.MediaFormat.Encoding, start.MediaFormat.SampleRate)
	if err != nil {
		ws.CloseNow()
		return nil, fmt.Errorf("wsmedia: %w", err)
	}

	// The read loop outlives the upgrade request.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &Conn{
		ws:      ws,
		start:   start,
		codec:   dec,
		enc:     enc,
		cfg:     cfg,
		log:     cfg.logger.With("stream_sid", start.StreamSID, "call_sid", start.CallSID),
		in:      make(chan audio.AudioFrame, cfg.inboundBuffer),
		readCtx: ctx,
		stop:    cancel,
	}
	go c.readLoop()
	return c, nil
}

func awaitStart(ctx context.Context, ws *websocket.Conn, timeout time.Duration) (StartPayload, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		var m Message
		if err := wsjson.Read(ctx, ws, &m); err != nil {
			return StartPayload{}, fmt.Errorf("%w: %w", ErrNoStart, err)
		}
		switch m.Event {
		case eventConnected:
			continue
		case eventStart:
			if m.Start == nil {
				return StartPayload{}, fmt.Errorf("%w: empty start payload", ErrNoStart)
			}
			s := *m.Start
			if s.StreamSID == "" {
				s.StreamSID = m.StreamSID
			}
			return s, nil
		default:
			return StartPayload{}, fmt.Errorf("%w: got %q first", ErrNoStart, m.Event)
		}
	}
}

// Start returns the stream's start payload.
func (c *Conn) Start() StartPayload { return c.start }

// Format implements [audio.Transport].
func (c *Conn) Format() audio.Format { return c.codec.Format() }

// Inbound implements [audio.Transport].
func (c *Conn) Inbound() <-chan audio.AudioFrame { return c.in }

// Err implements [audio.Transport].
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Dropped returns the number of inbound chunks discarded because the
// consumer fell behind.
func (c *Conn) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Send implements [audio.Transport].
func (c *Conn) Send(ctx context.Context, pcm []byte) error {
	if c.isClosed() {
		return audio.ErrTransportClosed
	}
	c.writeMu.Lock()
	payload, err := c.enc.Encode(pcm)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("wsmedia: encode: %w", err)
	}
	return c.write(ctx, Message{
		Event:     eventMedia,
		StreamSID: c.start.StreamSID,
		Media:     &MediaPayload{Payload: base64.StdEncoding.EncodeToString(payload)},
	})
}

// Clear implements [audio.Transport].
func (c *Conn) Clear(ctx context.Context) error {
	if c.isClosed() {
		return audio.ErrTransportClosed
	}
	return c.write(ctx, Message{Event: eventClear, StreamSID: c.start.StreamSID})
}

// Mark asks the gateway to echo name back once all audio sent so far has
// played.
func (c *Conn) Mark(ctx context.Context, name string) error {
	if c.isClosed() {
		return audio.ErrTransportClosed
	}
	return c.write(ctx, Message{Event: eventMark, StreamSID: c.start.StreamSID, Mark: &MarkPayload{Name: name}})
}

func (c *Conn) write(ctx context.Context, m Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsjson.Write(ctx, c.ws, m); err != nil {
		if c.isClosed() {
			return audio.ErrTransportClosed
		}
		return fmt.Errorf("wsmedia: write %s: %w", m.Event, err)
	}
	return nil
}

// Close implements [audio.Transport].
func (c *Conn) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		if err := c.ws.Close(websocket.StatusNormalClosure, "call ended"); err != nil {
			c.log.Debug("wsmedia: close", "err", err)
		}
		c.stop()
	})
	return nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ─── Read loop ───────────────────────────────────────────────────────────────

func (c *Conn) readLoop() {
	err := c.read()
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	close(c.in)
	if err != nil {
		c.log.Warn("wsmedia: stream failed", "err", err)
	} else {
		c.log.Debug("wsmedia: stream ended")
	}
}

// read returns nil for a clean end of stream.
func (c *Conn) read() error {
	for {
		var m Message
		if err := wsjson.Read(c.readCtx, c.ws, &m); err != nil {
			switch {
			case c.isClosed(), c.readCtx.Err() != nil:
				return nil
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
				websocket.CloseStatus(err) == websocket.StatusGoingAway:
				return nil
			}
			return fmt.Errorf("wsmedia: read: %w", err)
		}

		switch m.Event {
		case eventMedia:
			if m.Media == nil || (m.Media.Track != "" && m.Media.Track != "inbound") {
				continue
			}
			if err := c.onMedia(m.Media.Payload); err != nil {
				c.log.Debug("wsmedia: bad media chunk", "err", err)
			}
		case eventMark:
			if m.Mark != nil && c.cfg.onMark != nil {
				c.cfg.onMark(m.Mark.Name)
			}
		case eventStop:
			return nil
		default:
			c.log.Debug("wsmedia: ignoring message", "event", m.Event)
		}
	}
}

func (c *Conn) onMedia(b64 string) error {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("base64: %w", err)
	}
	pcm, err := c.codec.Decode(raw)
	if err != nil {
		return err
	}
	f := c.codec.Format()
	frame := audio.AudioFrame{Data: pcm, SampleRate: f.SampleRate, Channels: f.Channels}
	for {
		select {
		case c.in <- frame:
			return nil
		default:
		}
		// Full: evict the oldest chunk so capture stays near real time.
		select {
		case <-c.in:
			c.mu.Lock()
			c.dropped++
			c.mu.Unlock()
		default:
		}
	}
}
