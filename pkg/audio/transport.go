// Package audio defines the call-audio primitives shared by every leadvox
// stage: fixed-size PCM frames, format normalisation, framing, media codecs,
// and the [Transport] abstraction for a bidirectional call leg.
//
// Concrete transports live in sub-packages (e.g. audio/wsmedia). The
// interface is intentionally narrow so that sessions stay decoupled from
// telephony vendor details.
package audio

import (
	"context"
	"errors"
)

// ErrTransportClosed is returned by [Transport.Send] after the leg has closed.
var ErrTransportClosed = errors.New("audio: transport closed")

// Transport is one bidirectional call leg: caller audio in, agent audio out.
//
// Implementations must be safe for concurrent use: the inbound channel is
// read by the capture goroutine while Send and Clear are called from the
// playback goroutine.
type Transport interface {
	// Format returns the native PCM format of both directions after codec
	// decoding (e.g. 8 kHz mono for μ-law telephony).
	Format() Format

	// Inbound returns the channel of decoded caller audio. Chunks may be any
	// length; the frame source re-frames them. The channel is closed when the
	// caller hangs up or the leg fails; [Transport.Err] then reports why.
	Inbound() <-chan AudioFrame

	// Send writes PCM in [Transport.Format] to the caller.
	Send(ctx context.Context, pcm []byte) error

	// Clear asks the far end to discard any audio it has buffered but not
	// yet played. Used on barge-in.
	Clear(ctx context.Context) error

	// Err returns the terminal error after Inbound has closed, or nil for a
	// normal hangup.
	Err() error

	// Close tears the leg down. Safe to call more than once.
	Close() error
}
