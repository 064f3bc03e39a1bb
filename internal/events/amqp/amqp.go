// Package amqp publishes session events and call summaries to a RabbitMQ
// topic exchange.
//
// Events are routed as "leadvox.<type>" (for example
// "leadvox.qualification_updated") and summaries as
// "leadvox.session_summary", each with a JSON body. The publisher reconnects
// lazily: a failed publish drops the connection and the next publish dials
// again.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/MrWong99/leadvox/internal/events"
	"github.com/MrWong99/leadvox/internal/store"
)

// RoutingPrefix prefixes every routing key.
const RoutingPrefix = "leadvox."

// SummaryRoutingKey is the routing key of call summaries.
const SummaryRoutingKey = RoutingPrefix + "session_summary"

// DefaultExchange is the topic exchange used when none is configured.
const DefaultExchange = "leadvox.events"

var (
	_ events.Sink       = (*Publisher)(nil)
	_ store.SummarySink = (*Publisher)(nil)
)

// ErrClosed is returned by publishes after [Publisher.Close].
var ErrClosed = errors.New("amqp: publisher closed")

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Connection is the subset of *amqp.Connection the publisher uses.
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection.
type Dialer func(url string) (Connection, error)

// Dial is the default [Dialer] backed by amqp.Dial.
func Dial(url string) (Connection, error) {
	c, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return brokerConn{c}, nil
}

type brokerConn struct{ *amqp.Connection }

func (c brokerConn) Channel() (Channel, error) { return c.Connection.Channel() }

// Publisher is an [events.Sink] and a [store.SummarySink]. It is safe for
// concurrent use.
type Publisher struct {
	url      string
	exchange string
	dial     Dialer
	ttl      time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	conn   Connection
	ch     Channel
	closed bool
}

// Option is a functional option for [New].
type Option func(*Publisher)

// WithExchange sets the topic exchange. Default: [DefaultExchange].
func WithExchange(name string) Option {
	return func(p *Publisher) {
		if name != "" {
			p.exchange = name
		}
	}
}

// WithDialer replaces the broker dialer.
func WithDialer(d Dialer) Option {
	return func(p *Publisher) { p.dial = d }
}

// WithMessageTTL sets a per-message expiration so an unconsumed queue does
// not grow without bound. Zero disables it. Default: 12h.
func WithMessageTTL(d time.Duration) Option {
	return func(p *Publisher) { p.ttl = d }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

// New creates a publisher for the broker at url and connects once so that
// configuration errors surface at startup.
func New(url string, opts ...Option) (*Publisher, error) {
	if url == "" {
		return nil, errors.New("amqp: url is required")
	}
	p := &Publisher{
		url:      url,
		exchange: DefaultExchange,
		dial:     Dial,
		ttl:      12 * time.Hour,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

// Publish implements [events.Sink].
func (p *Publisher) Publish(ctx context.Context, e events.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("amqp: encode event: %w", err)
	}
	return p.send(ctx, RoutingPrefix+string(e.Type), e.ID, e.Time, body)
}

// Deliver implements [store.SummarySink]. The body is the summary document.
func (p *Publisher) Deliver(ctx context.Context, r store.Record) error {
	return p.send(ctx, SummaryRoutingKey, r.SessionID, r.EndedAt, r.Document)
}

// Healthy reports whether the broker connection is up.
func (p *Publisher) Healthy(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.conn == nil || p.conn.IsClosed() {
		return errors.New("amqp: not connected")
	}
	return nil
}

// Close closes the channel and connection. Further publishes fail with
// [ErrClosed].
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.dropLocked()
}

func (p *Publisher) send(ctx context.Context, key, id string, at time.Time, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    at,
		Body:         body,
	}
	if p.ttl > 0 {
		msg.Expiration = fmt.Sprintf("%d", p.ttl.Milliseconds())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.ch == nil || p.conn.IsClosed() {
		if err := p.connectLocked(); err != nil {
			return err
		}
	}
	if err := p.ch.Publish(p.exchange, key, false, false, msg); err != nil {
		p.logger.Warn("amqp: publish failed, dropping connection", "routing_key", key, "err", err)
		_ = p.dropLocked()
		return fmt.Errorf("amqp: publish %s: %w", key, err)
	}
	return nil
}

func (p *Publisher) connectLocked() error {
	_ = p.dropLocked()
	conn, err := p.dial(p.url)
	if err != nil {
		return fmt.Errorf("amqp: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("amqp: declare exchange %q: %w", p.exchange, err)
	}
	p.conn, p.ch = conn, ch
	p.logger.Info("amqp: connected", "exchange", p.exchange)
	return nil
}

func (p *Publisher) dropLocked() error {
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
		p.ch = nil
	}
	if p.conn != nil {
		if !p.conn.IsClosed() {
			errs = append(errs, p.conn.Close())
		}
		p.conn = nil
	}
	return errors.Join(errs...)
}
