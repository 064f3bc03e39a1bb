package store

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Guard wraps a [SummarySink] and makes delivery failures non-fatal: errors
// are logged and counted, and the sink is marked degraded until the next
// successful delivery. A call must end cleanly even while the CRM hand-off
// backend is down.
//
// Guard implements [SummarySink]. All methods are safe for concurrent use.
type Guard struct {
	name     string
	sink     SummarySink
	logger   *slog.Logger
	degraded atomic.Bool
	failures atomic.Uint64
}

// NewGuard wraps sink. name identifies the sink in logs and health reports.
func NewGuard(name string, sink SummarySink, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{name: name, sink: sink, logger: logger}
}

// Name returns the sink name.
func (g *Guard) Name() string { return g.name }

// Deliver forwards r. A failure is logged and swallowed.
func (g *Guard) Deliver(ctx context.Context, r Record) error {
	if err := g.sink.Deliver(ctx, r); err != nil {
		g.degraded.Store(true)
		g.failures.Add(1)
		g.logger.Warn("store: summary delivery failed, swallowing error",
			"sink", g.name,
			"session_id", r.SessionID,
			"err", err,
		)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// IsDegraded reports whether the most recent delivery failed.
func (g *Guard) IsDegraded() bool { return g.degraded.Load() }

// Failures returns the number of failed deliveries.
func (g *Guard) Failures() uint64 { return g.failures.Load() }

var _ SummarySink = (*Guard)(nil)
