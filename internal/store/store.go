// Package store defines where finished call summaries are handed off to
// downstream systems such as the CRM sync.
//
// The orchestrator encodes each summary once into a [Record] and delivers
// it to every configured [SummarySink]. [Memory] keeps records in process;
// the postgres subpackage writes them to the session_summaries table.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"
)

// ErrNotFound is returned when no record exists for a session.
var ErrNotFound = errors.New("store: summary not found")

// Record is one finished call ready for hand-off. Document holds the full
// JSON-encoded summary; the other fields are indexed copies of it.
type Record struct {
	SessionID string          `json:"session_id"`
	LeadID    string          `json:"lead_id,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at"`
	EndReason string          `json:"end_reason"`
	Escalated bool            `json:"escalated"`
	Score     int             `json:"score"`
	Document  json.RawMessage `json:"document"`
}

// SummarySink receives every finished call summary.
type SummarySink interface {
	Deliver(ctx context.Context, r Record) error
}

// SummarySinkFunc adapts a function to [SummarySink].
type SummarySinkFunc func(ctx context.Context, r Record) error

// Deliver implements [SummarySink].
func (f SummarySinkFunc) Deliver(ctx context.Context, r Record) error { return f(ctx, r) }

// ─── In-memory sink ──────────────────────────────────────────────────────────

// Memory keeps the latest record per session. It is safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
	order   []string
	limit   int
}

// NewMemory returns a Memory that retains at most limit sessions, evicting
// the oldest delivery first. limit <= 0 means unbounded.
func NewMemory(limit int) *Memory {
	return &Memory{records: make(map[string]Record), limit: limit}
}

// Deliver implements [SummarySink].
func (m *Memory) Deliver(_ context.Context, r Record) error {
	if r.SessionID == "" {
		return errors.New("store: record without session id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.SessionID]; ok {
		m.order = slices.DeleteFunc(m.order, func(id string) bool { return id == r.SessionID })
	}
	r.Document = slices.Clone(r.Document)
	m.records[r.SessionID] = r
	m.order = append(m.order, r.SessionID)
	if m.limit > 0 && len(m.order) > m.limit {
		delete(m.records, m.order[0])
		m.order = m.order[1:]
	}
	return nil
}

// Get returns the record of sessionID or [ErrNotFound].
func (m *Memory) Get(_ context.Context, sessionID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[sessionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

// Len returns the number of retained records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

var _ SummarySink = (*Memory)(nil)
