// Package postgres writes finished call summaries into the
// session_summaries hand-off table, from which the CRM sync picks them up.
//
// Usage:
//
//	s, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer s.Close()
//	_ = s.Deliver(ctx, record)
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/leadvox/internal/store"
)

var _ store.SummarySink = (*Store)(nil)

const ddlSessionSummaries = `
CREATE TABLE IF NOT EXISTS session_summaries (
    session_id   TEXT         PRIMARY KEY,
    lead_id      TEXT         NOT NULL DEFAULT '',
    started_at   TIMESTAMPTZ  NOT NULL,
    ended_at     TIMESTAMPTZ  NOT NULL,
    end_reason   TEXT         NOT NULL,
    escalated    BOOLEAN      NOT NULL DEFAULT false,
    score        INTEGER      NOT NULL DEFAULT 0,
    document     JSONB        NOT NULL,
    picked_up_at TIMESTAMPTZ,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_summaries_pending
    ON session_summaries (ended_at)
    WHERE picked_up_at IS NULL;

CREATE INDEX IF NOT EXISTS idx_session_summaries_lead_id
    ON session_summaries (lead_id);
`

// Store is the PostgreSQL summary sink. It is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the hand-off table and its indexes. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSessionSummaries); err != nil {
		return fmt.Errorf("create session_summaries: %w", err)
	}
	return nil
}

// Deliver implements [store.SummarySink]. A second delivery for the same
// session replaces the first and re-queues it for pick-up.
func (s *Store) Deliver(ctx context.Context, r store.Record) error {
	const q = `
		INSERT INTO session_summaries
		    (session_id, lead_id, started_at, ended_at, end_reason, escalated, score, document)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO UPDATE SET
		    lead_id      = EXCLUDED.lead_id,
		    started_at   = EXCLUDED.started_at,
		    ended_at     = EXCLUDED.ended_at,
		    end_reason   = EXCLUDED.end_reason,
		    escalated    = EXCLUDED.escalated,
		    score        = EXCLUDED.score,
		    document     = EXCLUDED.document,
		    picked_up_at = NULL`

	_, err := s.pool.Exec(ctx, q,
		r.SessionID,
		r.LeadID,
		r.StartedAt,
		r.EndedAt,
		r.EndReason,
		r.Escalated,
		r.Score,
		[]byte(r.Document),
	)
	if err != nil {
		return fmt.Errorf("postgres store: deliver: %w", err)
	}
	return nil
}

// Get returns the stored record of sessionID or [store.ErrNotFound].
func (s *Store) Get(ctx context.Context, sessionID string) (store.Record, error) {
	const q = `
		SELECT session_id, lead_id, started_at, ended_at, end_reason, escalated, score, document
		FROM   session_summaries
		WHERE  session_id = $1`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return store.Record{}, fmt.Errorf("postgres store: get: %w", err)
	}
	r, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("postgres store: get: %w", err)
	}
	return r, nil
}

// Pending returns up to limit summaries not yet picked up, oldest first,
// and marks them as picked up in the same transaction.
func (s *Store) Pending(ctx context.Context, limit int) ([]store.Record, error) {
	const q = `
		UPDATE session_summaries
		SET    picked_up_at = now()
		WHERE  session_id IN (
		    SELECT session_id
		    FROM   session_summaries
		    WHERE  picked_up_at IS NULL
		    ORDER  BY ended_at
		    LIMIT  $1
		    FOR UPDATE SKIP LOCKED)
		RETURNING session_id, lead_id, started_at, ended_at, end_reason, escalated, score, document`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: pending: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("postgres store: pending: %w", err)
	}
	return recs, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func scanRecord(row pgx.CollectableRow) (store.Record, error) {
	var (
		r   store.Record
		doc []byte
	)
	if err := row.Scan(
		&r.SessionID,
		&r.LeadID,
		&r.StartedAt,
		&r.EndedAt,
		&r.EndReason,
		&r.Escalated,
		&r.Score,
		&doc,
	); err != nil {
		return store.Record{}, err
	}
	r.Document = doc
	return r, nil
}
