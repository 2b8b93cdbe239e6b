package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists turns in a conversation_turns table.
// All methods are safe for concurrent use.
type PostgresStore struct {
	pool     *pgxpool.Pool
	maxTurns int
}

const schema = `
CREATE TABLE IF NOT EXISTS conversation_turns (
    id          BIGSERIAL PRIMARY KEY,
    session_id  TEXT        NOT NULL,
    generation  BIGINT      NOT NULL,
    role        TEXT        NOT NULL,
    input       TEXT        NOT NULL,
    response    TEXT        NOT NULL,
    tier        TEXT        NOT NULL,
    cached      BOOLEAN     NOT NULL,
    latency_ns  BIGINT      NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS conversation_turns_session_idx
    ON conversation_turns (session_id, created_at);`

// NewPostgresStore connects to dsn and ensures the schema exists.
// maxTurns caps retention per session.
func NewPostgresStore(ctx context.Context, dsn string, maxTurns int) (*PostgresStore, error) {
	if maxTurns <= 0 {
		maxTurns = 50
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ensure schema: %w", err)
	}
	return &PostgresStore{pool: pool, maxTurns: maxTurns}, nil
}

// Append implements Store. The per-session cap is enforced on write by
// deleting everything older than the newest maxTurns rows.
func (s *PostgresStore) Append(ctx context.Context, t Turn) error {
	const insert = `
		INSERT INTO conversation_turns
		    (session_id, generation, role, input, response, tier, cached, latency_ns, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.pool.Exec(ctx, insert,
		t.SessionID,
		int64(t.Generation),
		t.Role,
		t.Input,
		t.Response,
		t.Tier,
		t.Cached,
		t.Latency.Nanoseconds(),
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("history: append turn: %w", err)
	}

	const trim = `
		DELETE FROM conversation_turns
		WHERE  session_id = $1
		  AND  id NOT IN (
		      SELECT id FROM conversation_turns
		      WHERE  session_id = $1
		      ORDER  BY id DESC
		      LIMIT  $2
		  )`
	if _, err := s.pool.Exec(ctx, trim, t.SessionID, s.maxTurns); err != nil {
		return fmt.Errorf("history: trim session %q: %w", t.SessionID, err)
	}
	return nil
}

// Recent implements Store.
func (s *PostgresStore) Recent(ctx context.Context, sessionID string, n int) ([]Turn, error) {
	if n <= 0 || n > s.maxTurns {
		n = s.maxTurns
	}
	const q = `
		SELECT session_id, generation, role, input, response, tier, cached, latency_ns, created_at
		FROM (
		    SELECT * FROM conversation_turns
		    WHERE  session_id = $1
		    ORDER  BY id DESC
		    LIMIT  $2
		) newest
		ORDER BY id`

	rows, err := s.pool.Query(ctx, q, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("history: recent turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var generation, latencyNs int64
		if err := rows.Scan(
			&t.SessionID, &generation, &t.Role, &t.Input, &t.Response,
			&t.Tier, &t.Cached, &latencyNs, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("history: scan turn: %w", err)
		}
		t.Generation = uint64(generation)
		t.Latency = time.Duration(latencyNs)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate turns: %w", err)
	}
	return turns, nil
}

// Ping reports whether the database is reachable. Used by the readiness
// probe.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var _ Store = (*PostgresStore)(nil)
