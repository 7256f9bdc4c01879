package sessionlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists session records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS relay_sessions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			preset TEXT NOT NULL,
			remote_addr TEXT NOT NULL DEFAULT '',
			final_state TEXT NOT NULL,
			end_reason TEXT NOT NULL,
			audio_chunks_in INTEGER NOT NULL DEFAULT 0,
			audio_chunks_out INTEGER NOT NULL DEFAULT 0,
			malformed INTEGER NOT NULL DEFAULT 0,
			dropped INTEGER NOT NULL DEFAULT 0,
			greeting_sent BOOLEAN NOT NULL DEFAULT FALSE,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_relay_sessions_ended ON relay_sessions (ended_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, record Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.EndedAt.IsZero() {
		record.EndedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO relay_sessions (id, session_id, preset, remote_addr, final_state, end_reason,
			audio_chunks_in, audio_chunks_out, malformed, dropped, greeting_sent, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		record.ID,
		record.SessionID,
		record.Preset,
		record.RemoteAddr,
		record.FinalState,
		record.EndReason,
		record.AudioChunksIn,
		record.AudioChunksOut,
		record.Malformed,
		record.Dropped,
		record.GreetingSent,
		record.StartedAt,
		record.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("save session record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, preset, remote_addr, final_state, end_reason,
			audio_chunks_in, audio_chunks_out, malformed, dropped, greeting_sent, started_at, ended_at
		 FROM relay_sessions ORDER BY ended_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query session records: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0, limit)
	for rows.Next() {
		var r Record
		if err := rows.Scan(
			&r.ID, &r.SessionID, &r.Preset, &r.RemoteAddr, &r.FinalState, &r.EndReason,
			&r.AudioChunksIn, &r.AudioChunksOut, &r.Malformed, &r.Dropped, &r.GreetingSent,
			&r.StartedAt, &r.EndedAt,
		); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
