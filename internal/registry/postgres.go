package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps one registry row per profile key, for deployments
// where several gateway replicas must agree on the last tracked session.
type PostgresStore struct {
	pool       *pgxpool.Pool
	profileKey string
}

func NewPostgresStore(ctx context.Context, databaseURL, profileKey string) (*PostgresStore, error) {
	if profileKey == "" {
		return nil, fmt.Errorf("registry profile key is required")
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, profileKey: profileKey}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmt := `CREATE TABLE IF NOT EXISTS session_registry (
		profile_key TEXT PRIMARY KEY,
		last_session_id TEXT NOT NULL,
		last_session_ts TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("init registry schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Read(ctx context.Context) (Record, bool, error) {
	var r Record
	var ts *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT last_session_id, last_session_ts FROM session_registry WHERE profile_key=$1`,
		s.profileKey,
	).Scan(&r.LastSessionID, &ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("read registry row: %w", err)
	}
	if ts != nil {
		r.LastSessionTimestamp = ts.UTC()
	}
	return r, true, nil
}

func (s *PostgresStore) Write(ctx context.Context, sessionID string, ts time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_registry (profile_key, last_session_id, last_session_ts, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (profile_key)
		 DO UPDATE SET last_session_id=$2, last_session_ts=$3, updated_at=now()`,
		s.profileKey,
		sessionID,
		ts,
	)
	if err != nil {
		return fmt.Errorf("write registry row: %w", err)
	}
	return nil
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM session_registry WHERE profile_key=$1`,
		s.profileKey,
	)
	if err != nil {
		return fmt.Errorf("clear registry row: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
