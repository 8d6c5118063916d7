package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"deepresearch/internal/metrics"
	"deepresearch/internal/research"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS research_checkpoints (
    session_id TEXT PRIMARY KEY,
    state      JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);`

// PostgresStore keeps checkpoints in Postgres for shared, durable storage.
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgresStore connects with the given DSN and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpoint table: %w", err)
	}
	logger.Info("Postgres checkpoint store ready")
	return &PostgresStore{db: db, logger: logger}, nil
}

// NewPostgresStoreWithDB wraps an existing connection; used by tests.
func NewPostgresStoreWithDB(db *sqlx.DB, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, logger: logger}
}

func (s *PostgresStore) Save(ctx context.Context, sessionID string, state *research.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		metrics.CheckpointFailures.WithLabelValues("postgres", "save").Inc()
		return fmt.Errorf("marshal state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO research_checkpoints (session_id, state, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (session_id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		sessionID, data, time.Now().UTC(),
	)
	if err != nil {
		metrics.CheckpointFailures.WithLabelValues("postgres", "save").Inc()
		return fmt.Errorf("save checkpoint: %w", err)
	}
	metrics.CheckpointSaves.WithLabelValues("postgres").Inc()
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, sessionID string) (*research.State, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM research_checkpoints WHERE session_id = $1`, sessionID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		metrics.CheckpointFailures.WithLabelValues("postgres", "load").Inc()
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	var state research.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &state, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		`SELECT session_id FROM research_checkpoints ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM research_checkpoints WHERE session_id = $1`, sessionID)
	return err
}

func (s *PostgresStore) Close() error { return s.db.Close() }
