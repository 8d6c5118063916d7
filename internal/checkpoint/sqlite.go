package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"deepresearch/internal/metrics"
	"deepresearch/internal/research"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
    session_id TEXT PRIMARY KEY,
    state      BLOB NOT NULL,
    updated_at TIMESTAMP NOT NULL
);`

// SQLiteStore keeps checkpoints in a local SQLite database, suitable for
// single-node deployments that must survive restarts.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// checkpoint table exists. Use ":memory:" for tests.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpoint table: %w", err)
	}
	logger.Info("SQLite checkpoint store ready", zap.String("path", path))
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, sessionID string, state *research.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		metrics.CheckpointFailures.WithLabelValues("sqlite", "save").Inc()
		return fmt.Errorf("marshal state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (session_id, state, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		sessionID, data, time.Now().UTC(),
	)
	if err != nil {
		metrics.CheckpointFailures.WithLabelValues("sqlite", "save").Inc()
		return fmt.Errorf("save checkpoint: %w", err)
	}
	metrics.CheckpointSaves.WithLabelValues("sqlite").Inc()
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (*research.State, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM checkpoints WHERE session_id = ?`, sessionID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		metrics.CheckpointFailures.WithLabelValues("sqlite", "load").Inc()
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	var state research.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &state, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM checkpoints ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE session_id = ?`, sessionID)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
