package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLSaver persists checkpoint histories in MySQL/MariaDB, for
// deployments where several processes share one thread space or histories
// must survive host loss.
//
// DSN format follows go-sql-driver:
//
//	user:password@tcp(host:3306)/dbname?parseTime=true
//
// Never hardcode credentials; read the DSN from the environment.
type MySQLSaver struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLSaver opens a pooled connection, verifies it, and migrates the
// schema.
func NewMySQLSaver(dsn string) (*MySQLSaver, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLSaver{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLSaver) migrate(ctx context.Context) error {
	const table = `
		CREATE TABLE IF NOT EXISTS checkpoints (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			thread_id VARCHAR(512) NOT NULL,
			checkpoint_id VARCHAR(64) NOT NULL,
			parent_id VARCHAR(64) NOT NULL DEFAULT '',
			step INT NOT NULL,
			source VARCHAR(16) NOT NULL,
			channel_values JSON NOT NULL,
			pending_tasks JSON NOT NULL,
			created_at VARCHAR(40) NOT NULL,
			INDEX idx_thread (thread_id, seq),
			UNIQUE KEY unique_thread_checkpoint (thread_id, checkpoint_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("create checkpoints table: %w", err)
	}
	return nil
}

// Put implements Saver.
func (s *MySQLSaver) Put(ctx context.Context, cp Checkpoint) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}

	values, tasks, err := marshalPayload(cp)
	if err != nil {
		return err
	}

	const insert = `
		INSERT INTO checkpoints
			(thread_id, checkpoint_id, parent_id, step, source, channel_values, pending_tasks, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, insert,
		cp.ThreadID, cp.ID, cp.ParentID, cp.Step, string(cp.Source),
		values, tasks, cp.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// Latest implements Saver.
func (s *MySQLSaver) Latest(ctx context.Context, threadID string) (Checkpoint, error) {
	if err := s.ensureOpen(); err != nil {
		return Checkpoint{}, err
	}

	const query = `
		SELECT thread_id, checkpoint_id, parent_id, step, source, channel_values, pending_tasks, created_at
		FROM checkpoints
		WHERE thread_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`
	return scanCheckpoint(s.db.QueryRowContext(ctx, query, threadID))
}

// Get implements Saver.
func (s *MySQLSaver) Get(ctx context.Context, threadID, checkpointID string) (Checkpoint, error) {
	if err := s.ensureOpen(); err != nil {
		return Checkpoint{}, err
	}

	const query = `
		SELECT thread_id, checkpoint_id, parent_id, step, source, channel_values, pending_tasks, created_at
		FROM checkpoints
		WHERE thread_id = ? AND checkpoint_id = ?
	`
	return scanCheckpoint(s.db.QueryRowContext(ctx, query, threadID, checkpointID))
}

// History implements Saver, most recent first.
func (s *MySQLSaver) History(ctx context.Context, threadID string) ([]Checkpoint, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	const query = `
		SELECT thread_id, checkpoint_id, parent_id, step, source, channel_values, pending_tasks, created_at
		FROM checkpoints
		WHERE thread_id = ?
		ORDER BY seq DESC
	`
	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

// Ping verifies the connection, for health checks.
func (s *MySQLSaver) Ping(ctx context.Context) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close closes the connection pool. Double-close is a no-op.
func (s *MySQLSaver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *MySQLSaver) ensureOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("mysql saver is closed")
	}
	return nil
}
