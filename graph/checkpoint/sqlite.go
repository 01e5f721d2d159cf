package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"
)

// SQLiteSaver persists checkpoint histories in a single-file SQLite
// database. Zero-setup durability for single-process deployments; use
// MySQLSaver when several processes share a thread space.
//
// The saver enables WAL mode so readers (History, Get) never block the
// committing superstep.
type SQLiteSaver struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteSaver opens (creating if necessary) the database at path and
// migrates the schema. Use ":memory:" for an in-memory database in tests.
func NewSQLiteSaver(path string) (*SQLiteSaver, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite allows one writer; a single pooled connection avoids lock
	// churn between the commit path and history reads.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure sqlite: %w", err)
		}
	}

	s := &SQLiteSaver{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSaver) migrate(ctx context.Context) error {
	const table = `
		CREATE TABLE IF NOT EXISTS checkpoints (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			step INTEGER NOT NULL,
			source TEXT NOT NULL,
			channel_values TEXT NOT NULL,
			pending_tasks TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(thread_id, checkpoint_id)
		)
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("create checkpoints table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id, seq)"); err != nil {
		return fmt.Errorf("create thread index: %w", err)
	}
	return nil
}

// Put implements Saver.
func (s *SQLiteSaver) Put(ctx context.Context, cp Checkpoint) error {
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
func (s *SQLiteSaver) Latest(ctx context.Context, threadID string) (Checkpoint, error) {
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
func (s *SQLiteSaver) Get(ctx context.Context, threadID, checkpointID string) (Checkpoint, error) {
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
func (s *SQLiteSaver) History(ctx context.Context, threadID string) ([]Checkpoint, error) {
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

// Close closes the underlying database. Double-close is a no-op.
func (s *SQLiteSaver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteSaver) Path() string { return s.path }

func (s *SQLiteSaver) ensureOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("sqlite saver is closed")
	}
	return nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (Checkpoint, error) {
	var (
		cp        Checkpoint
		source    string
		values    []byte
		tasks     []byte
		createdAt string
	)
	err := row.Scan(&cp.ThreadID, &cp.ID, &cp.ParentID, &cp.Step, &source, &values, &tasks, &createdAt)
	if err == sql.ErrNoRows {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("scan checkpoint: %w", err)
	}

	cp.Source = Source(source)
	if cp.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Checkpoint{}, fmt.Errorf("parse created_at: %w", err)
	}
	if err := json.Unmarshal(values, &cp.Values); err != nil {
		return Checkpoint{}, fmt.Errorf("unmarshal channel values: %w", err)
	}
	if err := json.Unmarshal(tasks, &cp.PendingTasks); err != nil {
		return Checkpoint{}, fmt.Errorf("unmarshal pending tasks: %w", err)
	}
	return cp, nil
}

func marshalPayload(cp Checkpoint) (values, tasks []byte, err error) {
	if cp.Values == nil {
		cp.Values = map[string]json.RawMessage{}
	}
	if values, err = json.Marshal(cp.Values); err != nil {
		return nil, nil, fmt.Errorf("marshal channel values: %w", err)
	}
	if cp.PendingTasks == nil {
		cp.PendingTasks = []Task{}
	}
	if tasks, err = json.Marshal(cp.PendingTasks); err != nil {
		return nil, nil, fmt.Errorf("marshal pending tasks: %w", err)
	}
	return values, tasks, nil
}
