// Package checkpoint defines the durable snapshot format of a run and the
// Saver interface over checkpoint storage, with in-memory, SQLite, MySQL,
// and Badger implementations.
package checkpoint

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a thread or checkpoint id does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// Source records what produced a checkpoint.
type Source string

const (
	// SourceInput marks the checkpoint committed for caller-supplied input.
	SourceInput Source = "input"

	// SourceLoop marks a checkpoint committed by the superstep loop.
	SourceLoop Source = "loop"

	// SourceUpdate marks a checkpoint created by an explicit state update
	// against the latest checkpoint.
	SourceUpdate Source = "update"

	// SourceFork marks a checkpoint created by updating a historical,
	// non-latest checkpoint, starting a new branch.
	SourceFork Source = "fork"
)

// Task is one pending invocation scheduled for the superstep after the
// checkpoint: the node to run, plus an optional fan-out payload merged into
// that task's input snapshot only.
type Task struct {
	Node    string         `json:"node"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Checkpoint is an immutable snapshot of one thread at one superstep:
// every channel value, the tasks ready for the next superstep, and lineage
// metadata. Checkpoints for a thread form a directed history; ParentID may
// point at any ancestor, not necessarily the previous commit (forks).
type Checkpoint struct {
	ThreadID string `json:"thread_id"`
	ID       string `json:"checkpoint_id"`
	ParentID string `json:"parent_checkpoint_id,omitempty"`

	// Step is the superstep counter at commit time, monotonic within a
	// lineage branch.
	Step int `json:"step"`

	// Values holds the committed channel state, one raw message per channel.
	Values map[string]json.RawMessage `json:"channel_values"`

	// PendingTasks is the ready set for the next superstep. Empty means the
	// run completed at this checkpoint.
	PendingTasks []Task `json:"pending_tasks,omitempty"`

	Source    Source    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// NewID returns a fresh checkpoint identifier.
func NewID() string { return uuid.NewString() }

// Saver is append-only checkpoint storage, scoped by thread.
//
// Implementations must keep per-thread commit order: History returns
// checkpoints most recent first, and Latest returns the last Put for the
// thread. Cross-thread operations are independent and need no coordination.
type Saver interface {
	// Put appends a checkpoint to its thread's history.
	Put(ctx context.Context, cp Checkpoint) error

	// Latest returns the most recently committed checkpoint for the thread,
	// or ErrNotFound for an unknown thread.
	Latest(ctx context.Context, threadID string) (Checkpoint, error)

	// Get returns one checkpoint by id, or ErrNotFound.
	Get(ctx context.Context, threadID, checkpointID string) (Checkpoint, error)

	// History returns the thread's checkpoints, most recent first.
	// The sequence is finite and a fresh call restarts from the top.
	History(ctx context.Context, threadID string) ([]Checkpoint, error)
}
