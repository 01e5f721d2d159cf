package graph

import (
	"context"
	"time"

	"github.com/stategraph/stategraph/graph/checkpoint"
)

// Snapshot is the decoded view of one checkpoint: the merged state plus
// enough lineage metadata to navigate and fork the thread's history.
type Snapshot struct {
	Values       Values
	CheckpointID string
	ParentID     string
	Step         int
	Source       checkpoint.Source
	PendingNodes []string
	CreatedAt    time.Time
}

func newSnapshot(cp checkpoint.Checkpoint) (Snapshot, error) {
	values, err := decodeValues(cp.Values)
	if err != nil {
		return Snapshot{}, &CheckpointError{ThreadID: cp.ThreadID, Step: cp.Step, Err: err}
	}
	nodes := make([]string, len(cp.PendingTasks))
	for i, t := range cp.PendingTasks {
		nodes[i] = t.Node
	}
	return Snapshot{
		Values:       values,
		CheckpointID: cp.ID,
		ParentID:     cp.ParentID,
		Step:         cp.Step,
		Source:       cp.Source,
		PendingNodes: nodes,
		CreatedAt:    cp.CreatedAt,
	}, nil
}

// State returns the thread's current snapshot, or the snapshot of the
// checkpoint addressed by cfg.CheckpointID.
func (r *Runnable) State(ctx context.Context, cfg RunConfig) (Snapshot, error) {
	cp, err := r.resolve(ctx, cfg)
	if err != nil {
		return Snapshot{}, err
	}
	return newSnapshot(cp)
}

// StateHistory returns every snapshot of the thread, most recent first.
// The history is append-only: loop checkpoints, input folds, updates, and
// forks all appear in commit order.
func (r *Runnable) StateHistory(ctx context.Context, cfg RunConfig) ([]Snapshot, error) {
	if r.saver == nil {
		return nil, &ConfigError{Op: "history", Detail: "no saver configured"}
	}
	if cfg.ThreadID == "" {
		return nil, &ConfigError{Op: "history", Detail: "ThreadID required"}
	}

	cps, err := r.saver.History(ctx, cfg.ThreadID)
	if err != nil {
		return nil, &CheckpointError{ThreadID: cfg.ThreadID, Err: err}
	}
	out := make([]Snapshot, len(cps))
	for i, cp := range cps {
		if out[i], err = newSnapshot(cp); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateState folds a caller-supplied delta into a checkpoint's state
// through the schema's reducers and commits the result as a new checkpoint
// whose parent is the target. Updating the thread's latest checkpoint
// extends the timeline; updating a historical checkpoint forks it, and a
// subsequent run addressed at the returned checkpoint id explores the
// alternate branch without disturbing the original.
//
// The target's pending tasks carry over, so an interrupted thread stays
// resumable across updates. Returns the new checkpoint's id.
func (r *Runnable) UpdateState(ctx context.Context, cfg RunConfig, delta Values) (string, error) {
	if r.saver == nil {
		return "", &ConfigError{Op: "update", Detail: "no saver configured"}
	}
	target, err := r.resolve(ctx, cfg)
	if err != nil {
		return "", err
	}

	current, err := decodeValues(target.Values)
	if err != nil {
		return "", &CheckpointError{ThreadID: cfg.ThreadID, Step: target.Step, Err: err}
	}
	next, err := r.schema.apply(current, deltaWrites(updateTask, delta), target.Step)
	if err != nil {
		return "", &ExecutionError{ThreadID: cfg.ThreadID, Step: target.Step, Err: err}
	}
	encoded, err := encodeValues(next)
	if err != nil {
		return "", &CheckpointError{ThreadID: cfg.ThreadID, Step: target.Step, Err: err}
	}

	source := checkpoint.SourceUpdate
	if cfg.CheckpointID != "" {
		latest, err := r.saver.Latest(ctx, cfg.ThreadID)
		if err != nil {
			return "", &CheckpointError{ThreadID: cfg.ThreadID, Err: err}
		}
		if latest.ID != target.ID {
			source = checkpoint.SourceFork
		}
	}

	cp := checkpoint.Checkpoint{
		ThreadID:     cfg.ThreadID,
		ID:           checkpoint.NewID(),
		ParentID:     target.ID,
		Step:         target.Step,
		Values:       encoded,
		PendingTasks: target.PendingTasks,
		Source:       source,
		CreatedAt:    time.Now().UTC(),
	}
	if err := r.saver.Put(ctx, cp); err != nil {
		return "", &CheckpointError{ThreadID: cfg.ThreadID, Step: cp.Step, Err: err}
	}
	return cp.ID, nil
}

// resolve loads the checkpoint a read or update addresses.
func (r *Runnable) resolve(ctx context.Context, cfg RunConfig) (checkpoint.Checkpoint, error) {
	if r.saver == nil {
		return checkpoint.Checkpoint{}, &ConfigError{Op: "state", Detail: "no saver configured"}
	}
	if cfg.ThreadID == "" {
		return checkpoint.Checkpoint{}, &ConfigError{Op: "state", Detail: "ThreadID required"}
	}

	var (
		cp  checkpoint.Checkpoint
		err error
	)
	if cfg.CheckpointID != "" {
		cp, err = r.saver.Get(ctx, cfg.ThreadID, cfg.CheckpointID)
	} else {
		cp, err = r.saver.Latest(ctx, cfg.ThreadID)
	}
	if err != nil {
		return checkpoint.Checkpoint{}, &CheckpointError{ThreadID: cfg.ThreadID, Err: err}
	}
	return cp, nil
}
