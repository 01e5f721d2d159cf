// Package graph provides the core superstep execution engine for stategraph.
package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStepLimit indicates that a run reached its configured superstep ceiling.
// This is an interruption, not a failure: the last committed checkpoint is
// intact and the run can be resumed with a higher limit.
var ErrStepLimit = errors.New("superstep limit reached")

// ErrInterrupted indicates that a run was cancelled between supersteps.
// The last committed checkpoint is intact and the run can be resumed.
var ErrInterrupted = errors.New("run interrupted")

// ErrMaxAttemptsExceeded is returned when a node fails more times than its
// retry policy allows. The wrapped cause is the error from the final attempt.
var ErrMaxAttemptsExceeded = errors.New("max retry attempts exceeded")

// ConfigError reports a defect in the graph definition or invocation
// configuration: a missing node, a router returning an unknown destination,
// a write to an undeclared channel, and so on. Configuration errors are never
// retried; they fail at compile time where possible, otherwise at first
// encounter during execution.
type ConfigError struct {
	Op     string // operation that detected the defect ("compile", "route", ...)
	Detail string
}

func (e *ConfigError) Error() string {
	if e.Op != "" {
		return e.Op + ": " + e.Detail
	}
	return e.Detail
}

// ConflictError reports two concurrent writers to a channel that has no
// reducer within a single superstep. The engine cannot order the writes, so
// the step is aborted. This indicates a graph configuration defect: either
// attach a commutative reducer to the channel or remove the concurrent write.
type ConflictError struct {
	Channel string
	Writers []string // node IDs that wrote the channel this step, sorted
	Step    int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting writes to channel %q at step %d by [%s]",
		e.Channel, e.Step, strings.Join(e.Writers, ", "))
}

// ExecutionError wraps a failure or interruption with enough context to
// resume or diagnose the run: thread id, superstep, and the node involved
// (empty for step-level conditions such as the step ceiling).
type ExecutionError struct {
	ThreadID string
	Step     int
	NodeID   string
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("thread %s step %d node %s: %v", e.ThreadID, e.Step, e.NodeID, e.Err)
	}
	return fmt.Sprintf("thread %s step %d: %v", e.ThreadID, e.Step, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// CheckpointError reports a persistence failure. It is always fatal to the
// run: the engine never continues past an uncommitted superstep.
type CheckpointError struct {
	ThreadID string
	Step     int
	Err      error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint thread %s step %d: %v", e.ThreadID, e.Step, e.Err)
}

func (e *CheckpointError) Unwrap() error { return e.Err }

// IsInterruption reports whether err represents a resumable interruption
// (step ceiling or cancellation) rather than a fatal failure.
func IsInterruption(err error) bool {
	return errors.Is(err, ErrStepLimit) || errors.Is(err, ErrInterrupted)
}
