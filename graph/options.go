package graph

import (
	"github.com/hashicorp/go-hclog"

	"github.com/stategraph/stategraph/graph/checkpoint"
	"github.com/stategraph/stategraph/graph/emit"
	"github.com/stategraph/stategraph/graph/kv"
)

// DefaultStepLimit is the superstep ceiling applied when neither Compile
// nor the run config sets one.
const DefaultStepLimit = 25

// DefaultMaxConcurrent bounds how many tasks of one superstep execute at
// the same time when Compile does not set a bound.
const DefaultMaxConcurrent = 16

// DefaultStreamBuffer is the stream capacity used when the run config does
// not set one.
const DefaultStreamBuffer = 64

// CompileOption configures a Runnable at compile time.
type CompileOption func(*Runnable)

// WithName sets the graph's name, used in metric labels and log lines.
func WithName(name string) CompileOption {
	return func(r *Runnable) {
		if name != "" {
			r.name = name
		}
	}
}

// WithSaver attaches a checkpoint backend. Without one, runs execute in
// memory only: no history, no resume, no forks.
func WithSaver(s checkpoint.Saver) CompileOption {
	return func(r *Runnable) { r.saver = s }
}

// WithKV attaches a cross-thread store, exposed to nodes via StoreFrom.
// A RunConfig.KV overrides it per run.
func WithKV(s kv.Store) CompileOption {
	return func(r *Runnable) { r.kv = s }
}

// WithEmitter attaches an observer for execution events. Combine several
// with emit.Multi.
func WithEmitter(e emit.Emitter) CompileOption {
	return func(r *Runnable) {
		if e != nil {
			r.emitter = e
		}
	}
}

// WithMetrics attaches a Prometheus metric set.
func WithMetrics(m *Metrics) CompileOption {
	return func(r *Runnable) { r.metrics = m }
}

// WithLogger sets the engine's structured logger. Defaults to a named
// hclog logger at the package default level.
func WithLogger(l hclog.Logger) CompileOption {
	return func(r *Runnable) { r.logger = l }
}

// WithStepLimit sets the default superstep ceiling for runs of this graph.
// A RunConfig.StepLimit overrides it per run.
func WithStepLimit(n int) CompileOption {
	return func(r *Runnable) { r.stepLimit = n }
}

// WithMaxConcurrent bounds parallel task execution within a superstep.
func WithMaxConcurrent(n int) CompileOption {
	return func(r *Runnable) { r.maxConcurrent = n }
}

func defaultLogger() hclog.Logger {
	return hclog.Default().Named("stategraph")
}

// RunConfig addresses one invocation of a compiled graph: which thread it
// belongs to, where in that thread's history it starts, and how far it may
// run.
type RunConfig struct {
	// ThreadID names the conversation whose history this run extends.
	// Required whenever a saver is configured.
	ThreadID string

	// CheckpointID optionally resumes from a specific historical checkpoint
	// instead of the thread's latest.
	CheckpointID string

	// StepLimit overrides the compiled superstep ceiling for this run.
	// Zero keeps the compiled default.
	StepLimit int

	// StreamBuffer is the stream capacity for Stream runs. Zero means
	// DefaultStreamBuffer.
	StreamBuffer int

	// OnFull is the stream overflow policy for Stream runs. The zero value
	// blocks the engine until the consumer catches up.
	OnFull emit.OverflowPolicy

	// KV substitutes the cross-thread store for this run. Nil keeps the
	// store configured at compile time.
	KV kv.Store
}
