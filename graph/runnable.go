package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/stategraph/stategraph/graph/checkpoint"
	"github.com/stategraph/stategraph/graph/emit"
	"github.com/stategraph/stategraph/graph/kv"
)

// Runnable is a compiled, immutable graph. It is safe for concurrent use:
// any number of runs, over any number of threads, may execute against the
// same Runnable at once.
type Runnable struct {
	name    string
	schema  *Schema
	nodes   map[string]*nodeSpec
	edges   map[string]edge
	routers map[string]Router
	entry   []string

	stepLimit     int
	maxConcurrent int

	saver   checkpoint.Saver
	kv      kv.Store
	emitter emit.Emitter
	metrics *Metrics
	logger  hclog.Logger
}

// Name returns the graph's compile-time name.
func (r *Runnable) Name() string { return r.name }

// Schema returns the graph's channel schema.
func (r *Runnable) Schema() *Schema { return r.schema }

// runtime is the streaming context of one run, threaded through the
// superstep loop and inherited by subgraph runs.
type runtime struct {
	stream    *emit.Stream
	mode      emit.StreamMode
	namespace []string
}

// runInfo is what the engine exposes to executing nodes through the
// context: enough for composed subgraphs to derive their thread ids,
// inherit persistence, and interleave their events into the parent stream.
type runInfo struct {
	threadID string
	node     string
	step     int
	rt       *runtime
	saver    checkpoint.Saver
	kv       kv.Store
}

type runInfoKey struct{}

func withRunInfo(ctx context.Context, info *runInfo) context.Context {
	return context.WithValue(ctx, runInfoKey{}, info)
}

func runInfoFrom(ctx context.Context) *runInfo {
	info, _ := ctx.Value(runInfoKey{}).(*runInfo)
	return info
}

// StoreFrom returns the cross-thread kv store of the current run, or nil
// when none is configured. Valid inside node invocations.
func StoreFrom(ctx context.Context) kv.Store {
	if info := runInfoFrom(ctx); info != nil {
		return info.kv
	}
	return nil
}

// ThreadFrom returns the thread id of the current run, empty outside node
// invocations.
func ThreadFrom(ctx context.Context) string {
	if info := runInfoFrom(ctx); info != nil {
		return info.threadID
	}
	return ""
}

// Invoke executes the graph to completion and returns the final merged
// state. The run makes progress superstep by superstep, committing a
// checkpoint after each one when a saver is configured.
//
// Interruptions (context cancellation between supersteps, the superstep
// ceiling) return an error satisfying IsInterruption alongside a nil state;
// the thread's last checkpoint is intact and a later Invoke on the same
// thread resumes from it.
func (r *Runnable) Invoke(ctx context.Context, input Values, cfg RunConfig) (Values, error) {
	if err := r.checkConfig(cfg); err != nil {
		return nil, err
	}
	return r.run(ctx, input, cfg, nil)
}

// Stream executes the graph on a separate goroutine and returns a stream of
// events selected by mode. The stream's buffer is bounded by
// cfg.StreamBuffer with cfg.OnFull deciding overflow behavior; the default
// blocks the engine between supersteps until the consumer catches up.
//
// The caller ranges over Stream.Events until it closes, then checks
// Stream.Err for the run's outcome.
func (r *Runnable) Stream(ctx context.Context, input Values, mode emit.StreamMode, cfg RunConfig) (*emit.Stream, error) {
	if err := r.checkConfig(cfg); err != nil {
		return nil, err
	}
	if mode == 0 {
		return nil, &ConfigError{Op: "stream", Detail: "no stream mode selected"}
	}

	buffer := cfg.StreamBuffer
	if buffer <= 0 {
		buffer = DefaultStreamBuffer
	}
	stream := emit.NewStream(buffer, cfg.OnFull)

	go func() {
		_, err := r.run(ctx, input, cfg, &runtime{stream: stream, mode: mode})
		r.metrics.streamDrops(r.name, stream.Dropped())
		stream.Close(err)
	}()
	return stream, nil
}

// checkConfig validates the run configuration against the compiled graph.
func (r *Runnable) checkConfig(cfg RunConfig) error {
	if r.saver != nil && cfg.ThreadID == "" {
		return &ConfigError{Op: "run", Detail: "ThreadID required when a saver is configured"}
	}
	if cfg.CheckpointID != "" && r.saver == nil {
		return &ConfigError{Op: "run", Detail: "CheckpointID requires a saver"}
	}
	if cfg.StepLimit < 0 {
		return &ConfigError{Op: "run", Detail: "StepLimit cannot be negative"}
	}
	return nil
}

// loadStart resolves the checkpoint a run starts from: the addressed
// historical checkpoint, the thread's latest, or a fresh one seeded from
// the schema defaults.
func (r *Runnable) loadStart(ctx context.Context, cfg RunConfig) (checkpoint.Checkpoint, bool, error) {
	if r.saver == nil {
		return checkpoint.Checkpoint{ThreadID: cfg.ThreadID}, true, nil
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
	if errors.Is(err, checkpoint.ErrNotFound) {
		if cfg.CheckpointID != "" {
			return checkpoint.Checkpoint{}, false,
				&ConfigError{Op: "run", Detail: fmt.Sprintf("checkpoint %s not found on thread %s", cfg.CheckpointID, cfg.ThreadID)}
		}
		return checkpoint.Checkpoint{ThreadID: cfg.ThreadID}, true, nil
	}
	if err != nil {
		return checkpoint.Checkpoint{}, false, &CheckpointError{ThreadID: cfg.ThreadID, Err: err}
	}
	return cp, false, nil
}
