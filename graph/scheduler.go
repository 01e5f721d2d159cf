package graph

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/stategraph/stategraph/graph/checkpoint"
	"github.com/stategraph/stategraph/graph/emit"
	"github.com/stategraph/stategraph/graph/kv"
)

// inputTask is the writer identity of caller-supplied input and the
// updateTask of UpdateState deltas. They fold through the same reducers as
// node writes.
const (
	inputTask  = "__input__"
	updateTask = "__update__"
)

// run is the superstep loop shared by Invoke and Stream. It advances the
// thread checkpoint by checkpoint: execute every pending task against an
// isolated snapshot, fold the deltas, route, commit, repeat until the
// pending set drains or the run is interrupted.
func (r *Runnable) run(ctx context.Context, input Values, cfg RunConfig, rt *runtime) (Values, error) {
	if rt == nil {
		rt = &runtime{}
	}
	limit := cfg.StepLimit
	if limit == 0 {
		limit = r.stepLimit
	}
	store := r.kv
	if cfg.KV != nil {
		store = cfg.KV
	}

	cp, fresh, err := r.loadStart(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var current Values
	if fresh {
		current = r.schema.initial()
	} else if current, err = decodeValues(cp.Values); err != nil {
		return nil, &CheckpointError{ThreadID: cfg.ThreadID, Step: cp.Step, Err: err}
	}
	pending := cp.PendingTasks

	// Fold caller input into the state and seed the ready set. A fresh
	// thread gets an input checkpoint even without input so that step zero
	// is always the recorded starting point.
	if fresh || input != nil {
		current, err = r.schema.apply(current, deltaWrites(inputTask, input), cp.Step)
		if err != nil {
			return nil, &ExecutionError{ThreadID: cfg.ThreadID, Step: cp.Step, Err: err}
		}
		if len(pending) == 0 {
			pending = entryTasks(r.entry)
		}
		if cp, err = r.commit(ctx, cfg.ThreadID, cp.ID, cp.Step, current, pending, checkpoint.SourceInput, rt); err != nil {
			return nil, err
		}
	} else if len(pending) == 0 {
		// The thread already ran to completion and there is nothing new.
		return current, nil
	}

	for len(pending) > 0 {
		// Interruption points sit between supersteps only; a superstep
		// that has started always merges and commits.
		if ctx.Err() != nil {
			return nil, &ExecutionError{ThreadID: cfg.ThreadID, Step: cp.Step, Err: errors.Join(ErrInterrupted, ctx.Err())}
		}
		if cp.Step >= limit {
			return nil, &ExecutionError{ThreadID: cfg.ThreadID, Step: cp.Step, Err: ErrStepLimit}
		}
		step := cp.Step + 1

		results, err := r.executeTasks(ctx, cfg.ThreadID, step, current, pending, rt, store)
		if err != nil {
			return nil, err
		}

		merged, err := r.schema.apply(current, taskWrites(results), step)
		if err != nil {
			var conflict *ConflictError
			if errors.As(err, &conflict) {
				r.metrics.conflict(r.name, conflict.Channel)
			}
			return nil, &ExecutionError{ThreadID: cfg.ThreadID, Step: step, Err: err}
		}
		r.publishUpdates(ctx, cfg.ThreadID, step, results, rt)

		pending, err = r.route(results, merged, cfg.ThreadID, step)
		if err != nil {
			return nil, err
		}

		if cp, err = r.commit(ctx, cfg.ThreadID, cp.ID, step, merged, pending, checkpoint.SourceLoop, rt); err != nil {
			return nil, err
		}
		current = merged
		r.publishValues(ctx, cfg.ThreadID, step, current, rt)
	}
	return current, nil
}

// entryTasks builds the initial ready set from the Start edge.
func entryTasks(entry []string) []checkpoint.Task {
	tasks := make([]checkpoint.Task, len(entry))
	for i, node := range entry {
		tasks[i] = checkpoint.Task{Node: node}
	}
	sortTasks(tasks)
	return tasks
}

// deltaWrites turns a caller-supplied delta into sorted channel writes
// attributed to one writer identity.
func deltaWrites(task string, delta Values) []write {
	if len(delta) == 0 {
		return nil
	}
	keys := make([]string, 0, len(delta))
	for k := range delta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	writes := make([]write, len(keys))
	for i, k := range keys {
		writes[i] = write{task: task, channel: k, value: delta[k]}
	}
	return writes
}

// taskWrites flattens task deltas into one write batch. Results arrive
// sorted by node id and each delta's channels are visited in sorted order,
// so the fold is deterministic for a given ready set.
func taskWrites(results []taskResult) []write {
	var writes []write
	for _, tr := range results {
		writes = append(writes, deltaWrites(tr.task.Node, tr.res.Delta)...)
	}
	return writes
}

func sortTasks(tasks []checkpoint.Task) {
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Node < tasks[j].Node })
}

// taskResult is one executed task of a superstep.
type taskResult struct {
	task checkpoint.Task
	res  NodeResult
	err  error
}

// executeTasks runs the ready set concurrently, each task against its own
// deep copy of the state, bounded by the compiled concurrency limit.
// Results come back in sorted task order; the first failure in that order
// fails the superstep.
func (r *Runnable) executeTasks(ctx context.Context, threadID string, step int, current Values, pending []checkpoint.Task, rt *runtime, store kv.Store) ([]taskResult, error) {
	tasks := make([]checkpoint.Task, len(pending))
	copy(tasks, pending)
	sortTasks(tasks)

	specs := make([]*nodeSpec, len(tasks))
	for i, t := range tasks {
		spec, ok := r.nodes[t.Node]
		if !ok {
			return nil, &ExecutionError{ThreadID: threadID, Step: step,
				Err: &ConfigError{Op: "run", Detail: "pending task for unknown node: " + t.Node}}
		}
		specs[i] = spec
	}

	results := make([]taskResult, len(tasks))
	sem := make(chan struct{}, r.maxConcurrent)
	seed := time.Now().UnixNano()

	var wg sync.WaitGroup
	for i := range tasks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			results[i] = r.executeTask(ctx, threadID, step, current, tasks[i], specs[i], rt, store,
				rand.New(rand.NewSource(seed+int64(i))))
		}(i)
	}
	wg.Wait()

	for _, tr := range results {
		if tr.err != nil {
			return nil, &ExecutionError{ThreadID: threadID, Step: step, NodeID: tr.task.Node, Err: tr.err}
		}
	}
	return results, nil
}

// executeTask runs one task: snapshot, payload overlay, token sink, retry
// loop, metrics.
func (r *Runnable) executeTask(ctx context.Context, threadID string, step int, current Values, task checkpoint.Task, spec *nodeSpec, rt *runtime, store kv.Store, rng *rand.Rand) taskResult {
	r.metrics.taskStarted(r.name)
	defer r.metrics.taskFinished(r.name)

	snapshot, err := current.Clone()
	if err != nil {
		return taskResult{task: task, err: err}
	}
	for k, v := range task.Payload {
		snapshot[k] = v
	}

	tctx := withRunInfo(ctx, &runInfo{
		threadID: threadID,
		node:     task.Node,
		step:     step,
		rt:       rt,
		saver:    r.saver,
		kv:       store,
	})
	if rt.stream != nil && rt.mode.Has(emit.StreamTokens) {
		tctx = emit.WithTokenSink(tctx, func(v any) {
			ev := emit.Event{Thread: threadID, Namespace: rt.namespace, Step: step, Node: task.Node, Type: emit.TypeToken, Payload: v}
			_ = rt.stream.Publish(ctx, ev)
			r.emitter.Emit(ev)
		})
	}

	start := time.Now()
	res, err := runRetries(tctx, spec, snapshot, rng, func(attempt int, cause error) {
		r.metrics.retry(r.name, task.Node)
		r.emitter.Emit(emit.Event{
			Thread: threadID, Namespace: rt.namespace, Step: step, Node: task.Node,
			Type:    emit.TypeRetry,
			Payload: map[string]any{"attempt": attempt, "error": cause.Error()},
		})
		r.logger.Warn("retrying node",
			"thread", threadID, "step", step, "node", task.Node, "attempt", attempt, "error", cause)
	})

	status := "success"
	if err != nil {
		status = "error"
	}
	r.metrics.task(r.name, task.Node, time.Since(start), status)
	return taskResult{task: task, res: res, err: err}
}

// route computes the next ready set from explicit directives, static edges,
// and routers, in that precedence, deduplicated and sorted. A branch with
// no outgoing route simply ends.
func (r *Runnable) route(results []taskResult, merged Values, threadID string, step int) ([]checkpoint.Task, error) {
	var next []checkpoint.Task
	seen := make(map[string]struct{})

	for _, tr := range results {
		var dests []string
		var payloads map[string]Values
		switch {
		case tr.res.Route.set():
			if !tr.res.Route.Terminal {
				dests = tr.res.Route.To
				payloads = tr.res.Route.Payloads
			}
		default:
			if e, ok := r.edges[tr.task.Node]; ok {
				dests = e.to
			} else if router, ok := r.routers[tr.task.Node]; ok {
				dests = router(merged)
			}
		}

		for _, d := range dests {
			if d == End {
				continue
			}
			if _, ok := r.nodes[d]; !ok {
				return nil, &ExecutionError{ThreadID: threadID, Step: step, NodeID: tr.task.Node,
					Err: &ConfigError{Op: "route", Detail: "route to unknown node: " + d}}
			}
			if _, dup := seen[d]; dup {
				continue
			}
			seen[d] = struct{}{}
			task := checkpoint.Task{Node: d}
			if p := payloads[d]; len(p) > 0 {
				task.Payload = p
			}
			next = append(next, task)
		}
	}
	sortTasks(next)
	return next, nil
}

// commit serializes the state and persists the next checkpoint in the
// thread's lineage. Persistence failures are fatal to the run; execution
// never continues past an uncommitted superstep.
func (r *Runnable) commit(ctx context.Context, threadID, parentID string, step int, state Values, pending []checkpoint.Task, source checkpoint.Source, rt *runtime) (checkpoint.Checkpoint, error) {
	encoded, err := encodeValues(state)
	if err != nil {
		return checkpoint.Checkpoint{}, &CheckpointError{ThreadID: threadID, Step: step, Err: err}
	}
	cp := checkpoint.Checkpoint{
		ThreadID:     threadID,
		ID:           checkpoint.NewID(),
		ParentID:     parentID,
		Step:         step,
		Values:       encoded,
		PendingTasks: pending,
		Source:       source,
		CreatedAt:    time.Now().UTC(),
	}
	if r.saver != nil {
		if err := r.saver.Put(ctx, cp); err != nil {
			return checkpoint.Checkpoint{}, &CheckpointError{ThreadID: threadID, Step: step, Err: err}
		}
	}

	r.metrics.superstep(r.name, string(source))
	r.emitter.Emit(emit.Event{
		Thread: threadID, Namespace: rt.namespace, Step: step,
		Type:    emit.TypeCheckpoint,
		Payload: map[string]any{"checkpoint_id": cp.ID, "source": string(source), "pending": len(pending)},
	})
	return cp, nil
}

// publishUpdates emits one updates event per executed task, in sorted task
// order.
func (r *Runnable) publishUpdates(ctx context.Context, threadID string, step int, results []taskResult, rt *runtime) {
	for _, tr := range results {
		delta, err := tr.res.Delta.Clone()
		if err != nil {
			r.logger.Warn("dropping updates event", "node", tr.task.Node, "error", err)
			continue
		}
		ev := emit.Event{Thread: threadID, Namespace: rt.namespace, Step: step, Node: tr.task.Node, Type: emit.TypeUpdates, Payload: delta}
		r.emitter.Emit(ev)
		if rt.stream != nil && rt.mode.Has(emit.StreamUpdates) {
			_ = rt.stream.Publish(ctx, ev)
		}
	}
}

// publishValues emits the merged state after a committed superstep.
func (r *Runnable) publishValues(ctx context.Context, threadID string, step int, state Values, rt *runtime) {
	snapshot, err := state.Clone()
	if err != nil {
		r.logger.Warn("dropping values event", "step", step, "error", err)
		return
	}
	ev := emit.Event{Thread: threadID, Namespace: rt.namespace, Step: step, Type: emit.TypeValues, Payload: snapshot}
	r.emitter.Emit(ev)
	if rt.stream != nil && rt.mode.Has(emit.StreamValues) {
		_ = rt.stream.Publish(ctx, ev)
	}
}
