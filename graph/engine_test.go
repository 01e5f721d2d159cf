package graph

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stategraph/stategraph/graph/checkpoint"
	"github.com/stategraph/stategraph/graph/kv"
)

// asInt reads a numeric channel value regardless of whether it has been
// through a checkpoint round trip.
func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

// countUp sums numeric deltas into a counter channel.
func countUp(current, incoming any) (any, error) {
	return asInt(current) + asInt(incoming), nil
}

func logSchema(t *testing.T) *Schema {
	t.Helper()
	return testSchema(t,
		Channel{Name: "log", Reducer: Append},
		Channel{Name: "count", Reducer: countUp, Default: func() any { return 0 }},
		Channel{Name: "result"},
	)
}

func appendNode(id string) Node {
	return NodeFunc(func(ctx context.Context, state Values) (NodeResult, error) {
		return NodeResult{Delta: Values{"log": []any{id}, "count": 1}}, nil
	})
}

func logOf(t *testing.T, state Values) []any {
	t.Helper()
	log, _ := state["log"].([]any)
	return log
}

func TestInvoke_LinearPipeline(t *testing.T) {
	saver := checkpoint.NewMemorySaver()
	r, err := New(logSchema(t)).
		AddNode("a", appendNode("a")).
		AddNode("b", appendNode("b")).
		AddEdge(Start, "a").
		AddEdge("a", "b").
		AddEdge("b", End).
		Compile(WithSaver(saver))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	out, err := r.Invoke(context.Background(), Values{"log": []any{"in"}}, RunConfig{ThreadID: "t1"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	log := logOf(t, out)
	if len(log) != 3 || log[0] != "in" || log[1] != "a" || log[2] != "b" {
		t.Errorf("expected [in a b], got %v", log)
	}
	if asInt(out["count"]) != 2 {
		t.Errorf("expected count 2, got %v", out["count"])
	}
}

func TestInvoke_FanOutDeterministicMerge(t *testing.T) {
	// b and c run concurrently; their deltas fold in sorted task order, so
	// the log is identical on every run.
	r, err := New(logSchema(t)).
		AddNode("a", appendNode("a")).
		AddNode("b", appendNode("b")).
		AddNode("c", appendNode("c")).
		AddEdge(Start, "a").
		AddEdge("a", "c", "b").
		AddEdge("b", End).
		AddEdge("c", End).
		Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	for i := 0; i < 10; i++ {
		out, err := r.Invoke(context.Background(), nil, RunConfig{})
		if err != nil {
			t.Fatalf("Invoke: %v", err)
		}
		log := logOf(t, out)
		if len(log) != 3 || log[0] != "a" || log[1] != "b" || log[2] != "c" {
			t.Fatalf("run %d: expected [a b c], got %v", i, log)
		}
	}
}

func TestInvoke_RoutePayloadOverlay(t *testing.T) {
	plan := NodeFunc(func(ctx context.Context, state Values) (NodeResult, error) {
		return NodeResult{
			Delta: Values{"log": []any{"plan"}},
			Route: GotoWith("work", Values{"assignment": "shard-7"}),
		}, nil
	})
	work := NodeFunc(func(ctx context.Context, state Values) (NodeResult, error) {
		assignment, _ := state["assignment"].(string)
		return NodeResult{Delta: Values{"result": assignment}, Route: Stop()}, nil
	})

	saver := checkpoint.NewMemorySaver()
	r, err := New(logSchema(t)).
		AddNode("plan", plan).
		AddNode("work", work).
		AddEdge(Start, "plan").
		Compile(WithSaver(saver))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	out, err := r.Invoke(context.Background(), nil, RunConfig{ThreadID: "t-payload"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out["result"] != "shard-7" {
		t.Errorf("expected work to see the payload, got result %v", out["result"])
	}
	if _, ok := out["assignment"]; ok {
		t.Error("payload leaked into the shared state")
	}

	// The payload rides the checkpointed pending task, so a resumed run
	// would see the same overlay.
	history, err := saver.History(context.Background(), "t-payload")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	found := false
	for _, cp := range history {
		for _, task := range cp.PendingTasks {
			if task.Node == "work" {
				found = true
				if task.Payload["assignment"] != "shard-7" {
					t.Errorf("expected payload on pending task, got %v", task.Payload)
				}
			}
		}
	}
	if !found {
		t.Error("expected a checkpoint with work pending")
	}
}

func TestInvoke_RunConfigKVOverride(t *testing.T) {
	compiled := kv.NewMemoryStore(nil)
	perRun := kv.NewMemoryStore(nil)

	record := NodeFunc(func(ctx context.Context, state Values) (NodeResult, error) {
		store := StoreFrom(ctx)
		if store == nil {
			return NodeResult{}, errors.New("no store in context")
		}
		if err := store.Put(ctx, kv.Namespace{"memories"}, "seen", map[string]any{"ok": true}); err != nil {
			return NodeResult{}, err
		}
		return NodeResult{Delta: Values{"result": "done"}}, nil
	})

	r, err := New(logSchema(t)).
		AddNode("record", record).
		AddEdge(Start, "record").
		AddEdge("record", End).
		Compile(WithKV(compiled))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	ctx := context.Background()

	if _, err := r.Invoke(ctx, nil, RunConfig{KV: perRun}); err != nil {
		t.Fatalf("Invoke with override: %v", err)
	}
	if _, err := perRun.Get(ctx, kv.Namespace{"memories"}, "seen"); err != nil {
		t.Errorf("expected write in the per-run store, got %v", err)
	}
	if _, err := compiled.Get(ctx, kv.Namespace{"memories"}, "seen"); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("compiled store should be untouched under override, got %v", err)
	}

	if _, err := r.Invoke(ctx, nil, RunConfig{}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if _, err := compiled.Get(ctx, kv.Namespace{"memories"}, "seen"); err != nil {
		t.Errorf("expected write in the compiled store, got %v", err)
	}
}

func TestInvoke_ConditionalRouting(t *testing.T) {
	r, err := New(logSchema(t)).
		AddNode("gen", appendNode("gen")).
		AddNode("low", appendNode("low")).
		AddNode("high", appendNode("high")).
		AddEdge(Start, "gen").
		AddConditionalEdge("gen", func(state Values) []string {
			if asInt(state["count"]) > 5 {
				return []string{"high"}
			}
			return []string{"low"}
		}).
		AddEdge("low", End).
		AddEdge("high", End).
		Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	out, err := r.Invoke(context.Background(), Values{"count": 10}, RunConfig{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	log := logOf(t, out)
	if len(log) != 2 || log[1] != "high" {
		t.Errorf("expected routing to high, got %v", log)
	}
}

func TestInvoke_ExplicitRouteOverridesEdges(t *testing.T) {
	r, err := New(logSchema(t)).
		AddNode("decide", NodeFunc(func(ctx context.Context, state Values) (NodeResult, error) {
			return NodeResult{Delta: Values{"log": []any{"decide"}}, Route: Goto("target")}, nil
		})).
		AddNode("never", appendNode("never")).
		AddNode("target", appendNode("target")).
		AddEdge(Start, "decide").
		AddEdge("decide", "never"). // overridden by the directive
		AddEdge("never", End).
		AddEdge("target", End).
		Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	out, err := r.Invoke(context.Background(), nil, RunConfig{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	log := logOf(t, out)
	if len(log) != 2 || log[1] != "target" {
		t.Errorf("expected [decide target], got %v", log)
	}
}

func TestInvoke_StopTerminatesBranch(t *testing.T) {
	r, err := New(logSchema(t)).
		AddNode("a", NodeFunc(func(ctx context.Context, state Values) (NodeResult, error) {
			return NodeResult{Delta: Values{"log": []any{"a"}}, Route: Stop()}, nil
		})).
		AddNode("b", appendNode("b")).
		AddEdge(Start, "a").
		AddEdge("a", "b").
		AddEdge("b", End).
		Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	out, err := r.Invoke(context.Background(), nil, RunConfig{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if log := logOf(t, out); len(log) != 1 {
		t.Errorf("expected b skipped, got %v", log)
	}
}

func TestInvoke_StepCeiling(t *testing.T) {
	saver := checkpoint.NewMemorySaver()
	var stopAt atomic.Int64
	stopAt.Store(1 << 30) // never, initially

	r, err := New(logSchema(t)).
		AddNode("loop", appendNode("loop")).
		AddConditionalEdge("loop", func(state Values) []string {
			if int64(asInt(state["count"])) >= stopAt.Load() {
				return []string{End}
			}
			return []string{"loop"}
		}).
		AddEdge(Start, "loop").
		Compile(WithSaver(saver))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	cfg := RunConfig{ThreadID: "cycle", StepLimit: 4}
	_, err = r.Invoke(context.Background(), nil, cfg)
	if !errors.Is(err, ErrStepLimit) {
		t.Fatalf("expected ErrStepLimit, got %v", err)
	}
	if !IsInterruption(err) {
		t.Error("step ceiling should classify as interruption")
	}

	// Exactly four rounds ran before the ceiling.
	snap, err := r.State(context.Background(), RunConfig{ThreadID: "cycle"})
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if asInt(snap.Values["count"]) != 4 {
		t.Errorf("expected exactly 4 executions, got %v", snap.Values["count"])
	}
	if snap.Step != 4 {
		t.Errorf("expected checkpoint at step 4, got %d", snap.Step)
	}
	if len(snap.PendingNodes) == 0 {
		t.Error("interrupted checkpoint should carry pending tasks")
	}

	// Resume with a higher ceiling; the loop continues where it stopped.
	stopAt.Store(6)
	out, err := r.Invoke(context.Background(), nil, RunConfig{ThreadID: "cycle", StepLimit: 25})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if asInt(out["count"]) != 6 {
		t.Errorf("expected count 6 after resume, got %v", out["count"])
	}
}

func TestInvoke_CancellationBetweenSupersteps(t *testing.T) {
	saver := checkpoint.NewMemorySaver()
	ctx, cancel := context.WithCancel(context.Background())

	r, err := New(logSchema(t)).
		AddNode("a", NodeFunc(func(ctx context.Context, state Values) (NodeResult, error) {
			cancel() // observed at the next superstep boundary
			return NodeResult{Delta: Values{"log": []any{"a"}, "count": 1}}, nil
		})).
		AddNode("b", appendNode("b")).
		AddEdge(Start, "a").
		AddEdge("a", "b").
		AddEdge("b", End).
		Compile(WithSaver(saver))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	_, err = r.Invoke(ctx, nil, RunConfig{ThreadID: "cancel"})
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}

	// The started superstep committed before the interruption was observed.
	snap, err := r.State(context.Background(), RunConfig{ThreadID: "cancel"})
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if len(logOf(t, snap.Values)) != 1 {
		t.Errorf("expected committed work from step 1, got %v", snap.Values)
	}
	if len(snap.PendingNodes) != 1 || snap.PendingNodes[0] != "b" {
		t.Errorf("expected pending [b], got %v", snap.PendingNodes)
	}

	// Resume on a live context.
	out, err := r.Invoke(context.Background(), nil, RunConfig{ThreadID: "cancel"})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if log := logOf(t, out); len(log) != 2 || log[1] != "b" {
		t.Errorf("expected [a b] after resume, got %v", log)
	}
}

func TestInvoke_RetrySucceedsWithinBudget(t *testing.T) {
	var calls atomic.Int64
	flaky := NodeFunc(func(ctx context.Context, state Values) (NodeResult, error) {
		if calls.Add(1) < 3 {
			return NodeResult{}, fmt.Errorf("transient fault")
		}
		return NodeResult{Delta: Values{"result": "ok"}}, nil
	})

	r, err := New(logSchema(t)).
		AddNode("flaky", flaky, WithRetry(&RetryPolicy{
			InitialInterval: time.Millisecond,
			BackoffFactor:   2,
			MaxAttempts:     3,
		})).
		AddEdge(Start, "flaky").
		AddEdge("flaky", End).
		Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	out, err := r.Invoke(context.Background(), nil, RunConfig{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out["result"] != "ok" {
		t.Errorf("expected ok, got %v", out["result"])
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestInvoke_RetryExhaustion(t *testing.T) {
	var calls atomic.Int64
	broken := NodeFunc(func(ctx context.Context, state Values) (NodeResult, error) {
		calls.Add(1)
		return NodeResult{}, fmt.Errorf("still broken")
	})

	r, err := New(logSchema(t)).
		AddNode("broken", broken, WithRetry(&RetryPolicy{
			InitialInterval: time.Millisecond,
			BackoffFactor:   2,
			MaxAttempts:     3,
		})).
		AddEdge(Start, "broken").
		AddEdge("broken", End).
		Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	_, err = r.Invoke(context.Background(), nil, RunConfig{})
	if !errors.Is(err, ErrMaxAttemptsExceeded) {
		t.Fatalf("expected ErrMaxAttemptsExceeded, got %v", err)
	}
	var exec *ExecutionError
	if !errors.As(err, &exec) || exec.NodeID != "broken" {
		t.Errorf("expected ExecutionError naming the node, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", calls.Load())
	}
}

func TestInvoke_ConflictingWriters(t *testing.T) {
	writer := func(v string) Node {
		return NodeFunc(func(ctx context.Context, state Values) (NodeResult, error) {
			return NodeResult{Delta: Values{"result": v}}, nil
		})
	}

	r, err := New(logSchema(t)).
		AddNode("a", writer("from-a")).
		AddNode("b", writer("from-b")).
		AddEdge(Start, "a", "b").
		AddEdge("a", End).
		AddEdge("b", End).
		Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	_, err = r.Invoke(context.Background(), nil, RunConfig{})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Channel != "result" {
		t.Errorf("expected conflict on result, got %q", conflict.Channel)
	}
}

func TestInvoke_RouterToUnknownNode(t *testing.T) {
	r, err := New(logSchema(t)).
		AddNode("a", appendNode("a")).
		AddEdge(Start, "a").
		AddConditionalEdge("a", func(Values) []string { return []string{"ghost"} }).
		Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	_, err = r.Invoke(context.Background(), nil, RunConfig{})
	var cfg *ConfigError
	if !errors.As(err, &cfg) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestInvoke_TaskIsolationWithinSuperstep(t *testing.T) {
	// Concurrent tasks never observe each other's writes; both see the
	// state as of the previous checkpoint.
	probe := func(id string) Node {
		return NodeFunc(func(ctx context.Context, state Values) (NodeResult, error) {
			if _, ok := state["marker_"+id]; ok {
				return NodeResult{}, fmt.Errorf("%s saw its own pending write", id)
			}
			for _, other := range []string{"x", "y"} {
				if other != id {
					if _, ok := state["marker_"+other]; ok {
						return NodeResult{}, fmt.Errorf("%s saw sibling write", id)
					}
				}
			}
			return NodeResult{Delta: Values{"marker_" + id: true}}, nil
		})
	}

	schema := testSchema(t,
		Channel{Name: "marker_x"},
		Channel{Name: "marker_y"},
	)
	r, err := New(schema).
		AddNode("x", probe("x")).
		AddNode("y", probe("y")).
		AddEdge(Start, "x", "y").
		AddEdge("x", End).
		AddEdge("y", End).
		Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	out, err := r.Invoke(context.Background(), nil, RunConfig{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out["marker_x"] != true || out["marker_y"] != true {
		t.Errorf("expected both markers set, got %v", out)
	}
}

func TestInvoke_CheckpointLineage(t *testing.T) {
	saver := checkpoint.NewMemorySaver()
	r, err := New(logSchema(t)).
		AddNode("a", appendNode("a")).
		AddNode("b", appendNode("b")).
		AddEdge(Start, "a").
		AddEdge("a", "b").
		AddEdge("b", End).
		Compile(WithSaver(saver))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	if _, err := r.Invoke(context.Background(), Values{"log": []any{"in"}}, RunConfig{ThreadID: "lineage"}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	history, err := r.StateHistory(context.Background(), RunConfig{ThreadID: "lineage"})
	if err != nil {
		t.Fatalf("StateHistory: %v", err)
	}
	// Most recent first: loop step 2, loop step 1, input step 0.
	if len(history) != 3 {
		t.Fatalf("expected 3 checkpoints, got %d", len(history))
	}
	if history[0].Source != checkpoint.SourceLoop || history[0].Step != 2 {
		t.Errorf("unexpected head: %+v", history[0])
	}
	if history[2].Source != checkpoint.SourceInput || history[2].Step != 0 {
		t.Errorf("unexpected tail: %+v", history[2])
	}
	for i := 0; i < len(history)-1; i++ {
		if history[i].ParentID != history[i+1].CheckpointID {
			t.Errorf("broken parent link at %d: %q != %q", i, history[i].ParentID, history[i+1].CheckpointID)
		}
	}
	if len(history[0].PendingNodes) != 0 {
		t.Errorf("final checkpoint should have no pending tasks, got %v", history[0].PendingNodes)
	}
}

func TestInvoke_WithoutSaver(t *testing.T) {
	r, err := New(logSchema(t)).
		AddNode("a", appendNode("a")).
		AddEdge(Start, "a").
		AddEdge("a", End).
		Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	out, err := r.Invoke(context.Background(), nil, RunConfig{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(logOf(t, out)) != 1 {
		t.Errorf("expected one log entry, got %v", out)
	}

	if _, err := r.State(context.Background(), RunConfig{ThreadID: "x"}); err == nil {
		t.Error("State without saver should fail")
	}
}

func TestInvoke_ThreadIDRequiredWithSaver(t *testing.T) {
	r, err := New(logSchema(t)).
		AddNode("a", appendNode("a")).
		AddEdge(Start, "a").
		AddEdge("a", End).
		Compile(WithSaver(checkpoint.NewMemorySaver()))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	_, err = r.Invoke(context.Background(), nil, RunConfig{})
	var cfg *ConfigError
	if !errors.As(err, &cfg) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}
