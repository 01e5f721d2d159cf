package graph

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func noopNode() Node {
	return NodeFunc(func(ctx context.Context, state Values) (NodeResult, error) {
		return NodeResult{}, nil
	})
}

func TestCompile_Validation(t *testing.T) {
	schema := testSchema(t, Channel{Name: "v"})

	expectConfigError := func(t *testing.T, err error, want string) {
		t.Helper()
		var cfg *ConfigError
		if !errors.As(err, &cfg) {
			t.Fatalf("expected ConfigError, got %v", err)
		}
		if !strings.Contains(cfg.Error(), want) {
			t.Errorf("expected error mentioning %q, got %q", want, cfg.Error())
		}
	}

	t.Run("no nodes", func(t *testing.T) {
		_, err := New(schema).Compile()
		expectConfigError(t, err, "no nodes")
	})

	t.Run("no entry edge", func(t *testing.T) {
		_, err := New(schema).AddNode("a", noopNode()).Compile()
		expectConfigError(t, err, "entry")
	})

	t.Run("duplicate node", func(t *testing.T) {
		_, err := New(schema).
			AddNode("a", noopNode()).
			AddNode("a", noopNode()).
			AddEdge(Start, "a").
			Compile()
		expectConfigError(t, err, "duplicate node")
	})

	t.Run("reserved node id", func(t *testing.T) {
		_, err := New(schema).AddNode(Start, noopNode()).Compile()
		expectConfigError(t, err, "invalid node id")
	})

	t.Run("edge to unknown node", func(t *testing.T) {
		_, err := New(schema).
			AddNode("a", noopNode()).
			AddEdge(Start, "a").
			AddEdge("a", "ghost").
			Compile()
		expectConfigError(t, err, "unknown node")
	})

	t.Run("edge from unknown node", func(t *testing.T) {
		_, err := New(schema).
			AddNode("a", noopNode()).
			AddEdge(Start, "a").
			AddEdge("ghost", End).
			Compile()
		expectConfigError(t, err, "unknown node")
	})

	t.Run("static and conditional edge collide", func(t *testing.T) {
		_, err := New(schema).
			AddNode("a", noopNode()).
			AddEdge(Start, "a").
			AddEdge("a", End).
			AddConditionalEdge("a", func(Values) []string { return nil }).
			Compile()
		expectConfigError(t, err, "static edge")
	})

	t.Run("entry cannot target End", func(t *testing.T) {
		_, err := New(schema).
			AddNode("a", noopNode()).
			AddEdge(Start, End).
			Compile()
		expectConfigError(t, err, "entry edge")
	})

	t.Run("invalid retry policy", func(t *testing.T) {
		_, err := New(schema).
			AddNode("a", noopNode(), WithRetry(&RetryPolicy{MaxAttempts: 0})).
			AddEdge(Start, "a").
			Compile()
		expectConfigError(t, err, "MaxAttempts")
	})

	t.Run("nil schema", func(t *testing.T) {
		_, err := New(nil).AddNode("a", noopNode()).AddEdge(Start, "a").Compile()
		expectConfigError(t, err, "schema")
	})

	t.Run("valid graph compiles", func(t *testing.T) {
		r, err := New(schema).
			AddNode("a", noopNode()).
			AddEdge(Start, "a").
			AddEdge("a", End).
			Compile(WithName("valid"))
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}
		if r.Name() != "valid" {
			t.Errorf("expected name valid, got %q", r.Name())
		}
	})
}

func TestCompile_FirstErrorWins(t *testing.T) {
	// Builder keeps accepting calls after a defect but Compile reports the
	// earliest one.
	schema := testSchema(t, Channel{Name: "v"})
	_, err := New(schema).
		AddNode("", noopNode()).
		AddEdge(Start, "missing").
		Compile()
	var cfg *ConfigError
	if !errors.As(err, &cfg) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if !strings.Contains(cfg.Error(), "invalid node id") {
		t.Errorf("expected first error, got %q", cfg.Error())
	}
}
