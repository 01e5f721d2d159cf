package graph

import "context"

// Node is a unit of work in the graph. It reads an isolated snapshot of the
// shared state and returns a delta, optionally with an explicit routing
// directive that overrides the graph's edges for this invocation.
//
// Nodes are stateless across invocations: anything that must survive a
// superstep belongs in a channel, and anything that must survive a thread
// belongs in the cross-thread kv.Store.
type Node interface {
	// Invoke executes the node against a snapshot of the merged state as of
	// the previous checkpoint. The returned NodeResult carries the state
	// delta and an optional routing directive. A non-nil error fails the
	// task (subject to the node's retry policy).
	Invoke(ctx context.Context, state Values) (NodeResult, error)
}

// NodeFunc adapts a plain function to the Node interface.
type NodeFunc func(ctx context.Context, state Values) (NodeResult, error)

// Invoke implements Node.
func (f NodeFunc) Invoke(ctx context.Context, state Values) (NodeResult, error) {
	return f(ctx, state)
}

// NodeResult is the output of one task execution.
type NodeResult struct {
	// Delta is the partial state update, merged into each written channel
	// through its reducer after all tasks of the superstep complete.
	Delta Values

	// Route optionally overrides edge-based routing for this invocation.
	// The zero value defers to the graph's static and conditional edges.
	Route Next
}

// Next is an explicit routing directive returned by a node (the command
// pattern): terminate the branch, or send execution to one or more named
// nodes in the following superstep.
type Next struct {
	// To names the nodes to schedule next. Multiple entries fan out into
	// parallel tasks.
	To []string

	// Payloads optionally attaches per-destination values, keyed by node
	// name from To. A payload is overlaid on the destination task's state
	// snapshot for that one invocation; it is not merged into the shared
	// state. When several tasks route to the same node, the first payload
	// in merge order wins.
	Payloads map[string]Values

	// Terminal ends this branch of execution.
	Terminal bool
}

// set reports whether the directive carries any routing decision.
func (n Next) set() bool { return n.Terminal || len(n.To) > 0 }

// Stop returns a directive that terminates the current branch.
func Stop() Next { return Next{Terminal: true} }

// Goto returns a directive that schedules the named nodes for the next
// superstep, fanning out when more than one is given.
func Goto(nodes ...string) Next { return Next{To: nodes} }

// GotoWith returns a directive that schedules one node with a payload
// overlaid on its state snapshot for that invocation.
func GotoWith(node string, payload Values) Next {
	return Next{To: []string{node}, Payloads: map[string]Values{node: payload}}
}

// NodeOption configures a node at registration time.
type NodeOption func(*nodeSpec)

// WithRetry attaches a retry policy to the node. Nil leaves the node
// without retries (a single attempt).
func WithRetry(p *RetryPolicy) NodeOption {
	return func(ns *nodeSpec) { ns.retry = p }
}

// nodeSpec is the registered form of a node: implementation plus policies.
// Specs are owned by the Graph and shared read-only by every run.
type nodeSpec struct {
	id    string
	node  Node
	retry *RetryPolicy
}
