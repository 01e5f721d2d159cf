package graph

// Start is the virtual entry marker. An edge from Start defines the initial
// ready set of every fresh thread.
const Start = "__start__"

// End is the virtual terminal marker. Routing to End ends that branch of
// execution; the run completes when every branch has ended.
const End = "__end__"

// Router is a conditional-edge function. It inspects the merged state after
// a superstep and returns the destinations for the next superstep: node
// names, or End to terminate the branch. Returning no destinations also
// terminates the branch.
//
// Routers should be pure functions of the state; they run on the committed
// merged state, never on a partial view.
type Router func(state Values) []string

// edge is a static or fan-out transition. Conditional transitions are kept
// separately as routers so the two cannot be configured in conflict.
type edge struct {
	from string
	to   []string
}
