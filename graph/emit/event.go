// Package emit carries execution events out of the engine: the pull-based
// per-run Stream consumed by callers, and the Emitter interface feeding
// observability backends (logs, traces, in-memory history).
package emit

// Type classifies an event.
type Type string

const (
	// TypeValues carries the full merged channel state after a superstep.
	TypeValues Type = "values"

	// TypeUpdates carries the delta one task returned.
	TypeUpdates Type = "updates"

	// TypeToken carries a sub-event published by a node mid-execution,
	// tagged with the originating node.
	TypeToken Type = "token"

	// TypeCheckpoint signals a committed checkpoint. Emitted to observers
	// only, never to run streams.
	TypeCheckpoint Type = "checkpoint"

	// TypeRetry signals a task retry attempt. Emitted to observers only.
	TypeRetry Type = "retry"
)

// StreamMode selects which event types a run stream yields. Modes combine
// with bitwise or.
type StreamMode uint8

const (
	// StreamValues yields one TypeValues event per completed superstep.
	StreamValues StreamMode = 1 << iota

	// StreamUpdates yields one TypeUpdates event per executed task.
	StreamUpdates

	// StreamTokens yields TypeToken events published by nodes.
	StreamTokens
)

// Has reports whether m includes mode.
func (m StreamMode) Has(mode StreamMode) bool { return m&mode != 0 }

// Event is one observation of a running graph.
type Event struct {
	// Thread is the thread id of the run that produced the event.
	Thread string `json:"thread"`

	// Namespace locates the (possibly nested) graph instance that produced
	// the event: empty for the root graph, one "node:instance" segment per
	// subgraph level below it.
	Namespace []string `json:"namespace,omitempty"`

	// Step is the superstep the event belongs to.
	Step int `json:"step"`

	// Node is the originating node, empty for run-level events.
	Node string `json:"node,omitempty"`

	// Type classifies the payload.
	Type Type `json:"type"`

	// Payload is the event body: merged state for TypeValues, a task delta
	// for TypeUpdates, an opaque node-defined value for TypeToken.
	Payload any `json:"payload,omitempty"`
}
