package graph

import (
	"context"
)

// SubgraphOption configures a subgraph node.
type SubgraphOption func(*subgraphNode)

// WithInput sets the translation from the parent's state snapshot to the
// child's input. Without it, the child receives the parent channels its own
// schema declares.
func WithInput(fn func(parent Values) Values) SubgraphOption {
	return func(s *subgraphNode) { s.input = fn }
}

// WithOutput sets the translation from the child's final state to the delta
// returned into the parent. Without it, the child's full final state is the
// delta, which requires the parent to declare the child's channels.
func WithOutput(fn func(child Values) Values) SubgraphOption {
	return func(s *subgraphNode) { s.output = fn }
}

// WithInstance names this use of the child graph. Distinct instances of the
// same child keep distinct thread histories; the default instance name is
// the child graph's name.
func WithInstance(name string) SubgraphOption {
	return func(s *subgraphNode) { s.instance = name }
}

// AsNode wraps a compiled graph as a node of an enclosing graph.
//
// The child runs to completion inside the parent's superstep, one full
// superstep loop of its own per invocation. Its checkpoints live on a
// derived thread, parent thread id plus the instance name, and persist in
// the child's own saver or, when it has none, the parent's. When the parent
// run is streaming, child events interleave into the parent stream tagged
// with an extended namespace.
func AsNode(child *Runnable, opts ...SubgraphOption) Node {
	s := &subgraphNode{child: child, instance: child.Name()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type subgraphNode struct {
	child    *Runnable
	instance string
	input    func(Values) Values
	output   func(Values) Values
}

// Invoke implements Node.
func (s *subgraphNode) Invoke(ctx context.Context, state Values) (NodeResult, error) {
	info := runInfoFrom(ctx)

	input := s.translateInput(state)

	var cfg RunConfig
	eff := *s.child
	if info != nil {
		if eff.saver == nil {
			eff.saver = info.saver
		}
		if eff.kv == nil {
			eff.kv = info.kv
		}
	}
	if eff.saver != nil {
		cfg.ThreadID = s.threadID(info)
	}

	var rt *runtime
	if info != nil && info.rt != nil && info.rt.stream != nil {
		ns := make([]string, 0, len(info.rt.namespace)+1)
		ns = append(ns, info.rt.namespace...)
		ns = append(ns, s.segment(info))
		rt = &runtime{stream: info.rt.stream, mode: info.rt.mode, namespace: ns}
	}

	out, err := eff.run(ctx, input, cfg, rt)
	if err != nil {
		return NodeResult{}, err
	}
	if s.output != nil {
		return NodeResult{Delta: s.output(out)}, nil
	}
	return NodeResult{Delta: out}, nil
}

// translateInput applies the input translator, defaulting to the parent
// channels the child schema declares.
func (s *subgraphNode) translateInput(state Values) Values {
	if s.input != nil {
		return s.input(state)
	}
	input := make(Values)
	for name, v := range state {
		if s.child.schema.has(name) {
			input[name] = v
		}
	}
	return input
}

// threadID derives the child's thread from the parent's.
func (s *subgraphNode) threadID(info *runInfo) string {
	if info == nil || info.threadID == "" {
		return s.instance
	}
	return info.threadID + "/" + s.segment(info)
}

// segment is the namespace element this instance contributes, the parent
// node id qualified by the instance name.
func (s *subgraphNode) segment(info *runInfo) string {
	if info != nil && info.node != "" && info.node != s.instance {
		return info.node + ":" + s.instance
	}
	return s.instance
}
