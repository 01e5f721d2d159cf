package graph

import (
	"fmt"
	"sort"

	"github.com/stategraph/stategraph/graph/emit"
)

// Graph is the mutable builder for a directed, possibly cyclic graph of
// nodes over a channel schema. Build it up with AddNode, AddEdge, and
// AddConditionalEdge, then Compile it into an immutable Runnable.
//
// A Graph is not safe for concurrent mutation; build it on one goroutine.
type Graph struct {
	schema  *Schema
	nodes   map[string]*nodeSpec
	order   []string // node ids in registration order, for error reporting
	edges   map[string]edge
	routers map[string]Router
	err     error // first builder error, surfaced at Compile
}

// New creates an empty graph over the given schema.
func New(schema *Schema) *Graph {
	g := &Graph{
		nodes:   make(map[string]*nodeSpec),
		edges:   make(map[string]edge),
		routers: make(map[string]Router),
	}
	if schema == nil {
		g.fail(&ConfigError{Op: "new", Detail: "schema cannot be nil"})
		return g
	}
	g.schema = schema
	return g
}

// fail records the first builder error. Later calls keep building so that
// Compile reports the earliest defect, not a cascade.
func (g *Graph) fail(err error) {
	if g.err == nil {
		g.err = err
	}
}

// AddNode registers a node under the given id. Ids must be unique and must
// not collide with the Start and End markers.
func (g *Graph) AddNode(id string, node Node, opts ...NodeOption) *Graph {
	if id == "" || id == Start || id == End {
		g.fail(&ConfigError{Op: "add node", Detail: fmt.Sprintf("invalid node id %q", id)})
		return g
	}
	if node == nil {
		g.fail(&ConfigError{Op: "add node", Detail: "node " + id + " is nil"})
		return g
	}
	if _, dup := g.nodes[id]; dup {
		g.fail(&ConfigError{Op: "add node", Detail: "duplicate node id: " + id})
		return g
	}

	spec := &nodeSpec{id: id, node: node}
	for _, opt := range opts {
		opt(spec)
	}
	if spec.retry != nil {
		if err := spec.retry.Validate(); err != nil {
			g.fail(fmt.Errorf("node %s: %w", id, err))
			return g
		}
	}
	g.nodes[id] = spec
	g.order = append(g.order, id)
	return g
}

// AddEdge declares that after from completes, the named destinations run in
// the next superstep. More than one destination fans out into parallel
// tasks. Use Start as from to declare the entry point, and End as a
// destination to terminate the branch.
func (g *Graph) AddEdge(from string, to ...string) *Graph {
	if len(to) == 0 {
		g.fail(&ConfigError{Op: "add edge", Detail: "edge from " + from + " has no destination"})
		return g
	}
	if _, dup := g.edges[from]; dup {
		g.fail(&ConfigError{Op: "add edge", Detail: "duplicate edge from " + from})
		return g
	}
	if _, dup := g.routers[from]; dup {
		g.fail(&ConfigError{Op: "add edge", Detail: from + " already has a conditional edge"})
		return g
	}
	g.edges[from] = edge{from: from, to: append([]string{}, to...)}
	return g
}

// AddConditionalEdge declares that after from completes, router picks the
// destinations from the merged state. Returning End or nothing terminates
// the branch.
func (g *Graph) AddConditionalEdge(from string, router Router) *Graph {
	if router == nil {
		g.fail(&ConfigError{Op: "add edge", Detail: "router from " + from + " is nil"})
		return g
	}
	if _, dup := g.edges[from]; dup {
		g.fail(&ConfigError{Op: "add edge", Detail: from + " already has a static edge"})
		return g
	}
	if _, dup := g.routers[from]; dup {
		g.fail(&ConfigError{Op: "add edge", Detail: "duplicate conditional edge from " + from})
		return g
	}
	g.routers[from] = router
	return g
}

// Compile validates the graph and freezes it into a Runnable. Validation
// catches structural defects early: unknown edge endpoints, a missing entry
// point, and retry policies that cannot be satisfied. Router destinations
// are checked at execution time, when they are produced.
func (g *Graph) Compile(opts ...CompileOption) (*Runnable, error) {
	if g.err != nil {
		return nil, g.err
	}
	if len(g.nodes) == 0 {
		return nil, &ConfigError{Op: "compile", Detail: "graph has no nodes"}
	}

	entry, ok := g.edges[Start]
	if !ok {
		return nil, &ConfigError{Op: "compile", Detail: "no entry edge from Start"}
	}

	froms := make([]string, 0, len(g.edges)+len(g.routers))
	for from := range g.edges {
		froms = append(froms, from)
	}
	for from := range g.routers {
		froms = append(froms, from)
	}
	sort.Strings(froms)

	for _, from := range froms {
		if from != Start {
			if _, ok := g.nodes[from]; !ok {
				return nil, &ConfigError{Op: "compile", Detail: "edge from unknown node: " + from}
			}
		}
		e, static := g.edges[from]
		if !static {
			continue
		}
		for _, to := range e.to {
			if to == End {
				continue
			}
			if to == Start {
				return nil, &ConfigError{Op: "compile", Detail: "edge into Start from " + from}
			}
			if _, ok := g.nodes[to]; !ok {
				return nil, &ConfigError{Op: "compile", Detail: fmt.Sprintf("edge %s -> %s: unknown node", from, to)}
			}
		}
	}

	for _, to := range entry.to {
		if to == End {
			return nil, &ConfigError{Op: "compile", Detail: "entry edge cannot target End"}
		}
	}

	r := &Runnable{
		name:          "stategraph",
		schema:        g.schema,
		nodes:         make(map[string]*nodeSpec, len(g.nodes)),
		edges:         make(map[string]edge, len(g.edges)),
		routers:       make(map[string]Router, len(g.routers)),
		entry:         append([]string{}, entry.to...),
		stepLimit:     DefaultStepLimit,
		maxConcurrent: DefaultMaxConcurrent,
		emitter:       emit.NewNullEmitter(),
	}
	for id, spec := range g.nodes {
		r.nodes[id] = spec
	}
	for from, e := range g.edges {
		r.edges[from] = e
	}
	for from, router := range g.routers {
		r.routers[from] = router
	}

	for _, opt := range opts {
		opt(r)
	}
	if r.stepLimit < 1 {
		return nil, &ConfigError{Op: "compile", Detail: "step limit must be >= 1"}
	}
	if r.maxConcurrent < 1 {
		return nil, &ConfigError{Op: "compile", Detail: "max concurrent must be >= 1"}
	}
	if r.logger == nil {
		r.logger = defaultLogger()
	}
	return r, nil
}
