// Package graph is a small state-graph runtime. Nodes read the current state
// and return an update that is merged into it; edges are either fixed or
// chosen by a router whose label must map to a declared target.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/trace"

	"athena/internal/domain"
	"athena/internal/infra/tracer"
)

// End is the terminal marker used as an edge target.
const End = "__end__"

// DefaultMaxSteps bounds node executions per run when no limit is configured.
const DefaultMaxSteps = 25

// NodeFunc runs one node. The returned update is merged into the state; a nil
// update leaves it unchanged.
type NodeFunc func(ctx context.Context, s State) (State, error)

// RouteFunc picks the label of the next edge from the state.
type RouteFunc func(s State) string

type conditional struct {
	route RouteFunc
	paths map[string]string
}

// Graph is a builder. Errors made while building are reported by Compile.
type Graph struct {
	nodes        map[string]NodeFunc
	order        []string
	edges        map[string]string
	conditionals map[string]conditional
	entry        string
	errs         []error
}

// New creates an empty graph builder.
func New() *Graph {
	return &Graph{
		nodes:        make(map[string]NodeFunc),
		edges:        make(map[string]string),
		conditionals: make(map[string]conditional),
	}
}

// AddNode registers a node.
func (g *Graph) AddNode(name string, fn NodeFunc) *Graph {
	switch {
	case name == "" || name == End:
		g.errs = append(g.errs, fmt.Errorf("invalid node name %q", name))
	case fn == nil:
		g.errs = append(g.errs, fmt.Errorf("node %q has no function", name))
	default:
		if _, dup := g.nodes[name]; dup {
			g.errs = append(g.errs, fmt.Errorf("node %q added twice", name))
			return g
		}
		g.nodes[name] = fn
		g.order = append(g.order, name)
	}
	return g
}

// AddEdge adds an unconditional edge from one node to another (or End).
func (g *Graph) AddEdge(from, to string) *Graph {
	if _, dup := g.edges[from]; dup {
		g.errs = append(g.errs, fmt.Errorf("node %q already has an edge", from))
		return g
	}
	g.edges[from] = to
	return g
}

// AddConditionalEdges routes from a node by label. Labels outside paths are
// run errors.
func (g *Graph) AddConditionalEdges(from string, route RouteFunc, paths map[string]string) *Graph {
	if route == nil || len(paths) == 0 {
		g.errs = append(g.errs, fmt.Errorf("conditional edges from %q need a router and paths", from))
		return g
	}
	if _, dup := g.conditionals[from]; dup {
		g.errs = append(g.errs, fmt.Errorf("node %q already has conditional edges", from))
		return g
	}
	cp := make(map[string]string, len(paths))
	for k, v := range paths {
		cp[k] = v
	}
	g.conditionals[from] = conditional{route: route, paths: cp}
	return g
}

// SetEntry sets the first node.
func (g *Graph) SetEntry(name string) *Graph {
	g.entry = name
	return g
}

// CompileOption configures a compiled graph.
type CompileOption func(*Compiled)

// WithMaxSteps bounds node executions per Invoke. Non-positive values keep
// the default.
func WithMaxSteps(n int) CompileOption {
	return func(c *Compiled) {
		if n > 0 {
			c.maxSteps = n
		}
	}
}

// WithName labels spans produced by the graph.
func WithName(name string) CompileOption {
	return func(c *Compiled) { c.name = name }
}

// Compile validates the graph and freezes it.
func (g *Graph) Compile(opts ...CompileOption) (*Compiled, error) {
	errs := append([]error(nil), g.errs...)

	if g.entry == "" {
		errs = append(errs, errors.New("no entry node"))
	} else if _, ok := g.nodes[g.entry]; !ok {
		errs = append(errs, fmt.Errorf("entry node %q not defined", g.entry))
	}

	known := func(name string) bool {
		_, ok := g.nodes[name]
		return ok || name == End
	}
	for _, name := range g.order {
		to, hasEdge := g.edges[name]
		cond, hasCond := g.conditionals[name]
		switch {
		case hasEdge && hasCond:
			errs = append(errs, fmt.Errorf("node %q has both a fixed and a conditional edge", name))
		case !hasEdge && !hasCond:
			errs = append(errs, fmt.Errorf("node %q has no outgoing edge", name))
		case hasEdge && !known(to):
			errs = append(errs, fmt.Errorf("edge %q -> %q targets an unknown node", name, to))
		case hasCond:
			labels := make([]string, 0, len(cond.paths))
			for label := range cond.paths {
				labels = append(labels, label)
			}
			sort.Strings(labels)
			for _, label := range labels {
				if !known(cond.paths[label]) {
					errs = append(errs, fmt.Errorf("route %q from %q targets unknown node %q", label, name, cond.paths[label]))
				}
			}
		}
	}
	for from := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			errs = append(errs, fmt.Errorf("edge from unknown node %q", from))
		}
	}
	for from := range g.conditionals {
		if _, ok := g.nodes[from]; !ok {
			errs = append(errs, fmt.Errorf("conditional edges from unknown node %q", from))
		}
	}

	if len(errs) > 0 {
		return nil, domain.NewDomainError("Graph.Compile", domain.ErrGraphInvalid, errors.Join(errs...).Error())
	}

	c := &Compiled{
		nodes:        g.nodes,
		edges:        g.edges,
		conditionals: g.conditionals,
		entry:        g.entry,
		maxSteps:     DefaultMaxSteps,
		name:         "graph",
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Compiled is an immutable, runnable graph.
type Compiled struct {
	nodes        map[string]NodeFunc
	edges        map[string]string
	conditionals map[string]conditional
	entry        string
	maxSteps     int
	name         string
}

// Run is the outcome of one Invoke.
type Run struct {
	State State
	Path  []string
}

// Steps is the number of nodes executed.
func (r *Run) Steps() int { return len(r.Path) }

// Invoke runs the graph from the entry node until End and returns the final
// state. The input is copied, never mutated.
func (c *Compiled) Invoke(ctx context.Context, input State) (State, error) {
	run, err := c.Run(ctx, input)
	if err != nil {
		return nil, err
	}
	return run.State, nil
}

// Run is Invoke that also reports the visited path. On error the partial run
// is returned alongside it.
func (c *Compiled) Run(ctx context.Context, input State) (*Run, error) {
	run := &Run{State: input.Clone()}

	current := c.entry
	for current != End {
		if len(run.Path) >= c.maxSteps {
			return run, domain.NewDomainError("Graph.Run", domain.ErrGraphMaxSteps, fmt.Sprintf("limit %d reached at %q", c.maxSteps, current))
		}
		if err := ctx.Err(); err != nil {
			return run, err
		}

		update, err := c.step(ctx, current, run.State)
		run.Path = append(run.Path, current)
		if err != nil {
			return run, fmt.Errorf("node %q: %w", current, err)
		}
		run.State.Merge(update)

		next, err := c.next(current, run.State)
		if err != nil {
			return run, err
		}
		current = next
	}
	return run, nil
}

func (c *Compiled) step(ctx context.Context, name string, s State) (State, error) {
	ctx, span := tracer.StartSpan(ctx, c.name+".node",
		trace.WithAttributes(tracer.StringAttr("graph.node", name)),
	)
	defer span.End()

	update, err := c.nodes[name](ctx, s)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return update, nil
}

func (c *Compiled) next(current string, s State) (string, error) {
	if to, ok := c.edges[current]; ok {
		return to, nil
	}
	cond := c.conditionals[current]
	label := cond.route(s)
	to, ok := cond.paths[label]
	if !ok {
		return "", domain.NewDomainError("Graph.Run", domain.ErrGraphInvalid, fmt.Sprintf("route from %q returned unknown label %q", current, label))
	}
	return to, nil
}
