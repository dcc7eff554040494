package graph

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"athena/internal/domain"
)

func set(key string, v any) NodeFunc {
	return func(context.Context, State) (State, error) { return State{key: v}, nil }
}

func TestLinearGraph(t *testing.T) {
	g := New().
		AddNode("a", set("a", 1)).
		AddNode("b", func(_ context.Context, s State) (State, error) {
			return State{"b": s.Int("a", 0) + 1}, nil
		}).
		AddEdge("a", "b").
		AddEdge("b", End).
		SetEntry("a")

	c, err := g.Compile()
	require.NoError(t, err)

	input := State{"x": "keep"}
	run, err := c.Run(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, State{"x": "keep", "a": 1, "b": 2}, run.State)
	assert.Equal(t, []string{"a", "b"}, run.Path)
	assert.Equal(t, State{"x": "keep"}, input, "input must not be mutated")
}

func TestConditionalRouting(t *testing.T) {
	build := func() *Compiled {
		c, err := New().
			AddNode("classify", func(_ context.Context, s State) (State, error) {
				return State{"label": s.String("text")}, nil
			}).
			AddNode("allow", set("decision", "allow")).
			AddNode("block", set("decision", "block")).
			AddConditionalEdges("classify", func(s State) string { return s.String("label") }, map[string]string{
				"work":        "allow",
				"distraction": "block",
			}).
			AddEdge("allow", End).
			AddEdge("block", End).
			SetEntry("classify").
			Compile()
		require.NoError(t, err)
		return c
	}

	out, err := build().Invoke(context.Background(), State{"text": "work"})
	require.NoError(t, err)
	assert.Equal(t, "allow", out["decision"])

	out, err = build().Invoke(context.Background(), State{"text": "distraction"})
	require.NoError(t, err)
	assert.Equal(t, "block", out["decision"])

	_, err = build().Invoke(context.Background(), State{"text": "other"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrGraphInvalid)
	assert.Contains(t, err.Error(), `unknown label "other"`)
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func() *Graph
		want  string
	}{
		{"no entry", func() *Graph { return New().AddNode("a", set("a", 1)).AddEdge("a", End) }, "no entry node"},
		{"unknown entry", func() *Graph { return New().AddNode("a", set("a", 1)).AddEdge("a", End).SetEntry("z") }, `entry node "z"`},
		{"missing edge", func() *Graph { return New().AddNode("a", set("a", 1)).SetEntry("a") }, "no outgoing edge"},
		{"unknown target", func() *Graph { return New().AddNode("a", set("a", 1)).AddEdge("a", "b").SetEntry("a") }, "unknown node"},
		{"reserved name", func() *Graph { return New().AddNode(End, set("a", 1)) }, "invalid node name"},
		{"duplicate node", func() *Graph {
			return New().AddNode("a", set("a", 1)).AddNode("a", set("a", 2)).AddEdge("a", End).SetEntry("a")
		}, "added twice"},
		{"both edges", func() *Graph {
			return New().AddNode("a", set("a", 1)).AddEdge("a", End).
				AddConditionalEdges("a", func(State) string { return "x" }, map[string]string{"x": End}).SetEntry("a")
		}, "both a fixed and a conditional"},
		{"bad route target", func() *Graph {
			return New().AddNode("a", set("a", 1)).
				AddConditionalEdges("a", func(State) string { return "x" }, map[string]string{"x": "nowhere"}).SetEntry("a")
		}, `targets unknown node "nowhere"`},
		{"edge from unknown", func() *Graph {
			return New().AddNode("a", set("a", 1)).AddEdge("a", End).AddEdge("ghost", End).SetEntry("a")
		}, `edge from unknown node "ghost"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build().Compile()
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrGraphInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNodeErrorStopsRun(t *testing.T) {
	boom := errors.New("model down")
	c, err := New().
		AddNode("a", func(context.Context, State) (State, error) { return nil, boom }).
		AddNode("b", set("b", true)).
		AddEdge("a", "b").AddEdge("b", End).
		SetEntry("a").
		Compile()
	require.NoError(t, err)

	run, err := c.Run(context.Background(), nil)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a"}, run.Path)
	assert.NotContains(t, run.State, "b")
}

func TestCancelledContext(t *testing.T) {
	c, err := New().AddNode("a", set("a", 1)).AddEdge("a", End).SetEntry("a").Compile()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Invoke(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

// loopGraph increments "n" until it reaches target.
func loopGraph(t require.TestingT, target, maxSteps int) *Compiled {
	c, err := New().
		AddNode("inc", func(_ context.Context, s State) (State, error) {
			return State{"n": s.Int("n", 0) + 1}, nil
		}).
		AddConditionalEdges("inc", func(s State) string {
			if s.Int("n", 0) >= target {
				return "done"
			}
			return "again"
		}, map[string]string{"done": End, "again": "inc"}).
		SetEntry("inc").
		Compile(WithMaxSteps(maxSteps))
	require.NoError(t, err)
	return c
}

func TestCycleBoundedBySteps(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		target := rapid.IntRange(1, 40).Draw(rt, "target")
		limit := rapid.IntRange(1, 40).Draw(rt, "limit")

		run, err := loopGraph(rt, target, limit).Run(context.Background(), State{})
		if target <= limit {
			require.NoError(rt, err)
			assert.Equal(rt, target, run.State.Int("n", -1))
			assert.Equal(rt, target, run.Steps())
		} else {
			require.ErrorIs(rt, err, domain.ErrGraphMaxSteps)
			assert.Equal(rt, limit, run.Steps())
		}
	})
}

func TestChainOfAnyLength(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 30).Draw(rt, "nodes")
		g := New().SetEntry("n0")
		for i := range n {
			name := fmt.Sprintf("n%d", i)
			g.AddNode(name, func(_ context.Context, s State) (State, error) {
				return State{"visits": s.Int("visits", 0) + 1}, nil
			})
			next := End
			if i < n-1 {
				next = fmt.Sprintf("n%d", i+1)
			}
			g.AddEdge(name, next)
		}
		c, err := g.Compile(WithMaxSteps(n))
		require.NoError(rt, err)

		out, err := c.Invoke(context.Background(), nil)
		require.NoError(rt, err)
		assert.Equal(rt, n, out.Int("visits", 0))
	})
}

func TestStateHelpers(t *testing.T) {
	s := State{"s": "x", "f": 3.0, "i": 4, "b": true, "m": map[string]any{"k": 1}}
	assert.Equal(t, "x", s.String("s"))
	assert.Equal(t, "", s.String("f"))
	assert.Equal(t, 3, s.Int("f", 0))
	assert.Equal(t, 4, s.Int("i", 0))
	assert.Equal(t, 9, s.Int("missing", 9))
	assert.True(t, s.Bool("b"))
	assert.Equal(t, map[string]any{"k": 1}, s.Map("m"))
	assert.Nil(t, s.Map("s"))
}
