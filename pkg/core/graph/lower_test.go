// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph_test

import (
	"testing"

	"github.com/fusegraph/fusegraph/pkg/core/dtypes"
	. "github.com/fusegraph/fusegraph/pkg/core/graph"
	"github.com/fusegraph/fusegraph/pkg/core/graph/graphtest"
	"github.com/fusegraph/fusegraph/pkg/core/shapes"
	"github.com/fusegraph/fusegraph/pkg/core/tensors"
	"github.com/google/go-cmp/cmp"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hasFusedAncestors returns whether any node the output depends on (including itself) is fused.
func hasFusedAncestors(g *Graph, output NodeId) bool {
	if IsFused(g, output) {
		return true
	}
	node := g.Node(output)
	for ii := range node.NumInputs() {
		if hasFusedAncestors(g, node.Input(ii)) {
			return true
		}
	}
	return false
}

func TestLower(t *testing.T) {
	g := graphtest.NewGraph(t)
	shape := shapes.Make(dtypes.Float32, 3)
	x := must.M1(Parameter(g, "x", shape))
	delta := must.M1(Parameter(g, "delta", shape))
	gelu := must.M1(Gelu(g, x))
	geluGelu := must.M1(Gelu(g, gelu))
	backprop := must.M1(GeluBackprop(g, gelu, delta))
	sum := must.M1(Add(g, geluGelu, backprop))
	numNodes := g.NumNodes()

	lowered := must.M1(Lower(g, sum, gelu))
	require.Len(t, lowered, 2)
	for _, id := range lowered {
		assert.False(t, hasFusedAncestors(g, id))
	}
	if diff := cmp.Diff(geluExpr(param("x")), exprOf(g, lowered[1])); diff != "" {
		t.Errorf("lowered Gelu mismatch (-want +got):\n%s", diff)
	}
	loweredGelu := geluExpr(param("x"))
	want := op("Add", geluExpr(loweredGelu), op("Mul", param("delta"), geluDerivativeExpr(loweredGelu)))
	if diff := cmp.Diff(want, exprOf(g, lowered[0])); diff != "" {
		t.Errorf("lowered graph mismatch (-want +got):\n%s", diff)
	}

	// Original nodes are untouched.
	for id := NodeId(0); id < NodeId(numNodes); id++ {
		assert.Equal(t, id, g.Node(id).Id())
	}
	assert.Equal(t, []NodeId{geluGelu, backprop}, g.Node(sum).Inputs())

	// Lowering an already lowered graph is a no-op.
	numNodes = g.NumNodes()
	again := must.M1(Lower(g, lowered...))
	assert.Equal(t, lowered, again)
	assert.Equal(t, numNodes, g.NumNodes())

	// Elementary only graphs are returned as is.
	exp := must.M1(Exp(g, x))
	assert.Equal(t, []NodeId{exp}, must.M1(Lower(g, exp)))
	assert.Empty(t, must.M1(Lower(g)))
}

func TestLower_Values(t *testing.T) {
	shape := shapes.Make(dtypes.Float64, 3)
	values := []float64{-1, 0.5, 2}
	want := make([]float64, len(values))
	for ii, v := range values {
		want[ii] = geluRef(geluRef(v))
	}
	graphtest.RunTestGraphFn(t, "Gelu(Gelu(x))", func(t *testing.T, g *Graph) (map[NodeId]*tensors.Tensor, []NodeId) {
		x := must.M1(Parameter(g, "x", shape))
		output := must.M1(Gelu(g, must.M1(Gelu(g, x))))
		return map[NodeId]*tensors.Tensor{x: graphtest.Feed(t, shape, values...)}, must.M1(Lower(g, output))
	}, [][]float64{want}, 1e-12)
}

func TestRebuild(t *testing.T) {
	g := graphtest.NewGraph(t)
	x := must.M1(Parameter(g, "x", shapes.Make(dtypes.Dynamic, 2)))
	delta := must.M1(Parameter(g, "delta", shapes.Make(dtypes.Dynamic, 2)))
	half := must.M1(ConstantLike(g, 0.5, x))
	output := must.M1(GeluBackprop(g, must.M1(Gelu(g, must.M1(Mul(g, half, x)))), delta))
	assert.Equal(t, dtypes.Dynamic, g.Shape(output).DType)

	// Resolving x to Float32: every dependent operation is re-checked and re-inferred.
	x32 := must.M1(Parameter(g, "x32", shapes.Make(dtypes.Float32, 2)))
	rebuilt := must.M1(Rebuild(g, []NodeId{output}, map[NodeId]NodeId{x: x32}))
	assert.NotEqual(t, output, rebuilt[0])
	assert.Equal(t, dtypes.Float32, g.Shape(rebuilt[0]).DType)
	assert.Equal(t, NodeTypeGeluBackprop, g.Node(rebuilt[0]).Type())
	assert.Equal(t, delta, g.Node(rebuilt[0]).Input(1))

	// Resolving x to Int32 is rejected by Gelu's dtype constraint, and nothing is added to the graph.
	i32 := must.M1(Parameter(g, "i32", shapes.Make(dtypes.Int32, 2)))
	numNodes := g.NumNodes()
	_, err := Rebuild(g, []NodeId{output}, map[NodeId]NodeId{x: i32})
	var violation *TypeConstraintViolation
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, "Gelu", violation.Op)
	assert.Equal(t, numNodes, g.NumNodes())

	// Resolving to a different dimension fails validation of the binary ops.
	x3 := must.M1(Parameter(g, "x3", shapes.Make(dtypes.Float32, 3)))
	_, err = Rebuild(g, []NodeId{output}, map[NodeId]NodeId{x: x3})
	var mismatch *ShapeMismatch
	require.True(t, errors.As(err, &mismatch))

	_, err = Rebuild(g, []NodeId{output}, map[NodeId]NodeId{x: 1000})
	require.Error(t, err)
}
