// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/fusegraph/fusegraph/pkg/core/dtypes"
	"github.com/fusegraph/fusegraph/pkg/core/shapes"
)

// NodeId is the index of a Node in its Graph. Ids are dense and assigned in creation order, so every input
// of a node has a smaller id than the node itself.
type NodeId int

// InvalidNodeId is returned alongside errors, and by an Emitter that has already failed.
const InvalidNodeId NodeId = -1

// NodeParams holds the static (non-node) parameters of an operation, e.g. the value of a constant.
//
// Implementations must be immutable values: they are compared with Equal for de-duplication and shared by
// clones of the node.
type NodeParams interface {
	Equal(other NodeParams) bool
	String() string
}

// Node is a vertex of the computation graph: one operation, its inputs and its inferred output shape.
//
// Nodes are immutable and held by value in the Graph arena. Use Graph.Node to retrieve one.
type Node struct {
	id       NodeId
	nodeType NodeType
	inputs   []NodeId
	shape    shapes.Shape
	params   NodeParams
}

// Id of the node in its graph.
func (n Node) Id() NodeId { return n.id }

// Type of the operation.
func (n Node) Type() NodeType { return n.nodeType }

// NumInputs returns the number of inputs of the node.
func (n Node) NumInputs() int { return len(n.inputs) }

// Input returns the i-th input of the node.
func (n Node) Input(i int) NodeId { return n.inputs[i] }

// Inputs returns a copy of the node inputs.
func (n Node) Inputs() []NodeId { return slices.Clone(n.inputs) }

// Shape of the node output.
func (n Node) Shape() shapes.Shape { return n.shape }

// DType of the node output.
func (n Node) DType() dtypes.DType { return n.shape.DType }

// Params returns the static parameters of the node, or nil if the operation has none.
func (n Node) Params() NodeParams { return n.params }

// ConstantValue returns the scalar value of a constant node, and whether the node is a constant.
func (n Node) ConstantValue() (float64, bool) {
	p, ok := n.params.(*constantParams)
	if !ok {
		return 0, false
	}
	return p.value, true
}

// ParameterName returns the name of a parameter node, and whether the node is a parameter.
func (n Node) ParameterName() (string, bool) {
	p, ok := n.params.(*parameterParams)
	if !ok {
		return "", false
	}
	return p.name, true
}

// String implements fmt.Stringer.
func (n Node) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "#%d %s(", n.id, n.nodeType)
	for ii, input := range n.inputs {
		if ii > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "#%d", input)
	}
	if n.params != nil {
		if len(n.inputs) > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(n.params.String())
	}
	_, _ = fmt.Fprintf(&sb, ") -> %s", n.shape)
	return sb.String()
}

// constantParams is the scalar value of a constant, broadcast to shape.
type constantParams struct {
	value float64
	shape shapes.Shape
}

func (p *constantParams) Equal(other NodeParams) bool {
	o, ok := other.(*constantParams)
	// Bits comparison: NaN constants are de-duplicated, and 0.0 is not mixed with -0.0.
	return ok && math.Float64bits(p.value) == math.Float64bits(o.value) && p.shape.Equal(o.shape)
}

func (p *constantParams) String() string { return fmt.Sprintf("%g", p.value) }

// parameterParams names a graph parameter.
type parameterParams struct {
	name  string
	shape shapes.Shape
}

func (p *parameterParams) Equal(other NodeParams) bool {
	o, ok := other.(*parameterParams)
	return ok && p.name == o.name && p.shape.Equal(o.shape)
}

func (p *parameterParams) String() string { return fmt.Sprintf("%q", p.name) }

// paramsEqual compares optional params.
func paramsEqual(a, b NodeParams) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(b)
}
