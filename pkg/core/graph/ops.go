// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/fusegraph/fusegraph/pkg/core/dtypes"
	"github.com/fusegraph/fusegraph/pkg/core/shapes"
	"github.com/pkg/errors"
)

// This file holds the elementary operations: the targets of decomposition.
// All of them are elementwise and operands must have the same dimensions: constants are created with the
// full shape of the operand they are combined with (see ConstantLike).

func registerElementaryOps(r *Registry) {
	r.Register(OpDef{Type: NodeTypeParameter, Name: "Parameter", Arity: 0, Infer: inferParameter, VJP: leafVJP})
	r.Register(OpDef{Type: NodeTypeConstant, Name: "Constant", Arity: 0, Infer: inferConstant, VJP: leafVJP})
	r.Register(OpDef{Type: NodeTypeAdd, Name: "Add", Arity: 2, Infer: inferBinary, VJP: addVJP})
	r.Register(OpDef{Type: NodeTypeSub, Name: "Sub", Arity: 2, Infer: inferBinary, VJP: subVJP})
	r.Register(OpDef{Type: NodeTypeMul, Name: "Mul", Arity: 2, Infer: inferBinary, VJP: mulVJP})
	r.Register(OpDef{Type: NodeTypeDiv, Name: "Div", Arity: 2, Infer: inferBinary, VJP: divVJP})
	r.Register(OpDef{Type: NodeTypeExp, Name: "Exp", Arity: 1, Infer: inferFloatUnary, VJP: expVJP})
	r.Register(OpDef{Type: NodeTypeErf, Name: "Erf", Arity: 1, Infer: inferFloatUnary, VJP: erfVJP})
}

// Parameter creates a graph input with the given name and shape. The shape's dtype can be dtypes.Dynamic,
// to be resolved when the graph is fed.
func Parameter(g *Graph, name string, shape shapes.Shape) (NodeId, error) {
	return g.AddNode(NodeTypeParameter, nil, &parameterParams{name: name, shape: shape.Clone()})
}

// Constant creates a node with the scalar value broadcast to shape.
func Constant(g *Graph, value float64, shape shapes.Shape) (NodeId, error) {
	return g.AddNode(NodeTypeConstant, nil, &constantParams{value: value, shape: shape.Clone()})
}

// ConstantLike creates a constant with the scalar value broadcast to the shape of the node like.
func ConstantLike(g *Graph, value float64, like NodeId) (NodeId, error) {
	if !g.IsValid(like) {
		return InvalidNodeId, errors.Errorf("ConstantLike: node id %d is not a node of graph %q", like, g.name)
	}
	return Constant(g, value, g.Shape(like))
}

// Add returns the elementwise x + y.
func Add(g *Graph, x, y NodeId) (NodeId, error) {
	return g.AddNode(NodeTypeAdd, []NodeId{x, y}, nil)
}

// Sub returns the elementwise x - y.
func Sub(g *Graph, x, y NodeId) (NodeId, error) {
	return g.AddNode(NodeTypeSub, []NodeId{x, y}, nil)
}

// Mul returns the elementwise x * y.
func Mul(g *Graph, x, y NodeId) (NodeId, error) {
	return g.AddNode(NodeTypeMul, []NodeId{x, y}, nil)
}

// Div returns the elementwise x / y.
func Div(g *Graph, x, y NodeId) (NodeId, error) {
	return g.AddNode(NodeTypeDiv, []NodeId{x, y}, nil)
}

// Exp returns the elementwise e^x.
func Exp(g *Graph, x NodeId) (NodeId, error) {
	return g.AddNode(NodeTypeExp, []NodeId{x}, nil)
}

// Erf returns the elementwise error function of x.
func Erf(g *Graph, x NodeId) (NodeId, error) {
	return g.AddNode(NodeTypeErf, []NodeId{x}, nil)
}

func inferParameter(op string, _ []shapes.Shape, params NodeParams) (shapes.Shape, error) {
	p, ok := params.(*parameterParams)
	if !ok || p.name == "" {
		return shapes.Invalid(), errors.Errorf("%s: a non-empty name is required", op)
	}
	if !p.shape.Ok() {
		return shapes.Invalid(), errors.Errorf("%s(%q): invalid shape %s", op, p.name, p.shape)
	}
	return p.shape.Clone(), nil
}

func inferConstant(op string, _ []shapes.Shape, params NodeParams) (shapes.Shape, error) {
	p, ok := params.(*constantParams)
	if !ok {
		return shapes.Invalid(), errors.Errorf("%s: missing value", op)
	}
	if !p.shape.Ok() {
		return shapes.Invalid(), errors.Errorf("%s(%g): invalid shape %s", op, p.value, p.shape)
	}
	return p.shape.Clone(), nil
}

// resolveDTypes returns the common dtype of two operands: they must be equal, except if one is
// dtypes.Dynamic, in which case the other one is taken.
func resolveDTypes(a, b dtypes.DType) (dtypes.DType, bool) {
	switch {
	case a == b:
		return a, true
	case a.IsDynamic():
		return b, true
	case b.IsDynamic():
		return a, true
	default:
		return dtypes.InvalidDType, false
	}
}

// inferSameShape checks that x and y have the same dimensions and compatible dtypes, and returns the
// resulting shape.
func inferSameShape(op string, x, y shapes.Shape) (shapes.Shape, error) {
	if !x.EqualDimensions(y) {
		return shapes.Invalid(), errors.WithStack(&ShapeMismatch{Op: op, Shapes: []shapes.Shape{x, y},
			Reason: "dimensions must be equal"})
	}
	dtype, ok := resolveDTypes(x.DType, y.DType)
	if !ok {
		return shapes.Invalid(), errors.WithStack(&ShapeMismatch{Op: op, Shapes: []shapes.Shape{x, y},
			Reason: "dtypes must be equal (or dynamic)"})
	}
	return x.WithDType(dtype), nil
}

func inferBinary(op string, inputs []shapes.Shape, _ NodeParams) (shapes.Shape, error) {
	return inferSameShape(op, inputs[0], inputs[1])
}

func inferFloatUnary(op string, inputs []shapes.Shape, _ NodeParams) (shapes.Shape, error) {
	if err := checkFloatInput(op, 0, inputs[0].DType); err != nil {
		return shapes.Invalid(), err
	}
	return inputs[0].Clone(), nil
}
