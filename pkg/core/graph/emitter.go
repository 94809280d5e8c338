// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/fusegraph/fusegraph/pkg/core/shapes"
)

// Emitter builds nodes in a Graph with deferred error handling: the first error is recorded, and from then
// on every method is a no-op returning InvalidNodeId. Check Err once at the end.
//
// This allows decompositions and VJPs to be written as plain expressions:
//
//	out := e.Mul(half, e.Mul(x, e.Add(one, e.Erf(e.Div(x, sqrtTwo)))))
//	return []NodeId{out}, e.Err()
//
// Decompose, Gradient and Lower run their Emitter atomically: if it fails, the nodes created are removed.
type Emitter struct {
	g   *Graph
	err error
}

// NewEmitter returns an Emitter for graph g.
func NewEmitter(g *Graph) *Emitter {
	return &Emitter{g: g}
}

// Graph being built.
func (e *Emitter) Graph() *Graph { return e.g }

// Err returns the first error that happened, or nil.
func (e *Emitter) Err() error { return e.err }

// Ok returns whether no error happened so far.
func (e *Emitter) Ok() bool { return e.err == nil }

// SetErr records err, if no other error was recorded before.
func (e *Emitter) SetErr(err error) {
	if e.err == nil {
		e.err = err
	}
}

// Shape returns the shape of the node, or an invalid shape if the Emitter has already failed.
func (e *Emitter) Shape(id NodeId) shapes.Shape {
	if e.err != nil {
		return shapes.Invalid()
	}
	return e.g.Shape(id)
}

// Emit adds a node with the given type, params and inputs. See Graph.AddNode.
func (e *Emitter) Emit(nodeType NodeType, params NodeParams, inputs ...NodeId) NodeId {
	if e.err != nil {
		return InvalidNodeId
	}
	id, err := e.g.AddNode(nodeType, inputs, params)
	if err != nil {
		e.err = err
		return InvalidNodeId
	}
	return id
}

// Constant returns a node with value broadcast to shape.
func (e *Emitter) Constant(value float64, shape shapes.Shape) NodeId {
	if e.err != nil {
		return InvalidNodeId
	}
	return e.Emit(NodeTypeConstant, &constantParams{value: value, shape: shape.Clone()})
}

// ConstantLike returns a constant with value broadcast to the shape (and dtype) of the node like.
func (e *Emitter) ConstantLike(value float64, like NodeId) NodeId {
	if e.err != nil {
		return InvalidNodeId
	}
	return e.Constant(value, e.g.Shape(like))
}

// Add returns x + y.
func (e *Emitter) Add(x, y NodeId) NodeId { return e.Emit(NodeTypeAdd, nil, x, y) }

// Sub returns x - y.
func (e *Emitter) Sub(x, y NodeId) NodeId { return e.Emit(NodeTypeSub, nil, x, y) }

// Mul returns x * y.
func (e *Emitter) Mul(x, y NodeId) NodeId { return e.Emit(NodeTypeMul, nil, x, y) }

// Div returns x / y.
func (e *Emitter) Div(x, y NodeId) NodeId { return e.Emit(NodeTypeDiv, nil, x, y) }

// Exp returns e^x.
func (e *Emitter) Exp(x NodeId) NodeId { return e.Emit(NodeTypeExp, nil, x) }

// Erf returns the error function of x.
func (e *Emitter) Erf(x NodeId) NodeId { return e.Emit(NodeTypeErf, nil, x) }

// Neg returns -x, as a multiplication by -1.
func (e *Emitter) Neg(x NodeId) NodeId {
	return e.Mul(e.ConstantLike(-1, x), x)
}

// Gelu returns the fused Gelu of x.
func (e *Emitter) Gelu(x NodeId) NodeId { return e.Emit(NodeTypeGelu, nil, x) }

// GeluBackprop returns the fused delta * Gelu'(x).
func (e *Emitter) GeluBackprop(x, delta NodeId) NodeId {
	return e.Emit(NodeTypeGeluBackprop, nil, x, delta)
}
