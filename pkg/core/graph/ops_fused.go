// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"math"

	"github.com/fusegraph/fusegraph/pkg/core/shapes"
)

// Fused operations are built as single nodes and decomposed on demand (see Decompose and Lower) into
// elementary operations.

func registerFusedOps(r *Registry) {
	r.Register(OpDef{
		Type: NodeTypeGelu, Name: "Gelu", Version: 0, Arity: 1,
		Infer:     inferGelu,
		Decompose: decomposeGelu,
		VJP:       geluVJP,
	})
	// GeluBackprop has no VJP: second order derivatives of Gelu are not supported.
	r.Register(OpDef{
		Type: NodeTypeGeluBackprop, Name: "GeluBackprop", Version: 0, Arity: 2,
		Infer:     inferGeluBackprop,
		Decompose: decomposeGeluBackprop,
	})
}

// Gelu returns the exact Gelu activation of x: 0.5 * x * (1 + erf(x / √2)).
//
// x must be a floating-point (f16, bf16, f32 or f64) or dynamic dtype.
func Gelu(g *Graph, x NodeId) (NodeId, error) {
	return g.AddNode(NodeTypeGelu, []NodeId{x}, nil)
}

// GeluBackprop returns delta * Gelu'(x), the adjoint of the input of Gelu(x) for the adjoint delta
// of its output.
//
// The value is scaled by delta, so it is the chain-rule product and not the bare derivative: a
// GeluBackprop node whose decomposition is just Gelu'(x), with delta unused, computes something else for
// any delta other than 1. Use GeluDerivative for the unscaled derivative.
//
// x must be a floating-point (f16, bf16, f32 or f64) or dynamic dtype, and delta must have the same
// dimensions.
func GeluBackprop(g *Graph, x, delta NodeId) (NodeId, error) {
	return g.AddNode(NodeTypeGeluBackprop, []NodeId{x, delta}, nil)
}

func inferGelu(op string, inputs []shapes.Shape, _ NodeParams) (shapes.Shape, error) {
	if err := checkFloatInput(op, 0, inputs[0].DType); err != nil {
		return shapes.Invalid(), err
	}
	return inputs[0].Clone(), nil
}

// inferGeluBackprop takes the shape from x, refined with the dtype of delta if x is dynamic.
func inferGeluBackprop(op string, inputs []shapes.Shape, _ NodeParams) (shapes.Shape, error) {
	for ii, input := range inputs {
		if err := checkFloatInput(op, ii, input.DType); err != nil {
			return shapes.Invalid(), err
		}
	}
	return inferSameShape(op, inputs[0], inputs[1])
}

// decomposeGelu builds 0.5 * (x * (1 + erf(x / √2))).
func decomposeGelu(e *Emitter, node Node) ([]NodeId, error) {
	x := node.Input(0)
	half := e.ConstantLike(0.5, x)
	one := e.ConstantLike(1, x)
	sqrtTwo := e.ConstantLike(math.Sqrt2, x)
	output := e.Mul(half, e.Mul(x, e.Add(one, e.Erf(e.Div(x, sqrtTwo)))))
	return []NodeId{output}, e.Err()
}

// GeluDerivative builds the elementary subgraph of the derivative of Gelu at x:
//
//	Gelu'(x) = 0.5 * (1 + erf(x/√2) + x * √(2/π) * exp(-(x/√2)²))
func GeluDerivative(e *Emitter, x NodeId) NodeId {
	half := e.ConstantLike(0.5, x)
	one := e.ConstantLike(1, x)
	negOne := e.ConstantLike(-1, x)
	sqrtTwoOverPi := e.ConstantLike(math.Sqrt(2/math.Pi), x)
	sqrtTwo := e.ConstantLike(math.Sqrt2, x)
	tmp := e.Div(x, sqrtTwo)
	sum := e.Add(
		e.Add(one, e.Erf(tmp)),
		e.Mul(e.Mul(x, sqrtTwoOverPi), e.Exp(e.Mul(e.Mul(negOne, tmp), tmp))))
	return e.Mul(half, sum)
}

// decomposeGeluBackprop builds delta * Gelu'(x).
func decomposeGeluBackprop(e *Emitter, node Node) ([]NodeId, error) {
	x, delta := node.Input(0), node.Input(1)
	output := e.Mul(delta, GeluDerivative(e, x))
	return []NodeId{output}, e.Err()
}
