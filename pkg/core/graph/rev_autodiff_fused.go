// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

// geluVJP computes the VJP for fused Gelu (exact mode) as a fused GeluBackprop node:
//
//	VJP = v * Gelu'(x)
//
// The derivative is only materialized when GeluBackprop is decomposed (see GeluDerivative).
func geluVJP(e *Emitter, node Node, v NodeId) ([]NodeId, error) {
	x := node.Input(0)
	return []NodeId{e.GeluBackprop(x, v)}, e.Err()
}
