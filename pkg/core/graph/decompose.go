// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/fusegraph/fusegraph/pkg/core/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// IsFused returns whether the node is a fused operation, that can be decomposed with Decompose.
func IsFused(g *Graph, id NodeId) bool {
	return g.OpDef(id).IsFused()
}

// Decompose builds the subgraph of elementary operations equivalent to the fused node id, and returns its
// outputs (one per node output).
//
// The node itself and its consumers are not changed: splicing the result into the graph is up to the
// caller (see Lower). Decomposition is idempotent: since identical nodes are de-duplicated, decomposing the
// same node again returns the same ids.
//
// It returns a *NotImplemented error if the node is not a fused operation. On error no nodes are added
// to the graph.
func Decompose(g *Graph, id NodeId) ([]NodeId, error) {
	node := g.Node(id)
	def := g.registry.mustLookup(node.nodeType)
	if !def.IsFused() {
		return nil, errors.WithStack(&NotImplemented{Op: def.Name, Capability: "decomposition"})
	}
	outputs, err := g.atomically(func(e *Emitter) ([]NodeId, error) {
		outputs, err := def.Decompose(e, node)
		if err != nil {
			return nil, err
		}
		if len(outputs) != 1 {
			return nil, errors.Errorf("decomposition of %s returned %d outputs, expected 1", node, len(outputs))
		}
		if got := g.Shape(outputs[0]); !compatibleShapes(node.shape, got) {
			return nil, errors.Errorf("decomposition of %s returned shape %s, expected %s", node, got, node.shape)
		}
		return outputs, nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "decomposing %s", node)
	}
	klog.V(1).Infof("graph %q: decomposed %s into #%d (graph has %d nodes)", g.name, node, outputs[0], len(g.nodes))
	return outputs, nil
}

// compatibleShapes returns whether got can replace a node of the declared shape: dimensions must be equal
// and dtypes must be the same, or one of them dynamic.
func compatibleShapes(declared, got shapes.Shape) bool {
	if !declared.EqualDimensions(got) {
		return false
	}
	_, ok := resolveDTypes(declared.DType, got.DType)
	return ok
}
