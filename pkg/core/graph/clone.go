// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/pkg/errors"
)

// CloneWithNewInputs returns a node of the same operation (and params) as id, but with the given inputs.
//
// Validation and shape inference are run again on the new inputs: this is how nodes built on dynamic
// dtypes are re-checked once the dtypes are resolved.
//
// It fails with *ArityMismatch if the number of inputs differs from the operation arity, and with the
// validation errors of the operation otherwise. Cloning a parameter (which has no inputs) returns the
// parameter itself.
func CloneWithNewInputs(g *Graph, id NodeId, inputs []NodeId) (NodeId, error) {
	node := g.Node(id)
	def := g.registry.mustLookup(node.nodeType)
	if len(inputs) != def.Arity {
		return InvalidNodeId, errors.WithStack(&ArityMismatch{Op: def.Name, Expected: def.Arity, Got: len(inputs)})
	}
	if node.nodeType == NodeTypeParameter {
		return id, nil
	}
	return g.AddNode(node.nodeType, inputs, node.params)
}
