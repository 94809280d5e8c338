// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/fusegraph/fusegraph/pkg/core/shapes"
)

// Dedup implementation: remove duplicated expressions, also known as "common subexpression elimination".
// It also makes decomposition idempotent: decomposing the same node twice returns the same ids.

// nodeDedupKey indexes candidates with the same operation type and input structure.
type nodeDedupKey struct {
	nodeType   NodeType
	inputCount int
	firstInput NodeId // InvalidNodeId if there are no inputs.
}

func makeNodeDedupKey(nodeType NodeType, inputs []NodeId) nodeDedupKey {
	key := nodeDedupKey{
		nodeType:   nodeType,
		inputCount: len(inputs),
		firstInput: InvalidNodeId,
	}
	if len(inputs) > 0 {
		key.firstInput = inputs[0]
	}
	return key
}

// findDuplicateNode returns the id of an existing node with the same type, inputs, params and shape,
// or InvalidNodeId if there is none.
func (g *Graph) findDuplicateNode(nodeType NodeType, inputs []NodeId, params NodeParams, shape shapes.Shape) NodeId {
	if g.nodeDedup == nil {
		return InvalidNodeId
	}
	for _, candidateId := range g.nodeDedup[makeNodeDedupKey(nodeType, inputs)] {
		candidate := &g.nodes[candidateId]
		if !slices.Equal(candidate.inputs, inputs) {
			continue
		}
		if paramsEqual(candidate.params, params) && candidate.shape.Equal(shape) {
			return candidateId
		}
	}
	return InvalidNodeId
}

// registerForDeduplication adds the node to the de-duplication index.
func (g *Graph) registerForDeduplication(id NodeId) {
	if g.nodeDedup == nil {
		g.nodeDedup = make(map[nodeDedupKey][]NodeId)
	}
	node := &g.nodes[id]
	key := makeNodeDedupKey(node.nodeType, node.inputs)
	g.nodeDedup[key] = append(g.nodeDedup[key], id)
}

// unregisterForDeduplication removes the node from the de-duplication index. Used by rollback.
func (g *Graph) unregisterForDeduplication(id NodeId) {
	node := &g.nodes[id]
	key := makeNodeDedupKey(node.nodeType, node.inputs)
	candidates := g.nodeDedup[key]
	if idx := slices.Index(candidates, id); idx >= 0 {
		candidates = slices.Delete(candidates, idx, idx+1)
	}
	if len(candidates) == 0 {
		delete(g.nodeDedup, key)
	} else {
		g.nodeDedup[key] = candidates
	}
}
