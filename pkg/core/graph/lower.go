// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MaxLowerDepth limits how many times Lower expands decompositions that themselves contain fused nodes.
const MaxLowerDepth = 16

// Lower returns the outputs recomputed with every fused node reachable from them replaced by its
// decomposition, recursively, so the returned outputs only depend on elementary operations.
//
// Consumers of fused nodes are relinked through CloneWithNewInputs. The original nodes are left untouched,
// and on error nothing is added to the graph.
func Lower(g *Graph, outputs ...NodeId) ([]NodeId, error) {
	return g.atomically(func(_ *Emitter) ([]NodeId, error) {
		r := &rewriter{g: g, expandFused: true}
		return r.rewrite(outputs)
	})
}

// Rebuild returns the outputs recomputed with the nodes in replacements substituted by their mapped nodes.
//
// Every consumer (direct or indirect) of a replaced node is cloned with CloneWithNewInputs, so validation
// and shape inference run again: e.g. replacing a dynamic parameter with one of a resolved dtype re-checks
// the dtype constraints of every operation depending on it.
//
// On error nothing is added to the graph.
func Rebuild(g *Graph, outputs []NodeId, replacements map[NodeId]NodeId) ([]NodeId, error) {
	for from, to := range replacements {
		if !g.IsValid(from) || !g.IsValid(to) {
			return nil, errors.Errorf("Rebuild: invalid replacement #%d -> #%d in graph %q", from, to, g.name)
		}
	}
	return g.atomically(func(_ *Emitter) ([]NodeId, error) {
		r := &rewriter{g: g, replacements: replacements}
		return r.rewrite(outputs)
	})
}

// rewriter recomputes a subgraph, substituting nodes and optionally expanding fused nodes.
type rewriter struct {
	g            *Graph
	replacements map[NodeId]NodeId
	expandFused  bool
	depth        int
}

// rewrite the subgraph of the ancestors of outputs, visited in topological (id) order.
func (r *rewriter) rewrite(outputs []NodeId) ([]NodeId, error) {
	g := r.g
	if len(outputs) == 0 {
		return nil, nil
	}
	for _, output := range outputs {
		if !g.IsValid(output) {
			return nil, errors.Errorf("node id %d is not a node of graph %q", output, g.name)
		}
	}
	maxId := slices.Max(outputs)
	needed := make([]bool, maxId+1)
	for _, output := range outputs {
		needed[output] = true
	}
	for id := maxId; id >= 0; id-- {
		if !needed[id] {
			continue
		}
		if _, replaced := r.replacements[id]; replaced {
			continue
		}
		for _, input := range g.nodes[id].inputs {
			needed[input] = true
		}
	}

	mapping := make(map[NodeId]NodeId)
	for id := NodeId(0); id <= maxId; id++ {
		if !needed[id] {
			continue
		}
		newId, err := r.rewriteNode(id, mapping)
		if err != nil {
			return nil, err
		}
		mapping[id] = newId
	}
	newOutputs := make([]NodeId, len(outputs))
	for ii, output := range outputs {
		newOutputs[ii] = mapping[output]
	}
	return newOutputs, nil
}

func (r *rewriter) rewriteNode(id NodeId, mapping map[NodeId]NodeId) (NodeId, error) {
	g := r.g
	if to, replaced := r.replacements[id]; replaced {
		return to, nil
	}
	node := g.nodes[id]
	newId := id
	if node.NumInputs() > 0 {
		newInputs := make([]NodeId, node.NumInputs())
		for ii, input := range node.inputs {
			newInputs[ii] = mapping[input]
		}
		if !slices.Equal(newInputs, node.inputs) {
			var err error
			newId, err = CloneWithNewInputs(g, id, newInputs)
			if err != nil {
				return InvalidNodeId, errors.WithMessagef(err, "rebuilding %s with inputs %v", node, newInputs)
			}
		}
	}
	if !r.expandFused || !IsFused(g, newId) {
		return newId, nil
	}

	if r.depth >= MaxLowerDepth {
		return InvalidNodeId, errors.Errorf("lowering %s: fused operations nested more than %d levels", node, MaxLowerDepth)
	}
	decomposed, err := Decompose(g, newId)
	if err != nil {
		return InvalidNodeId, err
	}
	// The decomposition may itself use fused operations.
	sub := &rewriter{g: g, expandFused: true, depth: r.depth + 1}
	lowered, err := sub.rewrite(decomposed)
	if err != nil {
		return InvalidNodeId, err
	}
	if klog.V(2).Enabled() {
		klog.Infof("graph %q: lowered %s to #%d", g.name, node, lowered[0])
	}
	return lowered[0], nil
}
