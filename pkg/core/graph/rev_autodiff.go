// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"maps"
	"math"

	"github.com/fusegraph/fusegraph/pkg/core/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Adjoints accumulates, for a graph, the adjoint (delta) flowing into the output of each node during
// reverse-mode differentiation.
//
// Deltas contributed more than once to the same node are summed with an Add node.
type Adjoints struct {
	g      *Graph
	deltas map[NodeId]NodeId
}

// NewAdjoints creates an empty accumulation of adjoints for graph g.
func NewAdjoints(g *Graph) *Adjoints {
	return &Adjoints{g: g, deltas: make(map[NodeId]NodeId)}
}

// Delta returns the accumulated delta for the node, if any.
func (a *Adjoints) Delta(id NodeId) (NodeId, bool) {
	delta, found := a.deltas[id]
	return delta, found
}

// Len returns the number of nodes with an accumulated delta.
func (a *Adjoints) Len() int { return len(a.deltas) }

// AddDelta accumulates delta as an adjoint of node id.
// The delta must have the dimensions of the node and a compatible dtype.
func (a *Adjoints) AddDelta(id, delta NodeId) error {
	return a.atomically(func(e *Emitter) { a.addDelta(e, id, delta) })
}

// Contribute runs the VJP of node id on its accumulated delta, and accumulates the resulting deltas into the
// node inputs. Nodes without an accumulated delta contribute nothing.
//
// It fails with *NotImplemented if the node operation has no VJP. On error neither the graph nor the
// accumulated deltas are changed.
func (a *Adjoints) Contribute(id NodeId) error {
	return a.atomically(func(e *Emitter) { a.contribute(e, id) })
}

// atomically runs fn and restores the graph and the accumulated deltas if it fails.
func (a *Adjoints) atomically(fn func(e *Emitter)) error {
	saved := maps.Clone(a.deltas)
	_, err := a.g.atomically(func(e *Emitter) ([]NodeId, error) {
		fn(e)
		return nil, e.Err()
	})
	if err != nil {
		a.deltas = saved
	}
	return err
}

func (a *Adjoints) addDelta(e *Emitter, id, delta NodeId) {
	if !e.Ok() {
		return
	}
	g := a.g
	if !g.IsValid(id) || !g.IsValid(delta) {
		e.SetErr(errors.Errorf("AddDelta(#%d, #%d): invalid node id in graph %q", id, delta, g.name))
		return
	}
	nodeShape, deltaShape := g.Shape(id), g.Shape(delta)
	if !compatibleShapes(nodeShape, deltaShape) {
		e.SetErr(errors.WithStack(&ShapeMismatch{Op: "AddDelta", Shapes: []shapes.Shape{nodeShape, deltaShape},
			Reason: "delta must have the shape of the node"}))
		return
	}
	if previous, found := a.deltas[id]; found {
		delta = e.Add(previous, delta)
		if !e.Ok() {
			return
		}
	}
	a.deltas[id] = delta
}

func (a *Adjoints) contribute(e *Emitter, id NodeId) {
	if !e.Ok() {
		return
	}
	v, found := a.deltas[id]
	if !found {
		return
	}
	node := a.g.Node(id)
	def := a.g.registry.mustLookup(node.nodeType)
	if def.VJP == nil {
		e.SetErr(errors.WithStack(&NotImplemented{Op: def.Name, Capability: "differentiation"}))
		return
	}
	inputDeltas, err := def.VJP(e, node, v)
	if err == nil {
		err = e.Err()
	}
	if err != nil {
		e.SetErr(errors.WithMessagef(err, "differentiating %s", node))
		return
	}
	if inputDeltas == nil {
		return
	}
	if len(inputDeltas) != node.NumInputs() {
		e.SetErr(errors.Errorf("VJP of %s returned %d deltas, expected one per input (%d)",
			node, len(inputDeltas), node.NumInputs()))
		return
	}
	for ii, delta := range inputDeltas {
		if delta == InvalidNodeId {
			continue
		}
		a.addDelta(e, node.inputs[ii], delta)
	}
}

// Gradient returns the gradient of output with respect to each of the wrt nodes.
//
// The delta of output is seeded with ones of its shape: for a non-scalar output this is the gradient of
// the sum of its elements. The graph is walked backwards from output, and only nodes on a path between
// output and some wrt node contribute. A wrt node not reachable from output gets a zero gradient.
//
// It fails with *NotImplemented if some node on the path can't be differentiated: gradients are never
// silently dropped. On error nothing is added to the graph.
func Gradient(g *Graph, output NodeId, wrt ...NodeId) ([]NodeId, error) {
	if !g.IsValid(output) {
		return nil, errors.Errorf("Gradient: output #%d is not a node of graph %q", output, g.name)
	}
	isWrt := make(map[NodeId]bool, len(wrt))
	for _, id := range wrt {
		if !g.IsValid(id) {
			return nil, errors.Errorf("Gradient: wrt #%d is not a node of graph %q", id, g.name)
		}
		isWrt[id] = true
	}
	numNodesBefore := g.NumNodes()
	gradients, err := g.atomically(func(e *Emitter) ([]NodeId, error) {
		included, useful := reverseGraph(g, output, isWrt)
		adjoints := NewAdjoints(g)
		adjoints.deltas[output] = e.ConstantLike(1, output)
		for id := output; id >= 0 && e.Ok(); id-- {
			if !included[id] || !useful[id] {
				continue
			}
			hasUsefulInput := false
			for _, input := range g.nodes[id].inputs {
				hasUsefulInput = hasUsefulInput || useful[input]
			}
			if hasUsefulInput {
				adjoints.contribute(e, id)
			}
		}
		gradients := make([]NodeId, len(wrt))
		for ii, id := range wrt {
			if delta, found := adjoints.Delta(id); found {
				gradients[ii] = delta
			} else {
				gradients[ii] = e.ConstantLike(0, id)
			}
		}
		return gradients, e.Err()
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "Gradient of #%d in graph %q", output, g.name)
	}
	klog.V(1).Infof("graph %q: gradient of #%d with respect to %v added %d nodes", g.name, output, wrt,
		g.NumNodes()-numNodesBefore)
	return gradients, nil
}

// reverseGraph marks the nodes up to output that are included (output depends on them) and useful (they
// depend on some wrt node).
func reverseGraph(g *Graph, output NodeId, isWrt map[NodeId]bool) (included, useful []bool) {
	numNodes := int(output) + 1
	included = make([]bool, numNodes)
	useful = make([]bool, numNodes)
	included[output] = true
	for id := output; id >= 0; id-- {
		if !included[id] {
			continue
		}
		for _, input := range g.nodes[id].inputs {
			included[input] = true
		}
	}
	for id := NodeId(0); id <= output; id++ {
		if isWrt[id] {
			useful[id] = true
			continue
		}
		for _, input := range g.nodes[id].inputs {
			if useful[input] {
				useful[id] = true
				break
			}
		}
	}
	return
}

// leafVJP is used by parameters and constants: they have no inputs to contribute to.
func leafVJP(_ *Emitter, _ Node, _ NodeId) ([]NodeId, error) {
	return nil, nil
}

func addVJP(_ *Emitter, _ Node, v NodeId) ([]NodeId, error) {
	return []NodeId{v, v}, nil
}

func subVJP(e *Emitter, _ Node, v NodeId) ([]NodeId, error) {
	return []NodeId{v, e.Neg(v)}, e.Err()
}

func mulVJP(e *Emitter, node Node, v NodeId) ([]NodeId, error) {
	x, y := node.Input(0), node.Input(1)
	return []NodeId{e.Mul(v, y), e.Mul(v, x)}, e.Err()
}

func divVJP(e *Emitter, node Node, v NodeId) ([]NodeId, error) {
	a, b := node.Input(0), node.Input(1)
	return []NodeId{
		e.Div(v, b),
		e.Neg(e.Mul(v, e.Div(a, e.Mul(b, b)))), // -v*a/b^2
	}, e.Err()
}

// expVJP uses the node output, since exp'(x) = exp(x).
func expVJP(e *Emitter, node Node, v NodeId) ([]NodeId, error) {
	return []NodeId{e.Mul(v, node.Id())}, e.Err()
}

func erfVJP(e *Emitter, node Node, v NodeId) ([]NodeId, error) {
	x := node.Input(0)
	// d/dx(erf(x)) = 2⋅e^(-x²)/√π
	c := e.ConstantLike(2.0/math.Sqrt(math.Pi), x)
	dErf := e.Mul(e.Exp(e.Neg(e.Mul(x, x))), c)
	return []NodeId{e.Mul(v, dErf)}, e.Err()
}
