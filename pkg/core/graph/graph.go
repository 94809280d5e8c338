// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph is the core of fusegraph: an append-only computation graph of elementwise operations,
// with fused operations (Gelu, GeluBackprop) that can be lazily decomposed into elementary ones, and a
// reverse-mode differentiation engine.
//
// Nodes are held by value in the Graph arena and referenced by NodeId. Existing nodes are never changed:
// decomposition, cloning and differentiation only append new nodes.
//
// Every operation is defined by an OpDef in a Registry: see NewStandardRegistry.
//
// Error handling: constructors return (NodeId, error) with the typed errors TypeConstraintViolation,
// ArityMismatch, ShapeMismatch and NotImplemented (test with errors.As). Misuse of the API that can only
// be a bug (e.g. an id that doesn't belong to the graph in Graph.Node) panics.
//
// A Graph is not safe for concurrent use, but independent graphs can be built concurrently.
package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/fusegraph/fusegraph/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Graph is the arena holding the nodes of a computation graph.
type Graph struct {
	name     string
	registry *Registry

	// nodes are topologically sorted: node ids are their indices.
	nodes []Node

	parameterNames map[string]NodeId
	parameters     []NodeId

	// nodeDedup indexes nodes for common subexpression elimination, see graph_dedup.go.
	nodeDedup map[nodeDedupKey][]NodeId
}

// NewGraph creates an empty graph using the given registry, which is frozen (see Registry.Freeze).
func NewGraph(registry *Registry, name string) *Graph {
	if registry == nil {
		exceptions.Panicf("NewGraph(%q): registry is nil", name)
	}
	registry.Freeze()
	return &Graph{
		name:           name,
		registry:       registry,
		parameterNames: make(map[string]NodeId),
	}
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// Registry used by the graph.
func (g *Graph) Registry() *Registry { return g.registry }

// NumNodes returns the number of nodes in the graph. Valid ids go from 0 to NumNodes()-1.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// IsValid returns whether id refers to a node of the graph.
func (g *Graph) IsValid(id NodeId) bool {
	return id >= 0 && int(id) < len(g.nodes)
}

// Node returns the node with the given id. It panics if the id is not valid.
func (g *Graph) Node(id NodeId) Node {
	if !g.IsValid(id) {
		exceptions.Panicf("Graph(%q).Node(%d): invalid node id, graph has %d nodes", g.name, id, len(g.nodes))
	}
	return g.nodes[id]
}

// Shape of the output of the node with the given id. It panics if the id is not valid.
func (g *Graph) Shape(id NodeId) shapes.Shape {
	return g.Node(id).shape
}

// OpDef returns the definition of the operation of the node. It panics if the id is not valid.
func (g *Graph) OpDef(id NodeId) *OpDef {
	return g.registry.mustLookup(g.Node(id).nodeType)
}

// Parameters returns the ids of the parameter nodes, in creation order.
func (g *Graph) Parameters() []NodeId { return slices.Clone(g.parameters) }

// ParameterByName returns the id of the parameter with the given name.
func (g *Graph) ParameterByName(name string) (NodeId, bool) {
	id, found := g.parameterNames[name]
	return id, found
}

// String returns a multi-line listing of the graph nodes.
func (g *Graph) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Graph %q: %d nodes\n", g.name, len(g.nodes))
	for _, node := range g.nodes {
		_, _ = fmt.Fprintf(&sb, "\t%s\n", node)
	}
	return sb.String()
}

// AddNode validates the inputs of the operation nodeType, infers its output shape and returns the id
// of the new node.
//
// If an identical node (same type, inputs, params and shape) already exists, its id is returned instead.
// Parameters are never de-duplicated: their names must be unique.
//
// This is the generic constructor: the functions in ops.go are typed shortcuts to it.
func (g *Graph) AddNode(nodeType NodeType, inputs []NodeId, params NodeParams) (NodeId, error) {
	def, found := g.registry.Lookup(nodeType)
	if !found {
		return InvalidNodeId, errors.Errorf("graph %q: node type %s not registered", g.name, nodeType)
	}
	if len(inputs) != def.Arity {
		return InvalidNodeId, errors.WithStack(&ArityMismatch{Op: def.Name, Expected: def.Arity, Got: len(inputs)})
	}
	inputShapes := make([]shapes.Shape, len(inputs))
	for ii, input := range inputs {
		if !g.IsValid(input) {
			return InvalidNodeId, errors.Errorf("%s: input #%d (node id %d) is not a node of graph %q",
				def.Name, ii, input, g.name)
		}
		inputShapes[ii] = g.nodes[input].shape
	}
	shape, err := def.Infer(def.Name, inputShapes, params)
	if err != nil {
		return InvalidNodeId, err
	}

	if nodeType == NodeTypeParameter {
		p := params.(*parameterParams)
		if _, found := g.parameterNames[p.name]; found {
			return InvalidNodeId, errors.Errorf("graph %q: parameter %q already exists", g.name, p.name)
		}
	} else if dup := g.findDuplicateNode(nodeType, inputs, params, shape); dup != InvalidNodeId {
		if klog.V(2).Enabled() {
			klog.Infof("graph %q: reusing %s", g.name, g.nodes[dup])
		}
		return dup, nil
	}

	id := NodeId(len(g.nodes))
	g.nodes = append(g.nodes, Node{
		id:       id,
		nodeType: nodeType,
		inputs:   slices.Clone(inputs),
		shape:    shape,
		params:   params,
	})
	if nodeType == NodeTypeParameter {
		name := params.(*parameterParams).name
		g.parameterNames[name] = id
		g.parameters = append(g.parameters, id)
	} else {
		g.registerForDeduplication(id)
	}
	if klog.V(2).Enabled() {
		klog.Infof("graph %q: added %s", g.name, g.nodes[id])
	}
	return id, nil
}

// checkpoint returns a marker of the current state of the graph, to be used by rollback.
func (g *Graph) checkpoint() int { return len(g.nodes) }

// rollback removes every node created after the checkpoint.
func (g *Graph) rollback(checkpoint int) {
	if checkpoint == len(g.nodes) {
		return
	}
	klog.V(1).Infof("graph %q: rolling back %d nodes", g.name, len(g.nodes)-checkpoint)
	for id := NodeId(len(g.nodes) - 1); id >= NodeId(checkpoint); id-- {
		node := g.nodes[id]
		if node.nodeType == NodeTypeParameter {
			name := node.params.(*parameterParams).name
			delete(g.parameterNames, name)
			g.parameters = g.parameters[:len(g.parameters)-1]
		} else {
			g.unregisterForDeduplication(id)
		}
	}
	clear(g.nodes[checkpoint:])
	g.nodes = g.nodes[:checkpoint]
}

// atomically runs fn with a new Emitter: if it fails, every node it created is removed from the graph.
func (g *Graph) atomically(fn func(e *Emitter) ([]NodeId, error)) ([]NodeId, error) {
	checkpoint := g.checkpoint()
	e := NewEmitter(g)
	outputs, err := fn(e)
	if err == nil {
		err = e.Err()
	}
	if err != nil {
		g.rollback(checkpoint)
		return nil, err
	}
	return outputs, nil
}
