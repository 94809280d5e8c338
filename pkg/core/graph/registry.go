// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"
	"sync/atomic"

	"github.com/fusegraph/fusegraph/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/exp/maps"
)

// InferFn validates the inputs of an operation and returns the inferred output shape.
// It never inspects values, only the shapes and the static params.
type InferFn func(op string, inputs []shapes.Shape, params NodeParams) (shapes.Shape, error)

// DecomposeFn builds, using the Emitter, an equivalent subgraph of elementary operations for the fused node,
// and returns its outputs, one per node output.
//
// It must be deterministic and it must not change the existing nodes.
type DecomposeFn func(e *Emitter, node Node) ([]NodeId, error)

// VJP returns the "vector-Jacobian product" of the node for the adjoint (delta) v flowing into its output:
// one delta per node input, with InvalidNodeId for inputs that receive none.
type VJP func(e *Emitter, node Node, v NodeId) ([]NodeId, error)

// OpDef defines an operation: its identity token (Name, Version), its fixed arity and the functions used
// to validate, decompose and differentiate it.
type OpDef struct {
	Type    NodeType
	Name    string
	Version int

	// Arity is the fixed number of inputs.
	Arity int

	// Infer is required.
	Infer InferFn

	// Decompose is only set for fused operations.
	Decompose DecomposeFn

	// VJP is nil for operations that can't be differentiated.
	VJP VJP
}

// IsFused returns whether the operation can be decomposed into elementary operations.
func (def *OpDef) IsFused() bool { return def.Decompose != nil }

type opKey struct {
	name    string
	version int
}

// Registry maps node types to their definitions.
//
// It is populated once, and it is frozen when the first Graph using it is created: from then on it is
// read-only and can be shared among goroutines building independent graphs.
type Registry struct {
	defs   map[NodeType]*OpDef
	byName map[opKey]NodeType
	frozen atomic.Bool
}

// NewRegistry returns an empty registry. See NewStandardRegistry for one with all standard operations.
func NewRegistry() *Registry {
	return &Registry{
		defs:   make(map[NodeType]*OpDef),
		byName: make(map[opKey]NodeType),
	}
}

// Register a new operation definition.
//
// It panics if the registry is frozen, or if the node type or (name, version) is already registered.
func (r *Registry) Register(def OpDef) {
	if r.frozen.Load() {
		exceptions.Panicf("Registry.Register(%s): registry is frozen, operations must be registered before the first Graph is created", def.Name)
	}
	if _, found := r.defs[def.Type]; found {
		exceptions.Panicf("Registry.Register(%s): node type %s already registered", def.Name, def.Type)
	}
	key := opKey{def.Name, def.Version}
	if _, found := r.byName[key]; found {
		exceptions.Panicf("Registry.Register(%s): operation (%q, %d) already registered", def.Name, def.Name, def.Version)
	}
	r.defs[def.Type] = &def
	r.byName[key] = def.Type
}

// Freeze makes the registry read-only. It is called by NewGraph.
func (r *Registry) Freeze() { r.frozen.Store(true) }

// IsFrozen returns whether the registry no longer accepts registrations.
func (r *Registry) IsFrozen() bool { return r.frozen.Load() }

// Lookup returns the definition of the node type.
func (r *Registry) Lookup(nodeType NodeType) (*OpDef, bool) {
	def, found := r.defs[nodeType]
	return def, found
}

// LookupByName returns the definition of the operation with the given identity token.
func (r *Registry) LookupByName(name string, version int) (*OpDef, bool) {
	nodeType, found := r.byName[opKey{name, version}]
	if !found {
		return nil, false
	}
	return r.Lookup(nodeType)
}

// mustLookup is used for node types already present in a graph, which are always registered.
func (r *Registry) mustLookup(nodeType NodeType) *OpDef {
	def, found := r.defs[nodeType]
	if !found {
		exceptions.Panicf("node type %s not registered", nodeType)
	}
	return def
}

// NodeTypes returns the registered node types in increasing order.
func (r *Registry) NodeTypes() []NodeType {
	nodeTypes := maps.Keys(r.defs)
	slices.Sort(nodeTypes)
	return nodeTypes
}

// Check verifies every registered definition and returns all problems found combined into one error.
func (r *Registry) Check() error {
	var err error
	for _, nodeType := range r.NodeTypes() {
		def := r.defs[nodeType]
		if def.Name == "" {
			err = multierr.Append(err, errors.Errorf("node type %d has no name", int(nodeType)))
		}
		if def.Arity < 0 {
			err = multierr.Append(err, errors.Errorf("%s: negative arity %d", def.Name, def.Arity))
		}
		if def.Infer == nil {
			err = multierr.Append(err, errors.Errorf("%s: missing Infer function", def.Name))
		}
		if def.Arity == 0 && def.IsFused() {
			err = multierr.Append(err, errors.Errorf("%s: fused operations must have inputs", def.Name))
		}
	}
	return err
}

// NewStandardRegistry returns a registry with the elementary operations (Parameter, Constant, Add, Sub, Mul,
// Div, Exp, Erf) and the fused operations Gelu and GeluBackprop.
func NewStandardRegistry() *Registry {
	r := NewRegistry()
	registerElementaryOps(r)
	registerFusedOps(r)
	if err := r.Check(); err != nil {
		exceptions.Panicf("standard registry is invalid: %v", err)
	}
	return r
}
