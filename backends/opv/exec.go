// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package opv

import (
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/fusegraph/fusegraph/pkg/core/dtypes"
	"github.com/fusegraph/fusegraph/pkg/core/dtypes/bfloat16"
	"github.com/fusegraph/fusegraph/pkg/core/graph"
	"github.com/fusegraph/fusegraph/pkg/core/shapes"
	"github.com/fusegraph/fusegraph/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// ChunkSize is the number of elements of an operation evaluated by one worker.
var ChunkSize = 16 * 1024

// Execute evaluates the outputs of g with the parameters fed from inputs, and returns one new tensor per
// output, owned by the backend.
//
// Parameters with a dynamic dtype take the dtype of the tensor fed to them: the outputs are first rebuilt on
// parameters of the resolved dtypes, which re-checks the operations depending on them (feeding an Int32
// tensor to a dynamic Gelu input fails with a *graph.TypeConstraintViolation). Fused nodes are then lowered,
// which adds their decomposition to g.
// Each operation result is rounded to its dtype, so lower precision dtypes behave as if evaluated natively.
func (b *Backend) Execute(g *graph.Graph, outputs []graph.NodeId, inputs map[graph.NodeId]*tensors.Tensor) ([]*tensors.Tensor, error) {
	if b.IsFinalized() {
		return nil, errors.Errorf("opv backend %s already finalized", b.id)
	}
	outputs, inputs, err := resolveDynamicParameters(g, outputs, inputs)
	if err != nil {
		return nil, errors.WithMessagef(err, "opv.Execute(graph %q)", g.Name())
	}
	lowered, err := graph.Lower(g, outputs...)
	if err != nil {
		return nil, errors.WithMessagef(err, "opv.Execute(graph %q)", g.Name())
	}
	ex := &execution{
		backend: b,
		g:       g,
		inputs:  inputs,
		values:  make(map[graph.NodeId][]float64),
		dtypes:  make(map[graph.NodeId]dtypes.DType),
	}
	if err := ex.run(lowered); err != nil {
		return nil, errors.WithMessagef(err, "opv.Execute(graph %q)", g.Name())
	}

	results := make([]*tensors.Tensor, len(lowered))
	for ii, id := range lowered {
		dtype := ex.dtypes[id]
		if dtype.IsDynamic() {
			return nil, errors.Errorf("opv.Execute(graph %q): dtype of output #%d (%s) could not be resolved",
				g.Name(), ii, g.Node(id))
		}
		shape := g.Shape(id).WithDType(dtype)
		buf := tensors.EncodeFloat64s(dtype, ex.values[id])
		results[ii] = b.NewTensor(shape)
		results[ii].Write(buf, len(buf))
	}
	klog.V(1).Infof("opv backend %s: executed %d outputs of graph %q", b.id, len(outputs), g.Name())
	return results, nil
}

// resolveDynamicParameters replaces the dynamic parameters fed with tensors of a concrete dtype by parameters
// of that dtype named "<name>:<short dtype>", and rebuilds outputs on them.
// It returns the rebuilt outputs and the inputs keyed by the resolved parameters.
// Resolved parameters are reused by later executions feeding the same dtype.
func resolveDynamicParameters(g *graph.Graph, outputs []graph.NodeId, inputs map[graph.NodeId]*tensors.Tensor) (
	[]graph.NodeId, map[graph.NodeId]*tensors.Tensor, error) {
	replacements := make(map[graph.NodeId]graph.NodeId)
	for id, t := range inputs {
		if t == nil || !g.IsValid(id) {
			continue
		}
		node := g.Node(id)
		name, isParameter := node.ParameterName()
		if !isParameter || !node.DType().IsDynamic() || t.DType().IsDynamic() ||
			!t.Shape().EqualDimensions(node.Shape()) {
			// Shape mismatches are reported when the parameter is evaluated.
			continue
		}
		shape := node.Shape().WithDType(t.DType())
		resolvedName := fmt.Sprintf("%s:%s", name, t.DType().ShortName())
		resolved, found := g.ParameterByName(resolvedName)
		if found {
			if !g.Shape(resolved).Equal(shape) {
				return nil, nil, errors.Errorf("parameter %q already exists with shape %s, can't resolve %q to %s",
					resolvedName, g.Shape(resolved), name, shape)
			}
		} else {
			var err error
			resolved, err = graph.Parameter(g, resolvedName, shape)
			if err != nil {
				return nil, nil, errors.WithMessagef(err, "resolving dtype of parameter %q", name)
			}
		}
		replacements[id] = resolved
	}
	if len(replacements) == 0 {
		return outputs, inputs, nil
	}
	rebuilt, err := graph.Rebuild(g, outputs, replacements)
	if err != nil {
		return nil, nil, err
	}
	resolvedInputs := maps.Clone(inputs)
	for from, to := range replacements {
		resolvedInputs[to] = inputs[from]
	}
	klog.V(2).Infof("graph %q: resolved %d dynamic parameters", g.Name(), len(replacements))
	return rebuilt, resolvedInputs, nil
}

// execution holds the state of one Execute call.
type execution struct {
	backend *Backend
	g       *graph.Graph
	inputs  map[graph.NodeId]*tensors.Tensor

	// values and resolved dtypes of the evaluated nodes.
	values map[graph.NodeId][]float64
	dtypes map[graph.NodeId]dtypes.DType
}

// run evaluates the ancestors of outputs in topological (id) order, freeing intermediary values once their
// last consumer is evaluated.
func (ex *execution) run(outputs []graph.NodeId) error {
	if len(outputs) == 0 {
		return nil
	}
	maxId := slices.Max(outputs)
	needed := make([]bool, maxId+1)
	lastUse := make([]graph.NodeId, maxId+1)
	for _, output := range outputs {
		needed[output] = true
		lastUse[output] = maxId + 1 // Never freed.
	}
	for id := maxId; id >= 0; id-- {
		if !needed[id] {
			continue
		}
		node := ex.g.Node(id)
		for ii := range node.NumInputs() {
			input := node.Input(ii)
			needed[input] = true
			lastUse[input] = max(lastUse[input], id)
		}
	}

	for id := graph.NodeId(0); id <= maxId; id++ {
		if !needed[id] {
			continue
		}
		node := ex.g.Node(id)
		if err := ex.evalNode(node); err != nil {
			return err
		}
		for ii := range node.NumInputs() {
			input := node.Input(ii)
			if lastUse[input] == id {
				delete(ex.values, input)
			}
		}
	}
	return nil
}

func (ex *execution) evalNode(node graph.Node) error {
	id := node.Id()
	switch node.Type() {
	case graph.NodeTypeParameter:
		return ex.evalParameter(node)

	case graph.NodeTypeConstant:
		value, _ := node.ConstantValue()
		values := make([]float64, node.Shape().Size())
		for ii := range values {
			values[ii] = value
		}
		ex.set(id, node.DType(), values)
		return nil

	case graph.NodeTypeAdd:
		return ex.evalBinary(node, func(a, b float64) float64 { return a + b })
	case graph.NodeTypeSub:
		return ex.evalBinary(node, func(a, b float64) float64 { return a - b })
	case graph.NodeTypeMul:
		return ex.evalBinary(node, func(a, b float64) float64 { return a * b })
	case graph.NodeTypeDiv:
		return ex.evalBinary(node, func(a, b float64) float64 { return a / b })
	case graph.NodeTypeExp:
		return ex.evalUnary(node, math.Exp)
	case graph.NodeTypeErf:
		return ex.evalUnary(node, math.Erf)
	}
	return errors.WithStack(&graph.NotImplemented{Op: node.Type().String(), Capability: "opv execution"})
}

func (ex *execution) evalParameter(node graph.Node) error {
	name, _ := node.ParameterName()
	t, found := ex.inputs[node.Id()]
	if !found || t == nil {
		return errors.Errorf("no input tensor fed for parameter %q (#%d)", name, node.Id())
	}
	if !t.Shape().EqualDimensions(node.Shape()) {
		return errors.Errorf("parameter %q expects shape %s, fed tensor with shape %s", name, node.Shape(), t.Shape())
	}
	dtype := node.DType()
	if dtype.IsDynamic() {
		dtype = t.DType()
	} else if dtype != t.DType() {
		return errors.Errorf("parameter %q expects dtype %s, fed tensor with dtype %s", name, dtype, t.DType())
	}
	values, err := t.Float64s()
	if err != nil {
		return errors.WithMessagef(err, "reading input of parameter %q", name)
	}
	ex.set(node.Id(), dtype, values)
	return nil
}

// resolveDType returns the dtype of the node, taking the one resolved for its inputs if it is dynamic.
func (ex *execution) resolveDType(node graph.Node) dtypes.DType {
	dtype := node.DType()
	for ii := range node.NumInputs() {
		if !dtype.IsDynamic() {
			break
		}
		dtype = ex.dtypes[node.Input(ii)]
	}
	return dtype
}

func (ex *execution) evalUnary(node graph.Node, fn func(float64) float64) error {
	x := ex.values[node.Input(0)]
	output := make([]float64, len(x))
	ex.backend.workers.ParallelFor(len(x), ChunkSize, func(start, end int) {
		for ii := start; ii < end; ii++ {
			output[ii] = fn(x[ii])
		}
	})
	ex.set(node.Id(), ex.resolveDType(node), output)
	return nil
}

func (ex *execution) evalBinary(node graph.Node, fn func(a, b float64) float64) error {
	a, b := ex.values[node.Input(0)], ex.values[node.Input(1)]
	if len(a) != len(b) {
		return errors.Errorf("%s: operands with %d and %d elements", node, len(a), len(b))
	}
	output := make([]float64, len(a))
	ex.backend.workers.ParallelFor(len(a), ChunkSize, func(start, end int) {
		for ii := start; ii < end; ii++ {
			output[ii] = fn(a[ii], b[ii])
		}
	})
	ex.set(node.Id(), ex.resolveDType(node), output)
	return nil
}

// set stores the values of node id rounded to dtype.
func (ex *execution) set(id graph.NodeId, dtype dtypes.DType, values []float64) {
	roundToDType(dtype, values)
	ex.values[id] = values
	ex.dtypes[id] = dtype
}

// roundToDType rounds values in place to the precision of dtype. Dynamic (unresolved) values are kept
// in float64.
func roundToDType(dtype dtypes.DType, values []float64) {
	var round func(v float64) float64
	switch dtype {
	case dtypes.Float32:
		round = func(v float64) float64 { return float64(float32(v)) }
	case dtypes.Float16:
		round = func(v float64) float64 { return float64(float16.Fromfloat32(float32(v)).Float32()) }
	case dtypes.BFloat16:
		round = func(v float64) float64 { return bfloat16.FromFloat64(v).Float64() }
	default:
		return
	}
	for ii, v := range values {
		values[ii] = round(v)
	}
}

// ExecuteFloat64s is a convenience wrapper around Execute: it feeds the parameters from float64 values
// converted to the given shapes, and returns the outputs converted to float64. The tensors created are
// released before returning.
func (b *Backend) ExecuteFloat64s(g *graph.Graph, outputs []graph.NodeId, inputShapes map[graph.NodeId]shapes.Shape,
	inputValues map[graph.NodeId][]float64) ([][]float64, error) {
	if b.IsFinalized() {
		return nil, errors.Errorf("opv backend %s already finalized", b.id)
	}
	inputs := make(map[graph.NodeId]*tensors.Tensor, len(inputValues))
	defer func() {
		for _, t := range inputs {
			b.Release(t)
		}
	}()
	for id, values := range inputValues {
		shape, found := inputShapes[id]
		if !found {
			shape = g.Shape(id)
		}
		t, err := tensors.FromFloat64s(shape, values)
		if err != nil {
			return nil, errors.WithMessagef(err, "feeding parameter #%d", id)
		}
		inputs[id] = b.track(t)
	}
	results, err := b.Execute(g, outputs, inputs)
	if err != nil {
		return nil, err
	}
	flat := make([][]float64, len(results))
	for ii, t := range results {
		flat[ii], err = t.Float64s()
		b.Release(t)
		if err != nil {
			return nil, err
		}
	}
	return flat, nil
}
