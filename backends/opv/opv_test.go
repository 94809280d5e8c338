// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package opv

import (
	"math"
	"runtime"
	"testing"

	"github.com/fusegraph/fusegraph/backends"
	"github.com/fusegraph/fusegraph/pkg/core/dtypes"
	"github.com/fusegraph/fusegraph/pkg/core/graph"
	"github.com/fusegraph/fusegraph/pkg/core/shapes"
	"github.com/fusegraph/fusegraph/pkg/core/tensors"
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	b := must.M1(New(""))
	assert.Equal(t, runtime.NumCPU(), b.Parallelism())
	assert.Equal(t, BackendName, b.Name())
	assert.Contains(t, b.Description(), b.Id().String())

	b = must.M1(New("parallelism=3"))
	assert.Equal(t, 3, b.Parallelism())
	b = must.M1(New(" parallelism=0 , "))
	assert.Equal(t, 0, b.Parallelism())

	for _, config := range []string{"parallelism=x", "parallelism=-2", "parallelism", "unknown=1"} {
		_, err := New(config)
		assert.Errorf(t, err, "config %q should fail", config)
	}

	// Registered as a backend.
	assert.Contains(t, backends.List(), BackendName)
	backend, err := backends.NewWithConfig("opv:parallelism=2")
	require.NoError(t, err)
	assert.Equal(t, 2, backend.(*Backend).Parallelism())
	assert.NotEqual(t, b.Id(), backend.(*Backend).Id())
}

func TestTensorsTracking(t *testing.T) {
	b := must.M1(New(""))
	shape := shapes.Make(dtypes.Float32, 4)
	t1 := b.NewTensor(shape)
	mem := make([]byte, 0, 16)
	t2 := b.NewTensorFromMemory(shape, mem)
	assert.Equal(t, 2, b.NumTensors())

	buf := tensors.EncodeFloat64s(dtypes.Float32, []float64{1, 2, 3, 4})
	t1.Write(buf, len(buf))
	t2.Write(buf, len(buf))
	assert.Equal(t, uint64(32), b.Memory())
	assert.Equal(t, buf, mem[:16])
	assert.Contains(t, b.Description(), "2 tensors, 32 B")

	b.Release(t1)
	assert.True(t, t1.IsFinalized())
	assert.Equal(t, 1, b.NumTensors())
	b.Release(tensors.New(shape)) // Not owned: ignored.
	assert.Equal(t, 1, b.NumTensors())

	b.Finalize()
	assert.True(t, b.IsFinalized())
	assert.True(t, t2.IsFinalized())
	assert.Equal(t, 0, b.NumTensors())
	b.Finalize() // Idempotent.

	err := exceptions.TryCatch[error](func() { b.NewTensor(shape) })
	require.Error(t, err)
	_, err = b.Execute(graph.NewGraph(graph.NewStandardRegistry(), "finalized"), nil, nil)
	require.Error(t, err)

	// ExecuteFloat64s returns an error instead of panicking when tracking its input tensors.
	g := graph.NewGraph(graph.NewStandardRegistry(), "finalized")
	x := must.M1(graph.Parameter(g, "x", shape))
	require.NotPanics(t, func() {
		_, err = b.ExecuteFloat64s(g, []graph.NodeId{x}, nil, map[graph.NodeId][]float64{x: {1, 2, 3, 4}})
	})
	require.ErrorContains(t, err, "already finalized")
}

func newTestGraph(t *testing.T) *graph.Graph {
	return graph.NewGraph(graph.NewStandardRegistry(), t.Name())
}

func TestExecute(t *testing.T) {
	b := must.M1(New(""))
	defer b.Finalize()
	g := newTestGraph(t)
	shape := shapes.Make(dtypes.Float32, 2)
	x := must.M1(graph.Parameter(g, "x", shape))
	gelu := must.M1(graph.Gelu(g, x))
	input := b.NewTensor(shape)
	buf := tensors.EncodeFloat64s(dtypes.Float32, []float64{0, 1})
	input.Write(buf, len(buf))

	numTensors := b.NumTensors()
	results, err := b.Execute(g, []graph.NodeId{gelu}, map[graph.NodeId]*tensors.Tensor{x: input})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, numTensors+1, b.NumTensors())
	assert.True(t, shape.Equal(results[0].Shape()))
	assert.True(t, results[0].IsComplete())
	values := must.M1(results[0].Float64s())
	assert.InDeltaSlice(t, []float64{0, 0.8413}, values, 1e-4)

	// Errors: missing input, wrong shape, wrong dtype, non-float input.
	_, err = b.Execute(g, []graph.NodeId{gelu}, nil)
	require.ErrorContains(t, err, `no input tensor fed for parameter "x"`)
	_, err = b.Execute(g, []graph.NodeId{gelu}, map[graph.NodeId]*tensors.Tensor{x: tensors.New(shapes.Make(dtypes.Float32, 3))})
	require.ErrorContains(t, err, "expects shape")
	_, err = b.Execute(g, []graph.NodeId{gelu}, map[graph.NodeId]*tensors.Tensor{x: tensors.New(shapes.Make(dtypes.Float64, 2))})
	require.ErrorContains(t, err, "expects dtype")
	// Incomplete input tensor.
	_, err = b.Execute(g, []graph.NodeId{gelu}, map[graph.NodeId]*tensors.Tensor{x: tensors.New(shape)})
	require.Error(t, err)
}

func TestExecute_Dynamic(t *testing.T) {
	b := must.M1(New("parallelism=2"))
	defer b.Finalize()
	g := newTestGraph(t)
	x := must.M1(graph.Parameter(g, "x", shapes.Make(dtypes.Dynamic, 3)))
	gelu := must.M1(graph.Gelu(g, x))
	constant := must.M1(graph.ConstantLike(g, 2, x))

	for _, dtype := range []dtypes.DType{dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64} {
		input := must.M1(tensors.FromFloat64s(shapes.Make(dtype, 3), []float64{-1, 0, 1}))
		results, err := b.Execute(g, []graph.NodeId{gelu}, map[graph.NodeId]*tensors.Tensor{x: input})
		require.NoError(t, err)
		assert.Equalf(t, dtype, results[0].DType(), "output must take the dtype fed to the dynamic parameter")
		values := must.M1(results[0].Float64s())
		assert.InDeltaSlice(t, []float64{-0.158655, 0, 0.841345}, values, 2e-2)
		_, found := g.ParameterByName("x:" + dtype.ShortName())
		assert.Truef(t, found, "parameter x resolved to %s", dtype)
	}

	// Executing again with an already resolved dtype reuses its nodes.
	numNodes := g.NumNodes()
	input := must.M1(tensors.FromFloat64s(shapes.Make(dtypes.Float32, 3), []float64{-1, 0, 1}))
	_, err := b.Execute(g, []graph.NodeId{gelu}, map[graph.NodeId]*tensors.Tensor{x: input})
	require.NoError(t, err)
	assert.Equal(t, numNodes, g.NumNodes())

	// Once resolved, the dtype constraints of Gelu are checked again.
	intInput := tensors.FromFlatData([]int32{1, 2, 3}, 3)
	_, err = b.Execute(g, []graph.NodeId{gelu}, map[graph.NodeId]*tensors.Tensor{x: intInput})
	require.Error(t, err)
	var violation *graph.TypeConstraintViolation
	require.Truef(t, errors.As(err, &violation), "unexpected error type: %+v", err)
	assert.Equal(t, dtypes.Int32, violation.Got)
	assert.ErrorContains(t, err, "Argument element type must be f16, bf16, f32, f64 or dynamic (got i32).")

	// An output that doesn't depend on any parameter can't have its dtype resolved.
	_, err = b.Execute(g, []graph.NodeId{constant}, nil)
	require.ErrorContains(t, err, "could not be resolved")
}

func TestExecute_Parallel(t *testing.T) {
	const size = 100_003
	values := make([]float64, size)
	for ii := range values {
		values[ii] = float64(ii%200-100) / 25
	}
	shape := shapes.Make(dtypes.Float64, size)
	var outputs [][]float64
	for _, parallelism := range []int{0, 4, -1} {
		b := must.M1(New(""))
		b.workers.SetMaxParallelism(parallelism)
		g := newTestGraph(t)
		x := must.M1(graph.Parameter(g, "x", shape))
		gelu := must.M1(graph.Gelu(g, x))
		grads := must.M1(graph.Gradient(g, gelu, x))
		results := must.M1(b.ExecuteFloat64s(g, []graph.NodeId{gelu, grads[0]}, nil, map[graph.NodeId][]float64{x: values}))
		require.Len(t, results, 2)
		for ii := 0; ii < size; ii += 997 {
			v := values[ii]
			require.InDelta(t, 0.5*v*(1+math.Erf(v/math.Sqrt2)), results[0][ii], 1e-12)
		}
		outputs = append(outputs, results[1])
		assert.Equal(t, 0, b.NumTensors(), "ExecuteFloat64s must release its tensors")
		b.Finalize()
	}
	assert.Equal(t, outputs[0], outputs[1])
	assert.Equal(t, outputs[0], outputs[2])
}

func TestRoundToDType(t *testing.T) {
	values := []float64{1 + 1.0/3, 1e-3}
	roundToDType(dtypes.Float64, values)
	assert.Equal(t, 1+1.0/3, values[0])

	values = []float64{1 + 1.0/3}
	roundToDType(dtypes.Float32, values)
	assert.Equal(t, float64(float32(1+1.0/3)), values[0])

	values = []float64{1 + 1.0/3}
	roundToDType(dtypes.BFloat16, values)
	assert.Equal(t, 1.3359375, values[0])

	values = []float64{1 + 1.0/3}
	roundToDType(dtypes.Float16, values)
	assert.Equal(t, 1.3330078125, values[0])
}
