// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graphtest holds test utilities for packages that depend on the graph package.
package graphtest

import (
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/fusegraph/fusegraph/backends"
	"github.com/fusegraph/fusegraph/backends/opv"
	"github.com/fusegraph/fusegraph/pkg/core/graph"
	"github.com/fusegraph/fusegraph/pkg/core/shapes"
	"github.com/fusegraph/fusegraph/pkg/core/tensors"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

// TestGraphFn should build its own inputs (parameters and the tensors to feed them) and return the outputs
// to evaluate.
type TestGraphFn func(t *testing.T, g *graph.Graph) (inputs map[graph.NodeId]*tensors.Tensor, outputs []graph.NodeId)

var (
	backendOnce   sync.Once
	cachedBackend backends.Backend

	registryOnce   sync.Once
	cachedRegistry *graph.Registry
)

// BuildTestBackend returns the backend used by tests, created once: the one configured by the
// FUSEGRAPH_BACKEND environment variable if set, or else opv.
func BuildTestBackend() backends.Backend {
	backendOnce.Do(func() {
		config := opv.BackendName
		if selected := os.Getenv(backends.ConfigEnvVar); selected != "" {
			config = selected
		}
		backend, err := backends.NewWithConfig(config)
		if err != nil {
			klog.Fatalf("Failed to create backend %q: %+v", config, err)
		}
		cachedBackend = backend
	})
	return cachedBackend
}

// StandardRegistry returns a graph.NewStandardRegistry shared by all tests.
func StandardRegistry() *graph.Registry {
	registryOnce.Do(func() {
		cachedRegistry = graph.NewStandardRegistry()
	})
	return cachedRegistry
}

// NewGraph creates a new graph with the shared standard registry, named after the test.
func NewGraph(t testing.TB) *graph.Graph {
	return graph.NewGraph(StandardRegistry(), t.Name())
}

// Feed creates a tensor with the given shape and values, to be fed to a parameter.
func Feed(t testing.TB, shape shapes.Shape, values ...float64) *tensors.Tensor {
	tensor, err := tensors.FromFloat64s(shape, values)
	require.NoError(t, err)
	return tensor
}

// Eval executes the outputs of the graph in the backend and returns their values converted to float64.
func Eval(t testing.TB, backend backends.Backend, g *graph.Graph, outputs []graph.NodeId,
	inputs map[graph.NodeId]*tensors.Tensor) [][]float64 {
	results, err := backend.Execute(g, outputs, inputs)
	require.NoErrorf(t, err, "failed to execute graph:\n%s", g)
	require.Len(t, results, len(outputs))
	values := make([][]float64, len(results))
	for ii, result := range results {
		values[ii], err = result.Float64s()
		require.NoErrorf(t, err, "reading output #%d: %s", ii, result)
	}
	return values
}

// RunTestGraphFn tests a graph building function graphFn by executing it and comparing
// its output(s) to the values in want, reporting back any errors in t.
//
// delta is the margin of value on the difference of output and want values that are acceptable.
// Values of delta <= 0 means only exact equality is accepted.
func RunTestGraphFn(t *testing.T, testName string, graphFn TestGraphFn, want [][]float64, delta float64) {
	RunTestGraphFnWithBackend(t, testName, BuildTestBackend(), graphFn, want, delta)
}

// RunTestGraphFnWithBackend is like RunTestGraphFn, but with the given backend.
func RunTestGraphFnWithBackend(t *testing.T, testName string, backend backends.Backend, graphFn TestGraphFn,
	want [][]float64, delta float64) {
	t.Run(testName, func(t *testing.T) {
		g := NewGraph(t)
		inputs, outputs := graphFn(t, g)
		got := Eval(t, backend, g, outputs, inputs)
		require.Equalf(t, len(want), len(got), "%s: number of wanted results different from number of outputs", testName)
		if klog.V(1).Enabled() {
			fmt.Printf("\n%s:\n", testName)
			for ii, output := range got {
				fmt.Printf("\tOutput %d: %v\n", ii, output)
			}
		}
		for ii, output := range got {
			if delta <= 0 {
				require.Equalf(t, want[ii], output, "%s: output #%d doesn't match", testName, ii)
			} else {
				require.InDeltaSlicef(t, want[ii], output, delta, "%s: output #%d doesn't match", testName, ii)
			}
		}
	})
}

// CentralDifference returns the numerical derivative of fn at x, (fn(x+h) - fn(x-h)) / 2h.
// Its error is O(h²).
func CentralDifference(fn func(float64) float64, x, h float64) float64 {
	return (fn(x+h) - fn(x-h)) / (2 * h)
}
