// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors_test

import (
	"bytes"
	"testing"

	"github.com/fusegraph/fusegraph/pkg/core/dtypes"
	"github.com/fusegraph/fusegraph/pkg/core/shapes"
	"github.com/fusegraph/fusegraph/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	for n := 0; n <= 32; n++ {
		buf := make([]byte, n)
		for ii := range buf {
			buf[ii] = byte(ii*7 + 3)
		}
		for _, tensor := range []*tensors.Tensor{
			tensors.New(shapes.Make(dtypes.Uint8, n)),
			tensors.FromMemory(shapes.Make(dtypes.Uint8, n), make([]byte, 16)),
		} {
			tensor.Write(buf, n)
			out := make([]byte, n)
			got := tensor.Read(out, n)
			require.Equal(t, n, got)
			require.Truef(t, bytes.Equal(buf, out), "n=%d: wrote %v, read %v", n, buf, out)
		}
	}
}

func TestReadTruncates(t *testing.T) {
	tensor := tensors.New(shapes.Make(dtypes.Uint8, 8))
	tensor.Write([]byte{1, 2, 3}, 3)

	out := []byte{9, 9, 9, 9, 9, 9}
	got := tensor.Read(out, len(out))
	assert.Equal(t, 3, got)
	assert.Equal(t, []byte{1, 2, 3, 9, 9, 9}, out)

	// Target smaller than n: bounded by the target.
	small := make([]byte, 2)
	assert.Equal(t, 2, tensor.Read(small, 10))
	assert.Equal(t, []byte{1, 2}, small)
}

func TestWriteReplacesBuffer(t *testing.T) {
	tensor := tensors.New(shapes.Make(dtypes.Uint8, 4))
	tensor.Write([]byte{1, 2, 3, 4}, 4)
	tensor.Write([]byte{5, 6}, 2)
	assert.Equal(t, 2, tensor.Len())
	assert.Equal(t, []byte{5, 6}, tensor.Bytes())

	// n smaller than the source: only n bytes are taken.
	tensor.Write([]byte{7, 8, 9}, 1)
	assert.Equal(t, []byte{7}, tensor.Bytes())
}

func TestNilIsNoOp(t *testing.T) {
	tensor := tensors.New(shapes.Make(dtypes.Uint8, 2))
	tensor.Write([]byte{1, 2}, 2)
	tensor.Write(nil, 2)
	tensor.Write([]byte{}, 0)
	assert.Equal(t, []byte{1, 2}, tensor.Bytes())
	assert.Equal(t, 0, tensor.Read(nil, 2))
}

func TestExternalMemory(t *testing.T) {
	mem := make([]byte, 4)
	tensor := tensors.FromMemory(shapes.Make(dtypes.Float32), mem)
	assert.Equal(t, 0, tensor.Len())
	tensor.Write([]byte{1, 2, 3, 4}, 4)
	assert.Equal(t, []byte{1, 2, 3, 4}, mem, "write should land in the external region")

	// A write larger than the region moves to a private buffer, leaving mem untouched.
	tensor.Write([]byte{5, 6, 7, 8, 9, 10}, 6)
	assert.Equal(t, []byte{1, 2, 3, 4}, mem)
	assert.Equal(t, []byte{5, 6, 7, 8, 9, 10}, tensor.Bytes())
}

func TestFinalize(t *testing.T) {
	tensor := tensors.New(shapes.Make(dtypes.Float32, 2))
	tensor.Finalize()
	assert.True(t, tensor.IsFinalized())
	tensor.Finalize()
	require.Panics(t, func() { tensor.Write([]byte{1}, 1) })
	require.Panics(t, func() { tensor.Read(make([]byte, 1), 1) })
	assert.Contains(t, tensor.String(), "finalized")
}

func TestFloatConversions(t *testing.T) {
	for _, dtype := range []dtypes.DType{dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64} {
		tensor, err := tensors.FromFloatValues(dtype, []float32{0, 1, -2.5, 0.5}, 2, 2)
		require.NoError(t, err)
		require.True(t, tensor.IsComplete())
		assert.Equal(t, 4*dtype.Size(), tensor.Len())
		values, err := tensor.Float64s()
		require.NoError(t, err)
		assert.Equal(t, []float64{0, 1, -2.5, 0.5}, values, dtype.String())
	}

	_, err := tensors.FromFloat64s(shapes.Make(dtypes.Int32, 1), []float64{1})
	require.Error(t, err)
	_, err = tensors.FromFloat64s(shapes.Make(dtypes.Float32, 2), []float64{1})
	require.Error(t, err)

	incomplete := tensors.New(shapes.Make(dtypes.Float32, 2))
	incomplete.Write([]byte{0, 0, 0, 0}, 4)
	_, err = incomplete.Float64s()
	require.Error(t, err)
}

func TestFlatData(t *testing.T) {
	tensor := tensors.FromFlatData([]int32{1, 2, 3, 4, 5, 6}, 2, 3)
	assert.Equal(t, dtypes.Int32, tensor.DType())
	assert.Equal(t, 24, tensor.Len())
	flat, err := tensors.CopyFlatData[int32](tensor)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3, 4, 5, 6}, flat)

	_, err = tensors.CopyFlatData[float32](tensor)
	require.Error(t, err)
	require.Panics(t, func() { tensors.FromFlatData([]float32{1, 2}, 3) })

	f32 := tensors.FromFlatData([]float32{0.25, 4}, 2)
	values, err := f32.Float64s()
	require.NoError(t, err)
	assert.Equal(t, []float64{0.25, 4}, values)
	assert.Equal(t, "Tensor(Float32)[2]: 8 B", f32.String())
}
