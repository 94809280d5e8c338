// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

import (
	"math"
	"testing"

	"github.com/fusegraph/fusegraph/pkg/core/dtypes/bfloat16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestMapOfNames(t *testing.T) {
	assert.Equal(t, Float16, MapOfNames["Float16"])
	assert.Equal(t, Float16, MapOfNames["float16"])
	assert.Equal(t, Float16, MapOfNames["f16"])
	assert.Equal(t, BFloat16, MapOfNames["bf16"])
	assert.Equal(t, Dynamic, MapOfNames["dynamic"])

	dtype, err := FromName("F32")
	require.NoError(t, err)
	assert.Equal(t, Float32, dtype)
	_, err = FromName("float128")
	require.Error(t, err)
}

func TestShortName(t *testing.T) {
	assert.Equal(t, "f16", Float16.ShortName())
	assert.Equal(t, "bf16", BFloat16.ShortName())
	assert.Equal(t, "f32", Float32.ShortName())
	assert.Equal(t, "f64", Float64.ShortName())
	assert.Equal(t, "i32", Int32.ShortName())
	assert.Equal(t, "dynamic", Dynamic.ShortName())
	assert.Equal(t, "Float32", Float32.String())
	assert.Equal(t, "DType(99)", DType(99).String())
}

func TestFromGenericsType(t *testing.T) {
	assert.Equal(t, Int64, FromGenericsType[int64]())
	assert.Equal(t, Float32, FromGenericsType[float32]())
	assert.Equal(t, Float64, FromGenericsType[float64]())
	assert.Equal(t, Float16, FromGenericsType[float16.Float16]())
	assert.Equal(t, BFloat16, FromGenericsType[bfloat16.BFloat16]())
}

func TestSize(t *testing.T) {
	assert.Equal(t, 8, Int64.Size())
	assert.Equal(t, 4, Float32.Size())
	assert.Equal(t, 2, BFloat16.Size())
	assert.Equal(t, 2, Float16.Size())
	assert.Equal(t, 0, Dynamic.Size())
	assert.Equal(t, 2*3*8, Int64.SizeForDimensions(2, 3))
	assert.Equal(t, 4, Float32.SizeForDimensions())
	require.Panics(t, func() { Float32.SizeForDimensions(-1) })
}

func TestCategories(t *testing.T) {
	for _, dtype := range []DType{Float16, BFloat16, Float32, Float64} {
		assert.True(t, dtype.IsFloat(), dtype.String())
		assert.False(t, dtype.IsDynamic(), dtype.String())
	}
	assert.False(t, Int32.IsFloat())
	assert.False(t, Dynamic.IsFloat())
	assert.True(t, Dynamic.IsDynamic())
}

func TestBFloat16(t *testing.T) {
	assert.Equal(t, float32(1), bfloat16.FromFloat32(1).Float32())
	assert.Equal(t, float32(-2.5), bfloat16.FromFloat64(-2.5).Float32())
	// 1 + 2^-8 is exactly half-way between two bfloat16 values: rounds to even (1.0).
	assert.Equal(t, float32(1), bfloat16.FromFloat32(1+1.0/256).Float32())
	assert.True(t, math.IsInf(float64(bfloat16.Inf(1).Float32()), 1))
	assert.True(t, math.IsNaN(float64(bfloat16.FromFloat32(float32(math.NaN())).Float32())))
}
