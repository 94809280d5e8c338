// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/fusegraph/fusegraph/pkg/core/dtypes"
	"github.com/fusegraph/fusegraph/pkg/core/dtypes/bfloat16"
	"github.com/fusegraph/fusegraph/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// Values are laid out in the host's native byte order, the same layout FromFlatData produces by
// reinterpreting a Go slice.

// FromFlatData creates a Tensor with the given dimensions, filled with the bytes of the flat slice.
// It panics if len(flat) doesn't match the dimensions.
func FromFlatData[T dtypes.Supported](flat []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(flat) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatData: %d values given for shape %s (size %d)", len(flat), shape, shape.Size())
	}
	t := New(shape)
	t.Write(flatBytes(flat), int(shape.Memory()))
	return t
}

// CopyFlatData returns a copy of the tensor contents as a flat slice of T.
// T must match the tensor's dtype, and the tensor must be complete (see IsComplete).
func CopyFlatData[T dtypes.Supported](t *Tensor) ([]T, error) {
	if want := dtypes.FromGenericsType[T](); want != t.DType() {
		return nil, errors.Errorf("tensors.CopyFlatData: tensor has dtype %s, requested %s", t.DType(), want)
	}
	if !t.IsComplete() {
		return nil, errors.Errorf("tensors.CopyFlatData: tensor %s holds %d bytes, %d required",
			t.shape, t.Len(), t.shape.Memory())
	}
	flat := make([]T, t.shape.Size())
	t.Read(flatBytes(flat), t.Len())
	return flat, nil
}

// flatBytes returns the bytes backing the flat slice, without copying.
func flatBytes[T dtypes.Supported](flat []T) []byte {
	if len(flat) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&flat[0])), len(flat)*int(unsafe.Sizeof(zero)))
}

// FromFloatValues creates a Tensor of the given floating-point dtype, converting each of the values.
// Values are rounded to the precision of dtype.
func FromFloatValues[T constraints.Float](dtype dtypes.DType, values []T, dimensions ...int) (*Tensor, error) {
	values64 := make([]float64, len(values))
	for ii, v := range values {
		values64[ii] = float64(v)
	}
	return FromFloat64s(shapes.Make(dtype, dimensions...), values64)
}

// FromFloat64s creates a Tensor with the given shape from float64 values, converting them to the
// shape's dtype, which must be one of the floating-point dtypes.
func FromFloat64s(shape shapes.Shape, values []float64) (*Tensor, error) {
	if !shape.DType.IsFloat() {
		return nil, errors.Errorf("tensors.FromFloat64s: dtype %s is not a floating-point type", shape.DType)
	}
	if len(values) != shape.Size() {
		return nil, errors.Errorf("tensors.FromFloat64s: %d values given for shape %s (size %d)",
			len(values), shape, shape.Size())
	}
	t := New(shape)
	buf := EncodeFloat64s(shape.DType, values)
	t.Write(buf, len(buf))
	return t, nil
}

// Float64s returns the values held by a floating-point tensor converted to float64.
// The tensor must be complete (see IsComplete).
func (t *Tensor) Float64s() ([]float64, error) {
	t.assertValid()
	if !t.DType().IsFloat() {
		return nil, errors.Errorf("Tensor.Float64s: dtype %s is not a floating-point type", t.DType())
	}
	if !t.IsComplete() {
		return nil, errors.Errorf("Tensor.Float64s: tensor %s holds %d bytes, %d required",
			t.shape, t.Len(), t.shape.Memory())
	}
	return DecodeFloat64s(t.DType(), t.data), nil
}

// EncodeFloat64s converts values to the byte representation of the floating-point dtype.
// It panics if dtype is not a floating-point dtype.
func EncodeFloat64s(dtype dtypes.DType, values []float64) []byte {
	elementSize := dtype.Size()
	buf := make([]byte, len(values)*elementSize)
	order := binary.NativeEndian
	for ii, v := range values {
		pos := buf[ii*elementSize:]
		switch dtype {
		case dtypes.Float64:
			order.PutUint64(pos, math.Float64bits(v))
		case dtypes.Float32:
			order.PutUint32(pos, math.Float32bits(float32(v)))
		case dtypes.Float16:
			order.PutUint16(pos, float16.Fromfloat32(float32(v)).Bits())
		case dtypes.BFloat16:
			order.PutUint16(pos, bfloat16.FromFloat64(v).Bits())
		default:
			exceptions.Panicf("tensors.EncodeFloat64s: dtype %s is not a floating-point type", dtype)
		}
	}
	return buf
}

// DecodeFloat64s converts the byte representation of floating-point values of dtype to float64.
// Trailing bytes that don't make up a full element are ignored.
// It panics if dtype is not a floating-point dtype.
func DecodeFloat64s(dtype dtypes.DType, buf []byte) []float64 {
	elementSize := dtype.Size()
	if !dtype.IsFloat() {
		exceptions.Panicf("tensors.DecodeFloat64s: dtype %s is not a floating-point type", dtype)
	}
	values := make([]float64, len(buf)/elementSize)
	order := binary.NativeEndian
	for ii := range values {
		pos := buf[ii*elementSize:]
		switch dtype {
		case dtypes.Float64:
			values[ii] = math.Float64frombits(order.Uint64(pos))
		case dtypes.Float32:
			values[ii] = float64(math.Float32frombits(order.Uint32(pos)))
		case dtypes.Float16:
			values[ii] = float64(float16.Frombits(order.Uint16(pos)).Float32())
		case dtypes.BFloat16:
			values[ii] = bfloat16.FromBits(order.Uint16(pos)).Float64()
		}
	}
	return values
}
