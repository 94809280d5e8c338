// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and associated tools.
//
// Shape represents the shape (rank, dimensions and DType) of either a backend Tensor or the expected
// shape of a node output in a computation Graph.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a Tensor.
//   - Axis: is the index of a dimension on a multidimensional Tensor.
//   - Dimension: the size of a multi-dimensions Tensor in one of its axes.
//   - DType: the data type of the unit element in a tensor. See package dtypes.
//   - Scalar: is a shape where there are no axes (or dimensions), only a single value
//     of the associated DType. Make(dtype) with no dimensions creates one.
//
// Example: a [2, 3] matrix of float32 has shape `(Float32)[2 3]`, created with
// `shapes.Make(dtypes.Float32, 2, 3)`.
package shapes

import (
	"fmt"
	"slices"

	"github.com/fusegraph/fusegraph/pkg/core/dtypes"
	"github.com/gomlx/exceptions"
)

// Shape represents the shape of either a Tensor or the expected shape
// of the value from a computation node.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
// It panics if any dimension is negative.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with negative dimension", s)
		}
	}
	return s
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// IsDynamic returns whether the element type of the shape is not resolved yet.
func (s Shape) IsDynamic() bool { return s.DType.IsDynamic() }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType are needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the number of bytes needed to store an array of the given shape.
// It is 0 for shapes with a Dynamic dtype.
func (s Shape) Memory() uintptr {
	return uintptr(s.DType.SizeForDimensions(s.Dimensions...))
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType {
		return false
	}
	return s.EqualDimensions(s2)
}

// EqualDimensions compares two shapes for equality of dimensions. Dtypes can be different.
func (s Shape) EqualDimensions(s2 Shape) bool {
	if s.Rank() != s2.Rank() {
		return false
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// WithDType returns a copy of the shape with the given dtype.
func (s Shape) WithDType(dtype dtypes.DType) Shape {
	s2 := s.Clone()
	s2.DType = dtype
	return s2
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	return
}
