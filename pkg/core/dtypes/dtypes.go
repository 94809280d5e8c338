// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes includes the DType enum for the element types known to fusegraph.
//
// It includes the mapping from Go native types, the byte size of each type, and the Supported
// constraint to be used with generics.
//
// Besides the concrete types it defines Dynamic, the marker for element types that are not resolved
// yet when a graph is being constructed.
package dtypes

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/fusegraph/fusegraph/pkg/core/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// panicf panics with the formatted description.
//
// It is only used for "bugs in the code" -- when parameters are not valid.
func panicf(format string, args ...any) {
	panic(errors.Errorf(format, args...))
}

func init() {
	// Add a mapping to the lower-case version of dtypes.
	keys := slices.Collect(maps.Keys(MapOfNames))
	for _, key := range keys {
		lowerKey := strings.ToLower(key)
		if _, found := MapOfNames[lowerKey]; found {
			continue
		}
		MapOfNames[lowerKey] = MapOfNames[key]
	}
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, found := dtypeNames[dtype]; found {
		return name
	}
	return fmt.Sprintf("DType(%d)", int32(dtype))
}

// ShortName returns the compact lower-case name of the dtype ("f32", "bf16", "i32", "dynamic", ...).
// These are the names used in operator validation diagnostics.
func (dtype DType) ShortName() string {
	if name, found := dtypeShortNames[dtype]; found {
		return name
	}
	return fmt.Sprintf("dtype_%d", int32(dtype))
}

// FromName returns the DType for the given name or alias (case-insensitive for the canonical names).
func FromName(name string) (DType, error) {
	if dtype, found := MapOfNames[name]; found {
		return dtype, nil
	}
	if dtype, found := MapOfNames[strings.ToLower(name)]; found {
		return dtype, nil
	}
	return InvalidDType, errors.Errorf("unknown dtype name %q", name)
}

// IsDynamic returns whether dtype is the not-yet-resolved marker.
func (dtype DType) IsDynamic() bool {
	return dtype == Dynamic
}

// IsFloat returns whether dtype is one of the supported floating-point types.
func (dtype DType) IsFloat() bool {
	return dtype == Float32 || dtype == Float64 || dtype == Float16 || dtype == BFloat16
}

// Size returns the number of bytes for the given DType.
// Dynamic and InvalidDType have size 0.
func (dtype DType) Size() int {
	switch dtype {
	case Bool, Int8, Uint8:
		return 1
	case Int16, Uint16, Float16, BFloat16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	default:
		return 0
	}
}

// SizeForDimensions returns the size in bytes used for the given dimensions.
//
// It works also for scalar (one element) shapes where the list of dimensions is empty.
func (dtype DType) SizeForDimensions(dimensions ...int) int {
	numElements := 1
	for _, dim := range dimensions {
		if dim < 0 {
			panicf("dim cannot be negative for SizeForDimensions, got %v", dimensions)
		}
		numElements *= dim
	}
	return numElements * dtype.Size()
}

// FromGenericsType returns the DType enum for the given type that this package knows about.
func FromGenericsType[T Supported]() DType {
	var t T
	switch (any(t)).(type) {
	case float64:
		return Float64
	case float32:
		return Float32
	case float16.Float16:
		return Float16
	case bfloat16.BFloat16:
		return BFloat16
	case int64:
		return Int64
	case int32:
		return Int32
	case int16:
		return Int16
	case int8:
		return Int8
	case bool:
		return Bool
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	case uint64:
		return Uint64
	}
	return InvalidDType
}

// Supported lists the Go types that can be converted to a DType.
// Used as traits for generics.
//
// Go's `int` is not included, since it may translate to Int32 or Int64 depending on the platform.
type Supported interface {
	bool | float16.Float16 | bfloat16.BFloat16 |
		float32 | float64 | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64
}
