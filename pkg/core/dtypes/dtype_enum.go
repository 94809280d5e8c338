// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

// DType is an enum that represents the element type of a tensor or of a graph node output.
//
// The numeric values of the concrete types follow the PJRT buffer type enum, so they can be exchanged
// with XLA based runtimes unchanged. Dynamic is the only value outside that range.
type DType int32

const (
	// Dynamic marks an element type that is not resolved yet at graph construction time.
	// Operators accept it optimistically and re-check once the node is rebuilt with resolved inputs.
	Dynamic DType = -1

	// InvalidDType is the zero value, and it is never accepted by any operator.
	InvalidDType DType = 0

	// Bool holds two-state booleans.
	Bool DType = 1

	Int8  DType = 2
	Int16 DType = 3
	Int32 DType = 4
	Int64 DType = 5

	Uint8  DType = 6
	Uint16 DType = 7
	Uint32 DType = 8
	Uint64 DType = 9

	// Float16 is the IEEE 754 half-precision format, see github.com/x448/float16.
	Float16 DType = 10
	Float32 DType = 11
	Float64 DType = 12

	// BFloat16 is the truncated 16-bit floating-point format: 1 bit sign, 8 bits exponent and
	// 7 bits mantissa. See package bfloat16.
	BFloat16 DType = 13
)

// MapOfNames to their dtypes. It includes also aliases to the various dtypes.
// It is later initialized to include the lower-case version of the names.
var MapOfNames = map[string]DType{
	"Dynamic":      Dynamic,
	"InvalidDType": InvalidDType,
	"Bool":         Bool,
	"Int8":         Int8,
	"I8":           Int8,
	"Int16":        Int16,
	"I16":          Int16,
	"Int32":        Int32,
	"I32":          Int32,
	"Int64":        Int64,
	"I64":          Int64,
	"Uint8":        Uint8,
	"U8":           Uint8,
	"Uint16":       Uint16,
	"U16":          Uint16,
	"Uint32":       Uint32,
	"U32":          Uint32,
	"Uint64":       Uint64,
	"U64":          Uint64,
	"Float16":      Float16,
	"F16":          Float16,
	"Float32":      Float32,
	"F32":          Float32,
	"Float64":      Float64,
	"F64":          Float64,
	"BFloat16":     BFloat16,
	"BF16":         BFloat16,
}

var dtypeNames = map[DType]string{
	Dynamic:      "Dynamic",
	InvalidDType: "InvalidDType",
	Bool:         "Bool",
	Int8:         "Int8",
	Int16:        "Int16",
	Int32:        "Int32",
	Int64:        "Int64",
	Uint8:        "Uint8",
	Uint16:       "Uint16",
	Uint32:       "Uint32",
	Uint64:       "Uint64",
	Float16:      "Float16",
	Float32:      "Float32",
	Float64:      "Float64",
	BFloat16:     "BFloat16",
}

var dtypeShortNames = map[DType]string{
	Dynamic:      "dynamic",
	InvalidDType: "invalid",
	Bool:         "boolean",
	Int8:         "i8",
	Int16:        "i16",
	Int32:        "i32",
	Int64:        "i64",
	Uint8:        "u8",
	Uint16:       "u16",
	Uint32:       "u32",
	Uint64:       "u64",
	Float16:      "f16",
	Float32:      "f32",
	Float64:      "f64",
	BFloat16:     "bf16",
}
