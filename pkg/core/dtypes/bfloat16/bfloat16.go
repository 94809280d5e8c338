// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bfloat16 is a trivial implementation for the bfloat16 type,
// based on https://github.com/x448/float16 and the pending issue in
// https://github.com/x448/float16/issues/22
package bfloat16

import (
	"math"
	"strconv"
)

// BFloat16 (brain floating point) is a 16 bits floating-point format: the upper half of an IEEE 754
// float32, keeping its 8 bits exponent (and therefore its dynamic range) but only 7 bits of mantissa.
type BFloat16 uint16

// Float32 converts the BFloat16 to float32, which is exact.
func (f BFloat16) Float32() float32 {
	return math.Float32frombits(uint32(f) << 16)
}

// Float64 converts the BFloat16 to float64, which is exact.
func (f BFloat16) Float64() float64 {
	return float64(f.Float32())
}

// FromFloat32 converts a float32 to a BFloat16, rounding to the nearest even value.
// NaN values are kept as (quiet) NaNs.
func FromFloat32(x float32) BFloat16 {
	bits := math.Float32bits(x)
	if math.IsNaN(float64(x)) {
		return BFloat16(bits>>16 | 0x0040)
	}
	lsb := (bits >> 16) & 1
	bits += 0x7FFF + lsb
	return BFloat16(bits >> 16)
}

// FromFloat64 converts a float64 to a BFloat16, rounding to the nearest even value.
//
// It rounds once: the intermediary float32 is rounded to odd, which carries whether x was inexact
// into the final rounding.
func FromFloat64(x float64) BFloat16 {
	f := float32(x)
	if math.IsNaN(x) || math.IsInf(float64(f), 0) {
		return FromFloat32(f)
	}
	if d := float64(f); d != x {
		bits := math.Float32bits(f)
		if math.Abs(d) > math.Abs(x) {
			bits-- // Truncate towards zero.
		}
		f = math.Float32frombits(bits | 1)
	}
	return FromFloat32(f)
}

// FromBits converts an uint16 to a BFloat16.
func FromBits(bits uint16) BFloat16 {
	return BFloat16(bits)
}

// Bits converts BFloat16 to an uint16.
func (f BFloat16) Bits() uint16 {
	return uint16(f)
}

// String implements fmt.Stringer, and prints a float representation of the BFloat16.
func (f BFloat16) String() string {
	return strconv.FormatFloat(float64(f.Float32()), 'f', -1, 32)
}

// Inf returns a BFloat16 with an infinity value with the specified sign.
// A sign >= 0 returns positive infinity, a sign < 0 returns negative infinity.
func Inf(sign int) BFloat16 {
	return FromFloat32(float32(math.Inf(sign)))
}
