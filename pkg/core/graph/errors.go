// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"strings"

	"github.com/fusegraph/fusegraph/pkg/core/dtypes"
	"github.com/fusegraph/fusegraph/pkg/core/shapes"
	"github.com/pkg/errors"
)

// TypeConstraintViolation is returned when an operation input has an element type outside the set the
// operation accepts.
type TypeConstraintViolation struct {
	// Op is the name of the operation being built.
	Op string

	// Input is the index of the offending input.
	Input int

	// Got is the dtype of the offending input.
	Got dtypes.DType

	// Allowed is the set of accepted dtypes, in the order they are reported.
	Allowed []dtypes.DType
}

// Error implements error.
func (e *TypeConstraintViolation) Error() string {
	names := make([]string, len(e.Allowed))
	for ii, dtype := range e.Allowed {
		names[ii] = dtype.ShortName()
	}
	var allowed string
	switch len(names) {
	case 0:
		allowed = "<none>"
	case 1:
		allowed = names[0]
	default:
		allowed = strings.Join(names[:len(names)-1], ", ") + " or " + names[len(names)-1]
	}
	return fmt.Sprintf("Argument element type must be %s (got %s).", allowed, e.Got.ShortName())
}

// ArityMismatch is returned when an operation is given a number of inputs different from its fixed arity.
type ArityMismatch struct {
	Op       string
	Expected int
	Got      int
}

// Error implements error.
func (e *ArityMismatch) Error() string {
	return fmt.Sprintf("Incorrect number of new arguments (expected %d, got %d)", e.Expected, e.Got)
}

// NotImplemented is returned when a capability (decomposition, differentiation, execution) is not
// available for an operation.
//
// It is never replaced by a default (e.g. a zero gradient).
type NotImplemented struct {
	Op         string
	Capability string
}

// Error implements error.
func (e *NotImplemented) Error() string {
	return fmt.Sprintf("%s not implemented for %s", e.Capability, e.Op)
}

// ShapeMismatch is returned when the shapes of the inputs of an operation are not compatible.
type ShapeMismatch struct {
	Op     string
	Shapes []shapes.Shape
	Reason string
}

// Error implements error.
func (e *ShapeMismatch) Error() string {
	parts := make([]string, len(e.Shapes))
	for ii, s := range e.Shapes {
		parts[ii] = s.String()
	}
	return fmt.Sprintf("%s: incompatible input shapes %s: %s", e.Op, strings.Join(parts, ", "), e.Reason)
}

// IsNotImplemented returns whether err (or any error it wraps) is a NotImplemented error.
func IsNotImplemented(err error) bool {
	var target *NotImplemented
	return errors.As(err, &target)
}

// floatOrDynamic is the set of dtypes accepted by the floating-point operations.
var floatOrDynamic = []dtypes.DType{dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64, dtypes.Dynamic}

// checkFloatInput returns a *TypeConstraintViolation (with stack) if the input dtype is not in floatOrDynamic.
func checkFloatInput(op string, input int, dtype dtypes.DType) error {
	for _, allowed := range floatOrDynamic {
		if dtype == allowed {
			return nil
		}
	}
	return errors.WithStack(&TypeConstraintViolation{Op: op, Input: input, Got: dtype, Allowed: floatOrDynamic})
}
