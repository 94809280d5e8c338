// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import "fmt"

// NodeType is the closed set of operations a Node can represent.
//
// Each NodeType has an OpDef registered in a Registry, which provides its validation, decomposition and
// differentiation.
type NodeType int

const (
	NodeTypeInvalid NodeType = iota
	NodeTypeParameter
	NodeTypeConstant
	NodeTypeAdd
	NodeTypeSub
	NodeTypeMul
	NodeTypeDiv
	NodeTypeExp
	NodeTypeErf

	// NodeTypeGelu is the exact (erf based) Gelu activation, a fused operation.
	NodeTypeGelu

	// NodeTypeGeluBackprop is the Gelu derivative multiplied by an incoming delta, a fused operation.
	NodeTypeGeluBackprop

	// NodeTypeLast is the first value after the standard node types. It can be used by custom registries.
	NodeTypeLast
)

var nodeTypeNames = [...]string{
	NodeTypeInvalid:      "Invalid",
	NodeTypeParameter:    "Parameter",
	NodeTypeConstant:     "Constant",
	NodeTypeAdd:          "Add",
	NodeTypeSub:          "Sub",
	NodeTypeMul:          "Mul",
	NodeTypeDiv:          "Div",
	NodeTypeExp:          "Exp",
	NodeTypeErf:          "Erf",
	NodeTypeGelu:         "Gelu",
	NodeTypeGeluBackprop: "GeluBackprop",
}

// String implements fmt.Stringer.
func (t NodeType) String() string {
	if t >= 0 && int(t) < len(nodeTypeNames) {
		return nodeTypeNames[t]
	}
	return fmt.Sprintf("NodeType(%d)", int(t))
}
