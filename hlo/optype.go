// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

// OpType identifies the operation performed by a Node.
type OpType uint8

const (
	OpInvalid OpType = iota
	OpParameter
	OpConstant

	// Elementwise unary.
	OpNegate
	OpAbs
	OpExp

	// Elementwise binary.
	OpAdd
	OpSubtract
	OpMultiply
	OpDivide
	OpMaximum
	OpMinimum
	OpAnd
	OpOr

	// Elementwise with special operands.
	OpCompare
	OpSelect

	// Shape manipulation.
	OpBroadcast
	OpReshape
	OpTranspose
	OpPad
	OpSlice
	OpConcatenate

	// Windowed / contracting.
	OpConvolution
	OpReduce
	OpReduceWindow
	OpSelectAndScatter
)

var opTypeNames = [...]string{
	OpInvalid:          "Invalid",
	OpParameter:        "Parameter",
	OpConstant:         "Constant",
	OpNegate:           "Negate",
	OpAbs:              "Abs",
	OpExp:              "Exp",
	OpAdd:              "Add",
	OpSubtract:         "Subtract",
	OpMultiply:         "Multiply",
	OpDivide:           "Divide",
	OpMaximum:          "Maximum",
	OpMinimum:          "Minimum",
	OpAnd:              "And",
	OpOr:               "Or",
	OpCompare:          "Compare",
	OpSelect:           "Select",
	OpBroadcast:        "Broadcast",
	OpReshape:          "Reshape",
	OpTranspose:        "Transpose",
	OpPad:              "Pad",
	OpSlice:            "Slice",
	OpConcatenate:      "Concatenate",
	OpConvolution:      "Convolution",
	OpReduce:           "Reduce",
	OpReduceWindow:     "ReduceWindow",
	OpSelectAndScatter: "SelectAndScatter",
}

// String implements fmt.Stringer.
func (op OpType) String() string {
	if int(op) < len(opTypeNames) {
		return opTypeNames[op]
	}
	return "Invalid"
}

// IsElementwise returns whether op computes each output element from the
// corresponding operand elements only. Constants and parameters are not
// considered elementwise.
func (op OpType) IsElementwise() bool {
	switch op {
	case OpNegate, OpAbs, OpExp,
		OpAdd, OpSubtract, OpMultiply, OpDivide, OpMaximum, OpMinimum, OpAnd, OpOr,
		OpCompare, OpSelect:
		return true
	}
	return false
}

// IsElementwiseBinary returns whether op is an elementwise operation with
// exactly two operands.
func (op OpType) IsElementwiseBinary() bool {
	switch op {
	case OpAdd, OpSubtract, OpMultiply, OpDivide, OpMaximum, OpMinimum, OpAnd, OpOr, OpCompare:
		return true
	}
	return false
}
