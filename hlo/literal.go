// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/hlopt/types/shapes"
)

// Literal is a materialized constant value. Numeric literals are stored as
// float64 regardless of their DType; Bool literals are stored as bools.
// The DType of the shape decides how a backend or evaluator narrows them.
type Literal struct {
	Shape  shapes.Shape
	Floats []float64
	Bools  []bool
}

// NewLiteralScalar creates a scalar literal of the given numeric dtype.
func NewLiteralScalar(dtype dtypes.DType, value float64) *Literal {
	if dtype == dtypes.Bool {
		exceptions.Panicf("NewLiteralScalar: use NewLiteralBools for %s literals", dtype)
	}
	return &Literal{Shape: shapes.Scalar(dtype), Floats: []float64{value}}
}

// ZeroLiteral creates a scalar literal with the zero value of the given dtype.
func ZeroLiteral(dtype dtypes.DType) *Literal {
	if dtype == dtypes.Bool {
		return &Literal{Shape: shapes.Scalar(dtype), Bools: []bool{false}}
	}
	return NewLiteralScalar(dtype, 0)
}

// NewLiteralBools creates a rank-1 Bool (PRED) literal with the given values.
func NewLiteralBools(values []bool) *Literal {
	return &Literal{
		Shape: shapes.Make(dtypes.Bool, len(values)),
		Bools: append([]bool(nil), values...),
	}
}

// NewLiteralFloats creates a rank-1 literal of the given numeric dtype.
func NewLiteralFloats(dtype dtypes.DType, values []float64) *Literal {
	if dtype == dtypes.Bool {
		exceptions.Panicf("NewLiteralFloats: use NewLiteralBools for %s literals", dtype)
	}
	return &Literal{
		Shape:  shapes.Make(dtype, len(values)),
		Floats: append([]float64(nil), values...),
	}
}

// IsBool returns whether the literal holds Bool (PRED) values.
func (l *Literal) IsBool() bool { return l.Shape.DType == dtypes.Bool }
