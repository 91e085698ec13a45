// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/hlopt/hlo/shapeinference"
)

// WindowDimension holds the window attributes of one axis for windowed
// operations (Convolution, ReduceWindow, SelectAndScatter).
type WindowDimension struct {
	Size           int
	Stride         int
	PaddingLow     int
	PaddingHigh    int
	BaseDilation   int
	WindowDilation int
	WindowReversal bool
}

// Window holds per-axis window attributes. For convolutions there is one
// WindowDimension per kernel spatial axis; for ReduceWindow and
// SelectAndScatter there is one per operand axis.
type Window struct {
	Dimensions []WindowDimension
}

// MakeWindow returns a Window with the given number of axes, each with the
// trivial attributes: size 1, stride 1, no padding, no dilation.
func MakeWindow(numAxes int) *Window {
	w := &Window{Dimensions: make([]WindowDimension, numAxes)}
	for i := range w.Dimensions {
		w.Dimensions[i] = WindowDimension{Size: 1, Stride: 1, BaseDilation: 1, WindowDilation: 1}
	}
	return w
}

// Clone returns a deep copy of the window.
func (w *Window) Clone() *Window {
	return &Window{Dimensions: slices.Clone(w.Dimensions)}
}

// String implements fmt.Stringer.
func (w *Window) String() string {
	parts := make([]string, len(w.Dimensions))
	for i, d := range w.Dimensions {
		parts[i] = fmt.Sprintf("{size=%d stride=%d pad=%d_%d bd=%d wd=%d}",
			d.Size, d.Stride, d.PaddingLow, d.PaddingHigh, d.BaseDilation, d.WindowDilation)
	}
	return strings.Join(parts, ", ")
}

// ConvolveAxesConfig defines the convolution dimension numbers: which axes of
// the input, the kernel and the output hold the batch, the channels and the
// spatial data. Defined in the shapeinference package, which validates it.
type ConvolveAxesConfig = shapeinference.ConvolveAxesConfig

// Combiner enumerates the reduction functions understood by Reduce,
// ReduceWindow and the scatter side of SelectAndScatter. Modeling the
// combiner as an enumeration (instead of a nested computation) keeps the
// graph self-contained while still letting passes match on the combiner.
type Combiner uint8

const (
	CombinerInvalid Combiner = iota
	CombinerAdd
	CombinerMax
	CombinerMin
)

// String implements fmt.Stringer.
func (c Combiner) String() string {
	switch c {
	case CombinerAdd:
		return "Add"
	case CombinerMax:
		return "Max"
	case CombinerMin:
		return "Min"
	}
	return "Invalid"
}

// CompareDirection enumerates the comparison directions of OpCompare and of
// the select side of SelectAndScatter.
type CompareDirection uint8

const (
	CompareEq CompareDirection = iota
	CompareNe
	CompareGe
	CompareGt
	CompareLe
	CompareLt
)

// String implements fmt.Stringer.
func (d CompareDirection) String() string {
	switch d {
	case CompareEq:
		return "EQ"
	case CompareNe:
		return "NE"
	case CompareGe:
		return "GE"
	case CompareGt:
		return "GT"
	case CompareLe:
		return "LE"
	case CompareLt:
		return "LT"
	}
	return "?"
}
