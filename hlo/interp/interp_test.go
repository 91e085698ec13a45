// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package interp_test

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/hlopt/hlo"
	"github.com/gomlx/hlopt/hlo/interp"
	"github.com/gomlx/hlopt/types/shapes"
)

func feed(shape shapes.Shape, values ...float64) *interp.Buffer {
	return interp.NewBufferFromFloats(shape, values)
}

func TestElementwise(t *testing.T) {
	comp := hlo.New("elementwise")
	shape := shapes.Make(dtypes.Float32, 2, 2)
	x := comp.Parameter("x", shape)
	y := comp.Parameter("y", shape)
	result := hlo.Add(hlo.Multiply(x, y), hlo.Negate(x))
	comp.SetRoot(result)

	got := interp.Evaluate(comp, map[string]*interp.Buffer{
		"x": feed(shape, 1, 2, 3, 4),
		"y": feed(shape, 10, 20, 30, 40),
	})
	require.Equal(t, []float64{9, 38, 87, 156}, got.Floats)
}

func TestCompareAndSelect(t *testing.T) {
	comp := hlo.New("compare-select")
	shape := shapes.Make(dtypes.Float32, 4)
	x := comp.Parameter("x", shape)
	y := comp.Parameter("y", shape)
	pred := hlo.Compare(x, y, hlo.CompareGt)
	comp.SetRoot(hlo.Select(pred, x, y)) // elementwise max

	got := interp.Evaluate(comp, map[string]*interp.Buffer{
		"x": feed(shape, 1, 5, -2, 0),
		"y": feed(shape, 3, 4, -7, 0),
	})
	require.Equal(t, []float64{3, 5, -2, 0}, got.Floats)
}

func TestBroadcastTransposeReshape(t *testing.T) {
	comp := hlo.New("shape-ops")
	vec := comp.Parameter("vec", shapes.Make(dtypes.Float32, 3))
	// vec broadcast along a new leading axis, transposed, flattened.
	bcast := hlo.Broadcast(vec, []int{1}, []int{2, 3})
	transposed := hlo.Transpose(bcast, 1, 0) // now [3, 2]
	comp.SetRoot(hlo.Reshape(transposed, 6))

	got := interp.Evaluate(comp, map[string]*interp.Buffer{
		"vec": feed(shapes.Make(dtypes.Float32, 3), 1, 2, 3),
	})
	require.Equal(t, []float64{1, 1, 2, 2, 3, 3}, got.Floats)
}

func TestPadSliceConcatenate(t *testing.T) {
	comp := hlo.New("pad-slice-concat")
	shape := shapes.Make(dtypes.Float32, 2, 2)
	x := comp.Parameter("x", shape)
	padded := hlo.Pad(x, comp.ConstantScalar(dtypes.Float32, -1), []int{0, 1}, []int{0, 0})
	require.True(t, padded.Shape().Equal(shapes.Make(dtypes.Float32, 2, 3)))

	sliced := hlo.SliceWithStrides(padded, []int{0, 0}, []int{2, 3}, []int{1, 2})
	require.True(t, sliced.Shape().Equal(shapes.Make(dtypes.Float32, 2, 2)))

	comp.SetRoot(hlo.Concatenate(1, padded, sliced))
	got := interp.Evaluate(comp, map[string]*interp.Buffer{
		"x": feed(shape, 1, 2, 3, 4),
	})
	// padded = [[-1 1 2], [-1 3 4]]; sliced (stride 2) = [[-1 2], [-1 4]]
	require.Equal(t, []float64{-1, 1, 2, -1, 2, -1, 3, 4, -1, 4}, got.Floats)
}

func TestNegativePadTrims(t *testing.T) {
	comp := hlo.New("negative-pad")
	x := comp.Parameter("x", shapes.Make(dtypes.Float32, 5))
	comp.SetRoot(hlo.Pad(x, comp.Zero(dtypes.Float32), []int{-2}, []int{0}))
	got := interp.Evaluate(comp, map[string]*interp.Buffer{
		"x": feed(shapes.Make(dtypes.Float32, 5), 1, 2, 3, 4, 5),
	})
	require.Equal(t, []float64{3, 4, 5}, got.Floats)
}

func TestReduce(t *testing.T) {
	comp := hlo.New("reduce")
	shape := shapes.Make(dtypes.Float32, 2, 3)
	x := comp.Parameter("x", shape)
	sum := hlo.Reduce(x, comp.Zero(dtypes.Float32), hlo.CombinerAdd, 1)
	maxAll := hlo.Reduce(x, comp.ConstantScalar(dtypes.Float32, math.Inf(-1)), hlo.CombinerMax, 0, 1)
	comp.SetRoot(sum)

	feeds := map[string]*interp.Buffer{"x": feed(shape, 1, 2, 3, 4, 5, 6)}
	require.Equal(t, []float64{6, 15}, interp.Evaluate(comp, feeds).Floats)
	require.Equal(t, []float64{6}, interp.EvaluateNode(maxAll, feeds).Floats)
}

func TestReduceWindow(t *testing.T) {
	comp := hlo.New("reduce-window")
	shape := shapes.Make(dtypes.Float32, 1, 6)
	x := comp.Parameter("x", shape)

	window := hlo.MakeWindow(2)
	window.Dimensions[1].Size = 2
	window.Dimensions[1].Stride = 2
	pooled := hlo.ReduceWindow(x, comp.ConstantScalar(dtypes.Float32, math.Inf(-1)),
		hlo.CombinerMax, window)
	comp.SetRoot(pooled)

	feeds := map[string]*interp.Buffer{"x": feed(shape, 3, 1, 4, 1, 5, 9)}
	require.Equal(t, []float64{3, 4, 9}, interp.Evaluate(comp, feeds).Floats)

	// Overlapping windows with stride 1.
	overlapping := hlo.MakeWindow(2)
	overlapping.Dimensions[1].Size = 3
	sums := hlo.ReduceWindow(x, comp.Zero(dtypes.Float32), hlo.CombinerAdd, overlapping)
	require.Equal(t, []float64{8, 6, 10, 15}, interp.EvaluateNode(sums, feeds).Floats)

	// Padding contributes the init value, i.e. nothing for an add.
	paddedWin := hlo.MakeWindow(2)
	paddedWin.Dimensions[1].Size = 2
	paddedWin.Dimensions[1].Stride = 2
	paddedWin.Dimensions[1].PaddingHigh = 2
	padded := hlo.ReduceWindow(x, comp.Zero(dtypes.Float32), hlo.CombinerAdd, paddedWin)
	require.Equal(t, []float64{4, 5, 14, 0}, interp.EvaluateNode(padded, feeds).Floats)
}

func TestConvolution1D(t *testing.T) {
	comp := hlo.New("conv1d")
	input := comp.Parameter("input", shapes.Make(dtypes.Float32, 1, 5, 1))
	kernel := comp.Parameter("kernel", shapes.Make(dtypes.Float32, 3, 1, 1))
	axes := hlo.ConvolveAxesConfig{
		InputBatch: 0, InputChannel: 2, InputSpatial: []int{1},
		KernelInputChannel: 1, KernelOutputChannel: 2, KernelSpatial: []int{0},
		OutputBatch: 0, OutputChannel: 2, OutputSpatial: []int{1},
	}
	window := hlo.MakeWindow(1)
	window.Dimensions[0].Size = 3
	comp.SetRoot(hlo.Convolve(input, kernel, axes, window, 1, 1))

	feeds := map[string]*interp.Buffer{
		"input":  feed(input.Shape(), 1, 2, 3, 4, 5),
		"kernel": feed(kernel.Shape(), 1, 10, 100),
	}
	// out[i] = in[i] + 10*in[i+1] + 100*in[i+2]
	require.Equal(t, []float64{321, 432, 543}, interp.Evaluate(comp, feeds).Floats)

	// With stride 2 and padding 1 on both sides.
	window2 := hlo.MakeWindow(1)
	window2.Dimensions[0].Size = 3
	window2.Dimensions[0].Stride = 2
	window2.Dimensions[0].PaddingLow = 1
	window2.Dimensions[0].PaddingHigh = 1
	strided := hlo.Convolve(input, kernel, axes, window2, 1, 1)
	require.Equal(t, []float64{210, 432, 54}, interp.EvaluateNode(strided, feeds).Floats)
}

func TestConvolution2D(t *testing.T) {
	comp := hlo.New("conv2d")
	input := comp.Parameter("input", shapes.Make(dtypes.Float32, 1, 3, 3, 1))
	kernel := comp.Parameter("kernel", shapes.Make(dtypes.Float32, 2, 2, 1, 1))
	axes := hlo.ConvolveAxesConfig{
		InputBatch: 0, InputChannel: 3, InputSpatial: []int{1, 2},
		KernelInputChannel: 2, KernelOutputChannel: 3, KernelSpatial: []int{0, 1},
		OutputBatch: 0, OutputChannel: 3, OutputSpatial: []int{1, 2},
	}
	window := hlo.MakeWindow(2)
	window.Dimensions[0].Size = 2
	window.Dimensions[1].Size = 2
	comp.SetRoot(hlo.Convolve(input, kernel, axes, window, 1, 1))

	feeds := map[string]*interp.Buffer{
		"input":  feed(input.Shape(), 1, 2, 3, 4, 5, 6, 7, 8, 9),
		"kernel": feed(kernel.Shape(), 1, 1, 1, 1), // 2x2 box sum
	}
	require.Equal(t, []float64{12, 16, 24, 28}, interp.Evaluate(comp, feeds).Floats)
}

func TestSelectAndScatter(t *testing.T) {
	comp := hlo.New("select-and-scatter")
	operand := comp.Parameter("operand", shapes.Make(dtypes.Float32, 1, 4))
	source := comp.Parameter("source", shapes.Make(dtypes.Float32, 1, 2))

	window := hlo.MakeWindow(2)
	window.Dimensions[1].Size = 2
	window.Dimensions[1].Stride = 2
	comp.SetRoot(hlo.SelectAndScatter(operand, source, comp.Zero(dtypes.Float32),
		hlo.CompareGe, hlo.CombinerAdd, window))

	got := interp.Evaluate(comp, map[string]*interp.Buffer{
		"operand": feed(operand.Shape(), 0, 3, 2, 5),
		"source":  feed(source.Shape(), 10, 20),
	})
	// Each window's max receives the corresponding source element.
	require.Equal(t, []float64{0, 10, 0, 20}, got.Floats)
}

func TestSelectAndScatterOverlappingTies(t *testing.T) {
	comp := hlo.New("select-and-scatter-ties")
	operand := comp.Parameter("operand", shapes.Make(dtypes.Float32, 1, 3))
	source := comp.Parameter("source", shapes.Make(dtypes.Float32, 1, 2))

	window := hlo.MakeWindow(2)
	window.Dimensions[1].Size = 2
	comp.SetRoot(hlo.SelectAndScatter(operand, source, comp.Zero(dtypes.Float32),
		hlo.CompareGe, hlo.CombinerAdd, window))

	got := interp.Evaluate(comp, map[string]*interp.Buffer{
		"operand": feed(operand.Shape(), 2, 2, 1),
		"source":  feed(source.Shape(), 4, 5),
	})
	// Ties pick the first window element: both updates land on position 0's
	// value for window 0, and position 1 for window 1.
	require.Equal(t, []float64{4, 5, 0}, got.Floats)
}

func TestEvaluateBoolPlumbing(t *testing.T) {
	comp := hlo.New("bool-plumbing")
	x := comp.Parameter("x", shapes.Make(dtypes.Float32, 4))
	zero := hlo.Broadcast(comp.Zero(dtypes.Float32), nil, []int{4})
	positive := hlo.Compare(x, zero, hlo.CompareGt)
	negative := hlo.Compare(x, zero, hlo.CompareLt)
	nonZero := hlo.Or(positive, negative)
	comp.SetRoot(hlo.Select(nonZero, x, zero))

	got := interp.Evaluate(comp, map[string]*interp.Buffer{
		"x": feed(shapes.Make(dtypes.Float32, 4), -1, 0, 2, 0),
	})
	require.Equal(t, []float64{-1, 0, 2, 0}, got.Floats)
}
