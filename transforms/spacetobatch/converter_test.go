// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package spacetobatch

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/gomlx/hlopt/hlo"
	"github.com/gomlx/hlopt/hlo/interp"
	"github.com/gomlx/hlopt/types/shapes"
)

// conv1DAxes uses the [BATCH, SPACE, CHANNEL] layout favored by most models,
// with the kernel as [SPACE, INPUT_CHANNEL, OUTPUT_CHANNEL].
func conv1DAxes() hlo.ConvolveAxesConfig {
	return hlo.ConvolveAxesConfig{
		InputBatch: 0, InputChannel: 2, InputSpatial: []int{1},
		KernelInputChannel: 1, KernelOutputChannel: 2, KernelSpatial: []int{0},
		OutputBatch: 0, OutputChannel: 2, OutputSpatial: []int{1},
	}
}

func makeConv1D(input, kernel *hlo.Node, stride, padLow, padHigh, baseDilation, winDilation int) *hlo.Node {
	window := &hlo.Window{Dimensions: []hlo.WindowDimension{{
		Size:           kernel.Shape().Dimensions[0],
		Stride:         stride,
		PaddingLow:     padLow,
		PaddingHigh:    padHigh,
		BaseDilation:   baseDilation,
		WindowDilation: winDilation,
	}}}
	return hlo.Convolve(input, kernel, conv1DAxes(), window, 1, 1)
}

// ramp fills a buffer with small, non-monotonic values, so max-pooling tests
// see interesting window winners.
func ramp(shape shapes.Shape, seed int) *interp.Buffer {
	values := make([]float64, shape.Size())
	for i := range values {
		values[i] = float64((i*(seed+3)+seed)%13) - 6
	}
	return interp.NewBufferFromFloats(shape, values)
}

func requireClose(t *testing.T, want, got *interp.Buffer) {
	t.Helper()
	require.True(t, want.Shape.Equal(got.Shape), "shapes differ: want %s, got %s", want.Shape, got.Shape)
	require.True(t, floats.EqualApprox(want.Floats, got.Floats, 1e-6),
		"values differ:\nwant %v\ngot  %v", want.Floats, got.Floats)
}

// runPass checks that the rewrite fires and that the rewritten graph computes
// the same values as the original.
func runPass(t *testing.T, comp *hlo.Computation, feeds map[string]*interp.Buffer) {
	t.Helper()
	want := interp.Evaluate(comp, feeds)
	converter := &Converter{LimitOnBatchSize: 8}
	changed, err := converter.Run(comp)
	require.NoError(t, err)
	require.True(t, changed)
	requireClose(t, want, interp.Evaluate(comp, feeds))
}

func TestRewriteSimpleConv(t *testing.T) {
	comp := hlo.New("simple-conv")
	input := comp.Parameter("input", shapes.Make(dtypes.Float32, 2, 16, 1))
	kernel := comp.Parameter("kernel", shapes.Make(dtypes.Float32, 3, 1, 2))
	comp.SetRoot(makeConv1D(input, kernel, 1, 0, 0, 1, 1))

	runPass(t, comp, map[string]*interp.Buffer{
		"input":  ramp(input.Shape(), 1),
		"kernel": ramp(kernel.Shape(), 2),
	})
	// The root keeps the original layout via a batch-to-space conversion.
	require.Equal(t, hlo.OpTranspose, comp.Root().Op())
	require.True(t, comp.Root().Shape().Equal(shapes.Make(dtypes.Float32, 2, 14, 2)))
}

func TestRewritePaddedConv(t *testing.T) {
	comp := hlo.New("padded-conv")
	input := comp.Parameter("input", shapes.Make(dtypes.Float32, 2, 16, 2))
	kernel := comp.Parameter("kernel", shapes.Make(dtypes.Float32, 3, 2, 1))
	comp.SetRoot(makeConv1D(input, kernel, 1, 1, 1, 1, 1))

	runPass(t, comp, map[string]*interp.Buffer{
		"input":  ramp(input.Shape(), 3),
		"kernel": ramp(kernel.Shape(), 4),
	})
	require.True(t, comp.Root().Shape().Equal(shapes.Make(dtypes.Float32, 2, 16, 1)))
}

func TestRewriteStridedConv(t *testing.T) {
	comp := hlo.New("strided-conv")
	input := comp.Parameter("input", shapes.Make(dtypes.Float32, 2, 16, 1))
	kernel := comp.Parameter("kernel", shapes.Make(dtypes.Float32, 3, 1, 1))
	comp.SetRoot(makeConv1D(input, kernel, 2, 0, 0, 1, 1))

	runPass(t, comp, map[string]*interp.Buffer{
		"input":  ramp(input.Shape(), 5),
		"kernel": ramp(kernel.Shape(), 6),
	})
	require.True(t, comp.Root().Shape().Equal(shapes.Make(dtypes.Float32, 2, 7, 1)))
}

func TestRewriteBaseDilatedConv(t *testing.T) {
	// Base dilation 2 with kernel 3 and low padding 1: every output window
	// fully overlaps an input element, which is the legal dilated form.
	comp := hlo.New("dilated-conv")
	input := comp.Parameter("input", shapes.Make(dtypes.Float32, 2, 16, 1))
	kernel := comp.Parameter("kernel", shapes.Make(dtypes.Float32, 3, 1, 1))
	comp.SetRoot(makeConv1D(input, kernel, 1, 1, 0, 2, 1))

	runPass(t, comp, map[string]*interp.Buffer{
		"input":  ramp(input.Shape(), 7),
		"kernel": ramp(kernel.Shape(), 8),
	})
	require.True(t, comp.Root().Shape().Equal(shapes.Make(dtypes.Float32, 2, 30, 1)))
}

func TestRewriteConv2D(t *testing.T) {
	// Two spatial axes: the rewrite splits the last one and has to transpose
	// it next to the batch first.
	comp := hlo.New("conv-2d")
	input := comp.Parameter("input", shapes.Make(dtypes.Float32, 2, 6, 16, 1))
	kernel := comp.Parameter("kernel", shapes.Make(dtypes.Float32, 3, 3, 1, 2))
	axes := hlo.ConvolveAxesConfig{
		InputBatch: 0, InputChannel: 3, InputSpatial: []int{1, 2},
		KernelInputChannel: 2, KernelOutputChannel: 3, KernelSpatial: []int{0, 1},
		OutputBatch: 0, OutputChannel: 3, OutputSpatial: []int{1, 2},
	}
	window := &hlo.Window{Dimensions: []hlo.WindowDimension{
		{Size: 3, Stride: 1, BaseDilation: 1, WindowDilation: 1},
		{Size: 3, Stride: 1, BaseDilation: 1, WindowDilation: 1},
	}}
	comp.SetRoot(hlo.Convolve(input, kernel, axes, window, 1, 1))

	runPass(t, comp, map[string]*interp.Buffer{
		"input":  ramp(input.Shape(), 9),
		"kernel": ramp(kernel.Shape(), 10),
	})
	require.True(t, comp.Root().Shape().Equal(shapes.Make(dtypes.Float32, 2, 4, 14, 2)))
}

func TestPropagateThroughElementwise(t *testing.T) {
	// conv -> multiply with a channel-wise broadcast stays in the split
	// layout; the broadcast is rebuilt on the permuted axes.
	comp := hlo.New("elementwise")
	input := comp.Parameter("input", shapes.Make(dtypes.Float32, 2, 16, 1))
	kernel := comp.Parameter("kernel", shapes.Make(dtypes.Float32, 3, 1, 3))
	scale := comp.Parameter("scale", shapes.Make(dtypes.Float32, 3))
	conv := makeConv1D(input, kernel, 1, 0, 0, 1, 1)
	scaled := hlo.Multiply(conv, hlo.Broadcast(scale, []int{2}, conv.Shape().Dimensions))
	comp.SetRoot(scaled)

	runPass(t, comp, map[string]*interp.Buffer{
		"input":  ramp(input.Shape(), 1),
		"kernel": ramp(kernel.Shape(), 2),
		"scale":  ramp(scale.Shape(), 3),
	})
}

func TestPropagateThroughAddOfTwoConvs(t *testing.T) {
	// The add is not ready after the first convolution is rewritten; it
	// propagates once the second one is.
	comp := hlo.New("two-convs")
	input := comp.Parameter("input", shapes.Make(dtypes.Float32, 2, 16, 1))
	kernelA := comp.Parameter("kernelA", shapes.Make(dtypes.Float32, 3, 1, 2))
	kernelB := comp.Parameter("kernelB", shapes.Make(dtypes.Float32, 3, 1, 2))
	convA := makeConv1D(input, kernelA, 1, 0, 0, 1, 1)
	convB := makeConv1D(input, kernelB, 1, 0, 0, 1, 1)
	comp.SetRoot(hlo.Add(convA, convB))

	runPass(t, comp, map[string]*interp.Buffer{
		"input":   ramp(input.Shape(), 4),
		"kernelA": ramp(kernelA.Shape(), 5),
		"kernelB": ramp(kernelB.Shape(), 6),
	})
}

func TestPropagateThroughReduce(t *testing.T) {
	// A reduce over both the batch and the split space axis absorbs the split
	// layout entirely; no batch-to-space remains.
	comp := hlo.New("reduce")
	input := comp.Parameter("input", shapes.Make(dtypes.Float32, 2, 16, 3))
	kernel := comp.Parameter("kernel", shapes.Make(dtypes.Float32, 3, 3, 2))
	conv := makeConv1D(input, kernel, 1, 0, 0, 1, 1)
	comp.SetRoot(hlo.Reduce(conv, comp.Zero(dtypes.Float32), hlo.CombinerAdd, 0, 1))

	runPass(t, comp, map[string]*interp.Buffer{
		"input":  ramp(input.Shape(), 7),
		"kernel": ramp(kernel.Shape(), 8),
	})
	require.Equal(t, hlo.OpReduce, comp.Root().Op())
	require.True(t, comp.Root().Shape().Equal(shapes.Make(dtypes.Float32, 2)))
}

func TestPropagateThroughReduceWindow(t *testing.T) {
	// conv -> max pool. The split size is chosen so that the pooling stride
	// lines up with the split boundaries.
	comp := hlo.New("reduce-window")
	input := comp.Parameter("input", shapes.Make(dtypes.Float32, 2, 16, 1))
	kernel := comp.Parameter("kernel", shapes.Make(dtypes.Float32, 3, 1, 2))
	conv := makeConv1D(input, kernel, 1, 0, 0, 1, 1)
	window := hlo.MakeWindow(3)
	window.Dimensions[1].Size = 2
	window.Dimensions[1].Stride = 2
	pool := hlo.ReduceWindow(conv, comp.ConstantScalar(dtypes.Float32, math.Inf(-1)),
		hlo.CombinerMax, window)
	comp.SetRoot(pool)

	runPass(t, comp, map[string]*interp.Buffer{
		"input":  ramp(input.Shape(), 9),
		"kernel": ramp(kernel.Shape(), 10),
	})
	require.True(t, comp.Root().Shape().Equal(shapes.Make(dtypes.Float32, 2, 7, 2)))
}

func TestPropagateThroughOverlappingReduceWindow(t *testing.T) {
	// Window size 3 with stride 1: pooling windows cross split boundaries, so
	// the propagation has to duplicate a halo of its own.
	comp := hlo.New("overlapping-pool")
	input := comp.Parameter("input", shapes.Make(dtypes.Float32, 2, 16, 1))
	kernel := comp.Parameter("kernel", shapes.Make(dtypes.Float32, 3, 1, 1))
	conv := makeConv1D(input, kernel, 1, 0, 0, 1, 1)
	window := hlo.MakeWindow(3)
	window.Dimensions[1].Size = 3
	pool := hlo.ReduceWindow(conv, comp.ConstantScalar(dtypes.Float32, math.Inf(-1)),
		hlo.CombinerMax, window)
	comp.SetRoot(pool)

	runPass(t, comp, map[string]*interp.Buffer{
		"input":  ramp(input.Shape(), 11),
		"kernel": ramp(kernel.Shape(), 12),
	})
	require.True(t, comp.Root().Shape().Equal(shapes.Make(dtypes.Float32, 2, 12, 1)))
}

func TestPropagateThroughSelectAndScatter(t *testing.T) {
	// Max-pool gradient pattern: the pooled values are scattered back onto
	// the argmax positions of the convolution output.
	comp := hlo.New("select-and-scatter")
	input := comp.Parameter("input", shapes.Make(dtypes.Float32, 2, 16, 1))
	kernel := comp.Parameter("kernel", shapes.Make(dtypes.Float32, 3, 1, 1))
	conv := makeConv1D(input, kernel, 1, 0, 0, 1, 1)
	window := hlo.MakeWindow(3)
	window.Dimensions[1].Size = 2
	window.Dimensions[1].Stride = 2
	pool := hlo.ReduceWindow(conv, comp.ConstantScalar(dtypes.Float32, math.Inf(-1)),
		hlo.CombinerMax, window)
	scatter := hlo.SelectAndScatter(conv, pool, comp.Zero(dtypes.Float32),
		hlo.CompareGe, hlo.CombinerAdd, window)
	comp.SetRoot(scatter)

	runPass(t, comp, map[string]*interp.Buffer{
		"input":  ramp(input.Shape(), 2),
		"kernel": ramp(kernel.Shape(), 5),
	})
	require.True(t, comp.Root().Shape().Equal(shapes.Make(dtypes.Float32, 2, 14, 1)))
}

func TestPropagateThroughChainedConvs(t *testing.T) {
	// The second convolution absorbs the split layout of the first without
	// going back to the original layout in between.
	comp := hlo.New("chained-convs")
	input := comp.Parameter("input", shapes.Make(dtypes.Float32, 2, 16, 1))
	kernelA := comp.Parameter("kernelA", shapes.Make(dtypes.Float32, 3, 1, 2))
	kernelB := comp.Parameter("kernelB", shapes.Make(dtypes.Float32, 3, 2, 1))
	convA := makeConv1D(input, kernelA, 1, 1, 1, 1, 1)
	convB := makeConv1D(convA, kernelB, 1, 1, 1, 1, 1)
	comp.SetRoot(convB)

	runPass(t, comp, map[string]*interp.Buffer{
		"input":   ramp(input.Shape(), 3),
		"kernelA": ramp(kernelA.Shape(), 4),
		"kernelB": ramp(kernelB.Shape(), 7),
	})
	// Both convolutions now run on the enlarged batch.
	wantConvs := 0
	for _, inst := range comp.PostOrder() {
		if inst.Op() == hlo.OpConvolution && inst.Shape().Dimensions[0] == 8 {
			wantConvs++
		}
	}
	require.Equal(t, 2, wantConvs)
	require.True(t, comp.Root().Shape().Equal(shapes.Make(dtypes.Float32, 2, 16, 1)))
}

func TestPropagateThroughBackpropFilterConv(t *testing.T) {
	// Gradient-of-filter pattern for a stride-2 forward convolution: the
	// activations and the output gradient are convolved with their batch and
	// feature axes swapped, and a window dilation equal to the forward
	// stride. Both operands are themselves rewritten convolutions, so the
	// consumer propagates through the backprop-filter branch.
	comp := hlo.New("backprop-filter")
	input := comp.Parameter("input", shapes.Make(dtypes.Float32, 2, 16, 1))
	kernelA := comp.Parameter("kernelA", shapes.Make(dtypes.Float32, 1, 1, 3))
	kernelG := comp.Parameter("kernelG", shapes.Make(dtypes.Float32, 2, 1, 2))
	activations := makeConv1D(input, kernelA, 1, 0, 0, 1, 1) // [2, 16, 3]
	outputGrad := makeConv1D(input, kernelG, 2, 0, 0, 1, 1)  // [2, 8, 2]
	axes := hlo.ConvolveAxesConfig{
		InputBatch: 2, InputChannel: 0, InputSpatial: []int{1},
		KernelInputChannel: 0, KernelOutputChannel: 2, KernelSpatial: []int{1},
		OutputBatch: 0, OutputChannel: 2, OutputSpatial: []int{1},
	}
	window := &hlo.Window{Dimensions: []hlo.WindowDimension{{
		Size: 8, Stride: 1, BaseDilation: 1, WindowDilation: 2,
	}}}
	grad := hlo.Convolve(activations, outputGrad, axes, window, 1, 1)
	comp.SetRoot(grad)

	runPass(t, comp, map[string]*interp.Buffer{
		"input":   ramp(input.Shape(), 3),
		"kernelA": ramp(kernelA.Shape(), 4),
		"kernelG": ramp(kernelG.Shape(), 5),
	})
	// The kernel gradient keeps its original layout: the rewritten
	// convolution gains a synthetic trailing window axis holding the chunked
	// activations, and a final reshape erases it again.
	require.True(t, comp.Root().Shape().Equal(shapes.Make(dtypes.Float32, 3, 2, 2)))
	require.Equal(t, hlo.OpReshape, comp.Root().Op())
	require.Equal(t, hlo.OpConvolution, comp.Root().Operand(0).Op())
	require.Equal(t, 4, comp.Root().Operand(0).Rank())
}

func TestUnsupportedConsumerGetsBatchToSpace(t *testing.T) {
	// Concatenate cannot carry the split layout; its incoming edge is
	// converted back instead, and the concatenate itself stays.
	comp := hlo.New("unsupported-consumer")
	input := comp.Parameter("input", shapes.Make(dtypes.Float32, 2, 16, 1))
	kernel := comp.Parameter("kernel", shapes.Make(dtypes.Float32, 3, 1, 1))
	other := comp.Parameter("other", shapes.Make(dtypes.Float32, 2, 14, 1))
	conv := makeConv1D(input, kernel, 1, 0, 0, 1, 1)
	comp.SetRoot(hlo.Concatenate(1, conv, other))

	runPass(t, comp, map[string]*interp.Buffer{
		"input":  ramp(input.Shape(), 6),
		"kernel": ramp(kernel.Shape(), 7),
		"other":  ramp(other.Shape(), 8),
	})
	require.Equal(t, hlo.OpConcatenate, comp.Root().Op())
	require.Equal(t, hlo.OpTranspose, comp.Root().Operand(0).Op())
}

func TestDeferredConsumerResolvedInCleanup(t *testing.T) {
	// An add with a parameter operand is never ready for propagation; the
	// final sweep rewires its convolution edge through batch-to-space.
	comp := hlo.New("deferred-consumer")
	input := comp.Parameter("input", shapes.Make(dtypes.Float32, 2, 16, 1))
	kernel := comp.Parameter("kernel", shapes.Make(dtypes.Float32, 3, 1, 1))
	bias := comp.Parameter("bias", shapes.Make(dtypes.Float32, 2, 14, 1))
	conv := makeConv1D(input, kernel, 1, 0, 0, 1, 1)
	comp.SetRoot(hlo.Add(conv, bias))

	runPass(t, comp, map[string]*interp.Buffer{
		"input":  ramp(input.Shape(), 9),
		"kernel": ramp(kernel.Shape(), 10),
		"bias":   ramp(bias.Shape(), 11),
	})
	require.Equal(t, hlo.OpAdd, comp.Root().Op())
	require.Equal(t, hlo.OpTranspose, comp.Root().Operand(0).Op())
}

func TestRunLeavesUnsuitableGraphsAlone(t *testing.T) {
	// No convolution at all.
	comp := hlo.New("no-convs")
	x := comp.Parameter("x", shapes.Make(dtypes.Float32, 4))
	y := comp.Parameter("y", shapes.Make(dtypes.Float32, 4))
	root := hlo.Add(x, y)
	comp.SetRoot(root)
	converter := &Converter{LimitOnBatchSize: 8}
	changed, err := converter.Run(comp)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, root, comp.Root())

	// Batch too large for the configured limit.
	comp = hlo.New("large-batch")
	input := comp.Parameter("input", shapes.Make(dtypes.Float32, 16, 16, 1))
	kernel := comp.Parameter("kernel", shapes.Make(dtypes.Float32, 3, 1, 1))
	conv := makeConv1D(input, kernel, 1, 0, 0, 1, 1)
	comp.SetRoot(conv)
	changed, err = converter.Run(comp)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, conv, comp.Root())
}

func TestRewriteIsDeterministic(t *testing.T) {
	build := func() *hlo.Computation {
		comp := hlo.New("deterministic")
		input := comp.Parameter("input", shapes.Make(dtypes.Float32, 2, 16, 1))
		kernelA := comp.Parameter("kernelA", shapes.Make(dtypes.Float32, 3, 1, 2))
		kernelB := comp.Parameter("kernelB", shapes.Make(dtypes.Float32, 3, 1, 2))
		convA := makeConv1D(input, kernelA, 1, 0, 0, 1, 1)
		convB := makeConv1D(input, kernelB, 1, 0, 0, 1, 1)
		comp.SetRoot(hlo.Add(convA, convB))
		return comp
	}
	signature := func(comp *hlo.Computation) []string {
		var sigs []string
		for _, inst := range comp.PostOrder() {
			sigs = append(sigs, inst.String())
		}
		return sigs
	}

	first, second := build(), build()
	converter := &Converter{LimitOnBatchSize: 8}
	for _, comp := range []*hlo.Computation{first, second} {
		changed, err := converter.Run(comp)
		require.NoError(t, err)
		require.True(t, changed)
	}
	require.Equal(t, signature(first), signature(second))
}
