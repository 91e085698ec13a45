// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapeinference calculates the shape resulting from operations and
// validates their inputs.
//
// Each function takes the operand shapes plus the static attributes of the
// operation and returns the inferred output shape or an error. The hlo
// package calls these from its op builders; any error there is escalated to
// a panic, since a shape-inference failure while building a graph means the
// graph is broken.
//
// The majority of elementwise operations don't change the shape; operations
// that do get their own inference function.
package shapeinference

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/hlopt/types/shapes"
)

// ConvolveAxesConfig defines the interpretation of the input, kernel and
// output axes of a convolution: which one is the batch, which one holds the
// channels (features) and which ones are spatial. Axes order is free.
type ConvolveAxesConfig struct {
	InputBatch, InputChannel int
	InputSpatial             []int

	KernelInputChannel, KernelOutputChannel int
	KernelSpatial                           []int

	OutputBatch, OutputChannel int
	OutputSpatial              []int
}

// Clone returns a deep copy of the axes configuration.
func (c ConvolveAxesConfig) Clone() ConvolveAxesConfig {
	c2 := c
	c2.InputSpatial = slices.Clone(c.InputSpatial)
	c2.KernelSpatial = slices.Clone(c.KernelSpatial)
	c2.OutputSpatial = slices.Clone(c.OutputSpatial)
	return c2
}

// BinaryOp returns the shape of an elementwise binary operation. Both
// operands must have identical dimensions. If isBoolean, both operands must
// be PRED (Bool); otherwise both must be numeric and of the same DType.
func BinaryOp(lhs, rhs shapes.Shape, isBoolean bool) (shapes.Shape, error) {
	if lhs.DType != rhs.DType {
		return shapes.Invalid(), errors.Errorf("BinaryOp: operands have different dtypes: %s vs %s", lhs, rhs)
	}
	if isBoolean && lhs.DType != dtypes.Bool {
		return shapes.Invalid(), errors.Errorf("BinaryOp: boolean operation requires %s operands, got %s", dtypes.Bool, lhs)
	}
	if !lhs.EqualDimensions(rhs) {
		return shapes.Invalid(), errors.Errorf("BinaryOp: operands have different dimensions: %s vs %s", lhs, rhs)
	}
	return lhs.Clone(), nil
}

// CompareOp returns the PRED shape of an elementwise comparison.
func CompareOp(lhs, rhs shapes.Shape) (shapes.Shape, error) {
	if lhs.DType != rhs.DType || !lhs.EqualDimensions(rhs) {
		return shapes.Invalid(), errors.Errorf("CompareOp: operands must match in dtype and dimensions, got %s vs %s", lhs, rhs)
	}
	return shapes.Make(dtypes.Bool, lhs.Dimensions...), nil
}

// SelectOp returns the shape of Select(pred, onTrue, onFalse).
func SelectOp(pred, onTrue, onFalse shapes.Shape) (shapes.Shape, error) {
	if pred.DType != dtypes.Bool {
		return shapes.Invalid(), errors.Errorf("SelectOp: predicate must be %s, got %s", dtypes.Bool, pred)
	}
	if !onTrue.Equal(onFalse) {
		return shapes.Invalid(), errors.Errorf("SelectOp: branches must have equal shapes, got %s vs %s", onTrue, onFalse)
	}
	if !pred.EqualDimensions(onTrue) {
		return shapes.Invalid(), errors.Errorf("SelectOp: predicate dimensions %s must match branches %s", pred, onTrue)
	}
	return onTrue.Clone(), nil
}

// BroadcastInDimOp returns the shape of broadcasting operand into
// outputDimensions, where broadcastAxes[i] gives the output axis that operand
// axis i maps to. broadcastAxes must be strictly increasing.
func BroadcastInDimOp(operand shapes.Shape, broadcastAxes, outputDimensions []int) (shapes.Shape, error) {
	if len(broadcastAxes) != operand.Rank() {
		return shapes.Invalid(), errors.Errorf("BroadcastInDimOp: len(broadcastAxes)=%d must equal operand rank %d", len(broadcastAxes), operand.Rank())
	}
	for i, axis := range broadcastAxes {
		if axis < 0 || axis >= len(outputDimensions) {
			return shapes.Invalid(), errors.Errorf("BroadcastInDimOp: broadcastAxes[%d]=%d out of range for output rank %d", i, axis, len(outputDimensions))
		}
		if i > 0 && axis <= broadcastAxes[i-1] {
			return shapes.Invalid(), errors.Errorf("BroadcastInDimOp: broadcastAxes must be strictly increasing, got %v", broadcastAxes)
		}
		if outputDimensions[axis] != operand.Dimensions[i] {
			return shapes.Invalid(), errors.Errorf("BroadcastInDimOp: operand dim %d (=%d) does not match output dim %d (=%d)",
				i, operand.Dimensions[i], axis, outputDimensions[axis])
		}
	}
	return shapes.Make(operand.DType, outputDimensions...), nil
}

// ReshapeOp returns the shape of reshaping operand to newDimensions. The
// total size must be preserved.
func ReshapeOp(operand shapes.Shape, newDimensions []int) (shapes.Shape, error) {
	newShape := shapes.Make(operand.DType, newDimensions...)
	if newShape.Size() != operand.Size() {
		return shapes.Invalid(), errors.Errorf("ReshapeOp: cannot reshape %s (size %d) to dimensions %v (size %d)",
			operand, operand.Size(), newDimensions, newShape.Size())
	}
	return newShape, nil
}

// TransposeOp returns the shape of transposing operand with the given
// permutation: output axis i takes operand axis permutation[i].
func TransposeOp(operand shapes.Shape, permutation []int) (shapes.Shape, error) {
	rank := operand.Rank()
	if len(permutation) != rank {
		return shapes.Invalid(), errors.Errorf("TransposeOp: len(permutation)=%d must equal rank %d", len(permutation), rank)
	}
	seen := make([]bool, rank)
	newDims := make([]int, rank)
	for i, axis := range permutation {
		if axis < 0 || axis >= rank || seen[axis] {
			return shapes.Invalid(), errors.Errorf("TransposeOp: %v is not a permutation of rank %d axes", permutation, rank)
		}
		seen[axis] = true
		newDims[i] = operand.Dimensions[axis]
	}
	return shapes.Make(operand.DType, newDims...), nil
}

// PadOp returns the shape of padding operand with the given per-axis edge
// padding. Negative padding trims; every output dimension must stay positive.
func PadOp(operand, padValue shapes.Shape, padLow, padHigh []int) (shapes.Shape, error) {
	rank := operand.Rank()
	if !padValue.IsScalar() || padValue.DType != operand.DType {
		return shapes.Invalid(), errors.Errorf("PadOp: pad value must be a scalar of dtype %s, got %s", operand.DType, padValue)
	}
	if len(padLow) != rank || len(padHigh) != rank {
		return shapes.Invalid(), errors.Errorf("PadOp: padding configs must have one entry per axis (rank %d), got low=%v high=%v", rank, padLow, padHigh)
	}
	newDims := make([]int, rank)
	for i := range newDims {
		newDims[i] = operand.Dimensions[i] + padLow[i] + padHigh[i]
		if newDims[i] <= 0 {
			return shapes.Invalid(), errors.Errorf("PadOp: axis %d of %s becomes non-positive (%d) after padding low=%d high=%d",
				i, operand, newDims[i], padLow[i], padHigh[i])
		}
	}
	return shapes.Make(operand.DType, newDims...), nil
}

// SliceOp returns the shape of a strided slice over [starts, limits).
func SliceOp(operand shapes.Shape, starts, limits, strides []int) (shapes.Shape, error) {
	rank := operand.Rank()
	if len(starts) != rank || len(limits) != rank || len(strides) != rank {
		return shapes.Invalid(), errors.Errorf("SliceOp: starts/limits/strides must have one entry per axis (rank %d)", rank)
	}
	newDims := make([]int, rank)
	for i := range newDims {
		if strides[i] <= 0 {
			return shapes.Invalid(), errors.Errorf("SliceOp: stride for axis %d must be positive, got %d", i, strides[i])
		}
		if starts[i] < 0 || starts[i] > limits[i] || limits[i] > operand.Dimensions[i] {
			return shapes.Invalid(), errors.Errorf("SliceOp: invalid range [%d, %d) for axis %d of %s", starts[i], limits[i], i, operand)
		}
		newDims[i] = (limits[i] - starts[i] + strides[i] - 1) / strides[i]
		if newDims[i] == 0 {
			return shapes.Invalid(), errors.Errorf("SliceOp: empty slice on axis %d of %s", i, operand)
		}
	}
	return shapes.Make(operand.DType, newDims...), nil
}

// ConcatenateOp returns the shape of concatenating the operands along axis.
func ConcatenateOp(operands []shapes.Shape, axis int) (shapes.Shape, error) {
	if len(operands) == 0 {
		return shapes.Invalid(), errors.Errorf("ConcatenateOp: at least one operand required")
	}
	first := operands[0]
	if axis < 0 || axis >= first.Rank() {
		return shapes.Invalid(), errors.Errorf("ConcatenateOp: axis %d out of range for rank %d", axis, first.Rank())
	}
	newDims := slices.Clone(first.Dimensions)
	for _, operand := range operands[1:] {
		if operand.DType != first.DType || operand.Rank() != first.Rank() {
			return shapes.Invalid(), errors.Errorf("ConcatenateOp: operands %s and %s are not compatible", first, operand)
		}
		for i, dim := range operand.Dimensions {
			if i == axis {
				newDims[i] += dim
			} else if dim != first.Dimensions[i] {
				return shapes.Invalid(), errors.Errorf("ConcatenateOp: operands %s and %s differ on non-concatenated axis %d", first, operand, i)
			}
		}
	}
	return shapes.Make(first.DType, newDims...), nil
}

// ReduceOp returns the shape of reducing operand over the given axes. The
// reduced axes are removed from the shape.
func ReduceOp(operand, initValue shapes.Shape, axes []int) (shapes.Shape, error) {
	if !initValue.IsScalar() || initValue.DType != operand.DType {
		return shapes.Invalid(), errors.Errorf("ReduceOp: init value must be a scalar of dtype %s, got %s", operand.DType, initValue)
	}
	rank := operand.Rank()
	reduced := make([]bool, rank)
	for _, axis := range axes {
		if axis < 0 || axis >= rank {
			return shapes.Invalid(), errors.Errorf("ReduceOp: axis %d out of range for %s", axis, operand)
		}
		if reduced[axis] {
			return shapes.Invalid(), errors.Errorf("ReduceOp: axis %d reduced twice", axis)
		}
		reduced[axis] = true
	}
	newDims := make([]int, 0, rank-len(axes))
	for i, dim := range operand.Dimensions {
		if !reduced[i] {
			newDims = append(newDims, dim)
		}
	}
	return shapes.Make(operand.DType, newDims...), nil
}

// windowedOutputSize computes the output extent of one axis of a windowed
// operation, following XLA's convention: the input is base-dilated, padded on
// both edges (possibly negatively), and then scanned with a window-dilated
// window at the given stride.
func windowedOutputSize(input, windowSize, stride, padLow, padHigh, baseDilation, windowDilation int) (int, error) {
	if windowSize <= 0 || stride <= 0 || baseDilation <= 0 || windowDilation <= 0 {
		return 0, errors.Errorf("window attributes must be positive: size=%d stride=%d baseDilation=%d windowDilation=%d",
			windowSize, stride, baseDilation, windowDilation)
	}
	dilatedInput := (input-1)*baseDilation + 1
	paddedInput := dilatedInput + padLow + padHigh
	dilatedWindow := (windowSize-1)*windowDilation + 1
	if paddedInput < dilatedWindow {
		return 0, errors.Errorf("window (dilated size %d) does not fit input (padded dilated size %d)", dilatedWindow, paddedInput)
	}
	return (paddedInput-dilatedWindow)/stride + 1, nil
}

// ReduceWindowOp returns the shape of a reduce-window. All attribute slices
// have one entry per operand axis; paddings may be negative.
func ReduceWindowOp(operand, initValue shapes.Shape, windowDimensions, strides, baseDilations, windowDilations []int, paddings [][2]int) (shapes.Shape, error) {
	rank := operand.Rank()
	if !initValue.IsScalar() || initValue.DType != operand.DType {
		return shapes.Invalid(), errors.Errorf("ReduceWindowOp: init value must be a scalar of dtype %s, got %s", operand.DType, initValue)
	}
	if len(windowDimensions) != rank || len(strides) != rank || len(baseDilations) != rank ||
		len(windowDilations) != rank || len(paddings) != rank {
		return shapes.Invalid(), errors.Errorf("ReduceWindowOp: window attributes must have one entry per axis (rank %d)", rank)
	}
	newDims := make([]int, rank)
	for i := range newDims {
		var err error
		newDims[i], err = windowedOutputSize(operand.Dimensions[i], windowDimensions[i], strides[i],
			paddings[i][0], paddings[i][1], baseDilations[i], windowDilations[i])
		if err != nil {
			return shapes.Invalid(), errors.WithMessagef(err, "ReduceWindowOp: axis %d of %s", i, operand)
		}
	}
	return shapes.Make(operand.DType, newDims...), nil
}

// SelectAndScatterOp returns the shape of a select-and-scatter: the operand
// shape. The source must have the shape a reduce-window with the same window
// would produce.
func SelectAndScatterOp(operand, source, initValue shapes.Shape, windowDimensions, strides []int, paddings [][2]int) (shapes.Shape, error) {
	rank := operand.Rank()
	ones := make([]int, rank)
	for i := range ones {
		ones[i] = 1
	}
	windowOut, err := ReduceWindowOp(operand, initValue, windowDimensions, strides, ones, ones, paddings)
	if err != nil {
		return shapes.Invalid(), errors.WithMessage(err, "SelectAndScatterOp")
	}
	if !source.Equal(windowOut) {
		return shapes.Invalid(), errors.Errorf("SelectAndScatterOp: source shape %s does not match windowed shape %s of operand %s",
			source, windowOut, operand)
	}
	return operand.Clone(), nil
}

// ConvGeneralOp returns the output shape of a general convolution.
//
// The window attribute slices have one entry per spatial axis, matching the
// axes configuration. Paddings may be negative. channelGroupCount is XLA's
// feature_group_count, batchGroupCount its batch_group_count.
func ConvGeneralOp(input, kernel shapes.Shape, axes ConvolveAxesConfig,
	strides []int, paddings [][2]int, inputDilations, kernelDilations []int,
	channelGroupCount, batchGroupCount int) (shapes.Shape, error) {
	errorf := func(format string, args ...any) (shapes.Shape, error) {
		return shapes.Invalid(), errors.Errorf("ConvGeneralOp: "+format, args...)
	}
	if input.DType != kernel.DType {
		return errorf("input %s and kernel %s have different dtypes", input, kernel)
	}
	numSpatial := len(axes.InputSpatial)
	if numSpatial < 1 {
		return errorf("at least one spatial axis required")
	}
	if len(axes.KernelSpatial) != numSpatial || len(axes.OutputSpatial) != numSpatial {
		return errorf("inconsistent spatial axes configuration %+v", axes)
	}
	if input.Rank() != numSpatial+2 || kernel.Rank() != numSpatial+2 {
		return errorf("input rank %d and kernel rank %d must both be %d (batch, channels and %d spatial axes)",
			input.Rank(), kernel.Rank(), numSpatial+2, numSpatial)
	}
	if len(strides) != numSpatial || len(paddings) != numSpatial ||
		len(inputDilations) != numSpatial || len(kernelDilations) != numSpatial {
		return errorf("window attributes must have one entry per spatial axis (%d)", numSpatial)
	}
	if channelGroupCount < 1 || batchGroupCount < 1 {
		return errorf("channelGroupCount=%d and batchGroupCount=%d must be positive", channelGroupCount, batchGroupCount)
	}

	inputChannels := input.Dimensions[axes.InputChannel]
	kernelInputChannels := kernel.Dimensions[axes.KernelInputChannel]
	if inputChannels != kernelInputChannels*channelGroupCount {
		return errorf("input channels (%d) must equal kernel input channels (%d) x channelGroupCount (%d)",
			inputChannels, kernelInputChannels, channelGroupCount)
	}
	inputBatch := input.Dimensions[axes.InputBatch]
	if inputBatch%batchGroupCount != 0 {
		return errorf("input batch (%d) must be divisible by batchGroupCount (%d)", inputBatch, batchGroupCount)
	}
	outputChannels := kernel.Dimensions[axes.KernelOutputChannel]
	if outputChannels%batchGroupCount != 0 || outputChannels%channelGroupCount != 0 {
		return errorf("kernel output channels (%d) must be divisible by the group counts (%d, %d)",
			outputChannels, channelGroupCount, batchGroupCount)
	}

	newDims := make([]int, input.Rank())
	newDims[axes.OutputBatch] = inputBatch / batchGroupCount
	newDims[axes.OutputChannel] = outputChannels
	for i := 0; i < numSpatial; i++ {
		out, err := windowedOutputSize(
			input.Dimensions[axes.InputSpatial[i]],
			kernel.Dimensions[axes.KernelSpatial[i]],
			strides[i], paddings[i][0], paddings[i][1],
			inputDilations[i], kernelDilations[i])
		if err != nil {
			return shapes.Invalid(), errors.WithMessagef(err, "ConvGeneralOp: spatial axis %d of %s", i, input)
		}
		newDims[axes.OutputSpatial[i]] = out
	}
	return shapes.Make(input.DType, newDims...), nil
}
