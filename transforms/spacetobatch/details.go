// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package spacetobatch

import (
	"k8s.io/klog/v2"

	"github.com/gomlx/hlopt/hlo"
)

// convDetails captures the geometry of a convolution along the chosen
// spatial axis, in terms useful to the rewrite.
type convDetails struct {
	spatialDimToSplit    int
	inherentLowPadding   int
	inherentHighPadding  int
	stride               int
	spatialSize          int
	baseDilationFactor   int
	inputDimSize         int
	kernelSpatialDimSize int
	// haloSize is how many border elements each split piece must copy from
	// its neighbor so windows crossing the piece boundary still see them.
	haloSize int
	// highPaddingForConv / lowPaddingForConv are the paddings the rewritten
	// convolution carries on the split axis.
	highPaddingForConv int
	lowPaddingForConv  int
}

func (v *visitor) getConvolutionDetails(conv *hlo.Node, axes hlo.ConvolveAxesConfig) convDetails {
	activations := conv.Operand(0)
	kernel := conv.Operand(1)
	chosen := chosenSpatialDim(conv)
	d := conv.Window().Dimensions[chosen]

	c := convDetails{
		spatialDimToSplit:    axes.InputSpatial[chosen],
		inherentLowPadding:   d.PaddingLow,
		inherentHighPadding:  d.PaddingHigh,
		stride:               d.Stride,
		baseDilationFactor:   d.BaseDilation,
		kernelSpatialDimSize: kernel.Shape().Dimensions[axes.KernelSpatial[chosen]],
	}
	c.inputDimSize = activations.Shape().Dimensions[c.spatialDimToSplit]
	// With base dilation the low padding is folded into the dilated input
	// later, so it does not count towards the undilated spatial extent.
	c.spatialSize = c.inputDimSize + c.inherentHighPadding
	if c.baseDilationFactor == 1 {
		c.spatialSize += c.inherentLowPadding
	}
	c.haloSize = max(c.kernelSpatialDimSize-c.stride-(c.baseDilationFactor-1), 0)
	if c.baseDilationFactor != 1 {
		if c.inherentLowPadding == 0 {
			c.highPaddingForConv = c.baseDilationFactor - 1
		}
		c.lowPaddingForConv = c.inherentLowPadding
	}
	return c
}

// convIsSuitableForSpaceToBatch decides whether the rewrite applies to conv.
// The decision depends only on the convolution itself, never on its context
// in the graph.
func (v *visitor) convIsSuitableForSpaceToBatch(conv *hlo.Node) bool {
	axes := conv.ConvAxes()
	if len(axes.InputSpatial) < 1 {
		return false
	}
	// Batch-group convolutions (e.g. gradient-of-filter) are handled only by
	// propagation, never as rewrite seeds.
	if conv.BatchGroupCount() != 1 {
		return false
	}
	chosen := chosenSpatialDim(conv)
	d := conv.Window().Dimensions[chosen]
	if d.WindowDilation != 1 {
		return false
	}
	c := v.getConvolutionDetails(conv, *axes)

	if c.baseDilationFactor != 1 {
		if c.stride != 1 {
			return false
		}
		trivialKernel := c.inherentLowPadding == 0 && c.kernelSpatialDimSize == 1
		fullOverlap := c.kernelSpatialDimSize == c.baseDilationFactor+1 &&
			c.inherentLowPadding == c.baseDilationFactor-1
		if !trivialKernel && !fullOverlap {
			return false
		}
	}

	oldBatchSize := conv.Operand(0).Shape().Dimensions[axes.InputBatch]
	if oldBatchSize > v.limitOnBatchSize {
		return false
	}
	if newBatchSize%oldBatchSize != 0 {
		return false
	}
	numSplits := newBatchSize / oldBatchSize
	// Each split piece must be large enough to hold its own halo.
	if c.haloSize > ceilOfRatio(c.spatialSize, numSplits) {
		return false
	}
	klog.V(1).Infof("Legal space-to-batch candidate %s with batch %d", conv, oldBatchSize)
	return true
}
