// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package spacetobatch

import (
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gomlx/hlopt/hlo"
	"github.com/gomlx/hlopt/pkg/support/xslices"
)

// propagateOnBackpropFilterConv rewrites a gradient-of-filter convolution
// whose operands both carry the split layout. In this form the batch and
// feature axes of the activations are logically swapped, so the split batch
// behaves like an extra contraction: the activations are expanded into one
// chunk per kernel-gradient position (built by single-step halo shifts along
// the split axis), the chunks are stacked along a synthetic trailing spatial
// axis, and the convolution window on the original spatial axis is set up to
// directly encode the dilation. The synthetic axis is removed again from the
// result, which is already in the original layout: propagation stops here.
func (v *visitor) propagateOnBackpropFilterConv(conv *hlo.Node) {
	comp := v.comp
	activationsOld := conv.Operand(0)
	activationsNew, found := v.oldToNew[activationsOld.ID()]
	if !found {
		exceptions.Panicf("activations of %s were not rewritten", conv)
	}
	newSpatialDimension := activationsNew.Rank()

	kernelOld := conv.Operand(1)
	kernelNew, found := v.oldToNew[kernelOld.ID()]
	if !found {
		exceptions.Panicf("kernel of %s was not rewritten", conv)
	}
	permuteDims := v.permuteMap[activationsNew.ID()]

	originalConvDims := *conv.ConvAxes()
	chosen := chosenSpatialDim(conv)
	oldSpaceDim := originalConvDims.InputSpatial[chosen]
	oldSplitDimSize := activationsOld.Shape().Dimensions[oldSpaceDim]
	oldKernelSpaceDim := originalConvDims.KernelSpatial[chosen]
	oldKernelSplitDimSize := kernelOld.Shape().Dimensions[oldKernelSpaceDim]

	// Batch and feature are inverted in backprop filters.
	activationsBatchDim := dimLookUp(permuteDims, originalConvDims.InputChannel)
	activationsFeatureDim := dimLookUp(permuteDims, originalConvDims.InputBatch)

	permutedConvDims := originalConvDims.Clone()
	previousSpatialDimCount := len(originalConvDims.InputSpatial)
	for i := 0; i < previousSpatialDimCount; i++ {
		permutedConvDims.InputSpatial[i] =
			dimLookUp(permuteDims, originalConvDims.InputSpatial[i])
		permutedConvDims.KernelSpatial[i] =
			dimLookUp(permuteDims, originalConvDims.KernelSpatial[i])
	}
	permutedConvDims.InputSpatial = append(permutedConvDims.InputSpatial, newSpatialDimension)
	permutedConvDims.KernelSpatial = append(permutedConvDims.KernelSpatial, newSpatialDimension)
	permutedConvDims.OutputSpatial = append(permutedConvDims.OutputSpatial, newSpatialDimension)

	// In the output, the synthetic trailing axis takes the chosen spatial
	// slot; the original chosen output axis becomes size 1.
	previousChosenSpatialDimInOutput := permutedConvDims.OutputSpatial[chosen]
	permutedConvDims.OutputSpatial[chosen] = newSpatialDimension
	permutedConvDims.OutputSpatial[previousSpatialDimCount] = previousChosenSpatialDimInOutput

	kernelInputFeatureDim := dimLookUp(permuteDims, originalConvDims.KernelInputChannel)
	kernelOutputFeatureDim := dimLookUp(permuteDims, originalConvDims.KernelOutputChannel)
	permutedConvDims.KernelInputChannel = kernelInputFeatureDim
	permutedConvDims.KernelOutputChannel = kernelOutputFeatureDim

	spatialDimToSplit := permutedConvDims.InputSpatial[chosen]
	kernelSpatialDimToSplit := permutedConvDims.KernelSpatial[chosen]

	oldBatchDim := originalConvDims.InputChannel
	oldBatchSize := activationsOld.Shape().Dimensions[oldBatchDim]
	newSplitDimSize := activationsNew.Shape().Dimensions[spatialDimToSplit]

	permutedConvDims.InputBatch = activationsFeatureDim
	permutedConvDims.InputChannel = activationsBatchDim

	klog.V(1).Infof("Propagating on backprop filter conv %s, batch dim %d split dim %d old batch %d",
		conv, activationsBatchDim, spatialDimToSplit, oldBatchSize)
	activationsNew = bringSpaceNextToBatch(activationsNew, &permutedConvDims,
		&spatialDimToSplit, &activationsBatchDim)
	// The batch dimension has to be set again: bringSpaceNextToBatch
	// assigned the axis that serves as the split batch here, which is the
	// convolution's feature axis.
	permutedConvDims.InputBatch = activationsFeatureDim

	selectVal := comp.Zero(activationsNew.DType())

	// Mask out additional space on the activations and the kernel.
	activationsNew = v.selectValidPortion(activationsNew, activationsOld, selectVal,
		activationsBatchDim, spatialDimToSplit, oldBatchDim, oldSpaceDim)
	kernelNew = v.selectValidPortion(kernelNew, kernelOld, selectVal,
		kernelInputFeatureDim, kernelSpatialDimToSplit,
		originalConvDims.KernelInputChannel, oldKernelSpaceDim)

	newDimNumbers := permutedConvDims.Clone()

	inherentLowPadding := conv.Window().Dimensions[chosen].PaddingLow
	inherentHighPadding := conv.Window().Dimensions[chosen].PaddingHigh
	rhsDilation := conv.Window().Dimensions[chosen].WindowDilation

	var chunks []*hlo.Node

	// Chunks for the low padding: successive right shifts.
	for i := 0; i < inherentLowPadding; i++ {
		toUse := activationsNew
		if i > 0 {
			toUse = xslices.Last(chunks)
		}
		chunks = append(chunks, v.haloDuplicateWithSlice(toUse,
			spatialDimToSplit, activationsBatchDim, 1, 0, nil))
	}

	expandedKernel := oldKernelSplitDimSize*rhsDilation - (rhsDilation - 1)
	overlapCount := oldSplitDimSize - expandedKernel + 1 +
		min(inherentLowPadding, 0) + min(inherentHighPadding, 0)
	klog.V(1).Infof("overlap_count %d", overlapCount)

	// Chunks for the original activations.
	for i := 0; i < overlapCount; i++ {
		var chunk *hlo.Node
		if i == 0 {
			chunk = activationsNew
			if inherentLowPadding < 0 {
				chunk = v.haloDuplicateWithSlice(activationsNew,
					spatialDimToSplit, activationsBatchDim, inherentLowPadding, 0, nil)
			}
		} else {
			chunk = v.haloDuplicateWithSlice(xslices.Last(chunks),
				spatialDimToSplit, activationsBatchDim, -1, 0, nil)
		}
		chunks = append(chunks, chunk)
	}

	// Chunks for the high padding: successive left shifts.
	for i := 0; i < inherentHighPadding; i++ {
		chunks = append(chunks, v.haloDuplicateWithSlice(xslices.Last(chunks),
			spatialDimToSplit, activationsBatchDim, -1, 0, nil))
	}

	for i := range chunks {
		inputSizes := xslices.Copy(chunks[i].Shape().Dimensions)
		inputSizes = append(inputSizes, 1)
		chunks[i] = hlo.Reshape(chunks[i], inputSizes...)
	}
	activationsNew = hlo.Concatenate(newSpatialDimension, chunks...)

	// The kernel gets the same synthetic trailing axis.
	kernelSizes := xslices.Copy(kernelNew.Shape().Dimensions)
	kernelSizes = append(kernelSizes, 1)
	kernelNew = hlo.Reshape(kernelNew, kernelSizes...)

	newWindow := conv.Window().Clone()
	newWindow.Dimensions[chosen].PaddingHigh = -(rhsDilation - 1)
	newWindow.Dimensions[chosen].PaddingLow = 0
	newWindow.Dimensions[chosen].Size = newSplitDimSize / rhsDilation
	newWindow.Dimensions = append(newWindow.Dimensions, hlo.WindowDimension{
		Size: 1, Stride: 1, BaseDilation: 1, WindowDilation: 1,
	})

	newConv := hlo.Convolve(activationsNew, kernelNew, newDimNumbers, newWindow,
		conv.FeatureGroupCount(), conv.BatchGroupCount())

	// Remove the synthetic axis, now holding the only (size 1) output cell
	// of the original spatial axis.
	outputSizes := xslices.Copy(newConv.Shape().Dimensions)
	erased := newDimNumbers.OutputSpatial[chosen]
	outputSizes = append(outputSizes[:erased], outputSizes[erased+1:]...)
	newConv = hlo.Reshape(newConv, outputSizes...)
	klog.V(1).Infof("Space-to-featured convolution %s", newConv)

	v.oldToNew[conv.ID()] = newConv
	v.dimMap[conv.ID()] = dimPair{
		batch: originalConvDims.OutputBatch,
		space: originalConvDims.OutputSpatial[chosen],
	}
	// No permute map is recorded: no further propagation happens here.
}
