// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package spacetobatch

import (
	"k8s.io/klog/v2"

	"github.com/gomlx/hlopt/hlo"
	"github.com/gomlx/hlopt/pkg/support/xslices"
)

// bringSpaceNextToBatch transposes activations so the spatial axis being
// split immediately follows the batch axis, updating the input-side axes
// configuration and the two axis indices in place. No transpose is emitted
// when the axes are already adjacent.
func bringSpaceNextToBatch(activations *hlo.Node, axes *hlo.ConvolveAxesConfig,
	spatialDimToSplit, batchDim *int) *hlo.Node {
	if *spatialDimToSplit != *batchDim+1 {
		newAxes := axes.Clone()
		var newBatchDim, newSpatialDim int
		pushedCounter := 0
		transposeDims := make([]int, 0, activations.Rank())
		for i := 0; i < activations.Rank(); i++ {
			if i == *batchDim {
				continue
			}
			if i == *spatialDimToSplit {
				transposeDims = append(transposeDims, *batchDim)
				newBatchDim = pushedCounter
				pushedCounter++
				newSpatialDim = pushedCounter
			}
			if i == axes.InputChannel {
				newAxes.InputChannel = pushedCounter
			} else {
				for j, axis := range axes.InputSpatial {
					if i == axis {
						newAxes.InputSpatial[j] = pushedCounter
						break
					}
				}
			}
			transposeDims = append(transposeDims, i)
			pushedCounter++
		}
		*batchDim = newBatchDim
		*spatialDimToSplit = newSpatialDim
		activations = hlo.Transpose(activations, transposeDims...)
		*axes = newAxes
	}
	axes.InputBatch = *batchDim
	return activations
}

// performSpaceToBatchOnConvolution rewrites one candidate convolution and
// then drains the propagation worklist over its users.
func (v *visitor) performSpaceToBatchOnConvolution(conv *hlo.Node) {
	klog.V(1).Infof("Handling conv %s", conv)
	comp := v.comp
	v.changed = false

	dimNumbers := conv.ConvAxes().Clone()
	c := v.getConvolutionDetails(conv, dimNumbers)
	chosen := chosenSpatialDim(conv)

	activationsBatchDim := dimNumbers.InputBatch
	oldBatchSize := conv.Operand(0).Shape().Dimensions[activationsBatchDim]
	activations := conv.Operand(0)
	inherentPaddingNeeded := c.inherentLowPadding != 0 || c.inherentHighPadding != 0
	klog.V(1).Infof("spatial size %d", c.spatialSize)

	numSplits := newBatchSize / oldBatchSize
	originalConv := conv

	// The batch and the spatial axis being split must be adjacent, in that
	// order.
	spatialDimToSplit := c.spatialDimToSplit
	activations = bringSpaceNextToBatch(activations, &dimNumbers,
		&spatialDimToSplit, &activationsBatchDim)
	c.spatialDimToSplit = spatialDimToSplit

	newDimNumbers := dimNumbers.Clone()

	outputSpatialDim := dimNumbers.OutputSpatial[chosen]
	outputOffsets := conv.Shape().Dimensions[outputSpatialDim]
	outputOffsetsPerSplit := ceilOfRatio(outputOffsets, numSplits)

	spatialSplitSize := ceilOfRatio(outputOffsetsPerSplit, c.baseDilationFactor) * c.stride
	// Keep increasing the split size so that the overall size is not smaller
	// than the original spatial dimension.
	for spatialSplitSize*numSplits < c.spatialSize {
		spatialSplitSize += c.stride
	}

	if reduceWindow := v.doesConvolutionFeedReduceWindow(conv, reduceWindowSearchDepth); reduceWindow != nil {
		// Take the stride of the downstream reduce-window into account when
		// choosing the split size, so propagation through it stays possible.
		redWinStride := reduceWindow.Window().Dimensions[outputSpatialDim].Stride
		for (spatialSplitSize/c.stride)%redWinStride != 0 {
			spatialSplitSize += c.stride
		}
	}

	sliceSize := spatialSplitSize + c.haloSize
	padSize := spatialSplitSize*numSplits - c.spatialSize
	klog.V(1).Infof("spatial_split_size %d stride %d slice_size %d pad_size %d num_splits %d",
		spatialSplitSize, c.stride, sliceSize, padSize, numSplits)

	// Splitting the spatial dimension forces any padding the convolution
	// needed there to be materialized.
	if padSize != 0 || inherentPaddingNeeded {
		padLow := make([]int, activations.Rank())
		padHigh := make([]int, activations.Rank())
		padHigh[c.spatialDimToSplit] = c.inherentHighPadding + padSize
		if c.baseDilationFactor == 1 {
			padLow[c.spatialDimToSplit] = c.inherentLowPadding
		}
		padding := comp.Zero(activations.DType())
		activations = hlo.Pad(activations, padding, padLow, padHigh)
	}
	klog.V(1).Infof("Initial padded activations shape %s", activations.Shape())

	// Reorganize the activations: e.g. a [B, SPACE] of [1, 16] with 4 splits
	// becomes [4, 4], and halo duplication then widens it to [4, 4+halo].
	reshapeDimensions := xslices.Copy(activations.Shape().Dimensions)
	reshapeDimensions[c.spatialDimToSplit] = spatialSplitSize
	reshapeDimensions[activationsBatchDim] = numSplits * oldBatchSize
	batchIncreasedReshape := hlo.Reshape(activations, reshapeDimensions...)
	klog.V(1).Infof("First reshape done: %s", batchIncreasedReshape)

	activations = v.haloDuplicateWithSlice(batchIncreasedReshape,
		c.spatialDimToSplit, activationsBatchDim, 0, c.haloSize, nil)
	klog.V(1).Infof("Batch merge done: %s", activations)

	// Rewrite the convolution with the larger batch; the output has the
	// batch followed by the split spatial dimension.
	rank := conv.Rank()
	transposeDims := make([]int, rank)
	dimCount := 0
	for j := range dimNumbers.OutputSpatial {
		if j == chosen {
			transposeDims[dimNumbers.OutputBatch] = dimCount
			newDimNumbers.OutputBatch = dimCount
			dimCount++
		}
		transposeDims[dimNumbers.OutputSpatial[j]] = dimCount
		newDimNumbers.OutputSpatial[j] = dimCount
		dimCount++
	}
	transposeDims[dimNumbers.OutputChannel] = dimCount
	newDimNumbers.OutputChannel = dimCount

	newWindow := conv.Window().Clone()
	newWindow.Dimensions[chosen].PaddingHigh = c.highPaddingForConv
	newWindow.Dimensions[chosen].PaddingLow = c.lowPaddingForConv
	newConv := hlo.Convolve(activations, conv.Operand(1), newDimNumbers, newWindow,
		conv.FeatureGroupCount(), conv.BatchGroupCount())
	klog.V(1).Infof("Space-to-batched convolution %s", newConv)

	selectVal := comp.Zero(newConv.DType())
	newConv = v.selectValidPortion(newConv, originalConv, selectVal,
		newDimNumbers.OutputBatch, newDimNumbers.OutputSpatial[chosen],
		dimNumbers.OutputBatch, dimNumbers.OutputSpatial[chosen])

	v.oldToNew[originalConv.ID()] = newConv
	v.dimMap[originalConv.ID()] = dimPair{
		batch: dimNumbers.OutputBatch,
		space: dimNumbers.OutputSpatial[chosen],
	}
	v.permuteMap[newConv.ID()] = transposeDims

	v.propagateOnUsers(originalConv)
	v.changed = true
}

// workItem pairs a node to rewrite with the anchor operand whose layout it
// inherits.
type workItem struct {
	node   *hlo.Node
	parent *hlo.Node
}

// propagateOnUsers drains a worklist of the rewritten convolution's
// transitive users: supported and ready consumers are rewritten in place in
// the split layout, unsupported ones get their edge converted back, and
// not-yet-ready ones are deferred to the final cleanup sweep.
func (v *visitor) propagateOnUsers(oldConv *hlo.Node) {
	if oldConv.NumUsers() == 0 {
		batchToSpace := v.batchToSpace(oldConv)
		klog.V(1).Infof("Replacing the root instruction with %s", batchToSpace)
		v.comp.ReplaceInstruction(oldConv, batchToSpace)
		return
	}

	iterationCount := 0
	worklist := []workItem{{node: oldConv, parent: oldConv.Operand(0)}}
	for len(worklist) > 0 {
		top := worklist[0]
		worklist = worklist[1:]
		node, parent := top.node, top.parent
		klog.V(1).Infof("Traversing for propagation operating on %s", node)

		// Don't work on the same node again. The seed convolution is already
		// in oldToNew, hence the iteration count guard.
		if _, found := v.oldToNew[node.ID()]; found && iterationCount != 0 {
			continue
		}
		needsFurtherPropagation := true
		if iterationCount != 0 {
			needsFurtherPropagation = v.propagate(node, parent)
		}
		iterationCount++

		if node.IsRoot() {
			// At the root there is no room for further propagation.
			if !needsFurtherPropagation {
				klog.V(1).Infof("Replacing the root instruction with %s", v.oldToNew[node.ID()])
				v.comp.ReplaceInstruction(node, v.oldToNew[node.ID()])
				continue
			}
			batchToSpace := v.batchToSpace(node)
			klog.V(1).Infof("Replacing the root instruction with %s", batchToSpace)
			v.comp.ReplaceInstruction(node, batchToSpace)
			continue
		}

		if !needsFurtherPropagation {
			v.comp.ReplaceInstruction(node, v.oldToNew[node.ID()])
			continue
		}
		// Insert all users into the queue, as long as the ops are supported
		// and ready for propagation. If an op is unsupported, batch-to-space
		// its edge; if not ready, mark it for later revisiting.
		for _, user := range node.Users() {
			if !v.supportedOpForPropagation(user, node) {
				klog.V(1).Infof("Unsupported op found: %s", user)
				batchToSpace := v.batchToSpace(node)
				for i := 0; i < user.NumOperands(); i++ {
					if user.Operand(i) == node {
						v.comp.ReplaceOperand(user, i, batchToSpace)
					}
				}
				continue
			}
			if v.canPropagate(user, node) {
				v.nonPropagatable.Delete(user.ID())
				worklist = append(worklist, workItem{node: user, parent: node})
			} else {
				v.nonPropagatable.Insert(user.ID())
			}
		}
	}
}
