// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package spacetobatch

import (
	"slices"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gomlx/hlopt/hlo"
	"github.com/gomlx/hlopt/pkg/support/xslices"
)

// isTrivialElementwise reports whether the op computes each output element
// independently, so the split layout can flow straight through it.
func isTrivialElementwise(n *hlo.Node) bool {
	return n.Op().IsElementwise()
}

// isBroadcastPropagatable reports whether a broadcast operand can ride along
// a propagation anchored at oldOtherOp: it must not broadcast into the
// tracked batch or space axes, which no longer mean the same thing in the
// rewritten layout.
func (v *visitor) isBroadcastPropagatable(broadcast, oldOtherOp *hlo.Node) bool {
	pair, found := v.dimMap[oldOtherOp.ID()]
	if !found {
		exceptions.Panicf("no batch/space axes recorded for %s", oldOtherOp)
	}
	axes := broadcast.Axes()
	return !slices.Contains(axes, pair.batch) && !slices.Contains(axes, pair.space)
}

// supportedOpForPropagation reports whether the op kind of consumer can in
// principle carry the split layout of producer. It must not depend on
// whether operands are rewritten yet; canPropagate checks readiness.
func (v *visitor) supportedOpForPropagation(consumer, producer *hlo.Node) bool {
	if isTrivialElementwise(consumer) {
		for i := 0; i < consumer.NumOperands(); i++ {
			if consumer.Operand(i).Op() == hlo.OpBroadcast &&
				!v.isBroadcastPropagatable(consumer.Operand(i), producer) {
				klog.V(2).Infof("Could not propagate through broadcast %s", consumer.Operand(i))
				return false
			}
		}
		return true
	}

	switch consumer.Op() {
	case hlo.OpConvolution:
		return true

	case hlo.OpReduce:
		// Support only the trivial case where both the batch and the split
		// space axes are being reduced.
		pair := v.dimMap[consumer.Operand(0).ID()]
		reduceDims := consumer.Axes()
		klog.V(1).Infof("Checking if reduce over %v is supported, batch_dim %d space_dim %d",
			reduceDims, pair.batch, pair.space)
		return slices.Contains(reduceDims, pair.batch) && slices.Contains(reduceDims, pair.space)

	case hlo.OpReduceWindow, hlo.OpSelectAndScatter:
		firstOperand := consumer.Operand(0)
		window := consumer.Window()
		pair, found := v.dimMap[firstOperand.ID()]
		if !found {
			klog.V(1).Infof("Dim map not found on windowed operand of %s", consumer)
			return false
		}
		// Disallow windowing on the batch axis.
		if window.Dimensions[pair.batch].Size != 1 {
			return false
		}
		// Only allow no-low-padding cases.
		if window.Dimensions[pair.space].PaddingLow != 0 {
			return false
		}
		// Only allow small high pads.
		if window.Dimensions[pair.space].PaddingHigh > window.Dimensions[pair.space].Size {
			return false
		}
		newOperand, found := v.oldToNew[firstOperand.ID()]
		if !found {
			return false
		}
		// Make sure the stride lines up with the split space extent.
		if window.Dimensions[pair.space].Size != 1 {
			newSpaceDim := dimLookUp(v.permuteMap[newOperand.ID()], pair.space)
			if newOperand.Shape().Dimensions[newSpaceDim]%window.Dimensions[pair.space].Stride != 0 {
				return false
			}
		}
		return true
	}
	return false
}

// canPropagate reports whether consumer is ready to be rewritten now: all
// the operands it needs are already rewritten and their layouts line up.
func (v *visitor) canPropagate(consumer, producer *hlo.Node) bool {
	if isTrivialElementwise(consumer) {
		klog.V(2).Infof("Doing propagation check on elementwise op %s", consumer)
		var pivotOperand *hlo.Node
		for i := 0; i < consumer.NumOperands(); i++ {
			oldProducer := consumer.Operand(i)
			broadcastOrConstant := oldProducer.Op() == hlo.OpConstant ||
				(oldProducer.Op() == hlo.OpBroadcast && v.isBroadcastPropagatable(oldProducer, producer))
			if broadcastOrConstant {
				continue
			}
			newProducer, found := v.oldToNew[oldProducer.ID()]
			if !found {
				klog.V(1).Infof("Cannot propagate on elementwise op %s: operand %s is not ready",
					consumer, oldProducer)
				return false
			}
			if pivotOperand == nil {
				pivotOperand = oldProducer
				continue
			}
			// All real operands must agree on batch/space axes and layout.
			if v.dimMap[pivotOperand.ID()] != v.dimMap[oldProducer.ID()] {
				klog.V(2).Infof("Elementwise op %s: batch/space ordering changed across operands", consumer)
				return false
			}
			pivotNew := v.oldToNew[pivotOperand.ID()]
			pivotPermute := v.permuteMap[pivotNew.ID()]
			permute := v.permuteMap[newProducer.ID()]
			for j := range pivotPermute {
				if pivotPermute[j] != permute[j] {
					klog.V(2).Infof("Elementwise op %s: permuted dimensions differ", consumer)
					return false
				}
				if pivotNew.Shape().Dimensions[j] != newProducer.Shape().Dimensions[j] {
					// Binary ops tolerate a space-extent mismatch; it is
					// reconciled by padding during the rewrite.
					if !(consumer.Op().IsElementwiseBinary() && j == v.dimMap[pivotOperand.ID()].space) {
						klog.V(2).Infof("Elementwise op %s: shape sizes differ", consumer)
						return false
					}
				}
			}
		}
	}

	if consumer.Op() == hlo.OpConvolution {
		klog.V(1).Infof("Checking if conv %s is ready for propagation", consumer)
		if v.convIsSuitableForSpaceToBatch(consumer) {
			_, found := v.oldToNew[consumer.Operand(0).ID()]
			return found
		}

		// Backprop-filter readiness. Only stride 1 is supported.
		chosen := chosenSpatialDim(consumer)
		if consumer.Window().Dimensions[chosen].Stride != 1 {
			return false
		}
		// All operands must be space-to-batched, with a recorded layout.
		for i := 0; i < consumer.NumOperands(); i++ {
			newOperand, found := v.oldToNew[consumer.Operand(i).ID()]
			if !found {
				return false
			}
			if _, found := v.permuteMap[newOperand.ID()]; !found {
				return false
			}
		}

		firstOperand := v.oldToNew[consumer.Operand(0).ID()]
		secondOperand := v.oldToNew[consumer.Operand(1).ID()]
		pair0 := v.dimMap[consumer.Operand(0).ID()]
		pair1 := v.dimMap[consumer.Operand(1).ID()]
		permute0 := v.permuteMap[firstOperand.ID()]
		permute1 := v.permuteMap[secondOperand.ID()]

		if firstOperand.Shape().Dimensions[dimLookUp(permute0, pair0.batch)] !=
			secondOperand.Shape().Dimensions[dimLookUp(permute1, pair1.batch)] {
			return false
		}
		rhsDilation := consumer.Window().Dimensions[chosen].WindowDilation
		if firstOperand.Shape().Dimensions[dimLookUp(permute0, pair0.space)] !=
			rhsDilation*secondOperand.Shape().Dimensions[dimLookUp(permute1, pair1.space)] {
			return false
		}
		klog.V(2).Infof("Backprop filter conv %s ready for propagation", consumer)
		return true
	}

	if consumer.Op() == hlo.OpReduceWindow || consumer.Op() == hlo.OpReduce {
		if _, found := v.oldToNew[consumer.Operand(0).ID()]; !found {
			return false
		}
	}

	if consumer.Op() == hlo.OpSelectAndScatter {
		// We currently only support adds in the scatter.
		if consumer.Combiner() != hlo.CombinerAdd {
			return false
		}
		for i := 0; i < 2; i++ {
			if _, found := v.oldToNew[consumer.Operand(i).ID()]; !found {
				return false
			}
		}
		firstOperand := v.oldToNew[consumer.Operand(0).ID()]
		secondOperand := v.oldToNew[consumer.Operand(1).ID()]
		permute0 := v.permuteMap[firstOperand.ID()]
		permute1 := v.permuteMap[secondOperand.ID()]
		if !slices.Equal(permute0, permute1) {
			return false
		}
		pair := v.dimMap[consumer.Operand(0).ID()]
		newBatchDim := dimLookUp(permute0, pair.batch)
		newSpaceDim := dimLookUp(permute0, pair.space)
		if firstOperand.Shape().Dimensions[newBatchDim] != secondOperand.Shape().Dimensions[newBatchDim] {
			return false
		}
		d := consumer.Window().Dimensions[pair.space]
		if (firstOperand.Shape().Dimensions[newSpaceDim]+d.PaddingHigh+d.PaddingLow)/d.Stride !=
			secondOperand.Shape().Dimensions[newSpaceDim] {
			return false
		}
		klog.V(1).Infof("Can propagate through select and scatter %s", consumer)
		return true
	}
	return true
}

// propagate rewrites consumer in terms of its rewritten operands. It returns
// whether the result still carries the split layout, in which case
// propagation must continue through consumer's users.
func (v *visitor) propagate(consumer, producer *hlo.Node) bool {
	comp := v.comp
	if isTrivialElementwise(consumer) {
		dimMapVal := v.dimMap[producer.ID()]
		newConsumer := comp.Clone(consumer)
		if consumer.Op().IsElementwiseBinary() {
			for i := 0; i < 2; i++ {
				if consumer.Operand(i).Op() == hlo.OpBroadcast {
					break
				}
				if _, found := v.oldToNew[consumer.Operand(i).ID()]; !found {
					exceptions.Panicf("elementwise operand %s was not rewritten", consumer.Operand(i))
				}
				if i == 1 {
					// Choose the larger shape as the pivot producer.
					if slices.Compare(v.oldToNew[consumer.Operand(0).ID()].Shape().Dimensions,
						v.oldToNew[consumer.Operand(1).ID()].Shape().Dimensions) > 0 {
						producer = consumer.Operand(0)
					} else {
						producer = consumer.Operand(1)
					}
				}
			}
		}

		for i := 0; i < consumer.NumOperands(); i++ {
			if consumer.Operand(i).Op() == hlo.OpBroadcast {
				newProducer := v.oldToNew[producer.ID()]
				permuteDims := v.permuteMap[newProducer.ID()]
				broadcastDims := xslices.Map(consumer.Operand(i).Axes(), func(j int) int {
					return dimLookUp(permuteDims, j)
				})
				newBroadcast := hlo.Broadcast(consumer.Operand(i).Operand(0),
					broadcastDims, newProducer.Shape().Dimensions)
				klog.V(1).Infof("Created broadcast %s", newBroadcast)
				comp.ReplaceOperand(newConsumer, i, newBroadcast)
				continue
			}

			pair := v.dimMap[producer.ID()]
			oldBatchSize := producer.Shape().Dimensions[pair.batch]
			newInstr, found := v.oldToNew[consumer.Operand(i).ID()]
			if !found {
				exceptions.Panicf("elementwise operand %s was not rewritten", consumer.Operand(i))
			}
			pivotNewInstr := v.oldToNew[producer.ID()]

			permuteDims := v.permuteMap[newInstr.ID()]
			batchDim := dimLookUp(permuteDims, pair.batch)
			spaceDim := dimLookUp(permuteDims, pair.space)
			batchSize := newInstr.Shape().Dimensions[batchDim]

			operandToUse := newInstr
			if newInstr.Shape().Dimensions[spaceDim] != pivotNewInstr.Shape().Dimensions[spaceDim] {
				// The batch is always followed by the split space axis, since
				// transposes are never propagated through.
				if batchDim+1 != spaceDim {
					exceptions.Panicf("batch axis %d is not adjacent to space axis %d", batchDim, spaceDim)
				}
				// Fold the splits back into space, pad up to the pivot's
				// extent, and split again.
				newDimensions := xslices.Copy(newInstr.Shape().Dimensions)
				newDimensions[spaceDim] *= batchSize / oldBatchSize
				newDimensions[batchDim] = oldBatchSize
				reshape := hlo.Reshape(newInstr, newDimensions...)

				pivotSpaceSize := pivotNewInstr.Shape().Dimensions[spaceDim] * batchSize / oldBatchSize
				if pivotSpaceSize <= newDimensions[spaceDim] {
					exceptions.Panicf("pivot space %d does not cover operand space %d",
						pivotSpaceSize, newDimensions[spaceDim])
				}
				padLow := make([]int, reshape.Rank())
				padHigh := make([]int, reshape.Rank())
				padHigh[spaceDim] = pivotSpaceSize - newDimensions[spaceDim]
				padding := comp.Zero(reshape.DType())
				padded := hlo.Pad(reshape, padding, padLow, padHigh)
				operandToUse = hlo.Reshape(padded, pivotNewInstr.Shape().Dimensions...)
			}
			comp.ReplaceOperand(newConsumer, i, operandToUse)
		}

		// The element type is retained; everything else follows the pivot.
		newShape := v.oldToNew[producer.ID()].Shape().Clone()
		newShape.DType = newConsumer.DType()
		comp.ChangeShape(newConsumer, newShape)

		v.oldToNew[consumer.ID()] = newConsumer
		v.dimMap[consumer.ID()] = dimMapVal
		v.permuteMap[newConsumer.ID()] = xslices.Copy(v.permuteMap[v.oldToNew[producer.ID()].ID()])
		klog.V(2).Infof("Elementwise propagation of %s -> %s", consumer, newConsumer)
		return true
	}

	if consumer.Op() == hlo.OpConvolution {
		if v.convIsSuitableForSpaceToBatch(consumer) {
			v.propagateOnConv(consumer)
			return true
		}
		v.propagateOnBackpropFilterConv(consumer)
		return false
	}

	if consumer.Op() == hlo.OpReduce {
		firstOperand := v.oldToNew[consumer.Operand(0).ID()]
		dimMapVal := v.dimMap[consumer.Operand(0).ID()]
		permuteDims := v.permuteMap[firstOperand.ID()]
		newBatchDim := dimLookUp(permuteDims, dimMapVal.batch)
		newSpaceDim := dimLookUp(permuteDims, dimMapVal.space)

		firstOperand = v.selectValidPortion(firstOperand, consumer.Operand(0),
			consumer.Operand(1), newBatchDim, newSpaceDim, dimMapVal.batch, dimMapVal.space)

		changedDims := xslices.Map(consumer.Axes(), func(axis int) int {
			return dimLookUp(permuteDims, axis)
		})
		newConsumer := hlo.Reduce(firstOperand, consumer.Operand(1), consumer.Combiner(), changedDims...)

		// The result has the original axis ordering, so no permute map is
		// recorded and no further propagation is needed.
		v.oldToNew[consumer.ID()] = newConsumer
		v.dimMap[consumer.ID()] = dimMapVal
		return false
	}

	if consumer.Op() == hlo.OpReduceWindow || consumer.Op() == hlo.OpSelectAndScatter {
		v.propagateOnWindowedOp(consumer)
		return true
	}

	exceptions.Panicf("trying to propagate through an unsupported instruction %s", consumer)
	return true
}

// propagateOnWindowedOp rewrites a reduce-window or select-and-scatter whose
// operand carries the split layout.
func (v *visitor) propagateOnWindowedOp(consumer *hlo.Node) {
	isSelectAndScatter := consumer.Op() == hlo.OpSelectAndScatter
	firstOperand := v.oldToNew[consumer.Operand(0).ID()]

	initVal := consumer.Operand(1)
	if isSelectAndScatter {
		initVal = consumer.Operand(2)
	}
	dimMapVal := v.dimMap[consumer.Operand(0).ID()]
	oldBatchDim, oldSpaceDim := dimMapVal.batch, dimMapVal.space
	permuteDims := v.permuteMap[firstOperand.ID()]
	newBatchDim := dimLookUp(permuteDims, oldBatchDim)
	newSpaceDim := dimLookUp(permuteDims, oldSpaceDim)

	firstOperand = v.selectValidPortion(firstOperand, consumer.Operand(0), initVal,
		newBatchDim, newSpaceDim, oldBatchDim, oldSpaceDim)

	// Windows that overlap (window size > stride) reach across the split
	// boundary; duplicate the required halo.
	newSpaceSize := firstOperand.Shape().Dimensions[newSpaceDim]
	stride := consumer.Window().Dimensions[oldSpaceDim].Stride
	windowSize := consumer.Window().Dimensions[oldSpaceDim].Size
	lastOverlapPoint := ((newSpaceSize - 1) / stride) * stride
	haloSize := lastOverlapPoint + windowSize - newSpaceSize
	klog.V(1).Infof("last_overlap_point %d window_size %d new_space_size %d",
		lastOverlapPoint, windowSize, newSpaceSize)
	if haloSize > 0 {
		firstOperand = v.haloDuplicateWithSlice(firstOperand, newSpaceDim, newBatchDim,
			0, haloSize, initVal)
	}

	rank := consumer.Operand(0).Rank()
	newWin := &hlo.Window{Dimensions: make([]hlo.WindowDimension, rank)}
	for i := 0; i < rank; i++ {
		d := consumer.Window().Dimensions[dimLookUp(permuteDims, i)]
		wd := hlo.WindowDimension{
			Size:           d.Size,
			Stride:         d.Stride,
			BaseDilation:   d.BaseDilation,
			WindowDilation: d.WindowDilation,
			WindowReversal: d.WindowReversal,
		}
		if i != oldSpaceDim {
			wd.PaddingLow = d.PaddingLow
			wd.PaddingHigh = d.PaddingHigh
		}
		newWin.Dimensions[i] = wd
	}

	var newConsumer *hlo.Node
	if isSelectAndScatter {
		secondOperand := v.oldToNew[consumer.Operand(1).ID()]
		newConsumer = hlo.SelectAndScatter(firstOperand, secondOperand, initVal,
			consumer.SelectDirection(), consumer.Combiner(), newWin)
		klog.V(2).Infof("New select and scatter %s", newConsumer)

		if haloSize > 0 {
			newConsumer = v.reconcileScatterOverlap(newConsumer, initVal,
				newBatchDim, newSpaceDim, newSpaceSize, haloSize)
		}

		// Slice back to the pre-halo extent.
		previousShape := v.oldToNew[consumer.Operand(0).ID()].Shape()
		starts := make([]int, previousShape.Rank())
		newConsumer = hlo.SliceWithStrides(newConsumer, starts,
			xslices.Copy(previousShape.Dimensions), ones(previousShape.Rank()))
	} else {
		newConsumer = hlo.ReduceWindow(firstOperand, initVal, consumer.Combiner(), newWin)
		klog.V(1).Infof("New reduce window %s", newConsumer)
	}

	v.oldToNew[consumer.ID()] = newConsumer
	v.dimMap[consumer.ID()] = dimMapVal
	v.permuteMap[newConsumer.ID()] =
		xslices.Copy(v.permuteMap[v.oldToNew[consumer.Operand(0).ID()].ID()])
}

// reconcileScatterOverlap fixes double-counted scatter updates. The halo
// duplicated the boundary elements, so updates landing there appear twice:
// at the tail ("bottom") of one batch row and at the head ("top") of the
// next. Wherever both copies were touched they are summed; otherwise the
// touched copy wins; the bottom halo region is then reset to the reconciled
// values through a boundary bitmap.
func (v *visitor) reconcileScatterOverlap(scatter, initVal *hlo.Node,
	newBatchDim, newSpaceDim, newSpaceSize, haloSize int) *hlo.Node {
	comp := scatter.Computation()
	rank := scatter.Rank()
	batchSize := scatter.Shape().Dimensions[newBatchDim]

	starts := make([]int, rank)
	limits := xslices.Copy(scatter.Shape().Dimensions)
	starts[newSpaceDim] = newSpaceSize
	limits[newSpaceDim] = newSpaceSize + haloSize
	limits[newBatchDim] = batchSize - 1
	// The updates that landed in the halo padding.
	bottom := hlo.SliceWithStrides(scatter, starts, limits, ones(rank))

	startsTop := make([]int, rank)
	limitsTop := xslices.Copy(scatter.Shape().Dimensions)
	limitsTop[newSpaceDim] = haloSize
	// The first batch row has correct data.
	startsTop[newBatchDim] = 1
	// The original area the halo was extracted from.
	top := hlo.SliceWithStrides(scatter, startsTop, limitsTop, ones(rank))

	defaultFill := hlo.Broadcast(initVal, nil, top.Shape().Dimensions)

	// Figure out which of the two copies were actually updated.
	bottomCompare := hlo.Compare(bottom, defaultFill, hlo.CompareNe)
	bottomTaken := hlo.Select(bottomCompare, bottom, defaultFill)
	topCompare := hlo.Compare(top, defaultFill, hlo.CompareNe)
	topTaken := hlo.Select(topCompare, top, bottomTaken)

	// If both were updated, add them up.
	bothCompare := hlo.And(topCompare, bottomCompare)
	bothAdded := hlo.Add(top, bottom)
	finalSelection := hlo.Select(bothCompare, bothAdded, topTaken)

	padLow := make([]int, rank)
	padHigh := make([]int, rank)
	padLow[newBatchDim] = 1
	padHigh[newSpaceDim] = newSpaceSize
	padding := comp.Zero(finalSelection.DType())
	finalSelection = hlo.Pad(finalSelection, padding, padLow, padHigh)

	bits := make([]bool, batchSize*(newSpaceSize+haloSize))
	for k := range bits {
		spaceIndex := k % (newSpaceSize + haloSize)
		batchIndex := k / (newSpaceSize + haloSize)
		bits[k] = batchIndex < 1 || spaceIndex >= haloSize
	}
	sliceMask := comp.Constant(hlo.NewLiteralBools(bits))
	sliceMask = hlo.Reshape(sliceMask, batchSize, newSpaceSize+haloSize)
	shapeMask := hlo.Broadcast(sliceMask, []int{newBatchDim, newSpaceDim},
		finalSelection.Shape().Dimensions)

	return hlo.Select(shapeMask, scatter, finalSelection)
}

// propagateOnConv space-to-batches a convolution whose activations already
// carry the split layout.
func (v *visitor) propagateOnConv(conv *hlo.Node) {
	comp := v.comp
	activationsOld := conv.Operand(0)
	activationsNew, found := v.oldToNew[activationsOld.ID()]
	if !found {
		exceptions.Panicf("activations of %s were not rewritten", conv)
	}
	permuteDims := v.permuteMap[activationsNew.ID()]

	originalConvDims := *conv.ConvAxes()
	chosen := chosenSpatialDim(conv)
	oldSpaceDim := originalConvDims.InputSpatial[chosen]

	permutedConvDims := originalConvDims.Clone()
	activationsBatchDim := dimLookUp(permuteDims, originalConvDims.InputBatch)
	permutedConvDims.InputBatch = activationsBatchDim
	permutedConvDims.InputChannel = dimLookUp(permuteDims, originalConvDims.InputChannel)
	for i, axis := range originalConvDims.InputSpatial {
		permutedConvDims.InputSpatial[i] = dimLookUp(permuteDims, axis)
	}

	oldBatchDim := originalConvDims.InputBatch
	oldBatchSize := activationsOld.Shape().Dimensions[oldBatchDim]

	c := v.getConvolutionDetails(conv, permutedConvDims)
	klog.V(1).Infof("Propagating on conv %s, batch dim %d split dim %d old batch %d",
		conv, activationsBatchDim, c.spatialDimToSplit, oldBatchSize)

	spatialDimToSplit := c.spatialDimToSplit
	activationsNew = bringSpaceNextToBatch(activationsNew, &permutedConvDims,
		&spatialDimToSplit, &activationsBatchDim)
	c.spatialDimToSplit = spatialDimToSplit

	selectVal := comp.Zero(activationsNew.DType())
	activationsNew = v.selectValidPortion(activationsNew, activationsOld, selectVal,
		activationsBatchDim, c.spatialDimToSplit, oldBatchDim, oldSpaceDim)

	newDimNumbers := permutedConvDims.Clone()

	numSplits := newBatchSize / oldBatchSize
	outputOffsets := conv.Shape().Dimensions[permutedConvDims.OutputSpatial[chosen]]
	outputOffsetsPerSplit := ceilOfRatio(outputOffsets, numSplits)

	spatialSplitSize := ceilOfRatio(outputOffsetsPerSplit, c.baseDilationFactor) * c.stride
	// Unlike for the first space-to-batch'ed convolution, the halo can be
	// counted towards the available spatial size while propagating.
	for spatialSplitSize*numSplits+c.haloSize < c.spatialSize {
		spatialSplitSize += c.stride
	}
	sliceSize := spatialSplitSize + c.haloSize

	newBatchSz := activationsNew.Shape().Dimensions[activationsBatchDim]
	newSpaceSize := activationsNew.Shape().Dimensions[c.spatialDimToSplit]

	haloLowPadding := c.inherentLowPadding
	if c.baseDilationFactor != 1 && c.inherentLowPadding != 0 {
		haloLowPadding = c.baseDilationFactor - 1
	}

	if spatialSplitSize > newSpaceSize {
		// Not enough space per split: fold the splits back together, pad up
		// to the required extent, and split again before halo duplication.
		newDimensions := xslices.Copy(activationsNew.Shape().Dimensions)
		reshapedSpaceSize := newSpaceSize * newBatchSz / oldBatchSize
		newDimensions[c.spatialDimToSplit] = reshapedSpaceSize
		newDimensions[activationsBatchDim] = oldBatchSize
		reshaped := hlo.Reshape(activationsNew, newDimensions...)

		padLow := make([]int, reshaped.Rank())
		padHigh := make([]int, reshaped.Rank())
		padHigh[c.spatialDimToSplit] = spatialSplitSize*newBatchSz - reshapedSpaceSize
		padding := comp.Zero(reshaped.DType())
		reshaped = hlo.Pad(reshaped, padding, padLow, padHigh)

		reshapeBackDims := xslices.Copy(reshaped.Shape().Dimensions)
		reshapeBackDims[c.spatialDimToSplit] = spatialSplitSize
		reshapeBackDims[activationsBatchDim] = newBatchSz
		reshaped = hlo.Reshape(reshaped, reshapeBackDims...)

		activationsNew = v.haloDuplicateWithSlice(reshaped, c.spatialDimToSplit,
			activationsBatchDim, haloLowPadding, sliceSize-spatialSplitSize, nil)
	} else {
		// More space is available than needed; absorb the extra into the
		// slice and shrink the halo accordingly.
		if spatialSplitSize < newSpaceSize {
			additionalSpacePresent := spatialSplitSize % c.stride
			spatialSplitSize = newSpaceSize
			sliceSize = spatialSplitSize +
				max(c.kernelSpatialDimSize-c.stride-additionalSpacePresent, 0)
		}
		activationsNew = v.haloDuplicateWithSlice(activationsNew, c.spatialDimToSplit,
			activationsBatchDim, haloLowPadding, sliceSize-spatialSplitSize, nil)
	}
	klog.V(1).Infof("spatial_split_size %d slice_size %d", spatialSplitSize, sliceSize)

	// Generate output such that the batch is followed by the split spatial
	// dimension.
	rank := conv.Rank()
	transposeDims := make([]int, rank)
	dimCount := 0
	for j := range permutedConvDims.OutputSpatial {
		if j == chosen {
			transposeDims[permutedConvDims.OutputBatch] = dimCount
			newDimNumbers.OutputBatch = dimCount
			dimCount++
		}
		transposeDims[permutedConvDims.OutputSpatial[j]] = dimCount
		newDimNumbers.OutputSpatial[j] = dimCount
		dimCount++
	}
	transposeDims[permutedConvDims.OutputChannel] = dimCount
	newDimNumbers.OutputChannel = dimCount

	newWindow := conv.Window().Clone()
	newWindow.Dimensions[chosen].PaddingHigh = c.highPaddingForConv
	newWindow.Dimensions[chosen].PaddingLow = c.lowPaddingForConv
	newConv := hlo.Convolve(activationsNew, conv.Operand(1), newDimNumbers, newWindow,
		conv.FeatureGroupCount(), conv.BatchGroupCount())
	klog.V(1).Infof("Space-to-batched convolution %s", newConv)

	v.oldToNew[conv.ID()] = newConv
	v.dimMap[conv.ID()] = dimPair{
		batch: originalConvDims.OutputBatch,
		space: originalConvDims.OutputSpatial[chosen],
	}
	v.permuteMap[newConv.ID()] = transposeDims
	v.convsToVisit.Delete(conv.ID())
}
