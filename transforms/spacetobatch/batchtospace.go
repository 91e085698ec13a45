// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package spacetobatch

import (
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gomlx/hlopt/hlo"
	"github.com/gomlx/hlopt/pkg/support/xslices"
)

// batchToSpace converts the rewritten version of old back to old's original
// shape: the extra batch rows are folded back into the space axis, the
// rounding pad is sliced off, and the axes are transposed back to their
// original order. Results are memoized so each instruction is converted at
// most once.
func (v *visitor) batchToSpace(old *hlo.Node) *hlo.Node {
	if cached, found := v.batchToSpaceCache[old.ID()]; found {
		return cached
	}
	pair, found := v.dimMap[old.ID()]
	if !found {
		exceptions.Panicf("batch-to-space requested for %s, which was never rewritten", old)
	}
	batchDim, spaceDim := pair.batch, pair.space
	oldBatchSize := old.Shape().Dimensions[batchDim]

	newInstr := v.oldToNew[old.ID()]
	permuteDims := v.permuteMap[newInstr.ID()]
	batchDimNew := dimLookUp(permuteDims, batchDim)
	spaceDimNew := dimLookUp(permuteDims, spaceDim)
	newBatchSz := newInstr.Shape().Dimensions[batchDimNew]

	// The split batch rows are adjacent to the space axis, so a single
	// reshape de-interleaves them back into space.
	newDimensions := xslices.Copy(newInstr.Shape().Dimensions)
	newDimensions[spaceDimNew] *= newBatchSz / oldBatchSize
	newDimensions[batchDimNew] = oldBatchSize
	reshape := hlo.Reshape(newInstr, newDimensions...)

	rank := old.Rank()
	starts := make([]int, rank)
	limits := xslices.Copy(newDimensions)
	limits[spaceDimNew] = old.Shape().Dimensions[spaceDim]
	outputSlice := hlo.SliceWithStrides(reshape, starts, limits, ones(rank))

	outputTranspose := hlo.Transpose(outputSlice, permuteDims...)
	klog.V(1).Infof("batch-to-space of %s -> %s", old, outputTranspose)
	v.batchToSpaceCache[old.ID()] = outputTranspose
	return outputTranspose
}
