// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package spacetobatch

import (
	"github.com/gomlx/exceptions"

	"github.com/gomlx/hlopt/hlo"
)

// selectValidPortion replaces the elements of newInstr that fall in the
// padded tail of the split space axis with fillValue. Flattened, batch row b
// covers space positions [b*newSpace, (b+1)*newSpace) of the original axis;
// anything at or past the original extent is padding introduced by the split
// rounding up, and must not leak into reductions or halos.
func (v *visitor) selectValidPortion(newInstr, oldInstr, fillValue *hlo.Node,
	newBatchDim, newSpaceDim, oldBatchDim, oldSpaceDim int) *hlo.Node {
	comp := newInstr.Computation()
	newDims := newInstr.Shape().Dimensions
	newBatchSz := newDims[newBatchDim]
	newSpaceSz := newDims[newSpaceDim]
	oldBatchSz := oldInstr.Shape().Dimensions[oldBatchDim]
	oldSpaceSz := oldInstr.Shape().Dimensions[oldSpaceDim]
	if newBatchSz%oldBatchSz != 0 {
		exceptions.Panicf("split batch %d is not a multiple of the original batch %d", newBatchSz, oldBatchSz)
	}
	numSplits := newBatchSz / oldBatchSz

	bits := make([]bool, newBatchSz*newSpaceSz)
	for k := range bits {
		spaceIndex := k % newSpaceSz
		batchIndex := (k / newSpaceSz) % numSplits
		bits[k] = batchIndex*newSpaceSz+spaceIndex < oldSpaceSz
	}
	mask := comp.Constant(hlo.NewLiteralBools(bits))
	mask = hlo.Reshape(mask, newBatchSz, newSpaceSz)
	shapeMask := hlo.Broadcast(mask, []int{newBatchDim, newSpaceDim}, newDims)

	fill := hlo.Broadcast(fillValue, nil, newDims)
	return hlo.Select(shapeMask, newInstr, fill)
}
