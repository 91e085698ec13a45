// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package spacetobatch

import (
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gomlx/hlopt/hlo"
	"github.com/gomlx/hlopt/pkg/support/xslices"
)

// haloDuplicateWithSlice widens each batch row of a split activation along
// spatialDim by copying border elements from the neighboring rows:
// lowPadding elements from the tail of the previous row in front, and
// haloSize-lowPadding elements from the head of the next row behind. Rows
// with no neighbor on one side (the first and the last batch row) get
// padValue there instead; padValue defaults to zero.
//
// A negative lowPadding shifts rows left instead, borrowing from the next
// row. In every case |haloSize-lowPadding| must not exceed the split size.
func (v *visitor) haloDuplicateWithSlice(activations *hlo.Node,
	spatialDim, batchDim, lowPadding, haloSize int, padValue *hlo.Node) *hlo.Node {
	rank := activations.Rank()
	spatialSplitSize := activations.Shape().Dimensions[spatialDim]
	batchSize := activations.Shape().Dimensions[batchDim]

	shift := haloSize - lowPadding
	if shift < 0 {
		shift = -shift
	}
	if shift > spatialSplitSize {
		exceptions.Panicf("halo size %d and low padding %d reach beyond the neighboring split of size %d",
			haloSize, lowPadding, spatialSplitSize)
	}

	if padValue == nil {
		padValue = activations.Computation().Zero(activations.DType())
	}

	var firstSlice *hlo.Node
	if lowPadding > 0 {
		starts := make([]int, rank)
		limits := xslices.Copy(activations.Shape().Dimensions)
		starts[spatialDim] = spatialSplitSize - lowPadding
		limits[batchDim] = batchSize - 1
		firstSlice = hlo.SliceWithStrides(activations, starts, limits, ones(rank))
		klog.V(1).Infof("first slice %s", firstSlice.Shape())

		// The first batch row has no predecessor; give it padValue.
		padLow := make([]int, rank)
		padHigh := make([]int, rank)
		padLow[batchDim] = 1
		firstSlice = hlo.Pad(firstSlice, padValue, padLow, padHigh)
	}

	var haloRegion *hlo.Node
	if haloSize-lowPadding > 0 {
		starts := make([]int, rank)
		limits := xslices.Copy(activations.Shape().Dimensions)
		starts[batchDim] = 1
		limits[spatialDim] = haloSize - lowPadding
		haloRegion = hlo.SliceWithStrides(activations, starts, limits, ones(rank))
		klog.V(1).Infof("halo region %s", haloRegion.Shape())

		// The last batch row has no successor; give it padValue.
		padLow := make([]int, rank)
		padHigh := make([]int, rank)
		padHigh[batchDim] = 1
		haloRegion = hlo.Pad(haloRegion, padValue, padLow, padHigh)
	}

	if haloSize == 0 && lowPadding != 0 {
		starts := make([]int, rank)
		limits := xslices.Copy(activations.Shape().Dimensions)
		if lowPadding > 0 {
			limits[spatialDim] = spatialSplitSize - lowPadding
		} else {
			starts[spatialDim] = -lowPadding
		}
		activations = hlo.SliceWithStrides(activations, starts, limits, ones(rank))
	}

	if firstSlice != nil {
		activations = hlo.Concatenate(spatialDim, firstSlice, activations)
	}
	if haloRegion != nil {
		activations = hlo.Concatenate(spatialDim, activations, haloRegion)
	}
	return activations
}

func ones(n int) []int {
	strides := make([]int, n)
	for i := range strides {
		strides[i] = 1
	}
	return strides
}
