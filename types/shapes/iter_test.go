// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"slices"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func collectIndices(s Shape) [][]int {
	var collect [][]int
	for indices := range s.Iter() {
		collect = append(collect, slices.Clone(indices))
	}
	return collect
}

func TestShapeIter(t *testing.T) {
	// Row-major order, last axis fastest.
	require.Equal(t, [][]int{
		{0, 0}, {0, 1},
		{1, 0}, {1, 1},
		{2, 0}, {2, 1},
	}, collectIndices(Make(dtypes.Float64, 3, 2)))

	// Size-1 axes stay pinned at zero.
	require.Equal(t, [][]int{
		{0, 0, 0, 0},
		{0, 0, 1, 0},
		{1, 0, 0, 0},
		{1, 0, 1, 0},
	}, collectIndices(Make(dtypes.Float32, 2, 1, 2, 1)))

	// A scalar yields a single empty index; an invalid shape yields nothing.
	require.Equal(t, [][]int{{}}, collectIndices(Make(dtypes.Float32)))
	require.Nil(t, collectIndices(Shape{}))

	// Early exit from the loop stops the iteration.
	count := 0
	for range Make(dtypes.Float32, 4, 4).Iter() {
		count++
		if count == 3 {
			break
		}
	}
	require.Equal(t, 3, count)
}
