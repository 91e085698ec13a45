// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import "iter"

// Iter yields every index of the shape in row-major order, the last axis
// varying fastest. The yielded slice is reused between iterations: clone it
// if it must outlive the loop body. A scalar shape yields one empty index;
// an invalid shape yields nothing.
func (s Shape) Iter() iter.Seq[[]int] {
	return func(yield func([]int) bool) {
		if !s.Ok() {
			return
		}
		for _, dim := range s.Dimensions {
			if dim <= 0 {
				return
			}
		}
		indices := make([]int, s.Rank())
		for {
			if !yield(indices) {
				return
			}
			// Row-major counter with carry.
			axis := s.Rank() - 1
			for ; axis >= 0; axis-- {
				indices[axis]++
				if indices[axis] < s.Dimensions[axis] {
					break
				}
				indices[axis] = 0
			}
			if axis < 0 {
				return
			}
		}
	}
}
