// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAtAndLast(t *testing.T) {
	s := []int{10, 20, 30}
	assert.Equal(t, 10, At(s, 0))
	assert.Equal(t, 30, At(s, -1))
	assert.Equal(t, 20, At(s, -2))
	assert.Equal(t, 30, Last(s))
}

func TestCopy(t *testing.T) {
	s := []int{1, 2, 3}
	s2 := Copy(s)
	assert.Equal(t, s, s2)
	s2[0] = 7
	assert.Equal(t, 1, s[0])
	assert.Nil(t, Copy([]int(nil)))
}

func TestSliceWithValueAndIota(t *testing.T) {
	assert.Equal(t, []int{5, 5, 5}, SliceWithValue(3, 5))
	assert.Equal(t, []int{2, 3, 4, 5}, Iota(2, 4))
	assert.Equal(t, []float64{0, 1, 2}, Iota(0.0, 3))
}

func TestMap(t *testing.T) {
	got := Map([]int{1, 2, 3}, func(e int) int { return e * e })
	assert.Equal(t, []int{1, 4, 9}, got)
	gotStr := Map([]int{1, 2}, func(e int) bool { return e%2 == 0 })
	assert.Equal(t, []bool{false, true}, gotStr)
}
