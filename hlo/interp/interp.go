// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package interp is a reference evaluator for hlo computations.
//
// It executes a computation node-by-node over plain Go buffers, holding every
// numeric dtype as float64 and PRED as bool. It trades all performance for
// obviousness, and exists so graph transformations can be checked for
// numerical equivalence in tests without bringing up a real backend.
package interp

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/hlopt/hlo"
	"github.com/gomlx/hlopt/types/shapes"
)

// Buffer is a materialized value: a shape plus its elements in row-major
// order. Numeric dtypes use Floats, PRED uses Bools.
type Buffer struct {
	Shape  shapes.Shape
	Floats []float64
	Bools  []bool
}

// NewBuffer creates a zero-filled buffer of the given shape.
func NewBuffer(shape shapes.Shape) *Buffer {
	b := &Buffer{Shape: shape.Clone()}
	if shape.DType == dtypes.Bool {
		b.Bools = make([]bool, shape.Size())
	} else {
		b.Floats = make([]float64, shape.Size())
	}
	return b
}

// NewBufferFromFloats creates a buffer of the given shape with the given
// row-major values. The number of values must match the shape's size.
func NewBufferFromFloats(shape shapes.Shape, values []float64) *Buffer {
	if len(values) != shape.Size() {
		exceptions.Panicf("NewBufferFromFloats: %d values for shape %s (size %d)", len(values), shape, shape.Size())
	}
	return &Buffer{Shape: shape.Clone(), Floats: append([]float64(nil), values...)}
}

// IsBool returns whether the buffer holds PRED values.
func (b *Buffer) IsBool() bool { return b.Shape.DType == dtypes.Bool }

// rowMajorStrides returns the row-major strides of the shape.
func rowMajorStrides(shape shapes.Shape) []int {
	rank := shape.Rank()
	strides := make([]int, rank)
	stride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= shape.Dimensions[axis]
	}
	return strides
}

// indexToMulti converts a flat row-major index into a multi-index.
func indexToMulti(shape shapes.Shape, flat int, multi []int) {
	for axis := shape.Rank() - 1; axis >= 0; axis-- {
		dim := shape.Dimensions[axis]
		multi[axis] = flat % dim
		flat /= dim
	}
}

// multiToIndex converts a multi-index into a flat row-major index.
func multiToIndex(strides, multi []int) int {
	flat := 0
	for axis, idx := range multi {
		flat += idx * strides[axis]
	}
	return flat
}

// Evaluate runs the computation and returns the value of its root node.
// feeds maps parameter names to their values.
func Evaluate(comp *hlo.Computation, feeds map[string]*Buffer) *Buffer {
	root := comp.Root()
	if root == nil {
		exceptions.Panicf("Evaluate: computation %q has no root", comp.Name())
	}
	return EvaluateNode(root, feeds)
}

// EvaluateNode evaluates one node (and, transitively, everything it depends
// on) and returns its value.
func EvaluateNode(node *hlo.Node, feeds map[string]*Buffer) *Buffer {
	e := &evaluator{feeds: feeds, values: make(map[hlo.NodeID]*Buffer)}
	return e.eval(node)
}

type evaluator struct {
	feeds  map[string]*Buffer
	values map[hlo.NodeID]*Buffer
}

func (e *evaluator) eval(n *hlo.Node) *Buffer {
	if b, found := e.values[n.ID()]; found {
		return b
	}
	b := e.evalNode(n)
	if !b.Shape.Equal(n.Shape()) {
		exceptions.Panicf("evaluating %s produced shape %s, graph says %s", n, b.Shape, n.Shape())
	}
	e.values[n.ID()] = b
	return b
}

func (e *evaluator) evalNode(n *hlo.Node) *Buffer {
	switch n.Op() {
	case hlo.OpParameter:
		fed, found := e.feeds[n.ParameterName()]
		if !found {
			exceptions.Panicf("no value fed for parameter %q", n.ParameterName())
		}
		if !fed.Shape.Equal(n.Shape()) {
			exceptions.Panicf("parameter %q fed with shape %s, want %s", n.ParameterName(), fed.Shape, n.Shape())
		}
		return fed
	case hlo.OpConstant:
		lit := n.Literal()
		b := &Buffer{Shape: lit.Shape.Clone()}
		if lit.IsBool() {
			b.Bools = append([]bool(nil), lit.Bools...)
		} else {
			b.Floats = append([]float64(nil), lit.Floats...)
		}
		return b
	case hlo.OpNegate, hlo.OpAbs, hlo.OpExp:
		return e.evalUnary(n)
	case hlo.OpAdd, hlo.OpSubtract, hlo.OpMultiply, hlo.OpDivide, hlo.OpMaximum, hlo.OpMinimum:
		return e.evalNumericBinary(n)
	case hlo.OpAnd, hlo.OpOr:
		return e.evalBoolBinary(n)
	case hlo.OpCompare:
		return e.evalCompare(n)
	case hlo.OpSelect:
		return e.evalSelect(n)
	case hlo.OpBroadcast:
		return e.evalBroadcast(n)
	case hlo.OpReshape:
		return e.evalReshape(n)
	case hlo.OpTranspose:
		return e.evalTranspose(n)
	case hlo.OpPad:
		return e.evalPad(n)
	case hlo.OpSlice:
		return e.evalSlice(n)
	case hlo.OpConcatenate:
		return e.evalConcatenate(n)
	case hlo.OpConvolution:
		return e.evalConvolution(n)
	case hlo.OpReduce:
		return e.evalReduce(n)
	case hlo.OpReduceWindow:
		return e.evalReduceWindow(n)
	case hlo.OpSelectAndScatter:
		return e.evalSelectAndScatter(n)
	}
	exceptions.Panicf("evaluator does not implement %s", n.Op())
	return nil
}

func (e *evaluator) evalUnary(n *hlo.Node) *Buffer {
	x := e.eval(n.Operand(0))
	out := NewBuffer(n.Shape())
	for i, v := range x.Floats {
		switch n.Op() {
		case hlo.OpNegate:
			out.Floats[i] = -v
		case hlo.OpAbs:
			out.Floats[i] = math.Abs(v)
		case hlo.OpExp:
			out.Floats[i] = math.Exp(v)
		}
	}
	return out
}

func (e *evaluator) evalNumericBinary(n *hlo.Node) *Buffer {
	x := e.eval(n.Operand(0))
	y := e.eval(n.Operand(1))
	out := NewBuffer(n.Shape())
	for i := range out.Floats {
		out.Floats[i] = combineFloats(n.Op(), x.Floats[i], y.Floats[i])
	}
	return out
}

func combineFloats(op hlo.OpType, a, b float64) float64 {
	switch op {
	case hlo.OpAdd:
		return a + b
	case hlo.OpSubtract:
		return a - b
	case hlo.OpMultiply:
		return a * b
	case hlo.OpDivide:
		return a / b
	case hlo.OpMaximum:
		return math.Max(a, b)
	case hlo.OpMinimum:
		return math.Min(a, b)
	}
	exceptions.Panicf("combineFloats: %s is not a numeric binary op", op)
	return 0
}

func (e *evaluator) evalBoolBinary(n *hlo.Node) *Buffer {
	x := e.eval(n.Operand(0))
	y := e.eval(n.Operand(1))
	out := NewBuffer(n.Shape())
	for i := range out.Bools {
		if n.Op() == hlo.OpAnd {
			out.Bools[i] = x.Bools[i] && y.Bools[i]
		} else {
			out.Bools[i] = x.Bools[i] || y.Bools[i]
		}
	}
	return out
}

func compareValues(direction hlo.CompareDirection, a, b float64) bool {
	switch direction {
	case hlo.CompareEq:
		return a == b
	case hlo.CompareNe:
		return a != b
	case hlo.CompareGe:
		return a >= b
	case hlo.CompareGt:
		return a > b
	case hlo.CompareLe:
		return a <= b
	case hlo.CompareLt:
		return a < b
	}
	return false
}

func (e *evaluator) evalCompare(n *hlo.Node) *Buffer {
	x := e.eval(n.Operand(0))
	y := e.eval(n.Operand(1))
	out := NewBuffer(n.Shape())
	for i := range out.Bools {
		out.Bools[i] = compareValues(n.Comparison(), x.Floats[i], y.Floats[i])
	}
	return out
}

func (e *evaluator) evalSelect(n *hlo.Node) *Buffer {
	pred := e.eval(n.Operand(0))
	onTrue := e.eval(n.Operand(1))
	onFalse := e.eval(n.Operand(2))
	out := NewBuffer(n.Shape())
	if out.IsBool() {
		for i, p := range pred.Bools {
			if p {
				out.Bools[i] = onTrue.Bools[i]
			} else {
				out.Bools[i] = onFalse.Bools[i]
			}
		}
		return out
	}
	for i, p := range pred.Bools {
		if p {
			out.Floats[i] = onTrue.Floats[i]
		} else {
			out.Floats[i] = onFalse.Floats[i]
		}
	}
	return out
}

func (e *evaluator) evalBroadcast(n *hlo.Node) *Buffer {
	x := e.eval(n.Operand(0))
	out := NewBuffer(n.Shape())
	broadcastAxes := n.Axes()
	inStrides := rowMajorStrides(x.Shape)
	outMulti := make([]int, n.Rank())
	inMulti := make([]int, x.Shape.Rank())
	for flat := 0; flat < n.Shape().Size(); flat++ {
		indexToMulti(n.Shape(), flat, outMulti)
		for i, axis := range broadcastAxes {
			inMulti[i] = outMulti[axis]
		}
		inFlat := multiToIndex(inStrides, inMulti)
		if out.IsBool() {
			out.Bools[flat] = x.Bools[inFlat]
		} else {
			out.Floats[flat] = x.Floats[inFlat]
		}
	}
	return out
}

func (e *evaluator) evalReshape(n *hlo.Node) *Buffer {
	x := e.eval(n.Operand(0))
	out := &Buffer{Shape: n.Shape().Clone()}
	if x.IsBool() {
		out.Bools = append([]bool(nil), x.Bools...)
	} else {
		out.Floats = append([]float64(nil), x.Floats...)
	}
	return out
}

func (e *evaluator) evalTranspose(n *hlo.Node) *Buffer {
	x := e.eval(n.Operand(0))
	out := NewBuffer(n.Shape())
	permutation := n.Axes()
	inStrides := rowMajorStrides(x.Shape)
	inMulti := make([]int, n.Rank())
	flat := 0
	for outMulti := range n.Shape().Iter() {
		for i, axis := range permutation {
			inMulti[axis] = outMulti[i]
		}
		inFlat := multiToIndex(inStrides, inMulti)
		if out.IsBool() {
			out.Bools[flat] = x.Bools[inFlat]
		} else {
			out.Floats[flat] = x.Floats[inFlat]
		}
		flat++
	}
	return out
}

func (e *evaluator) evalPad(n *hlo.Node) *Buffer {
	x := e.eval(n.Operand(0))
	padValue := e.eval(n.Operand(1))
	out := NewBuffer(n.Shape())
	padLow := n.PadLow()
	inStrides := rowMajorStrides(x.Shape)
	outMulti := make([]int, n.Rank())
	inMulti := make([]int, n.Rank())
	for flat := 0; flat < n.Shape().Size(); flat++ {
		indexToMulti(n.Shape(), flat, outMulti)
		inside := true
		for axis := range outMulti {
			inMulti[axis] = outMulti[axis] - padLow[axis]
			if inMulti[axis] < 0 || inMulti[axis] >= x.Shape.Dimensions[axis] {
				inside = false
				break
			}
		}
		if out.IsBool() {
			if inside {
				out.Bools[flat] = x.Bools[multiToIndex(inStrides, inMulti)]
			} else {
				out.Bools[flat] = padValue.Bools[0]
			}
		} else {
			if inside {
				out.Floats[flat] = x.Floats[multiToIndex(inStrides, inMulti)]
			} else {
				out.Floats[flat] = padValue.Floats[0]
			}
		}
	}
	return out
}

func (e *evaluator) evalSlice(n *hlo.Node) *Buffer {
	x := e.eval(n.Operand(0))
	out := NewBuffer(n.Shape())
	starts, strides := n.SliceStarts(), n.SliceStrides()
	inStrides := rowMajorStrides(x.Shape)
	inMulti := make([]int, n.Rank())
	flat := 0
	for outMulti := range n.Shape().Iter() {
		for axis := range outMulti {
			inMulti[axis] = starts[axis] + outMulti[axis]*strides[axis]
		}
		inFlat := multiToIndex(inStrides, inMulti)
		if out.IsBool() {
			out.Bools[flat] = x.Bools[inFlat]
		} else {
			out.Floats[flat] = x.Floats[inFlat]
		}
		flat++
	}
	return out
}

func (e *evaluator) evalConcatenate(n *hlo.Node) *Buffer {
	out := NewBuffer(n.Shape())
	axis := n.ConcatAxis()
	outStrides := rowMajorStrides(n.Shape())
	offset := 0
	multi := make([]int, n.Rank())
	for _, operand := range n.Operands() {
		x := e.eval(operand)
		for flat := 0; flat < x.Shape.Size(); flat++ {
			indexToMulti(x.Shape, flat, multi)
			multi[axis] += offset
			outFlat := multiToIndex(outStrides, multi)
			multi[axis] -= offset
			if out.IsBool() {
				out.Bools[outFlat] = x.Bools[flat]
			} else {
				out.Floats[outFlat] = x.Floats[flat]
			}
		}
		offset += x.Shape.Dimensions[axis]
	}
	return out
}

func (e *evaluator) evalConvolution(n *hlo.Node) *Buffer {
	if n.BatchGroupCount() != 1 {
		exceptions.Panicf("evaluator does not support batch_group_count=%d", n.BatchGroupCount())
	}
	input := e.eval(n.Operand(0))
	kernel := e.eval(n.Operand(1))
	out := NewBuffer(n.Shape())
	axes := n.ConvAxes()
	window := n.Window()
	numSpatial := len(axes.InputSpatial)

	inStrides := rowMajorStrides(input.Shape)
	kernelStrides := rowMajorStrides(kernel.Shape)
	kernelInChannels := kernel.Shape.Dimensions[axes.KernelInputChannel]
	outputChannels := kernel.Shape.Dimensions[axes.KernelOutputChannel]
	channelsPerGroup := outputChannels / n.FeatureGroupCount()

	outMulti := make([]int, n.Rank())
	inMulti := make([]int, input.Shape.Rank())
	kernelMulti := make([]int, kernel.Shape.Rank())
	kernelSpatial := make([]int, numSpatial)

	for flat := 0; flat < n.Shape().Size(); flat++ {
		indexToMulti(n.Shape(), flat, outMulti)
		batch := outMulti[axes.OutputBatch]
		outChannel := outMulti[axes.OutputChannel]
		group := outChannel / channelsPerGroup

		var acc float64
		for i := range kernelSpatial {
			kernelSpatial[i] = 0
		}
		for {
			// Compute the input spatial position for this kernel position;
			// skip positions that land in padding or base-dilation holes.
			valid := true
			for a := 0; a < numSpatial; a++ {
				d := window.Dimensions[a]
				k := kernelSpatial[a]
				if d.WindowReversal {
					k = d.Size - 1 - k
				}
				pos := outMulti[axes.OutputSpatial[a]]*d.Stride + k*d.WindowDilation - d.PaddingLow
				if pos < 0 || pos%d.BaseDilation != 0 {
					valid = false
					break
				}
				pos /= d.BaseDilation
				if pos >= input.Shape.Dimensions[axes.InputSpatial[a]] {
					valid = false
					break
				}
				inMulti[axes.InputSpatial[a]] = pos
			}
			if valid {
				inMulti[axes.InputBatch] = batch
				for ic := 0; ic < kernelInChannels; ic++ {
					inMulti[axes.InputChannel] = group*kernelInChannels + ic
					kernelMulti[axes.KernelInputChannel] = ic
					kernelMulti[axes.KernelOutputChannel] = outChannel
					for a := 0; a < numSpatial; a++ {
						kernelMulti[axes.KernelSpatial[a]] = kernelSpatial[a]
					}
					acc += input.Floats[multiToIndex(inStrides, inMulti)] *
						kernel.Floats[multiToIndex(kernelStrides, kernelMulti)]
				}
			}
			// Advance the kernel spatial counter.
			a := numSpatial - 1
			for ; a >= 0; a-- {
				kernelSpatial[a]++
				if kernelSpatial[a] < window.Dimensions[a].Size {
					break
				}
				kernelSpatial[a] = 0
			}
			if a < 0 {
				break
			}
		}
		out.Floats[flat] = acc
	}
	return out
}

func applyCombiner(combiner hlo.Combiner, a, b float64) float64 {
	switch combiner {
	case hlo.CombinerAdd:
		return a + b
	case hlo.CombinerMax:
		return math.Max(a, b)
	case hlo.CombinerMin:
		return math.Min(a, b)
	}
	exceptions.Panicf("unknown combiner %s", combiner)
	return 0
}

func (e *evaluator) evalReduce(n *hlo.Node) *Buffer {
	x := e.eval(n.Operand(0))
	init := e.eval(n.Operand(1))
	out := NewBuffer(n.Shape())
	for i := range out.Floats {
		out.Floats[i] = init.Floats[0]
	}
	reduced := make([]bool, x.Shape.Rank())
	for _, axis := range n.Axes() {
		reduced[axis] = true
	}
	outStrides := rowMajorStrides(n.Shape())
	inMulti := make([]int, x.Shape.Rank())
	outMulti := make([]int, 0, n.Rank())
	for flat := 0; flat < x.Shape.Size(); flat++ {
		indexToMulti(x.Shape, flat, inMulti)
		outMulti = outMulti[:0]
		for axis, idx := range inMulti {
			if !reduced[axis] {
				outMulti = append(outMulti, idx)
			}
		}
		outFlat := multiToIndex(outStrides, outMulti)
		out.Floats[outFlat] = applyCombiner(n.Combiner(), out.Floats[outFlat], x.Floats[flat])
	}
	return out
}

func (e *evaluator) evalReduceWindow(n *hlo.Node) *Buffer {
	x := e.eval(n.Operand(0))
	init := e.eval(n.Operand(1))
	out := NewBuffer(n.Shape())
	window := n.Window()
	rank := x.Shape.Rank()
	inStrides := rowMajorStrides(x.Shape)
	outMulti := make([]int, rank)
	winMulti := make([]int, rank)
	inMulti := make([]int, rank)

	for flat := 0; flat < n.Shape().Size(); flat++ {
		indexToMulti(n.Shape(), flat, outMulti)
		acc := init.Floats[0]
		for i := range winMulti {
			winMulti[i] = 0
		}
		for {
			valid := true
			for axis := 0; axis < rank; axis++ {
				d := window.Dimensions[axis]
				pos := outMulti[axis]*d.Stride + winMulti[axis]*d.WindowDilation - d.PaddingLow
				if pos < 0 || pos%d.BaseDilation != 0 {
					valid = false
					break
				}
				pos /= d.BaseDilation
				if pos >= x.Shape.Dimensions[axis] {
					valid = false
					break
				}
				inMulti[axis] = pos
			}
			if valid {
				acc = applyCombiner(n.Combiner(), acc, x.Floats[multiToIndex(inStrides, inMulti)])
			}
			axis := rank - 1
			for ; axis >= 0; axis-- {
				winMulti[axis]++
				if winMulti[axis] < window.Dimensions[axis].Size {
					break
				}
				winMulti[axis] = 0
			}
			if axis < 0 {
				break
			}
		}
		out.Floats[flat] = acc
	}
	return out
}

func (e *evaluator) evalSelectAndScatter(n *hlo.Node) *Buffer {
	operand := e.eval(n.Operand(0))
	source := e.eval(n.Operand(1))
	init := e.eval(n.Operand(2))
	out := NewBuffer(n.Shape())
	for i := range out.Floats {
		out.Floats[i] = init.Floats[0]
	}
	window := n.Window()
	rank := operand.Shape.Rank()
	operandStrides := rowMajorStrides(operand.Shape)
	srcMulti := make([]int, rank)
	winMulti := make([]int, rank)
	inMulti := make([]int, rank)

	for srcFlat := 0; srcFlat < source.Shape.Size(); srcFlat++ {
		indexToMulti(source.Shape, srcFlat, srcMulti)
		selected := -1
		var selectedValue float64
		for i := range winMulti {
			winMulti[i] = 0
		}
		for {
			valid := true
			for axis := 0; axis < rank; axis++ {
				d := window.Dimensions[axis]
				pos := srcMulti[axis]*d.Stride + winMulti[axis] - d.PaddingLow
				if pos < 0 || pos >= operand.Shape.Dimensions[axis] {
					valid = false
					break
				}
				inMulti[axis] = pos
			}
			if valid {
				flat := multiToIndex(operandStrides, inMulti)
				value := operand.Floats[flat]
				// The select comparison keeps the incumbent while it wins.
				if selected < 0 || !compareValues(n.SelectDirection(), selectedValue, value) {
					selected = flat
					selectedValue = value
				}
			}
			axis := rank - 1
			for ; axis >= 0; axis-- {
				winMulti[axis]++
				if winMulti[axis] < window.Dimensions[axis].Size {
					break
				}
				winMulti[axis] = 0
			}
			if axis < 0 {
				break
			}
		}
		if selected >= 0 {
			out.Floats[selected] = applyCombiner(n.Combiner(), out.Floats[selected], source.Floats[srcFlat])
		}
	}
	return out
}
