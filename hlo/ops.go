// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/hlopt/hlo/shapeinference"
	"github.com/gomlx/hlopt/types/shapes"
)

// This file holds the op builders. Every builder computes all attributes --
// including the inferred output shape -- before registering the node, so no
// partially-built node is ever visible. Shape-inference failures panic; see
// the package documentation for the error model.

// infer escalates a shape-inference error to a panic.
func infer(shape shapes.Shape, err error) shapes.Shape {
	if err != nil {
		panic(err)
	}
	return shape
}

func sameComputation(nodes ...*Node) *Computation {
	comp := nodes[0].comp
	for _, n := range nodes[1:] {
		if n.comp != comp {
			exceptions.Panicf("op combines nodes from different computations (%q and %q)", comp.name, n.comp.name)
		}
	}
	return comp
}

// Parameter creates a named input to the computation.
func (c *Computation) Parameter(name string, shape shapes.Shape) *Node {
	if _, found := c.parameterByName[name]; found {
		exceptions.Panicf("Computation %q already has a parameter named %q", c.name, name)
	}
	n := c.newNode(&Node{op: OpParameter, shape: shape.Clone(), parameterName: name})
	c.parameters = append(c.parameters, n.id)
	c.parameterByName[name] = n.id
	return n
}

// Constant creates a node holding the given literal value.
func (c *Computation) Constant(literal *Literal) *Node {
	return c.newNode(&Node{op: OpConstant, shape: literal.Shape.Clone(), literal: literal})
}

// ConstantScalar creates a scalar constant of the given numeric dtype.
func (c *Computation) ConstantScalar(dtype dtypes.DType, value float64) *Node {
	return c.Constant(NewLiteralScalar(dtype, value))
}

// Zero creates a scalar constant with the zero value of the given dtype.
func (c *Computation) Zero(dtype dtypes.DType) *Node {
	return c.Constant(ZeroLiteral(dtype))
}

func unaryOp(op OpType, x *Node) *Node {
	return x.comp.newNode(&Node{op: op, shape: x.shape.Clone(), operands: []NodeID{x.id}})
}

// Negate returns the elementwise negation of x.
func Negate(x *Node) *Node { return unaryOp(OpNegate, x) }

// Abs returns the elementwise absolute value of x.
func Abs(x *Node) *Node { return unaryOp(OpAbs, x) }

// Exp returns the elementwise exponential of x.
func Exp(x *Node) *Node { return unaryOp(OpExp, x) }

func binaryOp(op OpType, x, y *Node) *Node {
	c := sameComputation(x, y)
	isBoolean := op == OpAnd || op == OpOr
	shape := infer(shapeinference.BinaryOp(x.shape, y.shape, isBoolean))
	return c.newNode(&Node{op: op, shape: shape, operands: []NodeID{x.id, y.id}})
}

// Add returns the elementwise sum x+y. Shapes must match exactly.
func Add(x, y *Node) *Node { return binaryOp(OpAdd, x, y) }

// Subtract returns the elementwise difference x-y.
func Subtract(x, y *Node) *Node { return binaryOp(OpSubtract, x, y) }

// Multiply returns the elementwise product x*y.
func Multiply(x, y *Node) *Node { return binaryOp(OpMultiply, x, y) }

// Divide returns the elementwise division x/y.
func Divide(x, y *Node) *Node { return binaryOp(OpDivide, x, y) }

// Maximum returns the elementwise maximum of x and y.
func Maximum(x, y *Node) *Node { return binaryOp(OpMaximum, x, y) }

// Minimum returns the elementwise minimum of x and y.
func Minimum(x, y *Node) *Node { return binaryOp(OpMinimum, x, y) }

// And returns the elementwise logical-and of the PRED values x and y.
func And(x, y *Node) *Node { return binaryOp(OpAnd, x, y) }

// Or returns the elementwise logical-or of the PRED values x and y.
func Or(x, y *Node) *Node { return binaryOp(OpOr, x, y) }

// Compare returns the elementwise PRED comparison of x and y in the given
// direction.
func Compare(x, y *Node, direction CompareDirection) *Node {
	c := sameComputation(x, y)
	shape := infer(shapeinference.CompareOp(x.shape, y.shape))
	return c.newNode(&Node{op: OpCompare, shape: shape, operands: []NodeID{x.id, y.id}, comparison: direction})
}

// Select returns onTrue where pred holds and onFalse elsewhere.
func Select(pred, onTrue, onFalse *Node) *Node {
	c := sameComputation(pred, onTrue, onFalse)
	shape := infer(shapeinference.SelectOp(pred.shape, onTrue.shape, onFalse.shape))
	return c.newNode(&Node{op: OpSelect, shape: shape, operands: []NodeID{pred.id, onTrue.id, onFalse.id}})
}

// Broadcast expands x into outputDimensions, with broadcastAxes[i] giving the
// output axis that x's axis i maps to. A scalar x with empty broadcastAxes
// fills the whole output.
func Broadcast(x *Node, broadcastAxes, outputDimensions []int) *Node {
	shape := infer(shapeinference.BroadcastInDimOp(x.shape, broadcastAxes, outputDimensions))
	return x.comp.newNode(&Node{op: OpBroadcast, shape: shape, operands: []NodeID{x.id},
		axes: slices.Clone(broadcastAxes)})
}

// Reshape reinterprets x with the given dimensions; the total size must not
// change.
func Reshape(x *Node, dimensions ...int) *Node {
	shape := infer(shapeinference.ReshapeOp(x.shape, dimensions))
	return x.comp.newNode(&Node{op: OpReshape, shape: shape, operands: []NodeID{x.id}})
}

// Transpose permutes the axes of x: output axis i takes x's axis
// permutation[i].
func Transpose(x *Node, permutation ...int) *Node {
	shape := infer(shapeinference.TransposeOp(x.shape, permutation))
	return x.comp.newNode(&Node{op: OpTranspose, shape: shape, operands: []NodeID{x.id},
		axes: slices.Clone(permutation)})
}

// Pad adds (or, if negative, trims) padLow and padHigh cells of padValue at
// the edges of each axis of x.
func Pad(x, padValue *Node, padLow, padHigh []int) *Node {
	c := sameComputation(x, padValue)
	shape := infer(shapeinference.PadOp(x.shape, padValue.shape, padLow, padHigh))
	return c.newNode(&Node{op: OpPad, shape: shape, operands: []NodeID{x.id, padValue.id},
		padLow: slices.Clone(padLow), padHigh: slices.Clone(padHigh)})
}

// SliceWithStrides extracts [starts, limits) of each axis of x at the given
// strides.
func SliceWithStrides(x *Node, starts, limits, strides []int) *Node {
	shape := infer(shapeinference.SliceOp(x.shape, starts, limits, strides))
	return x.comp.newNode(&Node{op: OpSlice, shape: shape, operands: []NodeID{x.id},
		sliceStarts: slices.Clone(starts), sliceLimits: slices.Clone(limits), sliceStrides: slices.Clone(strides)})
}

// Concatenate joins the operands along the given axis.
func Concatenate(axis int, operands ...*Node) *Node {
	if len(operands) == 0 {
		exceptions.Panicf("Concatenate requires at least one operand")
	}
	c := sameComputation(operands...)
	operandShapes := make([]shapes.Shape, len(operands))
	ids := make([]NodeID, len(operands))
	for i, operand := range operands {
		operandShapes[i] = operand.shape
		ids[i] = operand.id
	}
	shape := infer(shapeinference.ConcatenateOp(operandShapes, axis))
	return c.newNode(&Node{op: OpConcatenate, shape: shape, operands: ids, concatAxis: axis})
}

// windowForConv splits a convolution window into the plain per-spatial-axis
// slices that shape inference takes.
func windowForConv(w *Window) (strides []int, paddings [][2]int, inputDilations, kernelDilations []int) {
	n := len(w.Dimensions)
	strides = make([]int, n)
	paddings = make([][2]int, n)
	inputDilations = make([]int, n)
	kernelDilations = make([]int, n)
	for i, d := range w.Dimensions {
		strides[i] = d.Stride
		paddings[i] = [2]int{d.PaddingLow, d.PaddingHigh}
		inputDilations[i] = d.BaseDilation
		kernelDilations[i] = d.WindowDilation
	}
	return
}

// Convolve builds a general convolution of input against kernel, with one
// window dimension per spatial axis of the axes configuration.
func Convolve(input, kernel *Node, axes ConvolveAxesConfig, window *Window,
	featureGroupCount, batchGroupCount int) *Node {
	c := sameComputation(input, kernel)
	if len(window.Dimensions) != len(axes.KernelSpatial) {
		exceptions.Panicf("Convolve: window has %d dimensions for %d spatial axes",
			len(window.Dimensions), len(axes.KernelSpatial))
	}
	for i, d := range window.Dimensions {
		if d.Size != kernel.shape.Dimensions[axes.KernelSpatial[i]] {
			exceptions.Panicf("Convolve: window size %d of spatial axis %d does not match kernel %s (axis %d)",
				d.Size, i, kernel.shape, axes.KernelSpatial[i])
		}
	}
	strides, paddings, inputDilations, kernelDilations := windowForConv(window)
	shape := infer(shapeinference.ConvGeneralOp(input.shape, kernel.shape, axes,
		strides, paddings, inputDilations, kernelDilations, featureGroupCount, batchGroupCount))
	axesCopy := axes.Clone()
	return c.newNode(&Node{op: OpConvolution, shape: shape, operands: []NodeID{input.id, kernel.id},
		window: window.Clone(), convAxes: &axesCopy,
		convFeatureGroupCount: featureGroupCount, convBatchGroupCount: batchGroupCount})
}

// Reduce combines the elements of x over the given axes, starting from
// initValue. The reduced axes are removed from the shape.
func Reduce(x, initValue *Node, combiner Combiner, axes ...int) *Node {
	c := sameComputation(x, initValue)
	shape := infer(shapeinference.ReduceOp(x.shape, initValue.shape, axes))
	return c.newNode(&Node{op: OpReduce, shape: shape, operands: []NodeID{x.id, initValue.id},
		combiner: combiner, axes: slices.Clone(axes)})
}

// windowForRank splits a full-rank window into the plain slices that shape
// inference takes, one entry per operand axis.
func windowForRank(w *Window) (sizes, strides, baseDilations, windowDilations []int, paddings [][2]int) {
	n := len(w.Dimensions)
	sizes = make([]int, n)
	strides = make([]int, n)
	baseDilations = make([]int, n)
	windowDilations = make([]int, n)
	paddings = make([][2]int, n)
	for i, d := range w.Dimensions {
		sizes[i] = d.Size
		strides[i] = d.Stride
		baseDilations[i] = d.BaseDilation
		windowDilations[i] = d.WindowDilation
		paddings[i] = [2]int{d.PaddingLow, d.PaddingHigh}
	}
	return
}

// ReduceWindow combines the elements of x inside each window position,
// starting from initValue. The window has one dimension per axis of x.
func ReduceWindow(x, initValue *Node, combiner Combiner, window *Window) *Node {
	c := sameComputation(x, initValue)
	if len(window.Dimensions) != x.Rank() {
		exceptions.Panicf("ReduceWindow: window has %d dimensions for operand of rank %d",
			len(window.Dimensions), x.Rank())
	}
	sizes, strides, baseDilations, windowDilations, paddings := windowForRank(window)
	shape := infer(shapeinference.ReduceWindowOp(x.shape, initValue.shape,
		sizes, strides, baseDilations, windowDilations, paddings))
	return c.newNode(&Node{op: OpReduceWindow, shape: shape, operands: []NodeID{x.id, initValue.id},
		combiner: combiner, window: window.Clone()})
}

// SelectAndScatter scatters each element of source into the operand-shaped
// output: for every window position the select comparison picks one cell of
// operand, and the corresponding source element is combined into that cell
// with the scatter combiner. The output starts filled with initValue.
func SelectAndScatter(operand, source, initValue *Node, selectDirection CompareDirection,
	scatter Combiner, window *Window) *Node {
	c := sameComputation(operand, source, initValue)
	if len(window.Dimensions) != operand.Rank() {
		exceptions.Panicf("SelectAndScatter: window has %d dimensions for operand of rank %d",
			len(window.Dimensions), operand.Rank())
	}
	sizes, strides, _, _, paddings := windowForRank(window)
	shape := infer(shapeinference.SelectAndScatterOp(operand.shape, source.shape, initValue.shape,
		sizes, strides, paddings))
	return c.newNode(&Node{op: OpSelectAndScatter, shape: shape,
		operands: []NodeID{operand.id, source.id, initValue.id},
		selectDir: selectDirection, combiner: scatter, window: window.Clone()})
}
