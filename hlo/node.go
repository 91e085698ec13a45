// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/hlopt/pkg/support/xslices"
	"github.com/gomlx/hlopt/types/shapes"
)

// NodeID is a stable handle to a Node within its Computation. Side tables
// built by passes should be keyed by NodeID, not by *Node fields.
type NodeID int32

// InvalidNodeID marks the absence of a node.
const InvalidNodeID = NodeID(-1)

// Node is one operation in a Computation. It is created by the Computation
// op builders, which compute every attribute (including the output shape)
// before the node is ever published, so a Node is never observed
// half-constructed. After creation only the operand list may change, through
// Computation.ReplaceOperand and Computation.ReplaceInstruction.
type Node struct {
	comp  *Computation
	id    NodeID
	op    OpType
	shape shapes.Shape

	operands []NodeID
	users    []NodeID

	// Per-op attributes. Only the fields relevant to the op type are set.
	literal       *Literal
	parameterName string

	window    *Window
	convAxes  *ConvolveAxesConfig
	convFeatureGroupCount int
	convBatchGroupCount   int

	axes []int // reduce axes, broadcast axes or transpose permutation

	sliceStarts, sliceLimits, sliceStrides []int
	padLow, padHigh                        []int
	concatAxis                             int

	comparison CompareDirection
	combiner   Combiner
	selectDir  CompareDirection // SelectAndScatter only.
}

// Computation that owns this node.
func (n *Node) Computation() *Computation { return n.comp }

// ID is the unique handle of this node within its Computation.
func (n *Node) ID() NodeID { return n.id }

// Op returns the operation type of the node.
func (n *Node) Op() OpType { return n.op }

// Shape of the node's output.
func (n *Node) Shape() shapes.Shape { return n.shape }

// DType returns the DType of the node's shape.
func (n *Node) DType() dtypes.DType { return n.shape.DType }

// Rank returns the rank of the node's shape.
func (n *Node) Rank() int { return n.shape.Rank() }

// NumOperands returns the number of operands.
func (n *Node) NumOperands() int { return len(n.operands) }

// Operand returns the i-th operand node.
func (n *Node) Operand(i int) *Node { return n.comp.Node(n.operands[i]) }

// Operands returns the operand nodes.
func (n *Node) Operands() []*Node {
	return xslices.Map(n.operands, func(id NodeID) *Node { return n.comp.Node(id) })
}

// Users returns the nodes that use this node as an operand, in the order they
// first acquired the edge.
func (n *Node) Users() []*Node {
	return xslices.Map(n.users, func(id NodeID) *Node { return n.comp.Node(id) })
}

// NumUsers returns the fan-out of the node.
func (n *Node) NumUsers() int { return len(n.users) }

// Literal returns the constant value. It panics if the node is not an
// OpConstant.
func (n *Node) Literal() *Literal {
	if n.op != OpConstant {
		exceptions.Panicf("Node.Literal() called on %s node", n.op)
	}
	return n.literal
}

// ParameterName returns the parameter name. It panics if the node is not an
// OpParameter.
func (n *Node) ParameterName() string {
	if n.op != OpParameter {
		exceptions.Panicf("Node.ParameterName() called on %s node", n.op)
	}
	return n.parameterName
}

// Window returns the window attributes of a windowed op (OpConvolution,
// OpReduceWindow, OpSelectAndScatter). The returned value must not be
// mutated; Clone it first.
func (n *Node) Window() *Window { return n.window }

// ConvAxes returns the convolution dimension numbers of an OpConvolution.
// The returned value must not be mutated; Clone it first.
func (n *Node) ConvAxes() *ConvolveAxesConfig { return n.convAxes }

// FeatureGroupCount of an OpConvolution.
func (n *Node) FeatureGroupCount() int { return n.convFeatureGroupCount }

// BatchGroupCount of an OpConvolution.
func (n *Node) BatchGroupCount() int { return n.convBatchGroupCount }

// Axes returns the attribute axes list: the reduced axes of an OpReduce, the
// broadcast axes of an OpBroadcast or the permutation of an OpTranspose.
func (n *Node) Axes() []int { return n.axes }

// SliceStarts, SliceLimits and SliceStrides return the attributes of an OpSlice.
func (n *Node) SliceStarts() []int  { return n.sliceStarts }
func (n *Node) SliceLimits() []int  { return n.sliceLimits }
func (n *Node) SliceStrides() []int { return n.sliceStrides }

// PadLow and PadHigh return the per-axis edge padding of an OpPad.
func (n *Node) PadLow() []int  { return n.padLow }
func (n *Node) PadHigh() []int { return n.padHigh }

// ConcatAxis returns the concatenation axis of an OpConcatenate.
func (n *Node) ConcatAxis() int { return n.concatAxis }

// Comparison returns the direction of an OpCompare.
func (n *Node) Comparison() CompareDirection { return n.comparison }

// Combiner returns the reduction function of an OpReduce, OpReduceWindow or
// the scatter side of an OpSelectAndScatter.
func (n *Node) Combiner() Combiner { return n.combiner }

// SelectDirection returns the comparison used by the select side of an
// OpSelectAndScatter.
func (n *Node) SelectDirection() CompareDirection { return n.selectDir }

// IsRoot returns whether the node is its computation's root.
func (n *Node) IsRoot() bool { return n.comp.Root() == n }

// String implements fmt.Stringer. It prints the node's op, handle, shape and
// operand handles -- enough for pass logging.
func (n *Node) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s#%d%s", n.op, n.id, n.shape)
	if len(n.operands) > 0 {
		b.WriteByte('(')
		for i, id := range n.operands {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "#%d", id)
		}
		b.WriteByte(')')
	}
	return b.String()
}
