// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package spacetobatch rewrites convolutions with a small batch into
// convolutions with a larger batch, by folding part of one spatial axis into
// the batch axis.
//
// The rewrite picks a spatial axis, splits it into newBatchSize/batch pieces
// and stacks the pieces as extra batch rows, duplicating a small "halo" of
// border elements between neighboring pieces so sliding windows still see
// correct data. It then keeps consumers of the convolution in the new layout
// for as long as their operations allow ("propagation"), and only converts
// back to the original layout ("batch-to-space") where it must.
//
// The entry point is Converter.Run. Legality of each candidate convolution is
// decided by convIsSuitableForSpaceToBatch; everything else is plumbing to
// keep the graph equivalent.
package spacetobatch

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/hlopt/hlo"
	"github.com/gomlx/hlopt/pkg/support/sets"
)

const (
	// newBatchSize is the batch size rewritten convolutions are enlarged to.
	// It is a constant so that propagation through several convolutional
	// layers stays consistent.
	newBatchSize = 8

	// reduceWindowSearchDepth bounds the search for a downstream
	// reduce-window when choosing the spatial split size.
	reduceWindowSearchDepth = 10
)

// Converter is the space-to-batch pass. The zero value is not useful: a
// positive LimitOnBatchSize is required for any convolution to qualify.
type Converter struct {
	// LimitOnBatchSize is the largest original batch size the rewrite is
	// applied to. Convolutions with a larger batch are left alone.
	LimitOnBatchSize int
}

// Run applies the pass to one computation and reports whether the graph
// changed. Legality failures are not errors -- they just leave convolutions
// alone; an error means graph construction failed mid-rewrite, in which case
// the computation may be left with extra (but unreferenced) nodes.
func (c *Converter) Run(comp *hlo.Computation) (changed bool, err error) {
	err = exceptions.TryCatch[error](func() {
		v := newVisitor(c.LimitOnBatchSize, comp)
		changed = v.run()
	})
	if err != nil {
		return false, errors.WithMessagef(err, "spacetobatch: rewriting computation %q", comp.Name())
	}
	return changed, nil
}

// dimPair tracks the batch axis and the chosen (split) space axis of an
// instruction, in the instruction's own original shape.
type dimPair struct {
	batch, space int
}

// visitor holds the state of one pass invocation over one computation. All
// side tables are keyed by the stable node handles and are discarded when the
// visitor goes away.
type visitor struct {
	comp             *hlo.Computation
	limitOnBatchSize int

	convsToVisit    sets.Set[hlo.NodeID]
	convVisitorList []*hlo.Node

	// nonPropagatable are consumers whose rewrite was deferred because an
	// operand was not ready; they are resolved in the final cleanup sweep.
	nonPropagatable sets.Set[hlo.NodeID]

	// batchToSpaceCache memoizes original instruction -> its batch-to-space
	// conversion.
	batchToSpaceCache map[hlo.NodeID]*hlo.Node

	// oldToNew maps original instructions to their rewritten (space-to-
	// batch'ed) versions. Presence means "ready to be consumed".
	oldToNew map[hlo.NodeID]*hlo.Node

	// dimMap gives the batch/space axes of an original instruction.
	dimMap map[hlo.NodeID]dimPair

	// permuteMap maps, for each rewritten instruction, original axis ->
	// rewritten axis.
	permuteMap map[hlo.NodeID][]int

	changed bool
}

func newVisitor(limitOnBatchSize int, comp *hlo.Computation) *visitor {
	v := &visitor{
		comp:              comp,
		limitOnBatchSize:  limitOnBatchSize,
		convsToVisit:      sets.Make[hlo.NodeID](),
		nonPropagatable:   sets.Make[hlo.NodeID](),
		batchToSpaceCache: make(map[hlo.NodeID]*hlo.Node),
		oldToNew:          make(map[hlo.NodeID]*hlo.Node),
		dimMap:            make(map[hlo.NodeID]dimPair),
		permuteMap:        make(map[hlo.NodeID][]int),
	}
	for _, inst := range comp.PostOrder() {
		if inst.Op() != hlo.OpConvolution {
			continue
		}
		if !v.convIsSuitableForSpaceToBatch(inst) {
			klog.V(1).Infof("Conv not suitable for space-to-batch: %s", inst)
			continue
		}
		klog.V(1).Infof("Conv added to space-to-batch worklist: %s", inst)
		v.convsToVisit.Insert(inst.ID())
		v.convVisitorList = append(v.convVisitorList, inst)
	}
	return v
}

// run processes every candidate convolution and then resolves the consumers
// that could not be propagated through, converting their rewritten operands
// back to the original layout.
func (v *visitor) run() bool {
	for _, conv := range v.convVisitorList {
		if v.convsToVisit.Has(conv.ID()) {
			v.performSpaceToBatchOnConvolution(conv)
		}
	}
	v.convVisitorList = nil
	v.convsToVisit = sets.Make[hlo.NodeID]()

	// Iterate through all instructions we could not propagate through, and
	// turn their operands from batch-to-space as needed. Sorted for a
	// deterministic rewrite order.
	deferred := make([]hlo.NodeID, 0, len(v.nonPropagatable))
	for id := range v.nonPropagatable {
		deferred = append(deferred, id)
	}
	slices.Sort(deferred)
	for _, id := range deferred {
		inst := v.comp.Node(id)
		klog.V(1).Infof("Could not eventually propagate through %s", inst)
		for i := 0; i < inst.NumOperands(); i++ {
			operand := inst.Operand(i)
			if _, found := v.oldToNew[operand.ID()]; found {
				v.comp.ReplaceOperand(inst, i, v.batchToSpace(operand))
			}
		}
	}
	v.nonPropagatable = sets.Make[hlo.NodeID]()
	return v.changed
}

// dimLookUp maps an axis through a permutation table.
func dimLookUp(permuteDims []int, axis int) int {
	return permuteDims[axis]
}

// chosenSpatialDim returns the spatial axis the rewrite splits: always the
// last spatial dimension of the convolution.
func chosenSpatialDim(conv *hlo.Node) int {
	return len(conv.ConvAxes().InputSpatial) - 1
}

func ceilOfRatio(a, b int) int {
	return (a + b - 1) / b
}

// doesConvolutionFeedReduceWindow finds a reduce-window within a bounded
// depth of instr's users, skipping past ops that would not change the spatial
// alignment decision.
func (v *visitor) doesConvolutionFeedReduceWindow(inst *hlo.Node, depth int) *hlo.Node {
	if depth == 0 {
		return nil
	}
	for _, user := range inst.Users() {
		if user.Op() == hlo.OpReduceWindow {
			return user
		}
		// Stop the search below these ops.
		if user.Op() == hlo.OpConvolution || user.Op() == hlo.OpPad || user.Op() == hlo.OpTranspose {
			continue
		}
		if found := v.doesConvolutionFeedReduceWindow(user, depth-1); found != nil {
			return found
		}
	}
	return nil
}
