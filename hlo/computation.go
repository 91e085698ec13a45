// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hlo models a computation as an arena of operation nodes addressed
// by stable handles (NodeID), in the style of XLA's HLO.
//
// A Computation owns its nodes; operand lists store handles, and the arena
// maintains an explicit reverse index (node -> user nodes) that is updated by
// every mutation primitive. Graph-building errors (shape mismatches, invalid
// attributes) panic with an exception from github.com/gomlx/exceptions; public
// entry points of passes are expected to catch them and return an error.
package hlo

import (
	"slices"

	"github.com/gomlx/exceptions"

	"github.com/gomlx/hlopt/types/shapes"
)

// Computation is an arena of nodes forming one dataflow graph, with a single
// root node holding its result.
type Computation struct {
	name  string
	nodes []*Node
	root  NodeID

	parameters       []NodeID
	parameterByName  map[string]NodeID
}

// New creates an empty computation with the given name.
func New(name string) *Computation {
	return &Computation{
		name:            name,
		root:            InvalidNodeID,
		parameterByName: make(map[string]NodeID),
	}
}

// Name of the computation.
func (c *Computation) Name() string { return c.name }

// NumNodes returns the number of nodes ever created in the arena, including
// ones no longer reachable from the root.
func (c *Computation) NumNodes() int { return len(c.nodes) }

// Node returns the node with the given handle. It panics on an invalid handle.
func (c *Computation) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(c.nodes) {
		exceptions.Panicf("Computation %q has no node #%d", c.name, id)
	}
	return c.nodes[id]
}

// Root returns the root (result) node, or nil if none was set.
func (c *Computation) Root() *Node {
	if c.root == InvalidNodeID {
		return nil
	}
	return c.nodes[c.root]
}

// SetRoot marks the node holding the computation's result.
func (c *Computation) SetRoot(n *Node) {
	c.mustOwn(n)
	c.root = n.id
}

// Parameters returns the parameter nodes in creation order.
func (c *Computation) Parameters() []*Node {
	params := make([]*Node, len(c.parameters))
	for i, id := range c.parameters {
		params[i] = c.nodes[id]
	}
	return params
}

// ParameterByName returns the parameter with the given name, or nil.
func (c *Computation) ParameterByName(name string) *Node {
	id, found := c.parameterByName[name]
	if !found {
		return nil
	}
	return c.nodes[id]
}

// PostOrder returns every node in a deterministic, dependency-respecting
// order: operands always appear before their users. Since the arena is
// append-only and builders only accept already-created operands, creation
// order has this property.
func (c *Computation) PostOrder() []*Node {
	return slices.Clone(c.nodes)
}

// newNode registers a fully-constructed node in the arena and wires the
// reverse user index. All op builders funnel through here.
func (c *Computation) newNode(n *Node) *Node {
	n.comp = c
	n.id = NodeID(len(c.nodes))
	c.nodes = append(c.nodes, n)
	for _, opID := range n.operands {
		if opID < 0 || int(opID) >= len(c.nodes)-1 {
			exceptions.Panicf("Computation %q: new %s node uses invalid operand #%d", c.name, n.op, opID)
		}
		c.nodes[opID].addUser(n.id)
	}
	return n
}

// Clone creates a new node with the same op, attributes and operands as n.
// The clone is not the root and has no users.
func (c *Computation) Clone(n *Node) *Node {
	c.mustOwn(n)
	n2 := &Node{
		op:                    n.op,
		shape:                 n.shape.Clone(),
		operands:              slices.Clone(n.operands),
		literal:               n.literal,
		parameterName:         n.parameterName,
		convFeatureGroupCount: n.convFeatureGroupCount,
		convBatchGroupCount:   n.convBatchGroupCount,
		axes:                  slices.Clone(n.axes),
		sliceStarts:           slices.Clone(n.sliceStarts),
		sliceLimits:           slices.Clone(n.sliceLimits),
		sliceStrides:          slices.Clone(n.sliceStrides),
		padLow:                slices.Clone(n.padLow),
		padHigh:               slices.Clone(n.padHigh),
		concatAxis:            n.concatAxis,
		comparison:            n.comparison,
		combiner:              n.combiner,
		selectDir:             n.selectDir,
	}
	if n.window != nil {
		n2.window = n.window.Clone()
	}
	if n.convAxes != nil {
		axes := n.convAxes.Clone()
		n2.convAxes = &axes
	}
	return c.newNode(n2)
}

// ReplaceOperand makes user's i-th operand point at newOperand. The user's
// shape is not re-inferred: callers replacing an operand with one of a
// different shape must have already arranged the user's shape to match, the
// way XLA's ReplaceOperandWithDifferentShape works.
func (c *Computation) ReplaceOperand(user *Node, i int, newOperand *Node) {
	c.mustOwn(user)
	c.mustOwn(newOperand)
	if i < 0 || i >= len(user.operands) {
		exceptions.Panicf("ReplaceOperand: %s has no operand %d", user, i)
	}
	oldID := user.operands[i]
	if oldID == newOperand.id {
		return
	}
	user.operands[i] = newOperand.id
	if !slices.Contains(user.operands, oldID) {
		c.nodes[oldID].removeUser(user.id)
	}
	newOperand.addUser(user.id)
}

// ReplaceInstruction rewires every use of old to point at new, and moves the
// root over if old was the root. Shapes are expected to be compatible from
// the graph's point of view; this primitive does not re-infer user shapes.
func (c *Computation) ReplaceInstruction(old, new *Node) {
	c.mustOwn(old)
	c.mustOwn(new)
	if old == new {
		return
	}
	for _, userID := range slices.Clone(old.users) {
		user := c.nodes[userID]
		for i, opID := range user.operands {
			if opID == old.id {
				user.operands[i] = new.id
			}
		}
		new.addUser(userID)
	}
	old.users = old.users[:0]
	if c.root == old.id {
		c.root = new.id
	}
}

// ChangeShape overwrites the node's shape. Used by passes that clone an
// instruction and then re-point its operands at differently-shaped
// replacements; the caller is responsible for the new shape being the one the
// op would infer from its new operands.
func (c *Computation) ChangeShape(n *Node, shape shapes.Shape) {
	c.mustOwn(n)
	n.shape = shape.Clone()
}

func (c *Computation) mustOwn(n *Node) {
	if n == nil {
		exceptions.Panicf("Computation %q: nil node", c.name)
	}
	if n.comp != c {
		exceptions.Panicf("Computation %q: node %s belongs to a different computation", c.name, n)
	}
}

func (n *Node) addUser(id NodeID) {
	if !slices.Contains(n.users, id) {
		n.users = append(n.users, id)
	}
}

func (n *Node) removeUser(id NodeID) {
	if i := slices.Index(n.users, id); i >= 0 {
		n.users = slices.Delete(n.users, i, i+1)
	}
}
