// Package rbtree implements an intrusive red-black tree whose nodes are identified by offsets.
// The tree never owns node memory: callers carve nodes out of their own regions and supply a
// NodeAccessor that reads and writes the link fields. Because the accessor selects which
// fields to use, one physical node can belong to several trees at once.
package rbtree

import (
	"github.com/vkngwrapper/filealloc/memutils"
)

// TreeState stores the offset of a tree's root node
type TreeState interface {
	Root() memutils.Offset
	SetRoot(node memutils.Offset)
}

// NodeAccessor reads and writes one set of tree links on nodes. memutils.NilOffset is used for
// absent children and for the root's parent.
type NodeAccessor interface {
	Left(node memutils.Offset) memutils.Offset
	SetLeft(node memutils.Offset, left memutils.Offset)
	Right(node memutils.Offset) memutils.Offset
	SetRight(node memutils.Offset, right memutils.Offset)
	Parent(node memutils.Offset) memutils.Offset
	SetParent(node memutils.Offset, parent memutils.Offset)
	Red(node memutils.Offset) bool
	SetRed(node memutils.Offset, red bool)
	// Value returns the key the tree is ordered by. Nodes with equal values are ordered by
	// their offsets.
	Value(node memutils.Offset) uint64
}

const nilNode = memutils.NilOffset

// Tree is a red-black tree over nodes linked through Nodes, with its root stored in State
type Tree[S TreeState, A NodeAccessor] struct {
	State S
	Nodes A
}

// New creates a tree from a state and an accessor
func New[S TreeState, A NodeAccessor](state S, nodes A) *Tree[S, A] {
	return &Tree[S, A]{State: state, Nodes: nodes}
}

// IsEmpty returns true if the tree has no nodes
func (t *Tree[S, A]) IsEmpty() bool {
	return t.State.Root() == nilNode
}

func (t *Tree[S, A]) isRed(node memutils.Offset) bool {
	return node != nilNode && t.Nodes.Red(node)
}

// less orders nodes by (value, offset)
func (t *Tree[S, A]) less(node memutils.Offset, value uint64, offset memutils.Offset) bool {
	nodeValue := t.Nodes.Value(node)
	return nodeValue < value || (nodeValue == value && node < offset)
}

// findGreaterEqualKey returns the first node whose (value, offset) key is at least the
// provided key
func (t *Tree[S, A]) findGreaterEqualKey(value uint64, offset memutils.Offset) memutils.Offset {
	candidate := nilNode
	current := t.State.Root()
	for current != nilNode {
		if t.less(current, value, offset) {
			current = t.Nodes.Right(current)
		} else {
			candidate = current
			current = t.Nodes.Left(current)
		}
	}

	return candidate
}

// FindGreaterEqual returns the first node whose value is at least value, or memutils.NilOffset
// if every value in the tree is smaller
func (t *Tree[S, A]) FindGreaterEqual(value uint64) memutils.Offset {
	return t.findGreaterEqualKey(value, 0)
}

// FindLessEqual returns the last node whose value is at most value, or memutils.NilOffset if
// every value in the tree is larger
func (t *Tree[S, A]) FindLessEqual(value uint64) memutils.Offset {
	candidate := nilNode
	current := t.State.Root()
	for current != nilNode {
		if t.Nodes.Value(current) <= value {
			candidate = current
			current = t.Nodes.Right(current)
		} else {
			current = t.Nodes.Left(current)
		}
	}

	return candidate
}

// Find returns the first node whose value equals value, or memutils.NilOffset
func (t *Tree[S, A]) Find(value uint64) memutils.Offset {
	node := t.FindGreaterEqual(value)
	if node != nilNode && t.Nodes.Value(node) == value {
		return node
	}

	return nilNode
}

// Insert links node into the tree. The node's link fields are overwritten. It is attached as
// the left child of the first node ordered after it or, if that node already has a left child,
// as the right child of that node's predecessor.
func (t *Tree[S, A]) Insert(node memutils.Offset) {
	t.Nodes.SetLeft(node, nilNode)
	t.Nodes.SetRight(node, nilNode)
	t.Nodes.SetRed(node, true)

	successor := t.findGreaterEqualKey(t.Nodes.Value(node), node)
	switch {
	case t.State.Root() == nilNode:
		t.Nodes.SetParent(node, nilNode)
		t.State.SetRoot(node)
	case successor == nilNode:
		last := t.Last()
		t.Nodes.SetRight(last, node)
		t.Nodes.SetParent(node, last)
	case t.Nodes.Left(successor) == nilNode:
		t.Nodes.SetLeft(successor, node)
		t.Nodes.SetParent(node, successor)
	default:
		predecessor := t.Prev(successor)
		t.Nodes.SetRight(predecessor, node)
		t.Nodes.SetParent(node, predecessor)
	}

	t.insertFixup(node)
}

func (t *Tree[S, A]) insertFixup(node memutils.Offset) {
	for {
		parent := t.Nodes.Parent(node)
		if parent == nilNode || !t.Nodes.Red(parent) {
			break
		}

		// a red parent is never the root, so the grandparent exists
		grandparent := t.Nodes.Parent(parent)
		if parent == t.Nodes.Left(grandparent) {
			uncle := t.Nodes.Right(grandparent)
			if t.isRed(uncle) {
				t.Nodes.SetRed(parent, false)
				t.Nodes.SetRed(uncle, false)
				t.Nodes.SetRed(grandparent, true)
				node = grandparent
				continue
			}

			if node == t.Nodes.Right(parent) {
				node = parent
				t.rotateLeft(node)
				parent = t.Nodes.Parent(node)
			}

			t.Nodes.SetRed(parent, false)
			t.Nodes.SetRed(grandparent, true)
			t.rotateRight(grandparent)
		} else {
			uncle := t.Nodes.Left(grandparent)
			if t.isRed(uncle) {
				t.Nodes.SetRed(parent, false)
				t.Nodes.SetRed(uncle, false)
				t.Nodes.SetRed(grandparent, true)
				node = grandparent
				continue
			}

			if node == t.Nodes.Left(parent) {
				node = parent
				t.rotateRight(node)
				parent = t.Nodes.Parent(node)
			}

			t.Nodes.SetRed(parent, false)
			t.Nodes.SetRed(grandparent, true)
			t.rotateLeft(grandparent)
		}
	}

	t.Nodes.SetRed(t.State.Root(), false)
}

func (t *Tree[S, A]) replaceChild(parent, oldChild, newChild memutils.Offset) {
	switch {
	case parent == nilNode:
		t.State.SetRoot(newChild)
	case t.Nodes.Left(parent) == oldChild:
		t.Nodes.SetLeft(parent, newChild)
	default:
		t.Nodes.SetRight(parent, newChild)
	}
}

func (t *Tree[S, A]) rotateLeft(node memutils.Offset) {
	pivot := t.Nodes.Right(node)
	inner := t.Nodes.Left(pivot)

	t.Nodes.SetRight(node, inner)
	if inner != nilNode {
		t.Nodes.SetParent(inner, node)
	}

	parent := t.Nodes.Parent(node)
	t.Nodes.SetParent(pivot, parent)
	t.replaceChild(parent, node, pivot)

	t.Nodes.SetLeft(pivot, node)
	t.Nodes.SetParent(node, pivot)
}

func (t *Tree[S, A]) rotateRight(node memutils.Offset) {
	pivot := t.Nodes.Left(node)
	inner := t.Nodes.Right(pivot)

	t.Nodes.SetLeft(node, inner)
	if inner != nilNode {
		t.Nodes.SetParent(inner, node)
	}

	parent := t.Nodes.Parent(node)
	t.Nodes.SetParent(pivot, parent)
	t.replaceChild(parent, node, pivot)

	t.Nodes.SetRight(pivot, node)
	t.Nodes.SetParent(node, pivot)
}

// transplant puts replacement in node's position under node's parent
func (t *Tree[S, A]) transplant(node, replacement memutils.Offset) {
	parent := t.Nodes.Parent(node)
	t.replaceChild(parent, node, replacement)
	if replacement != nilNode {
		t.Nodes.SetParent(replacement, parent)
	}
}

// Erase unlinks node from the tree. When node has two children its in-order successor is
// relinked into its position, so no node other than the erased one changes identity. The erased
// node's link fields are reset.
func (t *Tree[S, A]) Erase(node memutils.Offset) {
	removedRed := t.Nodes.Red(node)
	var child, childParent memutils.Offset

	left := t.Nodes.Left(node)
	right := t.Nodes.Right(node)

	switch {
	case left == nilNode:
		child = right
		childParent = t.Nodes.Parent(node)
		t.transplant(node, right)
	case right == nilNode:
		child = left
		childParent = t.Nodes.Parent(node)
		t.transplant(node, left)
	default:
		successor := t.minimum(right)
		removedRed = t.Nodes.Red(successor)
		child = t.Nodes.Right(successor)

		if t.Nodes.Parent(successor) == node {
			childParent = successor
		} else {
			childParent = t.Nodes.Parent(successor)
			t.transplant(successor, child)
			t.Nodes.SetRight(successor, right)
			t.Nodes.SetParent(right, successor)
		}

		t.transplant(node, successor)
		t.Nodes.SetLeft(successor, left)
		t.Nodes.SetParent(left, successor)
		t.Nodes.SetRed(successor, t.Nodes.Red(node))
	}

	if !removedRed {
		t.eraseFixup(child, childParent)
	}

	t.Nodes.SetLeft(node, nilNode)
	t.Nodes.SetRight(node, nilNode)
	t.Nodes.SetParent(node, nilNode)
	t.Nodes.SetRed(node, false)
}

// eraseFixup restores the black-height after a black node was removed. node carries the extra
// black and may be nil, so its parent is tracked separately.
func (t *Tree[S, A]) eraseFixup(node, parent memutils.Offset) {
	for node != t.State.Root() && !t.isRed(node) {
		if node == t.Nodes.Left(parent) {
			sibling := t.Nodes.Right(parent)
			if t.isRed(sibling) {
				t.Nodes.SetRed(sibling, false)
				t.Nodes.SetRed(parent, true)
				t.rotateLeft(parent)
				sibling = t.Nodes.Right(parent)
			}

			if !t.isRed(t.Nodes.Left(sibling)) && !t.isRed(t.Nodes.Right(sibling)) {
				t.Nodes.SetRed(sibling, true)
				node = parent
				parent = t.Nodes.Parent(node)
				continue
			}

			if !t.isRed(t.Nodes.Right(sibling)) {
				t.Nodes.SetRed(t.Nodes.Left(sibling), false)
				t.Nodes.SetRed(sibling, true)
				t.rotateRight(sibling)
				sibling = t.Nodes.Right(parent)
			}

			t.Nodes.SetRed(sibling, t.Nodes.Red(parent))
			t.Nodes.SetRed(parent, false)
			t.Nodes.SetRed(t.Nodes.Right(sibling), false)
			t.rotateLeft(parent)
			node = t.State.Root()
		} else {
			sibling := t.Nodes.Left(parent)
			if t.isRed(sibling) {
				t.Nodes.SetRed(sibling, false)
				t.Nodes.SetRed(parent, true)
				t.rotateRight(parent)
				sibling = t.Nodes.Left(parent)
			}

			if !t.isRed(t.Nodes.Left(sibling)) && !t.isRed(t.Nodes.Right(sibling)) {
				t.Nodes.SetRed(sibling, true)
				node = parent
				parent = t.Nodes.Parent(node)
				continue
			}

			if !t.isRed(t.Nodes.Left(sibling)) {
				t.Nodes.SetRed(t.Nodes.Right(sibling), false)
				t.Nodes.SetRed(sibling, true)
				t.rotateLeft(sibling)
				sibling = t.Nodes.Left(parent)
			}

			t.Nodes.SetRed(sibling, t.Nodes.Red(parent))
			t.Nodes.SetRed(parent, false)
			t.Nodes.SetRed(t.Nodes.Left(sibling), false)
			t.rotateRight(parent)
			node = t.State.Root()
		}
	}

	if node != nilNode {
		t.Nodes.SetRed(node, false)
	}
}

func (t *Tree[S, A]) minimum(node memutils.Offset) memutils.Offset {
	for {
		left := t.Nodes.Left(node)
		if left == nilNode {
			return node
		}
		node = left
	}
}

func (t *Tree[S, A]) maximum(node memutils.Offset) memutils.Offset {
	for {
		right := t.Nodes.Right(node)
		if right == nilNode {
			return node
		}
		node = right
	}
}

// First returns the node with the smallest key, or memutils.NilOffset if the tree is empty
func (t *Tree[S, A]) First() memutils.Offset {
	root := t.State.Root()
	if root == nilNode {
		return nilNode
	}
	return t.minimum(root)
}

// Last returns the node with the largest key, or memutils.NilOffset if the tree is empty
func (t *Tree[S, A]) Last() memutils.Offset {
	root := t.State.Root()
	if root == nilNode {
		return nilNode
	}
	return t.maximum(root)
}

// Next returns the in-order successor of node, or memutils.NilOffset if node is the last
func (t *Tree[S, A]) Next(node memutils.Offset) memutils.Offset {
	right := t.Nodes.Right(node)
	if right != nilNode {
		return t.minimum(right)
	}

	parent := t.Nodes.Parent(node)
	for parent != nilNode && node == t.Nodes.Right(parent) {
		node = parent
		parent = t.Nodes.Parent(node)
	}

	return parent
}

// Prev returns the in-order predecessor of node, or memutils.NilOffset if node is the first
func (t *Tree[S, A]) Prev(node memutils.Offset) memutils.Offset {
	left := t.Nodes.Left(node)
	if left != nilNode {
		return t.maximum(left)
	}

	parent := t.Nodes.Parent(node)
	for parent != nilNode && node == t.Nodes.Left(parent) {
		node = parent
		parent = t.Nodes.Parent(node)
	}

	return parent
}
