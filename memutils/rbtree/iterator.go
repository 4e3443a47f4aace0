package rbtree

import "github.com/vkngwrapper/filealloc/memutils"

// Iterator walks a tree in key order. It is lazy: each step reads only the links it needs, so an
// iterator may be started from any node and abandoned at any time. An iterator is invalidated by
// erasing the node it points at.
type Iterator[S TreeState, A NodeAccessor] struct {
	tree *Tree[S, A]
	node memutils.Offset
}

// Iterate returns an iterator positioned at node. Passing memutils.NilOffset produces an
// iterator that is already past the end.
func (t *Tree[S, A]) Iterate(node memutils.Offset) Iterator[S, A] {
	return Iterator[S, A]{tree: t, node: node}
}

// Begin returns an iterator positioned at the first node
func (t *Tree[S, A]) Begin() Iterator[S, A] {
	return t.Iterate(t.First())
}

// Valid returns false once the iterator has moved past either end of the tree
func (i Iterator[S, A]) Valid() bool { return i.node != nilNode }

// Node returns the offset of the current node
func (i Iterator[S, A]) Node() memutils.Offset { return i.node }

// Value returns the key of the current node
func (i Iterator[S, A]) Value() uint64 { return i.tree.Nodes.Value(i.node) }

// Next moves to the in-order successor
func (i *Iterator[S, A]) Next() {
	i.node = i.tree.Next(i.node)
}

// Prev moves to the in-order predecessor
func (i *Iterator[S, A]) Prev() {
	i.node = i.tree.Prev(i.node)
}

// Visit calls visitor for every node from the first to the last, stopping early if visitor
// returns false
func (t *Tree[S, A]) Visit(visitor func(node memutils.Offset) bool) {
	for node := t.First(); node != nilNode; node = t.Next(node) {
		if !visitor(node) {
			return
		}
	}
}

// Values returns every key in ascending order
func (t *Tree[S, A]) Values() []uint64 {
	var values []uint64
	t.Visit(func(node memutils.Offset) bool {
		values = append(values, t.Nodes.Value(node))
		return true
	})
	return values
}
