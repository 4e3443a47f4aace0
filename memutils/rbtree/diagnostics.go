package rbtree

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/filealloc/memutils"
)

type walkEntry struct {
	node       memutils.Offset
	parent     memutils.Offset
	depth      int
	blackDepth int
}

// walk visits every node and every nil child position in preorder without recursion. For nil
// positions, node is memutils.NilOffset and parent is the node the position hangs from.
func (t *Tree[S, A]) walk(visitor func(entry walkEntry) bool) {
	stack := []walkEntry{{node: t.State.Root(), parent: nilNode}}
	for len(stack) > 0 {
		entry := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if entry.node != nilNode {
			entry.depth++
			if !t.Nodes.Red(entry.node) {
				entry.blackDepth++
			}
		}

		if !visitor(entry) {
			return
		}

		if entry.node == nilNode {
			continue
		}

		stack = append(stack,
			walkEntry{node: t.Nodes.Right(entry.node), parent: entry.node, depth: entry.depth, blackDepth: entry.blackDepth},
			walkEntry{node: t.Nodes.Left(entry.node), parent: entry.node, depth: entry.depth, blackDepth: entry.blackDepth},
		)
	}
}

// Len counts the nodes in the tree
func (t *Tree[S, A]) Len() int {
	var count int
	t.walk(func(entry walkEntry) bool {
		if entry.node != nilNode {
			count++
		}
		return true
	})
	return count
}

// Height returns the number of nodes on the longest path from the root to a leaf
func (t *Tree[S, A]) Height() int {
	var height int
	t.walk(func(entry walkEntry) bool {
		if entry.depth > height {
			height = entry.depth
		}
		return true
	})
	return height
}

// MinHeight returns the number of nodes on the shortest path from the root to a missing child
func (t *Tree[S, A]) MinHeight() int {
	minHeight := -1
	t.walk(func(entry walkEntry) bool {
		if entry.node == nilNode && (minHeight < 0 || entry.depth < minHeight) {
			minHeight = entry.depth
		}
		return true
	})
	return minHeight
}

// BlackHeight returns the number of black nodes on every root-to-leaf path. It returns an error
// if two paths disagree.
func (t *Tree[S, A]) BlackHeight() (int, error) {
	blackHeight := -1
	var err error
	t.walk(func(entry walkEntry) bool {
		if entry.node != nilNode {
			return true
		}

		if blackHeight < 0 {
			blackHeight = entry.blackDepth
		} else if entry.blackDepth != blackHeight {
			err = errors.Newf("path ending below node %d has black height %d, expected %d", entry.parent, entry.blackDepth, blackHeight)
			return false
		}
		return true
	})

	return blackHeight, err
}

// VerifyParenting returns the number of nodes whose parent link does not point at the node
// that holds them as a child
func (t *Tree[S, A]) VerifyParenting() int {
	var mismatches int
	t.walk(func(entry walkEntry) bool {
		if entry.node != nilNode && t.Nodes.Parent(entry.node) != entry.parent {
			mismatches++
		}
		return true
	})
	return mismatches
}

// Validate checks the red-black properties, the parent links and the key order of the tree
func (t *Tree[S, A]) Validate() error {
	if mismatches := t.VerifyParenting(); mismatches != 0 {
		return errors.Newf("%d nodes have incorrect parent links", mismatches)
	}

	root := t.State.Root()
	if root != nilNode && t.Nodes.Red(root) {
		return errors.Newf("root node %d is red", root)
	}

	var err error
	t.walk(func(entry walkEntry) bool {
		if entry.node != nilNode && t.Nodes.Red(entry.node) && entry.parent != nilNode && t.Nodes.Red(entry.parent) {
			err = errors.Newf("red node %d has a red parent %d", entry.node, entry.parent)
			return false
		}
		return true
	})
	if err != nil {
		return err
	}

	_, err = t.BlackHeight()
	if err != nil {
		return err
	}

	previous := nilNode
	for node := t.First(); node != nilNode; node = t.Next(node) {
		if previous != nilNode && !t.less(previous, t.Nodes.Value(node), node) {
			return errors.Newf("node %d with value %d is ordered after node %d with value %d",
				node, t.Nodes.Value(node), previous, t.Nodes.Value(previous))
		}
		previous = node
	}

	return nil
}
