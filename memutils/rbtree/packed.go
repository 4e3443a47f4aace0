package rbtree

import "github.com/vkngwrapper/filealloc/memutils"

const redBit = 1

// PackParent combines a parent offset and a node color into a single word. Nodes must be at
// least 2-byte aligned so the low bit of a parent offset is free. memutils.NilOffset survives
// the round trip through UnpackParent.
func PackParent(parent memutils.Offset, red bool) uint64 {
	word := parent &^ redBit
	if red {
		word |= redBit
	}
	return word
}

// UnpackParent extracts the parent offset from a word produced by PackParent
func UnpackParent(word uint64) memutils.Offset {
	parent := word &^ redBit
	if parent == memutils.NilOffset&^redBit {
		return memutils.NilOffset
	}
	return parent
}

// UnpackRed extracts the node color from a word produced by PackParent
func UnpackRed(word uint64) bool {
	return word&redBit != 0
}
