package treeset

import (
	"github.com/vkngwrapper/filealloc/memutils"
	"github.com/vkngwrapper/filealloc/memutils/rbtree"
	"github.com/vkngwrapper/filealloc/memutils/region"
)

const (
	// NodeSize is the block size a TreeSetFile's allocator must use
	NodeSize uint64 = 32

	valueField  = 0
	parentField = 8
	leftField   = 16
	rightField  = 24

	rootField  = 0
	countField = 8
)

// nodeAccessor links 32-byte {value, parent|color, left, right} blocks
type nodeAccessor struct {
	memory region.Region
}

func (n nodeAccessor) Left(node memutils.Offset) memutils.Offset {
	return region.Uint64(n.memory, node+leftField)
}

func (n nodeAccessor) SetLeft(node memutils.Offset, left memutils.Offset) {
	region.PutUint64(n.memory, node+leftField, left)
}

func (n nodeAccessor) Right(node memutils.Offset) memutils.Offset {
	return region.Uint64(n.memory, node+rightField)
}

func (n nodeAccessor) SetRight(node memutils.Offset, right memutils.Offset) {
	region.PutUint64(n.memory, node+rightField, right)
}

func (n nodeAccessor) Parent(node memutils.Offset) memutils.Offset {
	return rbtree.UnpackParent(region.Uint64(n.memory, node+parentField))
}

func (n nodeAccessor) SetParent(node memutils.Offset, parent memutils.Offset) {
	word := region.Uint64(n.memory, node+parentField)
	region.PutUint64(n.memory, node+parentField, rbtree.PackParent(parent, rbtree.UnpackRed(word)))
}

func (n nodeAccessor) Red(node memutils.Offset) bool {
	return rbtree.UnpackRed(region.Uint64(n.memory, node+parentField))
}

func (n nodeAccessor) SetRed(node memutils.Offset, red bool) {
	word := region.Uint64(n.memory, node+parentField)
	region.PutUint64(n.memory, node+parentField, rbtree.PackParent(rbtree.UnpackParent(word), red))
}

func (n nodeAccessor) Value(node memutils.Offset) uint64 {
	return region.Uint64(n.memory, node+valueField)
}

func (n nodeAccessor) setValue(node memutils.Offset, value uint64) {
	region.PutUint64(n.memory, node+valueField, value)
}

// rootRecord is the 16-byte {root, count} block that anchors a tree
type rootRecord struct {
	memory region.Region
	ptr    memutils.Offset
}

func (r rootRecord) Root() memutils.Offset {
	return region.Uint64(r.memory, r.ptr+rootField)
}

func (r rootRecord) SetRoot(node memutils.Offset) {
	region.PutUint64(r.memory, r.ptr+rootField, node)
}

func (r rootRecord) count() uint64 {
	return region.Uint64(r.memory, r.ptr+countField)
}

func (r rootRecord) setCount(count uint64) {
	region.PutUint64(r.memory, r.ptr+countField, count)
}
