// Package treeset implements TreeSetFile, an ordered set of uint64 values stored as a red-black
// tree of 32-byte nodes obtained from a block.BlockAllocator. The set is anchored by a root
// record in the same allocator, so reopening a set needs only the record's offset.
package treeset

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/filealloc/memutils"
	"github.com/vkngwrapper/filealloc/memutils/block"
	"github.com/vkngwrapper/filealloc/memutils/rbtree"
	"golang.org/x/exp/slog"
)

type tree = rbtree.Tree[rootRecord, nodeAccessor]

// TreeSetFile is a persistent ordered set of uint64 values
type TreeSetFile struct {
	logger *slog.Logger
	blocks *block.BlockAllocator
	root   rootRecord
	tree   *tree
}

func newTreeSet(logger *slog.Logger, blocks *block.BlockAllocator, ptr memutils.Offset) *TreeSetFile {
	root := rootRecord{memory: blocks.Memory(), ptr: ptr}
	return &TreeSetFile{
		logger: logger,
		blocks: blocks,
		root:   root,
		tree:   rbtree.New(root, nodeAccessor{memory: blocks.Memory()}),
	}
}

// New allocates a root record for an empty set from blocks
func New(logger *slog.Logger, blocks *block.BlockAllocator) (*TreeSetFile, error) {
	if blocks.BlockSize() != NodeSize {
		return nil, errors.Newf("tree set requires %d-byte blocks but allocator uses %d-byte blocks", NodeSize, blocks.BlockSize())
	}

	ptr, err := blocks.AllocateBlock()
	if err != nil {
		return nil, errors.Wrap(err, "failed to allocate tree set root")
	}

	set := newTreeSet(logger, blocks, ptr)
	set.root.SetRoot(memutils.NilOffset)
	set.root.setCount(0)

	logger.Debug("TreeSetFile::New", slog.Uint64("Ptr", ptr))
	return set, nil
}

// Load opens an existing set whose root record is at ptr
func Load(logger *slog.Logger, blocks *block.BlockAllocator, ptr memutils.Offset) (*TreeSetFile, error) {
	if blocks.BlockSize() != NodeSize {
		return nil, errors.Newf("tree set requires %d-byte blocks but allocator uses %d-byte blocks", NodeSize, blocks.BlockSize())
	}

	if ptr%NodeSize != 0 || ptr >= blocks.Memory().Size() {
		return nil, errors.Mark(errors.Newf("tree set root %d is not a block of the allocator", ptr), memutils.ErrCorruption)
	}

	set := newTreeSet(logger, blocks, ptr)
	logger.Debug("TreeSetFile::Load", slog.Uint64("Ptr", ptr), slog.Uint64("Size", set.Size()))
	return set, nil
}

// Ptr returns the offset of the set's root record
func (s *TreeSetFile) Ptr() memutils.Offset { return s.root.ptr }

// Blocks returns the allocator the set's nodes are carved from
func (s *TreeSetFile) Blocks() *block.BlockAllocator { return s.blocks }

// Size returns the number of values in the set
func (s *TreeSetFile) Size() uint64 { return s.root.count() }

// IsEmpty returns true if the set holds no values
func (s *TreeSetFile) IsEmpty() bool { return s.root.count() == 0 }

func (s *TreeSetFile) iterator(node memutils.Offset) Iterator {
	return Iterator{set: s, node: node}
}

// Insert adds value to the set. It returns an iterator at the value and true if the value was
// added, or an iterator at the existing value and false if it was already present.
func (s *TreeSetFile) Insert(value uint64) (Iterator, bool, error) {
	existing := s.tree.Find(value)
	if existing != memutils.NilOffset {
		return s.iterator(existing), false, nil
	}

	node, err := s.blocks.AllocateBlock()
	if err != nil {
		return s.End(), false, errors.Wrap(err, "failed to allocate tree set node")
	}

	s.tree.Nodes.setValue(node, value)
	s.tree.Insert(node)
	s.root.setCount(s.root.count() + 1)

	return s.iterator(node), true, nil
}

// InsertHint adds value to the set. If hint already points at value nothing is searched;
// otherwise it behaves like Insert.
func (s *TreeSetFile) InsertHint(hint Iterator, value uint64) (Iterator, error) {
	if hint.Valid() && hint.Value() == value {
		return hint, nil
	}

	it, _, err := s.Insert(value)
	return it, err
}

// Erase removes value from the set and returns an iterator at the next larger value. Erasing a
// value that is not present changes nothing.
func (s *TreeSetFile) Erase(value uint64) (Iterator, error) {
	node := s.tree.Find(value)
	if node == memutils.NilOffset {
		return s.FindGE(value), nil
	}

	return s.EraseAt(s.iterator(node))
}

// EraseAt removes the value it points at and returns an iterator at the next larger value
func (s *TreeSetFile) EraseAt(it Iterator) (Iterator, error) {
	if !it.Valid() {
		return it, errors.New("attempted to erase through an end iterator")
	}

	next := s.tree.Next(it.node)
	s.tree.Erase(it.node)
	s.root.setCount(s.root.count() - 1)

	err := s.blocks.FreeBlock(it.node)
	if err != nil {
		return s.iterator(next), errors.Wrap(err, "failed to free tree set node")
	}

	return s.iterator(next), nil
}

// Contains returns true if value is in the set
func (s *TreeSetFile) Contains(value uint64) bool {
	return s.tree.Find(value) != memutils.NilOffset
}

// Find returns an iterator at value, or End if it is not present
func (s *TreeSetFile) Find(value uint64) Iterator {
	return s.iterator(s.tree.Find(value))
}

// FindClosest returns the node where a search for value ends: the node holding value if it is
// present, otherwise the node a new value would be attached beneath. It returns End for an
// empty set.
func (s *TreeSetFile) FindClosest(value uint64) Iterator {
	closest := memutils.NilOffset
	current := s.root.Root()
	for current != memutils.NilOffset {
		closest = current
		currentValue := s.tree.Nodes.Value(current)
		switch {
		case value == currentValue:
			return s.iterator(current)
		case value < currentValue:
			current = s.tree.Nodes.Left(current)
		default:
			current = s.tree.Nodes.Right(current)
		}
	}

	return s.iterator(closest)
}

// FindGE returns an iterator at the smallest value that is at least value, or End
func (s *TreeSetFile) FindGE(value uint64) Iterator {
	return s.iterator(s.tree.FindGreaterEqual(value))
}

// FindLE returns an iterator at the largest value that is at most value, or End
func (s *TreeSetFile) FindLE(value uint64) Iterator {
	return s.iterator(s.tree.FindLessEqual(value))
}

// Begin returns an iterator at the smallest value
func (s *TreeSetFile) Begin() Iterator {
	return s.iterator(s.tree.First())
}

// Last returns an iterator at the largest value
func (s *TreeSetFile) Last() Iterator {
	return s.iterator(s.tree.Last())
}

// End returns the iterator that every walk off either end of the set reaches
func (s *TreeSetFile) End() Iterator {
	return s.iterator(memutils.NilOffset)
}

// Values returns the contents of the set in ascending order
func (s *TreeSetFile) Values() []uint64 {
	return s.tree.Values()
}

// Height returns the number of nodes on the longest root-to-leaf path
func (s *TreeSetFile) Height() int {
	return s.tree.Height()
}

// DestroyTree frees every node and then the root record. The set may not be used afterward.
func (s *TreeSetFile) DestroyTree() error {
	s.logger.Debug("TreeSetFile::DestroyTree", slog.Uint64("Ptr", s.root.ptr), slog.Uint64("Size", s.Size()))

	var err error
	stack := []memutils.Offset{s.root.Root()}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node == memutils.NilOffset {
			continue
		}

		stack = append(stack, s.tree.Nodes.Left(node), s.tree.Nodes.Right(node))
		err = errors.CombineErrors(err, s.blocks.FreeBlock(node))
	}

	s.root.SetRoot(memutils.NilOffset)
	s.root.setCount(0)
	err = errors.CombineErrors(err, s.blocks.FreeBlock(s.root.ptr))
	s.root.ptr = memutils.NilOffset
	return err
}

// Validate checks the tree's red-black structure, that values are unique and ascending, that
// no node is linked twice, and that the stored count matches
func (s *TreeSetFile) Validate() error {
	err := s.tree.Validate()
	if err != nil {
		return err
	}

	seen := swiss.NewMap[memutils.Offset, struct{}](uint32(s.Size()))
	var count uint64
	previous := memutils.NilOffset
	s.tree.Visit(func(node memutils.Offset) bool {
		if seen.Has(node) {
			err = errors.Newf("node %d is linked into the tree twice", node)
			return false
		}
		seen.Put(node, struct{}{})

		if previous != memutils.NilOffset && s.tree.Nodes.Value(previous) >= s.tree.Nodes.Value(node) {
			err = errors.Newf("value %d follows value %d", s.tree.Nodes.Value(node), s.tree.Nodes.Value(previous))
			return false
		}

		previous = node
		count++
		return true
	})
	if err != nil {
		return err
	}

	if count != s.Size() {
		return errors.Newf("tree set holds %d values but records %d", count, s.Size())
	}

	return nil
}

// Iterator points at one value of a TreeSetFile, or at End. Erasing the value an iterator points
// at invalidates it.
type Iterator struct {
	set  *TreeSetFile
	node memutils.Offset
}

// Valid returns false for End
func (i Iterator) Valid() bool { return i.node != memutils.NilOffset }

// Value returns the value the iterator points at
func (i Iterator) Value() uint64 { return i.set.tree.Nodes.Value(i.node) }

// Next moves to the next larger value
func (i *Iterator) Next() { i.node = i.set.tree.Next(i.node) }

// Prev moves to the next smaller value
func (i *Iterator) Prev() { i.node = i.set.tree.Prev(i.node) }

// SetValue replaces the value in place. The new value must still sort strictly between the
// neighbouring values, so the tree's shape does not change.
func (i Iterator) SetValue(value uint64) error {
	if !i.Valid() {
		return errors.New("attempted to set a value through an end iterator")
	}

	prev := i.set.tree.Prev(i.node)
	if prev != memutils.NilOffset && i.set.tree.Nodes.Value(prev) >= value {
		return errors.Mark(errors.Newf("value %d would not sort after its predecessor %d", value, i.set.tree.Nodes.Value(prev)), memutils.ErrCorruption)
	}

	next := i.set.tree.Next(i.node)
	if next != memutils.NilOffset && i.set.tree.Nodes.Value(next) <= value {
		return errors.Mark(errors.Newf("value %d would not sort before its successor %d", value, i.set.tree.Nodes.Value(next)), memutils.ErrCorruption)
	}

	i.set.tree.Nodes.setValue(i.node, value)
	return nil
}
