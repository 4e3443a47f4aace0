package alloc

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/filealloc/memutils"
	"github.com/vkngwrapper/filealloc/memutils/rbtree"
	"github.com/vkngwrapper/filealloc/memutils/region"
	"golang.org/x/exp/slog"
)

const (
	// RedBlackTreeGranularity is the unit every RedBlackTreeAllocator allocation is rounded to.
	// Each free range stores its tree node in its own first bytes.
	RedBlackTreeGranularity uint64 = 64
	// RedBlackTreeHeaderSize is the number of bytes at the start of the region reserved for the
	// allocator's own bookkeeping. No allocation is ever placed below it.
	RedBlackTreeHeaderSize uint64 = 64

	redBlackTreeMagic uint64 = 0x5254_4145_4552_4246

	headerMagic       = 0
	headerOffsetRoot  = 8
	headerSizeRoot    = 16
	headerFreeBytes   = 24
	headerAllocations = 32

	offsetLinks = 0
	sizeLinks   = 24
	nodeSize    = 48

	linkLeft   = 0
	linkRight  = 8
	linkParent = 16
)

// RedBlackTreeOptions configures a RedBlackTreeAllocator
type RedBlackTreeOptions struct {
	// GrowBy is the minimum number of bytes the region grows by when no free range can satisfy
	// a request. If it is 0 the region never grows and such requests fail with
	// memutils.ErrCapacityExceeded.
	GrowBy uint64
}

// freeLinks reads one of the two link triples embedded in every free range's node
type freeLinks struct {
	memory region.Region
	base   uint64
	bySize bool
}

func (l freeLinks) Left(node memutils.Offset) memutils.Offset {
	return region.Uint64(l.memory, node+l.base+linkLeft)
}

func (l freeLinks) SetLeft(node memutils.Offset, left memutils.Offset) {
	region.PutUint64(l.memory, node+l.base+linkLeft, left)
}

func (l freeLinks) Right(node memutils.Offset) memutils.Offset {
	return region.Uint64(l.memory, node+l.base+linkRight)
}

func (l freeLinks) SetRight(node memutils.Offset, right memutils.Offset) {
	region.PutUint64(l.memory, node+l.base+linkRight, right)
}

func (l freeLinks) Parent(node memutils.Offset) memutils.Offset {
	return rbtree.UnpackParent(region.Uint64(l.memory, node+l.base+linkParent))
}

func (l freeLinks) SetParent(node memutils.Offset, parent memutils.Offset) {
	word := region.Uint64(l.memory, node+l.base+linkParent)
	region.PutUint64(l.memory, node+l.base+linkParent, rbtree.PackParent(parent, rbtree.UnpackRed(word)))
}

func (l freeLinks) Red(node memutils.Offset) bool {
	return rbtree.UnpackRed(region.Uint64(l.memory, node+l.base+linkParent))
}

func (l freeLinks) SetRed(node memutils.Offset, red bool) {
	word := region.Uint64(l.memory, node+l.base+linkParent)
	region.PutUint64(l.memory, node+l.base+linkParent, rbtree.PackParent(rbtree.UnpackParent(word), red))
}

func (l freeLinks) Value(node memutils.Offset) uint64 {
	if l.bySize {
		return region.Uint64(l.memory, node+nodeSize)
	}
	return node
}

// headerRoot stores a tree root in the allocator header
type headerRoot struct {
	memory region.Region
	field  uint64
}

func (h headerRoot) Root() memutils.Offset {
	return region.Uint64(h.memory, h.field)
}

func (h headerRoot) SetRoot(node memutils.Offset) {
	region.PutUint64(h.memory, h.field, node)
}

type freeTree = rbtree.Tree[headerRoot, freeLinks]

// RedBlackTreeAllocator is a best-fit allocator whose free ranges are each members of two
// red-black trees at once: one ordered by offset, used to find neighbours for coalescing, and
// one ordered by size, used to find the smallest range that fits a request. Allocated ranges
// belong to neither tree, so the allocator does not know their sizes; callers pass the size
// back to Free.
type RedBlackTreeAllocator struct {
	logger  *slog.Logger
	memory  region.Region
	options RedBlackTreeOptions

	byOffset *freeTree
	bySize   *freeTree
}

var _ Allocator = &RedBlackTreeAllocator{}

// NewRedBlackTreeAllocator opens an allocator over memory. A region without the allocator's
// header is initialized, and any whole granules past the header become free space.
func NewRedBlackTreeAllocator(logger *slog.Logger, memory region.Region, options RedBlackTreeOptions) (*RedBlackTreeAllocator, error) {
	a := &RedBlackTreeAllocator{
		logger:   logger,
		memory:   memory,
		options:  options,
		byOffset: rbtree.New(headerRoot{memory: memory, field: headerOffsetRoot}, freeLinks{memory: memory, base: offsetLinks}),
		bySize:   rbtree.New(headerRoot{memory: memory, field: headerSizeRoot}, freeLinks{memory: memory, base: sizeLinks, bySize: true}),
	}

	if memory.Size() >= RedBlackTreeHeaderSize && region.Uint64(memory, headerMagic) == redBlackTreeMagic {
		logger.Debug("RedBlackTreeAllocator::New", slog.Uint64("Size", memory.Size()), slog.Uint64("FreeBytes", a.FreeBytes()))
		return a, nil
	}

	if memory.Size() >= RedBlackTreeHeaderSize && region.Uint64(memory, headerMagic) != 0 {
		return nil, errors.Mark(errors.Newf("region header has unrecognized magic %#x", region.Uint64(memory, headerMagic)), memutils.ErrCorruption)
	}

	_, err := memory.Reserve(RedBlackTreeHeaderSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reserve allocator header")
	}

	region.PutUint64(memory, headerMagic, redBlackTreeMagic)
	region.PutUint64(memory, headerOffsetRoot, memutils.NilOffset)
	region.PutUint64(memory, headerSizeRoot, memutils.NilOffset)
	region.PutUint64(memory, headerFreeBytes, 0)
	region.PutUint64(memory, headerAllocations, 0)

	end := memutils.AlignDown(memory.Size(), RedBlackTreeGranularity)
	if end > RedBlackTreeHeaderSize {
		err = a.insertFree(RedBlackTreeHeaderSize, end-RedBlackTreeHeaderSize)
		if err != nil {
			return nil, err
		}
	}

	logger.Debug("RedBlackTreeAllocator::New initialized region", slog.Uint64("Size", memory.Size()), slog.Uint64("FreeBytes", a.FreeBytes()))
	return a, nil
}

// Region returns the region allocations are made from
func (a *RedBlackTreeAllocator) Region() region.Region { return a.memory }

// Size returns the current size of the underlying region
func (a *RedBlackTreeAllocator) Size() uint64 { return a.memory.Size() }

// FreeBytes returns the number of bytes held in free ranges
func (a *RedBlackTreeAllocator) FreeBytes() uint64 {
	return region.Uint64(a.memory, headerFreeBytes)
}

func (a *RedBlackTreeAllocator) setFreeBytes(value uint64) {
	region.PutUint64(a.memory, headerFreeBytes, value)
}

// AllocationCount returns the number of live allocations
func (a *RedBlackTreeAllocator) AllocationCount() uint64 {
	return region.Uint64(a.memory, headerAllocations)
}

func (a *RedBlackTreeAllocator) setAllocationCount(value uint64) {
	region.PutUint64(a.memory, headerAllocations, value)
}

// LargestFree returns the size of the largest free range
func (a *RedBlackTreeAllocator) LargestFree() uint64 {
	last := a.bySize.Last()
	if last == memutils.NilOffset {
		return 0
	}
	return a.nodeSizeOf(last)
}

func (a *RedBlackTreeAllocator) nodeSizeOf(node memutils.Offset) uint64 {
	return region.Uint64(a.memory, node+nodeSize)
}

func (a *RedBlackTreeAllocator) setNodeSize(node memutils.Offset, size uint64) {
	region.PutUint64(a.memory, node+nodeSize, size)
}

func (a *RedBlackTreeAllocator) link(node memutils.Offset, size uint64) {
	a.setNodeSize(node, size)
	a.byOffset.Insert(node)
	a.bySize.Insert(node)
}

func (a *RedBlackTreeAllocator) unlink(node memutils.Offset) {
	a.byOffset.Erase(node)
	a.bySize.Erase(node)
}

func (a *RedBlackTreeAllocator) resize(node memutils.Offset, size uint64) {
	a.bySize.Erase(node)
	a.setNodeSize(node, size)
	a.bySize.Insert(node)
}

func roundAllocationSize(size uint64) (uint64, error) {
	if size == 0 || size > MaxAllocationSize {
		return 0, errors.Mark(errors.Newf("allocation size %d is outside the range 1 to %d", size, MaxAllocationSize), memutils.ErrCapacityExceeded)
	}
	return memutils.AlignUp(size, RedBlackTreeGranularity), nil
}

// Allocate reserves size bytes, rounded up to RedBlackTreeGranularity, from the smallest free
// range that can hold them. Any remainder of that range stays free.
func (a *RedBlackTreeAllocator) Allocate(size uint64) (memutils.Offset, error) {
	rounded, err := roundAllocationSize(size)
	if err != nil {
		return memutils.NilOffset, err
	}

	node := a.bySize.FindGreaterEqual(rounded)
	if node == memutils.NilOffset {
		if a.options.GrowBy == 0 {
			return memutils.NilOffset, errors.Mark(errors.Newf("no free range holds %d bytes", rounded), memutils.ErrCapacityExceeded)
		}

		err = a.grow(rounded)
		if err != nil {
			return memutils.NilOffset, err
		}

		node = a.bySize.FindGreaterEqual(rounded)
		if node == memutils.NilOffset {
			return memutils.NilOffset, errors.Mark(errors.Newf("no free range holds %d bytes after growth", rounded), memutils.ErrCorruption)
		}
	}

	available := a.nodeSizeOf(node)
	a.unlink(node)
	if available > rounded {
		a.link(node+rounded, available-rounded)
	}

	a.setFreeBytes(a.FreeBytes() - rounded)
	a.setAllocationCount(a.AllocationCount() + 1)

	a.logger.Debug("RedBlackTreeAllocator::Allocate", slog.Uint64("Size", rounded), slog.Uint64("Offset", node))
	memutils.DebugValidate(a)
	return node, nil
}

func (a *RedBlackTreeAllocator) grow(size uint64) error {
	growBy := a.options.GrowBy
	if growBy < size {
		growBy = size
	}

	start := memutils.AlignDown(a.memory.Size(), RedBlackTreeGranularity)
	end := memutils.AlignUp(start+growBy, RedBlackTreeGranularity)
	if end <= start {
		return errors.Mark(errors.Newf("cannot grow allocator region of %d bytes by %d more", start, growBy), memutils.ErrCapacityExceeded)
	}

	a.logger.Debug("RedBlackTreeAllocator::grow", slog.Uint64("From", start), slog.Uint64("To", end))
	reserved, err := a.memory.Reserve(end)
	if err != nil {
		return errors.Wrapf(err, "failed to grow allocator region to %d bytes", end)
	}

	end = memutils.AlignDown(reserved, RedBlackTreeGranularity)
	return a.insertFree(start, end-start)
}

// Free returns the range [ptr, ptr+size) to the allocator, where size is the value passed to
// the Allocate call that produced ptr. The range is merged with free neighbours on either side.
// Ranges that are misaligned, outside the region, or overlap free space are rejected with
// memutils.ErrCorruption.
func (a *RedBlackTreeAllocator) Free(ptr memutils.Offset, size uint64) error {
	rounded, err := roundAllocationSize(size)
	if err != nil {
		return err
	}

	err = a.insertFree(ptr, rounded)
	if err != nil {
		return err
	}

	if count := a.AllocationCount(); count > 0 {
		a.setAllocationCount(count - 1)
	}
	memutils.DebugValidate(a)
	return nil
}

// AddRegion donates the range [ptr, ptr+size) to the allocator as free space. The range must
// lie inside the region, past the header, and be aligned to RedBlackTreeGranularity.
func (a *RedBlackTreeAllocator) AddRegion(ptr memutils.Offset, size uint64) error {
	if size == 0 || size%RedBlackTreeGranularity != 0 {
		return errors.Newf("donated range size %d is not a multiple of %d", size, RedBlackTreeGranularity)
	}

	err := a.insertFree(ptr, size)
	if err != nil {
		return err
	}

	memutils.DebugValidate(a)
	return nil
}

func (a *RedBlackTreeAllocator) insertFree(ptr memutils.Offset, size uint64) error {
	if ptr < RedBlackTreeHeaderSize || ptr%RedBlackTreeGranularity != 0 || ptr > a.memory.Size() || a.memory.Size()-ptr < size {
		a.logger.Error("RedBlackTreeAllocator received an invalid range", slog.Uint64("Offset", ptr), slog.Uint64("Size", size))
		return errors.Mark(errors.Newf("range at %d of %d bytes is not inside the allocator's region", ptr, size), memutils.ErrCorruption)
	}

	prev := a.byOffset.FindLessEqual(ptr)
	if prev != memutils.NilOffset && prev+a.nodeSizeOf(prev) > ptr {
		a.logger.Error("RedBlackTreeAllocator received a range overlapping free space", slog.Uint64("Offset", ptr), slog.Uint64("Size", size), slog.Uint64("FreeOffset", prev))
		return errors.Mark(errors.Newf("range at %d of %d bytes overlaps free range at %d", ptr, size, prev), memutils.ErrCorruption)
	}

	next := a.byOffset.FindGreaterEqual(ptr)
	if next != memutils.NilOffset && next < ptr+size {
		a.logger.Error("RedBlackTreeAllocator received a range overlapping free space", slog.Uint64("Offset", ptr), slog.Uint64("Size", size), slog.Uint64("FreeOffset", next))
		return errors.Mark(errors.Newf("range at %d of %d bytes overlaps free range at %d", ptr, size, next), memutils.ErrCorruption)
	}

	a.link(ptr, size)
	a.setFreeBytes(a.FreeBytes() + size)
	a.coalesce(ptr)
	return nil
}

// coalesce merges the free range at node with the free ranges that immediately follow and
// precede it
func (a *RedBlackTreeAllocator) coalesce(node memutils.Offset) {
	size := a.nodeSizeOf(node)

	next := a.byOffset.Next(node)
	if next != memutils.NilOffset && next == node+size {
		size += a.nodeSizeOf(next)
		a.unlink(next)
		a.resize(node, size)
	}

	prev := a.byOffset.Prev(node)
	if prev != memutils.NilOffset && prev+a.nodeSizeOf(prev) == node {
		a.unlink(node)
		a.resize(prev, a.nodeSizeOf(prev)+size)
	}
}

// VisitFreeRegions calls visitor for every free range in offset order
func (a *RedBlackTreeAllocator) VisitFreeRegions(visitor func(offset memutils.Offset, size uint64) bool) {
	a.byOffset.Visit(func(node memutils.Offset) bool {
		return visitor(node, a.nodeSizeOf(node))
	})
}

// AddStatistics sums this allocator's statistics into stats
func (a *RedBlackTreeAllocator) AddStatistics(stats *memutils.Statistics) {
	size := memutils.AlignDown(a.memory.Size(), RedBlackTreeGranularity)
	stats.RegionCount++
	stats.RegionBytes += int(size)
	stats.AllocationCount += int(a.AllocationCount())
	stats.AllocationBytes += int(size - RedBlackTreeHeaderSize - a.FreeBytes())
}

// AddDetailedStatistics sums this allocator's statistics and free ranges into stats. Allocation
// sizes are not tracked, so the allocation extremes are left untouched.
func (a *RedBlackTreeAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.AddStatistics(&stats.Statistics)
	a.VisitFreeRegions(func(offset memutils.Offset, size uint64) bool {
		stats.AddUnusedRange(int(size))
		return true
	})
}

// BlockJsonData populates a json object with information about this allocator's region
func (a *RedBlackTreeAllocator) BlockJsonData(json jwriter.ObjectState) {
	var unusedRanges int
	a.VisitFreeRegions(func(offset memutils.Offset, size uint64) bool {
		unusedRanges++
		return true
	})

	writeRegionJson(json, a.memory.Size(), a.FreeBytes(), int(a.AllocationCount()), unusedRanges)
	json.Name("LargestFree").Int(int(a.LargestFree()))
}

// Validate checks both trees, confirms they hold exactly the same free ranges, and verifies that
// free ranges are in bounds, disjoint, fully coalesced and sum to FreeBytes
func (a *RedBlackTreeAllocator) Validate() error {
	if region.Uint64(a.memory, headerMagic) != redBlackTreeMagic {
		return errors.New("allocator header magic is missing")
	}

	err := a.byOffset.Validate()
	if err != nil {
		return errors.Wrap(err, "offset tree")
	}

	err = a.bySize.Validate()
	if err != nil {
		return errors.Wrap(err, "size tree")
	}

	members := swiss.NewMap[memutils.Offset, uint64](42)
	var total uint64
	var memberCount int
	previousEnd := memutils.NilOffset
	a.VisitFreeRegions(func(offset memutils.Offset, size uint64) bool {
		switch {
		case offset < RedBlackTreeHeaderSize || offset%RedBlackTreeGranularity != 0:
			err = errors.Newf("free range at %d is misaligned or inside the header", offset)
		case size == 0 || size%RedBlackTreeGranularity != 0:
			err = errors.Newf("free range at %d has invalid size %d", offset, size)
		case offset+size > a.memory.Size():
			err = errors.Newf("free range at %d of %d bytes extends past the region end %d", offset, size, a.memory.Size())
		case previousEnd != memutils.NilOffset && offset < previousEnd:
			err = errors.Newf("free range at %d overlaps the previous range ending at %d", offset, previousEnd)
		case previousEnd != memutils.NilOffset && offset == previousEnd:
			err = errors.Newf("free range at %d was not coalesced with the previous range", offset)
		}
		if err != nil {
			return false
		}

		members.Put(offset, size)
		memberCount++
		total += size
		previousEnd = offset + size
		return true
	})
	if err != nil {
		return err
	}

	var sizeCount int
	a.bySize.Visit(func(node memutils.Offset) bool {
		size, ok := members.Get(node)
		if !ok {
			err = errors.Newf("free range at %d is in the size tree but not the offset tree", node)
			return false
		}
		if size != a.nodeSizeOf(node) {
			err = errors.Newf("free range at %d has mismatched sizes", node)
			return false
		}
		sizeCount++
		return true
	})
	if err != nil {
		return err
	}

	if sizeCount != memberCount {
		return errors.Newf("offset tree holds %d ranges but size tree holds %d", memberCount, sizeCount)
	}

	if total != a.FreeBytes() {
		return errors.Newf("free ranges hold %d bytes but %d are recorded", total, a.FreeBytes())
	}

	return nil
}
