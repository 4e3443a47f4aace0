package alloc

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/filealloc/memutils"
	"github.com/vkngwrapper/filealloc/memutils/block"
	"github.com/vkngwrapper/filealloc/memutils/region"
	"github.com/vkngwrapper/filealloc/memutils/treeset"
	"golang.org/x/exp/slog"
)

const (
	// DefaultAllocationUnitSize is the number of bytes a LinearAllocator's data region grows by
	// when no options are provided
	DefaultAllocationUnitSize uint64 = 16 * 1024 * 1024
	// MinAllocationUnitSize is the smallest growth step a LinearAllocator accepts
	MinAllocationUnitSize uint64 = 4096

	// LinearAlignment is the alignment of every boundary in a LinearAllocator's data region
	LinearAlignment uint64 = 8
	// LinearHeaderSize is the number of bytes placed before every allocation to record its extent
	LinearHeaderSize uint64 = 8

	endMarker uint64 = 1
)

// LinearOptions configures a LinearAllocator
type LinearOptions struct {
	// AllocationUnitSize is the number of bytes the data region grows by when no free span can
	// satisfy a request. It is rounded up to a power of two no smaller than MinAllocationUnitSize.
	// If it is 0, DefaultAllocationUnitSize is used.
	AllocationUnitSize uint64
}

// LinearAllocator is a first-fit allocator over a growable data region. Every allocation is
// preceded by a header recording its full extent, so Free needs only the pointer. Free space is
// recorded as pairs of boundary markers in a TreeSetFile: the start offset of a span, followed
// by its end offset with the low bit set. Adjacent free spans are always merged, so markers
// alternate between starts and ends.
type LinearAllocator struct {
	logger     *slog.Logger
	data       region.Region
	boundaries *treeset.TreeSetFile
	unitSize   uint64
	freeBytes  uint64
}

var _ Allocator = &LinearAllocator{}

// NewLinearAllocator creates a LinearAllocator over a data region whose free spans are recorded
// in boundaries. A data region with no free spans whose first word is zero has never been
// allocated from, and all of it becomes free.
func NewLinearAllocator(logger *slog.Logger, data region.Region, boundaries *treeset.TreeSetFile, options LinearOptions) (*LinearAllocator, error) {
	unitSize := options.AllocationUnitSize
	if unitSize == 0 {
		unitSize = DefaultAllocationUnitSize
	}
	if unitSize < MinAllocationUnitSize {
		unitSize = MinAllocationUnitSize
	}
	if unitSize > memutils.MaxPow2 {
		return nil, errors.Mark(errors.Newf("allocation unit size %d cannot be rounded to a power of two", unitSize), memutils.ErrCapacityExceeded)
	}
	unitSize = memutils.NextPow2(unitSize)

	a := &LinearAllocator{
		logger:     logger,
		data:       data,
		boundaries: boundaries,
		unitSize:   unitSize,
	}

	if boundaries.Size()%2 != 0 {
		return nil, errors.Mark(errors.Newf("boundary set holds an odd number of markers: %d", boundaries.Size()), memutils.ErrCorruption)
	}

	var err error
	a.visitSpans(func(start, end uint64) bool {
		if end <= start || end > a.Reserved() {
			err = errors.Mark(errors.Newf("free span [%d, %d) is invalid for a region of %d bytes", start, end, a.Reserved()), memutils.ErrCorruption)
			return false
		}
		a.freeBytes += end - start
		return true
	})
	if err != nil {
		return nil, err
	}

	if boundaries.IsEmpty() && a.Reserved() >= LinearAlignment && region.Uint64(data, 0) == 0 {
		err = a.insertSpan(0, a.Reserved())
		if err != nil {
			return nil, err
		}
	}

	logger.Debug("LinearAllocator::New",
		slog.Uint64("Reserved", a.Reserved()),
		slog.Uint64("Used", a.Used()),
		slog.Uint64("AllocationUnitSize", unitSize))
	return a, nil
}

// OpenLinearAllocator opens a LinearAllocator whose data lives in the file at path and whose
// boundary markers live in a tree set stored in path + ".tree". Files that do not exist are
// created.
func OpenLinearAllocator(logger *slog.Logger, path string, options LinearOptions) (*LinearAllocator, error) {
	data, err := region.Open(path)
	if err != nil {
		return nil, err
	}

	blocks, err := block.Open(logger, path+".tree", block.CreateOptions{BlockSize: treeset.NodeSize})
	if err != nil {
		_ = data.Close()
		return nil, err
	}

	var boundaries *treeset.TreeSetFile
	if blocks.Capacity() == 0 {
		boundaries, err = treeset.New(logger, blocks)
	} else {
		boundaries, err = treeset.Load(logger, blocks, 0)
	}
	if err == nil && boundaries.Ptr() != 0 {
		err = errors.Mark(errors.Newf("boundary set root was placed at %d", boundaries.Ptr()), memutils.ErrCorruption)
	}
	if err != nil {
		_ = data.Close()
		_ = blocks.Close()
		return nil, err
	}

	a, err := NewLinearAllocator(logger, data, boundaries, options)
	if err != nil {
		_ = data.Close()
		_ = blocks.Close()
		return nil, err
	}

	return a, nil
}

// Region returns the data region allocations are made from
func (a *LinearAllocator) Region() region.Region { return a.data }

// Reserved returns the number of bytes the data region covers
func (a *LinearAllocator) Reserved() uint64 {
	return memutils.AlignDown(a.data.Size(), LinearAlignment)
}

// Used returns the number of reserved bytes that are not free, including headers
func (a *LinearAllocator) Used() uint64 {
	return a.Reserved() - a.freeBytes
}

// FreeBytes returns the number of bytes held in free spans
func (a *LinearAllocator) FreeBytes() uint64 { return a.freeBytes }

func extentFor(size uint64) (uint64, error) {
	if size == 0 || size > MaxAllocationSize {
		return 0, errors.Mark(errors.Newf("allocation size %d is outside the range 1 to %d", size, MaxAllocationSize), memutils.ErrCapacityExceeded)
	}

	return memutils.AlignUp(size, LinearAlignment) + LinearHeaderSize + memutils.DebugMargin, nil
}

// Allocate reserves size bytes from the lowest free span that can hold them, growing the data
// region if none can. The returned pointer is 8-byte aligned and never 0.
func (a *LinearAllocator) Allocate(size uint64) (memutils.Offset, error) {
	need, err := extentFor(size)
	if err != nil {
		return memutils.NilOffset, err
	}

	ptr, err := a.allocateExtent(need, memutils.NilOffset)
	if err != nil {
		return memutils.NilOffset, err
	}

	if ptr == memutils.NilOffset {
		err = a.grow(need)
		if err != nil {
			return memutils.NilOffset, err
		}

		ptr, err = a.allocateExtent(need, memutils.NilOffset)
		if err != nil {
			return memutils.NilOffset, err
		}
		if ptr == memutils.NilOffset {
			return memutils.NilOffset, errors.Mark(errors.Newf("no free span holds %d bytes after growth", need), memutils.ErrCorruption)
		}
	}

	memutils.DebugValidate(a)
	return ptr, nil
}

// AllocateBefore reserves size bytes from the lowest free span that can hold them, provided the
// allocation would end at or before limit. It never grows the data region, and returns
// memutils.NilOffset without an error when no span qualifies.
func (a *LinearAllocator) AllocateBefore(size uint64, limit memutils.Offset) (memutils.Offset, error) {
	need, err := extentFor(size)
	if err != nil {
		return memutils.NilOffset, err
	}

	ptr, err := a.allocateExtent(need, limit)
	if err != nil {
		return memutils.NilOffset, err
	}

	memutils.DebugValidate(a)
	return ptr, nil
}

func (a *LinearAllocator) allocateExtent(need uint64, limit memutils.Offset) (memutils.Offset, error) {
	it := a.boundaries.Begin()
	for it.Valid() {
		startIt := it
		start := it.Value()
		it.Next()
		if !it.Valid() {
			return memutils.NilOffset, errors.Mark(errors.Newf("free span at %d has no end marker", start), memutils.ErrCorruption)
		}
		endIt := it
		end := it.Value() &^ endMarker
		it.Next()

		if limit != memutils.NilOffset && start+need > limit {
			a.logger.Debug("LinearAllocator::allocateExtent passed limit", slog.Uint64("Start", start), slog.Uint64("Limit", limit))
			return memutils.NilOffset, nil
		}

		if end-start < need {
			a.logger.Debug("LinearAllocator::allocateExtent span too small",
				slog.Uint64("Start", start),
				slog.Uint64("End", end),
				slog.Uint64("Need", need))
			continue
		}

		var err error
		if end-start == need {
			_, err = a.boundaries.EraseAt(endIt)
			if err == nil {
				_, err = a.boundaries.EraseAt(startIt)
			}
		} else {
			err = startIt.SetValue(start + need)
		}
		if err != nil {
			return memutils.NilOffset, errors.Wrap(err, "failed to update free span")
		}

		a.freeBytes -= need
		region.PutUint64(a.data, start, need)
		memutils.WriteMagicValue(a.data.Bytes(), start+need-memutils.DebugMargin)

		a.logger.Debug("LinearAllocator::Allocate", slog.Uint64("Start", start), slog.Uint64("Need", need))
		return start + LinearHeaderSize, nil
	}

	return memutils.NilOffset, nil
}

func (a *LinearAllocator) grow(need uint64) error {
	tail := a.Reserved()
	step := memutils.AlignUp(need, a.unitSize)
	newSize := tail + step
	if step < need || newSize < tail {
		return errors.Mark(errors.Newf("cannot grow data region of %d bytes by %d more", tail, need), memutils.ErrCapacityExceeded)
	}

	a.logger.Debug("LinearAllocator::grow", slog.Uint64("From", tail), slog.Uint64("To", newSize))
	_, err := a.data.Reserve(newSize)
	if err != nil {
		return errors.Wrapf(err, "failed to grow data region to %d bytes", newSize)
	}

	return a.insertSpan(tail, a.Reserved())
}

// extentAt reads and checks the header of the allocation whose pointer is ptr
func (a *LinearAllocator) extentAt(ptr memutils.Offset) (start uint64, end uint64, err error) {
	if ptr < LinearHeaderSize || ptr%LinearAlignment != 0 || ptr > a.Reserved() {
		return 0, 0, errors.Mark(errors.Newf("pointer %d is not an allocation in a region of %d bytes", ptr, a.Reserved()), memutils.ErrCorruption)
	}

	start = ptr - LinearHeaderSize
	need := region.Uint64(a.data, start)
	if need < LinearHeaderSize+LinearAlignment+memutils.DebugMargin || need%LinearAlignment != 0 || need > a.Reserved()-start {
		return 0, 0, errors.Mark(errors.Newf("allocation at %d has an invalid header %d", ptr, need), memutils.ErrCorruption)
	}

	return start, start + need, nil
}

// SizeOf returns the usable size of the allocation at ptr, which is the requested size rounded
// up to 8 bytes
func (a *LinearAllocator) SizeOf(ptr memutils.Offset) (uint64, error) {
	start, end, err := a.extentAt(ptr)
	if err != nil {
		return 0, err
	}

	return end - start - LinearHeaderSize - memutils.DebugMargin, nil
}

// Free returns the allocation at ptr to the allocator, merging it with free spans on either
// side. Freeing 0 or memutils.NilOffset does nothing. An allocation whose header is damaged or
// that overlaps free space is rejected with memutils.ErrCorruption and nothing is changed.
func (a *LinearAllocator) Free(ptr memutils.Offset) error {
	if ptr == 0 || ptr == memutils.NilOffset {
		return nil
	}

	start, end, err := a.extentAt(ptr)
	if err != nil {
		a.logger.Error("LinearAllocator::Free received an invalid pointer", slog.Uint64("Ptr", ptr), slog.Any("Error", err))
		return err
	}

	if !memutils.ValidateMagicValue(a.data.Bytes(), end-memutils.DebugMargin) {
		a.logger.Error("LinearAllocator::Free found overwritten debug margin", slog.Uint64("Ptr", ptr))
		return errors.Mark(errors.Newf("allocation at %d wrote past its end", ptr), memutils.ErrCorruption)
	}

	err = a.insertSpan(start, end)
	if err != nil {
		a.logger.Error("LinearAllocator::Free failed", slog.Uint64("Ptr", ptr), slog.Any("Error", err))
		return err
	}

	a.logger.Debug("LinearAllocator::Free", slog.Uint64("Start", start), slog.Uint64("End", end))
	memutils.DebugValidate(a)
	return nil
}

// insertSpan marks [start, end) free, merging it with the spans that end at start and begin at
// end. If the range overlaps a free span nothing is changed.
func (a *LinearAllocator) insertSpan(start, end uint64) error {
	next := a.boundaries.FindGE(start)
	if next.Valid() && next.Value() == start|endMarker {
		next.Next()
	}
	if next.Valid() && (next.Value()&endMarker != 0 || next.Value() < end) {
		return errors.Mark(errors.Newf("range [%d, %d) overlaps free space at %d", start, end, next.Value()&^endMarker), memutils.ErrCorruption)
	}

	var prev treeset.Iterator
	if next.Valid() {
		prev = next
		prev.Prev()
	} else {
		prev = a.boundaries.Last()
	}

	mergePrev := prev.Valid() && prev.Value() == start|endMarker
	mergeNext := next.Valid() && next.Value() == end

	var err error
	switch {
	case mergePrev && mergeNext:
		_, err = a.boundaries.EraseAt(next)
		if err == nil {
			_, err = a.boundaries.EraseAt(prev)
		}
	case mergePrev:
		err = prev.SetValue(end | endMarker)
	case mergeNext:
		err = next.SetValue(start)
	default:
		var startIt treeset.Iterator
		startIt, _, err = a.boundaries.Insert(start)
		if err != nil {
			break
		}

		_, _, err = a.boundaries.Insert(end | endMarker)
		if err != nil {
			_, _ = a.boundaries.EraseAt(startIt)
		}
	}
	if err != nil {
		return errors.Wrapf(err, "failed to record free span [%d, %d)", start, end)
	}

	a.freeBytes += end - start
	return nil
}

func (a *LinearAllocator) visitSpans(visitor func(start, end uint64) bool) {
	it := a.boundaries.Begin()
	for it.Valid() {
		start := it.Value()
		it.Next()
		if !it.Valid() {
			return
		}

		end := it.Value() &^ endMarker
		it.Next()
		if !visitor(start, end) {
			return
		}
	}
}

// VisitFreeRegions calls visitor for every free span in offset order
func (a *LinearAllocator) VisitFreeRegions(visitor func(offset memutils.Offset, size uint64) bool) {
	a.visitSpans(func(start, end uint64) bool {
		return visitor(start, end-start)
	})
}

// VisitAllRegions walks the data region in offset order. Free spans are reported with their
// start offset and size. Allocations are reported with the pointer Allocate returned and their
// usable size. An error is returned if the allocation headers do not tile the region.
func (a *LinearAllocator) VisitAllRegions(visitor func(offset memutils.Offset, size uint64, free bool) bool) error {
	var err error
	cursor := uint64(0)
	stopped := false

	walkAllocations := func(limit uint64) bool {
		for cursor < limit {
			var start, end uint64
			start, end, err = a.extentAt(cursor + LinearHeaderSize)
			if err == nil && end > limit {
				err = errors.Mark(errors.Newf("allocation at %d overruns the free span at %d", cursor, limit), memutils.ErrCorruption)
			}
			if err != nil {
				return false
			}

			if !visitor(start+LinearHeaderSize, end-start-LinearHeaderSize-memutils.DebugMargin, false) {
				stopped = true
				return false
			}
			cursor = end
		}
		return true
	}

	a.visitSpans(func(start, end uint64) bool {
		if !walkAllocations(start) {
			return false
		}

		if !visitor(start, end-start, true) {
			stopped = true
			return false
		}
		cursor = end
		return true
	})
	if err != nil || stopped {
		return err
	}

	walkAllocations(a.Reserved())
	return err
}

// CheckCorruption verifies the debug margin after every allocation. It always succeeds unless
// the debug_mem_utils build tag is present.
func (a *LinearAllocator) CheckCorruption() error {
	var corrupt error
	err := a.VisitAllRegions(func(offset memutils.Offset, size uint64, free bool) bool {
		if free {
			return true
		}

		if !memutils.ValidateMagicValue(a.data.Bytes(), offset+size) {
			a.logger.Error("LinearAllocator::CheckCorruption found overwritten debug margin", slog.Uint64("Ptr", offset))
			corrupt = errors.Mark(errors.Newf("allocation at %d wrote past its end", offset), memutils.ErrCorruption)
			return false
		}
		return true
	})

	return errors.CombineErrors(err, corrupt)
}

func (a *LinearAllocator) addAllocations(stats *memutils.Statistics, detailed *memutils.DetailedStatistics) {
	stats.RegionCount++
	stats.RegionBytes += int(a.Reserved())

	err := a.VisitAllRegions(func(offset memutils.Offset, size uint64, free bool) bool {
		switch {
		case free && detailed != nil:
			detailed.AddUnusedRange(int(size))
		case !free && detailed != nil:
			detailed.AddAllocation(int(size))
		case !free:
			stats.AllocationCount++
			stats.AllocationBytes += int(size)
		}
		return true
	})
	if err != nil {
		a.logger.Error("LinearAllocator statistics skipped a damaged region", slog.Any("Error", err))
	}
}

// AddStatistics sums this allocator's statistics into stats
func (a *LinearAllocator) AddStatistics(stats *memutils.Statistics) {
	a.addAllocations(stats, nil)
}

// AddDetailedStatistics sums this allocator's statistics, allocations and free spans into stats
func (a *LinearAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.addAllocations(&stats.Statistics, stats)
}

// BlockJsonData populates a json object with information about this allocator's data region
func (a *LinearAllocator) BlockJsonData(json jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	a.AddDetailedStatistics(&stats)

	writeRegionJson(json, a.Reserved(), a.freeBytes, stats.AllocationCount, stats.UnusedRangeCount)
	json.Name("Used").Int(int(a.Used()))
}

// Validate checks the boundary set, that markers alternate between starts and ends of
// non-adjacent spans inside the region, that free bytes are counted correctly, and that
// allocation headers tile the space between spans
func (a *LinearAllocator) Validate() error {
	err := a.boundaries.Validate()
	if err != nil {
		return errors.Wrap(err, "boundary set")
	}

	if a.boundaries.Size()%2 != 0 {
		return errors.Newf("boundary set holds an odd number of markers: %d", a.boundaries.Size())
	}

	var total uint64
	var previousEnd uint64
	first := true
	it := a.boundaries.Begin()
	for it.Valid() {
		start := it.Value()
		it.Next()
		end := it.Value()
		it.Next()

		switch {
		case start&endMarker != 0 || start%LinearAlignment != 0:
			return errors.Newf("marker %d is not a span start", start)
		case end&endMarker == 0 || (end&^endMarker)%LinearAlignment != 0:
			return errors.Newf("marker %d is not a span end", end)
		case !first && start <= previousEnd:
			return errors.Newf("free span at %d was not merged with the span ending at %d", start, previousEnd)
		case end&^endMarker > a.Reserved():
			return errors.Newf("free span at %d extends past the region end %d", start, a.Reserved())
		}

		first = false
		previousEnd = end &^ endMarker
		total += previousEnd - start
	}

	if total != a.freeBytes {
		return errors.Newf("free spans hold %d bytes but %d are recorded", total, a.freeBytes)
	}

	return a.VisitAllRegions(func(offset memutils.Offset, size uint64, free bool) bool { return true })
}

// Sync flushes the data region and the boundary set's regions
func (a *LinearAllocator) Sync() error {
	return errors.CombineErrors(a.data.Sync(), a.boundaries.Blocks().Sync())
}

// Close closes the data region and the boundary set's regions. Memory still allocated is
// reported but not treated as an error.
func (a *LinearAllocator) Close() error {
	if a.Used() > 0 {
		a.logger.Warn("LinearAllocator closed with memory still allocated", slog.Uint64("Used", a.Used()))
	}

	return errors.CombineErrors(a.data.Close(), a.boundaries.Blocks().Close())
}
