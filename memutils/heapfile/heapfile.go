// Package heapfile implements a binary min-heap of uint64 values persisted in a Region. Slot 0 of
// the region holds the element count and slots 1 through count hold the heap, so a heap file can
// be closed and reopened without any other metadata.
package heapfile

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/filealloc/memutils"
	"github.com/vkngwrapper/filealloc/memutils/region"
	"golang.org/x/exp/slog"
)

const (
	slotSize = 8
	// growthGranularity is the byte multiple the backing region is always grown to
	growthGranularity uint64 = 4096
	// growthSlack is the number of spare slots reserved past the current count on growth
	growthSlack uint64 = 512
)

// HeapFile is a persistent min-heap of uint64 values. Duplicate values are permitted.
type HeapFile struct {
	logger *slog.Logger
	region region.Region
}

// New opens a heap over an existing region. An empty region is a valid empty heap; it is sized
// on the first Push or BuildFromRange.
func New(logger *slog.Logger, heapRegion region.Region) (*HeapFile, error) {
	h := &HeapFile{
		logger: logger,
		region: heapRegion,
	}

	size := heapRegion.Size()
	if size > 0 && size < slotSize {
		return nil, errors.Mark(errors.Newf("heap region is %d bytes, smaller than its count slot", size), memutils.ErrCorruption)
	}

	if size >= slotSize {
		count := h.Size()
		if count >= size/slotSize {
			return nil, errors.Mark(errors.Newf("heap region holds %d slots but claims %d entries", size/slotSize-1, count), memutils.ErrCorruption)
		}
	}

	return h, nil
}

func get(data []byte, index uint64) uint64 {
	return binary.LittleEndian.Uint64(data[index*slotSize:])
}

func put(data []byte, index uint64, value uint64) {
	binary.LittleEndian.PutUint64(data[index*slotSize:], value)
}

// Size returns the number of values in the heap
func (h *HeapFile) Size() uint64 {
	if h.region.Size() < slotSize {
		return 0
	}
	return get(h.region.Bytes(), 0)
}

// IsEmpty returns true if the heap holds no values
func (h *HeapFile) IsEmpty() bool {
	return h.Size() == 0
}

// ensureSlots grows the region before a write so that it holds at least slots slots. Growth
// rounds up to growthGranularity and never less than doubles the region, so repeated pushes
// reallocate a logarithmic number of times.
func (h *HeapFile) ensureSlots(slots uint64) error {
	if slots > math.MaxUint64/slotSize-growthSlack {
		return errors.Mark(errors.Newf("heap cannot hold %d values", slots), memutils.ErrCapacityExceeded)
	}

	needed := slots * slotSize
	currentSize := h.region.Size()
	if needed <= currentSize {
		return nil
	}

	target := (h.Size() + growthSlack) * slotSize
	if target < needed {
		target = needed
	}
	if target < currentSize*2 {
		target = currentSize * 2
	}
	target = memutils.AlignUp(target, growthGranularity)

	h.logger.Debug("HeapFile::grow", slog.Uint64("From", currentSize), slog.Uint64("To", target))
	_, err := h.region.Reserve(target)
	if err != nil {
		return errors.Wrapf(err, "failed to grow heap region to %d bytes", target)
	}

	return nil
}

// Push adds a value to the heap
func (h *HeapFile) Push(value uint64) error {
	count := h.Size() + 1
	err := h.ensureSlots(count + 1)
	if err != nil {
		return err
	}

	data := h.region.Bytes()
	index := count
	for index > 1 {
		parent := index >> 1
		parentValue := get(data, parent)
		if parentValue <= value {
			break
		}

		put(data, index, parentValue)
		index = parent
	}

	put(data, index, value)
	put(data, 0, count)
	return nil
}

// Peek returns the smallest value without removing it. It returns false if the heap is empty.
func (h *HeapFile) Peek() (uint64, bool) {
	if h.Size() == 0 {
		return 0, false
	}

	return get(h.region.Bytes(), 1), true
}

// Pop removes and returns the smallest value. It returns false if the heap is empty.
func (h *HeapFile) Pop() (uint64, bool) {
	count := h.Size()
	if count == 0 {
		return 0, false
	}

	data := h.region.Bytes()
	top := get(data, 1)
	last := get(data, count)
	count--
	put(data, 0, count)

	if count > 0 {
		siftDown(data, 1, last, count)
	}

	return top, true
}

// siftDown places value at index and moves it toward the leaves until neither child is smaller.
// The right child is only preferred when it is strictly smaller than the left.
func siftDown(data []byte, index uint64, value uint64, count uint64) {
	for {
		child := index * 2
		if child > count {
			break
		}

		childValue := get(data, child)
		if right := child + 1; right <= count {
			rightValue := get(data, right)
			if rightValue < childValue {
				child = right
				childValue = rightValue
			}
		}

		if value <= childValue {
			break
		}

		put(data, index, childValue)
		index = child
	}

	put(data, index, value)
}

// BuildFromRange adds the values min, min+step, ..., min+(count-1)*step to the heap in O(n).
// An empty heap receives the run directly, since an ascending run is already a valid heap.
// A non-empty heap has the run appended and is then rebuilt bottom-up.
func (h *HeapFile) BuildFromRange(min uint64, count uint64, step uint64) error {
	if count == 0 {
		return nil
	}

	if step > 0 && count-1 > (math.MaxUint64-min)/step {
		return errors.Mark(errors.Newf("range of %d values from %d with step %d overflows", count, min, step), memutils.ErrCapacityExceeded)
	}

	existing := h.Size()
	total := existing + count
	if total < existing {
		return errors.Mark(errors.Newf("heap cannot hold %d more values", count), memutils.ErrCapacityExceeded)
	}

	err := h.ensureSlots(total + 1)
	if err != nil {
		return err
	}

	data := h.region.Bytes()
	value := min
	for index := existing + 1; index <= total; index++ {
		put(data, index, value)
		value += step
	}
	put(data, 0, total)

	if existing > 0 {
		for index := total / 2; index >= 1; index-- {
			siftDown(data, index, get(data, index), total)
		}
	}

	h.logger.Debug("HeapFile::BuildFromRange", slog.Uint64("Min", min), slog.Uint64("Count", count), slog.Uint64("Step", step))
	return nil
}

// Visit calls visitor for every value in heap order (not sorted order). Iteration stops early if
// visitor returns false.
func (h *HeapFile) Visit(visitor func(value uint64) bool) {
	count := h.Size()
	data := h.region.Bytes()
	for index := uint64(1); index <= count; index++ {
		if !visitor(get(data, index)) {
			return
		}
	}
}

// Validate verifies that the heap property holds for every slot and that the region is large
// enough for the stored count
func (h *HeapFile) Validate() error {
	size := h.region.Size()
	if size == 0 {
		return nil
	}

	if size < slotSize {
		return errors.Newf("heap region is %d bytes, smaller than its count slot", size)
	}

	count := h.Size()
	if count >= size/slotSize {
		return errors.Newf("heap region holds %d slots but claims %d entries", size/slotSize-1, count)
	}

	data := h.region.Bytes()
	for index := uint64(2); index <= count; index++ {
		parent := index >> 1
		if get(data, parent) > get(data, index) {
			return errors.Newf("heap property violated: slot %d holds %d but its child %d holds %d",
				parent, get(data, parent), index, get(data, index))
		}
	}

	return nil
}

// Sync flushes the heap's region
func (h *HeapFile) Sync() error {
	return h.region.Sync()
}

// Close closes the heap's region
func (h *HeapFile) Close() error {
	return h.region.Close()
}
