package block

import (
	"fmt"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/filealloc/memutils"
	"github.com/vkngwrapper/filealloc/memutils/heapfile"
	"github.com/vkngwrapper/filealloc/memutils/region"
	"golang.org/x/exp/slog"
)

const (
	// SuperblockSize is the unit the MultiBlockAllocator's memory region grows by. Each
	// superblock serves a single size class.
	SuperblockSize uint64 = 1 << 24
	// MaxMultiBlockSize is the largest request a MultiBlockAllocator can serve
	MaxMultiBlockSize = SuperblockSize

	minClassBits   = 3
	sizeClassCount = 24 - minClassBits + 1
	classTableUnit = 4096
)

// RegionOpener opens the region identified by name, creating it if needed. MultiBlockAllocator
// uses it to open its per-class free lists lazily.
type RegionOpener func(name string) (region.Region, error)

// MultiBlockAllocator serves power-of-two sized blocks from 8 bytes to 16 MiB out of one memory
// region. The region is carved into superblocks, each dedicated to one size class; a table
// with one byte per superblock records the class so FreeBlock needs only an offset.
type MultiBlockAllocator struct {
	logger  *slog.Logger
	opener  RegionOpener
	memory  region.Region
	classes region.Region
	free    [sizeClassCount]*heapfile.HeapFile
}

// NewMultiBlockAllocator opens the memory region under the name "" and the class table under
// ".classes" through opener. Free lists are opened on first use under ".free.<blocksize>".
func NewMultiBlockAllocator(logger *slog.Logger, opener RegionOpener) (*MultiBlockAllocator, error) {
	memory, err := opener("")
	if err != nil {
		return nil, err
	}

	classes, err := opener(".classes")
	if err != nil {
		_ = memory.Close()
		return nil, err
	}

	if memory.Size()%SuperblockSize != 0 {
		_ = memory.Close()
		_ = classes.Close()
		return nil, errors.Mark(errors.Newf("memory region size %d is not a multiple of the superblock size", memory.Size()), memutils.ErrCorruption)
	}

	if classes.Size() < memory.Size()/SuperblockSize {
		_ = memory.Close()
		_ = classes.Close()
		return nil, errors.Mark(errors.Newf("class table holds %d entries for %d superblocks", classes.Size(), memory.Size()/SuperblockSize), memutils.ErrCorruption)
	}

	return &MultiBlockAllocator{
		logger:  logger,
		opener:  opener,
		memory:  memory,
		classes: classes,
	}, nil
}

// OpenMultiBlockAllocator creates a MultiBlockAllocator whose files all share the prefix path
func OpenMultiBlockAllocator(logger *slog.Logger, path string) (*MultiBlockAllocator, error) {
	return NewMultiBlockAllocator(logger, func(name string) (region.Region, error) {
		return region.Open(path + name)
	})
}

func classForSize(size uint64) int {
	if size < MinBlockSize {
		size = MinBlockSize
	}
	return bits.Len64(memutils.NextPow2(size)-1) - minClassBits
}

func classBlockSize(class int) uint64 {
	return uint64(1) << (class + minClassBits)
}

func (a *MultiBlockAllocator) superblockCount() uint64 {
	return a.memory.Size() / SuperblockSize
}

func (a *MultiBlockAllocator) freeList(class int) (*heapfile.HeapFile, error) {
	if a.free[class] != nil {
		return a.free[class], nil
	}

	r, err := a.opener(fmt.Sprintf(".free.%d", classBlockSize(class)))
	if err != nil {
		return nil, err
	}

	heap, err := heapfile.New(a.logger, r)
	if err != nil {
		_ = r.Close()
		return nil, err
	}

	a.free[class] = heap
	return heap, nil
}

func (a *MultiBlockAllocator) addSuperblock(class int, heap *heapfile.HeapFile) error {
	superblock := a.superblockCount()
	a.logger.Debug("MultiBlockAllocator::addSuperblock", slog.Uint64("Superblock", superblock), slog.Uint64("BlockSize", classBlockSize(class)))

	_, err := a.classes.Reserve(memutils.AlignUp(superblock+1, classTableUnit))
	if err != nil {
		return errors.Wrap(err, "failed to grow superblock class table")
	}

	_, err = a.memory.Reserve((superblock + 1) * SuperblockSize)
	if err != nil {
		return errors.Wrap(err, "failed to grow superblock region")
	}

	blockSize := classBlockSize(class)
	err = heap.BuildFromRange(superblock*SuperblockSize, SuperblockSize/blockSize, blockSize)
	if err != nil {
		return err
	}

	a.classes.Bytes()[superblock] = byte(class + 1)
	return nil
}

// AllocateBlock returns the offset of a free block of at least size bytes. The block's actual
// size is size rounded up to a power of two, and at least MinBlockSize.
func (a *MultiBlockAllocator) AllocateBlock(size uint64) (memutils.Offset, error) {
	if size == 0 || size > MaxMultiBlockSize {
		return memutils.NilOffset, errors.Mark(errors.Newf("block size %d is outside the range 1 to %d", size, MaxMultiBlockSize), memutils.ErrCapacityExceeded)
	}

	class := classForSize(size)
	heap, err := a.freeList(class)
	if err != nil {
		return memutils.NilOffset, err
	}

	if heap.IsEmpty() {
		err = a.addSuperblock(class, heap)
		if err != nil {
			return memutils.NilOffset, err
		}
	}

	offset, ok := heap.Pop()
	if !ok {
		return memutils.NilOffset, errors.Mark(errors.New("free list was empty after adding a superblock"), memutils.ErrCorruption)
	}

	return offset, nil
}

// SizeOf returns the block size of the superblock containing offset
func (a *MultiBlockAllocator) SizeOf(offset memutils.Offset) (uint64, error) {
	class, err := a.classOf(offset)
	if err != nil {
		return 0, err
	}

	return classBlockSize(class), nil
}

func (a *MultiBlockAllocator) classOf(offset memutils.Offset) (int, error) {
	superblock := offset / SuperblockSize
	if superblock >= a.superblockCount() {
		return 0, errors.Mark(errors.Newf("offset %d is beyond the last superblock", offset), memutils.ErrCorruption)
	}

	entry := a.classes.Bytes()[superblock]
	if entry == 0 || int(entry) > sizeClassCount {
		return 0, errors.Mark(errors.Newf("superblock %d has invalid class %d", superblock, entry), memutils.ErrCorruption)
	}

	class := int(entry) - 1
	if offset&(classBlockSize(class)-1) != 0 {
		return 0, errors.Mark(errors.Newf("offset %d is not aligned to its block size %d", offset, classBlockSize(class)), memutils.ErrCorruption)
	}

	return class, nil
}

// FreeBlock returns the block at offset to the free list of its superblock's class
func (a *MultiBlockAllocator) FreeBlock(offset memutils.Offset) error {
	class, err := a.classOf(offset)
	if err != nil {
		a.logger.Error("MultiBlockAllocator::FreeBlock received an invalid offset", slog.Uint64("Offset", offset), slog.Any("error", err))
		return err
	}

	heap, err := a.freeList(class)
	if err != nil {
		return err
	}

	return heap.Push(offset)
}

// Memory returns the region blocks are allocated from
func (a *MultiBlockAllocator) Memory() region.Region { return a.memory }

func (a *MultiBlockAllocator) superblocksPerClass() *swiss.Map[int, uint64] {
	counts := swiss.NewMap[int, uint64](sizeClassCount)
	table := a.classes.Bytes()
	for superblock := uint64(0); superblock < a.superblockCount(); superblock++ {
		entry := table[superblock]
		if entry == 0 {
			continue
		}

		count, _ := counts.Get(int(entry) - 1)
		counts.Put(int(entry)-1, count+1)
	}

	return counts
}

// AddStatistics sums this allocator's statistics into stats
func (a *MultiBlockAllocator) AddStatistics(stats *memutils.Statistics) {
	stats.RegionCount++
	stats.RegionBytes += int(a.memory.Size())

	a.superblocksPerClass().Iter(func(class int, superblocks uint64) bool {
		blockSize := classBlockSize(class)
		total := superblocks * (SuperblockSize / blockSize)

		var free uint64
		heap, err := a.freeList(class)
		if err == nil {
			free = heap.Size()
		}

		stats.AllocationCount += int(total - free)
		stats.AllocationBytes += int((total - free) * blockSize)
		return false
	})
}

// Validate checks every free list's heap property and verifies that each free entry is a
// unique, aligned block inside a superblock of the matching class
func (a *MultiBlockAllocator) Validate() error {
	seen := swiss.NewMap[uint64, struct{}](42)
	counts := a.superblocksPerClass()

	for class := 0; class < sizeClassCount; class++ {
		if a.free[class] == nil && !counts.Has(class) {
			continue
		}

		heap, err := a.freeList(class)
		if err != nil {
			return err
		}

		err = heap.Validate()
		if err != nil {
			return errors.Wrapf(err, "free list for %d-byte blocks", classBlockSize(class))
		}

		heap.Visit(func(offset uint64) bool {
			var entryClass int
			entryClass, err = a.classOf(offset)
			if err != nil {
				return false
			}

			if entryClass != class {
				err = errors.Newf("free list for %d-byte blocks holds offset %d from a %d-byte superblock", classBlockSize(class), offset, classBlockSize(entryClass))
				return false
			}

			if seen.Has(offset) {
				err = errors.Newf("offset %d appears in a free list twice", offset)
				return false
			}

			seen.Put(offset, struct{}{})
			return true
		})

		if err != nil {
			return err
		}
	}

	return nil
}

// Close closes every region opened by the allocator
func (a *MultiBlockAllocator) Close() error {
	err := errors.CombineErrors(a.memory.Close(), a.classes.Close())
	for class, heap := range a.free {
		if heap == nil {
			continue
		}

		err = errors.CombineErrors(err, heap.Close())
		a.free[class] = nil
	}

	return err
}
