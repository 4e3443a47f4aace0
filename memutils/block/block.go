// Package block provides fixed-size block allocators over a Region. Free blocks are tracked in a
// persistent min-heap so the lowest free block is always reused first.
package block

import (
	"math"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/filealloc/memutils"
	"github.com/vkngwrapper/filealloc/memutils/heapfile"
	"github.com/vkngwrapper/filealloc/memutils/region"
	"golang.org/x/exp/slog"
)

const (
	// MinBlockSize is the smallest block size an allocator will use. Smaller requested sizes
	// are rounded up.
	MinBlockSize uint64 = 8
	// MinReservingBlocksAtOnce is the smallest number of blocks added to the region each time
	// the free list runs dry
	MinReservingBlocksAtOnce uint64 = 256
)

// CreateOptions configures a BlockAllocator
type CreateOptions struct {
	// BlockSize is the size of each block in bytes. It is rounded up to a power of two and to
	// at least MinBlockSize.
	BlockSize uint64
	// ReservingBlocksAtOnce is the number of blocks the region grows by when no free block is
	// available. Values below MinReservingBlocksAtOnce are raised to it.
	ReservingBlocksAtOnce uint64
}

// BlockAllocator hands out block-aligned offsets into a memory region. Free block indices live
// in a HeapFile stored in a second region.
//
// BlockAllocator performs no locking. FreeBlock does not detect double frees, which corrupt the
// free list; Validate will find them after the fact.
type BlockAllocator struct {
	logger *slog.Logger
	memory region.Region
	free   *heapfile.HeapFile

	blockSize             uint64
	blockOffsetBits       uint
	reservingBlocksAtOnce uint64
	preallocatedBlocks    uint64
}

// New creates a BlockAllocator over a memory region and a free-list region. Both may be empty,
// in which case the allocator starts with no blocks; otherwise the memory region's size must be
// a multiple of the block size.
func New(logger *slog.Logger, memory region.Region, freeList region.Region, options CreateOptions) (*BlockAllocator, error) {
	blockSize := options.BlockSize
	if blockSize < MinBlockSize {
		blockSize = MinBlockSize
	}
	if blockSize > memutils.MaxPow2 {
		return nil, errors.Mark(errors.Newf("block size %d cannot be rounded to a power of two", blockSize), memutils.ErrCapacityExceeded)
	}
	blockSize = memutils.NextPow2(blockSize)

	reserving := options.ReservingBlocksAtOnce
	if reserving < MinReservingBlocksAtOnce {
		reserving = MinReservingBlocksAtOnce
	}

	if memory.Size()%blockSize != 0 {
		return nil, errors.Mark(errors.Newf("memory region size %d is not a multiple of block size %d", memory.Size(), blockSize), memutils.ErrCorruption)
	}

	free, err := heapfile.New(logger, freeList)
	if err != nil {
		return nil, err
	}

	a := &BlockAllocator{
		logger:                logger,
		memory:                memory,
		free:                  free,
		blockSize:             blockSize,
		blockOffsetBits:       uint(bits.TrailingZeros64(blockSize)),
		reservingBlocksAtOnce: reserving,
		preallocatedBlocks:    memory.Size() / blockSize,
	}

	logger.Debug("BlockAllocator::New",
		slog.Uint64("BlockSize", blockSize),
		slog.Uint64("PreallocatedBlocks", a.preallocatedBlocks),
		slog.Uint64("FreeBlocks", free.Size()))

	return a, nil
}

// Open creates a BlockAllocator whose blocks live in the file at path and whose free list lives
// in path + ".free". Either file is created if it does not exist.
func Open(logger *slog.Logger, path string, options CreateOptions) (*BlockAllocator, error) {
	memory, err := region.Open(path)
	if err != nil {
		return nil, err
	}

	freeList, err := region.Open(path + ".free")
	if err != nil {
		_ = memory.Close()
		return nil, err
	}

	a, err := New(logger, memory, freeList, options)
	if err != nil {
		_ = memory.Close()
		_ = freeList.Close()
		return nil, err
	}

	return a, nil
}

// BlockSize returns the size in bytes of every block
func (a *BlockAllocator) BlockSize() uint64 { return a.blockSize }

// Capacity returns the number of blocks the memory region currently holds, free or allocated
func (a *BlockAllocator) Capacity() uint64 { return a.preallocatedBlocks }

// FreeCount returns the number of blocks waiting in the free list
func (a *BlockAllocator) FreeCount() uint64 { return a.free.Size() }

// AllocatedCount returns the number of blocks currently handed out
func (a *BlockAllocator) AllocatedCount() uint64 { return a.preallocatedBlocks - a.free.Size() }

// Memory returns the region blocks are allocated from. Offsets returned by AllocateBlock are
// offsets into this region.
func (a *BlockAllocator) Memory() region.Region { return a.memory }

// Reserve grows the memory region by blockCount blocks and adds them to the free list. When
// the free list is empty the new blocks are written as a single sorted run.
func (a *BlockAllocator) Reserve(blockCount uint64) error {
	if blockCount == 0 {
		return nil
	}

	total := a.preallocatedBlocks + blockCount
	if total < a.preallocatedBlocks || total > math.MaxUint64>>a.blockOffsetBits {
		return errors.Mark(errors.Newf("cannot reserve %d more blocks of %d bytes", blockCount, a.blockSize), memutils.ErrCapacityExceeded)
	}

	a.logger.Debug("BlockAllocator::Reserve", slog.Uint64("BlockCount", blockCount), slog.Uint64("BlockSize", a.blockSize))

	_, err := a.memory.Reserve(total << a.blockOffsetBits)
	if err != nil {
		return errors.Wrapf(err, "failed to grow block region to %d blocks", total)
	}

	if a.free.IsEmpty() {
		err = a.free.BuildFromRange(a.preallocatedBlocks, blockCount, 1)
		if err != nil {
			return a.rollbackReserve(err)
		}
	} else {
		for index := a.preallocatedBlocks; index < total; index++ {
			err = a.free.Push(index)
			if err != nil {
				// blocks already pushed stay owned by the free list
				a.preallocatedBlocks = index
				return a.rollbackReserve(err)
			}
		}
	}

	a.preallocatedBlocks = total
	return nil
}

// rollbackReserve shrinks the memory region back to the blocks the free list knows about after a
// failed Reserve, so a reopened allocator does not count untracked blocks as allocated.
func (a *BlockAllocator) rollbackReserve(cause error) error {
	_, err := a.memory.Resize(a.preallocatedBlocks << a.blockOffsetBits)
	if err != nil {
		return errors.CombineErrors(cause, errors.Wrapf(err, "failed to shrink block region back to %d blocks", a.preallocatedBlocks))
	}
	return cause
}

// AllocateBlock returns the offset of a free block, growing the memory region if none is free
func (a *BlockAllocator) AllocateBlock() (memutils.Offset, error) {
	if a.free.IsEmpty() {
		err := a.Reserve(a.reservingBlocksAtOnce)
		if err != nil {
			return memutils.NilOffset, err
		}
	}

	index, ok := a.free.Pop()
	if !ok {
		return memutils.NilOffset, errors.Mark(errors.New("free list was empty after reserving blocks"), memutils.ErrCorruption)
	}

	if index >= a.preallocatedBlocks {
		return memutils.NilOffset, errors.Mark(errors.Newf("free list held block %d but only %d blocks exist", index, a.preallocatedBlocks), memutils.ErrCorruption)
	}

	return index << a.blockOffsetBits, nil
}

// FreeBlock returns the block at offset to the free list. Offsets that are misaligned or
// outside the region are rejected; double frees are not detected.
func (a *BlockAllocator) FreeBlock(offset memutils.Offset) error {
	if offset&(a.blockSize-1) != 0 || offset>>a.blockOffsetBits >= a.preallocatedBlocks {
		a.logger.Error("BlockAllocator::FreeBlock received an invalid offset", slog.Uint64("Offset", offset), slog.Uint64("BlockSize", a.blockSize))
		return errors.Mark(errors.Newf("offset %d is not a block of this allocator", offset), memutils.ErrCorruption)
	}

	return a.free.Push(offset >> a.blockOffsetBits)
}

// Origin returns the bytes of the block at offset. The slice is invalidated when the allocator
// grows.
func (a *BlockAllocator) Origin(offset memutils.Offset) []byte {
	return region.Slice(a.memory, offset, a.blockSize)
}

// AddStatistics sums this allocator's statistics into stats
func (a *BlockAllocator) AddStatistics(stats *memutils.Statistics) {
	allocated := a.AllocatedCount()
	stats.RegionCount++
	stats.RegionBytes += int(a.memory.Size())
	stats.AllocationCount += int(allocated)
	stats.AllocationBytes += int(allocated * a.blockSize)
}

// Validate checks the free list's heap property and verifies that every free entry is a unique
// block inside the memory region
func (a *BlockAllocator) Validate() error {
	if a.memory.Size() != a.preallocatedBlocks*a.blockSize {
		return errors.Newf("memory region is %d bytes but %d blocks of %d bytes are tracked", a.memory.Size(), a.preallocatedBlocks, a.blockSize)
	}

	err := a.free.Validate()
	if err != nil {
		return err
	}

	if a.free.Size() > a.preallocatedBlocks {
		return errors.Newf("free list holds %d entries but only %d blocks exist", a.free.Size(), a.preallocatedBlocks)
	}

	seen := swiss.NewMap[uint64, struct{}](uint32(a.free.Size()))
	a.free.Visit(func(index uint64) bool {
		if index >= a.preallocatedBlocks {
			err = errors.Newf("free list holds block %d but only %d blocks exist", index, a.preallocatedBlocks)
			return false
		}

		if seen.Has(index) {
			err = errors.Newf("block %d appears in the free list twice", index)
			return false
		}

		seen.Put(index, struct{}{})
		return true
	})

	return err
}

// Sync flushes both backing regions
func (a *BlockAllocator) Sync() error {
	return errors.CombineErrors(a.memory.Sync(), a.free.Sync())
}

// Close closes both backing regions
func (a *BlockAllocator) Close() error {
	a.logger.Debug("BlockAllocator::Close", slog.Uint64("AllocatedBlocks", a.AllocatedCount()))
	return errors.CombineErrors(a.memory.Close(), a.free.Close())
}
