package block_test

import (
	"math/rand"
	"path/filepath"
	"sort"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/filealloc/memutils"
	"github.com/vkngwrapper/filealloc/memutils/block"
	"github.com/vkngwrapper/filealloc/memutils/region"
	mock_region "github.com/vkngwrapper/filealloc/memutils/region/mocks"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func newMemoryAllocator(t *testing.T, blockSize uint64) *block.BlockAllocator {
	allocator, err := block.New(slog.Default(), region.NewMemory(0), region.NewMemory(0), block.CreateOptions{
		BlockSize: blockSize,
	})
	require.NoError(t, err)
	return allocator
}

func TestBlockSizeRounding(t *testing.T) {
	require.Equal(t, uint64(8), newMemoryAllocator(t, 1).BlockSize())
	require.Equal(t, uint64(32), newMemoryAllocator(t, 32).BlockSize())
	require.Equal(t, uint64(64), newMemoryAllocator(t, 33).BlockSize())
}

func TestBlockAllocateFreeDoesNotGrow(t *testing.T) {
	allocator := newMemoryAllocator(t, 64)

	for i := 0; i < 10000; i++ {
		offset, err := allocator.AllocateBlock()
		require.NoError(t, err)
		require.Equal(t, uint64(0), offset)
		require.NoError(t, allocator.FreeBlock(offset))
	}

	require.Equal(t, block.MinReservingBlocksAtOnce, allocator.Capacity())
	require.Equal(t, block.MinReservingBlocksAtOnce*64, allocator.Memory().Size())
	require.NoError(t, allocator.Validate())
}

func TestBlockLargeScenario(t *testing.T) {
	allocator, err := block.Open(slog.Default(), filepath.Join(t.TempDir(), "blocks.bin"), block.CreateOptions{
		BlockSize: 4096,
	})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, allocator.Close())
	}()

	const allocCount = 27331
	const freeCount = 123

	offsets := make([]uint64, 0, allocCount)
	seen := make(map[uint64]struct{}, allocCount)
	for i := 0; i < allocCount; i++ {
		offset, err := allocator.AllocateBlock()
		require.NoError(t, err)
		require.Zero(t, offset%4096)

		_, duplicate := seen[offset]
		require.False(t, duplicate, "offset %d allocated twice", offset)
		seen[offset] = struct{}{}
		offsets = append(offsets, offset)
	}
	require.NoError(t, allocator.Validate())

	rng := rand.New(rand.NewSource(27331))
	rng.Shuffle(len(offsets), func(i, j int) {
		offsets[i], offsets[j] = offsets[j], offsets[i]
	})

	freed := append([]uint64(nil), offsets[:freeCount]...)
	for _, offset := range freed {
		require.NoError(t, allocator.FreeBlock(offset))
	}
	require.NoError(t, allocator.Validate())

	capacity := allocator.Capacity()
	sort.Slice(freed, func(i, j int) bool { return freed[i] < freed[j] })

	for _, expected := range freed {
		offset, err := allocator.AllocateBlock()
		require.NoError(t, err)
		require.Equal(t, expected, offset)
	}
	require.Equal(t, capacity, allocator.Capacity())

	var stats memutils.Statistics
	allocator.AddStatistics(&stats)
	require.Equal(t, memutils.Statistics{
		RegionCount:     1,
		RegionBytes:     int(capacity * 4096),
		AllocationCount: allocCount,
		AllocationBytes: allocCount * 4096,
	}, stats)
}

func TestBlockPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.bin")

	allocator, err := block.Open(slog.Default(), path, block.CreateOptions{BlockSize: 32})
	require.NoError(t, err)

	var offsets []uint64
	for i := 0; i < 300; i++ {
		offset, err := allocator.AllocateBlock()
		require.NoError(t, err)
		offsets = append(offsets, offset)
	}
	require.NoError(t, allocator.FreeBlock(offsets[5]))
	require.NoError(t, allocator.FreeBlock(offsets[17]))

	copy(allocator.Origin(offsets[9]), []byte("persisted"))
	require.NoError(t, allocator.Close())

	allocator, err = block.Open(slog.Default(), path, block.CreateOptions{BlockSize: 32})
	require.NoError(t, err)
	require.Equal(t, uint64(512), allocator.Capacity())
	require.Equal(t, []byte("persisted"), allocator.Origin(offsets[9])[:9])

	offset, err := allocator.AllocateBlock()
	require.NoError(t, err)
	require.Equal(t, offsets[5], offset)

	offset, err = allocator.AllocateBlock()
	require.NoError(t, err)
	require.Equal(t, offsets[17], offset)

	require.NoError(t, allocator.Validate())
	require.NoError(t, allocator.Close())
}

func TestBlockInvalidFree(t *testing.T) {
	allocator := newMemoryAllocator(t, 64)

	offset, err := allocator.AllocateBlock()
	require.NoError(t, err)

	err = allocator.FreeBlock(offset + 8)
	require.True(t, errors.Is(err, memutils.ErrCorruption))

	err = allocator.FreeBlock(1 << 40)
	require.True(t, errors.Is(err, memutils.ErrCorruption))

	require.NoError(t, allocator.FreeBlock(offset))
}

func TestBlockValidateDetectsDoubleFree(t *testing.T) {
	allocator := newMemoryAllocator(t, 64)

	offset, err := allocator.AllocateBlock()
	require.NoError(t, err)
	require.NoError(t, allocator.FreeBlock(offset))
	require.NoError(t, allocator.FreeBlock(offset))

	require.ErrorContains(t, allocator.Validate(), "twice")
}

func TestBlockGrowthFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	memory := mock_region.NewMockRegion(ctrl)
	memory.EXPECT().Size().AnyTimes().Return(uint64(0))
	memory.EXPECT().Reserve(uint64(256*64)).Return(uint64(0), errors.New("disk full"))

	allocator, err := block.New(slog.Default(), memory, region.NewMemory(0), block.CreateOptions{BlockSize: 64})
	require.NoError(t, err)

	offset, err := allocator.AllocateBlock()
	require.ErrorContains(t, err, "disk full")
	require.Equal(t, memutils.NilOffset, offset)
	require.Equal(t, uint64(0), allocator.Capacity())
}

func TestBlockSizeAboveLargestPowerOfTwo(t *testing.T) {
	_, err := block.New(slog.Default(), region.NewMemory(0), region.NewMemory(0), block.CreateOptions{
		BlockSize: memutils.MaxPow2 + 1,
	})
	require.True(t, errors.Is(err, memutils.ErrCapacityExceeded))

	allocator, err := block.New(slog.Default(), region.NewMemory(0), region.NewMemory(0), block.CreateOptions{
		BlockSize: memutils.MaxPow2,
	})
	require.NoError(t, err)
	require.Equal(t, memutils.MaxPow2, allocator.BlockSize())
}

func TestBlockFreeListGrowthFailureShrinksMemory(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	freeList := mock_region.NewMockRegion(ctrl)
	freeList.EXPECT().Size().AnyTimes().Return(uint64(0))
	freeList.EXPECT().Reserve(gomock.Any()).Return(uint64(0), errors.New("disk full"))

	memory := region.NewMemory(0)
	allocator, err := block.New(slog.Default(), memory, freeList, block.CreateOptions{BlockSize: 64})
	require.NoError(t, err)

	offset, err := allocator.AllocateBlock()
	require.ErrorContains(t, err, "disk full")
	require.Equal(t, memutils.NilOffset, offset)
	require.Equal(t, uint64(0), allocator.Capacity())
	require.Equal(t, uint64(0), memory.Size())

	reopened, err := block.New(slog.Default(), memory, region.NewMemory(0), block.CreateOptions{BlockSize: 64})
	require.NoError(t, err)
	require.Equal(t, uint64(0), reopened.AllocatedCount())
}

func TestBlockPartialFreeListPushKeepsPushedBlocks(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// one free block already listed, room for 511 entries in total
	heap := make([]byte, 4096)
	heap[0] = 1

	freeList := mock_region.NewMockRegion(ctrl)
	freeList.EXPECT().Size().AnyTimes().Return(uint64(len(heap)))
	freeList.EXPECT().Bytes().AnyTimes().Return(heap)
	freeList.EXPECT().Reserve(gomock.Any()).Return(uint64(len(heap)), errors.New("disk full"))

	memory := region.NewMemory(64)
	allocator, err := block.New(slog.Default(), memory, freeList, block.CreateOptions{BlockSize: 64})
	require.NoError(t, err)
	require.Equal(t, uint64(1), allocator.Capacity())

	err = allocator.Reserve(1000)
	require.ErrorContains(t, err, "disk full")

	require.Equal(t, uint64(511), allocator.Capacity())
	require.Equal(t, uint64(511), allocator.FreeCount())
	require.Equal(t, allocator.Capacity()*64, memory.Size())
	require.NoError(t, allocator.Validate())
}
