package alloc_test

import (
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/btree"
	"github.com/vkngwrapper/filealloc/memutils"
	"github.com/vkngwrapper/filealloc/memutils/alloc"
	"github.com/vkngwrapper/filealloc/memutils/block"
	"github.com/vkngwrapper/filealloc/memutils/region"
	mock_region "github.com/vkngwrapper/filealloc/memutils/region/mocks"
	"github.com/vkngwrapper/filealloc/memutils/treeset"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func newBoundaries(t *testing.T) *treeset.TreeSetFile {
	blocks, err := block.New(slog.Default(), region.NewMemory(0), region.NewMemory(0), block.CreateOptions{
		BlockSize: treeset.NodeSize,
	})
	require.NoError(t, err)

	set, err := treeset.New(slog.Default(), blocks)
	require.NoError(t, err)
	return set
}

func newLinearAllocator(t *testing.T, data region.Region) *alloc.LinearAllocator {
	allocator, err := alloc.NewLinearAllocator(slog.Default(), data, newBoundaries(t), alloc.LinearOptions{
		AllocationUnitSize: 4096,
	})
	require.NoError(t, err)
	return allocator
}

func extent(size uint64) uint64 {
	return memutils.AlignUp(size, alloc.LinearAlignment) + alloc.LinearHeaderSize + memutils.DebugMargin
}

type visitedRegion struct {
	Offset uint64
	Size   uint64
	Free   bool
}

func allRegions(t *testing.T, allocator *alloc.LinearAllocator) []visitedRegion {
	var regions []visitedRegion
	err := allocator.VisitAllRegions(func(offset memutils.Offset, size uint64, free bool) bool {
		regions = append(regions, visitedRegion{Offset: offset, Size: size, Free: free})
		return true
	})
	require.NoError(t, err)
	return regions
}

func TestLinearFirstAllocationGrows(t *testing.T) {
	allocator := newLinearAllocator(t, region.NewMemory(0))
	require.Zero(t, allocator.Reserved())
	require.Zero(t, allocator.Used())

	ptr, err := allocator.Allocate(10)
	require.NoError(t, err)
	require.Equal(t, uint64(8), ptr)
	require.Equal(t, uint64(4096), allocator.Reserved())
	require.Equal(t, extent(10), allocator.Used())

	size, err := allocator.SizeOf(ptr)
	require.NoError(t, err)
	require.Equal(t, uint64(16), size)
	require.NoError(t, allocator.Validate())
}

func TestLinearFreshRegionIsFree(t *testing.T) {
	allocator := newLinearAllocator(t, region.NewMemory(1000))

	require.Equal(t, uint64(1000), allocator.Reserved())
	require.Equal(t, uint64(1000), allocator.FreeBytes())
	require.Equal(t, []visitedRegion{{Offset: 0, Size: 1000, Free: true}}, allRegions(t, allocator))
}

func TestLinearSequentialAllocations(t *testing.T) {
	allocator := newLinearAllocator(t, region.NewMemory(0))

	first, err := allocator.Allocate(24)
	require.NoError(t, err)
	second, err := allocator.Allocate(1)
	require.NoError(t, err)
	third, err := allocator.Allocate(100)
	require.NoError(t, err)

	require.Equal(t, first+extent(24), second)
	require.Equal(t, second+extent(1), third)

	tail := third - alloc.LinearHeaderSize + extent(100)
	require.Equal(t, []visitedRegion{
		{Offset: first, Size: 24},
		{Offset: second, Size: 8},
		{Offset: third, Size: 104},
		{Offset: tail, Size: 4096 - tail, Free: true},
	}, allRegions(t, allocator))
}

func TestLinearFreeIgnoresNull(t *testing.T) {
	allocator := newLinearAllocator(t, region.NewMemory(0))

	require.NoError(t, allocator.Free(0))
	require.NoError(t, allocator.Free(memutils.NilOffset))
	require.Zero(t, allocator.Reserved())
}

func TestLinearFreeCoalesces(t *testing.T) {
	allocator := newLinearAllocator(t, region.NewMemory(0))

	var ptrs []uint64
	for i := 0; i < 4; i++ {
		ptr, err := allocator.Allocate(64)
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}

	// isolated span
	require.NoError(t, allocator.Free(ptrs[1]))
	require.NoError(t, allocator.Validate())
	require.Len(t, freeRanges(allocator), 2)

	// merges with the following span
	require.NoError(t, allocator.Free(ptrs[0]))
	require.NoError(t, allocator.Validate())
	require.Equal(t, freeRange{Offset: 0, Size: 2 * extent(64)}, freeRanges(allocator)[0])

	// merges with the preceding span
	require.NoError(t, allocator.Free(ptrs[2]))
	require.NoError(t, allocator.Validate())
	require.Equal(t, freeRange{Offset: 0, Size: 3 * extent(64)}, freeRanges(allocator)[0])

	// merges on both sides
	require.NoError(t, allocator.Free(ptrs[3]))
	require.NoError(t, allocator.Validate())
	require.Equal(t, []freeRange{{Offset: 0, Size: 4096}}, freeRanges(allocator))
	require.Zero(t, allocator.Used())
}

func TestLinearFirstFitReusesHoles(t *testing.T) {
	allocator := newLinearAllocator(t, region.NewMemory(0))

	first, err := allocator.Allocate(200)
	require.NoError(t, err)
	_, err = allocator.Allocate(8)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(first))

	exact, err := allocator.Allocate(96)
	require.NoError(t, err)
	require.Equal(t, first, exact)

	rest, err := allocator.Allocate(104 - alloc.LinearHeaderSize - memutils.DebugMargin)
	require.NoError(t, err)
	require.Equal(t, first+extent(96), rest)
	require.Len(t, freeRanges(allocator), 1)
	require.NoError(t, allocator.Validate())
}

func TestLinearGrowthMergesTail(t *testing.T) {
	allocator := newLinearAllocator(t, region.NewMemory(0))

	_, err := allocator.Allocate(4000)
	require.NoError(t, err)
	require.Equal(t, uint64(4096), allocator.Reserved())

	ptr, err := allocator.Allocate(200)
	require.NoError(t, err)
	require.Equal(t, extent(4000)+alloc.LinearHeaderSize, ptr)
	require.Equal(t, uint64(8192), allocator.Reserved())
	require.Equal(t, []freeRange{{Offset: extent(4000) + extent(200), Size: 8192 - extent(4000) - extent(200)}}, freeRanges(allocator))
	require.NoError(t, allocator.Validate())
}

func TestLinearCapacityErrors(t *testing.T) {
	allocator := newLinearAllocator(t, region.NewMemory(0))

	_, err := allocator.Allocate(0)
	require.True(t, errors.Is(err, memutils.ErrCapacityExceeded))

	_, err = allocator.Allocate(alloc.MaxAllocationSize + 1)
	require.True(t, errors.Is(err, memutils.ErrCapacityExceeded))
	require.Zero(t, allocator.Reserved())
}

func TestLinearOversizeGrowthFailsCleanly(t *testing.T) {
	allocator := newLinearAllocator(t, region.NewMemory(0))

	offset, err := allocator.Allocate(alloc.MaxAllocationSize)
	require.True(t, errors.Is(err, memutils.ErrCapacityExceeded))
	require.Equal(t, memutils.NilOffset, offset)
	require.Zero(t, allocator.Reserved())
	require.Zero(t, allocator.FreeBytes())
	require.NoError(t, allocator.Validate())

	offset, err = allocator.Allocate(16)
	require.NoError(t, err)
	require.Equal(t, alloc.LinearHeaderSize, offset)
}

func TestLinearAllocationUnitAboveLargestPowerOfTwo(t *testing.T) {
	_, err := alloc.NewLinearAllocator(slog.Default(), region.NewMemory(0), newBoundaries(t), alloc.LinearOptions{
		AllocationUnitSize: memutils.MaxPow2 + 1,
	})
	require.True(t, errors.Is(err, memutils.ErrCapacityExceeded))
}

func TestLinearGrowthFailurePropagates(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	r := mock_region.NewMockRegion(ctrl)
	r.EXPECT().Size().AnyTimes().Return(uint64(0))
	r.EXPECT().Reserve(uint64(4096)).Return(uint64(0), errors.New("disk full"))

	allocator := newLinearAllocator(t, r)

	_, err := allocator.Allocate(16)
	require.ErrorContains(t, err, "disk full")
	require.Zero(t, allocator.FreeBytes())
}

func TestLinearRejectsCorruptFrees(t *testing.T) {
	allocator := newLinearAllocator(t, region.NewMemory(0))

	ptr, err := allocator.Allocate(64)
	require.NoError(t, err)
	other, err := allocator.Allocate(64)
	require.NoError(t, err)
	freeBytes := allocator.FreeBytes()

	cases := []struct {
		name string
		ptr  uint64
	}{
		{name: "misaligned", ptr: ptr + 3},
		{name: "inside allocation", ptr: ptr + 8},
		{name: "past end", ptr: allocator.Reserved() + 8},
		{name: "inside free span", ptr: other + extent(64)},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := allocator.Free(c.ptr)
			require.Error(t, err)
			require.True(t, errors.Is(err, memutils.ErrCorruption))
			require.Equal(t, freeBytes, allocator.FreeBytes())
			require.NoError(t, allocator.Validate())
		})
	}

	require.NoError(t, allocator.Free(ptr))
	err = allocator.Free(ptr)
	require.True(t, errors.Is(err, memutils.ErrCorruption))
	require.NoError(t, allocator.Validate())
}

func TestLinearAllocateBefore(t *testing.T) {
	allocator := newLinearAllocator(t, region.NewMemory(0))

	first, err := allocator.Allocate(64)
	require.NoError(t, err)
	second, err := allocator.Allocate(64)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(first))

	ptr, err := allocator.AllocateBefore(128, second-alloc.LinearHeaderSize)
	require.NoError(t, err)
	require.Equal(t, memutils.NilOffset, ptr)

	ptr, err = allocator.AllocateBefore(64, second-alloc.LinearHeaderSize)
	require.NoError(t, err)
	require.Equal(t, first, ptr)

	ptr, err = allocator.AllocateBefore(64, second-alloc.LinearHeaderSize)
	require.NoError(t, err)
	require.Equal(t, memutils.NilOffset, ptr)
	require.Equal(t, uint64(4096), allocator.Reserved())
}

func TestLinearRandomOperations(t *testing.T) {
	allocator := newLinearAllocator(t, region.NewMemory(0))

	type live struct {
		ptr     uint64
		size    uint64
		pattern byte
	}
	lives := btree.NewBTreeG[live](func(a, b live) bool { return a.ptr < b.ptr })
	var ptrs []live

	rng := rand.New(rand.NewSource(1 << 24))
	for i := 0; i < 4000; i++ {
		if len(ptrs) > 0 && rng.Intn(5) < 2 {
			index := rng.Intn(len(ptrs))
			victim := ptrs[index]
			ptrs[index] = ptrs[len(ptrs)-1]
			ptrs = ptrs[:len(ptrs)-1]

			require.NoError(t, allocator.Free(victim.ptr))
			lives.Delete(victim)
			continue
		}

		size := uint64(rng.Intn(3000) + 1)
		ptr, err := allocator.Allocate(size)
		require.NoError(t, err)
		require.Zero(t, ptr%alloc.LinearAlignment)

		entry := live{ptr: ptr, size: size, pattern: byte(i)}
		payload := region.Slice(allocator.Region(), ptr, size)
		for j := range payload {
			payload[j] = entry.pattern
		}

		_, replaced := lives.Set(entry)
		require.False(t, replaced)
		ptrs = append(ptrs, entry)

		if i%400 == 0 {
			require.NoError(t, allocator.Validate())
		}
	}

	require.NoError(t, allocator.Validate())
	require.NoError(t, allocator.CheckCorruption())

	var used uint64
	lives.Scan(func(item live) bool {
		used += extent(item.size)
		for _, b := range region.Slice(allocator.Region(), item.ptr, item.size) {
			require.Equal(t, item.pattern, b)
		}
		return true
	})
	require.Equal(t, used, allocator.Used())

	var allocated []uint64
	for _, visited := range allRegions(t, allocator) {
		if !visited.Free {
			allocated = append(allocated, visited.Offset)
		}
	}
	var expected []uint64
	lives.Scan(func(item live) bool {
		expected = append(expected, item.ptr)
		return true
	})
	require.Equal(t, expected, allocated)

	for _, entry := range ptrs {
		require.NoError(t, allocator.Free(entry.ptr))
	}
	require.Zero(t, allocator.Used())
	require.Equal(t, []freeRange{{Offset: 0, Size: allocator.Reserved()}}, freeRanges(allocator))
}

func TestLinearPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linear.bin")

	allocator, err := alloc.OpenLinearAllocator(slog.Default(), path, alloc.LinearOptions{AllocationUnitSize: 4096})
	require.NoError(t, err)

	var ptrs []uint64
	for i := 0; i < 5; i++ {
		ptr, err := allocator.Allocate(uint64(100 * (i + 1)))
		require.NoError(t, err)
		copy(region.Slice(allocator.Region(), ptr, 5), "hello")
		ptrs = append(ptrs, ptr)
	}
	require.NoError(t, allocator.Free(ptrs[1]))
	require.NoError(t, allocator.Free(ptrs[3]))

	used := allocator.Used()
	regions := allRegions(t, allocator)
	require.NoError(t, allocator.Close())

	allocator, err = alloc.OpenLinearAllocator(slog.Default(), path, alloc.LinearOptions{AllocationUnitSize: 4096})
	require.NoError(t, err)
	require.Equal(t, used, allocator.Used())
	require.Equal(t, regions, allRegions(t, allocator))
	require.Equal(t, []byte("hello"), region.Slice(allocator.Region(), ptrs[4], 5))
	require.NoError(t, allocator.Validate())

	for _, index := range []int{0, 2, 4} {
		require.NoError(t, allocator.Free(ptrs[index]))
	}
	require.Zero(t, allocator.Used())
	require.NoError(t, allocator.Close())
}

func TestLinearDetectsOverrun(t *testing.T) {
	if memutils.DebugMargin == 0 {
		t.Skip("debug margins are only written with the debug_mem_utils build tag")
	}

	allocator := newLinearAllocator(t, region.NewMemory(0))

	ptr, err := allocator.Allocate(16)
	require.NoError(t, err)
	require.NoError(t, allocator.CheckCorruption())

	region.Slice(allocator.Region(), ptr, 17)[16] = 0xff

	err = allocator.CheckCorruption()
	require.True(t, errors.Is(err, memutils.ErrCorruption))

	err = allocator.Free(ptr)
	require.True(t, errors.Is(err, memutils.ErrCorruption))
}

func TestLinearStatistics(t *testing.T) {
	allocator := newLinearAllocator(t, region.NewMemory(0))

	first, err := allocator.Allocate(40)
	require.NoError(t, err)
	_, err = allocator.Allocate(300)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(first))

	var stats memutils.DetailedStatistics
	stats.Clear()
	allocator.AddDetailedStatistics(&stats)

	require.Equal(t, 1, stats.RegionCount)
	require.Equal(t, 4096, stats.RegionBytes)
	require.Equal(t, 1, stats.AllocationCount)
	require.Equal(t, 304, stats.AllocationBytes)
	require.Equal(t, 2, stats.UnusedRangeCount)
	require.Equal(t, int(extent(40)), stats.UnusedRangeSizeMin)

	var basic memutils.Statistics
	allocator.AddStatistics(&basic)
	require.Equal(t, stats.Statistics, basic)

	json := alloc.BuildStatsString(false, allocator)
	require.True(t, strings.Contains(json, `"Allocations":1`), json)
	require.True(t, strings.Contains(json, `"UnusedRanges":2`), json)
	require.False(t, strings.Contains(json, "FreeRegions"), json)
}
