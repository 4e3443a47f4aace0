package memutils_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/filealloc/memutils"
)

func TestDetailedStatisticsCombine(t *testing.T) {
	var left, right memutils.DetailedStatistics
	left.Clear()
	right.Clear()

	left.RegionCount = 1
	left.RegionBytes = 4096
	left.AddAllocation(100)
	left.AddUnusedRange(3996)

	right.RegionCount = 1
	right.RegionBytes = 1024
	right.AddAllocation(24)
	right.AddAllocation(1000)

	left.AddDetailedStatistics(&right)
	require.Equal(t, 2, left.RegionCount)
	require.Equal(t, 3, left.AllocationCount)
	require.Equal(t, 1124, left.AllocationBytes)
	require.Equal(t, 24, left.AllocationSizeMin)
	require.Equal(t, 1000, left.AllocationSizeMax)
	require.Equal(t, 3996, left.UnusedRangeSizeMin)
	require.Equal(t, 5120-1124, left.UnusedBytes())
}

func TestStatisticsJson(t *testing.T) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	require.Equal(t, `{"RegionCount":0,"AllocationCount":0,"RegionBytes":0,"AllocationBytes":0,"UnusedRangeCount":0}`,
		string(memutils.StatisticsJson(&stats)))

	stats.RegionCount = 1
	stats.RegionBytes = 64
	stats.AddAllocation(48)
	stats.AddUnusedRange(16)
	require.Equal(t, `{"RegionCount":1,"AllocationCount":1,"RegionBytes":64,"AllocationBytes":48,"UnusedRangeCount":1,`+
		`"AllocationSize":{"Min":48,"Max":48},"UnusedRangeSize":{"Min":16,"Max":16}}`,
		string(memutils.StatisticsJson(&stats)))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutils.CheckPow2(uint64(4096), "size"))
	require.ErrorIs(t, memutils.CheckPow2(uint64(0), "size"), memutils.PowerOfTwoError)
	require.ErrorIs(t, memutils.CheckPow2(uint64(24), "size"), memutils.PowerOfTwoError)
	require.Equal(t, uint64(32), memutils.NextPow2(17))
	require.Equal(t, uint64(24), memutils.AlignUp(uint64(17), 8))
	require.Equal(t, uint64(16), memutils.AlignDown(uint64(23), 8))
}
