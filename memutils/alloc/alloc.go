// Package alloc provides variable-size allocators over a single growable Region: a best-fit
// RedBlackTreeAllocator that indexes free space by both offset and size, and a first-fit
// LinearAllocator that records free spans as boundary markers in a TreeSetFile.
package alloc

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/filealloc/memutils"
	"github.com/vkngwrapper/filealloc/memutils/region"
)

// MaxAllocationSize is the largest request any allocator in this package accepts. It keeps
// rounding and header arithmetic free of overflow.
const MaxAllocationSize uint64 = 1 << 60

// Allocator is the functionality shared by every allocator in this package
type Allocator interface {
	memutils.Validatable

	// Region returns the region allocations are made from
	Region() region.Region
	// FreeBytes returns the number of bytes available without growing the region
	FreeBytes() uint64
	// VisitFreeRegions calls visitor for every free range in offset order, stopping early if
	// visitor returns false
	VisitFreeRegions(visitor func(offset memutils.Offset, size uint64) bool)

	// AddStatistics sums this allocator's statistics into stats
	AddStatistics(stats *memutils.Statistics)
	// AddDetailedStatistics sums this allocator's detailed statistics into stats
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// BlockJsonData populates a json object with information about this allocator's region
	BlockJsonData(json jwriter.ObjectState)
}

func writeRegionJson(json jwriter.ObjectState, totalBytes, unusedBytes uint64, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(int(totalBytes))
	json.Name("UnusedBytes").Int(int(unusedBytes))
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}

func printFreeRegions(allocator Allocator, json jwriter.ObjectState) {
	arrayState := json.Name("FreeRegions").Array()
	defer arrayState.End()

	allocator.VisitFreeRegions(func(offset memutils.Offset, size uint64) bool {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(int(offset))
		obj.Name("Size").Int(int(size))
		return true
	})
}

// BuildStatsString renders combined statistics for a set of allocators as json. When
// detailedMap is true, each allocator's free ranges are listed as well.
func BuildStatsString(detailedMap bool, allocators ...Allocator) string {
	var total memutils.DetailedStatistics
	total.Clear()
	for _, allocator := range allocators {
		allocator.AddDetailedStatistics(&total)
	}

	writer := jwriter.NewWriter()
	objState := writer.Object()

	totalObj := objState.Name("Total").Object()
	total.PrintJson(totalObj)
	totalObj.End()

	regionsArray := objState.Name("Regions").Array()
	for _, allocator := range allocators {
		regionObj := regionsArray.Object()
		allocator.BlockJsonData(regionObj)
		if detailedMap {
			printFreeRegions(allocator, regionObj)
		}
		regionObj.End()
	}
	regionsArray.End()

	objState.End()
	return string(writer.Bytes())
}
