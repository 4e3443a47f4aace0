package memutils

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Statistics holds basic totals for one or more allocators. A region is a single backing
// file or arena managed by one allocator.
type Statistics struct {
	RegionCount     int
	AllocationCount int
	RegionBytes     int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.RegionCount = 0
	s.AllocationCount = 0
	s.RegionBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.RegionCount += other.RegionCount
	s.AllocationCount += other.AllocationCount
	s.RegionBytes += other.RegionBytes
	s.AllocationBytes += other.AllocationBytes
}

// UnusedBytes is the number of region bytes not held by a live allocation
func (s *Statistics) UnusedBytes() int {
	return s.RegionBytes - s.AllocationBytes
}

// PrintJson writes the totals into an open json object
func (s *Statistics) PrintJson(json jwriter.ObjectState) {
	json.Name("RegionCount").Int(s.RegionCount)
	json.Name("AllocationCount").Int(s.AllocationCount)
	json.Name("RegionBytes").Int(s.RegionBytes)
	json.Name("AllocationBytes").Int(s.AllocationBytes)
}

// DetailedStatistics extends Statistics with free-range counts and size extremes. Call Clear
// before the first use so the minimums start at math.MaxInt.
type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++

	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}

	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.Statistics.AllocationCount++
	s.Statistics.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount

	if other.UnusedRangeSizeMin < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = other.UnusedRangeSizeMin
	}

	if other.UnusedRangeSizeMax > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = other.UnusedRangeSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}

// PrintJson writes the totals and, when anything was recorded, the size extremes into an
// open json object
func (s *DetailedStatistics) PrintJson(json jwriter.ObjectState) {
	s.Statistics.PrintJson(json)
	json.Name("UnusedRangeCount").Int(s.UnusedRangeCount)

	if s.AllocationSizeMax > 0 {
		sizes := json.Name("AllocationSize").Object()
		sizes.Name("Min").Int(s.AllocationSizeMin)
		sizes.Name("Max").Int(s.AllocationSizeMax)
		sizes.End()
	}

	if s.UnusedRangeCount > 0 {
		sizes := json.Name("UnusedRangeSize").Object()
		sizes.Name("Min").Int(s.UnusedRangeSizeMin)
		sizes.Name("Max").Int(s.UnusedRangeSizeMax)
		sizes.End()
	}
}

// StatisticsJson renders detailed statistics as a standalone json document
func StatisticsJson(stats *DetailedStatistics) []byte {
	writer := jwriter.NewWriter()
	obj := writer.Object()
	stats.PrintJson(obj)
	obj.End()
	return writer.Bytes()
}
