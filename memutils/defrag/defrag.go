package defrag

// Algorithm identifies which defragmentation algorithm will be used for defrag passes
type Algorithm uint32

const (
	// AlgorithmFast indicates that the defragmentation run should walk the allocations once and
	// move whatever fits lower in that single walk. Later passes of the same run collect nothing.
	AlgorithmFast Algorithm = iota + 1
	// AlgorithmFull indicates that the defragmentation run should keep walking the allocations
	// in later passes for as long as moves are found, so space opened up by one pass can be
	// filled by the next.
	//
	// This is the default algorithm if none is specified.
	AlgorithmFull
)

var algorithmMapping = map[Algorithm]string{
	AlgorithmFast: "AlgorithmFast",
	AlgorithmFull: "AlgorithmFull",
}

func (a Algorithm) String() string {
	return algorithmMapping[a]
}

// DefragmentationStats contains basic metrics for defragmentation over time
type DefragmentationStats struct {
	// BytesMoved is the number of usable bytes that have been successfully relocated
	BytesMoved int
	// BytesFreed is the number of bytes released because a handler chose MoveDestroy
	BytesFreed int
	// AllocationsMoved is the number of successful relocations
	AllocationsMoved int
	// AllocationsDestroyed is the number of allocations a handler chose to destroy rather than move
	AllocationsDestroyed int
}

// Add sums other into these stats
func (s *DefragmentationStats) Add(other DefragmentationStats) {
	s.BytesMoved += other.BytesMoved
	s.BytesFreed += other.BytesFreed
	s.AllocationsMoved += other.AllocationsMoved
	s.AllocationsDestroyed += other.AllocationsDestroyed
}

type defragCounterStatus uint32

const (
	defragCounterPass defragCounterStatus = iota
	defragCounterIgnore
	defragCounterEnd
)

var defragCounterStatusMapping = map[defragCounterStatus]string{
	defragCounterPass:   "defragCounterPass",
	defragCounterIgnore: "defragCounterIgnore",
	defragCounterEnd:    "defragCounterEnd",
}

func (s defragCounterStatus) String() string {
	return defragCounterStatusMapping[s]
}
