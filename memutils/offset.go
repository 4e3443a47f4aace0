package memutils

import "math"

// Offset is a byte displacement from the start of a region. Offsets stay valid across
// region growth, unlike slices taken from the region's mapping, so every persisted
// link between structures is stored as an Offset.
type Offset = uint64

// NilOffset is the single "no pointer" value used by every structure in memutils. Offset 0 is
// a valid location.
const NilOffset Offset = math.MaxUint64
