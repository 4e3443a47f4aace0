// Package region provides the growable byte arenas that every persistent structure in memutils
// lives inside. A Region is usually a memory-mapped file, but an in-memory implementation is
// available for transient arenas and tests.
package region

import (
	"encoding/binary"
	"fmt"

	"github.com/vkngwrapper/filealloc/memutils"
)

//go:generate mockgen -source region.go -destination ./mocks/region.go -package mock_region

// Region is a resizable byte buffer. Slices returned from Bytes are invalidated by any call to
// Resize or Reserve, so structures built on a Region hold offsets and resolve them at the point
// of use.
type Region interface {
	// Bytes returns the current contents of the region. The slice is exactly Size bytes long.
	Bytes() []byte
	// Size returns the current size of the region in bytes
	Size() uint64
	// Resize grows or shrinks the region to exactly size bytes and returns the new size.
	// Bytes added by growth are zeroed.
	Resize(size uint64) (uint64, error)
	// Reserve grows the region to at least minSize bytes. It never shrinks the region and
	// is a no-op if the region is already large enough. It returns the resulting size.
	Reserve(minSize uint64) (uint64, error)
	// Sync flushes the region's contents to its backing store, if it has one
	Sync() error
	// Close releases the region. The region may not be used afterward.
	Close() error
}

func checkBounds(r Region, offset memutils.Offset, length uint64) []byte {
	data := r.Bytes()
	if offset > uint64(len(data)) || uint64(len(data))-offset < length {
		panic(fmt.Sprintf("region access out of range: offset %d length %d region size %d", offset, length, len(data)))
	}
	return data[offset : offset+length]
}

// Uint64 reads the little-endian uint64 stored at offset
func Uint64(r Region, offset memutils.Offset) uint64 {
	return binary.LittleEndian.Uint64(checkBounds(r, offset, 8))
}

// PutUint64 writes value as a little-endian uint64 at offset
func PutUint64(r Region, offset memutils.Offset, value uint64) {
	binary.LittleEndian.PutUint64(checkBounds(r, offset, 8), value)
}

// Slice returns a window of length bytes starting at offset. Like Bytes, the window is
// invalidated by growth.
func Slice(r Region, offset memutils.Offset, length uint64) []byte {
	return checkBounds(r, offset, length)
}
