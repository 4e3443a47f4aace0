package region

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/filealloc/memutils"
)

// MaxMemorySize is the largest size a Memory region will grow to. Larger requests fail with
// memutils.ErrCapacityExceeded instead of exhausting the process heap.
const MaxMemorySize uint64 = 1 << 46

// Memory is a Region held entirely in process memory. Its contents do not survive Close.
type Memory struct {
	data   []byte
	closed bool
}

var _ Region = &Memory{}

// NewMemory creates an in-memory region of the requested initial size
func NewMemory(size uint64) *Memory {
	return &Memory{data: make([]byte, size)}
}

func (m *Memory) Bytes() []byte { return m.data }

func (m *Memory) Size() uint64 { return uint64(len(m.data)) }

func (m *Memory) Resize(size uint64) (uint64, error) {
	if m.closed {
		return m.Size(), errors.New("attempted to resize a closed region")
	}

	if size > MaxMemorySize || size > math.MaxInt {
		return m.Size(), errors.Mark(errors.Newf("cannot grow in-memory region to %d bytes", size), memutils.ErrCapacityExceeded)
	}

	oldSize := uint64(len(m.data))
	switch {
	case size <= oldSize:
		// zero the dropped tail so regrowth within capacity reads zeroes
		tail := m.data[size:]
		for i := range tail {
			tail[i] = 0
		}
		m.data = m.data[:size]
	case size <= uint64(cap(m.data)):
		m.data = m.data[:size]
	default:
		capacity := size + size/4
		if capacity > MaxMemorySize || capacity > math.MaxInt {
			capacity = size
		}
		data := make([]byte, size, capacity)
		copy(data, m.data)
		m.data = data
	}

	return size, nil
}

func (m *Memory) Reserve(minSize uint64) (uint64, error) {
	if minSize <= m.Size() {
		return m.Size(), nil
	}

	return m.Resize(minSize)
}

func (m *Memory) Sync() error {
	return nil
}

func (m *Memory) Close() error {
	if m.closed {
		return errors.New("attempted to close a region twice")
	}

	m.closed = true
	m.data = nil
	return nil
}
