package hal

import (
	"fmt"
	"sync"
	"unsafe"
)

// Mapper opens device files for mapping.
type Mapper interface {
	OpenDevice(path string) (Handle, error)
	PageSize() int
}

// Handle is an open device file that can map windows of itself.
type Handle interface {
	Map(offset int64, length int) ([]byte, error)
	Unmap(b []byte) error
	Close() error
}

const heapPageSize = 4096

// HeapMapper backs device windows with ordinary heap memory. It stands in
// for the device node when simulating the accelerator or testing the layers
// above it; nothing written to its windows reaches hardware.
//
// FailMap makes the n-th Map call (counting from 1, across all handles) fail,
// and FailOpen makes OpenDevice fail; both exist to exercise rollback.
type HeapMapper struct {
	FailOpen error
	FailMap  int

	mu      sync.Mutex
	maps    int
	handles int
	mapped  int
}

func (m *HeapMapper) OpenDevice(path string) (Handle, error) {
	if m.FailOpen != nil {
		return nil, m.FailOpen
	}
	m.mu.Lock()
	m.handles++
	m.mu.Unlock()
	return &heapHandle{m: m}, nil
}

func (m *HeapMapper) PageSize() int {
	return heapPageSize
}

// Outstanding reports open handles and live mappings.
func (m *HeapMapper) Outstanding() (handles, mappings int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles, m.mapped
}

type heapHandle struct {
	m      *HeapMapper
	closed bool
}

func (h *heapHandle) Map(offset int64, length int) ([]byte, error) {
	if h.closed {
		return nil, ErrClosed
	}
	if offset < 0 || length <= 0 {
		return nil, fmt.Errorf("map offset %d length %d: %w", offset, length, ErrMapFailed)
	}
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	h.m.maps++
	if h.m.FailMap > 0 && h.m.maps == h.m.FailMap {
		return nil, fmt.Errorf("map offset %#x: %w", offset, ErrMapFailed)
	}
	h.m.mapped++
	return pageAligned(length), nil
}

// pageAligned returns length zeroed bytes starting on a page boundary, the
// way a real mapping would.
func pageAligned(length int) []byte {
	buf := make([]byte, length+heapPageSize)
	off := 0
	if rem := uintptr(unsafe.Pointer(unsafe.SliceData(buf))) % heapPageSize; rem != 0 {
		off = heapPageSize - int(rem)
	}
	return buf[off : off+length : off+length]
}

func (h *heapHandle) Unmap(b []byte) error {
	if b == nil {
		return nil
	}
	h.m.mu.Lock()
	h.m.mapped--
	h.m.mu.Unlock()
	return nil
}

func (h *heapHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	h.m.mu.Lock()
	h.m.handles--
	h.m.mu.Unlock()
	return nil
}
