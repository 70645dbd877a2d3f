package hal

import "fmt"

const (
	// Align is the allocation granularity and alignment of device memory.
	Align = 64

	// blockHeaderSize is the bookkeeping cost charged when deciding whether
	// a free block is worth splitting.
	blockHeaderSize = 32

	noBlock = -1
)

type block struct {
	off  uint64
	size uint64
	used bool
	next int
}

// BlockInfo describes one span of the accelerator window.
type BlockInfo struct {
	Offset uint64
	Size   uint64
	Used   bool
}

// Allocator is a best-fit allocator over the accelerator window.
//
// Blocks are records in an arena addressed by index. They form an
// address-ordered list that covers the whole window without gaps or
// overlaps. Unused blocks are also listed in free; records retired by a
// merge are recycled through spare.
type Allocator struct {
	base    uintptr
	size    uint64
	devBase uint64

	blocks []block
	head   int
	free   []int
	spare  []int
	closed bool
}

// NewAllocator manages size bytes of host memory starting at base. The first
// byte translates to device address devBase.
func NewAllocator(base uintptr, size uint64, devBase uint64) *Allocator {
	return &Allocator{
		base:    base,
		size:    size,
		devBase: devBase,
		blocks:  []block{{off: 0, size: size, next: noBlock}},
		head:    0,
		free:    []int{0},
	}
}

func alignUp(n uint64) uint64 {
	return (n + Align - 1) &^ (Align - 1)
}

// Alloc reserves size bytes, rounded up to Align, and returns the host
// address of the span.
func (a *Allocator) Alloc(size uint64) (uintptr, error) {
	if a == nil || a.closed {
		return 0, ErrClosed
	}
	if size == 0 || size > a.size {
		return 0, fmt.Errorf("alloc %d bytes: %w", size, ErrInvalidSize)
	}
	want := alignUp(size)

	best, bestPos := noBlock, 0
	for pos, idx := range a.free {
		b := a.blocks[idx]
		if b.size < want {
			continue
		}
		if best == noBlock || b.size < a.blocks[best].size ||
			(b.size == a.blocks[best].size && b.off < a.blocks[best].off) {
			best, bestPos = idx, pos
		}
	}
	if best == noBlock {
		return 0, fmt.Errorf("alloc %d bytes: %w", want, ErrNoSpace)
	}

	if a.blocks[best].size > want+blockHeaderSize+Align {
		rest := a.record(block{
			off:  a.blocks[best].off + want,
			size: a.blocks[best].size - want,
			next: a.blocks[best].next,
		})
		a.blocks[best].size = want
		a.blocks[best].next = rest
		a.free[bestPos] = rest
	} else {
		a.dropFreeAt(bestPos)
	}
	a.blocks[best].used = true
	return a.base + uintptr(a.blocks[best].off), nil
}

// Free returns the span starting at addr. Unknown addresses, zero and spans
// that are already free are ignored.
func (a *Allocator) Free(addr uintptr) {
	if a == nil || a.closed || addr == 0 || addr < a.base {
		return
	}
	off := uint64(addr - a.base)

	prev, idx := noBlock, a.head
	for idx != noBlock && a.blocks[idx].off != off {
		prev, idx = idx, a.blocks[idx].next
	}
	if idx == noBlock || !a.blocks[idx].used {
		return
	}
	a.blocks[idx].used = false

	for next := a.blocks[idx].next; next != noBlock && !a.blocks[next].used; next = a.blocks[idx].next {
		a.blocks[idx].size += a.blocks[next].size
		a.blocks[idx].next = a.blocks[next].next
		a.dropFree(next)
		a.retire(next)
	}

	if prev != noBlock && !a.blocks[prev].used {
		a.blocks[prev].size += a.blocks[idx].size
		a.blocks[prev].next = a.blocks[idx].next
		a.retire(idx)
		return
	}
	a.free = append(a.free, idx)
}

// Available returns the total size of unused blocks.
func (a *Allocator) Available() uint64 {
	if a == nil || a.closed {
		return 0
	}
	var n uint64
	for _, idx := range a.free {
		n += a.blocks[idx].size
	}
	return n
}

// Total returns the size of the managed window.
func (a *Allocator) Total() uint64 {
	if a == nil || a.closed {
		return 0
	}
	return a.size
}

// Translate converts a host address inside the window to the device address
// the accelerator sees.
func (a *Allocator) Translate(addr uintptr) (uint64, error) {
	if a == nil || a.closed {
		return 0, ErrClosed
	}
	if addr < a.base || uint64(addr-a.base) >= a.size {
		return 0, fmt.Errorf("translate %#x: %w", addr, ErrOutOfWindow)
	}
	return a.devBase + uint64(addr-a.base), nil
}

// Blocks returns the block list in address order.
func (a *Allocator) Blocks() []BlockInfo {
	if a == nil || a.closed {
		return nil
	}
	var out []BlockInfo
	for idx := a.head; idx != noBlock; idx = a.blocks[idx].next {
		b := a.blocks[idx]
		out = append(out, BlockInfo{Offset: b.off, Size: b.size, Used: b.used})
	}
	return out
}

// Close drops all bookkeeping; later calls fail or do nothing.
func (a *Allocator) Close() {
	if a == nil {
		return
	}
	a.blocks = nil
	a.free = nil
	a.spare = nil
	a.head = noBlock
	a.closed = true
}

func (a *Allocator) record(b block) int {
	if n := len(a.spare); n > 0 {
		idx := a.spare[n-1]
		a.spare = a.spare[:n-1]
		a.blocks[idx] = b
		return idx
	}
	a.blocks = append(a.blocks, b)
	return len(a.blocks) - 1
}

func (a *Allocator) retire(idx int) {
	a.blocks[idx] = block{next: noBlock}
	a.spare = append(a.spare, idx)
}

func (a *Allocator) dropFree(idx int) {
	for pos, v := range a.free {
		if v == idx {
			a.dropFreeAt(pos)
			return
		}
	}
}

func (a *Allocator) dropFreeAt(pos int) {
	last := len(a.free) - 1
	a.free[pos] = a.free[last]
	a.free = a.free[:last]
}
