// Package hal is the hardware abstraction layer for the accelerator. It owns
// the device file, the register and accelerator-memory mappings, the device
// allocator and the ready/busy handshake.
//
// The layer reports plain errors and never keeps failure text around; the
// driver package is responsible for turning them into status codes.
package hal

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/samcharles93/accel/internal/logger"
)

const (
	// MemBase is the device-file offset of the accelerator memory window and
	// also the device-side address of its first byte.
	MemBase = 0x3000_0000
	// MemSize is the size of the accelerator memory window.
	MemSize = 256 << 20
)

// Device is an open accelerator: the device context of the HAL.
// A Device only exists with both windows mapped.
type Device struct {
	path   string
	handle Handle
	regs   []byte
	mem    []byte
	alloc  *Allocator
	status atomic.Uint32
	poller Poller
	log    logger.Logger

	statusFromRegs bool
}

type options struct {
	mapper         Mapper
	poller         Poller
	log            logger.Logger
	memSize        int
	statusFromRegs bool
}

// Option configures Open.
type Option func(*options)

// WithMapper selects how the device file is opened and mapped.
func WithMapper(m Mapper) Option {
	return func(o *options) { o.mapper = m }
}

// WithPoller replaces the ready-poll budget and sleep strategy. A
// non-positive Retries or Interval falls back to the default, so the wait
// before a register write is always bounded.
func WithPoller(p Poller) Option {
	return func(o *options) { o.poller = p }
}

// WithLogger sets the logger for device events.
func WithLogger(log logger.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithMemSize overrides the size of the accelerator window. Simulated
// devices use it to avoid reserving the full window. The size must be a
// multiple of the mapper's page size.
func WithMemSize(n int) Option {
	return func(o *options) { o.memSize = n }
}

// WithStatusRegister makes every status poll reload the stored bitmask from
// the status word of the instruction register.
func WithStatusRegister() Option {
	return func(o *options) { o.statusFromRegs = true }
}

// Open opens the device at path and maps both windows. On any failure every
// step already taken is undone and no Device is returned.
func Open(path string, opts ...Option) (*Device, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}
	o := options{
		poller:  DefaultPoller(),
		log:     logger.Discard(),
		memSize: MemSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.mapper == nil {
		o.mapper = UnixMapper{}
	}
	if o.poller.Retries <= 0 {
		o.poller.Retries = DefaultRetries
	}
	if o.poller.Interval <= 0 {
		o.poller.Interval = DefaultInterval
	}

	pageSize := o.mapper.PageSize()
	if pageSize < IRSize || pageSize%Align != 0 {
		return nil, fmt.Errorf("hal: page size %d cannot hold a %d byte instruction register: %w", pageSize, IRSize, ErrMapFailed)
	}
	if o.memSize <= 0 || o.memSize%pageSize != 0 {
		return nil, fmt.Errorf("hal: memory window size %d is not a positive multiple of the %d byte page: %w", o.memSize, pageSize, ErrInvalidSize)
	}

	h, err := o.mapper.OpenDevice(path)
	if err != nil {
		return nil, fmt.Errorf("hal: open %s: %w", path, err)
	}
	regs, err := h.Map(0, pageSize)
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("hal: map register window: %w", err)
	}

	mem, err := h.Map(MemBase, o.memSize)
	if err != nil {
		_ = h.Unmap(regs)
		_ = h.Close()
		return nil, fmt.Errorf("hal: map accelerator window: %w", err)
	}

	d := &Device{
		path:           path,
		handle:         h,
		regs:           regs,
		mem:            mem,
		alloc:          NewAllocator(uintptr(unsafe.Pointer(unsafe.SliceData(mem))), uint64(len(mem)), MemBase),
		poller:         o.poller,
		log:            o.log.With("device", path),
		statusFromRegs: o.statusFromRegs,
	}
	d.status.Store(uint32(StatusReady))
	d.log.Debug("device opened", "page_size", pageSize, "mem_size", len(mem))
	return d, nil
}

// Close releases the allocator, both mappings and the device file, in reverse
// order of acquisition. It is safe on a nil or already closed Device.
func (d *Device) Close() error {
	if d == nil || d.handle == nil {
		return nil
	}
	d.alloc.Close()

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	keep(d.handle.Unmap(d.mem))
	keep(d.handle.Unmap(d.regs))
	keep(d.handle.Close())

	d.mem = nil
	d.regs = nil
	d.handle = nil
	d.status.Store(0)
	d.log.Debug("device closed")
	return first
}

func (d *Device) open() bool {
	return d != nil && d.handle != nil
}

// Path returns the device path the Device was opened with.
func (d *Device) Path() string {
	if d == nil {
		return ""
	}
	return d.path
}

// Allocator returns the allocator over the accelerator window.
func (d *Device) Allocator() *Allocator {
	if d == nil {
		return nil
	}
	return d.alloc
}

// MemSize returns the size of the mapped accelerator window.
func (d *Device) MemSize() uint64 {
	if !d.open() {
		return 0
	}
	return uint64(len(d.mem))
}

// RegSize returns the size of the mapped register window.
func (d *Device) RegSize() int {
	if !d.open() {
		return 0
	}
	return len(d.regs)
}

// Poller returns the poll budget the Device waits with.
func (d *Device) Poller() Poller {
	if d == nil {
		return DefaultPoller()
	}
	return d.poller
}

// Bytes returns the n bytes of accelerator memory starting at host address
// addr. The slice aliases the mapping and is invalid after Close.
func (d *Device) Bytes(addr uintptr, n int) ([]byte, error) {
	if !d.open() {
		return nil, ErrClosed
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(d.mem)))
	if addr < base || n < 0 {
		return nil, ErrOutOfWindow
	}
	off := uint64(addr - base)
	if off > uint64(len(d.mem)) || uint64(n) > uint64(len(d.mem))-off {
		return nil, ErrOutOfWindow
	}
	return d.mem[off : off+uint64(n) : off+uint64(n)], nil
}

// ReadInstruction decodes the record currently held in the register window.
func (d *Device) ReadInstruction() (InstructionRegister, error) {
	var ir InstructionRegister
	if !d.open() {
		return ir, ErrClosed
	}
	err := ir.UnmarshalBinary(d.regs[:IRSize])
	return ir, err
}

func (d *Device) refreshStatus() {
	if d.statusFromRegs && d.open() {
		d.status.Store(binary.LittleEndian.Uint32(d.regs[irStatusOffset:]))
	}
}
