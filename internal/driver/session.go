// Package driver is the status-code façade over the HAL. A Session owns one
// open device and turns HAL failures into Codes with a last-error message.
package driver

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/accel/internal/hal"
	"github.com/samcharles93/accel/internal/logger"
)

// Session is one driver session over one device. All methods are safe for
// concurrent use; calls are serialized.
type Session struct {
	mu      sync.Mutex
	id      uuid.UUID
	log     logger.Logger
	halOpts []hal.Option

	dev        *hal.Device
	path       string
	cfg        Config
	needsReset bool
	lastErr    string

	// gen changes on every Init, Reset and Cleanup. Buffers from another
	// generation are stale.
	gen atomic.Uint64
}

type Option func(*Session)

func WithLogger(log logger.Logger) Option {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

// WithHAL passes options through to hal.Open on Init and Reset.
func WithHAL(opts ...hal.Option) Option {
	return func(s *Session) { s.halOpts = append(s.halOpts, opts...) }
}

// New returns an uninitialized session.
func New(opts ...Option) *Session {
	s := &Session{id: uuid.New(), log: logger.Discard()}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("session", s.id.String())
	return s
}

func (s *Session) ID() string { return s.id.String() }

// Init opens the device at path. It is a no-op on an initialized session.
func (s *Session) Init(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if path == "" {
		return s.fail(CodeInvalidParam, "init", "device path is empty", nil)
	}
	if s.dev != nil {
		return nil
	}
	if err := s.open(path); err != nil {
		return s.fail(CodeError, "init", "failed to initialize HAL", err)
	}
	s.log.Info("session initialized", "device", path)
	return nil
}

func (s *Session) open(path string) error {
	opts := append([]hal.Option{hal.WithLogger(s.log)}, s.halOpts...)
	dev, err := hal.Open(path, opts...)
	if err != nil {
		return err
	}
	s.dev = dev
	s.path = path
	s.cfg = DefaultConfig()
	s.needsReset = false
	s.gen.Add(1)
	return nil
}

// Cleanup closes the device and clears all session state, including the
// last error. It is a no-op on an uninitialized session.
func (s *Session) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return nil
	}
	err := s.dev.Close()
	s.dev = nil
	s.path = ""
	s.cfg = Config{}
	s.needsReset = false
	s.lastErr = ""
	s.gen.Add(1)
	if err != nil {
		s.log.Warn("device close failed", "error", err)
		return &Error{Code: CodeError, Op: "cleanup", Msg: "failed to close device", Err: err}
	}
	s.log.Info("session closed")
	return nil
}

// Reset closes and reopens the device at the same path. Outstanding buffers
// become stale, the configuration returns to DefaultConfig and a session
// latched by a failed wait accepts submissions again.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit("reset"); err != nil {
		return err
	}
	path := s.path
	if err := s.dev.Close(); err != nil {
		s.log.Warn("device close failed during reset", "error", err)
	}
	s.dev = nil
	if err := s.open(path); err != nil {
		s.path = ""
		s.gen.Add(1)
		return s.fail(CodeError, "reset", "failed to reopen device", err)
	}
	s.log.Info("session reset", "generation", s.gen.Load())
	return nil
}

// Buffer is a region of accelerator memory owned by a session.
type Buffer struct {
	HostAddr uintptr
	DevAddr  uint64
	Size     uint32

	data  []byte
	sess  *Session
	gen   uint64
	freed atomic.Bool
}

// Bytes returns the buffer contents. It is nil once the buffer is freed or
// its session has been reset or cleaned up.
func (b *Buffer) Bytes() []byte {
	if !b.valid() {
		return nil
	}
	return b.data
}

func (b *Buffer) valid() bool {
	return b != nil && !b.freed.Load() && b.sess != nil && b.gen == b.sess.gen.Load()
}

// AllocBuffer allocates size bytes of accelerator memory.
func (s *Session) AllocBuffer(size uint32) (*Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit("alloc buffer"); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, s.fail(CodeInvalidParam, "alloc buffer", "buffer size must be non-zero", nil)
	}

	a := s.dev.Allocator()
	addr, err := a.Alloc(uint64(size))
	if err != nil {
		return nil, s.fail(CodeNoMemory, "alloc buffer", "failed to allocate device memory", err)
	}
	devAddr, err := a.Translate(addr)
	if err != nil {
		a.Free(addr)
		return nil, s.fail(CodeError, "alloc buffer", "failed to translate buffer address", err)
	}
	data, err := s.dev.Bytes(addr, int(size))
	if err != nil {
		a.Free(addr)
		return nil, s.fail(CodeError, "alloc buffer", "failed to map buffer", err)
	}

	b := &Buffer{HostAddr: addr, DevAddr: devAddr, Size: size, data: data, sess: s, gen: s.gen.Load()}
	s.log.Debug("buffer allocated", "size", size, "host_addr", uint64(addr), "dev_addr", devAddr)
	return b, nil
}

// FreeBuffer returns b to the allocator. A nil, already freed or stale
// buffer, or an uninitialized session, makes it a no-op. While the session
// needs a reset the buffer is released but its span is held back, since the
// abandoned operation may still write to it; Reset reclaims it.
func (s *Session) FreeBuffer(b *Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil || b == nil || b.sess != s || !b.valid() {
		return
	}
	b.freed.Store(true)
	if s.needsReset {
		s.log.Debug("buffer span held until reset", "size", b.Size, "dev_addr", b.DevAddr)
		return
	}
	s.dev.Allocator().Free(b.HostAddr)
	s.log.Debug("buffer freed", "size", b.Size, "dev_addr", b.DevAddr)
}

// Op is the kind of operation submitted to the accelerator.
type Op int

const (
	OpNone Op = iota
	OpMatMul
	OpConv2D
)

func (o Op) String() string {
	switch o {
	case OpNone:
		return "none"
	case OpMatMul:
		return "matmul"
	case OpConv2D:
		return "conv2d"
	default:
		return "op(?)"
	}
}

// Geometry carries the tensor shape forwarded into the systolic and img2col
// records. The zero value programs all dimension fields as zero.
type Geometry struct {
	InHeight, InWidth, InChannels    uint32
	OutHeight, OutWidth, OutChannels uint32
	Kernel, Stride, Pad              uint32
}

// OpParams describes one submission. Input and Output are required.
type OpParams struct {
	Op       Op
	Input    *Buffer
	Output   *Buffer
	Weights  *Buffer
	Flags    uint32
	Geometry Geometry
}

// SubmitOp programs the accelerator for p and returns without waiting for
// completion.
func (s *Session) SubmitOp(ctx context.Context, p *OpParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	const op = "submit op"
	if err := s.requireInit(op); err != nil {
		return err
	}
	if p == nil {
		return s.fail(CodeInvalidParam, op, "operation parameters are nil", nil)
	}

	var opcode uint32
	switch p.Op {
	case OpMatMul:
		opcode = hal.SystolicMatMul
	case OpConv2D:
		opcode = hal.SystolicConv
	default:
		return s.fail(CodeInvalidParam, op, "unknown operation "+p.Op.String(), nil)
	}
	if s.needsReset {
		return s.fail(CodeError, op, "session needs reset after a failed wait", nil)
	}
	if p.Input == nil || p.Output == nil {
		return s.fail(CodeInvalidParam, op, "input and output buffers are required", nil)
	}
	for _, b := range []*Buffer{p.Input, p.Output, p.Weights} {
		if b != nil && (b.sess != s || !b.valid()) {
			return s.fail(CodeInvalidParam, op, "buffer is freed or belongs to an earlier session", nil)
		}
	}
	if s.cfg.MaxTransfer > 0 && p.Input.Size > s.cfg.MaxTransfer {
		return s.fail(CodeInvalidParam, op, "input exceeds the configured max transfer size", nil)
	}

	g := p.Geometry
	if p.Op == OpConv2D && g.Kernel > 0 {
		err := s.dev.ConfigureImg2Col(ctx, hal.Img2ColConfig{
			Opcode:     hal.Img2ColUnfold,
			InHeight:   g.InHeight,
			InWidth:    g.InWidth,
			InChannels: g.InChannels,
			KernelSize: g.Kernel,
			Stride:     g.Stride,
			Pad:        g.Pad,
			Control:    p.Flags,
		})
		if err != nil {
			return s.fail(CodeError, op, "failed to configure img2col unit", err)
		}
	}

	err := s.dev.ConfigureSystolic(ctx, hal.SystolicConfig{
		Opcode:      opcode,
		InHeight:    g.InHeight,
		InWidth:     g.InWidth,
		InChannels:  g.InChannels,
		OutHeight:   g.OutHeight,
		OutWidth:    g.OutWidth,
		OutChannels: g.OutChannels,
		Stride:      g.Stride,
		Control:     p.Flags,
	})
	if err != nil {
		return s.fail(CodeError, op, "failed to configure systolic array", err)
	}

	err = s.dev.ConfigureLSU(ctx, hal.LSUConfig{
		SrcAddr: p.Input.DevAddr,
		DstAddr: p.Output.DevAddr,
		Length:  p.Input.Size,
		Control: p.Flags,
	})
	if err != nil {
		return s.fail(CodeError, op, "failed to configure load-store unit", err)
	}

	s.log.Debug("operation submitted", "op", p.Op.String(), "src_addr", p.Input.DevAddr,
		"dst_addr", p.Output.DevAddr, "length", p.Input.Size)
	return nil
}

// WaitComplete waits for the device to become ready again. A zero timeout
// waits until ctx is done. Running out of polls or hitting the ctx deadline
// is TIMEOUT; a cancelled ctx is ERROR. A timeout, a cancelled wait or a
// device error latches the session; SubmitOp then fails until Reset.
func (s *Session) WaitComplete(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	const op = "wait complete"
	if err := s.requireInit(op); err != nil {
		return err
	}

	retries := -1
	if timeout > 0 {
		retries = retryBudget(timeout, s.dev.Poller().Interval)
	}

	if err := s.dev.Poll(ctx, retries); err != nil {
		s.needsReset = true
		if errors.Is(err, hal.ErrNotReady) || errors.Is(err, context.DeadlineExceeded) {
			s.log.Warn("operation timed out", "timeout", timeout)
			return s.fail(CodeTimeout, op, "operation timed out", err)
		}
		s.log.Warn("wait aborted", "error", err)
		return s.fail(CodeError, op, "wait aborted", err)
	}

	st := s.dev.Status()
	switch {
	case st&hal.StatusError != 0:
		s.needsReset = true
		return s.fail(CodeError, op, "device reported an error", nil)
	case st&hal.StatusBusy != 0:
		return s.fail(CodeBusy, op, "device busy", nil)
	}
	if st&hal.StatusComplete != 0 {
		s.dev.SetStatus(st &^ hal.StatusComplete)
	}
	return nil
}

// retryBudget returns the number of polls that covers timeout at interval,
// rounded up and capped at math.MaxInt.
func retryBudget(timeout, interval time.Duration) int {
	if interval <= 0 {
		interval = hal.DefaultInterval
	}
	n := timeout / interval
	if timeout%interval != 0 {
		n++
	}
	if n > time.Duration(math.MaxInt) {
		return math.MaxInt
	}
	return int(n)
}

// LastError returns the message of the most recent failing call.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Initialized reports whether the session holds an open device.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev != nil
}

// NeedsReset reports whether a failed wait has latched the session.
func (s *Session) NeedsReset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needsReset
}

func (s *Session) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Available returns free accelerator memory, or 0 before Init.
func (s *Session) Available() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return 0
	}
	return s.dev.Allocator().Available()
}

// Status returns the device status bitmask, or 0 before Init.
func (s *Session) Status() hal.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.Status()
}

// Device exposes the underlying HAL device, or nil before Init. It is
// meant for diagnostics and test doubles that drive the status bits.
func (s *Session) Device() *hal.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev
}

// Info is a point-in-time snapshot of a session.
type Info struct {
	ID          string `json:"id"`
	Device      string `json:"device"`
	Initialized bool   `json:"initialized"`
	MemBase     uint64 `json:"mem_base"`
	MemSize     uint64 `json:"mem_size"`
	RegSize     int    `json:"reg_size"`
	Available   uint64 `json:"available"`
	Blocks      int    `json:"blocks"`
	Status      string `json:"status"`
	NeedsReset  bool   `json:"needs_reset"`
	Config      Config `json:"config"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{ID: s.id.String(), Device: s.path, Status: s.dev.Status().String()}
	if s.dev == nil {
		return info
	}
	info.Initialized = true
	info.MemBase = hal.MemBase
	info.MemSize = s.dev.MemSize()
	info.RegSize = s.dev.RegSize()
	info.Available = s.dev.Allocator().Available()
	info.Blocks = len(s.dev.Allocator().Blocks())
	info.NeedsReset = s.needsReset
	info.Config = s.cfg
	return info
}

func (s *Session) requireInit(op string) error {
	if s.dev == nil {
		return s.fail(CodeNotInitialized, op, "driver not initialized", nil)
	}
	return nil
}

// fail records the failure in the last-error slot. Callers hold mu.
func (s *Session) fail(code Code, op, msg string, err error) error {
	e := &Error{Code: code, Op: op, Msg: msg, Err: err}
	s.lastErr = e.Error()
	return e
}
