// Package accel is the runtime API for the accelerator: a Runtime owns one
// driver session and hands out Buffers, and the high-level operations submit
// work and block until the device is ready again.
//
//	rt, err := accel.Open("/dev/accelerator0")
//	if err != nil {
//		return err
//	}
//	defer rt.Close()
//
//	in, _ := rt.NewBuffer(1024)
//	w, _ := rt.NewBuffer(1024)
//	out, _ := rt.NewBuffer(1024)
//	err = rt.MatrixMultiply(ctx, in, w, out)
package accel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samcharles93/accel/internal/driver"
	"github.com/samcharles93/accel/internal/hal"
	"github.com/samcharles93/accel/internal/logger"
)

type (
	Flags  = driver.Flags
	Config = driver.Config
	Info   = driver.Info
	Code   = driver.Code
)

const (
	EnableDMA    = driver.FlagEnableDMA
	SyncMode     = driver.FlagSyncMode
	HighPriority = driver.FlagHighPriority
)

var (
	ErrDevice         = driver.ErrDevice
	ErrInvalidParam   = driver.ErrInvalidParam
	ErrNoMemory       = driver.ErrNoMemory
	ErrTimeout        = driver.ErrTimeout
	ErrBusy           = driver.ErrBusy
	ErrNotInitialized = driver.ErrNotInitialized

	// ErrBufferClosed is returned when a closed Buffer is passed to an
	// operation.
	ErrBufferClosed = errors.New("accel: buffer is closed")
)

// CodeOf returns the driver status code carried by err.
func CodeOf(err error) Code { return driver.CodeOf(err) }

type openOptions struct {
	log     logger.Logger
	halOpts []hal.Option
}

// Option configures Open.
type Option func(*openOptions)

// WithLogHandler routes runtime, driver and HAL logs to h.
func WithLogHandler(h slog.Handler) Option {
	return func(o *openOptions) {
		if h != nil {
			o.log = logger.New(h)
		}
	}
}

// WithSimulation backs the device with heap memory of memSize bytes instead
// of mapping the device file. Nothing reaches hardware. A memSize of 0 uses
// the full accelerator window.
func WithSimulation(memSize int) Option {
	return func(o *openOptions) {
		o.halOpts = append(o.halOpts, hal.WithMapper(&hal.HeapMapper{}))
		if memSize > 0 {
			o.halOpts = append(o.halOpts, hal.WithMemSize(memSize))
		}
	}
}

// WithPolling sets the ready-poll budget used before each register write.
// A non-positive retries or interval keeps the default.
func WithPolling(retries int, interval time.Duration) Option {
	return func(o *openOptions) {
		o.halOpts = append(o.halOpts, hal.WithPoller(hal.Poller{Retries: retries, Interval: interval}))
	}
}

// WithStatusRegister reads the status bits from the device instead of the
// host-side copy on every poll.
func WithStatusRegister() Option {
	return func(o *openOptions) { o.halOpts = append(o.halOpts, hal.WithStatusRegister()) }
}

func withHAL(opts ...hal.Option) Option {
	return func(o *openOptions) { o.halOpts = append(o.halOpts, opts...) }
}

// Runtime owns a driver session and every Buffer allocated from it.
type Runtime struct {
	mu     sync.Mutex
	sess   *driver.Session
	bufs   map[*Buffer]struct{}
	closed bool
}

// Open initializes a session on the device at path and applies the default
// configuration. On failure nothing stays open.
func Open(path string, opts ...Option) (*Runtime, error) {
	o := openOptions{log: logger.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	sess := driver.New(driver.WithLogger(o.log), driver.WithHAL(o.halOpts...))
	if err := sess.Init(path); err != nil {
		return nil, fmt.Errorf("accel: initialize runtime: %w", err)
	}
	if err := sess.ResetConfig(); err != nil {
		_ = sess.Cleanup()
		return nil, fmt.Errorf("accel: reset configuration: %w", err)
	}
	return &Runtime{sess: sess, bufs: make(map[*Buffer]struct{})}, nil
}

// Close releases every outstanding Buffer and closes the session. It is safe
// to call more than once.
func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for b := range r.bufs {
		r.sess.FreeBuffer(b.buf)
		b.buf = nil
	}
	clear(r.bufs)
	if err := r.sess.Cleanup(); err != nil {
		return fmt.Errorf("accel: close runtime: %w", err)
	}
	return nil
}

// ConfigOption adjusts a Configure call.
type ConfigOption func(*Config)

func WithChannels(n uint32) ConfigOption {
	return func(c *Config) { c.Channels = n }
}

// WithMaxTransfer caps the input size of a single operation. Zero removes
// the cap.
func WithMaxTransfer(n uint32) ConfigOption {
	return func(c *Config) { c.MaxTransfer = n }
}

func WithTimeout(d time.Duration) ConfigOption {
	return func(c *Config) { c.Timeout = d }
}

// Configure replaces the device configuration. Options not given keep their
// defaults: one channel, 16 MiB transfers and a one second timeout.
func (r *Runtime) Configure(flags Flags, opts ...ConfigOption) error {
	cfg := driver.DefaultConfig()
	cfg.Flags = flags
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := r.sess.Configure(cfg); err != nil {
		return fmt.Errorf("accel: configure: %w", err)
	}
	return nil
}

// Config returns the current device configuration.
func (r *Runtime) Config() (Config, error) {
	cfg, err := r.sess.Config()
	if err != nil {
		return Config{}, fmt.Errorf("accel: get config: %w", err)
	}
	return cfg, nil
}

// Reset reopens the device and restores the default configuration. Buffers
// allocated before the reset are released.
func (r *Runtime) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.sess.Reset(); err != nil {
		return fmt.Errorf("accel: reset: %w", err)
	}
	for b := range r.bufs {
		b.buf = nil
	}
	clear(r.bufs)
	return nil
}

func (r *Runtime) Info() Info { return r.sess.Info() }

func (r *Runtime) Available() uint64 { return r.sess.Available() }

// LastError returns the message of the most recent failed driver call.
func (r *Runtime) LastError() string { return r.sess.LastError() }

// Buffer is accelerator memory owned by a Runtime. Use it through its
// pointer; Close returns the memory. Data must not be used concurrently
// with Close.
type Buffer struct {
	rt  *Runtime
	buf *driver.Buffer
}

// NewBuffer allocates size bytes of accelerator memory.
func (r *Runtime) NewBuffer(size int) (*Buffer, error) {
	if size < 0 || uint64(size) > uint64(^uint32(0)) {
		return nil, fmt.Errorf("accel: allocate buffer of %d bytes: %w", size, ErrInvalidParam)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	db, err := r.sess.AllocBuffer(uint32(size))
	if err != nil {
		return nil, fmt.Errorf("accel: allocate buffer: %w", err)
	}
	b := &Buffer{rt: r, buf: db}
	r.bufs[b] = struct{}{}
	return b, nil
}

// Data returns the buffer memory, or nil once the buffer is closed.
func (b *Buffer) Data() []byte {
	if b == nil || b.buf == nil {
		return nil
	}
	return b.buf.Bytes()
}

// Size returns the requested size in bytes, or 0 once closed.
func (b *Buffer) Size() int {
	if b == nil || b.buf == nil {
		return 0
	}
	return int(b.buf.Size)
}

// DeviceAddr returns the address the accelerator uses for the buffer.
func (b *Buffer) DeviceAddr() uint64 {
	if b == nil || b.buf == nil {
		return 0
	}
	return b.buf.DevAddr
}

// Close returns the buffer to the device allocator. It is safe to call more
// than once.
func (b *Buffer) Close() error {
	if b == nil || b.rt == nil {
		return nil
	}
	r := b.rt
	r.mu.Lock()
	defer r.mu.Unlock()
	if b.buf == nil {
		return nil
	}
	r.sess.FreeBuffer(b.buf)
	delete(r.bufs, b)
	b.buf = nil
	return nil
}

// OpOption adjusts the shape and flags of an operation.
type OpOption func(*driver.OpParams)

// WithShape sets the input height, width and channels.
func WithShape(height, width, channels uint32) OpOption {
	return func(p *driver.OpParams) {
		p.Geometry.InHeight, p.Geometry.InWidth, p.Geometry.InChannels = height, width, channels
	}
}

// WithOutputShape sets the output height, width and channels.
func WithOutputShape(height, width, channels uint32) OpOption {
	return func(p *driver.OpParams) {
		p.Geometry.OutHeight, p.Geometry.OutWidth, p.Geometry.OutChannels = height, width, channels
	}
}

// WithKernel sets the convolution kernel size, stride and padding. A
// convolution with a kernel runs the img2col unit first.
func WithKernel(size, stride, pad uint32) OpOption {
	return func(p *driver.OpParams) {
		p.Geometry.Kernel, p.Geometry.Stride, p.Geometry.Pad = size, stride, pad
	}
}

// WithFlags sets the control word of the programmed units.
func WithFlags(flags uint32) OpOption {
	return func(p *driver.OpParams) { p.Flags = flags }
}

// MatrixMultiply multiplies input by weights into output and waits for the
// device to finish.
func (r *Runtime) MatrixMultiply(ctx context.Context, input, weights, output *Buffer, opts ...OpOption) error {
	return r.run(ctx, driver.OpMatMul, input, weights, output, opts)
}

// Convolution2D convolves input with weights into output and waits for the
// device to finish.
func (r *Runtime) Convolution2D(ctx context.Context, input, weights, output *Buffer, opts ...OpOption) error {
	return r.run(ctx, driver.OpConv2D, input, weights, output, opts)
}

func (r *Runtime) run(ctx context.Context, op driver.Op, input, weights, output *Buffer, opts []OpOption) error {
	p := &driver.OpParams{Op: op}
	r.mu.Lock()
	for _, b := range []struct {
		name string
		buf  *Buffer
		dst  **driver.Buffer
	}{
		{"input", input, &p.Input},
		{"weights", weights, &p.Weights},
		{"output", output, &p.Output},
	} {
		if b.buf == nil || b.buf.buf == nil {
			r.mu.Unlock()
			return fmt.Errorf("accel: %s: %s: %w", op, b.name, ErrBufferClosed)
		}
		if b.buf.rt != r {
			r.mu.Unlock()
			return fmt.Errorf("accel: %s: %s belongs to another runtime: %w", op, b.name, ErrInvalidParam)
		}
		*b.dst = b.buf.buf
	}
	r.mu.Unlock()
	for _, opt := range opts {
		opt(p)
	}

	if err := r.sess.SubmitOp(ctx, p); err != nil {
		return fmt.Errorf("accel: submit %s: %w", op, err)
	}
	if err := r.sess.WaitComplete(ctx, 0); err != nil {
		return fmt.Errorf("accel: %s failed: %w", op, err)
	}
	return nil
}
