package hal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testMemSize = 1 << 20

func immediatePoller() Poller {
	return Poller{Retries: DefaultRetries, Interval: time.Millisecond, Sleep: func(time.Duration) {}}
}

func openTest(t *testing.T, opts ...Option) (*Device, *HeapMapper) {
	t.Helper()
	m := &HeapMapper{}
	base := []Option{WithMapper(m), WithMemSize(testMemSize), WithPoller(immediatePoller())}
	d, err := Open("/dev/accelerator0", append(base, opts...)...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d, m
}

func TestOpenBasic(t *testing.T) {
	t.Parallel()
	d, m := openTest(t)

	if d.RegSize() != heapPageSize {
		t.Fatalf("register window: got %d want %d", d.RegSize(), heapPageSize)
	}
	if d.MemSize() != testMemSize {
		t.Fatalf("memory window: got %d want %d", d.MemSize(), testMemSize)
	}
	if d.Status() != StatusReady {
		t.Fatalf("initial status: got %v want READY", d.Status())
	}
	if got := d.Allocator().Available(); got != testMemSize {
		t.Fatalf("available: got %d want %d", got, testMemSize)
	}
	if h, maps := m.Outstanding(); h != 1 || maps != 2 {
		t.Fatalf("outstanding: handles=%d mappings=%d", h, maps)
	}
}

func TestOpenFullWindow(t *testing.T) {
	m := &HeapMapper{}
	d, err := Open("/dev/accelerator0", WithMapper(m))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = d.Close() }()
	if d.MemSize() != MemSize {
		t.Fatalf("memory window: got %d want %d", d.MemSize(), MemSize)
	}
}

func TestOpenInvalidPath(t *testing.T) {
	t.Parallel()
	if _, err := Open(""); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
	missing := filepath.Join(t.TempDir(), "nonexistent")
	if _, err := Open(missing, WithMapper(UnixMapper{})); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestOpenRollback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		m    *HeapMapper
	}{
		{"open fails", &HeapMapper{FailOpen: errors.New("no device")}},
		{"register map fails", &HeapMapper{FailMap: 1}},
		{"memory map fails", &HeapMapper{FailMap: 2}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, err := Open("/dev/accelerator0", WithMapper(tc.m), WithMemSize(testMemSize))
			if err == nil {
				_ = d.Close()
				t.Fatal("expected error")
			}
			if d != nil {
				t.Fatal("expected no device on failure")
			}
			if h, maps := tc.m.Outstanding(); h != 0 || maps != 0 {
				t.Fatalf("leaked: handles=%d mappings=%d", h, maps)
			}
		})
	}
}

func TestCloseNilAndTwice(t *testing.T) {
	t.Parallel()
	var d *Device
	if err := d.Close(); err != nil {
		t.Fatalf("nil Close: %v", err)
	}

	d, m := openTest(t)
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if h, maps := m.Outstanding(); h != 0 || maps != 0 {
		t.Fatalf("leaked: handles=%d mappings=%d", h, maps)
	}
	if _, err := d.Allocator().Alloc(64); !errors.Is(err, ErrClosed) {
		t.Fatalf("alloc after close: expected ErrClosed, got %v", err)
	}
	if d.IsReady() {
		t.Fatal("closed device reports ready")
	}
}

func TestOpenMultiple(t *testing.T) {
	t.Parallel()
	d1, _ := openTest(t)
	d2, _ := openTest(t)
	if d1 == d2 {
		t.Fatal("expected distinct devices")
	}

	p1, err := d1.Allocator().Alloc(128)
	if err != nil {
		t.Fatalf("alloc d1: %v", err)
	}
	if d2.Allocator().Available() != testMemSize {
		t.Fatal("allocation on one device leaked into the other")
	}
	d1.Allocator().Free(p1)
}

func TestReopenAfterClose(t *testing.T) {
	t.Parallel()
	m := &HeapMapper{}
	for i := 0; i < 3; i++ {
		d, err := Open("/dev/accelerator0", WithMapper(m), WithMemSize(testMemSize))
		if err != nil {
			t.Fatalf("cycle %d: Open: %v", i, err)
		}
		if _, err := d.Allocator().Alloc(1024); err != nil {
			t.Fatalf("cycle %d: alloc: %v", i, err)
		}
		if err := d.Close(); err != nil {
			t.Fatalf("cycle %d: Close: %v", i, err)
		}
	}
	if h, maps := m.Outstanding(); h != 0 || maps != 0 {
		t.Fatalf("leaked: handles=%d mappings=%d", h, maps)
	}
}

func TestBytes(t *testing.T) {
	t.Parallel()
	d, _ := openTest(t)
	a := d.Allocator()

	p, err := a.Alloc(256)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	b, err := d.Bytes(p, 256)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	b[0], b[255] = 0xAA, 0x55

	again, _ := d.Bytes(p, 256)
	if again[0] != 0xAA || again[255] != 0x55 {
		t.Fatal("Bytes does not alias device memory")
	}
	if _, err := d.Bytes(p, testMemSize+1); !errors.Is(err, ErrOutOfWindow) {
		t.Fatalf("expected ErrOutOfWindow, got %v", err)
	}
	if _, err := d.Bytes(0x10, 1); !errors.Is(err, ErrOutOfWindow) {
		t.Fatalf("expected ErrOutOfWindow, got %v", err)
	}
}

func TestUnixMapperSparseFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "accelerator")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Truncate(MemBase + testMemSize); err != nil {
		_ = f.Close()
		t.Skipf("sparse file unsupported: %v", err)
	}
	_ = f.Close()

	d, err := Open(path, WithMapper(UnixMapper{}), WithMemSize(testMemSize), WithPoller(immediatePoller()))
	if err != nil {
		t.Skipf("mmap unavailable: %v", err)
	}
	defer func() { _ = d.Close() }()

	p, err := d.Allocator().Alloc(64)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	b, err := d.Bytes(p, 64)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	// First allocation starts at offset 0 of the window.
	copy(b, "accel")
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err = os.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = f.Close() }()
	raw := make([]byte, 5)
	if _, err := f.ReadAt(raw, MemBase); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(raw) != "accel" {
		t.Fatalf("write did not reach the mapped file: %q", raw)
	}
}

func TestOpenWindowSize(t *testing.T) {
	t.Parallel()
	for _, n := range []int{-1, 0, 200, heapPageSize + Align} {
		m := &HeapMapper{}
		d, err := Open("/dev/accelerator0", WithMapper(m), WithMemSize(n))
		if !errors.Is(err, ErrInvalidSize) {
			_ = d.Close()
			t.Fatalf("WithMemSize(%d): expected ErrInvalidSize, got %v", n, err)
		}
		if h, maps := m.Outstanding(); h != 0 || maps != 0 {
			t.Fatalf("WithMemSize(%d) leaked: handles=%d mappings=%d", n, h, maps)
		}
	}

	// Small windows still start on an aligned base and can be used whole.
	for i := 0; i < 32; i++ {
		d, _ := openTest(t, WithMemSize(heapPageSize))
		p, err := d.Allocator().Alloc(64)
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}
		if p%Align != 0 {
			t.Fatalf("host address %#x is not %d-byte aligned", p, Align)
		}
		d.Allocator().Free(p)
		if _, err := d.Allocator().Alloc(heapPageSize); err != nil {
			t.Fatalf("alloc of the whole window: %v", err)
		}
	}
}

func TestOpenNormalizesPollBudget(t *testing.T) {
	t.Parallel()
	for _, retries := range []int{-1, 0} {
		var sleeps int
		p := Poller{Retries: retries, Sleep: func(time.Duration) { sleeps++ }}
		d, _ := openTest(t, WithPoller(p))
		if got := d.Poller(); got.Retries != DefaultRetries || got.Interval != DefaultInterval {
			t.Fatalf("retries %d: poller %+v", retries, got)
		}

		d.SetStatus(StatusBusy)
		err := d.ConfigureLSU(context.Background(), LSUConfig{Length: 64})
		if !errors.Is(err, ErrNotReady) {
			t.Fatalf("retries %d: expected ErrNotReady, got %v", retries, err)
		}
		if sleeps != DefaultRetries {
			t.Fatalf("retries %d: slept %d times, want %d", retries, sleeps, DefaultRetries)
		}

		d.SetStatus(StatusReady)
		if err := d.ConfigureLSU(context.Background(), LSUConfig{Length: 64}); err != nil {
			t.Fatalf("retries %d: ConfigureLSU on a ready device: %v", retries, err)
		}
	}
}
