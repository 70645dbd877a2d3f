//go:build unix

package hal

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// UnixMapper maps the device node with mmap(2), read/write and shared.
type UnixMapper struct{}

func (UnixMapper) OpenDevice(path string) (Handle, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &unixHandle{f: f}, nil
}

func (UnixMapper) PageSize() int {
	return unix.Getpagesize()
}

type unixHandle struct {
	f *os.File
}

func (h *unixHandle) Map(offset int64, length int) ([]byte, error) {
	data, err := unix.Mmap(int(h.f.Fd()), offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap offset %#x length %d: %w: %w", offset, length, ErrMapFailed, err)
	}
	return data, nil
}

func (h *unixHandle) Unmap(b []byte) error {
	if b == nil {
		return nil
	}
	return unix.Munmap(b)
}

func (h *unixHandle) Close() error {
	return h.f.Close()
}
