//go:build !unix

package hal

import (
	"errors"
	"os"
)

// UnixMapper is unavailable off unix; use HeapMapper to simulate.
type UnixMapper struct{}

func (UnixMapper) OpenDevice(path string) (Handle, error) {
	return nil, errors.New("device mapping requires a unix platform")
}

func (UnixMapper) PageSize() int {
	return os.Getpagesize()
}
