package hal

import "errors"

var (
	ErrInvalidPath = errors.New("hal: invalid device path")
	ErrMapFailed   = errors.New("hal: mapping failed")
	ErrClosed      = errors.New("hal: device closed")
	ErrInvalidSize = errors.New("hal: invalid allocation size")
	ErrNoSpace     = errors.New("hal: accelerator memory exhausted")
	ErrOutOfWindow = errors.New("hal: address outside accelerator window")
	ErrNotReady    = errors.New("hal: device not ready")
	ErrShortRecord = errors.New("hal: short instruction record")
	ErrUnknownUnit = errors.New("hal: unknown unit tag")
)
