package driver

import (
	"errors"
	"strconv"
)

// Code is the stable status code of a driver call.
type Code int

const (
	CodeOK Code = iota
	CodeError
	CodeInvalidParam
	CodeNoMemory
	CodeTimeout
	CodeBusy
	CodeNotInitialized
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeError:
		return "ERROR"
	case CodeInvalidParam:
		return "INVALID_PARAM"
	case CodeNoMemory:
		return "NO_MEMORY"
	case CodeTimeout:
		return "TIMEOUT"
	case CodeBusy:
		return "BUSY"
	case CodeNotInitialized:
		return "NOT_INITIALIZED"
	default:
		return "Code(" + strconv.Itoa(int(c)) + ")"
	}
}

var (
	ErrDevice         = errors.New("device error")
	ErrInvalidParam   = errors.New("invalid parameter")
	ErrNoMemory       = errors.New("out of device memory")
	ErrTimeout        = errors.New("operation timed out")
	ErrBusy           = errors.New("device busy")
	ErrNotInitialized = errors.New("driver not initialized")
)

func (c Code) sentinel() error {
	switch c {
	case CodeError:
		return ErrDevice
	case CodeInvalidParam:
		return ErrInvalidParam
	case CodeNoMemory:
		return ErrNoMemory
	case CodeTimeout:
		return ErrTimeout
	case CodeBusy:
		return ErrBusy
	case CodeNotInitialized:
		return ErrNotInitialized
	default:
		return nil
	}
}

// Error is returned by every failing Session call. It unwraps to the
// sentinel for its code and, when present, to the underlying HAL error.
type Error struct {
	Code Code
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := e.Op + ": " + e.Msg
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Code.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// CodeOf maps err back to a status code. nil is CodeOK and errors that did
// not come from a Session are CodeError.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	for _, c := range []Code{CodeInvalidParam, CodeNoMemory, CodeTimeout, CodeBusy, CodeNotInitialized} {
		if errors.Is(err, c.sentinel()) {
			return c
		}
	}
	return CodeError
}
