package hal

import (
	"context"
	"encoding/binary"
	"strconv"
	"strings"
	"time"
)

// Status is the device status bitmask. Bits are independent; hardware may
// raise several at once.
type Status uint32

const (
	StatusReady Status = 1 << iota
	StatusBusy
	StatusComplete
	StatusError
)

func (s Status) String() string {
	if s == 0 {
		return "NONE"
	}
	var parts []string
	for _, b := range []struct {
		bit  Status
		name string
	}{
		{StatusReady, "READY"},
		{StatusBusy, "BUSY"},
		{StatusComplete, "COMPLETE"},
		{StatusError, "ERROR"},
	} {
		if s&b.bit != 0 {
			parts = append(parts, b.name)
		}
	}
	if rest := s &^ (StatusReady | StatusBusy | StatusComplete | StatusError); rest != 0 {
		parts = append(parts, "0x"+strconv.FormatUint(uint64(rest), 16))
	}
	return strings.Join(parts, "|")
}

const (
	DefaultRetries  = 100
	DefaultInterval = time.Millisecond
)

// Poller is a bounded busy-poll: at most Retries checks, Interval apart.
// Sleep defaults to time.Sleep; tests substitute a no-op. Open replaces a
// non-positive Retries or Interval with the defaults.
type Poller struct {
	Retries  int
	Interval time.Duration
	Sleep    func(time.Duration)
}

func DefaultPoller() Poller {
	return Poller{Retries: DefaultRetries, Interval: DefaultInterval}
}

// Until checks cond up to retries times, sleeping between checks, and
// returns nil as soon as it holds. A negative retries polls until ctx is
// done.
func (p Poller) Until(ctx context.Context, retries int, cond func() bool) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	for i := 0; retries < 0 || i < retries; i++ {
		if cond() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		sleep(p.Interval)
	}
	return ErrNotReady
}

// Status returns the stored status bitmask, or 0 for a nil Device.
func (d *Device) Status() Status {
	if d == nil {
		return 0
	}
	return Status(d.status.Load())
}

// SetStatus replaces the stored status bitmask. When the status comes from
// the register window, the status word is written back as well so the device
// sees acknowledgements.
func (d *Device) SetStatus(s Status) {
	if d == nil {
		return
	}
	d.status.Store(uint32(s))
	if d.statusFromRegs && d.open() {
		binary.LittleEndian.PutUint32(d.regs[irStatusOffset:], uint32(s))
	}
}

func (d *Device) IsReady() bool { return d.Status()&StatusReady != 0 }
func (d *Device) IsBusy() bool  { return d.Status()&StatusBusy != 0 }
func (d *Device) IsError() bool { return d.Status()&StatusError != 0 }

// WaitForReady polls with the Device's retry budget.
func (d *Device) WaitForReady(ctx context.Context) error {
	if d == nil {
		return ErrClosed
	}
	return d.Poll(ctx, d.poller.Retries)
}

// Poll waits for the ready bit with an explicit retry budget; negative
// retries waits until ctx is done.
func (d *Device) Poll(ctx context.Context, retries int) error {
	if !d.open() {
		return ErrClosed
	}
	return d.poller.Until(ctx, retries, func() bool {
		d.refreshStatus()
		return d.IsReady()
	})
}
