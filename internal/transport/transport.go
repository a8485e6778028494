// Package transport contains low-level helpers for the wakeup channel that
// runs next to a shared notification area.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"

	"github.com/srediag/remote-node/api"
)

// WakeupSize is the size of one wakeup record: a native-endian counter.
const WakeupSize = 8

// Socketpair returns a connected pair of non-blocking, close-on-exec stream
// sockets. Index 0 is conventionally the local end.
func Socketpair() ([2]int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return [2]int{-1, -1}, fmt.Errorf("socketpair: %w", err)
	}
	return fds, nil
}

// SetNonblock puts fd into non-blocking mode.
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}

// Retry controls how a wakeup write reacts to a full socket buffer.
type Retry struct {
	Attempts uint64
	Interval time.Duration
}

// WriteWakeup writes a counter value of 1 to fd. EAGAIN and EINTR are retried
// according to r; every other failure is reported as api.ErrChannelFault.
func WriteWakeup(fd int, r Retry) error {
	var buf [WakeupSize]byte
	binary.NativeEndian.PutUint64(buf[:], 1)

	op := func() error {
		n, err := unix.Write(fd, buf[:])
		switch {
		case err == nil && n == WakeupSize:
			return nil
		case err == nil:
			return backoff.Permanent(fmt.Errorf("%w: short wakeup write (%d bytes)", api.ErrChannelFault, n))
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			return err
		default:
			return backoff.Permanent(fmt.Errorf("%w: wakeup write: %v", api.ErrChannelFault, err))
		}
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(r.Interval), r.Attempts)
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, api.ErrChannelFault) {
			return err
		}
		return fmt.Errorf("%w: wakeup write: %v", api.ErrChannelFault, err)
	}
	return nil
}

// ReadWakeup consumes one wakeup record from fd. ok is false when nothing was
// pending. A closed peer or a short read is a channel fault.
func ReadWakeup(fd int) (count uint64, ok bool, err error) {
	var buf [WakeupSize]byte
	for {
		n, rerr := unix.Read(fd, buf[:])
		switch {
		case errors.Is(rerr, unix.EINTR):
			continue
		case errors.Is(rerr, unix.EAGAIN):
			return 0, false, nil
		case rerr != nil:
			return 0, false, fmt.Errorf("%w: wakeup read: %v", api.ErrChannelFault, rerr)
		case n == 0:
			return 0, false, fmt.Errorf("%w: peer closed", api.ErrChannelFault)
		case n != WakeupSize:
			return 0, false, fmt.Errorf("%w: short wakeup read (%d bytes)", api.ErrChannelFault, n)
		}
		return binary.NativeEndian.Uint64(buf[:]), true, nil
	}
}

// Close closes fd, ignoring negative descriptors.
func Close(fd int) error {
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}
