package api

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Error taxonomy. Every error surfaced by the bridge wraps one of these.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrUnsupported       = errors.New("operation not supported")
	ErrChannelFault      = errors.New("notification channel fault")
)

// Result converts err into the small negative result code carried by a
// Done acknowledgment. A nil error yields 0.
func Result(err error) int32 {
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return -int32(unix.EINVAL)
	case errors.Is(err, ErrNotFound):
		return -int32(unix.ENOENT)
	case errors.Is(err, ErrResourceExhausted):
		return -int32(unix.ENOMEM)
	case errors.Is(err, ErrUnsupported):
		return -int32(unix.ENOTSUP)
	case errors.Is(err, ErrChannelFault):
		return -int32(unix.EPIPE)
	}
	var errno unix.Errno
	if errors.As(err, &errno) && errno != 0 {
		return -int32(errno)
	}
	return -int32(unix.EIO)
}
