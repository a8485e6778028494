package api

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestResult(t *testing.T) {
	tests := []struct {
		err  error
		want int32
	}{
		{nil, 0},
		{ErrInvalidArgument, -int32(unix.EINVAL)},
		{fmt.Errorf("port 3: %w", ErrNotFound), -int32(unix.ENOENT)},
		{ErrResourceExhausted, -int32(unix.ENOMEM)},
		{ErrUnsupported, -int32(unix.ENOTSUP)},
		{ErrChannelFault, -int32(unix.EPIPE)},
		{fmt.Errorf("mmap: %w", unix.EACCES), -int32(unix.EACCES)},
		{errors.New("opaque"), -int32(unix.EIO)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Result(tt.err), "%v", tt.err)
	}
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "input", DirectionInput.String())
	assert.Equal(t, "output", DirectionOutput.String())
	assert.False(t, Direction(2).Valid())
	assert.Equal(t, "clock-update", CommandClockUpdate.String())
	assert.Equal(t, "command(99)", CommandType(99).String())
	assert.Equal(t, "control", IOKindControl.String())
}
