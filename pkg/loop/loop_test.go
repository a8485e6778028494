package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"

	"github.com/srediag/remote-node/api"
)

type LoopTestSuite struct {
	suite.Suite
	loop *Loop
	fds  [2]int
}

func TestLoopSuite(t *testing.T) {
	suite.Run(t, new(LoopTestSuite))
}

func (s *LoopTestSuite) SetupTest() {
	l, err := New(Config{MaxSources: 4, PollTimeout: 10 * time.Millisecond})
	s.Require().NoError(err)
	s.loop = l
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	s.Require().NoError(err)
	s.fds = fds
}

func (s *LoopTestSuite) TearDownTest() {
	s.Require().NoError(s.loop.Close())
	_ = unix.Close(s.fds[0])
	if s.fds[1] >= 0 {
		_ = unix.Close(s.fds[1])
	}
}

func (s *LoopTestSuite) TestDispatchReadable() {
	var got []Mask
	_, err := s.loop.AddIO(s.fds[0], In|Err|Hup, false, func(fd int, m Mask) {
		got = append(got, m)
		var b [8]byte
		_, _ = unix.Read(fd, b[:])
	})
	s.Require().NoError(err)

	n, err := s.loop.Iterate(0)
	s.Require().NoError(err)
	s.Equal(0, n)

	_, err = unix.Write(s.fds[1], []byte{1})
	s.Require().NoError(err)
	n, err = s.loop.Iterate(time.Second)
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Equal([]Mask{In}, got)
}

func (s *LoopTestSuite) TestUpdateMaskSuppressesInput() {
	calls := 0
	src, err := s.loop.AddIO(s.fds[0], In|Err|Hup, false, func(int, Mask) { calls++ })
	s.Require().NoError(err)
	s.Require().NoError(s.loop.UpdateIO(src, Err|Hup))
	s.Equal(Err|Hup, src.Mask())

	_, err = unix.Write(s.fds[1], []byte{1})
	s.Require().NoError(err)
	_, err = s.loop.Iterate(10 * time.Millisecond)
	s.Require().NoError(err)
	s.Equal(0, calls)

	s.Require().NoError(s.loop.UpdateIO(src, In|Err|Hup))
	_, err = s.loop.Iterate(time.Second)
	s.Require().NoError(err)
	s.Equal(1, calls)
}

func (s *LoopTestSuite) TestHangupDeliveredWithoutInterest() {
	var got Mask
	_, err := s.loop.AddIO(s.fds[0], Err|Hup, false, func(_ int, m Mask) { got = m })
	s.Require().NoError(err)

	s.Require().NoError(unix.Close(s.fds[1]))
	s.fds[1] = -1
	_, err = s.loop.Iterate(time.Second)
	s.Require().NoError(err)
	s.NotZero(got & Hup)
	s.Zero(got & In)
}

func (s *LoopTestSuite) TestDestroySourceClosesFd() {
	fd, err := unix.Dup(s.fds[0])
	s.Require().NoError(err)
	src, err := s.loop.AddIO(fd, In, true, func(int, Mask) {})
	s.Require().NoError(err)
	s.Equal(1, s.loop.Len())

	s.loop.DestroySource(src)
	s.loop.DestroySource(src)
	s.Equal(0, s.loop.Len())
	s.ErrorIs(unix.Close(fd), unix.EBADF)
	s.ErrorIs(s.loop.UpdateIO(src, In), ErrForeignSource)
}

func (s *LoopTestSuite) TestSourceLimit() {
	for i := 0; i < 4; i++ {
		_, err := s.loop.AddIO(s.fds[0], In, false, func(int, Mask) {})
		s.Require().NoError(err)
	}
	_, err := s.loop.AddIO(s.fds[0], In, false, func(int, Mask) {})
	s.ErrorIs(err, ErrTooManySources)
	s.ErrorIs(err, api.ErrResourceExhausted)
}

func (s *LoopTestSuite) TestInvokeFromOtherGoroutine() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.loop.Run(ctx) }()

	var wg sync.WaitGroup
	ran := make(chan int, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.NoError(s.loop.Invoke(func() { ran <- i }))
		}(i)
	}
	wg.Wait()
	for i := 0; i < 10; i++ {
		select {
		case <-ran:
		case <-time.After(time.Second):
			s.FailNow("invoke did not run")
		}
	}
	cancel()
	s.NoError(<-done)
}

func (s *LoopTestSuite) TestWakeupAfterClose() {
	l, err := New(DefaultConfig())
	s.Require().NoError(err)
	s.Require().NoError(l.Close())

	// The next pipe takes over the released wake fd numbers.
	var p [2]int
	s.Require().NoError(unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	l.wakeup()
	s.ErrorIs(l.Invoke(func() {}), ErrClosed)
	var b [8]byte
	_, err = unix.Read(p[0], b[:])
	s.ErrorIs(err, unix.EAGAIN)
	s.NoError(l.Close())
}

func TestVerifyConfig(t *testing.T) {
	assert.NoError(t, VerifyConfig(DefaultConfig()))
	assert.ErrorIs(t, VerifyConfig(Config{MaxSources: -1, PollTimeout: time.Second}), api.ErrInvalidArgument)
	assert.ErrorIs(t, VerifyConfig(Config{}), api.ErrInvalidArgument)
}

func TestMaskString(t *testing.T) {
	assert.Equal(t, "IN|ERR|HUP", (In | Err | Hup).String())
	assert.Equal(t, "0", Mask(0).String())
}
