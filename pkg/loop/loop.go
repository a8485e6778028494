// Package loop is a single-threaded readiness-polling event loop. Sources
// are registered with a file descriptor, an interest mask and a callback;
// Iterate polls once and dispatches every ready source on the calling
// goroutine. Invoke is the only method safe to call from other goroutines.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/srediag/remote-node/api"
	"github.com/srediag/remote-node/internal/logging"
)

var (
	// ErrTooManySources is returned when Config.MaxSources is reached.
	ErrTooManySources = fmt.Errorf("%w: too many loop sources", api.ErrResourceExhausted)
	// ErrClosed is returned by a closed loop.
	ErrClosed = errors.New("loop closed")
	// ErrForeignSource is returned for sources that belong to another loop or were destroyed.
	ErrForeignSource = fmt.Errorf("%w: source not registered on this loop", api.ErrInvalidArgument)
)

// Mask is a set of readiness conditions.
type Mask uint32

const (
	In Mask = 1 << iota
	Out
	Err
	Hup
)

func (m Mask) String() string {
	s := ""
	for _, b := range []struct {
		bit  Mask
		name string
	}{{In, "IN"}, {Out, "OUT"}, {Err, "ERR"}, {Hup, "HUP"}} {
		if m&b.bit == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += b.name
	}
	if s == "" {
		return "0"
	}
	return s
}

func (m Mask) events() int16 {
	var ev int16
	if m&In != 0 {
		ev |= unix.POLLIN
	}
	if m&Out != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

func maskFromRevents(rev int16) Mask {
	var m Mask
	if rev&unix.POLLIN != 0 {
		m |= In
	}
	if rev&unix.POLLOUT != 0 {
		m |= Out
	}
	if rev&(unix.POLLERR|unix.POLLNVAL) != 0 {
		m |= Err
	}
	if rev&unix.POLLHUP != 0 {
		m |= Hup
	}
	return m
}

// IOFunc is called with the ready conditions of a source.
type IOFunc func(fd int, mask Mask)

// Source is one registered descriptor.
type Source struct {
	fd      int
	mask    Mask
	fn      IOFunc
	close   bool
	loop    *Loop
	removed bool
}

// Fd returns the source descriptor.
func (s *Source) Fd() int { return s.fd }

// Mask returns the current interest mask.
func (s *Source) Mask() Mask { return s.mask }

// Config configures a Loop.
type Config struct {
	// MaxSources caps the number of registered sources. Zero means no cap.
	MaxSources int `yaml:"max_sources"`
	// PollTimeout bounds one Iterate call made by Run.
	PollTimeout time.Duration `yaml:"poll_timeout"`

	Logger *logging.Logger `yaml:"-"`
}

// DefaultConfig returns the default loop configuration.
func DefaultConfig() Config {
	return Config{
		MaxSources:  256,
		PollTimeout: 100 * time.Millisecond,
	}
}

// VerifyConfig validates cfg.
func VerifyConfig(cfg Config) error {
	if cfg.MaxSources < 0 {
		return fmt.Errorf("%w: max sources %d", api.ErrInvalidArgument, cfg.MaxSources)
	}
	if cfg.PollTimeout <= 0 {
		return fmt.Errorf("%w: poll timeout %v", api.ErrInvalidArgument, cfg.PollTimeout)
	}
	return nil
}

// Loop is a poll(2) based event loop.
type Loop struct {
	cfg    Config
	logger *logging.Logger

	sources []*Source
	pfds    []unix.PollFd

	wakeR, wakeW int

	mu      sync.Mutex
	pending []func()
	closed  atomic.Bool
}

// New creates a loop.
func New(cfg Config) (*Loop, error) {
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("loop wake pipe: %w", err)
	}
	return &Loop{
		cfg:    cfg,
		logger: cfg.Logger,
		wakeR:  p[0],
		wakeW:  p[1],
	}, nil
}

// AddIO registers fd. When closeOnDestroy is set the loop closes fd in
// DestroySource.
func (l *Loop) AddIO(fd int, mask Mask, closeOnDestroy bool, fn IOFunc) (*Source, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	if l.cfg.MaxSources > 0 && len(l.sources) >= l.cfg.MaxSources {
		return nil, fmt.Errorf("%w: limit %d", ErrTooManySources, l.cfg.MaxSources)
	}
	s := &Source{fd: fd, mask: mask, fn: fn, close: closeOnDestroy, loop: l}
	l.sources = append(l.sources, s)
	l.logger.Debugf("loop: add io fd %d mask %s", fd, mask)
	return s, nil
}

// UpdateIO replaces the interest mask of s.
func (l *Loop) UpdateIO(s *Source, mask Mask) error {
	if s == nil || s.loop != l || s.removed {
		return ErrForeignSource
	}
	l.logger.Debugf("loop: update io fd %d mask %s -> %s", s.fd, s.mask, mask)
	s.mask = mask
	return nil
}

// DestroySource unregisters s, closing its fd when requested at AddIO.
// Destroying a source twice is a no-op.
func (l *Loop) DestroySource(s *Source) {
	if s == nil || s.loop != l || s.removed {
		return
	}
	s.removed = true
	for i, o := range l.sources {
		if o == s {
			copy(l.sources[i:], l.sources[i+1:])
			l.sources[len(l.sources)-1] = nil
			l.sources = l.sources[:len(l.sources)-1]
			break
		}
	}
	if s.close {
		if err := unix.Close(s.fd); err != nil {
			l.logger.Warnf("loop: close fd %d: %v", s.fd, err)
		}
	}
	l.logger.Debugf("loop: destroy source fd %d", s.fd)
}

// Len returns the number of registered sources.
func (l *Loop) Len() int { return len(l.sources) }

// Invoke queues fn to run on the loop goroutine and wakes the loop.
func (l *Loop) Invoke(fn func()) error {
	if l.closed.Load() {
		return ErrClosed
	}
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()
	l.wakeup()
	return nil
}

// wakeup holds mu so that it never writes to a wake fd Close released.
func (l *Loop) wakeup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return
	}
	var b [1]byte
	if _, err := unix.Write(l.wakeW, b[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		l.logger.Warnf("loop: wakeup: %v", err)
	}
}

func (l *Loop) runPending() {
	var buf [64]byte
	for {
		if _, err := unix.Read(l.wakeR, buf[:]); err != nil {
			break
		}
	}
	l.mu.Lock()
	fns := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Iterate polls once, waiting at most timeout (negative waits forever), and
// dispatches ready sources. It returns the number of callbacks made.
func (l *Loop) Iterate(timeout time.Duration) (int, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}
	snapshot := append([]*Source(nil), l.sources...)
	l.pfds = l.pfds[:0]
	l.pfds = append(l.pfds, unix.PollFd{Fd: int32(l.wakeR), Events: unix.POLLIN})
	for _, s := range snapshot {
		l.pfds = append(l.pfds, unix.PollFd{Fd: int32(s.fd), Events: s.mask.events()})
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	n, err := unix.Poll(l.pfds, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	dispatched := 0
	if l.pfds[0].Revents != 0 {
		l.runPending()
		dispatched++
	}
	for i, s := range snapshot {
		rev := l.pfds[i+1].Revents
		if rev == 0 || s.removed {
			continue
		}
		m := maskFromRevents(rev)
		// poll reports ERR and HUP unconditionally; only deliver what the
		// source asked for plus those two.
		m &= s.mask | Err | Hup
		if m == 0 {
			continue
		}
		s.fn(s.fd, m)
		dispatched++
	}
	return dispatched, nil
}

// Run iterates until ctx is done or the loop is closed.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, l.wakeup)
	defer stop()
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if _, err := l.Iterate(l.cfg.PollTimeout); err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// Close destroys every source and releases the wake pipe. Pending invokes
// are dropped.
func (l *Loop) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	for len(l.sources) > 0 {
		l.DestroySource(l.sources[0])
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = nil
	return errors.Join(unix.Close(l.wakeR), unix.Close(l.wakeW))
}
