package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/srediag/remote-node/api"
	"github.com/srediag/remote-node/internal/logging"
	"github.com/srediag/remote-node/internal/metrics"
	internaltransport "github.com/srediag/remote-node/internal/transport"
)

// ChannelConfig configures a Channel.
type ChannelConfig struct {
	// WakeupRetries bounds retries of a wakeup write that hit EAGAIN or EINTR.
	WakeupRetries uint64
	// WakeupRetryInterval is the pause between those retries.
	WakeupRetryInterval time.Duration

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Channel pairs an Area with a socket pair. Send appends a message and wakes
// the peer; Drain consumes one wakeup and every queued message.
type Channel struct {
	area    *Area
	readFd  int
	writeFd int
	retry   internaltransport.Retry
	logger  *logging.Logger
	metrics *metrics.Metrics
	closed  bool
}

// NewChannel creates a channel over area. The channel owns both fds.
func NewChannel(area *Area, readFd, writeFd int, cfg ChannelConfig) *Channel {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	return &Channel{
		area:    area,
		readFd:  readFd,
		writeFd: writeFd,
		retry: internaltransport.Retry{
			Attempts: cfg.WakeupRetries,
			Interval: cfg.WakeupRetryInterval,
		},
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Area returns the shared area.
func (c *Channel) Area() *Area { return c.area }

// ReadFd is the descriptor to watch for readability.
func (c *Channel) ReadFd() int { return c.readFd }

// WriteFd is the descriptor wakeups are written to.
func (c *Channel) WriteFd() int { return c.writeFd }

// Send appends m to the outbound ring and signals the peer.
func (c *Channel) Send(m Message) error {
	if c.closed || c.area.Closed() {
		return ErrAreaClosed
	}
	if err := c.area.Outbound().Push(m); err != nil {
		c.logger.Warnf("channel: drop %s: %v", m, err)
		return err
	}
	c.metrics.Messages.WithLabelValues(m.Type.String(), metrics.DirectionSent).Inc()
	if err := internaltransport.WriteWakeup(c.writeFd, c.retry); err != nil {
		c.metrics.ChannelFaults.Inc()
		return err
	}
	c.metrics.Wakeups.WithLabelValues(metrics.DirectionSent).Inc()
	return nil
}

// Drain reads one wakeup and dispatches every queued inbound message to fn
// in push order. It returns the number of messages dispatched.
func (c *Channel) Drain(fn func(Message)) (int, error) {
	if c.closed || c.area.Closed() {
		return 0, ErrAreaClosed
	}
	count, ok, err := internaltransport.ReadWakeup(c.readFd)
	if err != nil {
		c.metrics.ChannelFaults.Inc()
		return 0, err
	}
	if ok {
		c.metrics.Wakeups.WithLabelValues(metrics.DirectionReceived).Inc()
		if count > 1 {
			c.logger.Warnf("channel: %d messages", count)
		}
	}
	n := 0
	for {
		// fn may tear the channel down.
		if c.closed || c.area.Closed() {
			return n, nil
		}
		m, ok := c.area.Inbound().Pop()
		if !ok {
			return n, nil
		}
		c.metrics.Messages.WithLabelValues(m.Type.String(), metrics.DirectionReceived).Inc()
		fn(m)
		n++
	}
}

// IsFault reports whether err means the channel is broken.
func IsFault(err error) bool {
	return errors.Is(err, api.ErrChannelFault)
}

// Close closes both fds. The area is left to its owner.
func (c *Channel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	err := errors.Join(internaltransport.Close(c.readFd), internaltransport.Close(c.writeFd))
	c.readFd, c.writeFd = -1, -1
	if err != nil {
		return fmt.Errorf("channel close: %w", err)
	}
	return nil
}

// Pipe returns two connected channels over a client/server area pair, for
// in-process peers.
func Pipe(client, server *Area, cfg ChannelConfig) (*Channel, *Channel, error) {
	a, err := internaltransport.Socketpair()
	if err != nil {
		return nil, nil, err
	}
	b, err := internaltransport.Socketpair()
	if err != nil {
		_ = internaltransport.Close(a[0])
		_ = internaltransport.Close(a[1])
		return nil, nil, err
	}
	// client reads a[0] and writes b[0]; server reads b[1] and writes a[1].
	return NewChannel(client, a[0], b[0], cfg), NewChannel(server, b[1], a[1], cfg), nil
}
