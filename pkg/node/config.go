package node

import (
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/remote-node/api"
	"github.com/srediag/remote-node/internal/logging"
	"github.com/srediag/remote-node/internal/metrics"
	internalshm "github.com/srediag/remote-node/internal/shm"
)

const (
	defaultWakeupRetries       = 3
	defaultWakeupRetryInterval = 50 * time.Microsecond
	maxWakeupRetryInterval     = 10 * time.Millisecond
)

// Config is the configuration of a Proxy.
type Config struct {
	// LogLevel is used when Logger is nil. See internal/logging for levels.
	LogLevel int `yaml:"log_level"`
	// LogOutput is used when Logger is nil. Defaults to stdout.
	LogOutput io.Writer `yaml:"-"`
	// Logger overrides LogLevel and LogOutput.
	Logger *logging.Logger `yaml:"-"`

	// MemoryLock pins imported regions with mlock.
	MemoryLock bool `yaml:"memory_lock"`
	// StrictBufferIDs rejects buffer sets whose declared ids are not 0..n-1
	// instead of logging a warning.
	StrictBufferIDs bool `yaml:"strict_buffer_ids"`

	// WakeupRetries bounds retries of a wakeup write on a full socket.
	WakeupRetries uint64 `yaml:"wakeup_retries"`
	// WakeupRetryInterval is the pause between wakeup retries.
	WakeupRetryInterval time.Duration `yaml:"wakeup_retry_interval"`

	Metrics *metrics.Metrics `yaml:"-"`
	Meter   metric.Meter     `yaml:"-"`
	Tracer  trace.Tracer     `yaml:"-"`
	// Mapper replaces the platform mapping calls.
	Mapper internalshm.Mapper `yaml:"-"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:            logging.LevelFromEnv(logging.LevelWarn),
		LogOutput:           os.Stdout,
		MemoryLock:          true,
		WakeupRetries:       defaultWakeupRetries,
		WakeupRetryInterval: defaultWakeupRetryInterval,
	}
}

// VerifyConfig validates config.
func VerifyConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("%w: nil config", api.ErrInvalidArgument)
	}
	if config.Logger == nil && (config.LogLevel < logging.LevelTrace || config.LogLevel > logging.LevelNoPrint) {
		return fmt.Errorf("%w: log level %d", api.ErrInvalidArgument, config.LogLevel)
	}
	if config.WakeupRetryInterval < 0 || config.WakeupRetryInterval > maxWakeupRetryInterval {
		return fmt.Errorf("%w: wakeup retry interval %v must be within [0, %v]",
			api.ErrInvalidArgument, config.WakeupRetryInterval, maxWakeupRetryInterval)
	}
	return nil
}

func (c *Config) logger() *logging.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	out := c.LogOutput
	if out == nil {
		out = os.Stdout
	}
	return logging.New("remote-node", out, c.LogLevel)
}
