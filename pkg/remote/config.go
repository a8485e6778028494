package remote

import (
	"fmt"

	"github.com/srediag/remote-node/api"
	"github.com/srediag/remote-node/pkg/loop"
	"github.com/srediag/remote-node/pkg/node"
)

const defaultPoolSize = 16

// Config configures a Manager. Each exported node gets its own data loop
// built from Loop and a proxy built from Node.
type Config struct {
	// PoolSize caps the number of data loops running at once.
	PoolSize int          `yaml:"pool_size"`
	Node     *node.Config `yaml:"node"`
	Loop     loop.Config  `yaml:"loop"`
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() *Config {
	return &Config{
		PoolSize: defaultPoolSize,
		Node:     node.DefaultConfig(),
		Loop:     loop.DefaultConfig(),
	}
}

// VerifyConfig validates config.
func VerifyConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("%w: nil config", api.ErrInvalidArgument)
	}
	if config.PoolSize <= 0 {
		return fmt.Errorf("%w: pool size %d", api.ErrInvalidArgument, config.PoolSize)
	}
	if err := node.VerifyConfig(config.Node); err != nil {
		return err
	}
	return loop.VerifyConfig(config.Loop)
}
