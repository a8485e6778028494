package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/srediag/remote-node/api"
	"github.com/srediag/remote-node/internal/logging"
	"github.com/srediag/remote-node/pkg/health"
	"github.com/srediag/remote-node/pkg/loopback"
	"github.com/srediag/remote-node/pkg/remote"
)

// DemoConfig shapes the demo nodes.
type DemoConfig struct {
	Nodes     int           `yaml:"nodes"`
	Buffers   uint32        `yaml:"buffers"`
	PlaneSize uint32        `yaml:"plane_size"`
	Interval  time.Duration `yaml:"interval"`
}

// Config is the shmnode configuration file.
type Config struct {
	// Listen is the HTTP address for /metrics, /live and /ready. Empty
	// disables the server.
	Listen   string          `yaml:"listen"`
	LogLevel string          `yaml:"log_level"`
	Remote   *remote.Config  `yaml:"remote"`
	Loopback loopback.Config `yaml:"loopback"`
	Health   health.Config   `yaml:"health"`
	Demo     DemoConfig      `yaml:"demo"`
}

func defaultConfig() *Config {
	return &Config{
		Listen:   ":9464",
		LogLevel: "info",
		Remote:   remote.DefaultConfig(),
		Loopback: loopback.DefaultConfig(),
		Health:   health.DefaultConfig(),
		Demo: DemoConfig{
			Nodes:     1,
			Buffers:   4,
			PlaneSize: 4096,
			Interval:  10 * time.Millisecond,
		},
	}
}

func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.verify(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) verify() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", api.ErrInvalidArgument, err)
	}
	if err := remote.VerifyConfig(c.Remote); err != nil {
		return err
	}
	if c.Demo.Nodes < 0 || c.Demo.Nodes > c.Remote.PoolSize {
		return fmt.Errorf("%w: %d demo nodes with a pool of %d", api.ErrInvalidArgument, c.Demo.Nodes, c.Remote.PoolSize)
	}
	if c.Demo.Buffers == 0 || c.Demo.PlaneSize == 0 || c.Demo.Interval <= 0 {
		return fmt.Errorf("%w: demo needs buffers, plane size and interval", api.ErrInvalidArgument)
	}
	if c.Loopback.MaxInputPorts == 0 || c.Loopback.MaxOutputPorts == 0 {
		return fmt.Errorf("%w: loopback needs at least one port per direction", api.ErrInvalidArgument)
	}
	return nil
}

func (c *Config) logger() *logging.Logger {
	level, _ := logging.ParseLevel(c.LogLevel)
	return logging.New("shmnode", os.Stdout, level)
}
