// Package config loads the YAML configuration files the example
// coordinator and worker binaries are run with.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CoordinatorConfig is the full configuration for the conman-coordinator
// example binary.
type CoordinatorConfig struct {
	Listen  ListenInfo  `yaml:"listen"`
	Worker  WorkerPool  `yaml:"worker_pool"`
	Paging  PagingInfo  `yaml:"paging"`
	Logging LoggingInfo `yaml:"logging"`
	Metrics MetricsInfo `yaml:"metrics"`
}

// WorkerConfig is the full configuration for the conman-worker example
// binary.
type WorkerConfig struct {
	Coordinator CoordinatorAddr `yaml:"coordinator"`
	Logging     LoggingInfo     `yaml:"logging"`
}

// ListenInfo is the address the coordinator accepts worker connections on.
type ListenInfo struct {
	Address string `yaml:"address"`
}

// CoordinatorAddr is the address a worker dials to find its coordinator.
type CoordinatorAddr struct {
	Address string        `yaml:"address"`
	Timeout time.Duration `yaml:"timeout"`
	// HandshakeEnabled must agree with the coordinator's own
	// WorkerPool.HandshakeEnabled setting, or the worker will wait
	// forever for a descriptor the coordinator never sends (or vice
	// versa). Defaults to true when unset.
	HandshakeEnabled *bool `yaml:"handshake_enabled"`
}

// WorkerPool controls the coordinator's tolerance for worker loss.
type WorkerPool struct {
	MaxWorkerLoss int  `yaml:"max_worker_loss"`
	NoWorkerKill  bool `yaml:"no_worker_kill"`
	Compress      bool `yaml:"compress"`
	// HandshakeEnabled defaults to true (see applyDefaults) when left
	// unset in the YAML file; a pointer is needed to tell "unset" apart
	// from an explicit false.
	HandshakeEnabled *bool `yaml:"handshake_enabled"`
}

// PagingInfo controls where the coordinator spills outstanding jobs and
// results when no worker can take them immediately.
type PagingInfo struct {
	Dir string `yaml:"dir"`
}

// LoggingInfo configures the shared internal/logging logger.
type LoggingInfo struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	FilePath string `yaml:"file_path"`
}

// MetricsInfo configures the coordinator's optional Prometheus endpoint.
type MetricsInfo struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoadCoordinatorConfig reads and validates the YAML file at path.
func LoadCoordinatorConfig(path string) (*CoordinatorConfig, error) {
	var cfg CoordinatorConfig
	if err := readYAML(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating coordinator config: %w", err)
	}
	return &cfg, nil
}

// LoadWorkerConfig reads and validates the YAML file at path.
func LoadWorkerConfig(path string) (*WorkerConfig, error) {
	var cfg WorkerConfig
	if err := readYAML(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating worker config: %w", err)
	}
	return &cfg, nil
}

func readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

func (c *CoordinatorConfig) applyDefaults() {
	if c.Worker.MaxWorkerLoss == 0 {
		c.Worker.MaxWorkerLoss = 2
	}
	if c.Worker.HandshakeEnabled == nil {
		enabled := true
		c.Worker.HandshakeEnabled = &enabled
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

func (c *CoordinatorConfig) validate() error {
	if c.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
	}
	if c.Worker.MaxWorkerLoss < 0 {
		return fmt.Errorf("worker_pool.max_worker_loss must not be negative")
	}
	return nil
}

func (c *WorkerConfig) applyDefaults() {
	if c.Coordinator.Timeout <= 0 {
		c.Coordinator.Timeout = 60 * time.Second
	}
	if c.Coordinator.HandshakeEnabled == nil {
		enabled := true
		c.Coordinator.HandshakeEnabled = &enabled
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

func (c *WorkerConfig) validate() error {
	if c.Coordinator.Address == "" {
		return fmt.Errorf("coordinator.address is required")
	}
	return nil
}
