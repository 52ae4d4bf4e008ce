// File: config/config.go
// Package config loads and validates transport configuration.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package config

import (
	"bytes"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/filter"
	"github.com/momentics/hioload-tcp/filter/tlsfilter"
)

// Defaults applied by Default and by Load for omitted fields.
const (
	DefaultBufferSize    = 64 * 1024
	DefaultBacklog       = 128
	DefaultExecutorQueue = 1024
	DefaultSelectTimeout = time.Second
	DefaultFrameMax      = 64 * 1024
)

// Config is the on-disk configuration of a reactor and its filters.
type Config struct {
	// IOThreads is the I/O thread count; 0 means runtime.GOMAXPROCS(0).
	IOThreads int `yaml:"io_threads"`
	// BufferSize sizes socket buffers and connection read/write buffers.
	BufferSize int `yaml:"buffer_size"`
	// Backlog is the listen backlog.
	Backlog int `yaml:"backlog"`
	// ExecutorWorkers is the delegated task worker count; 0 means GOMAXPROCS.
	ExecutorWorkers int `yaml:"executor_workers"`
	ExecutorQueue   int `yaml:"executor_queue"`
	// SelectTimeout bounds each selector wait.
	SelectTimeout time.Duration `yaml:"select_timeout"`

	Frame FrameConfig `yaml:"frame"`
	TLS   TLSConfig   `yaml:"tls"`
}

// FrameConfig configures the delimiter frame filter.
type FrameConfig struct {
	Delimiter string `yaml:"delimiter"`
	MinSize   int    `yaml:"min_size"`
	MaxSize   int    `yaml:"max_size"`
}

// TLSConfig configures the TLS filter.
type TLSConfig struct {
	Enabled              bool `yaml:"enabled"`
	tlsfilter.FileConfig `yaml:",inline"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.Backlog == 0 {
		c.Backlog = DefaultBacklog
	}
	if c.ExecutorQueue == 0 {
		c.ExecutorQueue = DefaultExecutorQueue
	}
	if c.SelectTimeout == 0 {
		c.SelectTimeout = DefaultSelectTimeout
	}
	if c.Frame.Delimiter == "" {
		c.Frame.Delimiter = "\x00"
	}
	if c.Frame.MaxSize == 0 {
		c.Frame.MaxSize = DefaultFrameMax
	}
}

// Parse decodes YAML and applies defaults. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	c := &Config{}
	if len(data) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil {
			return nil, api.NewError(api.ErrCodeConfig, "config.parse", "", err)
		}
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads and parses a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, api.NewError(api.ErrCodeConfig, "config.load", "", errors.Wrapf(err, "read %s", path))
	}
	return Parse(data)
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return api.NewError(api.ErrCodeConfig, "config.validate", "",
			errors.Wrapf(api.ErrInvalidArgument, format, args...))
	}
	switch {
	case c.IOThreads < 0:
		return fail("io_threads %d", c.IOThreads)
	case c.BufferSize <= 0:
		return fail("buffer_size %d", c.BufferSize)
	case c.Backlog <= 0:
		return fail("backlog %d", c.Backlog)
	case c.ExecutorWorkers < 0:
		return fail("executor_workers %d", c.ExecutorWorkers)
	case c.ExecutorQueue <= 0:
		return fail("executor_queue %d", c.ExecutorQueue)
	case c.SelectTimeout <= 0:
		return fail("select_timeout %v", c.SelectTimeout)
	}
	if err := c.FrameFilter().Validate(); err != nil {
		return api.NewError(api.ErrCodeConfig, "config.validate", "", err)
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fail("tls cert_file and key_file must be set together")
	}
	return nil
}

// FrameFilter converts the frame section to the filter's configuration.
func (c *Config) FrameFilter() filter.FrameConfig {
	return filter.FrameConfig{
		Delimiter: []byte(c.Frame.Delimiter),
		MinSize:   c.Frame.MinSize,
		MaxSize:   c.Frame.MaxSize,
	}
}

// Marshal encodes c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	out, err := yaml.Marshal(c)
	return out, errors.Wrap(err, "marshal config")
}
