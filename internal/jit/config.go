package jit

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/tracejit/internal/asm"
	"github.com/tinyrange/tracejit/internal/asm/arm64"
	"github.com/tinyrange/tracejit/internal/asm/thumb2"
	"github.com/tinyrange/tracejit/internal/chain"
	"github.com/tinyrange/tracejit/internal/codecache"
	"github.com/tinyrange/tracejit/internal/lir"
)

const (
	DefaultTarget        = "arm64"
	DefaultCodeCacheSize = 1 << 20
	// DefaultMaxTraceLength is the source instruction budget of a first
	// compile attempt.
	DefaultMaxTraceLength = 100
)

// Config is the YAML configuration of a JIT.
type Config struct {
	Target        string `yaml:"target"`
	CodeCacheSize int    `yaml:"codeCacheSize"`
	Backing       string `yaml:"backing"`

	PatchQueueSize      int `yaml:"patchQueueSize,omitempty"`
	MaxAssemblerRetries int `yaml:"maxAssemblerRetries,omitempty"`
	StagedHistory       int `yaml:"stagedHistory,omitempty"`
	MinTraceLength      int `yaml:"minTraceLength,omitempty"`
	MaxTraceLength      int `yaml:"maxTraceLength,omitempty"`

	Profile bool `yaml:"profile,omitempty"`
	Verbose bool `yaml:"verbose,omitempty"`
}

func DefaultConfig() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Target == "" {
		c.Target = DefaultTarget
	}
	if c.CodeCacheSize == 0 {
		c.CodeCacheSize = DefaultCodeCacheSize
	}
	if c.Backing == "" {
		c.Backing = codecache.BackingMmap.String()
	}
	if c.PatchQueueSize == 0 {
		c.PatchQueueSize = chain.DefaultQueueSize
	}
	if c.MaxAssemblerRetries == 0 {
		c.MaxAssemblerRetries = asm.DefaultMaxRetries
	}
	if c.StagedHistory == 0 {
		c.StagedHistory = 1
	}
	if c.MinTraceLength == 0 {
		c.MinTraceLength = 1
	}
	if c.MaxTraceLength == 0 {
		c.MaxTraceLength = DefaultMaxTraceLength
	}
}

// Validate reports the first setting that cannot be used.
func (c Config) Validate() error {
	if _, err := NewTarget(c.Target); err != nil {
		return err
	}
	if _, err := codecache.ParseBacking(c.Backing); err != nil {
		return err
	}
	switch {
	case c.CodeCacheSize <= 0:
		return fmt.Errorf("codeCacheSize %d must be positive", c.CodeCacheSize)
	case c.PatchQueueSize < 0:
		return fmt.Errorf("patchQueueSize %d is negative", c.PatchQueueSize)
	case c.MaxAssemblerRetries < 0:
		return fmt.Errorf("maxAssemblerRetries %d is negative", c.MaxAssemblerRetries)
	case c.StagedHistory < 0:
		return fmt.Errorf("stagedHistory %d is negative", c.StagedHistory)
	case c.MinTraceLength < 1 || c.MaxTraceLength < c.MinTraceLength:
		return fmt.Errorf("trace length bounds [%d, %d] are invalid", c.MinTraceLength, c.MaxTraceLength)
	}
	return nil
}

// ParseConfig decodes YAML and fills in defaults.
func ParseConfig(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	c, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// NewTarget returns the instruction set called name.
func NewTarget(name string) (asm.Target, error) {
	switch name {
	case "thumb2":
		return thumb2.New(), nil
	case "arm64":
		return arm64.New(), nil
	default:
		return nil, fmt.Errorf("unknown target %q", name)
	}
}

// Descriptors returns the encoding table of the instruction set called
// name.
func Descriptors(name string) (lir.Descriptors, error) {
	switch name {
	case "thumb2":
		return thumb2.Descriptors(), nil
	case "arm64":
		return arm64.Descriptors(), nil
	default:
		return nil, fmt.Errorf("unknown target %q", name)
	}
}
