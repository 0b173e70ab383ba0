// Package config loads the vmgenid daemon configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vmgenid/internal/genid"
)

const (
	PlatformFDT  = "fdt"
	PlatformACPI = "acpi"

	InterruptUevent = "uevent"
	InterruptFile   = "file"
	InterruptPoll   = "poll"

	DefaultFDTPath      = "/sys/firmware/fdt"
	DefaultDSDTPath     = "/sys/firmware/acpi/tables/DSDT"
	DefaultMemoryPath   = "/dev/mem"
	DefaultPollInterval = time.Second

	maxConfigSize = 1024 * 1024
)

// Config is the daemon configuration file.
type Config struct {
	Platform  PlatformConfig  `yaml:"platform"`
	Memory    MemoryConfig    `yaml:"memory"`
	Interrupt InterruptConfig `yaml:"interrupt"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Consumers ConsumersConfig `yaml:"consumers"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

type PlatformConfig struct {
	Source string `yaml:"source"`
	Path   string `yaml:"path,omitempty"`
}

type MemoryConfig struct {
	Path string `yaml:"path,omitempty"`
}

type InterruptConfig struct {
	Source string `yaml:"source"`
	// Path is the watched file for the file source.
	Path string `yaml:"path,omitempty"`
}

type MonitorConfig struct {
	ReadAttempts  int           `yaml:"read_attempts,omitempty"`
	RetryDelay    time.Duration `yaml:"retry_delay,omitempty"`
	FallbackDelay time.Duration `yaml:"fallback_delay,omitempty"`
	PollInterval  time.Duration `yaml:"poll_interval,omitempty"`
}

type ResolverConfig struct {
	// nil selects the default window; set both to 0 to disable it.
	MinInterrupt *uint32 `yaml:"min_interrupt,omitempty"`
	MaxInterrupt *uint32 `yaml:"max_interrupt,omitempty"`
}

type ConsumersConfig struct {
	// Urandom is the kernel pool device; empty disables the consumer.
	Urandom string `yaml:"urandom,omitempty"`
	Journal string `yaml:"journal,omitempty"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

type LogConfig struct {
	Level string `yaml:"level,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var cfg Config
	cfg.normalize()
	return cfg
}

func (c *Config) normalize() {
	if c.Platform.Source == "" {
		c.Platform.Source = PlatformFDT
	}
	if c.Platform.Path == "" {
		switch c.Platform.Source {
		case PlatformFDT:
			c.Platform.Path = DefaultFDTPath
		case PlatformACPI:
			c.Platform.Path = DefaultDSDTPath
		}
	}
	if c.Memory.Path == "" {
		c.Memory.Path = DefaultMemoryPath
	}
	if c.Interrupt.Source == "" {
		c.Interrupt.Source = InterruptUevent
	}
	if c.Interrupt.Source == InterruptPoll && c.Monitor.PollInterval == 0 {
		c.Monitor.PollInterval = DefaultPollInterval
	}
	if c.Monitor.ReadAttempts == 0 {
		c.Monitor.ReadAttempts = genid.DefaultReadAttempts
	}
	if c.Monitor.FallbackDelay == 0 {
		c.Monitor.FallbackDelay = genid.DefaultFallbackDelay
	}
	if c.Resolver.MinInterrupt == nil {
		v := uint32(genid.DefaultMinInterrupt)
		c.Resolver.MinInterrupt = &v
	}
	if c.Resolver.MaxInterrupt == nil {
		v := uint32(genid.DefaultMaxInterrupt)
		c.Resolver.MaxInterrupt = &v
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports every problem found in c.
func (c Config) Validate() error {
	var result *multierror.Error
	switch c.Platform.Source {
	case PlatformFDT, PlatformACPI:
	default:
		result = multierror.Append(result, fmt.Errorf("platform.source %q: want %s or %s", c.Platform.Source, PlatformFDT, PlatformACPI))
	}
	switch c.Interrupt.Source {
	case InterruptUevent, InterruptPoll:
	case InterruptFile:
		if c.Interrupt.Path == "" {
			result = multierror.Append(result, errors.New("interrupt.path is required for the file source"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("interrupt.source %q: want %s, %s or %s", c.Interrupt.Source, InterruptUevent, InterruptFile, InterruptPoll))
	}
	if c.Monitor.ReadAttempts < 0 {
		result = multierror.Append(result, fmt.Errorf("monitor.read_attempts %d is negative", c.Monitor.ReadAttempts))
	}
	if c.Monitor.RetryDelay < 0 || c.Monitor.PollInterval < 0 {
		result = multierror.Append(result, errors.New("monitor delays must not be negative"))
	}
	if c.Resolver.MinInterrupt != nil && c.Resolver.MaxInterrupt != nil && *c.Resolver.MinInterrupt > *c.Resolver.MaxInterrupt {
		result = multierror.Append(result, fmt.Errorf("resolver window %d..%d is empty", *c.Resolver.MinInterrupt, *c.Resolver.MaxInterrupt))
	}
	if _, err := c.LogLevel(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// LogLevel parses log.level.
func (c Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", c.Log.Level, err)
	}
	return level, nil
}

// ResolveOptions converts the resolver section.
func (c Config) ResolveOptions() genid.ResolveOptions {
	opts := genid.DefaultResolveOptions()
	if c.Resolver.MinInterrupt != nil {
		opts.MinInterrupt = *c.Resolver.MinInterrupt
	}
	if c.Resolver.MaxInterrupt != nil {
		opts.MaxInterrupt = *c.Resolver.MaxInterrupt
	}
	return opts
}

// Load reads a configuration file. An empty path yields Default.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxConfigSize+1))
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if len(data) > maxConfigSize {
		return Config{}, fmt.Errorf("config: %s exceeds %d bytes", path, maxConfigSize)
	}
	return Parse(data)
}

// Parse decodes, normalizes and validates YAML. Unknown keys are errors.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
