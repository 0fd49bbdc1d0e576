package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/dshills/plugrt/internal/plugin"
	plua "github.com/dshills/plugrt/internal/plugin/lua"
)

// Config is the complete runtime configuration.
type Config struct {
	Plugins   PluginsConfig   `toml:"plugins" yaml:"plugins"`
	Execution ExecutionConfig `toml:"execution" yaml:"execution"`
	Reload    ReloadConfig    `toml:"reload" yaml:"reload"`
	Cache     CacheConfig     `toml:"cache" yaml:"cache"`
	Watch     WatchConfig     `toml:"watch" yaml:"watch"`
	Log       LogConfig       `toml:"log" yaml:"log"`
}

// PluginsConfig controls where plugins are found and what they may access.
type PluginsConfig struct {
	// Paths are the directories searched for plugin sources.
	Paths []string `toml:"paths" yaml:"paths"`

	// Capabilities granted to every plugin sandbox.
	Capabilities []string `toml:"capabilities" yaml:"capabilities"`
}

// ExecutionConfig bounds plugin invocations.
type ExecutionConfig struct {
	// MaxConcurrency bounds parallel calls into one plugin.
	MaxConcurrency int `toml:"max_concurrency" yaml:"max_concurrency"`

	// Timeout bounds each call; zero disables it.
	Timeout Duration `toml:"timeout" yaml:"timeout"`
}

// ReloadConfig controls hot reload.
type ReloadConfig struct {
	// Grace is how long a replaced plugin may finish in-flight calls.
	Grace Duration `toml:"grace" yaml:"grace"`
}

// CacheConfig controls the compiled artifact cache.
type CacheConfig struct {
	Size int `toml:"size" yaml:"size"`
}

// WatchConfig controls file watching.
type WatchConfig struct {
	Enabled  bool     `toml:"enabled" yaml:"enabled"`
	Debounce Duration `toml:"debounce" yaml:"debounce"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level" yaml:"level"`

	// Format is json or console.
	Format string `toml:"format" yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	fc := plugin.DefaultConfig()
	return &Config{
		Plugins: PluginsConfig{
			Paths: fc.PluginPaths,
		},
		Execution: ExecutionConfig{
			MaxConcurrency: fc.MaxConcurrency,
		},
		Reload: ReloadConfig{Grace: Duration{fc.ReloadGrace}},
		Cache:  CacheConfig{Size: fc.CacheSize},
		Watch:  WatchConfig{Debounce: Duration{fc.WatchDebounce}},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks every setting and reports all failures at once.
func (c *Config) Validate() error {
	var errs []error
	fail := func(path string, value any, msg string) {
		errs = append(errs, &ValidationError{Path: path, Value: value, Message: msg})
	}

	for _, s := range c.Plugins.Capabilities {
		if _, ok := plua.ParseCapability(s); !ok {
			fail("plugins.capabilities", s, "unknown capability")
		}
	}
	if c.Execution.MaxConcurrency < 0 {
		fail("execution.max_concurrency", c.Execution.MaxConcurrency, "must not be negative")
	}
	if c.Execution.Timeout.Duration < 0 {
		fail("execution.timeout", c.Execution.Timeout, "must not be negative")
	}
	if c.Reload.Grace.Duration < 0 {
		fail("reload.grace", c.Reload.Grace, "must not be negative")
	}
	if c.Cache.Size < 0 {
		fail("cache.size", c.Cache.Size, "must not be negative")
	}
	if c.Watch.Debounce.Duration < 0 {
		fail("watch.debounce", c.Watch.Debounce, "must not be negative")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		fail("log.level", c.Log.Level, "must be debug, info, warn or error")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		fail("log.format", c.Log.Format, "must be json or console")
	}

	return errors.Join(errs...)
}

// Framework returns the plugin framework configuration. Unknown capabilities
// are skipped; Validate reports them.
func (c *Config) Framework() plugin.Config {
	fc := plugin.Config{
		PluginPaths:    append([]string(nil), c.Plugins.Paths...),
		MaxConcurrency: c.Execution.MaxConcurrency,
		ExecTimeout:    c.Execution.Timeout.Duration,
		ReloadGrace:    c.Reload.Grace.Duration,
		CacheSize:      c.Cache.Size,
		WatchDebounce:  c.Watch.Debounce.Duration,
	}
	for _, s := range c.Plugins.Capabilities {
		if capability, ok := plua.ParseCapability(s); ok {
			fc.Capabilities = append(fc.Capabilities, capability)
		}
	}
	return fc
}

// Build creates the logger described by the configuration.
func (l LogConfig) Build() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	var zc zap.Config
	switch l.Format {
	case "console":
		zc = zap.NewDevelopmentConfig()
	case "json", "":
		zc = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("log format %q: must be json or console", l.Format)
	}
	zc.Level = level
	return zc.Build()
}

// Duration is a time.Duration read from strings such as "250ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}
