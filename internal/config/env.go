package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "PLUGRT_"

// LookupFunc reports the value of an environment variable. os.LookupEnv
// satisfies it.
type LookupFunc func(key string) (string, bool)

// envSetter applies one variable's value to cfg.
type envSetter func(cfg *Config, value string) error

// envMapping returns the environment variable mappings.
func envMapping() map[string]envSetter {
	return map[string]envSetter{
		"PLUGRT_PLUGIN_PATHS": func(c *Config, v string) error {
			c.Plugins.Paths = splitList(v, string(os.PathListSeparator))
			return nil
		},
		"PLUGRT_CAPABILITIES": func(c *Config, v string) error {
			c.Plugins.Capabilities = splitList(v, ",")
			return nil
		},
		"PLUGRT_MAX_CONCURRENCY": func(c *Config, v string) error {
			return setInt(&c.Execution.MaxConcurrency, v)
		},
		"PLUGRT_EXEC_TIMEOUT": func(c *Config, v string) error {
			return setDuration(&c.Execution.Timeout, v)
		},
		"PLUGRT_RELOAD_GRACE": func(c *Config, v string) error {
			return setDuration(&c.Reload.Grace, v)
		},
		"PLUGRT_CACHE_SIZE": func(c *Config, v string) error {
			return setInt(&c.Cache.Size, v)
		},
		"PLUGRT_WATCH": func(c *Config, v string) error {
			return setBool(&c.Watch.Enabled, v)
		},
		"PLUGRT_WATCH_DEBOUNCE": func(c *Config, v string) error {
			return setDuration(&c.Watch.Debounce, v)
		},
		"PLUGRT_LOG_LEVEL": func(c *Config, v string) error {
			c.Log.Level = strings.ToLower(v)
			return nil
		},
		"PLUGRT_LOG_FORMAT": func(c *Config, v string) error {
			c.Log.Format = strings.ToLower(v)
			return nil
		},
	}
}

// EnvVars returns the names of the recognised environment variables.
func EnvVars() []string {
	mapping := envMapping()
	names := make([]string, 0, len(mapping))
	for name := range mapping {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyEnv overlays the PLUGRT_* variables reported by lookup onto cfg.
// Empty values are treated as set. Variables are applied in name order and
// the first unparsable value stops the overlay.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	mapping := envMapping()
	for _, name := range EnvVars() {
		val, ok := lookup(name)
		if !ok {
			continue
		}
		if err := mapping[name](cfg, val); err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalidEnv, name, val, err)
		}
	}
	return nil
}

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func setInt(dst *int, s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setDuration(dst *Duration, s string) error {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	dst.Duration = d
	return nil
}

// setBool accepts the spellings true/yes/on/1 and false/no/off/0.
func setBool(dst *bool, s string) error {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "on", "1":
		*dst = true
	case "false", "no", "off", "0", "":
		*dst = false
	default:
		return errors.New("not a boolean")
	}
	return nil
}
