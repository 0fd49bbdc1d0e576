// Package config provides the configuration for the plugin runtime.
//
// Configuration is resolved in layers with higher layers overriding lower:
//
//	┌─────────────────────────────┐
//	│  3. Environment Variables   │  ← PLUGRT_* (highest priority)
//	├─────────────────────────────┤
//	│  2. Config File             │  ← plugrt.toml / plugrt.yaml
//	├─────────────────────────────┤
//	│  1. Built-in Defaults       │  ← Lowest priority
//	└─────────────────────────────┘
//
// # Basic Usage
//
//	cfg, err := config.Load("plugrt.toml")
//	if err != nil {
//	    return err
//	}
//	if err := config.ApplyEnv(cfg, os.LookupEnv); err != nil {
//	    return err
//	}
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
//	fw := plugin.New(plugin.WithConfig(cfg.Framework()))
//
// # File Format
//
// TOML and YAML share the same keys. Durations are strings such as "5s":
//
//	[plugins]
//	paths = ["./plugins"]
//	capabilities = ["env"]
//
//	[execution]
//	max_concurrency = 8
//	timeout = "2s"
//
//	[reload]
//	grace = "5s"
//
//	[cache]
//	size = 128
//
//	[watch]
//	enabled = true
//	debounce = "100ms"
//
//	[log]
//	level = "info"
//	format = "json"
package config
