package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dshills/plugrt/internal/config"
	"github.com/dshills/plugrt/internal/plugin"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "plugrt",
		Short: "plugrt - dynamic Lua plugin runtime",
		Long: `plugrt compiles Lua plugins at runtime, loads each into an isolated
arena, executes them against key/value contexts and hot-reloads them when
their files change.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate(fmt.Sprintf("{{.Name}} {{.Version}}\nCommit: %s\nBuilt: %s\nPlatform: %s/%s\n",
		commit, date, runtime.GOOS, runtime.GOARCH))

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (default: ./plugrt.toml or ./plugrt.yaml)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format (json, console)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newCheckCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))

	return cmd
}

// loadConfig resolves the configuration file, environment and flag overrides.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	path := o.configPath
	if path == "" {
		path = config.Find(".")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// runtimeEnv holds what a command needs to drive plugins.
type runtimeEnv struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	fw       *plugin.Framework
}

// setup builds the logger and the framework for a command.
func (o *globalOptions) setup() (*runtimeEnv, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := cfg.Log.Build()
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	fw := plugin.New(
		plugin.WithConfig(cfg.Framework()),
		plugin.WithLogger(logger),
		plugin.WithRegisterer(reg),
	)

	return &runtimeEnv{cfg: cfg, logger: logger, registry: reg, fw: fw}, nil
}

// Close shuts the framework down and flushes the logger.
func (e *runtimeEnv) Close() {
	if err := e.fw.Close(); err != nil {
		e.logger.Warn("closing plugin framework", zap.Error(err))
	}
	_ = e.logger.Sync()
}
