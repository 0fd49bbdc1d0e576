package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type watchOptions struct {
	metricsAddr string
}

func newWatchCommand(global *globalOptions) *cobra.Command {
	opts := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch [DIR...]",
		Short: "Load plugins and keep them in sync with their files",
		Long: `Load every plugin in DIR (or in the configured plugin paths) and watch
the directories: writing a plugin file reloads it and removing it unloads the
plugin. Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, global, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	return cmd
}

func runWatch(cmd *cobra.Command, global *globalOptions, opts *watchOptions, dirs []string) error {
	env, err := global.setup()
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Handle signals for graceful shutdown
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()

	if len(dirs) == 0 {
		dirs = existingDirs(env.cfg.Plugins.Paths)
	}
	for _, dir := range dirs {
		if err := env.fw.LoadDir(ctx, dir); err != nil {
			// Broken plugins are reported and retried on their next write
			env.logger.Warn("initial load incomplete", zap.String("dir", dir), zap.Error(err))
		}
	}

	w, err := env.fw.Watch(ctx, dirs...)
	if err != nil {
		return err
	}
	defer w.Close()

	if opts.metricsAddr != "" {
		srv := serveMetrics(env, opts.metricsAddr)
		defer func() {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	env.logger.Info("watching plugins",
		zap.Strings("dirs", dirs),
		zap.Strings("loaded", env.fw.GetLoadedPlugins()))

	<-ctx.Done()
	env.logger.Info("shutting down")
	return nil
}

func serveMetrics(env *runtimeEnv, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(env.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			env.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}

// existingDirs returns the paths that exist and are directories.
func existingDirs(paths []string) []string {
	var out []string
	for _, p := range paths {
		if st, err := os.Stat(p); err == nil && st.IsDir() {
			out = append(out, p)
		}
	}
	return out
}
