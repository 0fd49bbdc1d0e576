package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/dshills/plugrt/internal/plugin"
)

// errPluginFailed is returned when a plugin reports an unsuccessful result.
var errPluginFailed = errors.New("plugin reported failure")

type runOptions struct {
	sets        []string
	contextJSON string
}

func newRunCommand(global *globalOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run FILE|NAME",
		Short: "Load a plugin file and execute it once",
		Long: `Load a plugin file, execute it once and print the result as JSON.
An argument that is not a file is looked up by name in the plugin paths.

Context values come from --context (a JSON object) and --set key=value pairs.
A --set value that is valid JSON is decoded, otherwise it is a string.`,
		Example: `  plugrt run echo.lua --set in=hi
  plugrt run sum.lua --context '{"numbers": [1, 2, 3]}'
  plugrt run sum --context '{"numbers": [1, 2, 3]}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlugin(cmd, global, opts, args[0])
		},
	}

	cmd.Flags().StringArrayVarP(&opts.sets, "set", "s", nil, "Set a context value (key=value, repeatable)")
	cmd.Flags().StringVar(&opts.contextJSON, "context", "", "Context as a JSON object")

	return cmd
}

func runPlugin(cmd *cobra.Command, global *globalOptions, opts *runOptions, path string) error {
	c, err := buildContext(opts.contextJSON, opts.sets)
	if err != nil {
		return err
	}

	env, err := global.setup()
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	path, err = resolveSource(path, env.cfg.Plugins.Paths)
	if err != nil {
		return err
	}

	inst, err := env.fw.LoadFile(ctx, path)
	if err != nil {
		return err
	}

	res, err := env.fw.Execute(ctx, inst.Name(), c)
	if err != nil {
		return err
	}

	out, err := encodeResult(inst.Name(), res)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if !res.Success {
		return fmt.Errorf("%w: %s", errPluginFailed, res.Message)
	}
	return nil
}

// resolveSource returns arg when it names a file, otherwise the entry point
// of the plugin called arg in paths.
func resolveSource(arg string, paths []string) (string, error) {
	if st, err := os.Stat(arg); err == nil && !st.IsDir() {
		return arg, nil
	}
	src, err := plugin.NewLoader(plugin.WithPaths(paths...)).FindPlugin(arg)
	if err != nil {
		return "", err
	}
	return src.Path, nil
}

// buildContext merges a JSON object and key=value pairs into one context.
// Pairs override keys from the object.
func buildContext(contextJSON string, sets []string) (*plugin.Context, error) {
	doc := []byte(`{}`)
	if contextJSON != "" {
		doc = []byte(contextJSON)
	}

	for _, kv := range sets {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q: want key=value", kv)
		}

		var err error
		path := plugin.EscapeJSONPath(key)
		if gjson.Valid(value) {
			doc, err = sjson.SetRawBytes(doc, path, []byte(value))
		} else {
			doc, err = sjson.SetBytes(doc, path, value)
		}
		if err != nil {
			return nil, fmt.Errorf("invalid --set %q: %w", kv, err)
		}
	}

	c, err := plugin.ContextFromJSON(doc)
	if err != nil {
		return nil, fmt.Errorf("invalid --context: %w", err)
	}
	return c, nil
}

// encodeResult renders a result as a JSON object.
func encodeResult(name string, res *plugin.Result) ([]byte, error) {
	out := []byte(`{}`)
	set := func(path string, value any) error {
		var err error
		if out, err = sjson.SetBytes(out, path, value); err != nil {
			return fmt.Errorf("encode result %s: %w", path, err)
		}
		return nil
	}

	if err := set("plugin", name); err != nil {
		return nil, err
	}
	if err := set("success", res.Success); err != nil {
		return nil, err
	}
	if err := set("message", res.Message); err != nil {
		return nil, err
	}
	if err := set("data", res.Data); err != nil {
		return nil, err
	}
	if len(res.Metadata) > 0 {
		if err := set("metadata", res.Metadata); err != nil {
			return nil, err
		}
	}
	return out, nil
}
