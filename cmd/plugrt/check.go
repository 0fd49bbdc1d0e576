package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/plugrt/internal/plugin"
)

func newCheckCommand(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check FILE...",
		Short: "Compile and load plugin files without executing them",
		Long: `Compile each file, instantiate it and verify the plugin contract.
Diagnostics are printed per file; the command fails if any file fails.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.loadConfig()
			if err != nil {
				return err
			}
			caps := cfg.Framework().Capabilities

			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
					failed++
					continue
				}

				inst, err := plugin.CompilePlugin(string(data), path, plugin.WithCapabilities(caps...))
				if err != nil {
					failed++
					printCheckError(cmd, path, err)
					continue
				}
				fmt.Fprintf(out, "ok   %s: %s %s\n", path, inst.Name(), inst.Version())
				inst.Arena().Release()
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d plugins failed", failed, len(args))
			}
			return nil
		},
	}
}

func printCheckError(cmd *cobra.Command, path string, err error) {
	out := cmd.OutOrStdout()

	var cerr *plugin.CompilationError
	if errors.As(err, &cerr) {
		fmt.Fprintf(out, "FAIL %s: %s\n", path, cerr.Message)
		for _, d := range cerr.Diagnostics {
			fmt.Fprintf(out, "     %s\n", d)
		}
		return
	}
	fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
}
