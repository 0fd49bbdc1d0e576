package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dshills/plugrt/internal/plugin"
)

func newListCommand(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list [DIR...]",
		Short: "List plugin sources found in the plugin paths",
		Long: `List the plugin sources discovered in DIR, or in the configured plugin
paths when no directory is given. The first path that defines a name wins.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := args
			if len(paths) == 0 {
				cfg, err := global.loadConfig()
				if err != nil {
					return err
				}
				paths = cfg.Plugins.Paths
			}

			sources, err := plugin.NewLoader(plugin.WithPaths(paths...)).Discover()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPATH\tSTATUS")
			for _, src := range sources {
				status := "ok"
				if src.Err != nil {
					status = src.Err.Error()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", src.Name, src.Path, status)
			}
			return w.Flush()
		},
	}
}
