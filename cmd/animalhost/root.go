package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zero-day-ai/pluginhost/animal"
)

func newRootCommand() *cobra.Command {
	opts := &hostOptions{}

	rootCmd := &cobra.Command{
		Use:   "animalhost",
		Short: "Load and inspect Animal plugins",
		Long: `animalhost loads Animal plugins, either compiled in or from plugin
libraries in a directory, and validates each against the interface
identifier the host was built with.

Example:
  animalhost list
  animalhost load Dog Snail
  animalhost --plugin-dir ./plugins --builtin=false load Dog`,
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to a YAML host config file")
	flags.StringVar(&opts.pluginDir, "plugin-dir", "", "directory to scan for plugin libraries")
	flags.StringVar(&opts.policy, "policy", "", "CEL expression a plugin must satisfy to load")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.BoolVar(&opts.builtin, "builtin", true, "register the compiled-in animals")
	flags.BoolVar(&opts.trace, "trace", false, "log a span for every load and unload at debug level")

	rootCmd.AddCommand(
		newListCommand(opts),
		newLoadCommand(opts),
		newInterfaceCommand(),
	)

	return rootCmd
}

func newListCommand(opts *hostOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available plugins with their identifier and load state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			h, err := openHost(cmd, opts)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := h.close(cmd.Context()); err == nil {
					err = cerr
				}
			}()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tINTERFACE\tSTATE\tORIGIN")
			for _, name := range h.manager.Available() {
				d, err := h.manager.Descriptor(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Name, d.Interface, d.State, d.Origin)
			}
			return tw.Flush()
		},
	}
}

func newLoadCommand(opts *hostOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "load NAME...",
		Short: "Load plugins and print what each animal reports",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			h, err := openHost(cmd, opts)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := h.close(cmd.Context()); err == nil {
					err = cerr
				}
			}()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()

			for _, name := range args {
				a, err := h.manager.Load(cmd.Context(), name)
				if err != nil {
					return fmt.Errorf("failed to load %s: %w", name, err)
				}
				h.logger.Debug("animal loaded", animal.Describe(a)...)
				fmt.Fprintf(tw, "%s\tlegs=%d\ttail=%t\n", a.Name(), a.LegCount(), a.HasTail())
			}
			return nil
		},
	}
}

func newInterfaceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "interface",
		Short: "Print the interface identifier this host accepts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), animal.Interface)
			return err
		},
	}
}
