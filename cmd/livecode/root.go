package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"livecode/internal/config"
)

const rootLongDescription = `livecode watches a project's sources and resources, recompiles what changed,
drops stale units from the hot-swap cache, refreshes the running application and
tells connected browsers to reload.

Configuration is read from livecode.yaml, LIVECODE_* environment variables and flags,
in increasing order of precedence.`

type rootOptions struct {
	configPath string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	options := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "livecode",
		Short:         "Live coding loop for JVM applications",
		Long:          rootLongDescription,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", errUsage, err)
	})
	cmd.PersistentFlags().StringVarP(&options.configPath, "config", "c", "", "configuration file (default: ./livecode.yaml)")

	cmd.AddCommand(newWatchCmd(options), newConfigCmd(options), newVersionCmd())
	return cmd
}

// addConfigFlags registers the flags that override configuration keys and returns
// them by key.
func addConfigFlags(flags *pflag.FlagSet) map[string]*pflag.Flag {
	flags.StringSlice("source", nil, "source root (repeatable)")
	flags.String("output", "", "directory receiving compiled units and resources")
	flags.StringSlice("hot-prefix", nil, "name prefix of hot-swappable units (repeatable)")
	flags.String("app", "", "application command")
	flags.String("ready-pattern", "", "regular expression marking the application as ready")
	flags.String("refresh-mode", "", "application refresh: signal or restart")
	flags.Duration("debounce", 0, "watch debounce window")
	flags.Bool("livereload", true, "serve the LiveReload protocol")
	flags.Int("livereload-port", 0, "LiveReload port")
	flags.String("log-level", "", "debug, info, warning or error")
	flags.String("log-file", "", "rotating log file")

	return map[string]*pflag.Flag{
		config.KeySourceRoots:       flags.Lookup("source"),
		config.KeyOutputDir:         flags.Lookup("output"),
		config.KeyHotPrefixes:       flags.Lookup("hot-prefix"),
		config.KeyAppCommand:        flags.Lookup("app"),
		config.KeyAppReadyPattern:   flags.Lookup("ready-pattern"),
		config.KeyAppRefreshMode:    flags.Lookup("refresh-mode"),
		config.KeyWatchDebounce:     flags.Lookup("debounce"),
		config.KeyLiveReloadEnabled: flags.Lookup("livereload"),
		config.KeyLiveReloadPort:    flags.Lookup("livereload-port"),
		config.KeyLogLevel:          flags.Lookup("log-level"),
		config.KeyLogFile:           flags.Lookup("log-file"),
	}
}

func loadConfig(options *rootOptions, flags map[string]*pflag.Flag) (config.Config, error) {
	return config.Load(config.LoadOptions{
		Path:  options.configPath,
		Flags: flags,
	})
}
