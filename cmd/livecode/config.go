package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newConfigCmd(root *rootOptions) *cobra.Command {
	var flags map[string]*pflag.Flag
	var skipValidation bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root, flags)
			if err != nil {
				return err
			}
			if !skipValidation {
				if err := cfg.Validate(false); err != nil {
					return err
				}
			}
			data, err := cfg.YAML()
			if err != nil {
				return err
			}
			if cfg.File != "" {
				cmd.Printf("# %s\n", cfg.File)
			}
			cmd.Print(string(data))
			return nil
		},
	}
	flags = addConfigFlags(cmd.Flags())
	cmd.Flags().BoolVar(&skipValidation, "no-validate", false, "print even when the configuration is invalid")
	return cmd
}
