package main

import (
	"github.com/spf13/cobra"

	"livecode/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			info := version.Get()
			cmd.Println(info.String())
			if info.GoVersion != "" {
				cmd.Println("go version", info.GoVersion)
			}
		},
	}
}
