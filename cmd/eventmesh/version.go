package main

import (
	"github.com/spf13/cobra"

	"github.com/goclaw/eventmesh/pkg/version"
)

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			a.printf("%s\n", version.String())
		},
	}
}
