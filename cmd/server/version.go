package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time:
// go build -ldflags "-X main.Version=1.2.0" ./cmd/server
var Version = "dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}
