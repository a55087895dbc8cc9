package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/portalrelay/internal/app"
)

func newAuthStateCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authstate",
		Short: "Manage saved partner logins",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete expired saved logins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := app.PurgeAuthStates(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d expired auth states\n", n)
			return nil
		},
	})
	return cmd
}
