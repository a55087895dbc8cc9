package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/portalrelay/internal/app"
)

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the browser session manager",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c.logger.Info("starting portalrelay",
				zap.String("version", Version),
				zap.String("browser_mode", c.cfg.Browser.Mode),
				zap.String("store", c.cfg.Store.Driver),
				zap.Strings("platforms", platformNames(c)))

			a, err := app.New(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					c.logger.Warn("cleanup failed", zap.Error(err))
				}
			}()
			if err := a.Run(ctx); err != nil {
				return err
			}
			c.logger.Info("server stopped cleanly")
			return nil
		},
	}
	f := cmd.Flags()
	f.String("addr", "", "listen address, e.g. :8080")
	f.String("browser-mode", "", "local or docker")
	f.Bool("headless", true, "run Chrome headless")
	f.Int("max-concurrent", 0, "maximum number of live browsers")
	f.String("store", "", "auth state store: memory, sqlite or postgres")
	return cmd
}

func platformNames(c *cli) []string {
	names := make([]string, 0, len(c.cfg.Platforms))
	for name := range c.cfg.Platforms {
		names = append(names, name)
	}
	return names
}
