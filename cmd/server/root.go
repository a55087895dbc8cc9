package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/portalrelay/internal/config"
	"github.com/shehryarbajwa/portalrelay/internal/observability"
)

// flagKeys maps command line flags to the configuration keys they override.
var flagKeys = map[string]string{
	"addr":           "server.addr",
	"browser-mode":   "browser.mode",
	"headless":       "browser.headless",
	"max-concurrent": "browser.max_concurrent",
	"store":          "store.driver",
	"log-level":      "logger.level",
}

// cli carries what PersistentPreRunE prepared for the subcommands.
type cli struct {
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
	flush   func()
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "portalrelay",
		Short:         "Relay operators into partner portals through a server-side browser",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" || cmd.Name() == "schema" {
				return nil
			}
			v := viper.New()
			for flag, key := range flagKeys {
				if f := cmd.Flags().Lookup(flag); f != nil {
					if err := v.BindPFlag(key, f); err != nil {
						return fmt.Errorf("failed to bind --%s: %w", flag, err)
					}
				}
			}
			cfg, err := config.Load(v, c.cfgFile)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger, c.flush = observability.Setup(cfg.Logger)
			c.logger.Debug("configuration loaded", zap.String("config_file", v.ConfigFileUsed()))
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.flush != nil {
				c.flush()
			}
		},
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.PersistentFlags().StringVarP(&c.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(newServeCmd(c), newAuthStateCmd(c), newVersionCmd(), newSchemaCmd())
	return root
}
