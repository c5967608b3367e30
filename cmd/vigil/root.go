package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"vigil/internal/config"
	"vigil/internal/store"
)

type commandContext struct {
	configPath *string

	cfg *config.Config
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	path := ""
	if c.configPath != nil {
		path = *c.configPath
	}
	cfg, _, _, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	c.cfg = cfg
	return cfg, nil
}

func (c *commandContext) openStore() (*store.Store, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return st, nil
}

func newRootCommand() *cobra.Command {
	var configFlag string

	ctx := &commandContext{configPath: &configFlag}

	rootCmd := &cobra.Command{
		Use:           "vigil",
		Short:         "Vigil proctoring pipeline CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")

	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newHealthCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))
	rootCmd.AddCommand(newTestNotifyCommand(ctx))

	return rootCmd
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
