package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/toolbridge/core/internal/config"
	"github.com/toolbridge/core/internal/corelog"
	"github.com/toolbridge/core/internal/plugin"
	"github.com/toolbridge/core/pkg/pluginmanifest"
)

func buildPluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect subprocess plugins on disk",
	}
	cmd.AddCommand(buildPluginsListCmd(), buildPluginsValidateCmd())
	return cmd
}

func buildPluginsListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List subprocess plugins discovered under the configured plugin paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logger := corelog.New(corelog.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
			registry := plugin.New(logger)

			for _, root := range cfg.Plugins.Paths {
				dirs, err := plugin.DiscoverManifests(root)
				if err != nil {
					return fmt.Errorf("discover manifests under %q: %w", root, err)
				}
				for _, dir := range dirs {
					if err := registry.LoadSubprocessPlugin(dir); err != nil {
						fmt.Printf("%s: %v\n", dir, err)
						continue
					}
				}
			}

			for _, d := range registry.Descriptors() {
				fmt.Printf("%s\t%s\t%s\n", d.ID, d.Kind, d.WorkDir)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "toolbridge.yaml", "Path to YAML configuration file")
	return cmd
}

func buildPluginsValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <plugin-dir>",
		Short: "Validate a single subprocess plugin's manifest.json",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			m, err := pluginmanifest.DecodeManifestFile(dir + "/manifest.json")
			if err != nil {
				return fmt.Errorf("invalid manifest: %w", err)
			}
			if err := m.ValidateConfig(nil); err != nil {
				return fmt.Errorf("invalid config schema: %w", err)
			}
			fmt.Printf("ok: entry command %q, %d config fields\n", m.EntryPoint.Command, len(m.ConfigSchema))
			return nil
		},
	}
	return cmd
}
