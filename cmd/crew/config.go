package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/crew/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify crew configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the value in the user config file
(or the file given with --config).

Configuration is stored at ~/.config/crew/config.yaml
Project-specific overrides can be placed in .crew.yaml`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 2 {
			return setConfigKey(args[0], args[1])
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if len(args) == 1 {
			value, err := cfg.Value(args[0])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		}
		displayAllConfig(cfg)
		return nil
	},
}

func displayAllConfig(cfg *config.Config) {
	key := color.New(color.FgCyan).SprintFunc()
	for _, kv := range cfg.Values() {
		fmt.Printf("%s: %s\n", key(kv.Key), kv.Value)
	}

	fmt.Println()
	fmt.Println("API key sources:")
	for _, p := range config.Providers {
		fmt.Printf("  %s: %s\n", p, config.GetAPIKeySource(cfg, p))
	}

	fmt.Println()
	fmt.Printf("User config:    %s\n", config.GetUserConfigPath())
	fmt.Printf("Project config: %s\n", config.GetProjectConfigPath())
}

func setConfigKey(key, value string) error {
	path := configPath
	if path == "" {
		path = config.GetUserConfigPath()
	}
	if err := config.Set(path, key, value); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	fmt.Printf("Set %s in %s\n", key, path)
	return nil
}
