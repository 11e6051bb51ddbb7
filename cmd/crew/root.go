package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/crew/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "crew",
	Short: "AI worker orchestration engine",
	Long: `Crew routes requests across model backends, runs tasks on a pool of
workers, and walks projects through analysis, planning, development,
testing, review, and deployment.

Core capabilities:
- Routes each request to the best backend for the configured strategy
- Falls back across backends with circuit breakers and a daily budget
- Schedules tasks onto workers by skill, load, and track record
- Advances projects through a guarded lifecycle with retries and timeouts`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig honors --config, falling back to the layered lookup.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: layered user and project config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(routeCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
