// Package cmd is the hiphop command line.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"hiphop-rpc/config"
	"hiphop-rpc/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "hiphop",
	Short:         "UI to audio host messaging",
	Long:          "Runs an audio plugin host that UIs drive over websocket, or a UI-side client connected to one.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json (default $HIPHOP_CONFIG)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration and installs the default logger.
func setup(component string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if _, err := logger.Setup(cfg.Logging); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, slog.Default().With("component", component), nil
}
