// Package cli implements the gennino command tree.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gennino/gennino/internal/daemon"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "gennino",
	Short: "Describe images with an on-device vision model",
	Long: `gennino picks an image (file, URL, data URI or chat upload), makes sure
the image description model is installed, and streams a short description
of the picture. Run 'gennino serve' for the HTTP API and Telegram bot, or
'gennino describe <image>' for a one-off description.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $GENNINO_HOME/config.toml)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config selected by --config.
func loadConfig() (daemon.Config, error) {
	return daemon.Load(configPath)
}

// openDaemon loads the config and wires a daemon without starting its
// background work.
func openDaemon(ctx context.Context) (*daemon.Daemon, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	d, err := daemon.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	return d, nil
}
