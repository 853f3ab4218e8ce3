// Package cmd provides the CLI commands for albatrossctl
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/AlbatrossHook/AlbatrossManager/internal/config"
	"github.com/AlbatrossHook/AlbatrossManager/internal/logging"
	"github.com/AlbatrossHook/AlbatrossManager/internal/ui"
)

// Version is set at build time.
var Version = "0.1.0"

var (
	cfg        *config.Config
	uiInstance *ui.UI
	logCloser  io.Closer

	configFile string
	logLevel   string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "albatrossctl",
	Short: "Albatross CLI - Manage the Albatross injection server",
	Long: `albatrossctl is the command-line control plane for the Albatross injection server.

It stages and launches the privileged server, keeps the server's plugin registry
in sync with locally stored plugins and rules, and runs one-shot injections.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize UI
		uiInstance = ui.NewUI()

		// Load configuration
		var err error
		cfg, err = config.LoadFile(configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if err := config.EnsureDir(); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}

		logCloser = logging.Setup(logging.Options{
			Level:      cfg.Log.Level,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		})
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if uiInstance == nil {
			uiInstance = ui.NewUI()
		}
		uiInstance.Error(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default $HOME/.albatross/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}
