// Package cmd provides the CLI commands for omerows.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/omero-tools/omerows/internal/config"
	"github.com/omero-tools/omerows/internal/logging"
)

var (
	// Global flags
	configPath string
	serverFlag string
	debug      bool
	logLevel   string
	logFile    string

	// Loaded configuration
	cfg *config.Config
	// cfgPath is the path the configuration was (or would be) loaded from
	cfgPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "omerows",
	Short: "omerows - a session-managing client for OMERO web servers",
	Long: `omerows talks to the web API of an OMERO image server.

It discovers the server's versioned API endpoints, logs a user in through
the CSRF-protected login flow, keeps the session alive with a background
heartbeat and can check whether remote objects are accessible with the
current credentials.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		// Configuration first, so file-based log settings can apply.
		cfgPath = configPath
		if cfgPath == "" {
			cfgPath = config.DefaultConfigPath()
		}
		var err error
		if configPath != "" {
			cfg, err = config.Load(configPath)
		} else {
			cfg, err = config.LoadOrDefault(cfgPath)
		}
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		// Priority: --log-level flag > --debug flag > config file > info
		effectiveLevel := cfg.Log.Level
		if debug {
			effectiveLevel = "debug"
		}
		if logLevel != "" {
			if _, err := logging.ParseLevelString(logLevel); err != nil {
				return err
			}
			effectiveLevel = logLevel
		}
		effectiveFile := cfg.Log.File
		if logFile != "" {
			effectiveFile = logFile
		}

		if err := logging.Initialize(logging.Config{
			Level: effectiveLevel,
			JSON:  cfg.Log.JSON,
			File: logging.FileConfig{
				Path:       effectiveFile,
				MaxSizeMB:  cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				Compress:   cfg.Log.Compress,
			},
		}); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (default: ~/.omerowsrc)")
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "OMERO server address, e.g. https://omero.example.org")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to this file (with rotation)")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// resolveServer returns the server address from the --server flag or the
// configuration file.
func resolveServer() (string, error) {
	if serverFlag != "" {
		return serverFlag, nil
	}
	if cfg != nil && cfg.Server != "" {
		return cfg.Server, nil
	}
	return "", fmt.Errorf("no server specified: use --server or set 'server' in %s", cfgPath)
}
