// Package cli provides the command-line interface for the application.
package cli

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"pricepulse/internal/config"
	"pricepulse/internal/logging"
)

// Version information
const (
	Version = "0.1.0"
)

// App holds the application dependencies shared across commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	var (
		configDir string
		debug     bool
	)
	app := &App{}

	root := &cobra.Command{
		Use:   "pricepulse",
		Short: "Real-time price tracking, alerting and digest delivery",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configDir)
			if err != nil {
				return err
			}
			app.Config = cfg
			app.Logger = logging.NewLoggerWithConfig(logging.LogConfig{
				Level:      cfg.Logging.Level,
				Console:    cfg.Logging.Console,
				File:       cfg.Logging.File,
				FilePath:   cfg.Logging.Path,
				MaxSize:    cfg.Logging.MaxSizeMB,
				MaxBackups: cfg.Logging.MaxBackups,
				MaxAge:     cfg.Logging.MaxAgeDays,
			})
			if debug {
				logging.SetDebugLevel()
			}
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&configDir, "config-dir", "", "configuration directory")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(newServeCmd(app))
	root.AddCommand(newAlertCmd(app))
	root.AddCommand(newDigestCmd(app))
	root.AddCommand(newDestinationCmd(app))
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pricepulse %s\n", Version)
		},
	}
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
