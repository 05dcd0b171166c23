// Package commands implements the elemta-outbound CLI, grounded on the
// teacher's cmd/elemta/commands: a cobra root command that loads
// configuration in PersistentPreRun and hands it to subcommands via a
// package-level GetConfig accessor.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/busybox42/elemta-outbound/internal/config"
)

var (
	configPath string
	adminURL   string
	cfg        *config.Config

	rootCmd = &cobra.Command{
		Use:   "elemta-outbound",
		Short: "Elemta outbound delivery worker",
		Long:  "A long-lived agent that pulls queued messages from a queue authority and delivers them to remote mail exchanges.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if cmd.Name() == "help" || cmd.Name() == "version" || cmd.Name() == "completion" {
				return
			}
			var err error
			cfg, err = config.LoadConfig(configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
				os.Exit(1)
			}
		},
	}
)

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&adminURL, "admin-url", "http://127.0.0.1:8080", "Base URL of a running worker's admin server, for zones/drain")
}

// GetConfig returns the loaded configuration.
func GetConfig() *config.Config {
	return cfg
}

// GetRootCmd returns the root command, for testing.
func GetRootCmd() *cobra.Command {
	return rootCmd
}
