// Package cmd provides the CLI commands for the duplextls application.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andrei-cloud/duplextls/internal/config"
	"github.com/andrei-cloud/duplextls/internal/logging"
)

var cfg *config.Config

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "duplextls",
	Short: "TLS-interception duplex adapter server and utilities",
	Long: `A TLS-interception stream adapter: accepts raw TCP connections,
drives the TLS handshake and record wrap/unwrap through a non-blocking
duplex state machine, and exposes the decrypted byte stream. Includes
buffer-pool inspection utilities.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		if err := config.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize configuration: %w", err)
		}
		cfg = config.Get()

		logging.InitLogger(cfg.Log.Level == "debug", cfg.Log.Format == "human")

		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().
		String("log-level", "info", "logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "logging format (human, json)")

	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}
