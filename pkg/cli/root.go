// Package cli holds the command line interface of the payment scheduler.
package cli

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/blockpal/paymentscheduler/pkg/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	EnvFile string
}

// NewRootCommand creates the root command of the scheduler CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "paymentscheduler",
		Short: "Recurring payment scheduler for EVM chains",
		Long: `Executes scheduled and recurring token transfers on EVM chains.

Configuration is read from the environment, optionally loaded from a .env file.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", "load environment variables from this file instead of .env")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewTriggerCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewSealCredentialCommand(opts))

	return cmd
}

// loadConfig reads the configuration, from opts.EnvFile when set
func loadConfig(opts *RootOptions) (*config.Config, error) {
	if opts.EnvFile == "" {
		return config.LoadConfig()
	}
	if err := godotenv.Load(opts.EnvFile); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", opts.EnvFile, err)
	}
	return config.FromEnv()
}
