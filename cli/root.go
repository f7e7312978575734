// Package cli holds the assinagym command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/gabriielgouvea/AssinaGym/config"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "config.yaml"

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "assinagym",
		Short: "AssinaGym - remote signing of gym contract cancellations",
		Long: `AssinaGym hands out single-use signing links for gym contract
cancellation requests and turns each signed request into a PDF with an
audit trail. Running it without a subcommand starts the server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the YAML config file")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// loadConfig reads --config. The default path may be absent, in which
// case built-in defaults and environment overrides apply.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if cmd.Flags().Changed("config") {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", configPath, err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadOptional(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	return cfg, nil
}
