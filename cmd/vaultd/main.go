// Command vaultd runs the yield vault behind an HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/atmx/yield-vault/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "vaultd",
	Short: "Yield vault daemon",
	Long: `vaultd runs a share-based yield vault over an asset ledger. Deposits mint
shares, a slice of every deposit is pushed into the configured strategy, and
withdrawals pull liquidity back when the local buffer runs short.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long:  "Loads defaults, the config file, .env and VAULT_* overrides, validates the result and prints it as TOML.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file")
	rootCmd.AddCommand(serveCmd, configCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
