// Package app wires cobra commands for the hytaleauthd binary.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hytaleauth/authd/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "hytaleauthd",
	Short: "hytaleauthd issues and federates session tokens for the Hytale account ecosystem",
	Long: `hytaleauthd is the account and session token service: it mints identity and
session tokens for players, exchanges authorization grants for server-join access
tokens, and verifies tokens minted by other deployments through federated JWKS
discovery.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logging.Errorf("error displaying help: %v", err)
		}
	},
}

// NewRootCmd builds the root command tree for the hytaleauthd CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().String("config", "", "path to config file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logging.Errorf("error binding config flag: %v", err)
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.SilenceUsage = true

	return rootCmd
}
