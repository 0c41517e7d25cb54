package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	appVersion string // set in Execute, used by serve for the OpenAPI doc
)

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	appVersion = version
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Capture relay for Neural Sieve",
		Long: `Sieve Relay: a minimally-trusted capture queue between untrusted front ends
and the trusted local agent.

Browser extensions and share-sheet clients submit raw captures (a URL, a block
of text, or both) over authenticated HTTP. The local Sync Agent polls the
relay, hands each capture to the processing pipeline, and acknowledges
successes. The relay itself holds only hashed credentials and in-flight
payloads — never anything that reaches the local knowledge store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./relay.yaml)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory for the SQLite store (default: ~/.sieve-relay)")

	cobra.OnInitialize(initConfig)

	// Add subcommands
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newKeyCmd())
	cmd.AddCommand(newAgentCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))

	return cmd
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("relay")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.sieve-relay")
	}

	viper.SetEnvPrefix("RELAY")
	viper.AutomaticEnv()
	viper.ReadInConfig() // Ignore error - config file is optional
}
