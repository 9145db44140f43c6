package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	rootCmd := &cobra.Command{
		Use:          "orchestrator",
		Short:        "Multi-channel bot orchestrator",
		Long:         "orchestrator polls Telegram, VK, MAX and Discord for every configured project and relays questions to the answer backend.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (defaults to $CONFIG_PATH, then "+config.DefaultConfigPath+")")

	load := func() (config.Config, error) {
		return loadConfig(configPath)
	}
	rootCmd.AddCommand(
		newServeCmd(load),
		newProjectsCmd(load),
		newMigrateCmd(load),
		newDocumentsCmd(load),
	)
	return rootCmd
}

func loadConfig(flagPath string) (config.Config, error) {
	path := flagPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	return config.Load(path)
}
