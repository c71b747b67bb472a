package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pewpost/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "pewpost",
	Short: "pewpost - publish text and structured posts to Telegram",
	Long: "pewpost sanitizes, splits and escapes content for the Telegram Bot API and delivers it " +
		"with rate limiting, retries and reply chaining. Run it as a service with an HTTP API " +
		"or use the one-shot send commands.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (.json, .jsonc, .yaml or .toml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(itemCmd)
	rootCmd.AddCommand(splitCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of pewpost",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "pewpost %s\n", version)
	},
}

// loadConfig reads --config, or falls back to defaults plus environment
// overrides when the flag is empty.
func loadConfig() (*config.Config, error) {
	if strings.TrimSpace(cfgFile) == "" {
		return config.Default(), nil
	}
	cfg, err := config.NewConfigManager(cfgFile).Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}
