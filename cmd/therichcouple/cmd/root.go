package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/thegreatlucas/therichcouple-sub000/config"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "therichcouple",
	Short: "TheRichCouple keeps a household's shared secrets encrypted",
	Long: `TheRichCouple encrypts a household's sensitive record fields with a key
that only the household's PIN unlocks, and hands that key to a partner's
device with a short-lived code and PIN.

Settings come from --config (TOML), then THERICHCOUPLE_* environment
variables, then command-line flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("✗"), err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "path to a TOML config file")
	rootCmd.Version = Version
}

// loadConfig reads the configuration and installs its logger as the
// process default.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
