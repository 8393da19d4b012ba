package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/thegreatlucas/therichcouple-sub000/config"
)

var configInitForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Write or inspect the configuration",
	Long: `Examples:
  # Write the default configuration
  therichcouple config init therichcouple.toml

  # Print the effective configuration after file and environment overrides
  therichcouple --config therichcouple.toml config show`,
}

var configInitCmd = &cobra.Command{
	Use:   "init <path>",
	Short: "Write the default configuration to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigInit(cmd.OutOrStdout(), args[0], configInitForce)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as TOML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		return writeConfig(cmd.OutOrStdout(), cfg)
	},
}

func init() {
	configInitCmd.Flags().BoolVarP(&configInitForce, "force", "f", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(w io.Writer, path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists; use --force to overwrite", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := config.Default().WriteFile(path); err != nil {
		return err
	}
	success(w, "Wrote default configuration to %s", color.CyanString(path))
	return nil
}

// writeConfig prints cfg with the storage secrets redacted.
func writeConfig(w io.Writer, cfg *config.Config) error {
	shown := *cfg
	if shown.Storage.PostgresDSN != "" {
		shown.Storage.PostgresDSN = "<redacted>"
	}
	if shown.Storage.MongoURI != "" {
		shown.Storage.MongoURI = "<redacted>"
	}
	if shown.Server.AuditWebhookAuth != "" {
		shown.Server.AuditWebhookAuth = "<redacted>"
	}
	return toml.NewEncoder(w).Encode(shown)
}
