package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/thegreatlucas/therichcouple-sub000/config"
	"github.com/thegreatlucas/therichcouple-sub000/field"
	"github.com/thegreatlucas/therichcouple-sub000/session"
	"github.com/thegreatlucas/therichcouple-sub000/vault"
)

var vaultHousehold string

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Set up, check and re-PIN a household vault",
	Long: `Administers a household vault directly against the configured storage.

Examples:
  # Create the household key, protected by a new PIN
  therichcouple vault init --household home

  # Check that a PIN opens the household key
  therichcouple vault unlock --household home

  # Rotate the PIN; encrypted records are untouched
  therichcouple vault change-pin --household home`,
}

var vaultInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the household key under a new PIN",
	RunE: withServices(func(ctx context.Context, w io.Writer, _ *config.Config, svc *services) error {
		return runVaultInit(ctx, w, svc, vaultHousehold)
	}),
}

var vaultUnlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Check that the PIN opens the household key",
	RunE: withServices(func(ctx context.Context, w io.Writer, _ *config.Config, svc *services) error {
		return runVaultUnlock(ctx, w, svc, vaultHousehold)
	}),
}

var vaultChangePINCmd = &cobra.Command{
	Use:   "change-pin",
	Short: "Re-wrap the household key under a new PIN",
	RunE: withServices(func(ctx context.Context, w io.Writer, _ *config.Config, svc *services) error {
		return runVaultChangePIN(ctx, w, svc, vaultHousehold)
	}),
}

var vaultStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the household has a vault",
	RunE: withServices(func(ctx context.Context, w io.Writer, cfg *config.Config, svc *services) error {
		return runVaultStatus(ctx, w, svc, vaultHousehold, cfg.Vault.Mode)
	}),
}

func init() {
	vaultCmd.PersistentFlags().StringVar(&vaultHousehold, "household", "", "household ID")
	_ = vaultCmd.MarkPersistentFlagRequired("household")
	vaultCmd.AddCommand(vaultInitCmd, vaultUnlockCmd, vaultChangePINCmd, vaultStatusCmd)
	rootCmd.AddCommand(vaultCmd)
}

// withServices loads config, opens storage and hands both services to fn.
func withServices(fn func(ctx context.Context, w io.Writer, cfg *config.Config, svc *services) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		svc, err := openServices(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer svc.Close()
		return fn(cmd.Context(), cmd.OutOrStdout(), cfg, svc)
	}
}

func runVaultInit(ctx context.Context, w io.Writer, svc *services, householdID string) error {
	configured, err := svc.vaults.Configured(ctx, householdID)
	if err != nil {
		return err
	}
	if configured {
		return fmt.Errorf("%w: %s", vault.ErrVaultAlreadyExists, householdID)
	}

	pin, err := promptNewPIN(w, "household PIN")
	if err != nil {
		return err
	}

	_, stop := startSpinner("Creating household key...")
	k, err := svc.vaults.Setup(ctx, householdID, pin, session.NewKeyCache())
	stop()
	if err != nil {
		return err
	}
	success(w, "Household %s is set up (key %s)", color.CyanString(householdID), k.Fingerprint())
	return nil
}

func runVaultUnlock(ctx context.Context, w io.Writer, svc *services, householdID string) error {
	pin, err := readPIN("Household PIN: ")
	if err != nil {
		return err
	}
	_, stop := startSpinner("Unlocking...")
	k, err := svc.vaults.Unlock(ctx, householdID, pin, session.NewKeyCache())
	stop()
	if err != nil {
		return err
	}
	success(w, "PIN accepted (key %s)", k.Fingerprint())
	return nil
}

func runVaultChangePIN(ctx context.Context, w io.Writer, svc *services, householdID string) error {
	oldPIN, err := readPIN("Current household PIN: ")
	if err != nil {
		return err
	}
	newPIN, err := promptNewPIN(w, "household PIN")
	if err != nil {
		return err
	}
	_, stop := startSpinner("Re-wrapping household key...")
	err = svc.vaults.ChangePIN(ctx, householdID, oldPIN, newPIN)
	stop()
	if errors.Is(err, vault.ErrWrongSecret) {
		return errors.New("current PIN is wrong; nothing changed")
	}
	if err != nil {
		return err
	}
	success(w, "PIN changed for household %s", color.CyanString(householdID))
	return nil
}

func runVaultStatus(ctx context.Context, w io.Writer, svc *services, householdID string, configured field.Mode) error {
	ok, err := svc.vaults.Configured(ctx, householdID)
	if err != nil {
		return err
	}
	mode, err := svc.vaults.Mode(ctx, householdID, configured)
	if err != nil {
		return err
	}
	state := color.YellowString("not configured")
	if ok {
		state = color.GreenString("configured")
	}
	fmt.Fprintf(w, "household: %s\nvault:     %s\nmode:      %s\n", householdID, state, mode)
	return nil
}
