package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/thegreatlucas/therichcouple-sub000/config"
	"github.com/thegreatlucas/therichcouple-sub000/session"
	"github.com/thegreatlucas/therichcouple-sub000/transfer"
)

// qrSize is the edge length in pixels of QR images written by transfer offer.
const qrSize = 256

var (
	transferHousehold string
	transferCreatedBy string
	transferQRPath    string
	transferCode      string
	transferPayload   string
)

var transferCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Hand the household key to another device",
	Long: `Moves the household key between devices with a single-use code and PIN.

Examples:
  # Offer the key; prints a code and PIN and optionally writes a QR image
  therichcouple transfer offer --household home --qr offer.png

  # Redeem on the other side (prompts for the PIN)
  therichcouple transfer redeem --code ABCD-2345

  # Remove used and expired offers
  therichcouple transfer sweep`,
}

var transferOfferCmd = &cobra.Command{
	Use:   "offer",
	Short: "Create a single-use transfer code and PIN",
	RunE: withServices(func(ctx context.Context, w io.Writer, _ *config.Config, svc *services) error {
		return runTransferOffer(ctx, w, svc, transferHousehold, transferCreatedBy, transferQRPath)
	}),
}

var transferRedeemCmd = &cobra.Command{
	Use:   "redeem",
	Short: "Redeem a transfer code and PIN",
	RunE: withServices(func(ctx context.Context, w io.Writer, _ *config.Config, svc *services) error {
		return runTransferRedeem(ctx, w, svc, transferCode, transferPayload)
	}),
}

var transferSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete used and expired transfer offers",
	RunE: withServices(func(ctx context.Context, w io.Writer, cfg *config.Config, svc *services) error {
		n, err := svc.transfers.Sweeper(cfg.Transfer.SweepInterval.Duration).Sweep(ctx)
		if err != nil {
			return err
		}
		success(w, "Removed %d transfer offer(s)", n)
		return nil
	}),
}

func init() {
	transferOfferCmd.Flags().StringVar(&transferHousehold, "household", "", "household ID")
	transferOfferCmd.Flags().StringVar(&transferCreatedBy, "created-by", "cli", "user recorded as the sharer")
	transferOfferCmd.Flags().StringVar(&transferQRPath, "qr", "", "write the code and PIN as a PNG QR image to this path")
	_ = transferOfferCmd.MarkFlagRequired("household")

	transferRedeemCmd.Flags().StringVar(&transferCode, "code", "", "transfer code")
	transferRedeemCmd.Flags().StringVar(&transferPayload, "payload", "", "scanned QR content instead of --code")
	transferRedeemCmd.MarkFlagsMutuallyExclusive("code", "payload")
	transferRedeemCmd.MarkFlagsOneRequired("code", "payload")

	transferCmd.AddCommand(transferOfferCmd, transferRedeemCmd, transferSweepCmd)
	rootCmd.AddCommand(transferCmd)
}

func runTransferOffer(ctx context.Context, w io.Writer, svc *services, householdID, createdBy, qrPath string) error {
	pin, err := readPIN("Household PIN: ")
	if err != nil {
		return err
	}
	keys := session.NewKeyCache()
	defer keys.Clear()

	_, stop := startSpinner("Preparing transfer...")
	_, err = svc.vaults.Unlock(ctx, householdID, pin, keys)
	var offer *transfer.Offer
	if err == nil {
		offer, err = svc.transfers.Offer(ctx, householdID, createdBy, keys)
	}
	stop()
	if err != nil {
		return err
	}

	if qrPath != "" {
		png, err := offer.QRCode(qrSize)
		if err != nil {
			return fmt.Errorf("rendering QR code: %w", err)
		}
		if err := os.WriteFile(qrPath, png, 0o600); err != nil {
			return fmt.Errorf("writing QR code: %w", err)
		}
	}

	success(w, "Transfer offer ready")
	fmt.Fprintf(w, "  code: %s\n", color.CyanString(offer.Code))
	fmt.Fprintf(w, "  PIN:  %s\n", color.CyanString(offer.PIN))
	fmt.Fprintf(w, "  expires %s (in %s)\n", offer.ExpiresAt.Local().Format(time.Kitchen), time.Until(offer.ExpiresAt).Round(time.Second))
	if qrPath != "" {
		fmt.Fprintf(w, "  QR image: %s\n", qrPath)
	}
	fmt.Fprintln(w, color.YellowString("The code works once. Share the code and PIN over different channels."))
	return nil
}

func runTransferRedeem(ctx context.Context, w io.Writer, svc *services, code, payload string) error {
	var pin string
	var err error
	if payload != "" {
		code, pin, err = transfer.ParsePayload([]byte(payload))
	} else {
		pin, err = readPIN("Transfer PIN: ")
	}
	if err != nil {
		return err
	}

	keys := session.NewKeyCache()
	defer keys.Clear()

	_, stop := startSpinner("Redeeming...")
	red, err := svc.transfers.Redeem(ctx, code, pin, keys)
	stop()
	switch {
	case errors.Is(err, transfer.ErrWrongSecret):
		return errors.New("wrong PIN, try again")
	case errors.Is(err, transfer.ErrInvalidOrExpired):
		return errors.New("this code is invalid or has expired, ask your partner to generate a new one")
	case err != nil:
		return err
	}
	success(w, "Key for household %s received (key %s)", color.CyanString(red.HouseholdID), red.KeyFingerprint)
	return nil
}
