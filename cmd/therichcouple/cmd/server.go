package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/thegreatlucas/therichcouple-sub000/api"
	"github.com/thegreatlucas/therichcouple-sub000/config"
	"github.com/thegreatlucas/therichcouple-sub000/internal/util"
	"github.com/thegreatlucas/therichcouple-sub000/session"
)

var (
	serverAddr    string
	serverTLSCert string
	serverTLSKey  string
	serverNoTLS   bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the household vault API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		applyServerFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, err := openServices(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer svc.Close()

		handler, closeAPI, err := newHandler(cfg, svc, logger)
		if err != nil {
			return err
		}
		defer closeAPI()

		go func() {
			if err := svc.transfers.Sweeper(cfg.Transfer.SweepInterval.Duration).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("transfer sweeper stopped", "error", err)
			}
		}()

		server := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if !serverNoTLS {
			server.TLSConfig, err = tlsConfig(cfg.Server)
			if err != nil {
				return err
			}
		}

		done := make(chan error, 1)
		go func() {
			var err error
			if server.TLSConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		logger.Info("server listening",
			"addr", cfg.Server.Addr,
			"tls", server.TLSConfig != nil,
			"storage", cfg.Storage.Backend,
			"mode", cfg.Vault.Mode.String())

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&serverAddr, "addr", "a", "", "address to listen on (overrides server.addr)")
	serverCmd.Flags().StringVar(&serverTLSCert, "tls-cert", "", "path to TLS certificate file")
	serverCmd.Flags().StringVar(&serverTLSKey, "tls-key", "", "path to TLS key file")
	serverCmd.Flags().BoolVar(&serverNoTLS, "no-tls", false, "serve plain HTTP, e.g. behind a TLS-terminating proxy")
}

func applyServerFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("addr") {
		cfg.Server.Addr = serverAddr
	}
	if cmd.Flags().Changed("tls-cert") {
		cfg.Server.TLSCert = serverTLSCert
	}
	if cmd.Flags().Changed("tls-key") {
		cfg.Server.TLSKey = serverTLSKey
	}
}

// newHandler builds the root router: health check plus the API under
// /api/v1. The returned func flushes the audit webhook.
func newHandler(cfg *config.Config, svc *services, logger *slog.Logger) (http.Handler, func(), error) {
	opts := []api.Option{
		api.WithLogger(logger),
		api.WithCodec(cfg.Codec()),
		api.WithThrottle(cfg.Server.ThrottleRate, cfg.Server.ThrottleBurst),
		api.WithSessionTTL(cfg.Server.SessionTTL.Duration),
		api.WithSessionStore(session.NewMemoryStore(cfg.Server.SessionIdle.Duration)),
		api.WithAuditWebhook(cfg.Server.AuditWebhookURL, cfg.Server.AuditWebhookAuth),
		api.WithAlertFunc(func(ev api.AlertEvent) {
			logger.Warn("security alert",
				"type", string(ev.Type),
				"count", ev.Count,
				"threshold", ev.Threshold,
				"message", ev.Message)
		}),
	}
	if len(cfg.Server.TrustedProxies) > 0 {
		opt, err := api.WithTrustedProxies(cfg.Server.TrustedProxies)
		if err != nil {
			return nil, nil, fmt.Errorf("server.trusted_proxies: %w", err)
		}
		opts = append(opts, opt)
	}
	a := api.New(svc.vaults, svc.transfers, opts...)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Mount("/api/v1", a.Router())
	return r, a.Close, nil
}

func tlsConfig(cfg config.ServerConfig) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		cert, err = tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		cert, err = util.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		fmt.Fprintln(os.Stderr, "Using self-signed runtime generated certificate for TLS")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
