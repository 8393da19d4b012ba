// Package api exposes the household vault, key transfer and field codec over
// HTTP for the household app's device clients. Callers are authenticated
// upstream; a device session here only carries the user id, the household it
// is bound to and that household's key while unlocked.
package api

import (
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"golang.org/x/time/rate"

	"github.com/thegreatlucas/therichcouple-sub000/field"
	"github.com/thegreatlucas/therichcouple-sub000/session"
	"github.com/thegreatlucas/therichcouple-sub000/transfer"
	"github.com/thegreatlucas/therichcouple-sub000/vault"
)

const (
	// DefaultSessionTTL is the absolute lifetime of a device session.
	DefaultSessionTTL = 24 * time.Hour
	// DefaultSessionIdle ends sessions that have not been used for a while.
	DefaultSessionIdle = 30 * time.Minute
	// QRCodeSize is the edge length in pixels of offer QR codes.
	QRCodeSize = 256

	defaultThrottleRate  = 1
	defaultThrottleBurst = 5
	throttleEntryTTL     = 10 * time.Minute
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	vaults    *vault.Service
	transfers *transfer.Protocol
	sessions  session.Store
	codec     field.Codec

	sessionTTL     time.Duration
	secretLimiter  *secretRateLimiter
	throttle       *multiLimiter
	audit          *auditLogger
	alertFn        AlertFunc
	webhook        *auditWebhook
	trustedProxies []netip.Prefix
	now            func() time.Time
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithSessionStore replaces the in-memory device session store.
func WithSessionStore(s session.Store) Option {
	return func(a *API) {
		a.sessions = s
	}
}

// WithSessionTTL sets the absolute lifetime of new device sessions.
func WithSessionTTL(ttl time.Duration) Option {
	return func(a *API) {
		if ttl > 0 {
			a.sessionTTL = ttl
		}
	}
}

// WithCodec sets the field policy and configured encryption mode used by the
// records endpoints.
func WithCodec(c field.Codec) Option {
	return func(a *API) {
		a.codec = c
	}
}

// WithThrottle sets the per-client request rate on PIN-taking endpoints.
func WithThrottle(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 && burst > 0 {
			a.throttle = newMultiLimiter(rate.Limit(perSecond), burst, throttleEntryTTL)
		}
	}
}

// WithAlertFunc registers a callback for anomaly alerts such as a spike in
// wrong PINs.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithAuditWebhook forwards audit events to an external HTTP endpoint.
// authHeader is optional and has the form "Header: value".
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		if url != "" {
			a.webhook = newAuditWebhook(url, authHeader)
		}
	}
}

// WithClock replaces time.Now for session timestamps and lockouts.
func WithClock(now func() time.Time) Option {
	return func(a *API) {
		a.now = now
	}
}

// WithTrustedProxies parses CIDRs (or bare IPs) whose forwarding headers are
// honoured when resolving the client address.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return func(a *API) {
		a.trustedProxies = prefixes
	}, nil
}

// New creates a new API instance.
func New(vaults *vault.Service, transfers *transfer.Protocol, opts ...Option) *API {
	a := &API{
		vaults:     vaults,
		transfers:  transfers,
		codec:      field.Codec{Policy: field.DefaultPolicy(), Mode: field.ModeEnabled},
		sessionTTL: DefaultSessionTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.sessions == nil {
		a.sessions = session.NewMemoryStore(DefaultSessionIdle).WithClock(a.now)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	if a.throttle == nil {
		a.throttle = newMultiLimiter(defaultThrottleRate, defaultThrottleBurst, throttleEntryTTL)
	}
	a.secretLimiter = newSecretRateLimiter(a.now)
	a.audit.metrics = newMetricsCollector(a.alertFn)
	a.audit.webhook = a.webhook
	return a
}

// Close stops background work such as webhook delivery.
func (a *API) Close() {
	if a.webhook != nil {
		a.webhook.close()
	}
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Post("/sessions", a.OpenSession)

	r.Group(func(r chi.Router) {
		r.Use(a.SessionMiddleware)
		r.Use(a.CSRFMiddleware)

		r.Delete("/sessions", a.CloseSession)
		r.With(a.Throttle).Post("/transfers/redeem", a.RedeemTransfer)

		r.Route("/households/{householdID}", func(r chi.Router) {
			r.Use(a.HouseholdMiddleware)
			r.Get("/vault", a.VaultStatus)
			r.With(a.Throttle).Post("/vault", a.SetupVault)
			r.With(a.Throttle).Post("/vault/unlock", a.UnlockVault)
			r.Post("/vault/lock", a.LockVault)
			r.With(a.Throttle).Put("/vault/pin", a.ChangePIN)
			r.Post("/transfers", a.OfferTransfer)
			r.Post("/records/encode", a.EncodeRecord)
			r.Post("/records/decode", a.DecodeRecord)
		})
	})

	return r
}
