package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditSessionOpened     AuditEvent = "session_opened"
	AuditSessionClosed     AuditEvent = "session_closed"
	AuditVaultSetup        AuditEvent = "vault_setup"
	AuditVaultUnlocked     AuditEvent = "vault_unlocked"
	AuditVaultLocked       AuditEvent = "vault_locked"
	AuditPINChanged        AuditEvent = "pin_changed"
	AuditWrongPIN          AuditEvent = "wrong_pin"
	AuditTransferOffered   AuditEvent = "transfer_offered"
	AuditTransferRedeemed  AuditEvent = "transfer_redeemed"
	AuditTransferRejected  AuditEvent = "transfer_rejected"
	AuditSecretRateLimited AuditEvent = "secret_rate_limited"
	AuditRequestThrottled  AuditEvent = "request_throttled"
	AuditWriteLocked       AuditEvent = "write_locked"
)

// auditLogger wraps slog.Logger for structured security audit logging.
// Codes are logged masked and PINs never.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	webhook *auditWebhook
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	ts := time.Now().UTC().Format(time.RFC3339)
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", ts),
	}
	baseAttrs = append(baseAttrs, attrs...)

	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.webhook != nil {
		evt := webhookEvent{
			Event:      string(event),
			RemoteAddr: r.RemoteAddr,
			Timestamp:  ts,
		}
		if len(attrs) > 0 {
			evt.Attrs = make(map[string]string, len(attrs))
			for _, a := range attrs {
				if a.Key == "household_id" {
					evt.HouseholdID = a.Value.String()
					continue
				}
				evt.Attrs[a.Key] = a.Value.String()
			}
		}
		al.webhook.enqueue(evt)
	}
}

// logEvent is a convenience for events scoped to a household.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, householdID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("household_id", householdID),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a rejected attempt.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
