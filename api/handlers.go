package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/thegreatlucas/therichcouple-sub000/field"
	"github.com/thegreatlucas/therichcouple-sub000/internal/util"
	"github.com/thegreatlucas/therichcouple-sub000/internal/uuid"
	"github.com/thegreatlucas/therichcouple-sub000/session"
	"github.com/thegreatlucas/therichcouple-sub000/transfer"
	"github.com/thegreatlucas/therichcouple-sub000/vault"
)

const (
	maxSmallBodySize  = 4 << 10
	maxRecordBodySize = 256 << 10

	sessionTokenBytes = 32
)

// decodeJSON reads a size-limited JSON body into T, writing a 400 or 413
// and returning false on failure.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return v, false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return v, false
	}
	return v, true
}

// OpenSession handles POST /sessions.
func (a *API) OpenSession(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[OpenSessionRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	raw, err := util.RandomBytes(sessionTokenBytes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	csrf, err := newCSRFToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	sess := session.New(uuid.New(), req.UserID, strings.TrimSpace(req.HouseholdID), a.now(), a.sessionTTL)
	a.sessions.Put(token, sess)

	writeSessionCookie(w, r, token, sess.ExpiresAt)
	writeCSRFCookie(w, r, csrf)
	a.audit.logEvent(AuditSessionOpened, r, sess.HouseholdID(), slog.String("session_id", sess.ID))
	writeJSON(w, http.StatusCreated, OpenSessionResponse{
		Token:     token,
		CSRFToken: csrf,
		ExpiresAt: sess.ExpiresAt,
	})
}

// CloseSession handles DELETE /sessions. The session's key is dropped.
func (a *API) CloseSession(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	a.sessions.Delete(tokenFromContext(r.Context()))
	clearSessionCookie(w, r)
	clearCSRFCookie(w, r)
	a.audit.logEvent(AuditSessionClosed, r, sess.HouseholdID(), slog.String("session_id", sess.ID))
	w.WriteHeader(http.StatusNoContent)
}

// VaultStatus handles GET /households/{householdID}/vault.
func (a *API) VaultStatus(w http.ResponseWriter, r *http.Request) {
	householdID := chi.URLParam(r, "householdID")
	sess := sessionFromContext(r.Context())

	configured, err := a.vaults.Configured(r.Context(), householdID)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, VaultStatusResponse{
		HouseholdID: householdID,
		Configured:  configured,
		Unlocked:    sess.Keys.Unlocked(),
		Mode:        field.ModeFor(configured, a.codec.Mode).String(),
	})
}

// SetupVault handles POST /households/{householdID}/vault. The session is
// left unlocked with the new key.
func (a *API) SetupVault(w http.ResponseWriter, r *http.Request) {
	householdID := chi.URLParam(r, "householdID")
	sess := sessionFromContext(r.Context())

	req, ok := decodeJSON[PINRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	k, err := a.vaults.Setup(r.Context(), householdID, req.PIN, sess.Keys)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditVaultSetup, r, householdID, slog.String("fingerprint", k.Fingerprint()))
	writeJSON(w, http.StatusCreated, VaultKeyResponse{
		HouseholdID: householdID,
		Fingerprint: k.Fingerprint(),
	})
}

// UnlockVault handles POST /households/{householdID}/vault/unlock.
func (a *API) UnlockVault(w http.ResponseWriter, r *http.Request) {
	householdID := chi.URLParam(r, "householdID")
	sess := sessionFromContext(r.Context())
	target := householdTarget(householdID)

	if blocked, retryAfter := a.secretLimiter.check(target); blocked {
		a.audit.logFailure(AuditSecretRateLimited, r, "household locked out", slog.String("household_id", householdID))
		writeRateLimited(w, retryAfter, "too many wrong PINs; try again later")
		return
	}

	req, ok := decodeJSON[PINRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	k, err := a.vaults.Unlock(r.Context(), householdID, req.PIN, sess.Keys)
	if err != nil {
		if errors.Is(err, vault.ErrWrongSecret) {
			a.secretLimiter.recordFailure(target)
			a.audit.logFailure(AuditWrongPIN, r, "vault unlock", slog.String("household_id", householdID))
		}
		mapError(w, err)
		return
	}
	a.secretLimiter.recordSuccess(target)
	a.audit.logEvent(AuditVaultUnlocked, r, householdID, slog.String("fingerprint", k.Fingerprint()))
	writeJSON(w, http.StatusOK, VaultKeyResponse{
		HouseholdID: householdID,
		Fingerprint: k.Fingerprint(),
	})
}

// LockVault handles POST /households/{householdID}/vault/lock.
func (a *API) LockVault(w http.ResponseWriter, r *http.Request) {
	householdID := chi.URLParam(r, "householdID")
	sess := sessionFromContext(r.Context())
	a.vaults.Lock(sess.Keys)
	a.audit.logEvent(AuditVaultLocked, r, householdID)
	w.WriteHeader(http.StatusNoContent)
}

// ChangePIN handles PUT /households/{householdID}/vault/pin. Other devices
// keep their unlocked key; only the stored wrapping changes.
func (a *API) ChangePIN(w http.ResponseWriter, r *http.Request) {
	householdID := chi.URLParam(r, "householdID")
	target := householdTarget(householdID)

	if blocked, retryAfter := a.secretLimiter.check(target); blocked {
		a.audit.logFailure(AuditSecretRateLimited, r, "household locked out", slog.String("household_id", householdID))
		writeRateLimited(w, retryAfter, "too many wrong PINs; try again later")
		return
	}

	req, ok := decodeJSON[ChangePINRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	if err := a.vaults.ChangePIN(r.Context(), householdID, req.OldPIN, req.NewPIN); err != nil {
		if errors.Is(err, vault.ErrWrongSecret) {
			a.secretLimiter.recordFailure(target)
			a.audit.logFailure(AuditWrongPIN, r, "change PIN", slog.String("household_id", householdID))
		}
		mapError(w, err)
		return
	}
	a.secretLimiter.recordSuccess(target)
	a.audit.logEvent(AuditPINChanged, r, householdID)
	w.WriteHeader(http.StatusNoContent)
}

// OfferTransfer handles POST /households/{householdID}/transfers.
func (a *API) OfferTransfer(w http.ResponseWriter, r *http.Request) {
	householdID := chi.URLParam(r, "householdID")
	sess := sessionFromContext(r.Context())

	offer, err := a.transfers.Offer(r.Context(), householdID, sess.UserID, sess.Keys)
	if err != nil {
		mapError(w, err)
		return
	}
	png, err := offer.QRCode(QRCodeSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	a.audit.logEvent(AuditTransferOffered, r, householdID,
		slog.String("ticket_id", offer.TicketID),
		slog.String("code", transfer.MaskCode(offer.Code)))
	writeJSON(w, http.StatusCreated, OfferResponse{
		Code:      offer.Code,
		PIN:       offer.PIN,
		ExpiresAt: offer.ExpiresAt,
		QRCode:    base64.StdEncoding.EncodeToString(png),
	})
}

// RedeemTransfer handles POST /transfers/redeem. Only a session not yet
// bound to a household may redeem; on success it is bound and unlocked.
func (a *API) RedeemTransfer(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	if sess.HouseholdID() != "" {
		writeError(w, http.StatusConflict, "session is already bound to a household")
		return
	}

	req, ok := decodeJSON[RedeemRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	code, pin := req.Code, req.PIN
	if req.Payload != "" {
		var err error
		code, pin, err = transfer.ParsePayload([]byte(req.Payload))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	canonical := transfer.Canonical(code)
	if canonical == "" || pin == "" {
		writeError(w, http.StatusBadRequest, "code and pin are required")
		return
	}

	target := codeTarget(canonical)
	if blocked, retryAfter := a.secretLimiter.check(target); blocked {
		a.audit.logFailure(AuditSecretRateLimited, r, "code locked out", slog.String("code", transfer.MaskCode(canonical)))
		writeRateLimited(w, retryAfter, "too many wrong PINs; try again later")
		return
	}

	// The key lands in sess only once the bind below wins.
	received := session.NewKeyCache()
	red, err := a.transfers.Redeem(r.Context(), canonical, pin, received)
	if err != nil {
		switch {
		case errors.Is(err, transfer.ErrWrongSecret):
			a.secretLimiter.recordFailure(target)
			a.audit.logFailure(AuditWrongPIN, r, "transfer redeem", slog.String("code", transfer.MaskCode(canonical)))
		case errors.Is(err, transfer.ErrInvalidOrExpired):
			a.audit.logFailure(AuditTransferRejected, r, "invalid or expired code", slog.String("code", transfer.MaskCode(canonical)))
		}
		mapError(w, err)
		return
	}

	a.secretLimiter.recordSuccess(target)
	if !sess.Bind(red.HouseholdID) {
		received.Clear()
		a.audit.logFailure(AuditTransferRejected, r, "session bound concurrently",
			slog.String("ticket_id", red.TicketID))
		writeError(w, http.StatusConflict, "session is already bound to a household")
		return
	}
	k, _ := received.Get()
	sess.Keys.Set(k)
	a.sessions.Put(tokenFromContext(r.Context()), sess)
	a.audit.logEvent(AuditTransferRedeemed, r, red.HouseholdID,
		slog.String("ticket_id", red.TicketID),
		slog.String("fingerprint", red.KeyFingerprint))
	writeJSON(w, http.StatusOK, VaultKeyResponse{
		HouseholdID: red.HouseholdID,
		Fingerprint: red.KeyFingerprint,
	})
}

// codecFor returns the codec with the household's effective mode.
func (a *API) codecFor(r *http.Request, householdID string) (field.Codec, error) {
	mode, err := a.vaults.Mode(r.Context(), householdID, a.codec.Mode)
	if err != nil {
		return field.Codec{}, err
	}
	c := a.codec
	c.Mode = mode
	return c, nil
}

// EncodeRecord handles POST /households/{householdID}/records/encode: it
// returns the columns to persist for a record's fields.
func (a *API) EncodeRecord(w http.ResponseWriter, r *http.Request) {
	householdID := chi.URLParam(r, "householdID")
	sess := sessionFromContext(r.Context())

	req, ok := decodeJSON[RecordRequest](w, r, maxRecordBodySize)
	if !ok {
		return
	}
	codec, err := a.codecFor(r, householdID)
	if err != nil {
		mapError(w, err)
		return
	}
	enc, err := codec.Encode(sess.Keys, req.Fields)
	if err != nil {
		if errors.Is(err, field.ErrLocked) {
			a.audit.logFailure(AuditWriteLocked, r, "eligible fields with locked session", slog.String("household_id", householdID))
		}
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EncodedRecordResponse{
		Columns:   enc.Columns,
		Encrypted: enc.Encrypted(),
		Mode:      codec.Mode.String(),
	})
}

// DecodeRecord handles POST /households/{householdID}/records/decode.
func (a *API) DecodeRecord(w http.ResponseWriter, r *http.Request) {
	householdID := chi.URLParam(r, "householdID")
	sess := sessionFromContext(r.Context())

	req, ok := decodeJSON[DecodeRecordRequest](w, r, maxRecordBodySize)
	if !ok {
		return
	}
	codec, err := a.codecFor(r, householdID)
	if err != nil {
		mapError(w, err)
		return
	}
	fields, err := codec.Decode(sess.Keys, req.Columns)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DecodedRecordResponse{Fields: fields})
}
