package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/thegreatlucas/therichcouple-sub000/field"
	"github.com/thegreatlucas/therichcouple-sub000/storage"
	"github.com/thegreatlucas/therichcouple-sub000/transfer"
	"github.com/thegreatlucas/therichcouple-sub000/vault"
)

// Messages shown to people, not just clients.
const (
	msgWrongPIN         = "wrong PIN, try again"
	msgInvalidOrExpired = "this code is invalid or has expired, ask your partner to generate a new one"
	msgLocked           = "household vault is locked, unlock it with the household PIN"
	msgInternal         = "internal error"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// mapError turns a service error into a response. Storage failures never
// leak their cause to the client.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vault.ErrWrongSecret):
		writeError(w, http.StatusUnauthorized, msgWrongPIN)
	case errors.Is(err, transfer.ErrInvalidOrExpired):
		writeError(w, http.StatusGone, msgInvalidOrExpired)
	case errors.Is(err, field.ErrLocked), errors.Is(err, transfer.ErrNoLiveKey):
		writeError(w, http.StatusLocked, msgLocked)
	case errors.Is(err, vault.ErrPINTooShort), errors.Is(err, vault.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, vault.ErrVaultAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, vault.ErrVaultNotConfigured):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrCASFailed):
		writeError(w, http.StatusConflict, "concurrent update, retry")
	default:
		writeError(w, http.StatusInternalServerError, msgInternal)
	}
}
