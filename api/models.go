package api

import "time"

// OpenSessionRequest is the JSON body for POST /sessions. HouseholdID is
// empty for a device that is about to redeem a transfer code.
type OpenSessionRequest struct {
	UserID      string `json:"user_id"`
	HouseholdID string `json:"household_id,omitempty"`
}

// OpenSessionResponse is returned from POST /sessions.
type OpenSessionResponse struct {
	Token     string    `json:"token"`
	CSRFToken string    `json:"csrf_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// VaultStatusResponse is returned from GET /households/{householdID}/vault.
type VaultStatusResponse struct {
	HouseholdID string `json:"household_id"`
	Configured  bool   `json:"configured"`
	Unlocked    bool   `json:"unlocked"`
	Mode        string `json:"mode"`
}

// PINRequest is the JSON body for vault setup and unlock.
type PINRequest struct {
	PIN string `json:"pin"`
}

// VaultKeyResponse is returned when the session gains the household key.
type VaultKeyResponse struct {
	HouseholdID string `json:"household_id"`
	Fingerprint string `json:"fingerprint"`
}

// ChangePINRequest is the JSON body for PUT /households/{householdID}/vault/pin.
type ChangePINRequest struct {
	OldPIN string `json:"old_pin"`
	NewPIN string `json:"new_pin"`
}

// OfferResponse is returned from POST /households/{householdID}/transfers.
// QRCode is a base64 PNG of the code and PIN payload.
type OfferResponse struct {
	Code      string    `json:"code"`
	PIN       string    `json:"pin"`
	ExpiresAt time.Time `json:"expires_at"`
	QRCode    string    `json:"qr_code"`
}

// RedeemRequest is the JSON body for POST /transfers/redeem. Payload, the
// scanned QR content, may be sent instead of Code and PIN.
type RedeemRequest struct {
	Code    string `json:"code,omitempty"`
	PIN     string `json:"pin,omitempty"`
	Payload string `json:"payload,omitempty"`
}

// RecordRequest is the JSON body for the records encode endpoint.
type RecordRequest struct {
	Fields map[string]string `json:"fields"`
}

// EncodedRecordResponse is returned from the records encode endpoint.
type EncodedRecordResponse struct {
	Columns   map[string]string `json:"columns"`
	Encrypted bool              `json:"encrypted"`
	Mode      string            `json:"mode"`
}

// DecodeRecordRequest is the JSON body for the records decode endpoint.
type DecodeRecordRequest struct {
	Columns map[string]string `json:"columns"`
}

// DecodedRecordResponse is returned from the records decode endpoint.
type DecodedRecordResponse struct {
	Fields map[string]string `json:"fields"`
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}
