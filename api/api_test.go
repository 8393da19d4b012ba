package api_test

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thegreatlucas/therichcouple-sub000/api"
	"github.com/thegreatlucas/therichcouple-sub000/crypto"
	"github.com/thegreatlucas/therichcouple-sub000/field"
	"github.com/thegreatlucas/therichcouple-sub000/storage/memory"
	"github.com/thegreatlucas/therichcouple-sub000/transfer"
	"github.com/thegreatlucas/therichcouple-sub000/vault"
)

func testKDF() crypto.KDF {
	return crypto.KDF{Algorithm: crypto.KDFAlgorithmPBKDF2, Iterations: 1000}
}

func setupServer(t *testing.T, opts ...api.Option) *httptest.Server {
	t.Helper()
	store := memory.NewStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	vaults := vault.New(store, vault.WithKDF(testKDF()), vault.WithLogger(logger))
	transfers := transfer.New(store, transfer.WithKDF(testKDF()), transfer.WithLogger(logger))

	opts = append([]api.Option{api.WithLogger(logger), api.WithThrottle(1000, 1000)}, opts...)
	a := api.New(vaults, transfers, opts...)
	t.Cleanup(a.Close)

	r := chi.NewRouter()
	r.Mount("/api/v1", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

// call sends a JSON request with an optional bearer token.
func call(t *testing.T, srv *httptest.Server, token, method, path string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, srv.URL+"/api/v1"+path, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func openSession(t *testing.T, srv *httptest.Server, userID, householdID string) string {
	t.Helper()
	resp := call(t, srv, "", http.MethodPost, "/sessions", api.OpenSessionRequest{
		UserID:      userID,
		HouseholdID: householdID,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	out := decode[api.OpenSessionResponse](t, resp)
	require.NotEmpty(t, out.Token)
	return out.Token
}

func setupVault(t *testing.T, srv *httptest.Server, token, householdID, pin string) api.VaultKeyResponse {
	t.Helper()
	resp := call(t, srv, token, http.MethodPost, "/households/"+householdID+"/vault", api.PINRequest{PIN: pin})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[api.VaultKeyResponse](t, resp)
}

func vaultStatus(t *testing.T, srv *httptest.Server, token, householdID string) api.VaultStatusResponse {
	t.Helper()
	resp := call(t, srv, token, http.MethodGet, "/households/"+householdID+"/vault", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[api.VaultStatusResponse](t, resp)
}

func offer(t *testing.T, srv *httptest.Server, token, householdID string) api.OfferResponse {
	t.Helper()
	resp := call(t, srv, token, http.MethodPost, "/households/"+householdID+"/transfers", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[api.OfferResponse](t, resp)
}

func TestSessionRequired(t *testing.T) {
	srv := setupServer(t)

	resp := call(t, srv, "", http.MethodGet, "/households/hh-1/vault", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = call(t, srv, "bogus", http.MethodGet, "/households/hh-1/vault", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = call(t, srv, "", http.MethodPost, "/sessions", api.OpenSessionRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionBoundToHousehold(t *testing.T) {
	srv := setupServer(t)
	token := openSession(t, srv, "alice", "hh-1")

	resp := call(t, srv, token, http.MethodGet, "/households/hh-2/vault", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCloseSession(t *testing.T) {
	srv := setupServer(t)
	token := openSession(t, srv, "alice", "hh-1")

	resp := call(t, srv, token, http.MethodDelete, "/sessions", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = call(t, srv, token, http.MethodGet, "/households/hh-1/vault", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestVaultLifecycle(t *testing.T) {
	srv := setupServer(t)
	token := openSession(t, srv, "alice", "hh-1")

	st := vaultStatus(t, srv, token, "hh-1")
	assert.False(t, st.Configured)
	assert.Equal(t, "disabled", st.Mode)

	created := setupVault(t, srv, token, "hh-1", "7421")
	assert.Equal(t, "hh-1", created.HouseholdID)
	assert.NotEmpty(t, created.Fingerprint)

	st = vaultStatus(t, srv, token, "hh-1")
	assert.True(t, st.Configured)
	assert.True(t, st.Unlocked)
	assert.Equal(t, "enabled", st.Mode)

	resp := call(t, srv, token, http.MethodPost, "/households/hh-1/vault/lock", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, vaultStatus(t, srv, token, "hh-1").Unlocked)

	resp = call(t, srv, token, http.MethodPost, "/households/hh-1/vault/unlock", api.PINRequest{PIN: "0000"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "wrong PIN, try again", decode[api.ErrorResponse](t, resp).Error)

	resp = call(t, srv, token, http.MethodPost, "/households/hh-1/vault/unlock", api.PINRequest{PIN: "7421"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created.Fingerprint, decode[api.VaultKeyResponse](t, resp).Fingerprint)
}

func TestVaultSetupErrors(t *testing.T) {
	srv := setupServer(t)
	token := openSession(t, srv, "alice", "hh-1")

	resp := call(t, srv, token, http.MethodPost, "/households/hh-1/vault", api.PINRequest{PIN: "12"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	setupVault(t, srv, token, "hh-1", "7421")
	resp = call(t, srv, token, http.MethodPost, "/households/hh-1/vault", api.PINRequest{PIN: "9999"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	other := openSession(t, srv, "bob", "hh-2")
	resp = call(t, srv, other, http.MethodPost, "/households/hh-2/vault/unlock", api.PINRequest{PIN: "7421"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChangePIN(t *testing.T) {
	srv := setupServer(t)
	token := openSession(t, srv, "alice", "hh-1")
	created := setupVault(t, srv, token, "hh-1", "7421")

	resp := call(t, srv, token, http.MethodPut, "/households/hh-1/vault/pin",
		api.ChangePINRequest{OldPIN: "0000", NewPIN: "8642"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = call(t, srv, token, http.MethodPut, "/households/hh-1/vault/pin",
		api.ChangePINRequest{OldPIN: "7421", NewPIN: "86"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = call(t, srv, token, http.MethodPut, "/households/hh-1/vault/pin",
		api.ChangePINRequest{OldPIN: "7421", NewPIN: "8642"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = call(t, srv, token, http.MethodPost, "/households/hh-1/vault/unlock", api.PINRequest{PIN: "7421"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = call(t, srv, token, http.MethodPost, "/households/hh-1/vault/unlock", api.PINRequest{PIN: "8642"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created.Fingerprint, decode[api.VaultKeyResponse](t, resp).Fingerprint)
}

func TestWrongPINLockout(t *testing.T) {
	srv := setupServer(t)
	token := openSession(t, srv, "alice", "hh-1")
	setupVault(t, srv, token, "hh-1", "7421")

	for i := 0; i < 5; i++ {
		resp := call(t, srv, token, http.MethodPost, "/households/hh-1/vault/unlock", api.PINRequest{PIN: "0000"})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	resp := call(t, srv, token, http.MethodPost, "/households/hh-1/vault/unlock", api.PINRequest{PIN: "7421"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestTransferHandOff(t *testing.T) {
	srv := setupServer(t)
	alice := openSession(t, srv, "alice", "hh-1")
	created := setupVault(t, srv, alice, "hh-1", "7421")

	off := offer(t, srv, alice, "hh-1")
	assert.Len(t, off.Code, transfer.DefaultCodeLength)
	assert.Len(t, off.PIN, transfer.DefaultCodeLength)
	png, err := base64.StdEncoding.DecodeString(off.QRCode)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))

	bob := openSession(t, srv, "bob", "")
	typed := strings.ToLower(off.Code[:4] + "-" + off.Code[4:])
	resp := call(t, srv, bob, http.MethodPost, "/transfers/redeem", api.RedeemRequest{Code: typed, PIN: off.PIN})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[api.VaultKeyResponse](t, resp)
	assert.Equal(t, "hh-1", got.HouseholdID)
	assert.Equal(t, created.Fingerprint, got.Fingerprint)

	st := vaultStatus(t, srv, bob, "hh-1")
	assert.True(t, st.Unlocked, "redeeming binds and unlocks the session")

	carol := openSession(t, srv, "carol", "")
	resp = call(t, srv, carol, http.MethodPost, "/transfers/redeem", api.RedeemRequest{Code: off.Code, PIN: off.PIN})
	require.Equal(t, http.StatusGone, resp.StatusCode)
	assert.Equal(t,
		"this code is invalid or has expired, ask your partner to generate a new one",
		decode[api.ErrorResponse](t, resp).Error)
}

func TestTransferWrongPINKeepsOffer(t *testing.T) {
	srv := setupServer(t)
	alice := openSession(t, srv, "alice", "hh-1")
	setupVault(t, srv, alice, "hh-1", "7421")
	off := offer(t, srv, alice, "hh-1")

	bob := openSession(t, srv, "bob", "")
	resp := call(t, srv, bob, http.MethodPost, "/transfers/redeem", api.RedeemRequest{Code: off.Code, PIN: "WRONGPIN"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	payload, err := json.Marshal(map[string]string{"code": off.Code, "pin": off.PIN})
	require.NoError(t, err)
	resp = call(t, srv, bob, http.MethodPost, "/transfers/redeem", api.RedeemRequest{Payload: string(payload)})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTransferRequiresUnlockedSharer(t *testing.T) {
	srv := setupServer(t)
	alice := openSession(t, srv, "alice", "hh-1")
	setupVault(t, srv, alice, "hh-1", "7421")
	call(t, srv, alice, http.MethodPost, "/households/hh-1/vault/lock", nil)

	resp := call(t, srv, alice, http.MethodPost, "/households/hh-1/transfers", nil)
	assert.Equal(t, http.StatusLocked, resp.StatusCode)
}

func TestRedeemRejectsBoundSession(t *testing.T) {
	srv := setupServer(t)
	alice := openSession(t, srv, "alice", "hh-1")
	setupVault(t, srv, alice, "hh-1", "7421")
	off := offer(t, srv, alice, "hh-1")

	resp := call(t, srv, alice, http.MethodPost, "/transfers/redeem", api.RedeemRequest{Code: off.Code, PIN: off.PIN})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	bob := openSession(t, srv, "bob", "")
	resp = call(t, srv, bob, http.MethodPost, "/transfers/redeem", api.RedeemRequest{Code: off.Code, PIN: off.PIN})
	assert.Equal(t, http.StatusOK, resp.StatusCode, "a rejected bound session must not consume the code")
}

func TestRedeemConcurrentOnOneSession(t *testing.T) {
	srv := setupServer(t)
	alice := openSession(t, srv, "alice", "hh-1")
	setupVault(t, srv, alice, "hh-1", "7421")
	offA := offer(t, srv, alice, "hh-1")
	dave := openSession(t, srv, "dave", "hh-2")
	setupVault(t, srv, dave, "hh-2", "5555")
	offB := offer(t, srv, dave, "hh-2")

	bob := openSession(t, srv, "bob", "")
	send := func(method, path string, body []byte) int {
		req, err := http.NewRequest(method, srv.URL+"/api/v1"+path, bytes.NewReader(body))
		if err != nil {
			return 0
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+bob)
		resp, err := srv.Client().Do(req)
		if err != nil {
			return 0
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i, off := range []api.OfferResponse{offA, offB} {
		body, err := json.Marshal(api.RedeemRequest{Code: off.Code, PIN: off.PIN})
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes[i] = send(http.MethodPost, "/transfers/redeem", body)
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			send(http.MethodGet, "/households/hh-1/vault", nil)
		}()
	}
	wg.Wait()

	assert.ElementsMatch(t, []int{http.StatusOK, http.StatusConflict}, codes)
	okA := send(http.MethodGet, "/households/hh-1/vault", nil) == http.StatusOK
	okB := send(http.MethodGet, "/households/hh-2/vault", nil) == http.StatusOK
	assert.True(t, okA != okB, "the session is bound to exactly one household")
}

func TestRedeemValidation(t *testing.T) {
	srv := setupServer(t)
	bob := openSession(t, srv, "bob", "")

	resp := call(t, srv, bob, http.MethodPost, "/transfers/redeem", api.RedeemRequest{Code: " - ", PIN: "X"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = call(t, srv, bob, http.MethodPost, "/transfers/redeem", api.RedeemRequest{Payload: "not json"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = call(t, srv, bob, http.MethodPost, "/transfers/redeem", api.RedeemRequest{Code: "ZZZZ2222", PIN: "ZZZZ2222"})
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestRecordsRoundTrip(t *testing.T) {
	srv := setupServer(t)
	token := openSession(t, srv, "alice", "hh-1")
	setupVault(t, srv, token, "hh-1", "7421")

	fields := map[string]string{"description": "Groceries", "amount": "42.10"}
	resp := call(t, srv, token, http.MethodPost, "/households/hh-1/records/encode", api.RecordRequest{Fields: fields})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	enc := decode[api.EncodedRecordResponse](t, resp)
	assert.True(t, enc.Encrypted)
	assert.Equal(t, "enabled", enc.Mode)
	assert.Equal(t, "42.10", enc.Columns["amount"])
	assert.NotContains(t, enc.Columns, "description")
	require.Contains(t, enc.Columns, field.ColumnName("description"))

	resp = call(t, srv, token, http.MethodPost, "/households/hh-1/records/decode", api.DecodeRecordRequest{Columns: enc.Columns})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, fields, decode[api.DecodedRecordResponse](t, resp).Fields)

	call(t, srv, token, http.MethodPost, "/households/hh-1/vault/lock", nil)

	resp = call(t, srv, token, http.MethodPost, "/households/hh-1/records/encode", api.RecordRequest{Fields: fields})
	assert.Equal(t, http.StatusLocked, resp.StatusCode, "enabled mode refuses plaintext writes while locked")
	resp = call(t, srv, token, http.MethodPost, "/households/hh-1/records/decode", api.DecodeRecordRequest{Columns: enc.Columns})
	assert.Equal(t, http.StatusLocked, resp.StatusCode)
}

func TestRecordsWithoutVaultArePlaintext(t *testing.T) {
	srv := setupServer(t)
	token := openSession(t, srv, "alice", "hh-1")

	fields := map[string]string{"description": "Rent"}
	resp := call(t, srv, token, http.MethodPost, "/households/hh-1/records/encode", api.RecordRequest{Fields: fields})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	enc := decode[api.EncodedRecordResponse](t, resp)
	assert.False(t, enc.Encrypted)
	assert.Equal(t, "disabled", enc.Mode)
	assert.Equal(t, fields, enc.Columns)
}

func TestRecordsOpportunisticMode(t *testing.T) {
	srv := setupServer(t, api.WithCodec(field.Codec{Policy: field.DefaultPolicy(), Mode: field.ModeOpportunistic}))
	token := openSession(t, srv, "alice", "hh-1")
	setupVault(t, srv, token, "hh-1", "7421")
	call(t, srv, token, http.MethodPost, "/households/hh-1/vault/lock", nil)

	resp := call(t, srv, token, http.MethodPost, "/households/hh-1/records/encode",
		api.RecordRequest{Fields: map[string]string{"notes": "call plumber"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	enc := decode[api.EncodedRecordResponse](t, resp)
	assert.False(t, enc.Encrypted)
	assert.Equal(t, "call plumber", enc.Columns["notes"])
}

func TestCookieSessionRequiresCSRF(t *testing.T) {
	srv := setupServer(t)
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar}

	body := strings.NewReader(`{"user_id":"alice","household_id":"hh-1"}`)
	resp, err := client.Post(srv.URL+"/api/v1/sessions", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	opened := decode[api.OpenSessionResponse](t, resp)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	require.NotEmpty(t, jar.Cookies(u))

	lock := func(csrf string) int {
		req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/api/v1/households/hh-1/vault/lock", nil)
		require.NoError(t, err)
		if csrf != "" {
			req.Header.Set("X-CSRF-Token", csrf)
		}
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusForbidden, lock(""))
	assert.Equal(t, http.StatusForbidden, lock("wrong"))
	assert.Equal(t, http.StatusNoContent, lock(opened.CSRFToken))

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/api/v1/households/hh-1/vault/lock", nil)
	require.NoError(t, err)
	req.Header.Set("X-CSRF-Token", opened.CSRFToken)
	req.Header.Set("Origin", "https://evil.example")
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "foreign origin")
}

func TestSecurityHeaders(t *testing.T) {
	srv := setupServer(t)
	resp := call(t, srv, "", http.MethodPost, "/sessions", api.OpenSessionRequest{UserID: "alice"})
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}

func TestOpenAPIServed(t *testing.T) {
	srv := setupServer(t)
	resp := call(t, srv, "", http.MethodGet, "/openapi.yaml", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "/transfers/redeem")
}
