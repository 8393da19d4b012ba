package api

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"net/url"

	"github.com/thegreatlucas/therichcouple-sub000/internal/util"
)

const (
	csrfCookieName = "therichcouple_csrf"
	csrfHeaderName = "X-CSRF-Token"
	csrfTokenBytes = 24
)

// CSRFMiddleware protects mutating requests that ride on the session
// cookie: the X-CSRF-Token header must echo the CSRF cookie, and a browser
// Origin, when sent, must match the request host. Requests carrying an
// Authorization header or no session cookie pass through.
func (a *API) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !needsCSRFCheck(r) {
			next.ServeHTTP(w, r)
			return
		}
		if origin := r.Header.Get("Origin"); origin != "" && !sameHost(origin, r.Host) {
			writeError(w, http.StatusForbidden, "cross-origin request rejected")
			return
		}
		cookie, err := r.Cookie(csrfCookieName)
		if err != nil || cookie.Value == "" {
			writeError(w, http.StatusForbidden, "missing CSRF token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(r.Header.Get(csrfHeaderName))) != 1 {
			writeError(w, http.StatusForbidden, "invalid CSRF token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func needsCSRFCheck(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	if r.Header.Get("Authorization") != "" {
		return false
	}
	_, err := r.Cookie(sessionCookieName)
	return err == nil
}

func sameHost(origin, host string) bool {
	u, err := url.Parse(origin)
	return err == nil && u.Host != "" && u.Host == host
}

func newCSRFToken() (string, error) {
	raw, err := util.RandomBytes(csrfTokenBytes)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// writeCSRFCookie is readable by scripts so the app can echo the token in
// X-CSRF-Token.
func writeCSRFCookie(w http.ResponseWriter, r *http.Request, token string) {
	http.SetCookie(w, csrfCookie(r, token, 0))
}

func clearCSRFCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, csrfCookie(r, "", -1))
}

func csrfCookie(r *http.Request, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     csrfCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteStrictMode,
	}
}
