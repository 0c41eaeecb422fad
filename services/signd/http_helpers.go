package signd

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// Cookie and header names for the two client-held tokens. Headers exist for
// non-browser clients; cookies win when both are present.
const (
	certTokenCookie     = "cert_token"
	passwordTokenCookie = "password_token"
	certTokenHeader     = "X-Cert-Token"
	passwordTokenHeader = "X-Password-Token"

	// The stored-credential cookie outlives the server-side TTL on purpose;
	// expiry is enforced by the vault, and the sliding renewal keeps an
	// active client's record alive long past the cookie's first TTL window.
	certCookieMaxAge = 365 * 24 * 60 * 60
)

type apiResponse struct {
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
	JobID         string `json:"job_id,omitempty"`
	InstallURL    string `json:"install_url,omitempty"`
	WebInstallURL string `json:"web_install_url,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, resp apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// respondError maps the package error taxonomy onto HTTP statuses and a
// client-safe message. Internal detail stays in the log.
func (a *API) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var missing *MissingParameterError
	var signing *SigningError

	switch {
	case errors.As(err, &missing):
		writeJSON(w, http.StatusBadRequest, apiResponse{Status: "error", Message: missing.Error()})
	case errors.Is(err, ErrInvalidToken):
		writeJSON(w, http.StatusUnauthorized, apiResponse{Status: "error", Message: "invalid or expired token"})
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, apiResponse{Status: "error", Message: "not found"})
	case errors.As(err, &signing):
		a.logf("ERROR %s %s: signing tool: %v: %s", r.Method, r.URL.Path, signing.Err, strings.TrimSpace(signing.Diagnostic))
		writeJSON(w, http.StatusUnprocessableEntity, apiResponse{Status: "error", Message: "error while signing app (wrong password or invalid input)"})
	default:
		a.logf("ERROR %s %s: %v", r.Method, r.URL.Path, err)
		writeJSON(w, http.StatusInternalServerError, apiResponse{Status: "error", Message: "internal error"})
	}
}

func setCookie(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func tokenFrom(r *http.Request, cookieName, headerName string) string {
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return strings.TrimSpace(r.Header.Get(headerName))
}

func parseBoolField(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}
