package main

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/example/ssoportal/internal/apierr"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Details string `json:"details,omitempty"`
}

// OAuthError is the RFC 6749 error body used by the /oauth/ endpoints.
type OAuthError struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIError{
		Code:    code,
		Message: message,
	})
}

// writeAPIError renders a classified error in the portal envelope. Unclassified errors are
// logged and reported as a bare internal error.
func (a *App) writeAPIError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apierr.KindOf(err)
	if kind == apierr.ServerError {
		a.log.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, kind.Status(), strings.ToUpper(string(kind)), apierr.Description(err))
}

// writeOAuthError renders err as {error, error_description}. Failed client authentication
// carries a Basic challenge.
func (a *App) writeOAuthError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apierr.KindOf(err)
	if kind == apierr.ServerError {
		a.log.Errorw("oauth request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	if kind == apierr.InvalidClient {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
	}
	if kind == apierr.Unauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		kind = "invalid_token"
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, apierr.KindOf(err).Status(), OAuthError{Error: string(kind), Description: apierr.Description(err)})
}

// writeSuccess writes a success response
func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}
