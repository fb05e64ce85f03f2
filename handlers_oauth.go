package main

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/example/ssoportal/internal/apierr"
	"github.com/example/ssoportal/internal/authorize"
	"github.com/example/ssoportal/internal/identity"
	"github.com/example/ssoportal/internal/store"
	"github.com/example/ssoportal/internal/token"
)

// HandleAuthorize starts the authorization code flow.
// GET /oauth/authorize/?client_id=...&redirect_uri=...&response_type=code&scope=...&state=...
func (a *App) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	v, err := a.authz.Validate(r.Context(), authorize.RequestFromQuery(r.URL.Query()))
	if err != nil {
		a.authorizeFailed(w, r, err)
		return
	}

	id, err := a.browserAuth.Verify(r)
	if err != nil && !apierr.Is(err, apierr.Unauthorized) {
		a.renderError(w, err)
		return
	}
	if id == nil {
		// Stale or missing session: send the user to log in and come back here.
		http.Redirect(w, r, a.cfg.LoginURL+"?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
		return
	}
	a.renderConsent(w, v)
}

// HandleConsent records the user's decision on the consent page.
// POST /oauth/authorize/
func (a *App) HandleConsent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		a.renderError(w, apierr.New(apierr.InvalidRequest, "malformed form body"))
		return
	}
	v, err := a.authz.Validate(r.Context(), authorize.RequestFromQuery(r.PostForm))
	if err != nil {
		a.authorizeFailed(w, r, err)
		return
	}

	id, err := a.browserAuth.Verify(r)
	if err == nil && id == nil {
		err = identity.ErrUnauthenticated
	}
	if err != nil {
		a.renderError(w, err)
		return
	}
	acc, err := a.store.GetAccount(r.Context(), id.AccountID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		a.renderError(w, err)
		return
	}

	if r.PostForm.Get("allow") != "true" {
		http.Redirect(w, r, a.authz.Deny(v), http.StatusFound)
		return
	}
	location, err := a.authz.Approve(r.Context(), v, acc)
	if err != nil {
		a.authorizeFailed(w, r, err)
		return
	}
	http.Redirect(w, r, location, http.StatusFound)
}

// authorizeFailed redirects errors that may go back to a verified redirect URI and renders the
// rest, so an unverified URI never receives anything.
func (a *App) authorizeFailed(w http.ResponseWriter, r *http.Request, err error) {
	var re *authorize.RedirectError
	if errors.As(err, &re) {
		a.log.Infow("authorization request rejected", "client_id", r.FormValue("client_id"), "error", re.Err.Kind)
		http.Redirect(w, r, re.Location(), http.StatusFound)
		return
	}
	a.renderError(w, err)
}

// clientCredentials reads HTTP Basic credentials, falling back to client_id and client_secret
// form fields.
func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		if u, err := url.QueryUnescape(id); err == nil {
			id = u
		}
		if s, err := url.QueryUnescape(secret); err == nil {
			secret = s
		}
		return id, secret
	}
	return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
}

func (a *App) parseOAuthForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		a.writeOAuthError(w, r, apierr.New(apierr.InvalidRequest, "malformed form body"))
		return false
	}
	return true
}

// HandleToken exchanges an authorization code or a refresh token.
// POST /oauth/token/
func (a *App) HandleToken(w http.ResponseWriter, r *http.Request) {
	if !a.parseOAuthForm(w, r) {
		return
	}
	clientID, secret := clientCredentials(r)
	form := r.PostForm

	var (
		pair *token.Pair
		err  error
	)
	switch form.Get("grant_type") {
	case "authorization_code":
		code := form.Get("code")
		if code == "" {
			err = apierr.New(apierr.InvalidRequest, "code is required")
			break
		}
		pair, err = a.tokens.ExchangeCode(r.Context(), clientID, secret, code, form.Get("redirect_uri"))
	case "refresh_token":
		refresh := form.Get("refresh_token")
		if refresh == "" {
			err = apierr.New(apierr.InvalidRequest, "refresh_token is required")
			break
		}
		pair, err = a.tokens.Refresh(r.Context(), clientID, secret, refresh, form.Get("scope"))
	case "":
		err = apierr.New(apierr.InvalidRequest, "grant_type is required")
	default:
		err = apierr.Newf(apierr.UnsupportedGrantType, "grant type %q is not supported", form.Get("grant_type"))
	}
	if err != nil {
		a.writeOAuthError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, pair)
}

// HandleUserinfo returns the claims the presented access token's scope allows.
// GET /oauth/userinfo/
func (a *App) HandleUserinfo(w http.ResponseWriter, r *http.Request) {
	id, err := a.bearerAuth.Verify(r)
	if err == nil && id == nil {
		err = identity.ErrUnauthenticated
	}
	if err != nil {
		a.writeOAuthError(w, r, err)
		return
	}
	info, err := a.claims.UserInfo(r.Context(), id.Claims)
	if err != nil {
		a.writeOAuthError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, info)
}

// HandleIntrospect implements RFC 7662 for the calling client's own tokens.
// POST /oauth/introspect/
func (a *App) HandleIntrospect(w http.ResponseWriter, r *http.Request) {
	if !a.parseOAuthForm(w, r) {
		return
	}
	clientID, secret := clientCredentials(r)
	info, err := a.tokens.Introspect(r.Context(), clientID, secret, r.PostForm.Get("token"))
	if err != nil {
		a.writeOAuthError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, info)
}

// HandleRevokeToken implements RFC 7009. Unknown tokens and access tokens are accepted silently.
// POST /oauth/revoke_token/
func (a *App) HandleRevokeToken(w http.ResponseWriter, r *http.Request) {
	if !a.parseOAuthForm(w, r) {
		return
	}
	clientID, secret := clientCredentials(r)
	if err := a.tokens.RevokeClientToken(r.Context(), clientID, secret, r.PostForm.Get("token")); err != nil {
		a.writeOAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
