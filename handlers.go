package main

import (
	"net/http"

	"github.com/example/ssoportal/internal/accounts"
	"github.com/example/ssoportal/internal/apierr"
	"github.com/example/ssoportal/internal/session"
	"github.com/example/ssoportal/internal/store"
)

type permissionView struct {
	AdminUser          bool `json:"admin_user"`
	CreateApplications bool `json:"create_applications"`
}

type accountView struct {
	ID         int64          `json:"id"`
	Username   string         `json:"username"`
	Email      string         `json:"email"`
	IsActive   bool           `json:"is_active"`
	Permission permissionView `json:"permission"`
}

func newAccountView(acc *store.Account) accountView {
	return accountView{
		ID:       acc.ID,
		Username: acc.Username,
		Email:    acc.Email,
		IsActive: acc.Active,
		Permission: permissionView{
			AdminUser:          acc.Permissions.AdminUser,
			CreateApplications: acc.Permissions.CreateApplications,
		},
	}
}

// loginResponse is the first-party token pair handed to the portal's scripts.
type loginResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
	Next    string `json:"next,omitempty"`
}

// currentAccount loads the account of the request identity.
func (a *App) currentAccount(r *http.Request) (*store.Account, error) {
	id := currentIdentity(r)
	if id == nil {
		return nil, apierr.New(apierr.Unauthorized, "authentication credentials were not provided")
	}
	acc, err := a.accounts.Get(r.Context(), id.AccountID)
	if apierr.Is(err, apierr.NotFound) {
		return nil, apierr.New(apierr.Unauthorized, "account no longer exists")
	}
	if err != nil {
		return nil, err
	}
	if !acc.Active {
		return nil, apierr.New(apierr.Unauthorized, "account is inactive")
	}
	return acc, nil
}

func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Next     string `json:"next"`
	}
	if err := decodeJSON(r, &in); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	if in.Username == "" || in.Password == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Username and password are required")
		return
	}
	if in.Next == "" {
		in.Next = r.URL.Query().Get("next")
	}
	res, err := a.bridge.Login(r.Context(), in.Username, in.Password, in.Next)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	a.completeLogin(w, http.StatusOK, res)
}

func (a *App) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var in struct {
		accounts.Registration
		Next string `json:"next"`
	}
	if err := decodeJSON(r, &in); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	if in.Next == "" {
		in.Next = r.URL.Query().Get("next")
	}
	res, err := a.bridge.Register(r.Context(), in.Registration, in.Next)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	a.completeLogin(w, http.StatusCreated, res)
}

func (a *App) completeLogin(w http.ResponseWriter, status int, res *session.Result) {
	session.WriteCookie(w, res.Session, a.cfg.CookieSecure)
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, status, loginResponse{
		Access:  res.Tokens.AccessToken,
		Refresh: res.Tokens.RefreshToken,
		Next:    res.Next,
	})
}

func (a *App) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Refresh string `json:"refresh"`
	}
	if err := decodeJSON(r, &in); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	if in.Refresh == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Refresh token is required")
		return
	}
	pair, err := a.tokens.RefreshFirstParty(r.Context(), in.Refresh)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, loginResponse{Access: pair.AccessToken, Refresh: pair.RefreshToken})
}

// HandleLogout revokes the presented refresh token and ends the session. Repeating it is harmless.
func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Refresh string `json:"refresh"`
	}
	if err := decodeJSON(r, &in); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	id := currentIdentity(r)
	sessionID := id.SessionID
	if sessionID == "" {
		sessionID, _ = session.ReadCookie(r)
	}
	err := a.bridge.Logout(r.Context(), id.AccountID, sessionID, in.Refresh)
	session.ClearCookie(w, a.cfg.CookieSecure)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) HandleSettingsInfo(w http.ResponseWriter, r *http.Request) {
	acc, err := a.currentAccount(r)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAccountView(acc))
}

func (a *App) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	var in struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := decodeJSON(r, &in); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	acc, err := a.currentAccount(r)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	if err := a.accounts.ChangePassword(r.Context(), acc.ID, in.OldPassword, in.NewPassword); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"password_changed": true})
}

func (a *App) HandleChangeEmail(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &in); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	acc, err := a.currentAccount(r)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	updated, err := a.accounts.ChangeEmail(r.Context(), acc.ID, in.Email)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAccountView(updated))
}
