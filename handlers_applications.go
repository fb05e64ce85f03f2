package main

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ssoportal/internal/apierr"
	"github.com/example/ssoportal/internal/registry"
	"github.com/example/ssoportal/internal/store"
)

type applicationView struct {
	ClientID     string    `json:"client_id"`
	Name         string    `json:"name"`
	RedirectURIs []string  `json:"redirect_uris"`
	OwnerID      int64     `json:"owner_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	// ClientSecret is only present right after creation or rotation.
	ClientSecret string `json:"client_secret,omitempty"`
}

func newApplicationView(c *store.Client) applicationView {
	return applicationView{
		ClientID:     c.ID,
		Name:         c.Name,
		RedirectURIs: c.RedirectURIs,
		OwnerID:      c.OwnerID,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

type authorizedTokenView struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"client_id"`
	ClientName string    `json:"client_name"`
	Scope      string    `json:"scope"`
	CreatedAt  time.Time `json:"created_at"`
}

// HandleListApplications lists the clients owned by the caller
// GET /oauth/applications/
func (a *App) HandleListApplications(w http.ResponseWriter, r *http.Request) {
	acc, err := a.currentAccount(r)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	clients, err := a.clients.ListOwned(r.Context(), acc)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	out := make([]applicationView, 0, len(clients))
	for _, c := range clients {
		out = append(out, newApplicationView(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleCreateApplication registers a new client
// POST /oauth/applications/
func (a *App) HandleCreateApplication(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string   `json:"name"`
		RedirectURIs []string `json:"redirect_uris"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	acc, err := a.currentAccount(r)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	c, secret, err := a.clients.Register(r.Context(), acc, req.Name, req.RedirectURIs)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}

	// Return the secret only once; it is stored hashed
	view := newApplicationView(c)
	view.ClientSecret = secret
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, view)
}

// GET /oauth/applications/{id}/
func (a *App) HandleGetApplication(w http.ResponseWriter, r *http.Request) {
	acc, err := a.currentAccount(r)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	c, err := a.clients.Get(r.Context(), mux.Vars(r)["id"], acc)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newApplicationView(c))
}

// PATCH /oauth/applications/{id}/
func (a *App) HandleUpdateApplication(w http.ResponseWriter, r *http.Request) {
	var patch registry.Patch
	if err := decodeJSON(r, &patch); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	acc, err := a.currentAccount(r)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	c, err := a.clients.Update(r.Context(), mux.Vars(r)["id"], acc, patch)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newApplicationView(c))
}

// DELETE /oauth/applications/{id}/
func (a *App) HandleDeleteApplication(w http.ResponseWriter, r *http.Request) {
	acc, err := a.currentAccount(r)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	if err := a.clients.Delete(r.Context(), mux.Vars(r)["id"], acc); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRotateSecret issues a new client secret; the old one stops working immediately.
// POST /oauth/applications/{id}/rotate-secret/
func (a *App) HandleRotateSecret(w http.ResponseWriter, r *http.Request) {
	acc, err := a.currentAccount(r)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	secret, err := a.clients.RotateSecret(r.Context(), id, acc)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]string{"client_id": id, "client_secret": secret})
}

// HandleListAuthorizedTokens lists the third-party grants of the caller
// GET /oauth/authorized_tokens/
func (a *App) HandleListAuthorizedTokens(w http.ResponseWriter, r *http.Request) {
	id := currentIdentity(r)
	grants, err := a.tokens.ListGrants(r.Context(), id.AccountID)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	names := make(map[string]string)
	out := make([]authorizedTokenView, 0, len(grants))
	for _, g := range grants {
		name, ok := names[g.ClientID]
		if !ok {
			c, err := a.clients.Lookup(r.Context(), g.ClientID)
			if err != nil && !apierr.Is(err, apierr.NotFound) {
				a.writeAPIError(w, r, err)
				return
			}
			if c != nil {
				name = c.Name
			}
			names[g.ClientID] = name
		}
		out = append(out, authorizedTokenView{
			ID:         g.ID,
			ClientID:   g.ClientID,
			ClientName: name,
			Scope:      g.Scope,
			CreatedAt:  g.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleDeleteAuthorizedToken revokes one grant of the caller
// POST /oauth/authorized_tokens/{id}/delete/
func (a *App) HandleDeleteAuthorizedToken(w http.ResponseWriter, r *http.Request) {
	id := currentIdentity(r)
	if err := a.tokens.RevokeGrant(r.Context(), id.AccountID, mux.Vars(r)["id"]); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRevokeApplicationAccess revokes every grant the caller gave one application
// POST /oauth/authorized_tokens/clients/{client_id}/delete/
func (a *App) HandleRevokeApplicationAccess(w http.ResponseWriter, r *http.Request) {
	id := currentIdentity(r)
	clientID := mux.Vars(r)["client_id"]
	// portal logins are ended through /user/logout/
	if clientID == a.tokens.FirstPartyClientID() {
		a.writeAPIError(w, r, apierr.New(apierr.NotFound, "grant not found"))
		return
	}
	if err := a.tokens.Revoke(r.Context(), id.AccountID, clientID); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
