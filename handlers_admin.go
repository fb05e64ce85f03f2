package main

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/example/ssoportal/internal/apierr"
	"github.com/example/ssoportal/internal/store"
)

// HandleAdminUpdateUser edits another account's email, active flag or permissions.
// PATCH /admin/users/{id}/
func (a *App) HandleAdminUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email      *string `json:"email"`
		IsActive   *bool   `json:"is_active"`
		Permission *struct {
			AdminUser          *bool `json:"admin_user"`
			CreateApplications *bool `json:"create_applications"`
		} `json:"permission"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		a.writeAPIError(w, r, apierr.New(apierr.NotFound, "account not found"))
		return
	}
	actor, err := a.currentAccount(r)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}

	patch := store.AccountPatch{Email: req.Email, Active: req.IsActive}
	if req.Permission != nil {
		patch.AdminUser = req.Permission.AdminUser
		patch.CreateApplications = req.Permission.CreateApplications
	}
	updated, err := a.accounts.Update(r.Context(), actor, id, patch)
	if err != nil {
		a.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAccountView(updated))
}
