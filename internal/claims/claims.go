// Package claims projects an account onto the fields a granted scope discloses.
package claims

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/example/ssoportal/internal/apierr"
	"github.com/example/ssoportal/internal/scope"
	"github.com/example/ssoportal/internal/store"
	"github.com/example/ssoportal/internal/token"
)

// Permissions lists every permission ever disclosed. New account flags are not exposed until
// they are added here.
type Permissions struct {
	AdminUser          bool `json:"admin_user"`
	CreateApplications bool `json:"create_applications"`
}

// UserInfo is the userinfo payload. Absent fields are omitted, not null.
type UserInfo struct {
	Sub         string       `json:"sub"`
	Username    *string      `json:"username,omitempty"`
	Email       *string      `json:"email,omitempty"`
	Permissions *Permissions `json:"permissions,omitempty"`
}

// Resolve builds the payload for granted. sub is always present.
func Resolve(a *store.Account, granted scope.Set) UserInfo {
	info := UserInfo{Sub: strconv.FormatInt(a.ID, 10)}
	if granted.Has(scope.Username) {
		u := a.Username
		info.Username = &u
	}
	if granted.Has(scope.Email) {
		e := a.Email
		info.Email = &e
	}
	if granted.Has(scope.Permissions) {
		info.Permissions = &Permissions{
			AdminUser:          a.Permissions.AdminUser,
			CreateApplications: a.Permissions.CreateApplications,
		}
	}
	return info
}

// AccountGetter is the slice of the store the resolver reads.
type AccountGetter interface {
	GetAccount(ctx context.Context, id int64) (*store.Account, error)
}

type Resolver struct {
	accounts AccountGetter
}

func NewResolver(accounts AccountGetter) *Resolver {
	return &Resolver{accounts: accounts}
}

// UserInfo resolves verified access token claims against the current account state.
func (r *Resolver) UserInfo(ctx context.Context, c *token.Claims) (UserInfo, error) {
	id, err := c.AccountID()
	if err != nil {
		return UserInfo{}, apierr.New(apierr.Unauthorized, "invalid token subject")
	}
	granted, err := scope.Parse(c.Scope)
	if err != nil {
		return UserInfo{}, apierr.New(apierr.Unauthorized, "invalid token scope")
	}
	a, err := r.accounts.GetAccount(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return UserInfo{}, apierr.New(apierr.Unauthorized, "account no longer exists")
	}
	if err != nil {
		return UserInfo{}, fmt.Errorf("get account: %w", err)
	}
	if !a.Active {
		return UserInfo{}, apierr.New(apierr.Unauthorized, "account is inactive")
	}
	return Resolve(a, granted), nil
}
