// Package accounts authenticates portal users and manages their settings and permissions.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"go.uber.org/zap"

	"github.com/example/ssoportal/internal/apierr"
	"github.com/example/ssoportal/internal/secrets"
	"github.com/example/ssoportal/internal/store"
)

const (
	maxUsernameLen    = 150
	minPasswordLength = 8
	maxPasswordLength = 72 // bcrypt ignores the rest
)

var errBadCredentials = apierr.New(apierr.Unauthorized, "invalid username or password")

// Registration is the input of Register.
type Registration struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Service is the credential store the rest of the portal calls into.
type Service struct {
	store store.Store
	log   *zap.SugaredLogger
}

func NewService(s store.Store, log *zap.SugaredLogger) *Service {
	return &Service{store: s, log: log}
}

// Register creates an active account without any permission.
func (s *Service) Register(ctx context.Context, in Registration) (*store.Account, error) {
	username := strings.TrimSpace(in.Username)
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if err := validatePassword(in.Password); err != nil {
		return nil, err
	}
	hash, err := secrets.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	a := &store.Account{Username: username, Email: email, PasswordHash: hash, Active: true}
	if err := s.store.CreateAccount(ctx, a); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apierr.New(apierr.Conflict, "username or email already registered")
		}
		return nil, fmt.Errorf("create account: %w", err)
	}
	s.log.Infow("account registered", "account_id", a.ID)
	return a, nil
}

// Authenticate checks a username and password. Every failure looks the same to the caller.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*store.Account, error) {
	a, err := s.store.GetAccountByUsername(ctx, strings.TrimSpace(username))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("get account: %w", err)
	}
	hash := ""
	if a != nil {
		hash = a.PasswordHash
	}
	if !secrets.Compare(hash, password) || a == nil || !a.Active {
		return nil, errBadCredentials
	}
	return a, nil
}

// Get returns an account by id.
func (s *Service) Get(ctx context.Context, id int64) (*store.Account, error) {
	a, err := s.store.GetAccount(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.New(apierr.NotFound, "account not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// ChangePassword replaces the password after checking the current one.
func (s *Service) ChangePassword(ctx context.Context, id int64, oldPassword, newPassword string) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !secrets.Compare(a.PasswordHash, oldPassword) {
		return apierr.New(apierr.InvalidRequest, "current password is incorrect")
	}
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	hash, err := secrets.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.UpdateAccountPassword(ctx, id, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	s.log.Infow("password changed", "account_id", id)
	return nil
}

// ChangeEmail sets a new email address, which must not belong to another account.
func (s *Service) ChangeEmail(ctx context.Context, id int64, email string) (*store.Account, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	return s.update(ctx, id, store.AccountPatch{Email: &email})
}

// Update applies a privileged edit. Only accounts holding admin_user may call it.
func (s *Service) Update(ctx context.Context, actor *store.Account, id int64, patch store.AccountPatch) (*store.Account, error) {
	if actor == nil || !actor.Permissions.AdminUser {
		return nil, apierr.New(apierr.PermissionDenied, "admin_user permission required")
	}
	if patch.Email != nil {
		email, err := normalizeEmail(*patch.Email)
		if err != nil {
			return nil, err
		}
		patch.Email = &email
	}
	a, err := s.update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.log.Infow("account updated by admin", "account_id", id, "actor_id", actor.ID)
	return a, nil
}

func (s *Service) update(ctx context.Context, id int64, patch store.AccountPatch) (*store.Account, error) {
	a, err := s.store.UpdateAccount(ctx, id, patch)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, apierr.New(apierr.NotFound, "account not found")
	case errors.Is(err, store.ErrConflict):
		return nil, apierr.New(apierr.Conflict, "email already in use")
	case err != nil:
		return nil, fmt.Errorf("update account: %w", err)
	}
	return a, nil
}

func validateUsername(u string) error {
	if u == "" {
		return apierr.New(apierr.InvalidRequest, "username is required")
	}
	if len(u) > maxUsernameLen {
		return apierr.Newf(apierr.InvalidRequest, "username must be at most %d characters", maxUsernameLen)
	}
	for _, r := range u {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("@.+-_", r):
		default:
			return apierr.New(apierr.InvalidRequest, "username may only contain letters, digits and @.+-_")
		}
	}
	return nil
}

func normalizeEmail(e string) (string, error) {
	e = strings.TrimSpace(e)
	if e == "" {
		return "", apierr.New(apierr.InvalidRequest, "email is required")
	}
	addr, err := mail.ParseAddress(e)
	if err != nil || addr.Address != e {
		return "", apierr.New(apierr.InvalidRequest, "invalid email address")
	}
	return e, nil
}

func validatePassword(p string) error {
	if len(p) < minPasswordLength {
		return apierr.Newf(apierr.InvalidRequest, "password must be at least %d characters", minPasswordLength)
	}
	if len(p) > maxPasswordLength {
		return apierr.Newf(apierr.InvalidRequest, "password must be at most %d bytes", maxPasswordLength)
	}
	return nil
}
