// Package registry manages OAuth client applications.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/example/ssoportal/internal/apierr"
	"github.com/example/ssoportal/internal/secrets"
	"github.com/example/ssoportal/internal/store"
)

const (
	clientIDBytes     = 16
	clientSecretBytes = 32
	maxNameLen        = 100
	maxRedirectURIs   = 10
)

// Patch is an owner edit. Nil fields are left unchanged.
type Patch struct {
	Name         *string  `json:"name"`
	RedirectURIs []string `json:"redirect_uris"`
}

type Registry struct {
	store store.Store
	log   *zap.SugaredLogger
}

func New(s store.Store, log *zap.SugaredLogger) *Registry {
	return &Registry{store: s, log: log}
}

// Register creates a client owned by owner and returns it with its plaintext secret.
// The secret is never retrievable again.
func (r *Registry) Register(ctx context.Context, owner *store.Account, name string, redirectURIs []string) (*store.Client, string, error) {
	if owner == nil || !owner.Permissions.CreateApplications {
		return nil, "", apierr.New(apierr.PermissionDenied, "create_applications permission required")
	}
	name, err := validateName(name)
	if err != nil {
		return nil, "", err
	}
	uris, err := validateRedirectURIs(redirectURIs)
	if err != nil {
		return nil, "", err
	}
	id, err := secrets.Token(clientIDBytes)
	if err != nil {
		return nil, "", fmt.Errorf("generate client id: %w", err)
	}
	secret, hash, err := newSecret()
	if err != nil {
		return nil, "", err
	}
	c := &store.Client{ID: id, SecretHash: hash, Name: name, RedirectURIs: uris, OwnerID: owner.ID}
	if err := r.store.CreateClient(ctx, c); err != nil {
		return nil, "", fmt.Errorf("create client: %w", err)
	}
	r.log.Infow("client registered", "client_id", c.ID, "owner_id", owner.ID)
	return c, secret, nil
}

// Lookup resolves a client by id.
func (r *Registry) Lookup(ctx context.Context, clientID string) (*store.Client, error) {
	if clientID == "" {
		return nil, apierr.New(apierr.NotFound, "client not found")
	}
	c, err := r.store.GetClient(ctx, clientID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.New(apierr.NotFound, "client not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	return c, nil
}

// ListOwned returns the clients owned by the account.
func (r *Registry) ListOwned(ctx context.Context, owner *store.Account) ([]*store.Client, error) {
	if !owner.Permissions.CreateApplications && !owner.Permissions.AdminUser {
		return nil, apierr.New(apierr.PermissionDenied, "create_applications permission required")
	}
	return r.store.ListClientsByOwner(ctx, owner.ID)
}

// Get returns a client the actor may manage.
func (r *Registry) Get(ctx context.Context, clientID string, actor *store.Account) (*store.Client, error) {
	return r.managed(ctx, clientID, actor)
}

// Update changes the name or redirect URIs of a client.
func (r *Registry) Update(ctx context.Context, clientID string, actor *store.Account, patch Patch) (*store.Client, error) {
	if _, err := r.managed(ctx, clientID, actor); err != nil {
		return nil, err
	}
	var sp store.ClientPatch
	if patch.Name != nil {
		name, err := validateName(*patch.Name)
		if err != nil {
			return nil, err
		}
		sp.Name = &name
	}
	if patch.RedirectURIs != nil {
		uris, err := validateRedirectURIs(patch.RedirectURIs)
		if err != nil {
			return nil, err
		}
		sp.RedirectURIs = uris
	}
	c, err := r.store.UpdateClient(ctx, clientID, sp)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.New(apierr.NotFound, "client not found")
	}
	if err != nil {
		return nil, fmt.Errorf("update client: %w", err)
	}
	r.log.Infow("client updated", "client_id", clientID, "actor_id", actor.ID)
	return c, nil
}

// RotateSecret replaces the client secret and returns the new plaintext value.
func (r *Registry) RotateSecret(ctx context.Context, clientID string, actor *store.Account) (string, error) {
	if _, err := r.managed(ctx, clientID, actor); err != nil {
		return "", err
	}
	secret, hash, err := newSecret()
	if err != nil {
		return "", err
	}
	if _, err := r.store.UpdateClient(ctx, clientID, store.ClientPatch{SecretHash: &hash}); err != nil {
		return "", fmt.Errorf("rotate client secret: %w", err)
	}
	r.log.Infow("client secret rotated", "client_id", clientID, "actor_id", actor.ID)
	return secret, nil
}

// Delete removes a client. Its codes, grants and refresh tokens go with it.
func (r *Registry) Delete(ctx context.Context, clientID string, actor *store.Account) error {
	if _, err := r.managed(ctx, clientID, actor); err != nil {
		return err
	}
	if err := r.store.DeleteClient(ctx, clientID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete client: %w", err)
	}
	r.log.Infow("client deleted", "client_id", clientID, "actor_id", actor.ID)
	return nil
}

// Authenticate checks client credentials. Unknown clients and wrong secrets are
// indistinguishable, in result and in cost.
func (r *Registry) Authenticate(ctx context.Context, clientID, secret string) (*store.Client, error) {
	var c *store.Client
	if clientID != "" {
		var err error
		c, err = r.store.GetClient(ctx, clientID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("get client: %w", err)
		}
	}
	hash := ""
	if c != nil {
		hash = c.SecretHash
	}
	if !secrets.Compare(hash, secret) || c == nil {
		return nil, apierr.New(apierr.InvalidClient, "client authentication failed")
	}
	return c, nil
}

// AllowsRedirect reports whether uri exactly matches a registered redirect URI.
func AllowsRedirect(c *store.Client, uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

func (r *Registry) managed(ctx context.Context, clientID string, actor *store.Account) (*store.Client, error) {
	c, err := r.Lookup(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if actor == nil || (c.OwnerID != actor.ID && !actor.Permissions.AdminUser) {
		return nil, apierr.New(apierr.Forbidden, "not the owner of this client")
	}
	return c, nil
}

func newSecret() (string, string, error) {
	secret, err := secrets.Token(clientSecretBytes)
	if err != nil {
		return "", "", fmt.Errorf("generate client secret: %w", err)
	}
	hash, err := secrets.Hash(secret)
	if err != nil {
		return "", "", fmt.Errorf("hash client secret: %w", err)
	}
	return secret, hash, nil
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apierr.New(apierr.InvalidRequest, "name is required")
	}
	if len(name) > maxNameLen {
		return "", apierr.Newf(apierr.InvalidRequest, "name must be at most %d characters", maxNameLen)
	}
	return name, nil
}

// validateRedirectURIs accepts absolute http(s) URIs without fragments. They are stored
// verbatim since matching is exact.
func validateRedirectURIs(uris []string) ([]string, error) {
	if len(uris) == 0 {
		return nil, apierr.New(apierr.InvalidRequest, "at least one redirect URI is required")
	}
	if len(uris) > maxRedirectURIs {
		return nil, apierr.Newf(apierr.InvalidRequest, "at most %d redirect URIs are allowed", maxRedirectURIs)
	}
	out := make([]string, 0, len(uris))
	seen := map[string]bool{}
	for _, raw := range uris {
		if raw == "" || strings.ContainsAny(raw, " \t\r\n") {
			return nil, apierr.Newf(apierr.InvalidRequest, "invalid redirect URI %q", raw)
		}
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || u.Host == "" || u.Fragment != "" || strings.Contains(raw, "#") {
			return nil, apierr.Newf(apierr.InvalidRequest, "invalid redirect URI %q", raw)
		}
		if u.Scheme != "https" && u.Scheme != "http" {
			return nil, apierr.Newf(apierr.InvalidRequest, "redirect URI %q must use http or https", raw)
		}
		if !seen[raw] {
			seen[raw] = true
			out = append(out, raw)
		}
	}
	return out, nil
}
