// Package token exchanges authorization codes, rotates refresh tokens and verifies access
// tokens. Access tokens are stateless JWTs; refresh tokens are digests in the store, grouped
// under a grant that can be revoked as a whole.
package token

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ssoportal/internal/apierr"
	"github.com/example/ssoportal/internal/registry"
	"github.com/example/ssoportal/internal/scope"
	"github.com/example/ssoportal/internal/secrets"
	"github.com/example/ssoportal/internal/store"
)

const refreshTokenBytes = 32

var (
	errInvalidGrant = apierr.New(apierr.InvalidGrant, "invalid, expired or revoked grant")
	errInvalidToken = apierr.New(apierr.Unauthorized, "invalid or expired token")
)

// Config carries the token lifetimes and the first-party client id.
type Config struct {
	AccessTTL          time.Duration
	RefreshTTL         time.Duration
	FirstPartyClientID string
}

// Pair is the token endpoint response body.
type Pair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// Introspection is the RFC 7662 response body.
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
}

type Engine struct {
	store   store.Store
	clients *registry.Registry
	keys    *KeySet
	cfg     Config
	log     *zap.SugaredLogger
	now     func() time.Time
}

type Option func(*Engine)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(s store.Store, clients *registry.Registry, keys *KeySet, cfg Config, log *zap.SugaredLogger, opts ...Option) *Engine {
	e := &Engine{store: s, clients: clients, keys: keys, cfg: cfg, log: log, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// FirstPartyClientID is the client id the portal issues its own tokens under.
func (e *Engine) FirstPartyClientID() string { return e.cfg.FirstPartyClientID }

// ExchangeCode trades an authorization code for a token pair. The code is consumed in the same
// store operation that records the grant, so two concurrent exchanges cannot both succeed.
// Presenting a code that was already used revokes the grant minted from it.
func (e *Engine) ExchangeCode(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*Pair, error) {
	client, err := e.clients.Authenticate(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, apierr.New(apierr.InvalidRequest, "code is required")
	}
	codeHash := secrets.Digest(code)
	ac, err := e.store.GetAuthorizationCode(ctx, codeHash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errInvalidGrant
	}
	if err != nil {
		return nil, fmt.Errorf("get authorization code: %w", err)
	}
	if ac.Used {
		e.revokeReplayedCode(ctx, ac, client.ID)
		return nil, errInvalidGrant
	}
	if ac.ClientID != client.ID || ac.RedirectURI != redirectURI {
		return nil, errInvalidGrant
	}
	now := e.now()
	if !now.Before(ac.ExpiresAt) {
		return nil, errInvalidGrant
	}
	if err := e.requireActive(ctx, ac.AccountID); err != nil {
		return nil, err
	}
	granted, err := scope.Parse(ac.Scope)
	if err != nil {
		return nil, fmt.Errorf("stored code scope: %w", err)
	}

	g := &store.Grant{ID: uuid.NewString(), AccountID: ac.AccountID, ClientID: client.ID, Scope: granted.String()}
	refresh, rt, err := e.newRefreshToken(now)
	if err != nil {
		return nil, err
	}
	if err := e.store.ConsumeAuthorizationCode(ctx, codeHash, now, g, rt); err != nil {
		if errors.Is(err, store.ErrCodeUsed) {
			if lost, lerr := e.store.GetAuthorizationCode(ctx, codeHash); lerr == nil && lost.Used {
				e.revokeReplayedCode(ctx, lost, client.ID)
			}
			return nil, errInvalidGrant
		}
		return nil, fmt.Errorf("consume authorization code: %w", err)
	}
	e.log.Infow("authorization code exchanged", "client_id", client.ID, "account_id", ac.AccountID, "grant_id", g.ID)
	return e.pair(g, granted, refresh, now)
}

func (e *Engine) revokeReplayedCode(ctx context.Context, ac *store.AuthorizationCode, presentedBy string) {
	e.log.Warnw("authorization code reused",
		"client_id", ac.ClientID, "presented_by", presentedBy, "account_id", ac.AccountID, "grant_id", ac.GrantID)
	if ac.GrantID == "" {
		return
	}
	if err := e.store.DeleteGrant(ctx, ac.GrantID); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.log.Errorw("failed to revoke grant of reused code", "grant_id", ac.GrantID, "error", err)
	}
}

// Refresh rotates a third-party refresh token. A non-empty requested scope narrows the new
// access token; it may not exceed the grant.
func (e *Engine) Refresh(ctx context.Context, clientID, clientSecret, refresh, requested string) (*Pair, error) {
	client, err := e.clients.Authenticate(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}
	return e.rotate(ctx, client.ID, refresh, requested)
}

// RefreshFirstParty rotates a refresh token issued by the portal's own login.
func (e *Engine) RefreshFirstParty(ctx context.Context, refresh string) (*Pair, error) {
	return e.rotate(ctx, e.cfg.FirstPartyClientID, refresh, "")
}

// rotate replaces a live refresh token with a new one. A token that was already rotated is a
// replay: the whole grant is revoked.
func (e *Engine) rotate(ctx context.Context, clientID, refresh, requested string) (*Pair, error) {
	if refresh == "" {
		return nil, apierr.New(apierr.InvalidRequest, "refresh_token is required")
	}
	hash := secrets.Digest(refresh)
	rt, err := e.store.GetRefreshToken(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errInvalidGrant
	}
	if err != nil {
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	g, err := e.store.GetGrant(ctx, rt.GrantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errInvalidGrant
	}
	if err != nil {
		return nil, fmt.Errorf("get grant: %w", err)
	}
	if g.ClientID != clientID {
		return nil, errInvalidGrant
	}
	if rt.Revoked {
		e.revokeReplayedRefresh(ctx, g)
		return nil, errInvalidGrant
	}
	now := e.now()
	if !now.Before(rt.ExpiresAt) {
		return nil, errInvalidGrant
	}
	if err := e.requireActive(ctx, g.AccountID); err != nil {
		return nil, err
	}
	issued, err := narrow(g.Scope, requested)
	if err != nil {
		return nil, err
	}

	next, nextRow, err := e.newRefreshToken(now)
	if err != nil {
		return nil, err
	}
	if err := e.store.RotateRefreshToken(ctx, hash, nextRow); err != nil {
		if errors.Is(err, store.ErrTokenRotated) {
			e.revokeReplayedRefresh(ctx, g)
			return nil, errInvalidGrant
		}
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}
	return e.pair(g, issued, next, now)
}

// narrow returns the scope an access token minted from a grant carries. An empty request
// means the whole grant.
func narrow(grantScope, requested string) (scope.Set, error) {
	granted, err := scope.Parse(grantScope)
	if err != nil {
		return 0, fmt.Errorf("stored grant scope: %w", err)
	}
	if strings.TrimSpace(requested) == "" {
		return granted, nil
	}
	want, err := scope.Parse(requested)
	if err != nil {
		return 0, err
	}
	if !want.SubsetOf(granted) {
		return 0, apierr.Newf(apierr.InvalidScope, "requested scope %q exceeds the grant", requested)
	}
	return want, nil
}

func (e *Engine) revokeReplayedRefresh(ctx context.Context, g *store.Grant) {
	e.log.Warnw("refresh token replay detected, revoking grant",
		"client_id", g.ClientID, "account_id", g.AccountID, "grant_id", g.ID)
	if err := e.store.DeleteGrant(ctx, g.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.log.Errorw("failed to revoke replayed grant", "grant_id", g.ID, "error", err)
	}
}

// IssueFirstParty mints a full-scope pair for the portal itself after a password login. Each
// login gets its own grant.
func (e *Engine) IssueFirstParty(ctx context.Context, accountID int64) (*Pair, error) {
	now := e.now()
	g := &store.Grant{ID: uuid.NewString(), AccountID: accountID, ClientID: e.cfg.FirstPartyClientID, Scope: scope.Full.String()}
	refresh, rt, err := e.newRefreshToken(now)
	if err != nil {
		return nil, err
	}
	if err := e.store.CreateGrant(ctx, g, rt, false); err != nil {
		return nil, fmt.Errorf("create grant: %w", err)
	}
	return e.pair(g, scope.Full, refresh, now)
}

// Revoke deletes every grant the account holds for the client. Access tokens already issued
// stay valid until they expire.
func (e *Engine) Revoke(ctx context.Context, accountID int64, clientID string) error {
	n, err := e.store.DeleteGrantsFor(ctx, accountID, clientID)
	if err != nil {
		return fmt.Errorf("delete grants: %w", err)
	}
	if n == 0 {
		return apierr.New(apierr.NotFound, "grant not found")
	}
	e.log.Infow("grant revoked", "account_id", accountID, "client_id", clientID)
	return nil
}

// RevokeGrant deletes one grant owned by the account.
func (e *Engine) RevokeGrant(ctx context.Context, accountID int64, grantID string) error {
	g, err := e.store.GetGrant(ctx, grantID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && g.AccountID != accountID) {
		return apierr.New(apierr.NotFound, "grant not found")
	}
	if err != nil {
		return fmt.Errorf("get grant: %w", err)
	}
	if err := e.store.DeleteGrant(ctx, grantID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete grant: %w", err)
	}
	e.log.Infow("grant revoked", "account_id", accountID, "client_id", g.ClientID, "grant_id", grantID)
	return nil
}

// ListGrants returns the third-party grants of an account.
func (e *Engine) ListGrants(ctx context.Context, accountID int64) ([]*store.Grant, error) {
	all, err := e.store.ListGrantsByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	out := make([]*store.Grant, 0, len(all))
	for _, g := range all {
		if g.ClientID != e.cfg.FirstPartyClientID {
			out = append(out, g)
		}
	}
	return out, nil
}

// RevokeRefreshToken deletes the grant behind a first-party refresh token of the account.
// Unknown tokens are not an error.
func (e *Engine) RevokeRefreshToken(ctx context.Context, accountID int64, refresh string) error {
	_, err := e.revokeRefresh(ctx, refresh, func(g *store.Grant) bool {
		return g.AccountID == accountID && g.ClientID == e.cfg.FirstPartyClientID
	})
	return err
}

// RevokeClientToken implements RFC 7009 for refresh tokens: the grant is deleted when the token
// belongs to the authenticated client. Anything else is silently ignored.
func (e *Engine) RevokeClientToken(ctx context.Context, clientID, clientSecret, refresh string) error {
	client, err := e.clients.Authenticate(ctx, clientID, clientSecret)
	if err != nil {
		return err
	}
	_, err = e.revokeRefresh(ctx, refresh, func(g *store.Grant) bool { return g.ClientID == client.ID })
	return err
}

func (e *Engine) revokeRefresh(ctx context.Context, refresh string, match func(*store.Grant) bool) (bool, error) {
	if refresh == "" {
		return false, nil
	}
	rt, err := e.store.GetRefreshToken(ctx, secrets.Digest(refresh))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get refresh token: %w", err)
	}
	g, err := e.store.GetGrant(ctx, rt.GrantID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get grant: %w", err)
	}
	if !match(g) {
		return false, nil
	}
	if err := e.store.DeleteGrant(ctx, g.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("delete grant: %w", err)
	}
	e.log.Infow("grant revoked by refresh token", "account_id", g.AccountID, "client_id", g.ClientID, "grant_id", g.ID)
	return true, nil
}

// Introspect reports on an access or refresh token issued to the calling client.
func (e *Engine) Introspect(ctx context.Context, clientID, clientSecret, raw string) (*Introspection, error) {
	client, err := e.clients.Authenticate(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}
	inactive := &Introspection{Active: false}
	if raw == "" {
		return inactive, nil
	}
	if c, err := e.keys.Parse(raw); err == nil {
		if c.ClientID != client.ID {
			return inactive, nil
		}
		return &Introspection{
			Active:    true,
			Scope:     c.Scope,
			ClientID:  c.ClientID,
			Subject:   c.Subject,
			TokenType: "access_token",
			ExpiresAt: c.ExpiresAt.Unix(),
			IssuedAt:  c.IssuedAt.Unix(),
		}, nil
	}
	rt, err := e.store.GetRefreshToken(ctx, secrets.Digest(raw))
	if errors.Is(err, store.ErrNotFound) {
		return inactive, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	if rt.Revoked || !e.now().Before(rt.ExpiresAt) {
		return inactive, nil
	}
	g, err := e.store.GetGrant(ctx, rt.GrantID)
	if errors.Is(err, store.ErrNotFound) {
		return inactive, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get grant: %w", err)
	}
	if g.ClientID != client.ID {
		return inactive, nil
	}
	return &Introspection{
		Active:    true,
		Scope:     g.Scope,
		ClientID:  g.ClientID,
		Subject:   strconv.FormatInt(g.AccountID, 10),
		TokenType: "refresh_token",
		ExpiresAt: rt.ExpiresAt.Unix(),
		IssuedAt:  rt.CreatedAt.Unix(),
	}, nil
}

// Verify checks an access token's signature and expiry without touching the store.
func (e *Engine) Verify(raw string) (*Claims, error) {
	if raw == "" {
		return nil, errInvalidToken
	}
	c, err := e.keys.Parse(raw)
	if err != nil {
		return nil, apierr.Wrap(apierr.Unauthorized, "invalid or expired token", err)
	}
	return c, nil
}

func (e *Engine) requireActive(ctx context.Context, accountID int64) error {
	a, err := e.store.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return errInvalidGrant
	}
	if err != nil {
		return fmt.Errorf("get account: %w", err)
	}
	if !a.Active {
		return errInvalidGrant
	}
	return nil
}

func (e *Engine) newRefreshToken(now time.Time) (string, *store.RefreshToken, error) {
	raw, err := secrets.Token(refreshTokenBytes)
	if err != nil {
		return "", nil, fmt.Errorf("generate refresh token: %w", err)
	}
	return raw, &store.RefreshToken{TokenHash: secrets.Digest(raw), ExpiresAt: now.Add(e.cfg.RefreshTTL)}, nil
}

// pair mints an access token for g carrying issued, which must lie within the grant.
func (e *Engine) pair(g *store.Grant, issued scope.Set, refresh string, now time.Time) (*Pair, error) {
	granted, err := scope.Parse(g.Scope)
	if err != nil || !issued.SubsetOf(granted) {
		return nil, fmt.Errorf("access token scope %q outside grant %s", issued, g.ID)
	}
	access, err := e.keys.Sign(&Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    e.keys.issuer,
			Subject:   strconv.FormatInt(g.AccountID, 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(e.cfg.AccessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		ClientID: g.ClientID,
		Scope:    issued.String(),
		GrantID:  g.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	return &Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(e.cfg.AccessTTL / time.Second),
		Scope:        issued.String(),
	}, nil
}
