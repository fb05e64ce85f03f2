// Package store persists accounts, OAuth clients, authorization codes, grants and refresh
// tokens. Every adapter provides the same atomicity guarantees: consuming a code and rotating a
// refresh token are single check-and-set operations.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique attribute is already taken.
	ErrConflict = errors.New("conflict")
	// ErrCodeUsed is returned when an authorization code was already consumed or expired
	// between lookup and consumption.
	ErrCodeUsed = errors.New("authorization code already used")
	// ErrTokenRotated is returned when a refresh token was already rotated.
	ErrTokenRotated = errors.New("refresh token already rotated")
)

// Store is the durable state behind the SSO portal.
type Store interface {
	// Account operations
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id int64) (*Account, error)
	GetAccountByUsername(ctx context.Context, username string) (*Account, error)
	UpdateAccountPassword(ctx context.Context, id int64, passwordHash string) error
	UpdateAccount(ctx context.Context, id int64, patch AccountPatch) (*Account, error)

	// Client operations
	CreateClient(ctx context.Context, c *Client) error
	GetClient(ctx context.Context, clientID string) (*Client, error)
	ListClientsByOwner(ctx context.Context, ownerID int64) ([]*Client, error)
	UpdateClient(ctx context.Context, clientID string, patch ClientPatch) (*Client, error)
	// DeleteClient removes the client with its codes, grants and refresh tokens.
	DeleteClient(ctx context.Context, clientID string) error

	// Authorization code operations
	CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error
	GetAuthorizationCode(ctx context.Context, codeHash string) (*AuthorizationCode, error)
	// ConsumeAuthorizationCode marks the code used and persists the grant in one step.
	// Existing grants of the same account and client are replaced. Returns ErrCodeUsed if the code is used or expired at now.
	ConsumeAuthorizationCode(ctx context.Context, codeHash string, now time.Time, g *Grant, rt *RefreshToken) error

	// Grant and refresh token operations
	// CreateGrant stores a grant with its first refresh token. With replace set, grants of the
	// same account and client are removed first.
	CreateGrant(ctx context.Context, g *Grant, rt *RefreshToken, replace bool) error
	GetGrant(ctx context.Context, id string) (*Grant, error)
	ListGrantsByAccount(ctx context.Context, accountID int64) ([]*Grant, error)
	DeleteGrant(ctx context.Context, id string) error
	DeleteGrantsFor(ctx context.Context, accountID int64, clientID string) (int, error)
	GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)
	// RotateRefreshToken revokes oldHash and stores next. Returns ErrTokenRotated if oldHash is
	// no longer live.
	RotateRefreshToken(ctx context.Context, oldHash string, next *RefreshToken) error

	// DeleteExpired drops expired codes and refresh tokens, then the grants left without a live
	// refresh token. The count covers codes, tokens and grants.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
