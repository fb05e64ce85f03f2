package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/ssoportal/internal/accounts"
	"github.com/example/ssoportal/internal/store"
	"github.com/example/ssoportal/internal/token"
)

// Credentials is the credential store as seen by the bridge.
type Credentials interface {
	Authenticate(ctx context.Context, username, password string) (*store.Account, error)
	Register(ctx context.Context, in accounts.Registration) (*store.Account, error)
}

// Tokens is the first-party side of the token engine.
type Tokens interface {
	IssueFirstParty(ctx context.Context, accountID int64) (*token.Pair, error)
	RevokeRefreshToken(ctx context.Context, accountID int64, refresh string) error
}

// Result is what a successful login or registration hands back to the browser.
type Result struct {
	Account *store.Account
	Session *Session
	Tokens  *token.Pair
	// Next is the sanitized continuation path, or "" when none was given or it was unsafe.
	Next string
}

// Bridge establishes a session and a first-party token pair together, and tears both down on
// logout.
type Bridge struct {
	credentials Credentials
	tokens      Tokens
	sessions    Store
	log         *zap.SugaredLogger
}

func NewBridge(credentials Credentials, tokens Tokens, sessions Store, log *zap.SugaredLogger) *Bridge {
	return &Bridge{credentials: credentials, tokens: tokens, sessions: sessions, log: log}
}

// Login authenticates a password and establishes both credentials.
func (b *Bridge) Login(ctx context.Context, username, password, next string) (*Result, error) {
	a, err := b.credentials.Authenticate(ctx, username, password)
	if err != nil {
		return nil, err
	}
	return b.establish(ctx, a, next)
}

// Register creates the account and logs it in.
func (b *Bridge) Register(ctx context.Context, in accounts.Registration, next string) (*Result, error) {
	a, err := b.credentials.Register(ctx, in)
	if err != nil {
		return nil, err
	}
	return b.establish(ctx, a, next)
}

func (b *Bridge) establish(ctx context.Context, a *store.Account, next string) (*Result, error) {
	pair, err := b.tokens.IssueFirstParty(ctx, a.ID)
	if err != nil {
		return nil, fmt.Errorf("issue first-party tokens: %w", err)
	}
	s, err := b.sessions.Create(ctx, a.ID)
	if err != nil {
		// don't leave a live token pair behind a failed login
		if rerr := b.tokens.RevokeRefreshToken(ctx, a.ID, pair.RefreshToken); rerr != nil {
			b.log.Errorw("failed to revoke tokens of failed login", "account_id", a.ID, "error", rerr)
		}
		return nil, fmt.Errorf("create session: %w", err)
	}
	b.log.Infow("login", "account_id", a.ID)
	return &Result{Account: a, Session: s, Tokens: pair, Next: SafeRedirect(next)}, nil
}

// Logout revokes the grant behind refresh and deletes the session. Both are attempted. A
// failure to delete the session is logged and tolerated since the session expires by itself;
// a failure to revoke the tokens is returned.
func (b *Bridge) Logout(ctx context.Context, accountID int64, sessionID, refresh string) error {
	var tokenErr error
	if refresh != "" {
		tokenErr = b.tokens.RevokeRefreshToken(ctx, accountID, refresh)
	}
	if sessionID != "" {
		if err := b.sessions.Delete(ctx, sessionID); err != nil && !errors.Is(err, ErrNotFound) {
			b.log.Warnw("logout left session behind", "account_id", accountID, "error", err)
		}
	}
	if tokenErr != nil {
		b.log.Errorw("logout failed to revoke tokens", "account_id", accountID, "error", tokenErr)
		return tokenErr
	}
	b.log.Infow("logout", "account_id", accountID)
	return nil
}

// Resolve returns the live session for id.
func (b *Bridge) Resolve(ctx context.Context, id string) (*Session, error) {
	return b.sessions.Get(ctx, id)
}
