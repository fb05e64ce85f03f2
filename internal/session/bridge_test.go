package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/ssoportal/internal/accounts"
	"github.com/example/ssoportal/internal/apierr"
	"github.com/example/ssoportal/internal/store"
	"github.com/example/ssoportal/internal/token"
)

type fakeCredentials struct{}

func (fakeCredentials) Authenticate(_ context.Context, username, password string) (*store.Account, error) {
	if username == "alice" && password == "secret-password" {
		return &store.Account{ID: 42, Username: "alice", Active: true}, nil
	}
	return nil, apierr.New(apierr.Unauthorized, "invalid username or password")
}

func (fakeCredentials) Register(_ context.Context, in accounts.Registration) (*store.Account, error) {
	return &store.Account{ID: 43, Username: in.Username, Email: in.Email, Active: true}, nil
}

type fakeTokens struct {
	issued    []string
	revoked   []string
	revokeErr error
}

func (f *fakeTokens) IssueFirstParty(_ context.Context, accountID int64) (*token.Pair, error) {
	refresh := "refresh-" + time.Now().Format(time.RFC3339Nano)
	f.issued = append(f.issued, refresh)
	return &token.Pair{AccessToken: "access", RefreshToken: refresh, TokenType: "Bearer"}, nil
}

func (f *fakeTokens) RevokeRefreshToken(_ context.Context, _ int64, refresh string) error {
	if f.revokeErr != nil {
		return f.revokeErr
	}
	f.revoked = append(f.revoked, refresh)
	return nil
}

type brokenSessions struct {
	Store
	createErr error
	deleteErr error
}

func (b brokenSessions) Create(ctx context.Context, accountID int64) (*Session, error) {
	if b.createErr != nil {
		return nil, b.createErr
	}
	return b.Store.Create(ctx, accountID)
}

func (b brokenSessions) Delete(ctx context.Context, id string) error {
	if b.deleteErr != nil {
		return b.deleteErr
	}
	return b.Store.Delete(ctx, id)
}

func TestLoginEstablishesSessionAndTokens(t *testing.T) {
	sessions := NewMemoryStore(time.Hour)
	tokens := &fakeTokens{}
	b := NewBridge(fakeCredentials{}, tokens, sessions, zap.NewNop().Sugar())
	ctx := context.Background()

	res, err := b.Login(ctx, "alice", "secret-password", "/dashboard")
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.Account.ID)
	assert.Equal(t, "/dashboard", res.Next)
	require.NotNil(t, res.Tokens)
	assert.Equal(t, tokens.issued[0], res.Tokens.RefreshToken)

	s, err := b.Resolve(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), s.AccountID)
}

func TestLoginRejectsOpenRedirect(t *testing.T) {
	b := NewBridge(fakeCredentials{}, &fakeTokens{}, NewMemoryStore(time.Hour), zap.NewNop().Sugar())

	res, err := b.Login(context.Background(), "alice", "secret-password", "https://evil.example/")
	require.NoError(t, err)
	assert.Empty(t, res.Next)
}

func TestLoginBadCredentials(t *testing.T) {
	tokens := &fakeTokens{}
	b := NewBridge(fakeCredentials{}, tokens, NewMemoryStore(time.Hour), zap.NewNop().Sugar())

	_, err := b.Login(context.Background(), "alice", "nope", "")
	assert.True(t, apierr.Is(err, apierr.Unauthorized))
	assert.Empty(t, tokens.issued)
}

func TestRegisterLogsIn(t *testing.T) {
	b := NewBridge(fakeCredentials{}, &fakeTokens{}, NewMemoryStore(time.Hour), zap.NewNop().Sugar())

	res, err := b.Register(context.Background(), accounts.Registration{Username: "bob", Email: "bob@example.com", Password: "x"}, "")
	require.NoError(t, err)
	assert.Equal(t, "bob", res.Account.Username)
	assert.NotEmpty(t, res.Session.ID)
}

func TestFailedSessionRevokesTokens(t *testing.T) {
	tokens := &fakeTokens{}
	sessions := brokenSessions{Store: NewMemoryStore(time.Hour), createErr: errors.New("redis down")}
	b := NewBridge(fakeCredentials{}, tokens, sessions, zap.NewNop().Sugar())

	_, err := b.Login(context.Background(), "alice", "secret-password", "")
	require.Error(t, err)
	assert.Equal(t, tokens.issued, tokens.revoked)
}

func TestLogoutTearsDownBoth(t *testing.T) {
	sessions := NewMemoryStore(time.Hour)
	tokens := &fakeTokens{}
	b := NewBridge(fakeCredentials{}, tokens, sessions, zap.NewNop().Sugar())
	ctx := context.Background()
	res, err := b.Login(ctx, "alice", "secret-password", "")
	require.NoError(t, err)

	require.NoError(t, b.Logout(ctx, 42, res.Session.ID, res.Tokens.RefreshToken))
	assert.Equal(t, []string{res.Tokens.RefreshToken}, tokens.revoked)
	_, err = b.Resolve(ctx, res.Session.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.Logout(ctx, 42, res.Session.ID, ""), "logout is idempotent")
}

func TestLogoutSessionFailureStillSucceeds(t *testing.T) {
	tokens := &fakeTokens{}
	sessions := brokenSessions{Store: NewMemoryStore(time.Hour), deleteErr: errors.New("redis down")}
	b := NewBridge(fakeCredentials{}, tokens, sessions, zap.NewNop().Sugar())
	ctx := context.Background()
	res, err := b.Login(ctx, "alice", "secret-password", "")
	require.NoError(t, err)

	require.NoError(t, b.Logout(ctx, 42, res.Session.ID, res.Tokens.RefreshToken))
	assert.Equal(t, []string{res.Tokens.RefreshToken}, tokens.revoked)
}

func TestLogoutTokenFailureStillDeletesSession(t *testing.T) {
	sessions := NewMemoryStore(time.Hour)
	tokens := &fakeTokens{}
	b := NewBridge(fakeCredentials{}, tokens, sessions, zap.NewNop().Sugar())
	ctx := context.Background()
	res, err := b.Login(ctx, "alice", "secret-password", "")
	require.NoError(t, err)

	tokens.revokeErr = errors.New("db down")
	err = b.Logout(ctx, 42, res.Session.ID, res.Tokens.RefreshToken)
	require.Error(t, err)
	_, err = b.Resolve(ctx, res.Session.ID)
	assert.ErrorIs(t, err, ErrNotFound, "session teardown is attempted even when token revocation fails")
}
