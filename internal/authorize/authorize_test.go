package authorize

import (
	"context"
	"errors"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/ssoportal/internal/apierr"
	"github.com/example/ssoportal/internal/registry"
	"github.com/example/ssoportal/internal/scope"
	"github.com/example/ssoportal/internal/secrets"
	"github.com/example/ssoportal/internal/store"
)

const redirect = "https://app.example/cb"

func TestMain(m *testing.M) {
	secrets.Cost = bcrypt.MinCost
	os.Exit(m.Run())
}

type fixture struct {
	engine  *Engine
	store   *store.MemStore
	client  *store.Client
	account *store.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	log := zap.NewNop().Sugar()
	owner := &store.Account{Username: "owner", Email: "owner@example.com", PasswordHash: "x", Active: true,
		Permissions: store.Permissions{CreateApplications: true}}
	require.NoError(t, st.CreateAccount(ctx, owner))
	alice := &store.Account{Username: "alice", Email: "alice@example.com", PasswordHash: "x", Active: true}
	require.NoError(t, st.CreateAccount(ctx, alice))
	reg := registry.New(st, log)
	c, _, err := reg.Register(ctx, owner, "app", []string{redirect})
	require.NoError(t, err)
	return &fixture{engine: NewEngine(st, reg, 90*time.Second, log), store: st, client: c, account: alice}
}

func (f *fixture) request() Request {
	return Request{ClientID: f.client.ID, RedirectURI: redirect, ResponseType: "code", Scope: "username email", State: "xyz"}
}

func TestValidate(t *testing.T) {
	f := newFixture(t)
	v, err := f.engine.Validate(context.Background(), f.request())
	require.NoError(t, err)
	assert.Equal(t, f.client.ID, v.Client.ID)
	assert.Equal(t, scope.Username|scope.Email, v.Scope)
	assert.Equal(t, "xyz", v.State)
}

func TestValidateEmptyScope(t *testing.T) {
	f := newFixture(t)
	req := f.request()
	req.Scope = ""
	v, err := f.engine.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, scope.Set(0), v.Scope)
}

func TestValidateRendersErrorsBeforeRedirectIsVerified(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		mutate func(*Request)
		kind   apierr.Kind
	}{
		{"missing client", func(r *Request) { r.ClientID = "" }, apierr.InvalidRequest},
		{"unknown client", func(r *Request) { r.ClientID = "nope" }, apierr.InvalidClient},
		{"missing redirect", func(r *Request) { r.RedirectURI = "" }, apierr.InvalidRequest},
		{"trailing slash", func(r *Request) { r.RedirectURI = redirect + "/" }, apierr.InvalidRequest},
		{"extra query", func(r *Request) { r.RedirectURI = redirect + "?x=1" }, apierr.InvalidRequest},
		{"foreign host", func(r *Request) { r.RedirectURI = "https://evil.example/cb" }, apierr.InvalidRequest},
		// an unverified redirect wins over every later problem
		{"bad redirect and bad scope", func(r *Request) { r.RedirectURI = "https://evil.example/cb"; r.Scope = "admin" }, apierr.InvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.request()
			tt.mutate(&req)
			_, err := f.engine.Validate(context.Background(), req)
			require.Error(t, err)
			var re *RedirectError
			assert.False(t, errors.As(err, &re), "must not redirect to an unverified uri")
			assert.Equal(t, tt.kind, apierr.KindOf(err))
		})
	}
}

func TestValidateRedirectsErrorsAfterRedirectIsVerified(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		mutate func(*Request)
		code   string
	}{
		{"token response type", func(r *Request) { r.ResponseType = "token" }, "unsupported_response_type"},
		{"missing response type", func(r *Request) { r.ResponseType = "" }, "invalid_request"},
		{"unknown scope", func(r *Request) { r.Scope = "username admin" }, "invalid_scope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.request()
			tt.mutate(&req)
			_, err := f.engine.Validate(context.Background(), req)
			var re *RedirectError
			require.True(t, errors.As(err, &re))

			loc, err := url.Parse(re.Location())
			require.NoError(t, err)
			assert.Equal(t, "app.example", loc.Host)
			assert.Equal(t, "/cb", loc.Path)
			assert.Equal(t, tt.code, loc.Query().Get("error"))
			assert.NotEmpty(t, loc.Query().Get("error_description"))
			assert.Equal(t, "xyz", loc.Query().Get("state"))
		})
	}
}

func TestApproveIssuesBoundCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, err := f.engine.Validate(ctx, f.request())
	require.NoError(t, err)

	location, err := f.engine.Approve(ctx, v, f.account)
	require.NoError(t, err)
	loc, err := url.Parse(location)
	require.NoError(t, err)
	assert.Equal(t, "https://app.example/cb", loc.Scheme+"://"+loc.Host+loc.Path)
	assert.Equal(t, "xyz", loc.Query().Get("state"))
	raw := loc.Query().Get("code")
	require.NotEmpty(t, raw)

	code, err := f.store.GetAuthorizationCode(ctx, secrets.Digest(raw))
	require.NoError(t, err)
	assert.Equal(t, f.client.ID, code.ClientID)
	assert.Equal(t, f.account.ID, code.AccountID)
	assert.Equal(t, redirect, code.RedirectURI)
	assert.Equal(t, "username email", code.Scope)
	assert.False(t, code.Used)
	assert.WithinDuration(t, time.Now().Add(90*time.Second), code.ExpiresAt, 5*time.Second)
}

func TestApproveEchoesStateVerbatim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.request()
	req.State = "a b&c=d/é"
	v, err := f.engine.Validate(ctx, req)
	require.NoError(t, err)

	location, err := f.engine.Approve(ctx, v, f.account)
	require.NoError(t, err)
	loc, err := url.Parse(location)
	require.NoError(t, err)
	assert.Equal(t, "a b&c=d/é", loc.Query().Get("state"))
}

func TestApproveInactiveAccount(t *testing.T) {
	f := newFixture(t)
	v, err := f.engine.Validate(context.Background(), f.request())
	require.NoError(t, err)
	f.account.Active = false

	_, err = f.engine.Approve(context.Background(), v, f.account)
	var re *RedirectError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, apierr.AccessDenied, re.Err.Kind)
}

func TestDeny(t *testing.T) {
	f := newFixture(t)
	v, err := f.engine.Validate(context.Background(), f.request())
	require.NoError(t, err)

	loc, err := url.Parse(f.engine.Deny(v))
	require.NoError(t, err)
	assert.Equal(t, "access_denied", loc.Query().Get("error"))
	assert.Equal(t, "xyz", loc.Query().Get("state"))
	assert.Empty(t, loc.Query().Get("code"))
}

func TestLocationKeepsRegisteredQuery(t *testing.T) {
	re := &RedirectError{RedirectURI: "https://app.example/cb?tenant=1", State: "s", Err: apierr.New(apierr.AccessDenied, "no")}
	loc, err := url.Parse(re.Location())
	require.NoError(t, err)
	assert.Equal(t, "1", loc.Query().Get("tenant"))
	assert.Equal(t, "access_denied", loc.Query().Get("error"))
}
