package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ssoportal/internal/apierr"
	"github.com/example/ssoportal/internal/scope"
	"github.com/example/ssoportal/internal/session"
	"github.com/example/ssoportal/internal/token"
)

const firstParty = "sso-portal"

type fakeTokens map[string]*token.Claims

func (f fakeTokens) Verify(raw string) (*token.Claims, error) {
	if c, ok := f[raw]; ok {
		return c, nil
	}
	return nil, apierr.New(apierr.Unauthorized, "invalid or expired token")
}

func claims(sub, clientID, s string) *token.Claims {
	c := &token.Claims{ClientID: clientID, Scope: s}
	c.Subject = sub
	return c
}

var tokens = fakeTokens{
	"portal": claims("42", firstParty, "username email permissions"),
	"app":    claims("42", "c1", "username"),
}

func request(cookie, bearer string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if cookie != "" {
		r.AddCookie(&http.Cookie{Name: session.CookieName, Value: cookie})
	}
	if bearer != "" {
		r.Header.Set("Authorization", "Bearer "+bearer)
	}
	return r
}

func TestSessionVerifier(t *testing.T) {
	sessions := session.NewMemoryStore(time.Hour)
	s, err := sessions.Create(context.Background(), 42)
	require.NoError(t, err)
	v := Session(sessions, firstParty)

	id, err := v.Verify(request(s.ID, ""))
	require.NoError(t, err)
	assert.Equal(t, int64(42), id.AccountID)
	assert.Equal(t, ViaSession, id.Via)
	assert.Equal(t, scope.Full, id.Scope)
	assert.Equal(t, s.ID, id.SessionID)

	id, err = v.Verify(request("", ""))
	assert.NoError(t, err)
	assert.Nil(t, id)

	_, err = v.Verify(request("stale", ""))
	assert.True(t, apierr.Is(err, apierr.Unauthorized))
}

func TestBearerVerifier(t *testing.T) {
	v := Bearer(tokens, "")

	id, err := v.Verify(request("", "app"))
	require.NoError(t, err)
	assert.Equal(t, int64(42), id.AccountID)
	assert.Equal(t, ViaBearer, id.Via)
	assert.Equal(t, "c1", id.ClientID)
	assert.Equal(t, scope.Username, id.Scope)

	_, err = v.Verify(request("", "forged"))
	assert.True(t, apierr.Is(err, apierr.Unauthorized))

	id, err = v.Verify(request("", ""))
	assert.NoError(t, err)
	assert.Nil(t, id)
}

func TestBearerVerifierFirstPartyOnly(t *testing.T) {
	v := Bearer(tokens, firstParty)

	id, err := v.Verify(request("", "portal"))
	require.NoError(t, err)
	assert.Equal(t, firstParty, id.ClientID)

	_, err = v.Verify(request("", "app"))
	assert.True(t, apierr.Is(err, apierr.Forbidden), "third-party tokens must not reach portal endpoints")
}

func TestAnyAcceptsEither(t *testing.T) {
	sessions := session.NewMemoryStore(time.Hour)
	s, err := sessions.Create(context.Background(), 7)
	require.NoError(t, err)
	v := Any(Session(sessions, firstParty), Bearer(tokens, firstParty))

	id, err := v.Verify(request(s.ID, ""))
	require.NoError(t, err)
	assert.Equal(t, ViaSession, id.Via)

	id, err = v.Verify(request("", "portal"))
	require.NoError(t, err)
	assert.Equal(t, ViaBearer, id.Via)

	// a stale cookie does not mask a valid token
	id, err = v.Verify(request("stale", "portal"))
	require.NoError(t, err)
	assert.Equal(t, ViaBearer, id.Via)

	_, err = v.Verify(request("", ""))
	assert.Equal(t, ErrUnauthenticated, err)

	_, err = v.Verify(request("", "app"))
	assert.True(t, apierr.Is(err, apierr.Forbidden))
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	for header, want := range map[string]string{
		"Bearer abc":  "abc",
		"bearer abc":  "abc",
		"Bearer  abc": "abc",
		"Basic abc":   "",
		"Bearer":      "",
		"Bearer ":     "",
		"":            "",
	} {
		r.Header.Set("Authorization", header)
		got, ok := BearerToken(r)
		assert.Equal(t, want, got, header)
		assert.Equal(t, want != "", ok, header)
	}
}

func TestContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithIdentity(context.Background(), &Identity{AccountID: 1})
	id, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, int64(1), id.AccountID)
}
