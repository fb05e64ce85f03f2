package claims

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ssoportal/internal/apierr"
	"github.com/example/ssoportal/internal/scope"
	"github.com/example/ssoportal/internal/store"
	"github.com/example/ssoportal/internal/token"
)

var alice = &store.Account{
	ID:          42,
	Username:    "alice",
	Email:       "alice@example.com",
	Active:      true,
	Permissions: store.Permissions{AdminUser: true, CreateApplications: false},
}

func encode(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func TestResolveExampleScenario(t *testing.T) {
	got := Resolve(alice, scope.Username|scope.Email)
	assert.JSONEq(t, `{"sub":"42","username":"alice","email":"alice@example.com"}`, encode(t, got))
}

func TestResolveEveryScopeSubset(t *testing.T) {
	for s := scope.Set(0); s <= scope.Full; s++ {
		var fields map[string]any
		require.NoError(t, json.Unmarshal([]byte(encode(t, Resolve(alice, s))), &fields))

		assert.Equal(t, "42", fields["sub"])
		want := map[string]bool{"sub": true}
		for _, name := range s.Names() {
			want[name] = true
		}
		for k := range fields {
			assert.True(t, want[k], "scope %q leaked field %q", s, k)
		}
		assert.Len(t, fields, len(want), "scope %q", s)
	}
}

func TestResolvePermissionsAllowList(t *testing.T) {
	got := Resolve(alice, scope.Permissions)
	assert.JSONEq(t, `{"sub":"42","permissions":{"admin_user":true,"create_applications":false}}`, encode(t, got))
}

type accounts map[int64]*store.Account

func (a accounts) GetAccount(_ context.Context, id int64) (*store.Account, error) {
	if acc, ok := a[id]; ok {
		return acc, nil
	}
	return nil, store.ErrNotFound
}

func TestResolverUserInfo(t *testing.T) {
	inactive := *alice
	inactive.ID = 7
	inactive.Active = false
	r := NewResolver(accounts{42: alice, 7: &inactive})
	ctx := context.Background()

	c := &token.Claims{Scope: "email"}
	c.Subject = "42"
	info, err := r.UserInfo(ctx, c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sub":"42","email":"alice@example.com"}`, encode(t, info))

	c.Subject = "99"
	_, err = r.UserInfo(ctx, c)
	assert.True(t, apierr.Is(err, apierr.Unauthorized))

	c.Subject = "7"
	_, err = r.UserInfo(ctx, c)
	assert.True(t, apierr.Is(err, apierr.Unauthorized))

	c.Subject = "42"
	c.Scope = "email openid"
	_, err = r.UserInfo(ctx, c)
	assert.True(t, apierr.Is(err, apierr.Unauthorized))
}
