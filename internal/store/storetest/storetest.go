// Package storetest holds the behaviour every store adapter must satisfy.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/ssoportal/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("accounts", func(t *testing.T) { testAccounts(t, newStore(t)) })
	t.Run("clients", func(t *testing.T) { testClients(t, newStore(t)) })
	t.Run("delete client cascades", func(t *testing.T) { testDeleteClientCascades(t, newStore(t)) })
	t.Run("consume code once", func(t *testing.T) { testConsumeOnce(t, newStore(t)) })
	t.Run("consume code concurrently", func(t *testing.T) { testConsumeConcurrent(t, newStore(t)) })
	t.Run("consume expired code", func(t *testing.T) { testConsumeExpired(t, newStore(t)) })
	t.Run("grant replace", func(t *testing.T) { testGrantReplace(t, newStore(t)) })
	t.Run("rotate refresh token", func(t *testing.T) { testRotate(t, newStore(t)) })
	t.Run("rotate concurrently", func(t *testing.T) { testRotateConcurrent(t, newStore(t)) })
	t.Run("delete expired", func(t *testing.T) { testDeleteExpired(t, newStore(t)) })
	t.Run("delete expired grants", func(t *testing.T) { testDeleteExpiredGrants(t, newStore(t)) })
}

func createAccount(t *testing.T, s store.Store, username string) *store.Account {
	t.Helper()
	a := &store.Account{Username: username, Email: username + "@example.com", PasswordHash: "hash", Active: true}
	require.NoError(t, s.CreateAccount(context.Background(), a))
	require.NotZero(t, a.ID)
	return a
}

func createClient(t *testing.T, s store.Store, id string, owner int64) *store.Client {
	t.Helper()
	c := &store.Client{ID: id, SecretHash: "secret-hash", Name: "App " + id, RedirectURIs: []string{"https://app.example/cb"}, OwnerID: owner}
	require.NoError(t, s.CreateClient(context.Background(), c))
	return c
}

func newCode(clientID string, accountID int64, expires time.Time) *store.AuthorizationCode {
	return &store.AuthorizationCode{
		CodeHash:    uuid.NewString(),
		ClientID:    clientID,
		AccountID:   accountID,
		RedirectURI: "https://app.example/cb",
		Scope:       "username email",
		ExpiresAt:   expires,
	}
}

func newGrant(accountID int64, clientID string) (*store.Grant, *store.RefreshToken) {
	return &store.Grant{ID: uuid.NewString(), AccountID: accountID, ClientID: clientID, Scope: "username"},
		&store.RefreshToken{TokenHash: uuid.NewString(), ExpiresAt: time.Now().Add(time.Hour)}
}

func testAccounts(t *testing.T, s store.Store) {
	ctx := context.Background()
	alice := createAccount(t, s, "alice")

	dup := &store.Account{Username: "alice", Email: "other@example.com", PasswordHash: "x", Active: true}
	assert.ErrorIs(t, s.CreateAccount(ctx, dup), store.ErrConflict)
	dupEmail := &store.Account{Username: "alice2", Email: "alice@example.com", PasswordHash: "x", Active: true}
	assert.ErrorIs(t, s.CreateAccount(ctx, dupEmail), store.ErrConflict)

	got, err := s.GetAccountByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, got.ID)
	assert.True(t, got.Active)

	_, err = s.GetAccount(ctx, alice.ID+100)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.UpdateAccountPassword(ctx, alice.ID, "new-hash"))
	got, err = s.GetAccount(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-hash", got.PasswordHash)

	yes := true
	email := "alice@new.example"
	updated, err := s.UpdateAccount(ctx, alice.ID, store.AccountPatch{Email: &email, CreateApplications: &yes})
	require.NoError(t, err)
	assert.Equal(t, email, updated.Email)
	assert.True(t, updated.Permissions.CreateApplications)
	assert.False(t, updated.Permissions.AdminUser)

	bob := createAccount(t, s, "bob")
	_, err = s.UpdateAccount(ctx, bob.ID, store.AccountPatch{Email: &email})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func testClients(t *testing.T, s store.Store) {
	ctx := context.Background()
	owner := createAccount(t, s, "owner")
	c := createClient(t, s, "c1", owner.ID)

	assert.ErrorIs(t, s.CreateClient(ctx, &store.Client{ID: "c1", SecretHash: "h", Name: "dup", OwnerID: owner.ID}), store.ErrConflict)

	got, err := s.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, c.RedirectURIs, got.RedirectURIs)
	assert.Equal(t, owner.ID, got.OwnerID)

	name := "Renamed"
	updated, err := s.UpdateClient(ctx, "c1", store.ClientPatch{Name: &name, RedirectURIs: []string{"https://a/cb", "https://b/cb"}})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, "secret-hash", updated.SecretHash)
	assert.Equal(t, []string{"https://a/cb", "https://b/cb"}, updated.RedirectURIs)

	createClient(t, s, "c2", owner.ID)
	list, err := s.ListClientsByOwner(ctx, owner.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = s.GetClient(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.UpdateClient(ctx, "missing", store.ClientPatch{Name: &name})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDeleteClientCascades(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := createAccount(t, s, "alice")
	createClient(t, s, "c1", a.ID)

	code := newCode("c1", a.ID, time.Now().Add(time.Minute))
	require.NoError(t, s.CreateAuthorizationCode(ctx, code))
	g, rt := newGrant(a.ID, "c1")
	require.NoError(t, s.CreateGrant(ctx, g, rt, true))

	require.NoError(t, s.DeleteClient(ctx, "c1"))

	_, err := s.GetClient(ctx, "c1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetAuthorizationCode(ctx, code.CodeHash)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetGrant(ctx, g.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetRefreshToken(ctx, rt.TokenHash)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, s.DeleteClient(ctx, "c1"), store.ErrNotFound)
}

func testConsumeOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := createAccount(t, s, "alice")
	code := newCode("c1", a.ID, time.Now().Add(time.Minute))
	require.NoError(t, s.CreateAuthorizationCode(ctx, code))

	g, rt := newGrant(a.ID, "c1")
	require.NoError(t, s.ConsumeAuthorizationCode(ctx, code.CodeHash, time.Now(), g, rt))

	got, err := s.GetAuthorizationCode(ctx, code.CodeHash)
	require.NoError(t, err)
	assert.True(t, got.Used)
	assert.Equal(t, g.ID, got.GrantID)
	stored, err := s.GetRefreshToken(ctx, rt.TokenHash)
	require.NoError(t, err)
	assert.Equal(t, g.ID, stored.GrantID)
	assert.False(t, stored.Revoked)

	g2, rt2 := newGrant(a.ID, "c1")
	assert.ErrorIs(t, s.ConsumeAuthorizationCode(ctx, code.CodeHash, time.Now(), g2, rt2), store.ErrCodeUsed)
	_, err = s.GetGrant(ctx, g2.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testConsumeConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := createAccount(t, s, "alice")
	code := newCode("c1", a.ID, time.Now().Add(time.Minute))
	require.NoError(t, s.CreateAuthorizationCode(ctx, code))

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, rt := newGrant(a.ID, "c1")
			results <- s.ConsumeAuthorizationCode(ctx, code.CodeHash, time.Now(), g, rt)
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, store.ErrCodeUsed)
	}
	assert.Equal(t, 1, succeeded)

	grants, err := s.ListGrantsByAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, grants, 1)
}

func testConsumeExpired(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := createAccount(t, s, "alice")
	code := newCode("c1", a.ID, time.Now().Add(-time.Second))
	require.NoError(t, s.CreateAuthorizationCode(ctx, code))

	g, rt := newGrant(a.ID, "c1")
	assert.ErrorIs(t, s.ConsumeAuthorizationCode(ctx, code.CodeHash, time.Now(), g, rt), store.ErrCodeUsed)
}

func testGrantReplace(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := createAccount(t, s, "alice")

	g1, rt1 := newGrant(a.ID, "c1")
	require.NoError(t, s.CreateGrant(ctx, g1, rt1, true))
	stored, err := s.GetRefreshToken(ctx, rt1.TokenHash)
	require.NoError(t, err)
	assert.Equal(t, g1.ID, stored.GrantID)

	g2, rt2 := newGrant(a.ID, "c1")
	require.NoError(t, s.CreateGrant(ctx, g2, rt2, true))

	_, err = s.GetGrant(ctx, g1.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetRefreshToken(ctx, rt1.TokenHash)
	assert.ErrorIs(t, err, store.ErrNotFound)

	g3, rt3 := newGrant(a.ID, "c1")
	require.NoError(t, s.CreateGrant(ctx, g3, rt3, false))
	grants, err := s.ListGrantsByAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, grants, 2)

	n, err := s.DeleteGrantsFor(ctx, a.ID, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ErrorIs(t, s.DeleteGrant(ctx, g3.ID), store.ErrNotFound)
}

func testRotate(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := createAccount(t, s, "alice")
	g, rt := newGrant(a.ID, "c1")
	require.NoError(t, s.CreateGrant(ctx, g, rt, true))

	next := &store.RefreshToken{TokenHash: uuid.NewString(), ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.RotateRefreshToken(ctx, rt.TokenHash, next))
	assert.Equal(t, g.ID, next.GrantID)

	old, err := s.GetRefreshToken(ctx, rt.TokenHash)
	require.NoError(t, err)
	assert.True(t, old.Revoked)
	cur, err := s.GetRefreshToken(ctx, next.TokenHash)
	require.NoError(t, err)
	assert.False(t, cur.Revoked)
	assert.Equal(t, g.ID, cur.GrantID)

	again := &store.RefreshToken{TokenHash: uuid.NewString(), ExpiresAt: time.Now().Add(time.Hour)}
	assert.ErrorIs(t, s.RotateRefreshToken(ctx, rt.TokenHash, again), store.ErrTokenRotated)

	require.NoError(t, s.DeleteGrant(ctx, g.ID))
	_, err = s.GetRefreshToken(ctx, next.TokenHash)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testRotateConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := createAccount(t, s, "alice")
	g, rt := newGrant(a.ID, "c1")
	require.NoError(t, s.CreateGrant(ctx, g, rt, true))

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := &store.RefreshToken{TokenHash: uuid.NewString(), ExpiresAt: time.Now().Add(time.Hour)}
			results <- s.RotateRefreshToken(ctx, rt.TokenHash, next)
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, store.ErrTokenRotated)
	}
	assert.Equal(t, 1, succeeded)
}

func testDeleteExpired(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := createAccount(t, s, "alice")
	expired := newCode("c1", a.ID, time.Now().Add(-time.Minute))
	live := newCode("c1", a.ID, time.Now().Add(time.Minute))
	require.NoError(t, s.CreateAuthorizationCode(ctx, expired))
	require.NoError(t, s.CreateAuthorizationCode(ctx, live))

	n, err := s.DeleteExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetAuthorizationCode(ctx, expired.CodeHash)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetAuthorizationCode(ctx, live.CodeHash)
	assert.NoError(t, err)
}

func testDeleteExpiredGrants(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := createAccount(t, s, "alice")

	kept, keptRT := newGrant(a.ID, "c1")
	require.NoError(t, s.CreateGrant(ctx, kept, keptRT, false))

	rotated, rotatedRT := newGrant(a.ID, "c2")
	require.NoError(t, s.CreateGrant(ctx, rotated, rotatedRT, false))
	next := &store.RefreshToken{TokenHash: uuid.NewString(), ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.RotateRefreshToken(ctx, rotatedRT.TokenHash, next))

	dead, deadRT := newGrant(a.ID, "c3")
	deadRT.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, s.CreateGrant(ctx, dead, deadRT, false))

	grants, err := s.ListGrantsByAccount(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, grants, 3)

	n, err := s.DeleteExpired(ctx, time.Now())
	require.NoError(t, err)
	// the expired token and its grant
	assert.Equal(t, int64(2), n)

	_, err = s.GetGrant(ctx, dead.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetRefreshToken(ctx, deadRT.TokenHash)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetGrant(ctx, kept.ID)
	assert.NoError(t, err)
	_, err = s.GetGrant(ctx, rotated.ID)
	assert.NoError(t, err)
	// the rotated-out token stays so a replay of it is still detected
	old, err := s.GetRefreshToken(ctx, rotatedRT.TokenHash)
	require.NoError(t, err)
	assert.True(t, old.Revoked)

	grants, err = s.ListGrantsByAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, grants, 2)
}
