package accounts

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/ssoportal/internal/apierr"
	"github.com/example/ssoportal/internal/secrets"
	"github.com/example/ssoportal/internal/store"
)

func TestMain(m *testing.M) {
	secrets.Cost = bcrypt.MinCost
	os.Exit(m.Run())
}

func newService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewService(st, zap.NewNop().Sugar()), st
}

func register(t *testing.T, s *Service, username, email string) *store.Account {
	t.Helper()
	a, err := s.Register(context.Background(), Registration{Username: username, Email: email, Password: "correct horse"})
	require.NoError(t, err)
	return a
}

func TestRegisterAndAuthenticate(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	a := register(t, s, "alice", "alice@example.com")
	assert.True(t, a.Active)
	assert.Equal(t, store.Permissions{}, a.Permissions)
	assert.NotEqual(t, "correct horse", a.PasswordHash)

	got, err := s.Authenticate(ctx, "alice", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = s.Authenticate(ctx, "alice", "wrong password")
	assert.True(t, apierr.Is(err, apierr.Unauthorized))
	_, err = s.Authenticate(ctx, "nobody", "correct horse")
	assert.True(t, apierr.Is(err, apierr.Unauthorized))
	assert.Equal(t, apierr.Description(err), "invalid username or password")
}

func TestRegisterValidation(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	tests := []struct {
		name string
		in   Registration
	}{
		{"empty username", Registration{Email: "a@example.com", Password: "long enough"}},
		{"bad username", Registration{Username: "al ice", Email: "a@example.com", Password: "long enough"}},
		{"bad email", Registration{Username: "alice", Email: "not-an-email", Password: "long enough"}},
		{"display name email", Registration{Username: "alice", Email: "Alice <a@example.com>", Password: "long enough"}},
		{"short password", Registration{Username: "alice", Email: "a@example.com", Password: "short"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Register(ctx, tt.in)
			assert.True(t, apierr.Is(err, apierr.InvalidRequest), "got %v", err)
		})
	}
}

func TestRegisterDuplicate(t *testing.T) {
	s, _ := newService(t)
	register(t, s, "alice", "alice@example.com")

	_, err := s.Register(context.Background(), Registration{Username: "alice", Email: "other@example.com", Password: "correct horse"})
	assert.True(t, apierr.Is(err, apierr.Conflict))
	_, err = s.Register(context.Background(), Registration{Username: "alice2", Email: "ALICE@example.com", Password: "correct horse"})
	assert.True(t, apierr.Is(err, apierr.Conflict))
}

func TestInactiveAccountCannotAuthenticate(t *testing.T) {
	s, st := newService(t)
	ctx := context.Background()
	a := register(t, s, "alice", "alice@example.com")

	inactive := false
	_, err := st.UpdateAccount(ctx, a.ID, store.AccountPatch{Active: &inactive})
	require.NoError(t, err)

	_, err = s.Authenticate(ctx, "alice", "correct horse")
	assert.True(t, apierr.Is(err, apierr.Unauthorized))
}

func TestChangePassword(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	a := register(t, s, "alice", "alice@example.com")

	err := s.ChangePassword(ctx, a.ID, "wrong", "new password!")
	assert.True(t, apierr.Is(err, apierr.InvalidRequest))

	require.NoError(t, s.ChangePassword(ctx, a.ID, "correct horse", "new password!"))
	_, err = s.Authenticate(ctx, "alice", "correct horse")
	assert.Error(t, err)
	_, err = s.Authenticate(ctx, "alice", "new password!")
	assert.NoError(t, err)
}

func TestChangeEmail(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	a := register(t, s, "alice", "alice@example.com")
	register(t, s, "bob", "bob@example.com")

	_, err := s.ChangeEmail(ctx, a.ID, "bob@example.com")
	assert.True(t, apierr.Is(err, apierr.Conflict))

	updated, err := s.ChangeEmail(ctx, a.ID, "alice@new.example")
	require.NoError(t, err)
	assert.Equal(t, "alice@new.example", updated.Email)
}

func TestUpdateRequiresAdmin(t *testing.T) {
	s, st := newService(t)
	ctx := context.Background()
	admin := register(t, s, "root", "root@example.com")
	alice := register(t, s, "alice", "alice@example.com")

	yes := true
	patch := store.AccountPatch{CreateApplications: &yes}

	_, err := s.Update(ctx, alice, alice.ID, patch)
	assert.True(t, apierr.Is(err, apierr.PermissionDenied))

	admin, err = st.UpdateAccount(ctx, admin.ID, store.AccountPatch{AdminUser: &yes})
	require.NoError(t, err)

	updated, err := s.Update(ctx, admin, alice.ID, patch)
	require.NoError(t, err)
	assert.True(t, updated.Permissions.CreateApplications)
	assert.False(t, updated.Permissions.AdminUser)

	_, err = s.Update(ctx, admin, 999, patch)
	assert.True(t, apierr.Is(err, apierr.NotFound))
}
