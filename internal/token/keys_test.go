package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func claimsAt(now time.Time) *Claims {
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "sso-test",
			Subject:   "42",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(15 * time.Minute)),
		},
		ClientID: "c1",
		Scope:    "username",
	}
}

func TestKeySetRoundTrip(t *testing.T) {
	clk := &clock{t: time.Now()}
	ks, err := NewKeySet("sso-test", Key{ID: "k1", Secret: []byte("secret-one")}, nil, 0, clk.now)
	require.NoError(t, err)

	raw, err := ks.Sign(claimsAt(clk.t))
	require.NoError(t, err)

	c, err := ks.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "42", c.Subject)
	assert.Equal(t, "c1", c.ClientID)
	id, err := c.AccountID()
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestKeySetRotationOverlap(t *testing.T) {
	clk := &clock{t: time.Now()}
	old, err := NewKeySet("sso-test", Key{ID: "k1", Secret: []byte("secret-one")}, nil, 0, clk.now)
	require.NoError(t, err)
	issuedBefore, err := old.Sign(claimsAt(clk.t))
	require.NoError(t, err)

	rotated, err := NewKeySet("sso-test",
		Key{ID: "k2", Secret: []byte("secret-two")},
		&Key{ID: "k1", Secret: []byte("secret-one")},
		5*time.Minute, clk.now)
	require.NoError(t, err)

	_, err = rotated.Parse(issuedBefore)
	assert.NoError(t, err, "tokens signed just before rotation verify during the overlap")

	clk.t = clk.t.Add(6 * time.Minute)
	_, err = rotated.Parse(issuedBefore)
	assert.Error(t, err, "previous key retires after the overlap")

	fresh, err := rotated.Sign(claimsAt(clk.t))
	require.NoError(t, err)
	_, err = rotated.Parse(fresh)
	assert.NoError(t, err)
	_, err = old.Parse(fresh)
	assert.Error(t, err, "unknown kid")
}

func TestKeySetRejects(t *testing.T) {
	clk := &clock{t: time.Now()}
	ks, err := NewKeySet("sso-test", Key{ID: "k1", Secret: []byte("secret-one")}, nil, 0, clk.now)
	require.NoError(t, err)

	other, err := NewKeySet("someone-else", Key{ID: "k1", Secret: []byte("secret-one")}, nil, 0, clk.now)
	require.NoError(t, err)
	foreign := claimsAt(clk.t)
	foreign.Issuer = "someone-else"
	raw, err := other.Sign(foreign)
	require.NoError(t, err)
	_, err = ks.Parse(raw)
	assert.Error(t, err, "wrong issuer")

	forged, err := NewKeySet("sso-test", Key{ID: "k1", Secret: []byte("not-the-secret")}, nil, 0, clk.now)
	require.NoError(t, err)
	raw, err = forged.Sign(claimsAt(clk.t))
	require.NoError(t, err)
	_, err = ks.Parse(raw)
	assert.Error(t, err, "bad signature")

	noExp := claimsAt(clk.t)
	noExp.ExpiresAt = nil
	raw, err = ks.Sign(noExp)
	require.NoError(t, err)
	_, err = ks.Parse(raw)
	assert.Error(t, err, "expiry is required")

	badSub := claimsAt(clk.t)
	badSub.Subject = "alice"
	raw, err = ks.Sign(badSub)
	require.NoError(t, err)
	_, err = ks.Parse(raw)
	assert.Error(t, err, "subject must be an account id")
}

func TestNewKeySetValidation(t *testing.T) {
	_, err := NewKeySet("i", Key{}, nil, 0, nil)
	assert.Error(t, err)
	_, err = NewKeySet("i", Key{ID: "k1", Secret: []byte("a")}, &Key{ID: "k1", Secret: []byte("b")}, time.Minute, nil)
	assert.Error(t, err)
}
