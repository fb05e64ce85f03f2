package token

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Key is an HS256 signing secret with the id written to the kid header.
type Key struct {
	ID     string
	Secret []byte
}

// KeySet signs with the current key and verifies with the current key or, until the overlap
// window closes, the previous one. It is built once at startup and never mutated.
type KeySet struct {
	issuer        string
	current       Key
	previous      *Key
	previousUntil time.Time
	now           func() time.Time
}

// NewKeySet builds the signing configuration. previous may be nil.
func NewKeySet(issuer string, current Key, previous *Key, overlap time.Duration, now func() time.Time) (*KeySet, error) {
	if now == nil {
		now = time.Now
	}
	if current.ID == "" || len(current.Secret) == 0 {
		return nil, errors.New("current signing key is required")
	}
	ks := &KeySet{issuer: issuer, current: current, now: now}
	if previous != nil && len(previous.Secret) > 0 {
		if previous.ID == current.ID {
			return nil, fmt.Errorf("previous key id %q collides with current key", previous.ID)
		}
		p := *previous
		ks.previous = &p
		ks.previousUntil = now().Add(overlap)
	}
	return ks, nil
}

// Claims is the payload of an access token.
type Claims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
	GrantID  string `json:"gid,omitempty"`
}

// AccountID parses the subject.
func (c *Claims) AccountID() (int64, error) {
	return strconv.ParseInt(c.Subject, 10, 64)
}

// Sign returns the compact JWS of claims, signed with the current key.
func (ks *KeySet) Sign(c *Claims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	t.Header["kid"] = ks.current.ID
	return t.SignedString(ks.current.Secret)
}

// Parse verifies signature, issuer and expiry. No store is consulted.
func (ks *KeySet) Parse(raw string) (*Claims, error) {
	c := &Claims{}
	_, err := jwt.ParseWithClaims(raw, c, ks.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(ks.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(ks.now),
	)
	if err != nil {
		return nil, err
	}
	if _, err := c.AccountID(); err != nil {
		return nil, fmt.Errorf("invalid subject: %w", err)
	}
	return c, nil
}

func (ks *KeySet) keyFunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	switch {
	case kid == ks.current.ID:
		return ks.current.Secret, nil
	case ks.previous != nil && kid == ks.previous.ID:
		if !ks.now().Before(ks.previousUntil) {
			return nil, fmt.Errorf("key %q retired", kid)
		}
		return ks.previous.Secret, nil
	default:
		return nil, fmt.Errorf("unknown key %q", kid)
	}
}
