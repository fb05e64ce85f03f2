// Package identity authenticates requests by session cookie or bearer token. The two verifiers
// are independent; a route composes the ones it accepts with Any.
package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/example/ssoportal/internal/apierr"
	"github.com/example/ssoportal/internal/scope"
	"github.com/example/ssoportal/internal/session"
	"github.com/example/ssoportal/internal/token"
)

// Via names the credential an identity was proven with.
type Via string

const (
	ViaSession Via = "session"
	ViaBearer  Via = "bearer"
)

// ErrUnauthenticated is returned when no verifier found a credential.
var ErrUnauthenticated = apierr.New(apierr.Unauthorized, "authentication credentials were not provided")

// Identity is a proven account. A session proves the same thing as a first-party token.
type Identity struct {
	AccountID int64
	Via       Via
	ClientID  string
	Scope     scope.Set
	SessionID string
	// Claims is set for bearer identities.
	Claims *token.Claims
}

// Verifier inspects a request. It returns (nil, nil) when its credential is absent and an error
// when the credential is present but not valid.
type Verifier interface {
	Verify(r *http.Request) (*Identity, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(r *http.Request) (*Identity, error)

func (f VerifierFunc) Verify(r *http.Request) (*Identity, error) { return f(r) }

// SessionLookup is the session store as seen by the verifier.
type SessionLookup interface {
	Get(ctx context.Context, id string) (*session.Session, error)
}

// Session verifies the session cookie.
func Session(sessions SessionLookup, firstPartyClientID string) Verifier {
	return VerifierFunc(func(r *http.Request) (*Identity, error) {
		id, ok := session.ReadCookie(r)
		if !ok {
			return nil, nil
		}
		s, err := sessions.Get(r.Context(), id)
		if errors.Is(err, session.ErrNotFound) {
			return nil, apierr.New(apierr.Unauthorized, "session expired")
		}
		if err != nil {
			return nil, err
		}
		return &Identity{
			AccountID: s.AccountID,
			Via:       ViaSession,
			ClientID:  firstPartyClientID,
			Scope:     scope.Full,
			SessionID: s.ID,
		}, nil
	})
}

// TokenVerifier checks access tokens without a store lookup.
type TokenVerifier interface {
	Verify(raw string) (*token.Claims, error)
}

// Bearer verifies an access token. With firstPartyClientID set, tokens minted for any other
// client are refused, so third-party grants never reach portal endpoints.
func Bearer(tokens TokenVerifier, firstPartyClientID string) Verifier {
	return VerifierFunc(func(r *http.Request) (*Identity, error) {
		raw, ok := BearerToken(r)
		if !ok {
			return nil, nil
		}
		c, err := tokens.Verify(raw)
		if err != nil {
			return nil, err
		}
		if firstPartyClientID != "" && c.ClientID != firstPartyClientID {
			return nil, apierr.New(apierr.Forbidden, "token was not issued to this portal")
		}
		id, err := c.AccountID()
		if err != nil {
			return nil, apierr.New(apierr.Unauthorized, "invalid token subject")
		}
		granted, err := scope.Parse(c.Scope)
		if err != nil {
			return nil, apierr.New(apierr.Unauthorized, "invalid token scope")
		}
		return &Identity{AccountID: id, Via: ViaBearer, ClientID: c.ClientID, Scope: granted, Claims: c}, nil
	})
}

// Any accepts the first identity any verifier proves. When none does, the first error wins,
// or ErrUnauthenticated when no credential was presented at all.
func Any(verifiers ...Verifier) Verifier {
	return VerifierFunc(func(r *http.Request) (*Identity, error) {
		var firstErr error
		for _, v := range verifiers {
			id, err := v.Verify(r)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if id != nil {
				return id, nil
			}
		}
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, ErrUnauthenticated
	})
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, raw, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

type contextKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(*Identity)
	return id, ok && id != nil
}
