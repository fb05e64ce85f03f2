// Package authorize validates authorization requests and issues authorization codes once the
// user consents.
//
// Errors found before the redirect URI is verified are plain *apierr.Error values and must be
// shown to the user. Errors found after are *RedirectError values carrying the verified
// location to report them to.
package authorize

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/example/ssoportal/internal/apierr"
	"github.com/example/ssoportal/internal/registry"
	"github.com/example/ssoportal/internal/scope"
	"github.com/example/ssoportal/internal/secrets"
	"github.com/example/ssoportal/internal/store"
)

const codeBytes = 32

// Request holds the raw query parameters of an authorization request.
type Request struct {
	ClientID     string
	RedirectURI  string
	ResponseType string
	Scope        string
	State        string
}

// RequestFromQuery reads a Request from URL or form values.
func RequestFromQuery(v url.Values) Request {
	return Request{
		ClientID:     v.Get("client_id"),
		RedirectURI:  v.Get("redirect_uri"),
		ResponseType: v.Get("response_type"),
		Scope:        v.Get("scope"),
		State:        v.Get("state"),
	}
}

// Validated is a request whose client and redirect URI are verified. It is what the consent
// page shows and what Approve and Deny act on.
type Validated struct {
	Client      *store.Client
	RedirectURI string
	Scope       scope.Set
	State       string
}

// RedirectError is a protocol error to report to the client through its verified redirect URI.
type RedirectError struct {
	RedirectURI string
	State       string
	Err         *apierr.Error
}

func (e *RedirectError) Error() string { return e.Err.Error() }
func (e *RedirectError) Unwrap() error { return e.Err }

// Location is the redirect target carrying error, error_description and state.
func (e *RedirectError) Location() string {
	params := url.Values{}
	params.Set("error", string(e.Err.Kind))
	if e.Err.Description != "" {
		params.Set("error_description", e.Err.Description)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	return withQuery(e.RedirectURI, params)
}

type Engine struct {
	store   store.Store
	clients *registry.Registry
	codeTTL time.Duration
	log     *zap.SugaredLogger
	now     func() time.Time
}

func NewEngine(s store.Store, clients *registry.Registry, codeTTL time.Duration, log *zap.SugaredLogger) *Engine {
	return &Engine{store: s, clients: clients, codeTTL: codeTTL, log: log, now: time.Now}
}

// Validate checks a request in order: client, redirect URI, response type, scope.
func (e *Engine) Validate(ctx context.Context, req Request) (*Validated, error) {
	if req.ClientID == "" {
		return nil, apierr.New(apierr.InvalidRequest, "client_id is required")
	}
	client, err := e.clients.Lookup(ctx, req.ClientID)
	if err != nil {
		if apierr.Is(err, apierr.NotFound) {
			return nil, apierr.New(apierr.InvalidClient, "unknown client")
		}
		return nil, err
	}
	if req.RedirectURI == "" {
		return nil, apierr.New(apierr.InvalidRequest, "redirect_uri is required")
	}
	if !registry.AllowsRedirect(client, req.RedirectURI) {
		return nil, apierr.New(apierr.InvalidRequest, "redirect_uri is not registered for this client")
	}

	// redirect_uri is verified from here on
	fail := func(err *apierr.Error) error {
		return &RedirectError{RedirectURI: req.RedirectURI, State: req.State, Err: err}
	}
	switch req.ResponseType {
	case "code":
	case "":
		return nil, fail(apierr.New(apierr.InvalidRequest, "response_type is required"))
	default:
		return nil, fail(apierr.Newf(apierr.UnsupportedResponseType, "response_type %q is not supported", req.ResponseType))
	}
	requested, err := scope.Parse(req.Scope)
	if err != nil {
		var ae *apierr.Error
		if errors.As(err, &ae) {
			return nil, fail(ae)
		}
		return nil, err
	}
	return &Validated{Client: client, RedirectURI: req.RedirectURI, Scope: requested, State: req.State}, nil
}

// Approve issues a code bound to the client, account, redirect URI and scope, and returns the
// redirect location carrying it.
func (e *Engine) Approve(ctx context.Context, v *Validated, account *store.Account) (string, error) {
	if account == nil || !account.Active {
		return "", &RedirectError{RedirectURI: v.RedirectURI, State: v.State,
			Err: apierr.New(apierr.AccessDenied, "account is not active")}
	}
	raw, err := secrets.Token(codeBytes)
	if err != nil {
		return "", fmt.Errorf("generate authorization code: %w", err)
	}
	code := &store.AuthorizationCode{
		CodeHash:    secrets.Digest(raw),
		ClientID:    v.Client.ID,
		AccountID:   account.ID,
		RedirectURI: v.RedirectURI,
		Scope:       v.Scope.String(),
		ExpiresAt:   e.now().Add(e.codeTTL),
	}
	if err := e.store.CreateAuthorizationCode(ctx, code); err != nil {
		return "", fmt.Errorf("store authorization code: %w", err)
	}
	e.log.Infow("authorization code issued", "client_id", v.Client.ID, "account_id", account.ID, "scope", code.Scope)

	params := url.Values{}
	params.Set("code", raw)
	if v.State != "" {
		params.Set("state", v.State)
	}
	return withQuery(v.RedirectURI, params), nil
}

// Deny returns the access_denied redirect location.
func (e *Engine) Deny(v *Validated) string {
	e.log.Infow("authorization denied", "client_id", v.Client.ID)
	return (&RedirectError{RedirectURI: v.RedirectURI, State: v.State,
		Err: apierr.New(apierr.AccessDenied, "the user denied the request")}).Location()
}

// withQuery adds params to a verified redirect URI, keeping its own query parameters.
func withQuery(raw string, params url.Values) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
