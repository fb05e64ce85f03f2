package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindStatus(t *testing.T) {
	cases := map[Kind]int{
		InvalidRequest:   http.StatusBadRequest,
		InvalidClient:    http.StatusUnauthorized,
		InvalidGrant:     http.StatusBadRequest,
		PermissionDenied: http.StatusForbidden,
		NotFound:         http.StatusNotFound,
		MethodNotAllowed: http.StatusMethodNotAllowed,
		Conflict:         http.StatusConflict,
		ServerError:      http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.Status(), string(kind))
	}
}

func TestKindOfWrapped(t *testing.T) {
	base := New(InvalidGrant, "authorization code expired")
	wrapped := fmt.Errorf("exchange: %w", base)

	assert.Equal(t, InvalidGrant, KindOf(wrapped))
	assert.True(t, Is(wrapped, InvalidGrant))
	assert.Equal(t, "authorization code expired", Description(wrapped))
}

func TestUnclassifiedErrorsAreServerErrors(t *testing.T) {
	err := errors.New("connection refused to 10.0.0.3")

	assert.Equal(t, ServerError, KindOf(err))
	assert.Equal(t, "internal server error", Description(err))
	assert.False(t, Is(nil, ServerError))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(ServerError, "failed to persist grant", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
}
