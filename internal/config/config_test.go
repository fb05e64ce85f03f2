package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, vars map[string]string) (*Config, error) {
	t.Helper()
	return Parse(env.Options{Environment: vars})
}

func TestDefaults(t *testing.T) {
	c, err := parse(t, map[string]string{"DB_ADAPTER": "memory"})
	require.NoError(t, err)

	assert.Equal(t, "8080", c.Port)
	assert.Equal(t, 15*time.Minute, c.AccessTokenTTL)
	assert.Equal(t, 90*time.Second, c.AuthorizationCodeTTL)
	assert.Equal(t, c.AccessTokenTTL, c.KeyOverlap)
	assert.Equal(t, "sso-portal", c.FirstPartyClientID)
	assert.Equal(t, "memory", c.SessionBackend)
	assert.True(t, c.CookieSecure)
}

func TestPostgresDSNFromComponents(t *testing.T) {
	c, err := parse(t, map[string]string{
		"POSTGRES_HOST":     "db",
		"POSTGRES_USER":     "sso",
		"POSTGRES_PASSWORD": "pw",
		"POSTGRES_DB":       "portal",
	})
	require.NoError(t, err)
	assert.Equal(t, "host=db port=5432 user=sso dbname=portal sslmode=disable password=pw", c.PostgresDSN)
}

func TestExplicitDSNWins(t *testing.T) {
	c, err := parse(t, map[string]string{"POSTGRES_DSN": "postgres://x@y/z"})
	require.NoError(t, err)
	assert.Equal(t, "postgres://x@y/z", c.PostgresDSN)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
		want string
	}{
		{"bad adapter", map[string]string{"DB_ADAPTER": "mysql"}, "unsupported DB_ADAPTER"},
		{"bad session backend", map[string]string{"DB_ADAPTER": "memory", "SESSION_BACKEND": "file"}, "unsupported SESSION_BACKEND"},
		{"default secret in production", map[string]string{"DB_ADAPTER": "memory", "ENV": "production"}, "JWT_SECRET must be set"},
		{"code ttl too long", map[string]string{"DB_ADAPTER": "memory", "AUTHORIZATION_CODE_TTL": "10m"}, "AUTHORIZATION_CODE_TTL"},
		{"access ttl too long", map[string]string{"DB_ADAPTER": "memory", "ACCESS_TOKEN_TTL": "2h"}, "ACCESS_TOKEN_TTL"},
		{"same key ids", map[string]string{"DB_ADAPTER": "memory", "JWT_PREVIOUS_SECRET": "old-secret", "JWT_PREVIOUS_KEY_ID": "k1"}, "JWT_PREVIOUS_KEY_ID"},
		{"relative login url", map[string]string{"DB_ADAPTER": "memory", "LOGIN_URL": "https://evil.example/"}, "LOGIN_URL"},
		{"bad port", map[string]string{"DB_ADAPTER": "memory", "PORT": "http"}, "invalid PORT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, tt.vars)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCORSOriginsSplit(t *testing.T) {
	c, err := parse(t, map[string]string{"DB_ADAPTER": "memory", "CORS_ALLOWED_ORIGINS": "https://a.example,https://b.example"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, c.CORSAllowedOrigins)
}
