package store

import "time"

// Permissions is the fixed permission snapshot of an account.
type Permissions struct {
	AdminUser          bool
	CreateApplications bool
}

// Account represents a portal user
type Account struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	Active       bool
	Permissions  Permissions
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Client represents a registered OAuth client application
type Client struct {
	ID           string
	SecretHash   string
	Name         string
	RedirectURIs []string
	OwnerID      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AuthorizationCode is stored by digest; the raw code only exists in the redirect.
type AuthorizationCode struct {
	CodeHash    string
	ClientID    string
	AccountID   int64
	RedirectURI string
	Scope       string
	ExpiresAt   time.Time
	Used        bool
	// GrantID is set when the code is consumed.
	GrantID   string
	CreatedAt time.Time
}

// Grant binds an account, a client and the consented scope to live refresh tokens.
type Grant struct {
	ID        string
	AccountID int64
	ClientID  string
	Scope     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RefreshToken is stored by digest. Rotated tokens stay behind with Revoked set so that a
// replay can be told apart from an unknown value.
type RefreshToken struct {
	TokenHash string
	GrantID   string
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// AccountPatch carries a privileged edit; nil fields are left untouched.
type AccountPatch struct {
	Email              *string
	Active             *bool
	AdminUser          *bool
	CreateApplications *bool
}

// ClientPatch carries an owner edit; nil fields are left untouched.
type ClientPatch struct {
	Name         *string
	RedirectURIs []string
	SecretHash   *string
}
