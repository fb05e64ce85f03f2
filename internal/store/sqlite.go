package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// sqliteSchema mirrors migrations/000001_init.up.sql for the embedded adapter.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL UNIQUE COLLATE NOCASE,
		password_hash TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		admin_user INTEGER NOT NULL DEFAULT 0,
		create_applications INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS oauth_clients (
		client_id TEXT PRIMARY KEY,
		secret_hash TEXT NOT NULL,
		name TEXT NOT NULL,
		redirect_uris TEXT NOT NULL,
		owner_id INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS oauth_clients_owner_idx ON oauth_clients(owner_id);`,
	`CREATE TABLE IF NOT EXISTS oauth_authorization_codes (
		code_hash TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		account_id INTEGER NOT NULL,
		redirect_uri TEXT NOT NULL,
		scope TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		used INTEGER NOT NULL DEFAULT 0,
		grant_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS oauth_codes_client_idx ON oauth_authorization_codes(client_id);`,
	`CREATE TABLE IF NOT EXISTS oauth_grants (
		id TEXT PRIMARY KEY,
		account_id INTEGER NOT NULL,
		client_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS oauth_grants_account_client_idx ON oauth_grants(account_id, client_id);`,
	`CREATE INDEX IF NOT EXISTS oauth_grants_client_idx ON oauth_grants(client_id);`,
	`CREATE TABLE IF NOT EXISTS oauth_refresh_tokens (
		token_hash TEXT PRIMARY KEY,
		grant_id TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		revoked INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS oauth_refresh_tokens_grant_idx ON oauth_refresh_tokens(grant_id);`,
}

// NewSQLiteStore opens (and creates) the SQLite database at path.
// A single connection serializes writers, which also keeps ":memory:" databases shared.
func NewSQLiteStore(path string) (*SQLStore, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	d, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(1)
	s := newSQLStore(d, dialect{name: "sqlite", isUniqueViolation: sqliteUniqueViolation})
	if err := s.initSQLite(); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initSQLite() error {
	for _, q := range sqliteSchema {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return nil
}

func sqliteUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
