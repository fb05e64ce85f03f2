package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// dialect captures what differs between the SQLite and Postgres adapters.
type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered          bool
	isUniqueViolation func(error) bool
}

// SQLStore implements Store over database/sql. Timestamps are stored as unix seconds.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	clock   func() time.Time
}

func newSQLStore(db *sql.DB, d dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d, clock: time.Now}
}

// DB exposes the underlying handle for migrations and tests.
func (s *SQLStore) DB() *sql.DB { return s.db }

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q rewrites ? placeholders for dialects that number them.
func (s *SQLStore) q(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) now() time.Time { return s.clock().UTC().Truncate(time.Second) }

func (s *SQLStore) mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if s.dialect.isUniqueViolation != nil && s.dialect.isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", s.mapErr(err))
	}
	return nil
}

func unix(t time.Time) int64 { return t.UTC().Unix() }

func fromUnix(v int64) time.Time { return time.Unix(v, 0).UTC() }

// Accounts

const accountColumns = `id, username, email, password_hash, active, admin_user, create_applications, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var a Account
	var created, updated int64
	if err := row.Scan(&a.ID, &a.Username, &a.Email, &a.PasswordHash, &a.Active,
		&a.Permissions.AdminUser, &a.Permissions.CreateApplications, &created, &updated); err != nil {
		return nil, err
	}
	a.CreatedAt, a.UpdatedAt = fromUnix(created), fromUnix(updated)
	return &a, nil
}

func (s *SQLStore) CreateAccount(ctx context.Context, a *Account) error {
	now := s.now()
	err := s.db.QueryRowContext(ctx, s.q(`INSERT INTO accounts(username,email,password_hash,active,admin_user,create_applications,created_at,updated_at)
		VALUES(?,?,?,?,?,?,?,?) RETURNING id`),
		a.Username, a.Email, a.PasswordHash, a.Active, a.Permissions.AdminUser, a.Permissions.CreateApplications,
		unix(now), unix(now)).Scan(&a.ID)
	if err != nil {
		return s.mapErr(err)
	}
	a.CreatedAt, a.UpdatedAt = now, now
	return nil
}

func (s *SQLStore) GetAccount(ctx context.Context, id int64) (*Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, s.q(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`), id))
	return a, s.mapErr(err)
}

func (s *SQLStore) GetAccountByUsername(ctx context.Context, username string) (*Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, s.q(`SELECT `+accountColumns+` FROM accounts WHERE username = ?`), username))
	return a, s.mapErr(err)
}

func (s *SQLStore) UpdateAccountPassword(ctx context.Context, id int64, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE accounts SET password_hash = ?, updated_at = ? WHERE id = ?`),
		passwordHash, unix(s.now()), id)
	if err != nil {
		return s.mapErr(err)
	}
	return requireRow(res)
}

func (s *SQLStore) UpdateAccount(ctx context.Context, id int64, patch AccountPatch) (*Account, error) {
	var out *Account
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		a, err := scanAccount(tx.QueryRowContext(ctx, s.q(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`), id))
		if err != nil {
			return s.mapErr(err)
		}
		if patch.Email != nil {
			a.Email = *patch.Email
		}
		if patch.Active != nil {
			a.Active = *patch.Active
		}
		if patch.AdminUser != nil {
			a.Permissions.AdminUser = *patch.AdminUser
		}
		if patch.CreateApplications != nil {
			a.Permissions.CreateApplications = *patch.CreateApplications
		}
		a.UpdatedAt = s.now()
		_, err = tx.ExecContext(ctx, s.q(`UPDATE accounts SET email = ?, active = ?, admin_user = ?, create_applications = ?, updated_at = ? WHERE id = ?`),
			a.Email, a.Active, a.Permissions.AdminUser, a.Permissions.CreateApplications, unix(a.UpdatedAt), id)
		if err != nil {
			return s.mapErr(err)
		}
		out = a
		return nil
	})
	return out, err
}

// Clients

const clientColumns = `client_id, secret_hash, name, redirect_uris, owner_id, created_at, updated_at`

// Redirect URIs are stored space separated; registration rejects URIs containing whitespace.
func scanClient(row interface{ Scan(...any) error }) (*Client, error) {
	var c Client
	var uris string
	var created, updated int64
	if err := row.Scan(&c.ID, &c.SecretHash, &c.Name, &uris, &c.OwnerID, &created, &updated); err != nil {
		return nil, err
	}
	c.RedirectURIs = strings.Fields(uris)
	c.CreatedAt, c.UpdatedAt = fromUnix(created), fromUnix(updated)
	return &c, nil
}

func (s *SQLStore) CreateClient(ctx context.Context, c *Client) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO oauth_clients(`+clientColumns+`) VALUES(?,?,?,?,?,?,?)`),
		c.ID, c.SecretHash, c.Name, strings.Join(c.RedirectURIs, " "), c.OwnerID, unix(now), unix(now))
	if err != nil {
		return s.mapErr(err)
	}
	c.CreatedAt, c.UpdatedAt = now, now
	return nil
}

func (s *SQLStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	c, err := scanClient(s.db.QueryRowContext(ctx, s.q(`SELECT `+clientColumns+` FROM oauth_clients WHERE client_id = ?`), clientID))
	return c, s.mapErr(err)
}

func (s *SQLStore) ListClientsByOwner(ctx context.Context, ownerID int64) ([]*Client, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+clientColumns+` FROM oauth_clients WHERE owner_id = ? ORDER BY created_at, client_id`), ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateClient(ctx context.Context, clientID string, patch ClientPatch) (*Client, error) {
	var out *Client
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		c, err := scanClient(tx.QueryRowContext(ctx, s.q(`SELECT `+clientColumns+` FROM oauth_clients WHERE client_id = ?`), clientID))
		if err != nil {
			return s.mapErr(err)
		}
		if patch.Name != nil {
			c.Name = *patch.Name
		}
		if patch.RedirectURIs != nil {
			c.RedirectURIs = patch.RedirectURIs
		}
		if patch.SecretHash != nil {
			c.SecretHash = *patch.SecretHash
		}
		c.UpdatedAt = s.now()
		_, err = tx.ExecContext(ctx, s.q(`UPDATE oauth_clients SET secret_hash = ?, name = ?, redirect_uris = ?, updated_at = ? WHERE client_id = ?`),
			c.SecretHash, c.Name, strings.Join(c.RedirectURIs, " "), unix(c.UpdatedAt), clientID)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

func (s *SQLStore) DeleteClient(ctx context.Context, clientID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM oauth_clients WHERE client_id = ?`), clientID)
		if err != nil {
			return err
		}
		if err := requireRow(res); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM oauth_authorization_codes WHERE client_id = ?`), clientID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM oauth_refresh_tokens WHERE grant_id IN (SELECT id FROM oauth_grants WHERE client_id = ?)`), clientID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(`DELETE FROM oauth_grants WHERE client_id = ?`), clientID)
		return err
	})
}

// Authorization codes

func (s *SQLStore) CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO oauth_authorization_codes(code_hash,client_id,account_id,redirect_uri,scope,expires_at,used,grant_id,created_at)
		VALUES(?,?,?,?,?,?,FALSE,'',?)`),
		code.CodeHash, code.ClientID, code.AccountID, code.RedirectURI, code.Scope, unix(code.ExpiresAt), unix(now))
	if err != nil {
		return s.mapErr(err)
	}
	code.CreatedAt = now
	return nil
}

func (s *SQLStore) GetAuthorizationCode(ctx context.Context, codeHash string) (*AuthorizationCode, error) {
	var c AuthorizationCode
	var expires, created int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT code_hash,client_id,account_id,redirect_uri,scope,expires_at,used,grant_id,created_at
		FROM oauth_authorization_codes WHERE code_hash = ?`), codeHash).
		Scan(&c.CodeHash, &c.ClientID, &c.AccountID, &c.RedirectURI, &c.Scope, &expires, &c.Used, &c.GrantID, &created)
	if err != nil {
		return nil, s.mapErr(err)
	}
	c.ExpiresAt, c.CreatedAt = fromUnix(expires), fromUnix(created)
	return &c, nil
}

func (s *SQLStore) ConsumeAuthorizationCode(ctx context.Context, codeHash string, now time.Time, g *Grant, rt *RefreshToken) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`UPDATE oauth_authorization_codes SET used = TRUE, grant_id = ?
			WHERE code_hash = ? AND used = FALSE AND expires_at > ?`), g.ID, codeHash, unix(now))
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows != 1 {
			return ErrCodeUsed
		}
		return s.insertGrant(ctx, tx, g, rt, true)
	})
}

// Grants and refresh tokens

func (s *SQLStore) CreateGrant(ctx context.Context, g *Grant, rt *RefreshToken, replace bool) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.insertGrant(ctx, tx, g, rt, replace)
	})
}

func (s *SQLStore) insertGrant(ctx context.Context, tx queryer, g *Grant, rt *RefreshToken, replace bool) error {
	if replace {
		if _, err := s.deleteGrantsFor(ctx, tx, g.AccountID, g.ClientID); err != nil {
			return err
		}
	}
	now := s.now()
	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO oauth_grants(id,account_id,client_id,scope,created_at,updated_at) VALUES(?,?,?,?,?,?)`),
		g.ID, g.AccountID, g.ClientID, g.Scope, unix(now), unix(now)); err != nil {
		return s.mapErr(err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO oauth_refresh_tokens(token_hash,grant_id,expires_at,revoked,created_at) VALUES(?,?,?,FALSE,?)`),
		rt.TokenHash, g.ID, unix(rt.ExpiresAt), unix(now)); err != nil {
		return s.mapErr(err)
	}
	g.CreatedAt, g.UpdatedAt = now, now
	rt.GrantID, rt.CreatedAt = g.ID, now
	return nil
}

func (s *SQLStore) deleteGrantsFor(ctx context.Context, tx queryer, accountID int64, clientID string) (int, error) {
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM oauth_refresh_tokens WHERE grant_id IN
		(SELECT id FROM oauth_grants WHERE account_id = ? AND client_id = ?)`), accountID, clientID); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM oauth_grants WHERE account_id = ? AND client_id = ?`), accountID, clientID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanGrant(row interface{ Scan(...any) error }) (*Grant, error) {
	var g Grant
	var created, updated int64
	if err := row.Scan(&g.ID, &g.AccountID, &g.ClientID, &g.Scope, &created, &updated); err != nil {
		return nil, err
	}
	g.CreatedAt, g.UpdatedAt = fromUnix(created), fromUnix(updated)
	return &g, nil
}

func (s *SQLStore) GetGrant(ctx context.Context, id string) (*Grant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx, s.q(`SELECT id,account_id,client_id,scope,created_at,updated_at FROM oauth_grants WHERE id = ?`), id))
	return g, s.mapErr(err)
}

func (s *SQLStore) ListGrantsByAccount(ctx context.Context, accountID int64) ([]*Grant, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id,account_id,client_id,scope,created_at,updated_at FROM oauth_grants WHERE account_id = ? ORDER BY created_at, id`), accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteGrant(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM oauth_refresh_tokens WHERE grant_id = ?`), id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM oauth_grants WHERE id = ?`), id)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

func (s *SQLStore) DeleteGrantsFor(ctx context.Context, accountID int64, clientID string) (int, error) {
	var n int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = s.deleteGrantsFor(ctx, tx, accountID, clientID)
		return err
	})
	return n, err
}

func (s *SQLStore) GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	var t RefreshToken
	var expires, created int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT token_hash,grant_id,expires_at,revoked,created_at FROM oauth_refresh_tokens WHERE token_hash = ?`), tokenHash).
		Scan(&t.TokenHash, &t.GrantID, &expires, &t.Revoked, &created)
	if err != nil {
		return nil, s.mapErr(err)
	}
	t.ExpiresAt, t.CreatedAt = fromUnix(expires), fromUnix(created)
	return &t, nil
}

func (s *SQLStore) RotateRefreshToken(ctx context.Context, oldHash string, next *RefreshToken) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var grantID string
		err := tx.QueryRowContext(ctx, s.q(`UPDATE oauth_refresh_tokens SET revoked = TRUE
			WHERE token_hash = ? AND revoked = FALSE RETURNING grant_id`), oldHash).Scan(&grantID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTokenRotated
		}
		if err != nil {
			return err
		}
		now := s.now()
		res, err := tx.ExecContext(ctx, s.q(`UPDATE oauth_grants SET updated_at = ? WHERE id = ?`), unix(now), grantID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrTokenRotated
		}
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO oauth_refresh_tokens(token_hash,grant_id,expires_at,revoked,created_at) VALUES(?,?,?,FALSE,?)`),
			next.TokenHash, grantID, unix(next.ExpiresAt), unix(now)); err != nil {
			return s.mapErr(err)
		}
		next.GrantID, next.CreatedAt = grantID, now
		return nil
	})
}

func (s *SQLStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, step := range []struct {
			query  string
			args   []any
			counts bool
		}{
			{`DELETE FROM oauth_authorization_codes WHERE expires_at <= ?`, []any{unix(now)}, true},
			{`DELETE FROM oauth_refresh_tokens WHERE expires_at <= ?`, []any{unix(now)}, true},
			// grants whose every refresh token is spent can never mint again
			{`DELETE FROM oauth_refresh_tokens WHERE grant_id IN (SELECT g.id FROM oauth_grants g WHERE NOT EXISTS
				(SELECT 1 FROM oauth_refresh_tokens t WHERE t.grant_id = g.id AND t.revoked = FALSE))`, nil, false},
			{`DELETE FROM oauth_grants WHERE NOT EXISTS
				(SELECT 1 FROM oauth_refresh_tokens t WHERE t.grant_id = oauth_grants.id)`, nil, true},
		} {
			res, err := tx.ExecContext(ctx, s.q(step.query), step.args...)
			if err != nil {
				return err
			}
			if step.counts {
				n, _ := res.RowsAffected()
				total += n
			}
		}
		return nil
	})
	return total, err
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLStore) Close() error                   { return s.db.Close() }

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
