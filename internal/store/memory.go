package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore keeps everything in process memory. A single mutex makes each method atomic, which
// is what the consume and rotate operations rely on.
type MemStore struct {
	mu       sync.Mutex
	accounts map[int64]*Account
	clients  map[string]*Client
	codes    map[string]*AuthorizationCode
	grants   map[string]*Grant
	tokens   map[string]*RefreshToken
	seq      int64
	clock    func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemStore {
	return &MemStore{
		accounts: map[int64]*Account{},
		clients:  map[string]*Client{},
		codes:    map[string]*AuthorizationCode{},
		grants:   map[string]*Grant{},
		tokens:   map[string]*RefreshToken{},
		seq:      1,
		clock:    time.Now,
	}
}

func (m *MemStore) now() time.Time { return m.clock().UTC().Truncate(time.Second) }

func (m *MemStore) CreateAccount(_ context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.accounts {
		if existing.Username == a.Username || strings.EqualFold(existing.Email, a.Email) {
			return ErrConflict
		}
	}
	now := m.now()
	a.ID = m.seq
	a.CreatedAt, a.UpdatedAt = now, now
	m.seq++
	cp := *a
	m.accounts[a.ID] = &cp
	return nil
}

func (m *MemStore) GetAccount(_ context.Context, id int64) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemStore) GetAccountByUsername(_ context.Context, username string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Username == username {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) UpdateAccountPassword(_ context.Context, id int64, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.PasswordHash = passwordHash
	a.UpdatedAt = m.now()
	return nil
}

func (m *MemStore) UpdateAccount(_ context.Context, id int64, patch AccountPatch) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	if patch.Email != nil {
		for _, other := range m.accounts {
			if other.ID != id && strings.EqualFold(other.Email, *patch.Email) {
				return nil, ErrConflict
			}
		}
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
	a.UpdatedAt = m.now()
	cp := *a
	return &cp, nil
}

func (m *MemStore) CreateClient(_ context.Context, c *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[c.ID]; ok {
		return ErrConflict
	}
	now := m.now()
	c.CreatedAt, c.UpdatedAt = now, now
	m.clients[c.ID] = copyClient(c)
	return nil
}

func (m *MemStore) GetClient(_ context.Context, clientID string) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyClient(c), nil
}

func (m *MemStore) ListClientsByOwner(_ context.Context, ownerID int64) ([]*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Client
	for _, c := range m.clients {
		if c.OwnerID == ownerID {
			out = append(out, copyClient(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemStore) UpdateClient(_ context.Context, clientID string, patch ClientPatch) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	if patch.Name != nil {
		c.Name = *patch.Name
	}
	if patch.RedirectURIs != nil {
		c.RedirectURIs = append([]string(nil), patch.RedirectURIs...)
	}
	if patch.SecretHash != nil {
		c.SecretHash = *patch.SecretHash
	}
	c.UpdatedAt = m.now()
	return copyClient(c), nil
}

func (m *MemStore) DeleteClient(_ context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[clientID]; !ok {
		return ErrNotFound
	}
	for h, code := range m.codes {
		if code.ClientID == clientID {
			delete(m.codes, h)
		}
	}
	for id, g := range m.grants {
		if g.ClientID == clientID {
			m.deleteGrantLocked(id)
		}
	}
	delete(m.clients, clientID)
	return nil
}

func (m *MemStore) CreateAuthorizationCode(_ context.Context, code *AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.codes[code.CodeHash]; ok {
		return ErrConflict
	}
	code.CreatedAt = m.now()
	cp := *code
	m.codes[code.CodeHash] = &cp
	return nil
}

func (m *MemStore) GetAuthorizationCode(_ context.Context, codeHash string) (*AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[codeHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemStore) ConsumeAuthorizationCode(_ context.Context, codeHash string, now time.Time, g *Grant, rt *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[codeHash]
	if !ok || c.Used || !now.Before(c.ExpiresAt) {
		return ErrCodeUsed
	}
	c.Used = true
	c.GrantID = g.ID
	m.insertGrantLocked(g, rt, true)
	return nil
}

func (m *MemStore) CreateGrant(_ context.Context, g *Grant, rt *RefreshToken, replace bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertGrantLocked(g, rt, replace)
	return nil
}

func (m *MemStore) insertGrantLocked(g *Grant, rt *RefreshToken, replace bool) {
	if replace {
		for id, existing := range m.grants {
			if existing.AccountID == g.AccountID && existing.ClientID == g.ClientID {
				m.deleteGrantLocked(id)
			}
		}
	}
	now := m.now()
	g.CreatedAt, g.UpdatedAt = now, now
	rt.GrantID, rt.CreatedAt = g.ID, now
	gc, rc := *g, *rt
	m.grants[g.ID] = &gc
	m.tokens[rt.TokenHash] = &rc
}

func (m *MemStore) deleteGrantLocked(id string) {
	for h, t := range m.tokens {
		if t.GrantID == id {
			delete(m.tokens, h)
		}
	}
	delete(m.grants, id)
}

func (m *MemStore) GetGrant(_ context.Context, id string) (*Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *MemStore) ListGrantsByAccount(_ context.Context, accountID int64) ([]*Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Grant
	for _, g := range m.grants {
		if g.AccountID == accountID {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemStore) DeleteGrant(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.grants[id]; !ok {
		return ErrNotFound
	}
	m.deleteGrantLocked(id)
	return nil
}

func (m *MemStore) DeleteGrantsFor(_ context.Context, accountID int64, clientID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, g := range m.grants {
		if g.AccountID == accountID && g.ClientID == clientID {
			m.deleteGrantLocked(id)
			n++
		}
	}
	return n, nil
}

func (m *MemStore) GetRefreshToken(_ context.Context, tokenHash string) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemStore) RotateRefreshToken(_ context.Context, oldHash string, next *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.tokens[oldHash]
	if !ok || old.Revoked {
		return ErrTokenRotated
	}
	g, ok := m.grants[old.GrantID]
	if !ok {
		return ErrTokenRotated
	}
	old.Revoked = true
	now := m.now()
	g.UpdatedAt = now
	next.GrantID = old.GrantID
	next.CreatedAt = now
	cp := *next
	m.tokens[next.TokenHash] = &cp
	return nil
}

func (m *MemStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for h, c := range m.codes {
		if !now.Before(c.ExpiresAt) {
			delete(m.codes, h)
			n++
		}
	}
	live := map[string]bool{}
	for h, t := range m.tokens {
		if !now.Before(t.ExpiresAt) {
			delete(m.tokens, h)
			n++
			continue
		}
		if !t.Revoked {
			live[t.GrantID] = true
		}
	}
	// a grant whose every refresh token is spent can never mint again
	for id := range m.grants {
		if !live[id] {
			m.deleteGrantLocked(id)
			n++
		}
	}
	return n, nil
}

func (m *MemStore) Ping(context.Context) error { return nil }
func (m *MemStore) Close() error               { return nil }

func copyClient(c *Client) *Client {
	cp := *c
	cp.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	return &cp
}
