package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemory implements Store with in-process maps. It backs tests and
// broker-less development runs; WithinTx degrades to plain execution
// under the store-wide lock being released between calls, which is
// acceptable because a single process owns the data.
type InMemory struct {
	mu        sync.RWMutex
	users     map[string]*User
	roles     map[string]*Role
	refresh   map[string]*RefreshToken
	blacklist map[string]*BlacklistEntry
}

// NewInMemory creates an empty store with the default role seeded.
func NewInMemory() *InMemory {
	s := &InMemory{
		users:     make(map[string]*User),
		roles:     make(map[string]*Role),
		refresh:   make(map[string]*RefreshToken),
		blacklist: make(map[string]*BlacklistEntry),
	}
	s.roles["role-user"] = &Role{ID: "role-user", Code: "user", Name: "User"}
	s.roles["role-admin"] = &Role{ID: "role-admin", Code: "admin", Name: "Administrator"}
	return s
}

func (s *InMemory) Users(context.Context) UserStore                 { return (*memUsers)(s) }
func (s *InMemory) Roles(context.Context) RoleStore                 { return (*memRoles)(s) }
func (s *InMemory) RefreshTokens(context.Context) RefreshTokenStore { return (*memRefresh)(s) }
func (s *InMemory) Blacklist(context.Context) BlacklistStore        { return (*memBlacklist)(s) }

func (s *InMemory) WithinTx(ctx context.Context, fn func(ctx context.Context, st Store) error) error {
	return fn(ctx, s)
}

// SeedRole adds a role to the catalog.
func (s *InMemory) SeedRole(r Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := r
	s.roles[r.ID] = &cp
}

func copyUser(u *User) *User {
	cp := *u
	cp.Roles = append([]Role(nil), u.Roles...)
	if u.LockedUntil != nil {
		t := *u.LockedUntil
		cp.LockedUntil = &t
	}
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		cp.LastLoginAt = &t
	}
	if u.ResetTokenExpiry != nil {
		t := *u.ResetTokenExpiry
		cp.ResetTokenExpiry = &t
	}
	return &cp
}

// User store ------------------------------------------------------------

type memUsers InMemory

func (m *memUsers) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = copyUser(u)
	return nil
}

func (m *memUsers) Find(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

func (m *memUsers) findBy(match func(*User) bool) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if match(u) {
			return copyUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (m *memUsers) FindByUsername(_ context.Context, username string) (*User, error) {
	return m.findBy(func(u *User) bool { return u.Username == username })
}

func (m *memUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	return m.findBy(func(u *User) bool { return u.Email == email })
}

func (m *memUsers) FindByResetToken(_ context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return m.findBy(func(u *User) bool { return u.ResetToken == token })
}

func (m *memUsers) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	_, err := m.FindByUsername(ctx, username)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (m *memUsers) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	_, err := m.FindByEmail(ctx, email)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (m *memUsers) Update(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; !ok {
		return ErrNotFound
	}
	roles := m.users[u.ID].Roles
	cp := copyUser(u)
	cp.Roles = roles // role assignment goes through ReplaceRoles
	m.users[u.ID] = cp
	return nil
}

func (m *memUsers) RecordLoginFailure(_ context.Context, userID string, maxAttempts int, lockUntil time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return 0, ErrNotFound
	}
	u.FailedLoginAttempts++
	if u.FailedLoginAttempts >= maxAttempts {
		t := lockUntil
		u.LockedUntil = &t
	}
	return u.FailedLoginAttempts, nil
}

func (m *memUsers) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return ErrNotFound
	}
	delete(m.users, id)
	return nil
}

func (m *memUsers) sorted() []*User {
	out := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, copyUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func page(users []*User, offset, limit int) []*User {
	if offset >= len(users) {
		return nil
	}
	end := offset + limit
	if end > len(users) {
		end = len(users)
	}
	return users[offset:end]
}

func (m *memUsers) List(_ context.Context, offset, limit int) ([]*User, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.sorted()
	return page(all, offset, limit), len(all), nil
}

func (m *memUsers) Search(_ context.Context, keyword string, offset, limit int) ([]*User, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kw := strings.ToLower(keyword)
	var hits []*User
	for _, u := range m.sorted() {
		if strings.Contains(strings.ToLower(u.Username), kw) ||
			strings.Contains(strings.ToLower(u.Email), kw) ||
			strings.Contains(strings.ToLower(u.FullName), kw) {
			hits = append(hits, u)
		}
	}
	return page(hits, offset, limit), len(hits), nil
}

func (m *memUsers) ReplaceRoles(_ context.Context, userID string, roleIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Roles = nil
	for _, id := range roleIDs {
		if r, ok := m.roles[id]; ok {
			u.Roles = append(u.Roles, *r)
		}
	}
	return nil
}

// Role store ------------------------------------------------------------

type memRoles InMemory

func (m *memRoles) FindByCode(_ context.Context, code string) (*Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.roles {
		if r.Code == code {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRoles) FindAllByID(_ context.Context, ids []string) ([]Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Role, 0, len(ids))
	for _, id := range ids {
		r, ok := m.roles[id]
		if !ok {
			return nil, ErrNotFound
		}
		out = append(out, *r)
	}
	return out, nil
}

func (m *memRoles) List(_ context.Context) ([]Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// Refresh token store ---------------------------------------------------

type memRefresh InMemory

func (m *memRefresh) Create(_ context.Context, tok *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tok
	m.refresh[tok.Token] = &cp
	return nil
}

func (m *memRefresh) Find(_ context.Context, token string) (*RefreshToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok, ok := m.refresh[token]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (m *memRefresh) MarkRevoked(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.refresh[token]
	if !ok || tok.Revoked {
		return ErrNotFound
	}
	now := time.Now().UTC()
	tok.Revoked = true
	tok.RevokedAt = &now
	return nil
}

func (m *memRefresh) MarkRevokedByAccessToken(_ context.Context, accessToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	now := time.Now().UTC()
	for _, tok := range m.refresh {
		if tok.AccessToken == accessToken && !tok.Revoked {
			tok.Revoked = true
			tok.RevokedAt = &now
			found = true
		}
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func (m *memRefresh) MarkRevokedByUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, tok := range m.refresh {
		if tok.UserID == userID && !tok.Revoked {
			tok.Revoked = true
			tok.RevokedAt = &now
		}
	}
	return nil
}

func (m *memRefresh) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, tok := range m.refresh {
		if tok.ExpiresAt.Before(now) {
			delete(m.refresh, key)
			n++
		}
	}
	return n, nil
}

// Blacklist store -------------------------------------------------------

type memBlacklist InMemory

func (m *memBlacklist) Insert(_ context.Context, entry *BlacklistEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blacklist[entry.Token]; ok {
		return nil
	}
	cp := *entry
	m.blacklist[entry.Token] = &cp
	return nil
}

func (m *memBlacklist) Exists(_ context.Context, token string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blacklist[token]
	return ok, nil
}

func (m *memBlacklist) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, entry := range m.blacklist {
		if entry.ExpiresAt.Before(now) {
			delete(m.blacklist, key)
			n++
		}
	}
	return n, nil
}

var _ Store = (*InMemory)(nil)
