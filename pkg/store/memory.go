package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryClients is an in-process Clients repository, suitable for tests and
// single-instance deployments that don't need restart durability beyond the
// statically bootstrapped client list.
type MemoryClients struct {
	mu   sync.RWMutex
	byID map[string]*Client
}

// NewMemoryClients constructs an empty in-memory client repository.
func NewMemoryClients() *MemoryClients {
	return &MemoryClients{byID: make(map[string]*Client)}
}

func (m *MemoryClients) Upsert(_ context.Context, c *Client) error {
	clone := *c
	clone.RedirectURIs = append([]string(nil), c.RedirectURIs...)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[c.ID] = &clone
	return nil
}

func (m *MemoryClients) FindByID(_ context.Context, id string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyClient(c), nil
}

func (m *MemoryClients) FindByIDAndRedirectURI(ctx context.Context, id, redirectURI string) (*Client, error) {
	c, err := m.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.HasRedirectURI(redirectURI) {
		return nil, ErrNotFound
	}
	return c, nil
}

func copyClient(c *Client) *Client {
	clone := *c
	clone.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	return &clone
}

// MemoryAuthorizationCodes is an in-process AuthorizationCodes repository.
// Authorization codes may remain in-memory even when other repositories are
// durable, since their lifetime is measured in seconds.
type MemoryAuthorizationCodes struct {
	mu   sync.Mutex
	byID map[string]*AuthorizationCode
}

func NewMemoryAuthorizationCodes() *MemoryAuthorizationCodes {
	return &MemoryAuthorizationCodes{byID: make(map[string]*AuthorizationCode)}
}

func (m *MemoryAuthorizationCodes) Create(_ context.Context, rec *AuthorizationCode) (*AuthorizationCode, error) {
	clone := *rec
	clone.Scopes = append([]string(nil), rec.Scopes...)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[clone.Code] = &clone
	return copyCode(&clone), nil
}

func (m *MemoryAuthorizationCodes) FindByCode(_ context.Context, code string) (*AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[code]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCode(rec), nil
}

func (m *MemoryAuthorizationCodes) MarkUsed(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[code]
	if !ok {
		return ErrNotFound
	}
	rec.Used = true
	return nil
}

func (m *MemoryAuthorizationCodes) Delete(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, code)
	return nil
}

func (m *MemoryAuthorizationCodes) PurgeExpiredOrUsed(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for code, rec := range m.byID {
		if rec.Used || !now.Before(rec.ExpiresAt) {
			delete(m.byID, code)
			n++
		}
	}
	return n, nil
}

func copyCode(rec *AuthorizationCode) *AuthorizationCode {
	clone := *rec
	clone.Scopes = append([]string(nil), rec.Scopes...)
	return &clone
}

// MemoryRefreshTokens is an in-process RefreshTokens repository.
type MemoryRefreshTokens struct {
	mu      sync.Mutex
	byToken map[string]*RefreshToken
}

func NewMemoryRefreshTokens() *MemoryRefreshTokens {
	return &MemoryRefreshTokens{byToken: make(map[string]*RefreshToken)}
}

func (m *MemoryRefreshTokens) Create(_ context.Context, rec *RefreshToken) (*RefreshToken, error) {
	clone := *rec
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	clone.Scopes = append([]string(nil), rec.Scopes...)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.byToken[clone.Token] = &clone
	return copyRefresh(&clone), nil
}

func (m *MemoryRefreshTokens) FindByToken(_ context.Context, raw string) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byToken[raw]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRefresh(rec), nil
}

func (m *MemoryRefreshTokens) RevokeByToken(_ context.Context, raw string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byToken[raw]
	if !ok {
		return ErrNotFound
	}
	t := at
	rec.RevokedAt = &t
	return nil
}

func (m *MemoryRefreshTokens) DeleteByToken(_ context.Context, raw string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byToken, raw)
	return nil
}

func (m *MemoryRefreshTokens) RevokeAllForUser(_ context.Context, clientID, upstreamUserID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.byToken {
		if rec.ClientID == clientID && rec.UpstreamUserID == upstreamUserID && rec.RevokedAt == nil {
			t := at
			rec.RevokedAt = &t
			n++
		}
	}
	return n, nil
}

func (m *MemoryRefreshTokens) PurgeExpiredOrRevoked(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for token, rec := range m.byToken {
		if rec.RevokedAt != nil || !now.Before(rec.ExpiresAt) {
			delete(m.byToken, token)
			n++
		}
	}
	return n, nil
}

func copyRefresh(rec *RefreshToken) *RefreshToken {
	clone := *rec
	clone.Scopes = append([]string(nil), rec.Scopes...)
	if rec.RevokedAt != nil {
		t := *rec.RevokedAt
		clone.RevokedAt = &t
	}
	return &clone
}

// MemoryAccessTokenSessions is an in-process AccessTokenSessions repository.
type MemoryAccessTokenSessions struct {
	mu    sync.Mutex
	byJTI map[string]*AccessTokenSession
}

func NewMemoryAccessTokenSessions() *MemoryAccessTokenSessions {
	return &MemoryAccessTokenSessions{byJTI: make(map[string]*AccessTokenSession)}
}

func (m *MemoryAccessTokenSessions) Create(_ context.Context, rec *AccessTokenSession) (*AccessTokenSession, error) {
	clone := *rec
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	clone.Scopes = append([]string(nil), rec.Scopes...)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.byJTI[clone.JTI] = &clone
	return copySession(&clone), nil
}

func (m *MemoryAccessTokenSessions) FindByJTI(_ context.Context, jti string) (*AccessTokenSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byJTI[jti]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(rec), nil
}

func (m *MemoryAccessTokenSessions) DeleteByJTI(_ context.Context, jti string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byJTI, jti)
	return nil
}

func (m *MemoryAccessTokenSessions) MarkUpstreamInvalid(_ context.Context, jti string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byJTI[jti]
	if !ok {
		return ErrNotFound
	}
	t := at
	rec.UpstreamInvalidAt = &t
	return nil
}

func (m *MemoryAccessTokenSessions) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for jti, rec := range m.byJTI {
		if !now.Before(rec.ExpiresAt) {
			delete(m.byJTI, jti)
			n++
		}
	}
	return n, nil
}

func copySession(rec *AccessTokenSession) *AccessTokenSession {
	clone := *rec
	clone.Scopes = append([]string(nil), rec.Scopes...)
	if rec.UpstreamInvalidAt != nil {
		t := *rec.UpstreamInvalidAt
		clone.UpstreamInvalidAt = &t
	}
	return &clone
}

// NewMemoryRepositories builds a Repositories bundle backed entirely by the
// in-memory implementations above, for tests and single-instance use.
func NewMemoryRepositories() *Repositories {
	return &Repositories{
		Clients:             NewMemoryClients(),
		AuthorizationCodes:  NewMemoryAuthorizationCodes(),
		RefreshTokens:       NewMemoryRefreshTokens(),
		AccessTokenSessions: NewMemoryAccessTokenSessions(),
	}
}
