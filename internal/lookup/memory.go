package lookup

import (
	"context"
	"sync"
)

// Memory is an in-process Directory and SecretSource. It backs tests and
// single-node setups that seed tenants from code.
type Memory struct {
	mu      sync.RWMutex
	apps    map[string]*Application // by origin domain
	users   map[string]*User
	keys    map[string]string // api key -> user id
	usage   map[string]Usage
	secrets map[string]map[string]string // application id -> name -> value

	// Calls counts every Directory and SecretSource call, by method name.
	calls map[string]int
}

var (
	_ Directory    = (*Memory)(nil)
	_ SecretSource = (*Memory)(nil)
)

// NewMemory creates an empty Memory directory.
func NewMemory() *Memory {
	return &Memory{
		apps:    make(map[string]*Application),
		users:   make(map[string]*User),
		keys:    make(map[string]string),
		usage:   make(map[string]Usage),
		secrets: make(map[string]map[string]string),
		calls:   make(map[string]int),
	}
}

// PutApplication registers app under each of its origin domains.
func (m *Memory) PutApplication(app *Application) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range app.OriginDomains {
		m.apps[d] = app
	}
}

// PutUser stores a tenant and indexes its API key.
func (m *Memory) PutUser(u *User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.users[u.ID]; ok && old.APIKey != "" {
		delete(m.keys, old.APIKey)
	}
	m.users[u.ID] = u
	if u.APIKey != "" {
		m.keys[u.APIKey] = u.ID
	}
}

// SetUsage sets a tenant's month-to-date usage.
func (m *Memory) SetUsage(userID string, u Usage) {
	m.mu.Lock()
	m.usage[userID] = u
	m.mu.Unlock()
}

// SetSecret stores a plaintext secret for an application.
func (m *Memory) SetSecret(applicationID, name, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.secrets[applicationID] == nil {
		m.secrets[applicationID] = make(map[string]string)
	}
	m.secrets[applicationID][name] = value
}

// Calls returns how many times method was called.
func (m *Memory) Calls(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[method]
}

func (m *Memory) count(method string) {
	m.calls[method]++
}

func (m *Memory) Application(_ context.Context, originDomain string) (*Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("Application")
	app, ok := m.apps[originDomain]
	if !ok {
		return nil, ErrNotFound
	}
	return app, nil
}

func (m *Memory) UserByAPIKey(_ context.Context, apiKey string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("UserByAPIKey")
	id, ok := m.keys[apiKey]
	if !ok {
		return nil, ErrNotFound
	}
	return m.users[id], nil
}

func (m *Memory) User(_ context.Context, userID string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("User")
	u, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return u, nil
}

func (m *Memory) MonthToDate(_ context.Context, userID string) (Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("MonthToDate")
	return m.usage[userID], nil
}

func (m *Memory) SecretsMap(_ context.Context, names []string, applicationID string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("SecretsMap")
	out := make(map[string]string, len(names))
	for _, n := range names {
		if v, ok := m.secrets[applicationID][n]; ok {
			out[n] = v
		}
	}
	return out, nil
}
