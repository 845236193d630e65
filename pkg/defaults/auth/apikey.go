package auth

import (
	"context"
	"errors"
	"sync"

	"github.com/riskflow/riskflow/pkg/interfaces"
)

// ErrInvalidAPIKey is returned when an API key is unknown or disabled.
var ErrInvalidAPIKey = errors.New("invalid API key")

// APIKeyAuthenticator validates requests using static API keys.
type APIKeyAuthenticator struct {
	mu   sync.RWMutex
	keys map[string]*APIKey
}

// APIKey represents an API key with its associated identity.
type APIKey struct {
	Key     string
	ID      string
	Tenant  string
	Roles   []string
	Enabled bool
}

// NewAPIKeyAuthenticator creates a new API key authenticator.
func NewAPIKeyAuthenticator() *APIKeyAuthenticator {
	return &APIKeyAuthenticator{
		keys: make(map[string]*APIKey),
	}
}

// AddKey registers an API key.
func (a *APIKeyAuthenticator) AddKey(key *APIKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[key.Key] = key
}

// RemoveKey removes an API key.
func (a *APIKeyAuthenticator) RemoveKey(keyValue string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.keys, keyValue)
}

// Authenticate validates the API key and returns the identity.
func (a *APIKeyAuthenticator) Authenticate(_ context.Context, token string) (interfaces.Identity, error) {
	a.mu.RLock()
	key, ok := a.keys[token]
	a.mu.RUnlock()

	if !ok || !key.Enabled {
		return nil, ErrInvalidAPIKey
	}

	return interfaces.NewBasicIdentity(key.ID, "api_key", key.Tenant, key.Roles), nil
}

// Type returns "apikey".
func (a *APIKeyAuthenticator) Type() string {
	return "apikey"
}

// Verify interface compliance.
var _ interfaces.Authenticator = (*APIKeyAuthenticator)(nil)
