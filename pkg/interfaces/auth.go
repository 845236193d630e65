package interfaces

import "context"

// Identity represents an authenticated caller of the invocation API.
type Identity interface {
	// ID returns the unique identifier for this identity.
	ID() string

	// Type returns the identity type: "service", "api_key" or "anonymous".
	Type() string

	// Tenant returns the tenant this identity belongs to.
	Tenant() string

	// Roles returns the roles assigned to this identity.
	Roles() []string
}

// Authenticator validates credentials and returns an identity.
type Authenticator interface {
	// Authenticate validates the token and returns the associated identity.
	Authenticate(ctx context.Context, token string) (Identity, error)

	// Type returns the authentication type (e.g., "apikey", "noop").
	Type() string
}

// AnonymousIdentity represents an unauthenticated caller.
type AnonymousIdentity struct {
	tenant string
}

// NewAnonymousIdentity creates a new anonymous identity.
func NewAnonymousIdentity(tenant string) *AnonymousIdentity {
	return &AnonymousIdentity{tenant: tenant}
}

func (a *AnonymousIdentity) ID() string      { return "anonymous" }
func (a *AnonymousIdentity) Type() string    { return "anonymous" }
func (a *AnonymousIdentity) Tenant() string  { return a.tenant }
func (a *AnonymousIdentity) Roles() []string { return nil }

// BasicIdentity is a simple implementation of Identity.
type BasicIdentity struct {
	id     string
	idType string
	tenant string
	roles  []string
}

// NewBasicIdentity creates a new basic identity.
func NewBasicIdentity(id, idType, tenant string, roles []string) *BasicIdentity {
	return &BasicIdentity{id: id, idType: idType, tenant: tenant, roles: roles}
}

func (b *BasicIdentity) ID() string      { return b.id }
func (b *BasicIdentity) Type() string    { return b.idType }
func (b *BasicIdentity) Tenant() string  { return b.tenant }
func (b *BasicIdentity) Roles() []string { return b.roles }
