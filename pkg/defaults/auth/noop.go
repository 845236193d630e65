// Package auth provides default authentication implementations.
package auth

import (
	"context"

	"github.com/riskflow/riskflow/pkg/interfaces"
)

// NoopAuthenticator allows all requests without authentication.
// Use this for local development or trusted environments.
type NoopAuthenticator struct {
	defaultTenant string
}

// NewNoopAuthenticator creates a new noop authenticator.
func NewNoopAuthenticator() *NoopAuthenticator {
	return &NoopAuthenticator{defaultTenant: "default"}
}

// Authenticate returns an anonymous identity for any token.
func (n *NoopAuthenticator) Authenticate(context.Context, string) (interfaces.Identity, error) {
	return interfaces.NewAnonymousIdentity(n.defaultTenant), nil
}

// Type returns "noop".
func (n *NoopAuthenticator) Type() string {
	return "noop"
}

// Verify interface compliance.
var _ interfaces.Authenticator = (*NoopAuthenticator)(nil)
