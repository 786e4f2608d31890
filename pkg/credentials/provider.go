// Package credentials resolves broker credentials from a secret backend.
//
// The package wraps gocloud.dev/secrets so the same code path works
// against AWS, GCP, Azure, Vault, or a local file during development.
package credentials

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials is returned when credentials are malformed
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrProviderClosed is returned when attempting to use a closed provider
	ErrProviderClosed = errors.New("provider is closed")
)

// Credentials holds username/password authentication for the broker.
type Credentials struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

// Validate ensures credentials are well-formed.
func (c *Credentials) Validate() error {
	if c.User == "" || c.Password == "" {
		return fmt.Errorf("%w: user and password are required", ErrInvalidCredentials)
	}
	return nil
}

// Provider defines the interface for credential providers.
type Provider interface {
	// GetCredentials retrieves the current credentials
	GetCredentials(ctx context.Context) (*Credentials, error)

	// Close releases any resources held by the provider
	Close() error
}

// StaticProvider serves fixed credentials, typically read from config.
type StaticProvider struct {
	creds Credentials
}

// NewStaticProvider creates a provider around fixed credentials.
func NewStaticProvider(user, password string) *StaticProvider {
	return &StaticProvider{creds: Credentials{User: user, Password: password}}
}

// GetCredentials returns the fixed credentials.
func (p *StaticProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	return &p.creds, nil
}

// Close is a no-op.
func (p *StaticProvider) Close() error {
	return nil
}
