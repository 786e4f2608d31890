package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gocloud.dev/secrets"
	// Cloud provider imports are opt-in - import in your application code:
	// _ "gocloud.dev/secrets/awskms"        // AWS Secrets Manager
	// _ "gocloud.dev/secrets/azurekeyvault" // Azure Key Vault
	// _ "gocloud.dev/secrets/gcpkms"        // GCP Secret Manager
	// _ "gocloud.dev/secrets/hashivault"    // HashiCorp Vault
	// _ "gocloud.dev/secrets/localsecrets"  // Local development
)

// SecretProvider implements Provider using Go Cloud Development Kit.
//
// URL formats:
//   - AWS: "awskms://arn:aws:secretsmanager:region:account:secret:name"
//   - GCP: "gcpkms://projects/PROJECT/secrets/SECRET/versions/VERSION"
//   - Vault: "hashivault://server:8200/secret/data/path"
//   - Local (dev): "base64key://..." for local encryption
type SecretProvider struct {
	keeper   *secrets.Keeper
	cacheTTL time.Duration

	mu          sync.RWMutex
	cachedCreds *Credentials
	cacheExpiry time.Time
	closed      bool
}

// NewSecretProvider opens the secret backend and loads the initial
// credentials.
func NewSecretProvider(ctx context.Context, url string, cacheTTL time.Duration) (*SecretProvider, error) {
	if url == "" {
		return nil, fmt.Errorf("secret URL is required")
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}

	keeper, err := secrets.OpenKeeper(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret keeper: %w", err)
	}

	provider := &SecretProvider{keeper: keeper, cacheTTL: cacheTTL}

	if err := provider.loadCredentials(ctx); err != nil {
		keeper.Close()
		return nil, fmt.Errorf("failed to load initial credentials: %w", err)
	}

	return provider, nil
}

// GetCredentials retrieves credentials from cache or reloads if expired.
func (p *SecretProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrProviderClosed
	}
	if p.cachedCreds != nil && time.Now().Before(p.cacheExpiry) {
		creds := p.cachedCreds
		p.mu.RUnlock()
		return creds, nil
	}
	p.mu.RUnlock()

	if err := p.loadCredentials(ctx); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cachedCreds, nil
}

// loadCredentials loads and decrypts credentials from the secret backend.
func (p *SecretProvider) loadCredentials(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrProviderClosed
	}

	plaintext, err := p.keeper.Decrypt(ctx, nil) // nil = read from keeper
	if err != nil {
		return fmt.Errorf("failed to decrypt secret: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return fmt.Errorf("failed to unmarshal secret data: %w", err)
	}
	if err := creds.Validate(); err != nil {
		return fmt.Errorf("invalid credentials in secret: %w", err)
	}

	p.cachedCreds = &creds
	p.cacheExpiry = time.Now().Add(p.cacheTTL)
	return nil
}

// Close releases the secret keeper.
func (p *SecretProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.keeper.Close()
}
