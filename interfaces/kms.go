package interfaces

import (
	"context"

	"github.com/google/uuid"
)

// SecretCipher seals values at rest. Decrypt fails with an error wrapping
// ErrDecryption on any malformed, tampered or foreign input.
type SecretCipher interface {
	Encrypt(plaintext, associatedData []byte) ([]byte, error)
	Decrypt(ciphertext, associatedData []byte) ([]byte, error)
}

// DatabaseProvisioner creates and prepares isolated tenant databases.
type DatabaseProvisioner interface {
	// CreateDatabase creates the tenant database. When it already exists the
	// deterministic name is returned with an error matching ErrDatabaseExists.
	CreateDatabase(ctx context.Context, slug string) (string, error)
	// ConnectionFor returns the connection string for the tenant database.
	ConnectionFor(slug string) (string, error)
	ApplyBaselineSchema(ctx context.Context, connection string) error
	Seed(ctx context.Context, connection, slug, name string) error
}

// ConfirmationClaims are the verified contents of a confirmation token.
type ConfirmationClaims struct {
	ProvisioningID uuid.UUID
	Slug           string
	TokenID        string
}

// ConfirmationTokenIssuer issues and verifies single-purpose confirmation
// tokens. Validate returns ErrInvalidToken for every failure.
type ConfirmationTokenIssuer interface {
	Issue(provisioningID uuid.UUID, slug string) (string, error)
	Validate(token string) (*ConfirmationClaims, error)
}

// TenantClaimVerifier extracts the tenant slug from a verified bearer token.
type TenantClaimVerifier interface {
	TenantSlug(token string) (string, error)
}

// Invalidator drops cached state for a tenant.
type Invalidator interface {
	Invalidate(tenantID uuid.UUID)
}
