package cryptoutils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Purposes for subkeys derived from the master key. Changing one of these
// strings rotates every key derived for that purpose.
const (
	PurposeConnectionSecret = "tenant-connection-secret"
	PurposeConfirmToken     = "confirm-token-signing"
	PurposeDatabasePassword = "tenant-database-password"
)

// MasterKeySize is the size of the process master key.
const MasterKeySize = 32

// GenerateMasterKey returns a fresh random master key.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	return key, nil
}

// DeriveKey derives a 32-byte subkey for purpose using HKDF-SHA256.
func DeriveKey(masterKey []byte, purpose string) ([]byte, error) {
	if len(masterKey) < MasterKeySize {
		return nil, fmt.Errorf("master key must be at least %d bytes", MasterKeySize)
	}
	r := hkdf.New(sha256.New, masterKey, nil, []byte(purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", purpose, err)
	}
	return key, nil
}

// DeriveDatabasePassword deterministically derives the password of a tenant
// database role from a secret and the tenant slug, so that a retried
// provisioning step recreates identical credentials.
func DeriveDatabasePassword(secret []byte, slug string) string {
	salt := sha256.Sum256([]byte("tenant-db:" + slug))
	key := argon2.IDKey(secret, salt[:], 1, 64*1024, 4, 24)
	return base64.RawURLEncoding.EncodeToString(key)
}
