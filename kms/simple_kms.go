package kms

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/ruteri/tenant-provisioning-backend/cryptoutils"
)

// SimpleKMS holds the process master key in memory and hands out
// purpose-bound subkeys derived from it. Subkeys are cached after first use.
type SimpleKMS struct {
	masterKey []byte

	mu      sync.RWMutex
	subkeys map[string][]byte
}

// NewSimpleKMS creates a KMS from a master key of at least 32 bytes.
func NewSimpleKMS(masterKey []byte) (*SimpleKMS, error) {
	if len(masterKey) < cryptoutils.MasterKeySize {
		return nil, errors.New("master key must be at least 32 bytes")
	}

	key := make([]byte, len(masterKey))
	copy(key, masterKey)
	return &SimpleKMS{masterKey: key, subkeys: make(map[string][]byte)}, nil
}

// NewSimpleKMSFromHex parses a hex-encoded 32-byte seed.
func NewSimpleKMSFromHex(seed string) (*SimpleKMS, error) {
	key, err := hex.DecodeString(seed)
	if err != nil || len(key) != cryptoutils.MasterKeySize {
		return nil, fmt.Errorf("master key must be 64 hex characters: %v", err)
	}
	return NewSimpleKMS(key)
}

// DeriveKey returns the 32-byte subkey for purpose.
func (k *SimpleKMS) DeriveKey(purpose string) ([]byte, error) {
	k.mu.RLock()
	key, ok := k.subkeys[purpose]
	k.mu.RUnlock()
	if ok {
		return key, nil
	}

	key, err := cryptoutils.DeriveKey(k.masterKey, purpose)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	k.subkeys[purpose] = key
	k.mu.Unlock()
	return key, nil
}

// SecretCipher returns the cipher used for tenant connection strings.
// previous are master keys retired by a rotation; their connection-secret
// subkeys stay valid for decryption.
func (k *SimpleKMS) SecretCipher(previous ...*SimpleKMS) (*cryptoutils.AESCipher, error) {
	primary, err := k.DeriveKey(cryptoutils.PurposeConnectionSecret)
	if err != nil {
		return nil, err
	}

	var older [][]byte
	for _, p := range previous {
		key, err := p.DeriveKey(cryptoutils.PurposeConnectionSecret)
		if err != nil {
			return nil, err
		}
		older = append(older, key)
	}
	return cryptoutils.NewAESCipher(primary, older...)
}

// ConfirmTokenKey returns the HMAC key for confirmation tokens.
func (k *SimpleKMS) ConfirmTokenKey() ([]byte, error) {
	return k.DeriveKey(cryptoutils.PurposeConfirmToken)
}

// DatabasePasswordFunc returns a function deriving tenant database passwords.
func (k *SimpleKMS) DatabasePasswordFunc() (func(slug string) string, error) {
	secret, err := k.DeriveKey(cryptoutils.PurposeDatabasePassword)
	if err != nil {
		return nil, err
	}
	return func(slug string) string {
		return cryptoutils.DeriveDatabasePassword(secret, slug)
	}, nil
}

// MasterKeyHex exposes the master key for escrow tooling.
func (k *SimpleKMS) MasterKeyHex() string {
	return hex.EncodeToString(k.masterKey)
}
