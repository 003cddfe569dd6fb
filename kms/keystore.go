package kms

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ruteri/tenant-provisioning-backend/interfaces"
)

// MasterKeyObject is the key store object name holding the hex master key.
const MasterKeyObject = "master-key"

// LoadFromKeyStore reads the master key from a key store.
func LoadFromKeyStore(ctx context.Context, store interfaces.KeyStore) (*SimpleKMS, error) {
	data, err := store.Fetch(ctx, MasterKeyObject)
	if err != nil {
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			return nil, fmt.Errorf("no master key at %s: %w", store.LocationURI(), err)
		}
		return nil, fmt.Errorf("failed to fetch master key from %s: %w", store.Name(), err)
	}
	return NewSimpleKMSFromHex(strings.TrimSpace(string(data)))
}

// SaveToKeyStore writes the master key. Existing keys are never overwritten.
func SaveToKeyStore(ctx context.Context, store interfaces.KeyStore, k *SimpleKMS) error {
	_, err := store.Fetch(ctx, MasterKeyObject)
	if err == nil {
		return fmt.Errorf("master key already present at %s", store.LocationURI())
	}
	if !errors.Is(err, interfaces.ErrKeyNotFound) {
		return err
	}
	return store.Store(ctx, MasterKeyObject, []byte(hex.EncodeToString(k.masterKey)))
}
