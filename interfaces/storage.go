package interfaces

import "context"

// KeyStore holds named key material outside the tenant data stores.
type KeyStore interface {
	// Fetch returns ErrKeyNotFound when name is absent.
	Fetch(ctx context.Context, name string) ([]byte, error)
	Store(ctx context.Context, name string, data []byte) error
	Available(ctx context.Context) bool
	Name() string
	LocationURI() string
}

// KeyStoreLocation is a key store URI such as file:///var/lib/tenantd/keys.
type KeyStoreLocation string

// KeyStoreFactory builds key stores from location URIs.
type KeyStoreFactory interface {
	KeyStoreFor(location KeyStoreLocation) (KeyStore, error)
}
