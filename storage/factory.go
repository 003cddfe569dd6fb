package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/ruteri/tenant-provisioning-backend/interfaces"
)

// KeyStoreFactory creates key stores from URI strings.
type KeyStoreFactory struct {
	log *slog.Logger
}

func NewKeyStoreFactory(logger *slog.Logger) *KeyStoreFactory {
	return &KeyStoreFactory{log: logger}
}

// KeyStoreFor creates a key store from a location URI.
//
// Supported schemes:
//   - file:///absolute/dir or file://./relative/dir
//   - vault://host:port/mount/path?tls=false&token_env=VAULT_TOKEN
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-east-1&endpoint=...
func (f *KeyStoreFactory) KeyStoreFor(location interfaces.KeyStoreLocation) (interfaces.KeyStore, error) {
	u, err := url.Parse(string(location))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return f.createFileBackend(u)
	case "vault":
		return f.createVaultBackend(u)
	case "s3":
		return f.createS3Backend(u)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// CreateMultiBackend aggregates every location that yields a valid key
// store. Invalid locations are logged and skipped.
func (f *KeyStoreFactory) CreateMultiBackend(locations []interfaces.KeyStoreLocation) (interfaces.KeyStore, error) {
	backends := make([]interfaces.KeyStore, 0, len(locations))
	for _, location := range locations {
		backend, err := f.KeyStoreFor(location)
		if err != nil {
			f.log.Warn("Failed to create key store", "err", err, slog.String("location", string(location)))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid key stores created")
	}
	if len(backends) == 1 {
		return backends[0], nil
	}
	return NewMultiKeyStore(backends, f.log), nil
}

func (f *KeyStoreFactory) createFileBackend(u *url.URL) (interfaces.KeyStore, error) {
	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in %s", interfaces.ErrInvalidLocationURI, u.String())
	}
	return NewFileBackend(path, f.log)
}

func (f *KeyStoreFactory) createVaultBackend(u *url.URL) (interfaces.KeyStore, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing Vault host", interfaces.ErrInvalidLocationURI)
	}
	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if parts[0] == "" {
		return nil, fmt.Errorf("%w: missing Vault mount path", interfaces.ErrInvalidLocationURI)
	}
	mount := parts[0]
	dataPath := ""
	if len(parts) == 2 {
		dataPath = parts[1]
	}

	query := u.Query()
	scheme := "https"
	if query.Get("tls") == "false" {
		scheme = "http"
	}

	tokenEnv := query.Get("token_env")
	if tokenEnv == "" {
		tokenEnv = "VAULT_TOKEN"
	}

	return NewVaultBackend(fmt.Sprintf("%s://%s", scheme, u.Host), mount, dataPath, os.Getenv(tokenEnv), f.log)
}

func (f *KeyStoreFactory) createS3Backend(u *url.URL) (interfaces.KeyStore, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing bucket", interfaces.ErrInvalidLocationURI)
	}

	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewS3Backend(u.Host, strings.TrimPrefix(u.Path, "/"), region, query.Get("endpoint"), accessKey, secretKey, f.log)
}
