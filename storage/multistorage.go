package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/ruteri/tenant-provisioning-backend/interfaces"
)

// MultiKeyStore replicates key material across several key stores. Fetch
// returns the first hit, Store writes to every available backend.
type MultiKeyStore struct {
	backends []interfaces.KeyStore
	log      *slog.Logger
}

func NewMultiKeyStore(backends []interfaces.KeyStore, logger *slog.Logger) *MultiKeyStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiKeyStore{backends: backends, log: logger}
}

func (m *MultiKeyStore) Fetch(ctx context.Context, name string) ([]byte, error) {
	start := time.Now()
	var result *multierror.Error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Key store unavailable", slog.String("backend", backend.Name()))
			result = multierror.Append(result, fmt.Errorf("%s: %w", backend.Name(), ErrBackendUnavailable))
			continue
		}

		data, err := backend.Fetch(ctx, name)
		if err == nil {
			m.log.Debug("Fetched key material",
				slog.String("backend", backend.Name()),
				slog.String("name", name),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}
		result = multierror.Append(result, fmt.Errorf("%s: %w", backend.Name(), err))
	}

	if result == nil {
		return nil, ErrBackendUnavailable
	}
	m.log.Warn("All key stores failed to fetch",
		slog.String("name", name),
		slog.Int("failed_backends", len(result.Errors)))
	return nil, result.ErrorOrNil()
}

// Store succeeds when at least one backend stored the object.
func (m *MultiKeyStore) Store(ctx context.Context, name string, data []byte) error {
	var result *multierror.Error
	stored := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			continue
		}
		if err := backend.Store(ctx, name, data); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", backend.Name(), err))
			continue
		}
		stored++
	}

	if stored == 0 {
		if result == nil {
			return fmt.Errorf("no key store available: %w", ErrBackendUnavailable)
		}
		return result.ErrorOrNil()
	}
	if result != nil {
		m.log.Warn("Key material not replicated to every store", "err", result.ErrorOrNil())
	}
	return nil
}

func (m *MultiKeyStore) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

func (m *MultiKeyStore) Name() string {
	return "multi-keystore"
}

func (m *MultiKeyStore) LocationURI() string {
	locations := make([]string, 0, len(m.backends))
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}
