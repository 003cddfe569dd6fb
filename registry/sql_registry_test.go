package registry

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newSQLiteRegistry(t *testing.T) *SQLRegistry {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "registry.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestSQLiteRegistry(t *testing.T) {
	runRegistrySuite(t, newSQLiteRegistry)
}

func TestOpenIsIdempotent(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "registry.db")

	r, err := Open(context.Background(), "sqlite", path, log)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	r, err = Open(context.Background(), "sqlite", path, log)
	require.NoError(t, err)
	defer r.Close()

	plans, err := r.ListPlans(context.Background())
	require.NoError(t, err)
	require.Len(t, plans, 3)
}
