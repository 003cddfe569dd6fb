//go:build integration

// Package pgtest starts throwaway PostgreSQL containers for integration
// tests.
package pgtest

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/ruteri/tenant-provisioning-backend/dbutil"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Server is a running PostgreSQL container.
type Server struct {
	AdminDSN string
	admin    *sqlx.DB
	counter  atomic.Int64
}

// SkipIfNoDocker skips the test when no Docker daemon is reachable.
func SkipIfNoDocker(t *testing.T) {
	t.Helper()
	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		t.Skipf("docker not available: %v", err)
	}
	defer provider.Close()
	if err := provider.Health(context.Background()); err != nil {
		t.Skipf("docker not healthy: %v", err)
	}
}

// Start runs postgres:16-alpine for the duration of the test.
func Start(t *testing.T) *Server {
	t.Helper()
	SkipIfNoDocker(t)
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("tenants_test"),
		postgres.WithUsername("admin"),
		postgres.WithPassword("adminpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	admin, err := dbutil.Open(ctx, dbutil.DriverPostgres, dsn, dbutil.PoolOptions{MaxOpenConns: 4})
	if err != nil {
		t.Fatalf("failed to connect to postgres: %v", err)
	}
	t.Cleanup(func() { admin.Close() })

	return &Server{AdminDSN: dsn, admin: admin}
}

// NewDatabase creates an empty database and returns its DSN.
func (s *Server) NewDatabase(t *testing.T) string {
	t.Helper()
	name := fmt.Sprintf("test_%d", s.counter.Add(1))
	if _, err := s.admin.ExecContext(context.Background(), "CREATE DATABASE "+name); err != nil {
		t.Fatalf("failed to create database %s: %v", name, err)
	}

	u, err := url.Parse(s.AdminDSN)
	if err != nil {
		t.Fatalf("invalid admin dsn: %v", err)
	}
	u.Path = "/" + strings.TrimPrefix(name, "/")
	return u.String()
}
