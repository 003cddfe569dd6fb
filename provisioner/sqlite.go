package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/tenant-provisioning-backend/dbutil"
	"github.com/ruteri/tenant-provisioning-backend/interfaces"
)

// SQLiteProvisioner keeps every tenant database as a file in one directory.
// Used for local development and tests.
type SQLiteProvisioner struct {
	tenantSchema
	dir string
}

func NewSQLiteProvisioner(dir string, log *slog.Logger) (*SQLiteProvisioner, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create tenant database directory: %w", err)
	}
	return &SQLiteProvisioner{tenantSchema: tenantSchema{log: log}, dir: dir}, nil
}

func (p *SQLiteProvisioner) path(dbName string) string {
	return filepath.Join(p.dir, dbName+".db")
}

func (p *SQLiteProvisioner) CreateDatabase(ctx context.Context, slug string) (string, error) {
	dbName, err := DatabaseNameFor(slug)
	if err != nil {
		return "", err
	}

	f, err := os.OpenFile(p.path(dbName), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if errors.Is(err, os.ErrExist) {
		return dbName, &interfaces.ProvisionError{Slug: slug, Step: interfaces.StepCreateDatabase, Kind: interfaces.AlreadyExists, Message: "database " + dbName + " already exists"}
	}
	if err != nil {
		return "", &interfaces.ProvisionError{Slug: slug, Step: interfaces.StepCreateDatabase, Kind: interfaces.CreationFailed, Message: "cannot create database file", Err: err}
	}
	f.Close()

	p.log.Info("Tenant database created", "slug", slug, "database", dbName)
	return dbName, nil
}

func (p *SQLiteProvisioner) ConnectionFor(slug string) (string, error) {
	dbName, err := DatabaseNameFor(slug)
	if err != nil {
		return "", err
	}
	return dbutil.SQLiteDSN(p.path(dbName)), nil
}

var _ interfaces.DatabaseProvisioner = (*SQLiteProvisioner)(nil)
