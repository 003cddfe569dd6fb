package provisioner

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jmoiron/sqlx"
	"github.com/ruteri/tenant-provisioning-backend/dbutil"
	"github.com/ruteri/tenant-provisioning-backend/interfaces"
)

// PasswordFunc derives the login password of a tenant role from its slug.
type PasswordFunc func(slug string) string

// PostgresProvisioner creates one database per tenant on a PostgreSQL server,
// each owned by a dedicated login role with a password derived from the
// master key.
type PostgresProvisioner struct {
	tenantSchema
	admin    *sqlx.DB
	adminURL *url.URL
	password PasswordFunc
}

// NewPostgresProvisioner connects to the server with an administrative
// connection URL. The role behind it needs CREATEDB and CREATEROLE.
func NewPostgresProvisioner(ctx context.Context, adminDSN string, password PasswordFunc, log *slog.Logger) (*PostgresProvisioner, error) {
	u, err := url.Parse(adminDSN)
	if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
		return nil, fmt.Errorf("admin connection must be a postgres:// URL")
	}
	if password == nil {
		return nil, fmt.Errorf("password derivation is required")
	}

	admin, err := dbutil.Open(ctx, dbutil.DriverPostgres, adminDSN, dbutil.PoolOptions{MaxOpenConns: 4})
	if err != nil {
		return nil, err
	}

	return &PostgresProvisioner{
		tenantSchema: tenantSchema{log: log},
		admin:        admin,
		adminURL:     u,
		password:     password,
	}, nil
}

// Close releases the administrative pool.
func (p *PostgresProvisioner) Close() error {
	return p.admin.Close()
}

// CreateDatabase creates the owner role and the tenant database.
func (p *PostgresProvisioner) CreateDatabase(ctx context.Context, slug string) (string, error) {
	dbName, err := DatabaseNameFor(slug)
	if err != nil {
		return "", err
	}
	roleName, _ := RoleNameFor(slug)

	fail := func(msg string, err error) error {
		return &interfaces.ProvisionError{Slug: slug, Step: interfaces.StepCreateDatabase, Kind: interfaces.CreationFailed, Message: msg, Err: err}
	}

	if err := p.ensureRole(ctx, roleName, p.password(slug)); err != nil {
		return "", fail("cannot create owner role", err)
	}

	var exists bool
	if err := p.admin.GetContext(ctx, &exists, "SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", dbName); err != nil {
		return "", fail("cannot inspect server databases", err)
	}
	if exists {
		return dbName, &interfaces.ProvisionError{Slug: slug, Step: interfaces.StepCreateDatabase, Kind: interfaces.AlreadyExists, Message: "database " + dbName + " already exists"}
	}

	// CREATE DATABASE cannot run inside a transaction or take parameters.
	stmt := fmt.Sprintf("CREATE DATABASE %s OWNER %s", pgx.Identifier{dbName}.Sanitize(), pgx.Identifier{roleName}.Sanitize())
	if _, err := p.admin.ExecContext(ctx, stmt); err != nil {
		if dbutil.IsDuplicateDatabase(err) {
			return dbName, &interfaces.ProvisionError{Slug: slug, Step: interfaces.StepCreateDatabase, Kind: interfaces.AlreadyExists, Message: "database " + dbName + " already exists"}
		}
		return "", fail("CREATE DATABASE failed", err)
	}

	revoke := fmt.Sprintf("REVOKE ALL ON DATABASE %s FROM PUBLIC", pgx.Identifier{dbName}.Sanitize())
	if _, err := p.admin.ExecContext(ctx, revoke); err != nil {
		p.log.Warn("Could not revoke public access to tenant database", "database", dbName, "err", err)
	}

	p.log.Info("Tenant database created", "slug", slug, "database", dbName)
	return dbName, nil
}

func (p *PostgresProvisioner) ensureRole(ctx context.Context, role, password string) error {
	// Role DDL takes no bind parameters, the password is quoted as a literal.
	literal := "'" + strings.ReplaceAll(password, "'", "''") + "'"
	ident := pgx.Identifier{role}.Sanitize()

	_, err := p.admin.ExecContext(ctx, fmt.Sprintf("CREATE ROLE %s LOGIN PASSWORD %s", ident, literal))
	if err == nil {
		return nil
	}
	if !dbutil.IsDuplicateObject(err) {
		return err
	}
	_, err = p.admin.ExecContext(ctx, fmt.Sprintf("ALTER ROLE %s LOGIN PASSWORD %s", ident, literal))
	return err
}

// ConnectionFor returns the owner-role connection URL of the tenant database.
func (p *PostgresProvisioner) ConnectionFor(slug string) (string, error) {
	dbName, err := DatabaseNameFor(slug)
	if err != nil {
		return "", err
	}
	roleName, _ := RoleNameFor(slug)

	u := *p.adminURL
	u.User = url.UserPassword(roleName, p.password(slug))
	u.Path = "/" + dbName
	return u.String(), nil
}

var _ interfaces.DatabaseProvisioner = (*PostgresProvisioner)(nil)
