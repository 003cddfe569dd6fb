package provisioner

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/ruteri/tenant-provisioning-backend/dbutil"
	"github.com/ruteri/tenant-provisioning-backend/interfaces"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Roles, modules and grants every tenant database starts with.
var (
	seedRoles = [][2]string{
		{"owner", "Owner"},
		{"admin", "Administrator"},
		{"staff", "Staff"},
	}
	seedModules = [][2]string{
		{"catalog", "Catalog"},
		{"cart", "Cart"},
		{"checkout", "Checkout"},
		{"loyalty", "Loyalty"},
		{"rbac", "Access control"},
	}
	seedGrants = map[string][]string{
		"owner": {"catalog", "cart", "checkout", "loyalty", "rbac"},
		"admin": {"catalog", "cart", "checkout", "loyalty", "rbac"},
		"staff": {"catalog", "cart", "checkout"},
	}
)

// tenantSchema applies the baseline schema and seed data to a tenant
// database given its connection string. It is shared by every provisioner.
type tenantSchema struct {
	log *slog.Logger
}

func (s tenantSchema) open(ctx context.Context, connection string) (*sqlx.DB, string, error) {
	driver, err := dbutil.DriverFor(connection)
	if err != nil {
		return nil, "", err
	}
	db, err := dbutil.Open(ctx, driver, connection, dbutil.PoolOptions{MaxOpenConns: 2})
	if err != nil {
		return nil, "", err
	}
	return db, driver, nil
}

// ApplyBaselineSchema runs the embedded schema scripts that have not been
// applied yet. Scripts are transactional and use IF NOT EXISTS, so a retry
// after a partial failure converges.
func (s tenantSchema) ApplyBaselineSchema(ctx context.Context, connection string) error {
	db, driver, err := s.open(ctx, connection)
	if err != nil {
		return &interfaces.ProvisionError{Step: interfaces.StepApplySchema, Kind: interfaces.SchemaFailed, Message: "cannot connect to tenant database", Err: err}
	}
	defer db.Close()

	scripts, err := fs.Sub(schemaFS, "schema")
	if err != nil {
		return err
	}
	applied, err := dbutil.Migrate(ctx, db, driver, scripts, s.log)
	if err != nil {
		return &interfaces.ProvisionError{Step: interfaces.StepApplySchema, Kind: interfaces.SchemaFailed, Message: "schema script failed", Err: err}
	}

	s.log.Debug("Baseline schema applied", "scripts", applied)
	return nil
}

// Seed inserts the default roles, modules, grants, store settings and the
// owner invitation. Each group is checked before inserting and inserts skip
// conflicting rows, so seeding an already seeded database changes nothing.
func (s tenantSchema) Seed(ctx context.Context, connection, slug, name string) error {
	fail := func(msg string, err error) error {
		return &interfaces.ProvisionError{Slug: slug, Step: interfaces.StepSeed, Kind: interfaces.SeedFailed, Message: msg, Err: err}
	}

	db, driver, err := s.open(ctx, connection)
	if err != nil {
		return fail("cannot connect to tenant database", err)
	}
	defer db.Close()
	sb := dbutil.Builder(driver)

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fail("cannot begin transaction", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	groups := []struct {
		name   string
		table  string
		cols   []string
		rows   [][]interface{}
		exists sq.SelectBuilder
	}{
		{
			name:  "roles",
			table: "roles",
			cols:  []string{"code", "name"},
			rows:  pairs(seedRoles),
		},
		{
			name:  "modules",
			table: "modules",
			cols:  []string{"code", "name"},
			rows:  pairs(seedModules),
		},
		{
			name:  "grants",
			table: "role_modules",
			cols:  []string{"role_code", "module_code"},
			rows:  grants(),
		},
		{
			name:  "settings",
			table: "settings",
			cols:  []string{"name", "value"},
			rows: [][]interface{}{
				{"store_name", name},
				{"tenant_slug", slug},
			},
		},
		{
			name:  "owner",
			table: "users",
			cols:  []string{"id", "email", "display_name", "role_code", "status", "created_at"},
			rows: [][]interface{}{
				{uuid.New().String(), fmt.Sprintf("owner@%s.invalid", slug), name + " owner", "owner", "invited", now},
			},
		},
	}

	inserted := 0
	for _, g := range groups {
		query, args, err := sb.Select("COUNT(*)").From(g.table).ToSql()
		if err != nil {
			return err
		}
		var count int
		if err := tx.GetContext(ctx, &count, query, args...); err != nil {
			return fail("cannot inspect "+g.name, err)
		}
		if count >= len(g.rows) {
			continue
		}

		insert := sb.Insert(g.table).Columns(g.cols...).Suffix("ON CONFLICT DO NOTHING")
		for _, row := range g.rows {
			insert = insert.Values(row...)
		}
		query, args, err = insert.ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fail("cannot seed "+g.name, err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return fail("cannot commit seed data", err)
	}
	s.log.Debug("Tenant seeded", "slug", slug, "groups", inserted)
	return nil
}

func pairs(in [][2]string) [][]interface{} {
	out := make([][]interface{}, 0, len(in))
	for _, p := range in {
		out = append(out, []interface{}{p[0], p[1]})
	}
	return out
}

func grants() [][]interface{} {
	var out [][]interface{}
	for _, role := range seedRoles {
		for _, module := range seedGrants[role[0]] {
			out = append(out, []interface{}{role[0], module})
		}
	}
	return out
}
