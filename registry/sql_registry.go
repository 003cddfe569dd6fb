package registry

import (
	"context"
	"database/sql"
	"embed"
	"errors"
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

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	tenantsTable = "tenants"
	stepsTable   = "provisioning_steps"
	plansTable   = "plans"
)

var tenantColumns = []string{
	"id", "slug", "display_name", "status", "plan_code", "db_name",
	"encrypted_connection", "last_error", "lease_owner", "lease_until_ms",
	"created_at", "updated_at",
}

var stepColumns = []string{
	"id", "tenant_id", "seq", "step", "attempt", "status",
	"started_at", "completed_at", "message", "error",
}

type tenantRow struct {
	ID                  string         `db:"id"`
	Slug                string         `db:"slug"`
	DisplayName         string         `db:"display_name"`
	Status              string         `db:"status"`
	PlanCode            string         `db:"plan_code"`
	DatabaseName        sql.NullString `db:"db_name"`
	EncryptedConnection sql.NullString `db:"encrypted_connection"`
	LastError           sql.NullString `db:"last_error"`
	LeaseOwner          sql.NullString `db:"lease_owner"`
	LeaseUntilMs        sql.NullInt64  `db:"lease_until_ms"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

func (r *tenantRow) toTenant() (*interfaces.Tenant, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("corrupt tenant id %q: %w", r.ID, err)
	}
	t := &interfaces.Tenant{
		ID:                  id,
		Slug:                r.Slug,
		DisplayName:         r.DisplayName,
		Status:              interfaces.TenantStatus(r.Status),
		PlanCode:            r.PlanCode,
		DatabaseName:        r.DatabaseName.String,
		EncryptedConnection: r.EncryptedConnection.String,
		LastError:           r.LastError.String,
		LeaseOwner:          r.LeaseOwner.String,
		CreatedAt:           r.CreatedAt.UTC(),
		UpdatedAt:           r.UpdatedAt.UTC(),
	}
	if r.LeaseUntilMs.Valid {
		until := time.UnixMilli(r.LeaseUntilMs.Int64).UTC()
		t.LeaseUntil = &until
	}
	return t, nil
}

type stepRow struct {
	ID          string       `db:"id"`
	TenantID    string       `db:"tenant_id"`
	Seq         int          `db:"seq"`
	Step        string       `db:"step"`
	Attempt     int          `db:"attempt"`
	Status      string       `db:"status"`
	StartedAt   sql.NullTime `db:"started_at"`
	CompletedAt sql.NullTime `db:"completed_at"`
	Message     string       `db:"message"`
	Error       string       `db:"error"`
}

func (r *stepRow) toStep() (*interfaces.ProvisioningStep, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("corrupt step id %q: %w", r.ID, err)
	}
	tenantID, err := uuid.Parse(r.TenantID)
	if err != nil {
		return nil, fmt.Errorf("corrupt tenant id %q: %w", r.TenantID, err)
	}
	s := &interfaces.ProvisioningStep{
		ID:       id,
		TenantID: tenantID,
		Seq:      r.Seq,
		Step:     interfaces.StepName(r.Step),
		Attempt:  r.Attempt,
		Status:   interfaces.StepStatus(r.Status),
		Message:  r.Message,
		Error:    r.Error,
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time.UTC()
		s.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time.UTC()
		s.CompletedAt = &t
	}
	return s, nil
}

// SQLRegistry implements interfaces.TenantRegistry on SQLite or PostgreSQL.
type SQLRegistry struct {
	db     *sqlx.DB
	driver string
	sb     sq.StatementBuilderType
	log    *slog.Logger
	now    func() time.Time
}

// Open connects to the registry database and applies pending migrations.
func Open(ctx context.Context, driver, dsn string, log *slog.Logger) (*SQLRegistry, error) {
	driver, err := dbutil.NormalizeDriver(driver)
	if err != nil {
		return nil, err
	}
	if driver == dbutil.DriverSQLite {
		dsn = dbutil.SQLiteDSN(dsn)
	}

	db, err := dbutil.Open(ctx, driver, dsn, dbutil.PoolOptions{
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return nil, err
	}

	r, err := New(ctx, db, driver, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// New wraps an open connection and applies pending migrations.
func New(ctx context.Context, db *sqlx.DB, driver string, log *slog.Logger) (*SQLRegistry, error) {
	migrations, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return nil, err
	}
	applied, err := dbutil.Migrate(ctx, db, driver, migrations, log)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate registry: %w", err)
	}
	if applied > 0 {
		log.Info("Registry schema migrated", "applied", applied)
	}

	return &SQLRegistry{
		db:     db,
		driver: driver,
		sb:     dbutil.Builder(driver),
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (r *SQLRegistry) Close() error {
	return r.db.Close()
}

// Ping checks the registry connection, used by readiness checks.
func (r *SQLRegistry) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLRegistry) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r *SQLRegistry) CreateTenant(ctx context.Context, nt interfaces.NewTenant) (*interfaces.Tenant, error) {
	var tenant *interfaces.Tenant

	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		plan, err := r.getPlan(ctx, tx, nt.PlanCode)
		if err != nil {
			return err
		}

		now := r.now()
		id := uuid.New()
		query, args, err := r.sb.Insert(tenantsTable).
			Columns("id", "slug", "display_name", "status", "plan_code", "created_at", "updated_at").
			Values(id.String(), nt.Slug, nt.DisplayName, string(interfaces.TenantPending), plan.Code, now, now).
			ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			if dbutil.IsUniqueViolation(err) {
				return fmt.Errorf("%w: %s", interfaces.ErrSlugTaken, nt.Slug)
			}
			return fmt.Errorf("failed to insert tenant: %w", err)
		}

		query, args, err = r.sb.Insert(stepsTable).
			Columns(stepColumns...).
			Values(uuid.New().String(), id.String(), 1, string(interfaces.StepInit), 1,
				string(interfaces.StepSuccess), now, now, "provisioning requested", "").
			ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to record init step: %w", err)
		}

		tenant = &interfaces.Tenant{
			ID:          id,
			Slug:        nt.Slug,
			DisplayName: nt.DisplayName,
			Status:      interfaces.TenantPending,
			PlanCode:    plan.Code,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.log.Info("Tenant registered", "tenantID", tenant.ID, "slug", tenant.Slug, "plan", tenant.PlanCode)
	return tenant, nil
}

func (r *SQLRegistry) getTenant(ctx context.Context, q sqlx.QueryerContext, where sq.Sqlizer) (*interfaces.Tenant, error) {
	query, args, err := r.sb.Select(tenantColumns...).From(tenantsTable).Where(where).ToSql()
	if err != nil {
		return nil, err
	}
	var row tenantRow
	if err := sqlx.GetContext(ctx, q, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to load tenant: %w", err)
	}
	return row.toTenant()
}

func (r *SQLRegistry) GetTenant(ctx context.Context, id uuid.UUID) (*interfaces.Tenant, error) {
	return r.getTenant(ctx, r.db, sq.Eq{"id": id.String()})
}

func (r *SQLRegistry) GetTenantBySlug(ctx context.Context, slug string) (*interfaces.Tenant, error) {
	return r.getTenant(ctx, r.db, sq.Eq{"slug": slug})
}

func (r *SQLRegistry) ListTenants(ctx context.Context, statuses ...interfaces.TenantStatus) ([]*interfaces.Tenant, error) {
	qb := r.sb.Select(tenantColumns...).From(tenantsTable).OrderBy("created_at", "slug")
	if len(statuses) > 0 {
		values := make([]string, len(statuses))
		for i, s := range statuses {
			values[i] = string(s)
		}
		qb = qb.Where(sq.Eq{"status": values})
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []tenantRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}

	tenants := make([]*interfaces.Tenant, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTenant()
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, nil
}

func (r *SQLRegistry) getPlan(ctx context.Context, q sqlx.QueryerContext, code string) (*interfaces.Plan, error) {
	query, args, err := r.sb.Select("code", "name").From(plansTable).
		Where("LOWER(code) = LOWER(?)", code).
		ToSql()
	if err != nil {
		return nil, err
	}
	var plan interfaces.Plan
	row := q.QueryRowxContext(ctx, query, args...)
	if err := row.Scan(&plan.Code, &plan.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrPlanNotFound, code)
		}
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}
	return &plan, nil
}

func (r *SQLRegistry) GetPlan(ctx context.Context, code string) (*interfaces.Plan, error) {
	return r.getPlan(ctx, r.db, code)
}

func (r *SQLRegistry) ListPlans(ctx context.Context) ([]*interfaces.Plan, error) {
	query, args, err := r.sb.Select("code", "name").From(plansTable).OrderBy("code").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []*interfaces.Plan
	for rows.Next() {
		var p interfaces.Plan
		if err := rows.Scan(&p.Code, &p.Name); err != nil {
			return nil, err
		}
		plans = append(plans, &p)
	}
	return plans, rows.Err()
}

// UpdateTenantStatus validates the transition against the current status and
// applies it with a compare-and-set on that status.
func (r *SQLRegistry) UpdateTenantStatus(ctx context.Context, id uuid.UUID, to interfaces.TenantStatus, lastError string) error {
	var from interfaces.TenantStatus

	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		current, err := r.getTenant(ctx, tx, sq.Eq{"id": id.String()})
		if err != nil {
			return err
		}
		from = current.Status
		if err := from.ValidateTransition(to); err != nil {
			return err
		}

		update := r.sb.Update(tenantsTable).
			Set("status", string(to)).
			Set("updated_at", r.now()).
			Where(sq.Eq{"id": id.String(), "status": string(from)})
		if lastError != "" || to != interfaces.TenantFailed {
			update = update.Set("last_error", nullString(lastError))
		}
		return r.execOne(ctx, tx, update)
	})
	if err != nil {
		return err
	}

	r.log.Debug("Tenant status changed", "tenantID", id, "from", from, "to", to)
	return nil
}

func (r *SQLRegistry) SetDatabaseName(ctx context.Context, id uuid.UUID, dbName string) error {
	return r.execOne(ctx, r.db, r.sb.Update(tenantsTable).
		Set("db_name", dbName).
		Set("updated_at", r.now()).
		Where(sq.Eq{"id": id.String()}))
}

// SetConnectionSecret stores the sealed connection string. Only tenants that
// are being provisioned may receive a new secret.
func (r *SQLRegistry) SetConnectionSecret(ctx context.Context, id uuid.UUID, encrypted string) error {
	if encrypted == "" {
		return fmt.Errorf("%w: empty connection secret", interfaces.ErrValidation)
	}
	err := r.execOne(ctx, r.db, r.sb.Update(tenantsTable).
		Set("encrypted_connection", encrypted).
		Set("updated_at", r.now()).
		Where(sq.Eq{"id": id.String(), "status": string(interfaces.TenantSeeding)}))
	if errors.Is(err, interfaces.ErrTenantNotFound) {
		if _, getErr := r.GetTenant(ctx, id); getErr == nil {
			return fmt.Errorf("%w: connection secret can only be set while seeding", interfaces.ErrInvalidTransition)
		}
	}
	return err
}

func (r *SQLRegistry) AcquireLease(ctx context.Context, id uuid.UUID, owner string, until time.Time) (bool, error) {
	now := r.now()
	query, args, err := r.sb.Update(tenantsTable).
		Set("lease_owner", owner).
		Set("lease_until_ms", until.UnixMilli()).
		Set("updated_at", now).
		Where(sq.Eq{"id": id.String()}).
		Where(sq.Or{
			sq.Eq{"lease_owner": nil},
			sq.Eq{"lease_owner": owner},
			sq.Lt{"lease_until_ms": now.UnixMilli()},
		}).
		ToSql()
	if err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := r.GetTenant(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (r *SQLRegistry) ReleaseLease(ctx context.Context, id uuid.UUID, owner string) error {
	query, args, err := r.sb.Update(tenantsTable).
		Set("lease_owner", nil).
		Set("lease_until_ms", nil).
		Where(sq.Eq{"id": id.String(), "lease_owner": owner}).
		ToSql()
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *SQLRegistry) listSteps(ctx context.Context, q sqlx.QueryerContext, tenantID uuid.UUID) ([]*interfaces.ProvisioningStep, error) {
	query, args, err := r.sb.Select(stepColumns...).From(stepsTable).
		Where(sq.Eq{"tenant_id": tenantID.String()}).
		OrderBy("seq").
		ToSql()
	if err != nil {
		return nil, err
	}
	var rows []stepRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	steps := make([]*interfaces.ProvisioningStep, 0, len(rows))
	for i := range rows {
		s, err := rows[i].toStep()
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func (r *SQLRegistry) ListSteps(ctx context.Context, tenantID uuid.UUID) ([]*interfaces.ProvisioningStep, error) {
	return r.listSteps(ctx, r.db, tenantID)
}

// StartStep appends a Running attempt. A step that already succeeded, or
// that still has an open Running attempt, cannot be started again.
func (r *SQLRegistry) StartStep(ctx context.Context, tenantID uuid.UUID, step interfaces.StepName) (*interfaces.ProvisioningStep, error) {
	if step.Order() < 0 {
		return nil, fmt.Errorf("%w: unknown step %q", interfaces.ErrValidation, step)
	}

	var started *interfaces.ProvisioningStep
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := r.getTenant(ctx, tx, sq.Eq{"id": tenantID.String()}); err != nil {
			return err
		}
		log, err := r.listSteps(ctx, tx, tenantID)
		if err != nil {
			return err
		}

		seq := 1
		for _, row := range log {
			if row.Seq >= seq {
				seq = row.Seq + 1
			}
			if row.Step != step {
				continue
			}
			if row.Status == interfaces.StepSuccess {
				return fmt.Errorf("%w: step %s already succeeded", interfaces.ErrInvalidTransition, step)
			}
			if row.Status == interfaces.StepRunning {
				return fmt.Errorf("%w: step %s already running", interfaces.ErrInvalidTransition, step)
			}
		}
		if err := interfaces.StepPending.ValidateTransition(interfaces.StepRunning); err != nil {
			return err
		}

		now := r.now()
		started = &interfaces.ProvisioningStep{
			ID:        uuid.New(),
			TenantID:  tenantID,
			Seq:       seq,
			Step:      step,
			Attempt:   interfaces.NextAttempt(log, step),
			Status:    interfaces.StepRunning,
			StartedAt: &now,
		}
		query, args, err := r.sb.Insert(stepsTable).
			Columns("id", "tenant_id", "seq", "step", "attempt", "status", "started_at", "message", "error").
			Values(started.ID.String(), tenantID.String(), started.Seq, string(step), started.Attempt,
				string(interfaces.StepRunning), now, "", "").
			ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			if dbutil.IsUniqueViolation(err) {
				return fmt.Errorf("%w: %v", interfaces.ErrConcurrentModification, err)
			}
			return fmt.Errorf("failed to insert step: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return started, nil
}

func (r *SQLRegistry) finishStep(ctx context.Context, stepID uuid.UUID, to interfaces.StepStatus, message, errMsg string) error {
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := r.sb.Select("status").From(stepsTable).Where(sq.Eq{"id": stepID.String()}).ToSql()
		if err != nil {
			return err
		}
		var current string
		if err := tx.GetContext(ctx, &current, query, args...); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return interfaces.ErrStepNotFound
			}
			return err
		}
		from := interfaces.StepStatus(current)
		if err := from.ValidateTransition(to); err != nil {
			return err
		}

		update := r.sb.Update(stepsTable).
			Set("status", string(to)).
			Set("completed_at", r.now()).
			Where(sq.Eq{"id": stepID.String(), "status": current})
		if message != "" {
			update = update.Set("message", message)
		}
		if errMsg != "" {
			update = update.Set("error", errMsg)
		}
		return r.execOne(ctx, tx, update)
	})
}

func (r *SQLRegistry) CompleteStep(ctx context.Context, stepID uuid.UUID, message string) error {
	return r.finishStep(ctx, stepID, interfaces.StepSuccess, message, "")
}

func (r *SQLRegistry) FailStep(ctx context.Context, stepID uuid.UUID, errMsg string) error {
	return r.finishStep(ctx, stepID, interfaces.StepFailed, "", errMsg)
}

// execOne runs an update expected to touch exactly one row. Inside a
// transaction the row was read first, so zero rows means a concurrent writer
// changed it; outside one it means the tenant does not exist.
func (r *SQLRegistry) execOne(ctx context.Context, e sqlx.ExecerContext, update sq.UpdateBuilder) error {
	query, args, err := update.ToSql()
	if err != nil {
		return err
	}
	res, err := e.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, isTx := e.(*sqlx.Tx); isTx {
			return interfaces.ErrConcurrentModification
		}
		return interfaces.ErrTenantNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ interfaces.TenantRegistry = (*SQLRegistry)(nil)
