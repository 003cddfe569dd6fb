package interfaces

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TenantRegistry is the durable store of tenants, plans and the provisioning
// log. Every status write is validated against the tenant and step state
// machines.
type TenantRegistry interface {
	// CreateTenant inserts a Pending tenant and its successful Init step.
	// Returns ErrSlugTaken when the slug is already registered.
	CreateTenant(ctx context.Context, nt NewTenant) (*Tenant, error)
	GetTenant(ctx context.Context, id uuid.UUID) (*Tenant, error)
	GetTenantBySlug(ctx context.Context, slug string) (*Tenant, error)
	ListTenants(ctx context.Context, statuses ...TenantStatus) ([]*Tenant, error)

	// GetPlan looks a plan up case-insensitively.
	GetPlan(ctx context.Context, code string) (*Plan, error)
	ListPlans(ctx context.Context) ([]*Plan, error)

	UpdateTenantStatus(ctx context.Context, id uuid.UUID, to TenantStatus, lastError string) error
	SetDatabaseName(ctx context.Context, id uuid.UUID, dbName string) error
	SetConnectionSecret(ctx context.Context, id uuid.UUID, encrypted string) error

	// AcquireLease claims the tenant for owner until the given time. It
	// succeeds when the tenant is unleased, the lease has expired, or owner
	// already holds it.
	AcquireLease(ctx context.Context, id uuid.UUID, owner string, until time.Time) (bool, error)
	ReleaseLease(ctx context.Context, id uuid.UUID, owner string) error

	// StartStep appends a Running attempt of step.
	StartStep(ctx context.Context, tenantID uuid.UUID, step StepName) (*ProvisioningStep, error)
	CompleteStep(ctx context.Context, stepID uuid.UUID, message string) error
	FailStep(ctx context.Context, stepID uuid.UUID, errMsg string) error
	ListSteps(ctx context.Context, tenantID uuid.UUID) ([]*ProvisioningStep, error)
}
