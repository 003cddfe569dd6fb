package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tenant-provisioning-backend/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockRegistry mocks interfaces.TenantRegistry.
type MockRegistry struct {
	mock.Mock
}

func (m *MockRegistry) CreateTenant(ctx context.Context, nt interfaces.NewTenant) (*interfaces.Tenant, error) {
	args := m.Called(ctx, nt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.Tenant), args.Error(1)
}

func (m *MockRegistry) GetTenant(ctx context.Context, id uuid.UUID) (*interfaces.Tenant, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.Tenant), args.Error(1)
}

func (m *MockRegistry) GetTenantBySlug(ctx context.Context, slug string) (*interfaces.Tenant, error) {
	args := m.Called(ctx, slug)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.Tenant), args.Error(1)
}

func (m *MockRegistry) ListTenants(ctx context.Context, statuses ...interfaces.TenantStatus) ([]*interfaces.Tenant, error) {
	args := m.Called(ctx, statuses)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*interfaces.Tenant), args.Error(1)
}

func (m *MockRegistry) GetPlan(ctx context.Context, code string) (*interfaces.Plan, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.Plan), args.Error(1)
}

func (m *MockRegistry) ListPlans(ctx context.Context) ([]*interfaces.Plan, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*interfaces.Plan), args.Error(1)
}

func (m *MockRegistry) UpdateTenantStatus(ctx context.Context, id uuid.UUID, to interfaces.TenantStatus, lastError string) error {
	return m.Called(ctx, id, to, lastError).Error(0)
}

func (m *MockRegistry) SetDatabaseName(ctx context.Context, id uuid.UUID, dbName string) error {
	return m.Called(ctx, id, dbName).Error(0)
}

func (m *MockRegistry) SetConnectionSecret(ctx context.Context, id uuid.UUID, encrypted string) error {
	return m.Called(ctx, id, encrypted).Error(0)
}

func (m *MockRegistry) AcquireLease(ctx context.Context, id uuid.UUID, owner string, until time.Time) (bool, error) {
	args := m.Called(ctx, id, owner, until)
	return args.Bool(0), args.Error(1)
}

func (m *MockRegistry) ReleaseLease(ctx context.Context, id uuid.UUID, owner string) error {
	return m.Called(ctx, id, owner).Error(0)
}

func (m *MockRegistry) StartStep(ctx context.Context, tenantID uuid.UUID, step interfaces.StepName) (*interfaces.ProvisioningStep, error) {
	args := m.Called(ctx, tenantID, step)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.ProvisioningStep), args.Error(1)
}

func (m *MockRegistry) CompleteStep(ctx context.Context, stepID uuid.UUID, message string) error {
	return m.Called(ctx, stepID, message).Error(0)
}

func (m *MockRegistry) FailStep(ctx context.Context, stepID uuid.UUID, errMsg string) error {
	return m.Called(ctx, stepID, errMsg).Error(0)
}

func (m *MockRegistry) ListSteps(ctx context.Context, tenantID uuid.UUID) ([]*interfaces.ProvisioningStep, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*interfaces.ProvisioningStep), args.Error(1)
}

var _ interfaces.TenantRegistry = (*MockRegistry)(nil)
