package provisioner

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockProvisioner is a testify mock of interfaces.DatabaseProvisioner.
type MockProvisioner struct {
	mock.Mock
}

func (m *MockProvisioner) CreateDatabase(ctx context.Context, slug string) (string, error) {
	args := m.Called(ctx, slug)
	return args.String(0), args.Error(1)
}

func (m *MockProvisioner) ConnectionFor(slug string) (string, error) {
	args := m.Called(slug)
	return args.String(0), args.Error(1)
}

func (m *MockProvisioner) ApplyBaselineSchema(ctx context.Context, connection string) error {
	args := m.Called(ctx, connection)
	return args.Error(0)
}

func (m *MockProvisioner) Seed(ctx context.Context, connection, slug, name string) error {
	args := m.Called(ctx, connection, slug, name)
	return args.Error(0)
}
