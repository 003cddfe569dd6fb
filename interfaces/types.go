package interfaces

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TenantStatus is the lifecycle state of a tenant.
type TenantStatus string

const (
	TenantPending   TenantStatus = "Pending"
	TenantSeeding   TenantStatus = "Seeding"
	TenantReady     TenantStatus = "Ready"
	TenantSuspended TenantStatus = "Suspended"
	TenantFailed    TenantStatus = "Failed"
)

var tenantTransitions = map[TenantStatus][]TenantStatus{
	TenantPending:   {TenantSeeding, TenantFailed},
	TenantSeeding:   {TenantReady, TenantFailed},
	TenantReady:     {TenantSuspended},
	TenantSuspended: {TenantReady},
	TenantFailed:    {TenantPending},
}

// Valid reports whether s is a known status.
func (s TenantStatus) Valid() bool {
	_, ok := tenantTransitions[s]
	return ok
}

// CanTransitionTo reports whether the tenant state machine allows s -> to.
func (s TenantStatus) CanTransitionTo(to TenantStatus) bool {
	for _, allowed := range tenantTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition wrapped with context when
// the move is not allowed.
func (s TenantStatus) ValidateTransition(to TenantStatus) error {
	if !s.CanTransitionTo(to) {
		return fmt.Errorf("%w: tenant %s -> %s", ErrInvalidTransition, s, to)
	}
	return nil
}

// Tenant is the durable control-plane record of one tenant.
type Tenant struct {
	ID          uuid.UUID
	Slug        string
	DisplayName string
	Status      TenantStatus
	PlanCode    string

	// DatabaseName is set once CreateDatabase succeeds.
	DatabaseName string

	// EncryptedConnection is the sealed connection string, base64 text.
	// Empty until the tenant reaches Ready.
	EncryptedConnection string

	LastError  string
	LeaseOwner string
	LeaseUntil *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NewTenant carries the fields accepted at registration time.
type NewTenant struct {
	Slug        string
	DisplayName string
	PlanCode    string
}

// Plan is a subscription plan a tenant can be registered under.
type Plan struct {
	Code string
	Name string
}
