package interfaces

import (
	"errors"
	"fmt"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrSlugTaken              = errors.New("tenant slug already registered")
	ErrPlanNotFound           = errors.New("plan not found")
	ErrInvalidToken           = errors.New("invalid or expired token")
	ErrTenantNotFound         = errors.New("tenant not found")
	ErrTenantNotReady         = errors.New("tenant not ready")
	ErrTenantRequired         = errors.New("tenant identification required")
	ErrInvalidTransition      = errors.New("invalid state transition")
	ErrConcurrentModification = errors.New("record modified concurrently")
	ErrStepNotFound           = errors.New("provisioning step not found")

	ErrDatabaseExists   = errors.New("tenant database already exists")
	ErrDatabaseCreation = errors.New("tenant database creation failed")
	ErrStepTimeout      = errors.New("provisioning step timed out")
	ErrInterrupted      = errors.New("provisioning interrupted")

	ErrDecryption = errors.New("secret decryption failed")

	ErrKeyNotFound        = errors.New("key material not found")
	ErrBackendUnavailable = errors.New("storage backend unavailable")
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// ProvisionErrorKind classifies DatabaseProvisioner failures.
type ProvisionErrorKind string

const (
	AlreadyExists  ProvisionErrorKind = "AlreadyExists"
	CreationFailed ProvisionErrorKind = "CreationFailed"
	SchemaFailed   ProvisionErrorKind = "SchemaFailed"
	SeedFailed     ProvisionErrorKind = "SeedFailed"
)

// ProvisionError describes a failed provisioner call. Message must never
// carry connection strings or credentials.
type ProvisionError struct {
	Slug    string
	Step    StepName
	Kind    ProvisionErrorKind
	Message string
	Err     error
}

func (e *ProvisionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s (%s): %s: %v", e.Step, e.Slug, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s (%s): %s", e.Step, e.Slug, e.Kind, e.Message)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the kind sentinels without unwrapping driver errors.
func (e *ProvisionError) Is(target error) bool {
	switch target {
	case ErrDatabaseExists:
		return e.Kind == AlreadyExists
	case ErrDatabaseCreation:
		return e.Kind == CreationFailed
	}
	return false
}
