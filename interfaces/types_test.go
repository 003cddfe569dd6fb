package interfaces

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTenantStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to TenantStatus
		allowed  bool
	}{
		{TenantPending, TenantSeeding, true},
		{TenantPending, TenantReady, false},
		{TenantSeeding, TenantReady, true},
		{TenantSeeding, TenantFailed, true},
		{TenantReady, TenantSuspended, true},
		{TenantSuspended, TenantReady, true},
		{TenantReady, TenantPending, false},
		{TenantFailed, TenantPending, true},
		{TenantFailed, TenantReady, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
			err := tt.from.ValidateTransition(tt.to)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestStepStatusIsFinalAfterCompletion(t *testing.T) {
	assert.True(t, StepPending.CanTransitionTo(StepRunning))
	assert.True(t, StepRunning.CanTransitionTo(StepSuccess))
	assert.True(t, StepRunning.CanTransitionTo(StepFailed))
	assert.False(t, StepSuccess.CanTransitionTo(StepRunning))
	assert.False(t, StepSuccess.CanTransitionTo(StepFailed))
	assert.False(t, StepFailed.CanTransitionTo(StepRunning))
}

func TestResumePoint(t *testing.T) {
	log := []*ProvisioningStep{
		{Step: StepInit, Attempt: 1, Status: StepSuccess},
		{Step: StepCreateDatabase, Attempt: 1, Status: StepSuccess},
		{Step: StepApplySchema, Attempt: 1, Status: StepFailed},
	}
	assert.Equal(t, StepApplySchema, ResumePoint(log))
	assert.Equal(t, 2, NextAttempt(log, StepApplySchema))
	assert.Equal(t, 1, NextAttempt(log, StepSeed))

	log = append(log,
		&ProvisioningStep{Step: StepApplySchema, Attempt: 2, Status: StepSuccess},
		&ProvisioningStep{Step: StepSeed, Attempt: 1, Status: StepSuccess},
		&ProvisioningStep{Step: StepReady, Attempt: 1, Status: StepSuccess},
	)
	assert.Equal(t, StepName(""), ResumePoint(log))

	assert.Equal(t, StepInit, ResumePoint(nil))
}

func TestProvisionErrorMatchesKind(t *testing.T) {
	cause := errors.New("driver said no")
	err := error(&ProvisionError{Slug: "acme", Step: StepCreateDatabase, Kind: AlreadyExists, Message: "exists", Err: cause})

	require.ErrorIs(t, err, ErrDatabaseExists)
	require.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrDatabaseCreation)

	var pe *ProvisionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "acme", pe.Slug)
}

func TestValidateSlug(t *testing.T) {
	for _, ok := range []string{"acme", "abc", "acme-store-2", "a1-b2"} {
		assert.NoError(t, ValidateSlug(ok), ok)
	}
	for _, bad := range []string{"", "ab", "Acme", "acme_store", "acme store", "ác", "a-very-long-slug-that-goes-beyond-the-fifty-char-limit"} {
		assert.ErrorIs(t, ValidateSlug(bad), ErrValidation, bad)
	}
}

func TestValidateDisplayName(t *testing.T) {
	assert.NoError(t, ValidateDisplayName("Acme Co"))
	assert.ErrorIs(t, ValidateDisplayName("   "), ErrValidation)
	long := make([]byte, MaxNameLength+1)
	for i := range long {
		long[i] = 'x'
	}
	assert.ErrorIs(t, ValidateDisplayName(string(long)), ErrValidation)
}
