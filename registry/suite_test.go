package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tenant-provisioning-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runRegistrySuite exercises a registry implementation; newRegistry must
// return an empty, migrated registry.
func runRegistrySuite(t *testing.T, newRegistry func(t *testing.T) *SQLRegistry) {
	t.Run("CreateAndGet", func(t *testing.T) {
		r := newRegistry(t)
		ctx := context.Background()

		tenant, err := r.CreateTenant(ctx, interfaces.NewTenant{Slug: "acme", DisplayName: "Acme Co", PlanCode: "premium"})
		require.NoError(t, err)
		assert.Equal(t, interfaces.TenantPending, tenant.Status)
		assert.Equal(t, "Premium", tenant.PlanCode, "plan code is canonicalized")

		byID, err := r.GetTenant(ctx, tenant.ID)
		require.NoError(t, err)
		assert.Equal(t, "acme", byID.Slug)
		assert.Equal(t, "Acme Co", byID.DisplayName)
		assert.Empty(t, byID.EncryptedConnection)
		assert.Nil(t, byID.LeaseUntil)

		bySlug, err := r.GetTenantBySlug(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, tenant.ID, bySlug.ID)

		steps, err := r.ListSteps(ctx, tenant.ID)
		require.NoError(t, err)
		require.Len(t, steps, 1)
		assert.Equal(t, interfaces.StepInit, steps[0].Step)
		assert.Equal(t, interfaces.StepSuccess, steps[0].Status)
		assert.NotNil(t, steps[0].CompletedAt)

		_, err = r.GetTenant(ctx, uuid.New())
		assert.ErrorIs(t, err, interfaces.ErrTenantNotFound)
		_, err = r.GetTenantBySlug(ctx, "missing")
		assert.ErrorIs(t, err, interfaces.ErrTenantNotFound)
	})

	t.Run("DuplicateSlug", func(t *testing.T) {
		r := newRegistry(t)
		ctx := context.Background()

		_, err := r.CreateTenant(ctx, interfaces.NewTenant{Slug: "acme", DisplayName: "Acme", PlanCode: "Basic"})
		require.NoError(t, err)
		_, err = r.CreateTenant(ctx, interfaces.NewTenant{Slug: "acme", DisplayName: "Other", PlanCode: "Basic"})
		require.ErrorIs(t, err, interfaces.ErrSlugTaken)

		tenants, err := r.ListTenants(ctx)
		require.NoError(t, err)
		assert.Len(t, tenants, 1)
	})

	t.Run("ConcurrentDuplicateSlug", func(t *testing.T) {
		r := newRegistry(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = r.CreateTenant(ctx, interfaces.NewTenant{Slug: "race", DisplayName: "Race", PlanCode: "Basic"})
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
			}
		}
		assert.Equal(t, 1, succeeded)

		tenants, err := r.ListTenants(ctx)
		require.NoError(t, err)
		assert.Len(t, tenants, 1)
	})

	t.Run("UnknownPlan", func(t *testing.T) {
		r := newRegistry(t)
		_, err := r.CreateTenant(context.Background(), interfaces.NewTenant{Slug: "acme", DisplayName: "Acme", PlanCode: "Gold"})
		assert.ErrorIs(t, err, interfaces.ErrPlanNotFound)

		plans, err := r.ListPlans(context.Background())
		require.NoError(t, err)
		assert.Len(t, plans, 3)
	})

	t.Run("StatusTransitions", func(t *testing.T) {
		r := newRegistry(t)
		ctx := context.Background()
		tenant, err := r.CreateTenant(ctx, interfaces.NewTenant{Slug: "acme", DisplayName: "Acme", PlanCode: "Basic"})
		require.NoError(t, err)

		err = r.UpdateTenantStatus(ctx, tenant.ID, interfaces.TenantReady, "")
		require.ErrorIs(t, err, interfaces.ErrInvalidTransition)

		require.NoError(t, r.UpdateTenantStatus(ctx, tenant.ID, interfaces.TenantSeeding, ""))
		require.NoError(t, r.UpdateTenantStatus(ctx, tenant.ID, interfaces.TenantFailed, "schema broke"))

		failed, err := r.GetTenant(ctx, tenant.ID)
		require.NoError(t, err)
		assert.Equal(t, interfaces.TenantFailed, failed.Status)
		assert.Equal(t, "schema broke", failed.LastError)

		require.NoError(t, r.UpdateTenantStatus(ctx, tenant.ID, interfaces.TenantPending, ""))
		pending, err := r.GetTenant(ctx, tenant.ID)
		require.NoError(t, err)
		assert.Empty(t, pending.LastError)

		err = r.UpdateTenantStatus(ctx, uuid.New(), interfaces.TenantSeeding, "")
		assert.ErrorIs(t, err, interfaces.ErrTenantNotFound)

		listed, err := r.ListTenants(ctx, interfaces.TenantPending, interfaces.TenantSeeding)
		require.NoError(t, err)
		assert.Len(t, listed, 1)
		listed, err = r.ListTenants(ctx, interfaces.TenantReady)
		require.NoError(t, err)
		assert.Empty(t, listed)
	})

	t.Run("ConnectionSecretOnlyWhileSeeding", func(t *testing.T) {
		r := newRegistry(t)
		ctx := context.Background()
		tenant, err := r.CreateTenant(ctx, interfaces.NewTenant{Slug: "acme", DisplayName: "Acme", PlanCode: "Basic"})
		require.NoError(t, err)

		err = r.SetConnectionSecret(ctx, tenant.ID, "sealed")
		require.ErrorIs(t, err, interfaces.ErrInvalidTransition)

		require.NoError(t, r.UpdateTenantStatus(ctx, tenant.ID, interfaces.TenantSeeding, ""))
		require.NoError(t, r.SetDatabaseName(ctx, tenant.ID, "tenant_acme"))
		require.NoError(t, r.SetConnectionSecret(ctx, tenant.ID, "sealed"))
		require.NoError(t, r.UpdateTenantStatus(ctx, tenant.ID, interfaces.TenantReady, ""))

		ready, err := r.GetTenant(ctx, tenant.ID)
		require.NoError(t, err)
		assert.Equal(t, "sealed", ready.EncryptedConnection)
		assert.Equal(t, "tenant_acme", ready.DatabaseName)

		assert.ErrorIs(t, r.SetDatabaseName(ctx, uuid.New(), "x"), interfaces.ErrTenantNotFound)
		assert.ErrorIs(t, r.SetConnectionSecret(ctx, uuid.New(), "x"), interfaces.ErrTenantNotFound)
	})

	t.Run("StepLog", func(t *testing.T) {
		r := newRegistry(t)
		ctx := context.Background()
		tenant, err := r.CreateTenant(ctx, interfaces.NewTenant{Slug: "acme", DisplayName: "Acme", PlanCode: "Basic"})
		require.NoError(t, err)

		create, err := r.StartStep(ctx, tenant.ID, interfaces.StepCreateDatabase)
		require.NoError(t, err)
		assert.Equal(t, 2, create.Seq)
		assert.Equal(t, 1, create.Attempt)

		_, err = r.StartStep(ctx, tenant.ID, interfaces.StepCreateDatabase)
		require.ErrorIs(t, err, interfaces.ErrInvalidTransition, "a running step cannot be started twice")

		require.NoError(t, r.CompleteStep(ctx, create.ID, "database created"))
		require.ErrorIs(t, r.FailStep(ctx, create.ID, "late"), interfaces.ErrInvalidTransition, "success is final")

		_, err = r.StartStep(ctx, tenant.ID, interfaces.StepCreateDatabase)
		require.ErrorIs(t, err, interfaces.ErrInvalidTransition, "a succeeded step never runs again")

		schema, err := r.StartStep(ctx, tenant.ID, interfaces.StepApplySchema)
		require.NoError(t, err)
		require.NoError(t, r.FailStep(ctx, schema.ID, "syntax error"))

		retry, err := r.StartStep(ctx, tenant.ID, interfaces.StepApplySchema)
		require.NoError(t, err)
		assert.Equal(t, 2, retry.Attempt)
		assert.Equal(t, 4, retry.Seq)

		steps, err := r.ListSteps(ctx, tenant.ID)
		require.NoError(t, err)
		require.Len(t, steps, 4)
		assert.Equal(t, "database created", steps[1].Message)
		assert.Equal(t, interfaces.StepFailed, steps[2].Status)
		assert.Equal(t, "syntax error", steps[2].Error)
		assert.Equal(t, interfaces.StepRunning, steps[3].Status)
		assert.Equal(t, interfaces.StepApplySchema, interfaces.ResumePoint(steps))

		assert.ErrorIs(t, r.CompleteStep(ctx, uuid.New(), ""), interfaces.ErrStepNotFound)
		_, err = r.StartStep(ctx, uuid.New(), interfaces.StepSeed)
		assert.ErrorIs(t, err, interfaces.ErrTenantNotFound)
		_, err = r.StartStep(ctx, tenant.ID, interfaces.StepName("Bogus"))
		assert.ErrorIs(t, err, interfaces.ErrValidation)
	})

	t.Run("Leases", func(t *testing.T) {
		r := newRegistry(t)
		ctx := context.Background()
		tenant, err := r.CreateTenant(ctx, interfaces.NewTenant{Slug: "acme", DisplayName: "Acme", PlanCode: "Basic"})
		require.NoError(t, err)

		until := time.Now().Add(time.Minute)
		ok, err := r.AcquireLease(ctx, tenant.ID, "worker-a", until)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = r.AcquireLease(ctx, tenant.ID, "worker-b", until)
		require.NoError(t, err)
		assert.False(t, ok, "lease held by another worker")

		ok, err = r.AcquireLease(ctx, tenant.ID, "worker-a", until.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, ok, "owner may renew")

		leased, err := r.GetTenant(ctx, tenant.ID)
		require.NoError(t, err)
		assert.Equal(t, "worker-a", leased.LeaseOwner)
		require.NotNil(t, leased.LeaseUntil)

		require.NoError(t, r.ReleaseLease(ctx, tenant.ID, "worker-a"))
		ok, err = r.AcquireLease(ctx, tenant.ID, "worker-b", time.Now().Add(-time.Second))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = r.AcquireLease(ctx, tenant.ID, "worker-c", until)
		require.NoError(t, err)
		assert.True(t, ok, "expired lease can be taken over")

		_, err = r.AcquireLease(ctx, uuid.New(), "worker-a", until)
		assert.ErrorIs(t, err, interfaces.ErrTenantNotFound)
	})

	t.Run("ListOrdering", func(t *testing.T) {
		r := newRegistry(t)
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			_, err := r.CreateTenant(ctx, interfaces.NewTenant{Slug: fmt.Sprintf("tenant-%d", i), DisplayName: "T", PlanCode: "Standard"})
			require.NoError(t, err)
		}
		tenants, err := r.ListTenants(ctx, interfaces.TenantPending)
		require.NoError(t, err)
		require.Len(t, tenants, 3)
		assert.Equal(t, "tenant-0", tenants[0].Slug)
	})
}
