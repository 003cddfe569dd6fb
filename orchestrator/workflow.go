package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tenant-provisioning-backend/cryptoutils"
	"github.com/ruteri/tenant-provisioning-backend/interfaces"
)

// persistTimeout bounds registry writes made after the workflow context is
// cancelled.
const persistTimeout = 10 * time.Second

// interruptedMessage is recorded on steps cut short by a shutdown, a crash or
// a lost lease.
const interruptedMessage = "interrupted"

var errLeaseLost = errors.New("lease lost to another worker")

// persistCtx survives cancellation of ctx so failures and interruptions are
// always recorded.
func persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

// run executes the workflow of one tenant while holding its lease.
func (o *Orchestrator) run(ctx context.Context, tenantID uuid.UUID) error {
	acquired, err := o.registry.AcquireLease(ctx, tenantID, o.cfg.WorkerID, time.Now().Add(o.cfg.LeaseDuration))
	if err != nil {
		if ctx.Err() != nil {
			return interfaces.ErrInterrupted
		}
		return fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !acquired {
		o.log.Info("Tenant leased by another worker, skipping", "tenantID", tenantID)
		return nil
	}

	ctx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)

	stopHeartbeat := o.heartbeat(ctx, tenantID, cancelRun)
	defer func() {
		stopHeartbeat()
		pctx, cancel := persistCtx(ctx)
		defer cancel()
		if err := o.registry.ReleaseLease(pctx, tenantID, o.cfg.WorkerID); err != nil {
			o.log.Error("Failed to release lease", "tenantID", tenantID, "err", err)
		}
	}()

	tenant, err := o.registry.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}

	switch tenant.Status {
	case interfaces.TenantPending:
		if err := o.registry.UpdateTenantStatus(ctx, tenantID, interfaces.TenantSeeding, ""); err != nil {
			return fmt.Errorf("failed to start seeding: %w", err)
		}
		tenant.Status = interfaces.TenantSeeding
	case interfaces.TenantSeeding:
		o.log.Info("Resuming provisioning", "tenantID", tenantID, "slug", tenant.Slug)
	default:
		o.log.Info("Tenant needs no provisioning", "tenantID", tenantID, "status", tenant.Status)
		return nil
	}

	steps, err := o.registry.ListSteps(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := o.closeStaleSteps(ctx, steps); err != nil {
		return err
	}

	resume := interfaces.ResumePoint(steps)
	if resume == "" {
		// Every step succeeded but the status flip was lost.
		return o.finish(ctx, tenant)
	}

	o.log.Info("Provisioning tenant", "tenantID", tenantID, "slug", tenant.Slug, "resumeAt", resume)
	for _, step := range interfaces.WorkflowSteps[resume.Order():] {
		if err := o.runStep(ctx, tenant, step); err != nil {
			if errors.Is(context.Cause(ctx), errLeaseLost) {
				o.log.Warn("Workflow abandoned, another worker owns the tenant", "tenantID", tenantID, "step", step)
			}
			return err
		}
	}
	return o.finish(ctx, tenant)
}

// heartbeat extends the lease while the workflow runs. Losing the lease
// cancels the workflow through abort.
func (o *Orchestrator) heartbeat(ctx context.Context, tenantID uuid.UUID, abort context.CancelCauseFunc) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(o.cfg.LeaseDuration / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				ok, err := o.registry.AcquireLease(hbCtx, tenantID, o.cfg.WorkerID, time.Now().Add(o.cfg.LeaseDuration))
				if err != nil && hbCtx.Err() == nil {
					o.log.Warn("Failed to extend lease", "tenantID", tenantID, "err", err)
				} else if err == nil && !ok {
					o.log.Error("Lease lost to another worker", "tenantID", tenantID)
					abort(errLeaseLost)
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// closeStaleSteps fails Running rows left by a crashed worker. The caller
// holds the lease, so no other worker owns them.
func (o *Orchestrator) closeStaleSteps(ctx context.Context, steps []*interfaces.ProvisioningStep) error {
	for _, s := range steps {
		if s.Status != interfaces.StepRunning {
			continue
		}
		if err := o.registry.FailStep(ctx, s.ID, interruptedMessage); err != nil {
			return fmt.Errorf("failed to close stale step %s: %w", s.Step, err)
		}
		s.Status = interfaces.StepFailed
		o.log.Warn("Closed step left running by a previous worker", "tenantID", s.TenantID, "step", s.Step, "attempt", s.Attempt)
	}
	return nil
}

type stepResult struct {
	message string
	err     error
}

// runStep records one attempt of step and executes it under the step
// timeout.
func (o *Orchestrator) runStep(ctx context.Context, tenant *interfaces.Tenant, step interfaces.StepName) error {
	row, err := o.registry.StartStep(ctx, tenant.ID, step)
	if err != nil {
		if ctx.Err() != nil {
			return interfaces.ErrInterrupted
		}
		return fmt.Errorf("failed to start step %s: %w", step, err)
	}
	log := o.log.With("tenantID", tenant.ID, "slug", tenant.Slug, "step", step, "attempt", row.Attempt)
	log.Info("Step started")

	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()

	resultCh := make(chan stepResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- stepResult{err: fmt.Errorf("step panicked: %v", r)}
			}
		}()
		msg, err := o.execStep(stepCtx, tenant, step)
		resultCh <- stepResult{message: msg, err: err}
	}()

	var res stepResult
	select {
	case res = <-resultCh:
	case <-stepCtx.Done():
		select {
		case res = <-resultCh:
		default:
			res = stepResult{err: stepCtx.Err()}
		}
	}

	pctx, pcancel := persistCtx(ctx)
	defer pcancel()

	if res.err == nil {
		if err := o.registry.CompleteStep(pctx, row.ID, res.message); err != nil {
			return fmt.Errorf("failed to record step %s: %w", step, err)
		}
		o.metrics.RecordStep(string(step), "success", time.Since(start))
		log.Info("Step succeeded", "duration", time.Since(start))
		return nil
	}

	if ctx.Err() != nil {
		if err := o.registry.FailStep(pctx, row.ID, interruptedMessage); err != nil {
			log.Error("Failed to record interrupted step", "err", err)
		}
		o.metrics.RecordStep(string(step), "interrupted", time.Since(start))
		log.Warn("Step interrupted", "cause", context.Cause(ctx))
		return interfaces.ErrInterrupted
	}

	stepErr := res.err
	if errors.Is(stepErr, context.DeadlineExceeded) || errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		stepErr = fmt.Errorf("%w: %s exceeded %s", interfaces.ErrStepTimeout, step, o.cfg.StepTimeout)
	}

	if err := o.registry.FailStep(pctx, row.ID, stepErr.Error()); err != nil {
		log.Error("Failed to record step failure", "err", err)
	}
	if err := o.registry.UpdateTenantStatus(pctx, tenant.ID, interfaces.TenantFailed, stepErr.Error()); err != nil {
		log.Error("Failed to mark tenant failed", "err", err)
	}
	o.failed.Inc()
	o.metrics.RecordStep(string(step), "failed", time.Since(start))
	o.metrics.RecordWorkflow("failed")
	o.invalidate(tenant.ID)

	log.Error("Step failed", "duration", time.Since(start), "err", stepErr)
	return stepErr
}

// execStep performs the side effect of a step and returns the message
// recorded with its success.
func (o *Orchestrator) execStep(ctx context.Context, tenant *interfaces.Tenant, step interfaces.StepName) (string, error) {
	switch step {
	case interfaces.StepInit:
		return "provisioning confirmed", nil

	case interfaces.StepCreateDatabase:
		dbName, err := o.provisioner.CreateDatabase(ctx, tenant.Slug)
		msg := "created database " + dbName
		if errors.Is(err, interfaces.ErrDatabaseExists) {
			// Names derive from the unique slug, so an existing database was
			// created by an earlier attempt for this tenant.
			msg = "adopted existing database " + dbName
		} else if err != nil {
			return "", err
		}
		if err := o.registry.SetDatabaseName(ctx, tenant.ID, dbName); err != nil {
			return "", err
		}
		tenant.DatabaseName = dbName
		return msg, nil

	case interfaces.StepApplySchema:
		conn, err := o.provisioner.ConnectionFor(tenant.Slug)
		if err != nil {
			return "", err
		}
		if err := o.provisioner.ApplyBaselineSchema(ctx, conn); err != nil {
			return "", withSlug(err, tenant.Slug)
		}
		return "baseline schema applied", nil

	case interfaces.StepSeed:
		conn, err := o.provisioner.ConnectionFor(tenant.Slug)
		if err != nil {
			return "", err
		}
		if err := o.provisioner.Seed(ctx, conn, tenant.Slug, tenant.DisplayName); err != nil {
			return "", err
		}
		return "seed data inserted", nil

	case interfaces.StepReady:
		conn, err := o.provisioner.ConnectionFor(tenant.Slug)
		if err != nil {
			return "", err
		}
		sealed, err := cryptoutils.EncryptString(o.cipher, conn, cryptoutils.TenantAssociatedData(tenant.ID))
		if err != nil {
			return "", fmt.Errorf("failed to seal connection: %w", err)
		}
		if err := o.registry.SetConnectionSecret(ctx, tenant.ID, sealed); err != nil {
			return "", err
		}
		return "connection secret stored", nil
	}

	return "", fmt.Errorf("%w: unknown step %q", interfaces.ErrValidation, step)
}

// withSlug fills in the tenant slug on provisioner errors that lack it.
func withSlug(err error, slug string) error {
	var pe *interfaces.ProvisionError
	if errors.As(err, &pe) && pe.Slug == "" {
		pe.Slug = slug
	}
	return err
}

// finish flips the tenant to Ready once every step has succeeded. The
// connection secret was written by the Ready step before this.
func (o *Orchestrator) finish(ctx context.Context, tenant *interfaces.Tenant) error {
	pctx, cancel := persistCtx(ctx)
	defer cancel()

	if err := o.registry.UpdateTenantStatus(pctx, tenant.ID, interfaces.TenantReady, ""); err != nil {
		return fmt.Errorf("failed to mark tenant ready: %w", err)
	}
	o.completed.Inc()
	o.metrics.RecordWorkflow("ready")
	o.invalidate(tenant.ID)

	o.log.Info("Tenant ready", "tenantID", tenant.ID, "slug", tenant.Slug)
	return nil
}

func (o *Orchestrator) invalidate(tenantID uuid.UUID) {
	if o.invalidator != nil {
		o.invalidator.Invalidate(tenantID)
	}
}
