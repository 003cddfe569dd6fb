// Package orchestrator runs tenant provisioning workflows on a bounded worker
// pool. Each workflow walks the provisioning steps in order, recording every
// attempt in the registry, and resumes at the first unfinished step after a
// failure, a crash or a shutdown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tenant-provisioning-backend/interfaces"
	"github.com/ruteri/tenant-provisioning-backend/metrics"
	"go.uber.org/atomic"
)

var (
	ErrAlreadyQueued = errors.New("tenant already queued for provisioning")
	ErrQueueFull     = errors.New("provisioning queue is full")
	ErrNotEligible   = errors.New("tenant is not eligible for provisioning")
	ErrStopped       = errors.New("orchestrator stopped")
)

// Config tunes the worker pool.
type Config struct {
	Workers          int
	QueueSize        int
	StepTimeout      time.Duration
	LeaseDuration    time.Duration
	RecoveryInterval time.Duration
	// WorkerID identifies this process in tenant leases.
	WorkerID string
}

// DefaultConfig returns the settings tenantd starts with.
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		QueueSize:        100,
		StepTimeout:      2 * time.Minute,
		LeaseDuration:    time.Minute,
		RecoveryInterval: 30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = d.StepTimeout
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = d.LeaseDuration
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = d.RecoveryInterval
	}
	if c.WorkerID == "" {
		c.WorkerID = "worker-" + uuid.NewString()
	}
}

// Orchestrator owns the provisioning queue and its workers. Only the
// orchestrator writes step transitions.
type Orchestrator struct {
	cfg         Config
	registry    interfaces.TenantRegistry
	provisioner interfaces.DatabaseProvisioner
	cipher      interfaces.SecretCipher
	invalidator interfaces.Invalidator
	metrics     *metrics.Metrics
	log         *slog.Logger

	queue chan uuid.UUID

	activeMu sync.Mutex
	active   map[uuid.UUID]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  atomic.Bool
	stopOnce sync.Once

	completed   atomic.Uint64
	failed      atomic.Uint64
	interrupted atomic.Uint64
	rejected    atomic.Uint64
}

type Option func(*Orchestrator)

// WithInvalidator registers a hook called when a tenant reaches Ready or
// Failed.
func WithInvalidator(inv interfaces.Invalidator) Option {
	return func(o *Orchestrator) { o.invalidator = inv }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func New(cfg Config, registry interfaces.TenantRegistry, provisioner interfaces.DatabaseProvisioner, cipher interfaces.SecretCipher, log *slog.Logger, opts ...Option) *Orchestrator {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		cfg:         cfg,
		registry:    registry,
		provisioner: provisioner,
		cipher:      cipher,
		log:         log.With("component", "orchestrator", "workerID", cfg.WorkerID),
		queue:       make(chan uuid.UUID, cfg.QueueSize),
		active:      make(map[uuid.UUID]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start launches the workers and the recovery sweep. It returns immediately.
func (o *Orchestrator) Start() {
	if !o.started.CompareAndSwap(false, true) {
		return
	}

	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker(i)
	}

	o.wg.Add(1)
	go o.recoveryLoop()

	o.log.Info("Orchestrator started", "workers", o.cfg.Workers, "queueSize", o.cfg.QueueSize,
		"stepTimeout", o.cfg.StepTimeout, "leaseDuration", o.cfg.LeaseDuration)
}

// Stop cancels running steps and waits for the workers to record the
// interruption, or for ctx to expire.
func (o *Orchestrator) Stop(ctx context.Context) error {
	var err error
	o.stopOnce.Do(func() {
		o.log.Info("Stopping orchestrator")
		o.cancel()

		done := make(chan struct{})
		go func() {
			o.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			o.log.Info("Orchestrator stopped", "completed", o.completed.Load(), "failed", o.failed.Load(),
				"interrupted", o.interrupted.Load())
		case <-ctx.Done():
			err = fmt.Errorf("orchestrator stop: %w", ctx.Err())
			o.log.Warn("Orchestrator stop timed out")
		}
	})
	return err
}

// Enqueue schedules the provisioning workflow of a tenant. Pending tenants
// are accepted, and so are Seeding tenants whose lease expired. At most one
// workflow per tenant is queued or running in this process.
//
// A Pending tenant moves to Seeding before it is queued, so a confirmation
// outlives a restart: Recover picks up every Seeding tenant without a live
// lease.
func (o *Orchestrator) Enqueue(ctx context.Context, tenantID uuid.UUID) error {
	if o.ctx.Err() != nil {
		return ErrStopped
	}

	tenant, err := o.registry.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	if !o.eligible(tenant) {
		o.reject("not_eligible")
		return fmt.Errorf("%w: tenant %s is %s", ErrNotEligible, tenant.Slug, tenant.Status)
	}

	o.activeMu.Lock()
	if _, ok := o.active[tenantID]; ok {
		o.activeMu.Unlock()
		o.reject("already_queued")
		return ErrAlreadyQueued
	}
	if len(o.queue) >= cap(o.queue) {
		o.activeMu.Unlock()
		o.reject("queue_full")
		return ErrQueueFull
	}
	o.active[tenantID] = struct{}{}
	o.activeMu.Unlock()

	if tenant.Status == interfaces.TenantPending {
		err := o.registry.UpdateTenantStatus(ctx, tenantID, interfaces.TenantSeeding, "")
		switch {
		case errors.Is(err, interfaces.ErrInvalidTransition), errors.Is(err, interfaces.ErrConcurrentModification):
			o.release(tenantID)
			o.reject("not_eligible")
			return fmt.Errorf("%w: tenant %s changed status", ErrNotEligible, tenant.Slug)
		case err != nil:
			o.release(tenantID)
			return fmt.Errorf("failed to record confirmation: %w", err)
		}
	}

	select {
	case o.queue <- tenantID:
	default:
		// The tenant is Seeding without a lease; the recovery sweep queues
		// it once there is room.
		o.release(tenantID)
		o.reject("queue_full")
		return ErrQueueFull
	}
	o.metrics.SetActiveWorkflows(o.Active())
	o.metrics.SetQueueDepth(len(o.queue))

	o.log.Info("Tenant queued for provisioning", "tenantID", tenantID, "slug", tenant.Slug)
	return nil
}

// Requeue is the operator recovery path. A Failed tenant returns to Pending
// and is queued again; the workflow resumes at the step that failed.
func (o *Orchestrator) Requeue(ctx context.Context, tenantID uuid.UUID) error {
	tenant, err := o.registry.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}

	switch tenant.Status {
	case interfaces.TenantFailed:
		if err := o.registry.UpdateTenantStatus(ctx, tenantID, interfaces.TenantPending, ""); err != nil {
			return err
		}
		o.log.Info("Failed tenant returned to pending", "tenantID", tenantID, "slug", tenant.Slug)
	case interfaces.TenantPending, interfaces.TenantSeeding:
	default:
		return fmt.Errorf("%w: tenant %s is %s", ErrNotEligible, tenant.Slug, tenant.Status)
	}

	return o.Enqueue(ctx, tenantID)
}

// Recover queues every Seeding tenant that no live worker holds: workflows
// cut short by a crash and confirmed tenants that were still waiting in the
// queue of a stopped process. Returns the number of tenants queued.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	tenants, err := o.registry.ListTenants(ctx, interfaces.TenantSeeding)
	if err != nil {
		return 0, fmt.Errorf("failed to list tenants for recovery: %w", err)
	}

	queued := 0
	for _, t := range tenants {
		if !o.leaseExpired(t) {
			continue
		}
		err := o.Enqueue(ctx, t.ID)
		switch {
		case err == nil:
			queued++
		case errors.Is(err, ErrAlreadyQueued), errors.Is(err, ErrNotEligible):
		case errors.Is(err, ErrQueueFull):
			o.log.Warn("Recovery stopped early, queue is full", "queued", queued)
			return queued, nil
		default:
			o.log.Error("Failed to requeue tenant during recovery", "tenantID", t.ID, "err", err)
		}
	}
	if queued > 0 {
		o.log.Info("Recovered interrupted workflows", "count", queued)
	}
	return queued, nil
}

// Active returns the number of tenants queued or running in this process.
func (o *Orchestrator) Active() int {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	return len(o.active)
}

// IsActive reports whether the tenant is queued or running in this process.
func (o *Orchestrator) IsActive(tenantID uuid.UUID) bool {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	_, ok := o.active[tenantID]
	return ok
}

// Stats is a snapshot of the orchestrator counters.
type Stats struct {
	Workers     int
	Queued      int
	Active      int
	Completed   uint64
	Failed      uint64
	Interrupted uint64
	Rejected    uint64
}

func (o *Orchestrator) Stats() Stats {
	return Stats{
		Workers:     o.cfg.Workers,
		Queued:      len(o.queue),
		Active:      o.Active(),
		Completed:   o.completed.Load(),
		Failed:      o.failed.Load(),
		Interrupted: o.interrupted.Load(),
		Rejected:    o.rejected.Load(),
	}
}

func (o *Orchestrator) eligible(t *interfaces.Tenant) bool {
	switch t.Status {
	case interfaces.TenantPending:
		return true
	case interfaces.TenantSeeding:
		return o.leaseExpired(t)
	default:
		return false
	}
}

func (o *Orchestrator) leaseExpired(t *interfaces.Tenant) bool {
	return t.LeaseOwner == "" || t.LeaseUntil == nil || t.LeaseUntil.Before(time.Now())
}

func (o *Orchestrator) reject(reason string) {
	o.rejected.Inc()
	o.metrics.RecordEnqueueRejected(reason)
}

func (o *Orchestrator) release(tenantID uuid.UUID) {
	o.activeMu.Lock()
	delete(o.active, tenantID)
	n := len(o.active)
	o.activeMu.Unlock()
	o.metrics.SetActiveWorkflows(n)
}

func (o *Orchestrator) recoveryLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		if _, err := o.Recover(o.ctx); err != nil && o.ctx.Err() == nil {
			o.log.Error("Recovery sweep failed", "err", err)
		}

		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) worker(id int) {
	defer o.wg.Done()
	o.log.Debug("Worker started", "worker", id)

	for {
		select {
		case <-o.ctx.Done():
			o.log.Debug("Worker stopping", "worker", id)
			return
		case tenantID := <-o.queue:
			o.metrics.SetQueueDepth(len(o.queue))
			o.execute(id, tenantID)
		}
	}
}

func (o *Orchestrator) execute(workerID int, tenantID uuid.UUID) {
	defer o.release(tenantID)

	start := time.Now()
	err := o.safeRun(tenantID)
	duration := time.Since(start)

	switch {
	case err == nil:
		o.log.Debug("Workflow finished", "worker", workerID, "tenantID", tenantID, "duration", duration)
	case errors.Is(err, interfaces.ErrInterrupted):
		o.interrupted.Inc()
		o.metrics.RecordWorkflow("interrupted")
		o.log.Warn("Workflow interrupted", "worker", workerID, "tenantID", tenantID, "duration", duration)
	default:
		o.log.Error("Workflow failed", "worker", workerID, "tenantID", tenantID, "duration", duration, "err", err)
	}
}

func (o *Orchestrator) safeRun(tenantID uuid.UUID) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panicked: %v", r)
			o.log.Error("Workflow panic recovered", "tenantID", tenantID, "panic", r)
		}
	}()
	return o.run(o.ctx, tenantID)
}
