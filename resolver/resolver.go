// Package resolver maps inbound requests to Ready tenants and caches the
// decrypted tenant contexts so the hot path never touches the registry.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tenant-provisioning-backend/cryptoutils"
	"github.com/ruteri/tenant-provisioning-backend/dbutil"
	"github.com/ruteri/tenant-provisioning-backend/interfaces"
	"github.com/ruteri/tenant-provisioning-backend/metrics"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"
)

// Kind tags the outcome of a resolution.
type Kind string

const (
	Resolved Kind = "resolved"
	NotFound Kind = "not_found"
	NotReady Kind = "not_ready"
)

// Resolution is the result of Resolve. Tenant is set only for Resolved;
// Status is set for Resolved and NotReady.
type Resolution struct {
	Kind   Kind
	Tenant *ResolvedTenantContext
	Status interfaces.TenantStatus
}

type Config struct {
	TTL             time.Duration
	JanitorInterval time.Duration
	// RetireGrace keeps the pool of an expired or refreshed context open for
	// requests that resolved it earlier.
	RetireGrace time.Duration
	Pool        dbutil.PoolOptions
}

func DefaultConfig() Config {
	return Config{
		TTL:             5 * time.Minute,
		JanitorInterval: time.Minute,
		RetireGrace:     30 * time.Second,
		Pool:            dbutil.PoolOptions{MaxOpenConns: 10, MaxIdleConns: 2, ConnMaxLifetime: 30 * time.Minute},
	}
}

// maxPopulateAttempts bounds reloads when invalidations race a cache miss.
const maxPopulateAttempts = 3

// loadTimeout bounds a shared cache miss. The load outlives the request that
// started it because other requests may be waiting on the same result.
const loadTimeout = 10 * time.Second

// Resolver resolves tenant slugs and owns the tenant context cache. The
// cache is keyed by tenant id with a slug index; reads take no locks.
type Resolver struct {
	cfg      Config
	registry interfaces.TenantRegistry
	cipher   interfaces.SecretCipher
	verifier interfaces.TenantClaimVerifier
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time

	entries sync.Map // uuid.UUID -> *ResolvedTenantContext
	slugs   sync.Map // string -> uuid.UUID

	// generation changes on every invalidation. A miss that started under an
	// older generation does not populate the cache.
	generation atomic.Uint64
	group      singleflight.Group

	stopJanitor chan struct{}
	janitorDone chan struct{}
	stopOnce    sync.Once
}

type Option func(*Resolver)

// WithClaimVerifier enables tenant identification from bearer tokens.
func WithClaimVerifier(v interfaces.TenantClaimVerifier) Option {
	return func(r *Resolver) { r.verifier = v }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

func withClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func New(cfg Config, registry interfaces.TenantRegistry, cipher interfaces.SecretCipher, log *slog.Logger, opts ...Option) *Resolver {
	d := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = d.TTL
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = d.JanitorInterval
	}
	if cfg.RetireGrace <= 0 {
		cfg.RetireGrace = d.RetireGrace
	}

	r := &Resolver{
		cfg:      cfg,
		registry: registry,
		cipher:   cipher,
		log:      log.With("component", "resolver"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the tenant context for slug. NotFound and NotReady are
// outcomes, not errors; the error is reserved for infrastructure failures,
// including a stored secret that fails to decrypt.
func (r *Resolver) Resolve(ctx context.Context, slug string) (Resolution, error) {
	if interfaces.ValidateSlug(slug) != nil {
		r.metrics.RecordResolution(string(NotFound))
		return Resolution{Kind: NotFound}, nil
	}

	if tc, ok := r.cached(slug); ok {
		r.metrics.RecordCacheHit()
		r.metrics.RecordResolution(string(Resolved))
		return Resolution{Kind: Resolved, Tenant: tc, Status: tc.Status}, nil
	}
	r.metrics.RecordCacheMiss()

	v, err, _ := r.group.Do(slug, func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return r.load(lctx, slug)
	})
	if err != nil {
		r.metrics.RecordResolution("error")
		return Resolution{}, err
	}
	res := v.(Resolution)
	r.metrics.RecordResolution(string(res.Kind))
	return res, nil
}

func (r *Resolver) cached(slug string) (*ResolvedTenantContext, bool) {
	id, ok := r.slugs.Load(slug)
	if !ok {
		return nil, false
	}
	v, ok := r.entries.Load(id)
	if !ok {
		return nil, false
	}
	tc := v.(*ResolvedTenantContext)
	if tc.expired(r.now()) {
		return nil, false
	}
	return tc, true
}

func (r *Resolver) load(ctx context.Context, slug string) (Resolution, error) {
	for attempt := 1; ; attempt++ {
		gen := r.generation.Load()

		res, err := r.fetch(ctx, slug)
		if err != nil || res.Kind != Resolved {
			return res, err
		}
		if r.populate(res.Tenant, gen) {
			return res, nil
		}
		if attempt == maxPopulateAttempts {
			// Invalidations kept racing the load. Serve a request-scoped
			// context without caching it.
			res.Tenant.ephemeral = true
			return res, nil
		}
	}
}

// fetch reads the tenant from the registry and decrypts its connection.
func (r *Resolver) fetch(ctx context.Context, slug string) (Resolution, error) {
	tenant, err := r.registry.GetTenantBySlug(ctx, slug)
	if errors.Is(err, interfaces.ErrTenantNotFound) {
		return Resolution{Kind: NotFound}, nil
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("tenant lookup failed: %w", err)
	}
	if tenant.Status != interfaces.TenantReady {
		return Resolution{Kind: NotReady, Status: tenant.Status}, nil
	}

	conn, err := cryptoutils.DecryptString(r.cipher, tenant.EncryptedConnection, cryptoutils.TenantAssociatedData(tenant.ID))
	if err != nil {
		r.metrics.RecordDecryptFailure()
		r.log.Error("ALERT: stored connection secret failed to decrypt", "tenantID", tenant.ID, "slug", slug, "err", err)
		return Resolution{}, fmt.Errorf("tenant %s: %w", slug, err)
	}

	tc := &ResolvedTenantContext{
		TenantID:     tenant.ID,
		Slug:         tenant.Slug,
		DisplayName:  tenant.DisplayName,
		Plan:         tenant.PlanCode,
		Status:       tenant.Status,
		DatabaseName: tenant.DatabaseName,
		ExpiresAt:    r.now().Add(r.cfg.TTL),
		poolOpts:     r.cfg.Pool,
		connection:   conn,
	}
	return Resolution{Kind: Resolved, Tenant: tc, Status: tc.Status}, nil
}

// populate stores tc unless an invalidation happened since gen was read.
func (r *Resolver) populate(tc *ResolvedTenantContext, gen uint64) bool {
	if r.generation.Load() != gen {
		return false
	}
	if old, loaded := r.entries.Swap(tc.TenantID, tc); loaded {
		if prev := old.(*ResolvedTenantContext); prev != tc {
			prev.retire(r.cfg.RetireGrace)
		}
	}
	r.slugs.Store(tc.Slug, tc.TenantID)

	// An invalidation that slipped in between the check and the store must
	// still win.
	if r.generation.Load() != gen {
		if r.entries.CompareAndDelete(tc.TenantID, tc) {
			r.slugs.CompareAndDelete(tc.Slug, tc.TenantID)
		}
		return false
	}
	r.metrics.SetCacheEntries(r.Len())
	return true
}

// Invalidate drops the cached context of a tenant and closes its pool at
// once, cutting off requests still using it.
func (r *Resolver) Invalidate(tenantID uuid.UUID) {
	r.generation.Inc()
	if v, ok := r.entries.LoadAndDelete(tenantID); ok {
		tc := v.(*ResolvedTenantContext)
		r.slugs.CompareAndDelete(tc.Slug, tenantID)
		tc.close()
		r.log.Debug("Tenant context invalidated", "tenantID", tenantID)
	}
	r.metrics.SetCacheEntries(r.Len())
}

// InvalidateAll empties the cache.
func (r *Resolver) InvalidateAll() {
	r.generation.Inc()
	r.entries.Range(func(key, value any) bool {
		if r.entries.CompareAndDelete(key, value) {
			tc := value.(*ResolvedTenantContext)
			r.slugs.CompareAndDelete(tc.Slug, tc.TenantID)
			tc.close()
		}
		return true
	})
	r.metrics.SetCacheEntries(0)
}

// Len returns the number of cached contexts, expired ones included.
func (r *Resolver) Len() int {
	n := 0
	r.entries.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

// EvictExpired removes expired contexts and returns how many were removed.
func (r *Resolver) EvictExpired() int {
	now := r.now()
	evicted := 0
	r.entries.Range(func(key, value any) bool {
		tc := value.(*ResolvedTenantContext)
		if tc.expired(now) && r.entries.CompareAndDelete(key, value) {
			r.slugs.CompareAndDelete(tc.Slug, tc.TenantID)
			tc.retire(r.cfg.RetireGrace)
			evicted++
		}
		return true
	})
	if evicted > 0 {
		r.metrics.SetCacheEntries(r.Len())
	}
	return evicted
}

// StartJanitor evicts expired contexts every JanitorInterval until Close.
func (r *Resolver) StartJanitor() {
	r.stopJanitor = make(chan struct{})
	r.janitorDone = make(chan struct{})

	go func() {
		defer close(r.janitorDone)
		ticker := time.NewTicker(r.cfg.JanitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopJanitor:
				return
			case <-ticker.C:
				if n := r.EvictExpired(); n > 0 {
					r.log.Debug("Evicted expired tenant contexts", "count", n)
				}
			}
		}
	}()
}

// Close stops the janitor and closes every cached pool.
func (r *Resolver) Close() {
	r.stopOnce.Do(func() {
		if r.stopJanitor != nil {
			close(r.stopJanitor)
			<-r.janitorDone
		}
		r.InvalidateAll()
	})
}

var _ interfaces.Invalidator = (*Resolver)(nil)
