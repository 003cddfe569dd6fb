package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/ruteri/tenant-provisioning-backend/dbutil"
	"github.com/ruteri/tenant-provisioning-backend/interfaces"
)

const redacted = "[REDACTED]"

var errContextClosed = fmt.Errorf("%w: tenant context was invalidated", interfaces.ErrTenantNotReady)

// ResolvedTenantContext is the per-process view of a Ready tenant. It holds
// the decrypted connection string, which never leaves this struct except
// through the lazily opened pool.
type ResolvedTenantContext struct {
	TenantID     uuid.UUID
	Slug         string
	DisplayName  string
	Plan         string
	Status       interfaces.TenantStatus
	DatabaseName string
	ExpiresAt    time.Time

	poolOpts dbutil.PoolOptions
	// ephemeral contexts were not cached and belong to a single request.
	ephemeral bool

	mu         sync.Mutex
	connection string
	db         *sqlx.DB
	closed     bool
	// refs counts requests holding the context. A retired context closes
	// once refs is zero and its grace period is over.
	refs      int
	retired   bool
	graceOver bool
}

// DB returns the tenant's connection pool, opening it on first use.
func (c *ResolvedTenantContext) DB(ctx context.Context) (*sqlx.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errContextClosed
	}
	if c.db != nil {
		return c.db, nil
	}

	driver, err := dbutil.DriverFor(c.connection)
	if err != nil {
		return nil, err
	}
	db, err := dbutil.Open(ctx, driver, c.connection, c.poolOpts)
	if err != nil {
		// Driver errors may echo the DSN.
		return nil, fmt.Errorf("failed to open database of tenant %s", c.Slug)
	}
	c.db = db
	return db, nil
}

func (c *ResolvedTenantContext) expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// acquire takes a reference for the duration of a request. It fails once
// the context is closed.
func (c *ResolvedTenantContext) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.refs++
	return true
}

func (c *ResolvedTenantContext) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs--
	if c.retired && c.graceOver && c.refs <= 0 {
		c.closeLocked()
	}
}

// retire takes the context out of service without cutting off requests that
// still use it: the pool closes after grace, or later when the last holder
// releases it.
func (c *ResolvedTenantContext) retire(grace time.Duration) {
	c.mu.Lock()
	if c.closed || c.retired {
		c.mu.Unlock()
		return
	}
	c.retired = true
	c.mu.Unlock()

	time.AfterFunc(grace, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.graceOver = true
		if c.refs <= 0 {
			c.closeLocked()
		}
	})
}

// close drops the decrypted connection and closes the pool immediately.
func (c *ResolvedTenantContext) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *ResolvedTenantContext) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	c.connection = ""
	if c.db != nil {
		c.db.Close()
		c.db = nil
	}
}

func (c *ResolvedTenantContext) String() string {
	return fmt.Sprintf("tenant(%s %s plan=%s status=%s connection=%s)", c.Slug, c.TenantID, c.Plan, c.Status, redacted)
}

func (c *ResolvedTenantContext) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("tenantID", c.TenantID.String()),
		slog.String("slug", c.Slug),
		slog.String("plan", c.Plan),
		slog.String("status", string(c.Status)),
		slog.String("connection", redacted),
	)
}

type contextKey struct{}

// WithTenant returns a copy of ctx carrying the resolved tenant.
func WithTenant(ctx context.Context, tc *ResolvedTenantContext) context.Context {
	return context.WithValue(ctx, contextKey{}, tc)
}

// FromContext returns the tenant resolved for the current request.
func FromContext(ctx context.Context) (*ResolvedTenantContext, bool) {
	tc, ok := ctx.Value(contextKey{}).(*ResolvedTenantContext)
	return tc, ok && tc != nil
}

// MustFromContext is FromContext for handlers mounted behind Middleware.
func MustFromContext(ctx context.Context) *ResolvedTenantContext {
	tc, ok := FromContext(ctx)
	if !ok {
		panic("resolver: no tenant in request context")
	}
	return tc
}
