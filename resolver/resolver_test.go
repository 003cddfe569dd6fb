package resolver

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tenant-provisioning-backend/cryptoutils"
	"github.com/ruteri/tenant-provisioning-backend/dbutil"
	"github.com/ruteri/tenant-provisioning-backend/interfaces"
	"github.com/ruteri/tenant-provisioning-backend/registry"
	"github.com/ruteri/tenant-provisioning-backend/tokens"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var accessSecret = []byte("0123456789abcdef0123456789abcdef")

const testGrace = 50 * time.Millisecond

func isClosed(tc *ResolvedTenantContext) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.closed
}

type fixture struct {
	t        *testing.T
	registry *registry.MockRegistry
	cipher   *cryptoutils.AESCipher
	resolver *Resolver
	clock    time.Time
	mu       sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := cryptoutils.GenerateMasterKey()
	require.NoError(t, err)
	cipher, err := cryptoutils.NewAESCipher(key)
	require.NoError(t, err)

	verifier, err := tokens.NewAccessVerifier(accessSecret)
	require.NoError(t, err)

	f := &fixture{t: t, registry: new(registry.MockRegistry), cipher: cipher, clock: time.Now()}
	f.resolver = New(Config{TTL: time.Minute, RetireGrace: testGrace}, f.registry, cipher, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithClaimVerifier(verifier), withClock(f.now))
	t.Cleanup(f.resolver.Close)
	return f
}

func (f *fixture) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clock
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = f.clock.Add(d)
}

func (f *fixture) readyTenant(slug, connection string) *interfaces.Tenant {
	id := uuid.New()
	sealed, err := cryptoutils.EncryptString(f.cipher, connection, cryptoutils.TenantAssociatedData(id))
	require.NoError(f.t, err)
	return &interfaces.Tenant{
		ID:                  id,
		Slug:                slug,
		DisplayName:         slug,
		Status:              interfaces.TenantReady,
		PlanCode:            "Basic",
		DatabaseName:        "tenant_" + slug,
		EncryptedConnection: sealed,
	}
}

func TestResolveCachesReadyTenant(t *testing.T) {
	f := newFixture(t)
	tenant := f.readyTenant("acme", "postgres://acme:secret@db/tenant_acme")
	f.registry.On("GetTenantBySlug", mock.Anything, "acme").Return(tenant, nil)

	res, err := f.resolver.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	require.Equal(t, Resolved, res.Kind)
	assert.Equal(t, tenant.ID, res.Tenant.TenantID)
	assert.Equal(t, "Basic", res.Tenant.Plan)
	assert.Equal(t, "postgres://acme:secret@db/tenant_acme", res.Tenant.connection)

	again, err := f.resolver.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	assert.Same(t, res.Tenant, again.Tenant)

	f.registry.AssertNumberOfCalls(t, "GetTenantBySlug", 1)
	assert.Equal(t, 1, f.resolver.Len())
}

func TestResolvePendingIsNotReady(t *testing.T) {
	f := newFixture(t)
	f.registry.On("GetTenantBySlug", mock.Anything, "acme").
		Return(&interfaces.Tenant{ID: uuid.New(), Slug: "acme", Status: interfaces.TenantPending}, nil)

	for i := 0; i < 2; i++ {
		res, err := f.resolver.Resolve(context.Background(), "acme")
		require.NoError(t, err)
		assert.Equal(t, NotReady, res.Kind)
		assert.Equal(t, interfaces.TenantPending, res.Status)
		assert.Nil(t, res.Tenant)
	}

	// NotReady is never cached.
	f.registry.AssertNumberOfCalls(t, "GetTenantBySlug", 2)
	assert.Equal(t, 0, f.resolver.Len())
}

func TestResolveUnknownSlug(t *testing.T) {
	f := newFixture(t)
	f.registry.On("GetTenantBySlug", mock.Anything, "nobody").Return(nil, interfaces.ErrTenantNotFound)

	res, err := f.resolver.Resolve(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, NotFound, res.Kind)

	res, err = f.resolver.Resolve(context.Background(), "Not A Slug")
	require.NoError(t, err)
	assert.Equal(t, NotFound, res.Kind)
	f.registry.AssertNumberOfCalls(t, "GetTenantBySlug", 1)
}

func TestResolveRegistryFailure(t *testing.T) {
	f := newFixture(t)
	f.registry.On("GetTenantBySlug", mock.Anything, "acme").Return(nil, interfaces.ErrBackendUnavailable)

	_, err := f.resolver.Resolve(context.Background(), "acme")
	assert.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
}

func TestDecryptFailureIsAnError(t *testing.T) {
	f := newFixture(t)

	tampered := f.readyTenant("tampered", "file:x.db")
	tampered.EncryptedConnection = tampered.EncryptedConnection[:len(tampered.EncryptedConnection)-4] + "AAAA"
	f.registry.On("GetTenantBySlug", mock.Anything, "tampered").Return(tampered, nil)

	// A secret copied from another tenant row is bound to that tenant.
	donor := f.readyTenant("donor", "file:donor.db")
	swapped := f.readyTenant("swapped", "file:swapped.db")
	swapped.EncryptedConnection = donor.EncryptedConnection
	f.registry.On("GetTenantBySlug", mock.Anything, "swapped").Return(swapped, nil)

	missing := f.readyTenant("missing", "file:missing.db")
	missing.EncryptedConnection = ""
	f.registry.On("GetTenantBySlug", mock.Anything, "missing").Return(missing, nil)

	for _, slug := range []string{"tampered", "swapped", "missing"} {
		_, err := f.resolver.Resolve(context.Background(), slug)
		assert.ErrorIs(t, err, interfaces.ErrDecryption, slug)
	}
	assert.Equal(t, 0, f.resolver.Len())
}

func TestInvalidateDropsConnection(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "tenant.db")
	tenant := f.readyTenant("acme", dbutil.SQLiteDSN(path))
	f.registry.On("GetTenantBySlug", mock.Anything, "acme").Return(tenant, nil)

	res, err := f.resolver.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	tc := res.Tenant

	db, err := tc.DB(context.Background())
	require.NoError(t, err)
	require.NoError(t, db.Ping())

	f.resolver.Invalidate(tenant.ID)
	assert.Equal(t, 0, f.resolver.Len())
	assert.Empty(t, tc.connection)
	_, err = tc.DB(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrTenantNotReady)
	assert.Error(t, db.Ping(), "pool is closed")

	res, err = f.resolver.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	assert.NotSame(t, tc, res.Tenant)
	f.registry.AssertNumberOfCalls(t, "GetTenantBySlug", 2)
}

func TestExpiryAndJanitor(t *testing.T) {
	f := newFixture(t)
	tenant := f.readyTenant("acme", "file:acme.db")
	f.registry.On("GetTenantBySlug", mock.Anything, "acme").Return(tenant, nil)

	first, err := f.resolver.Resolve(context.Background(), "acme")
	require.NoError(t, err)

	f.advance(2 * time.Minute)
	assert.Equal(t, 1, f.resolver.EvictExpired())
	assert.Equal(t, 0, f.resolver.Len())
	assert.Eventually(t, func() bool { return isClosed(first.Tenant) }, time.Second, 5*time.Millisecond)

	second, err := f.resolver.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	assert.NotSame(t, first.Tenant, second.Tenant)

	f.advance(2 * time.Minute)
	third, err := f.resolver.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	assert.NotSame(t, second.Tenant, third.Tenant)
	assert.Eventually(t, func() bool { return isClosed(second.Tenant) }, time.Second, 5*time.Millisecond,
		"replaced entry closes after the grace period")

	f.registry.AssertNumberOfCalls(t, "GetTenantBySlug", 3)
}

func TestRefreshKeepsInFlightPool(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "tenant.db")
	tenant := f.readyTenant("acme", dbutil.SQLiteDSN(path))
	f.registry.On("GetTenantBySlug", mock.Anything, "acme").Return(tenant, nil)

	var held *ResolvedTenantContext
	handler := f.resolver.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		held = MustFromContext(r.Context())
		db, err := held.DB(r.Context())
		require.NoError(t, err)

		// Another request refreshes the expired entry, then the janitor runs.
		f.advance(2 * time.Minute)
		refreshed, err := f.resolver.Resolve(context.Background(), "acme")
		require.NoError(t, err)
		assert.NotSame(t, held, refreshed.Tenant)
		f.resolver.EvictExpired()
		time.Sleep(3 * testGrace)

		assert.NoError(t, db.PingContext(r.Context()))
		again, err := held.DB(r.Context())
		assert.NoError(t, err)
		assert.Same(t, db, again)
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/tenant/health", nil)
	req.Header.Set(TenantHeader, "acme")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// The last holder is gone and the grace period is over.
	require.NotNil(t, held)
	assert.True(t, isClosed(held))
	_, err := held.DB(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrTenantNotReady)
}

func TestInvalidateClosesHeldContext(t *testing.T) {
	f := newFixture(t)
	tenant := f.readyTenant("acme", "file:acme.db")
	f.registry.On("GetTenantBySlug", mock.Anything, "acme").Return(tenant, nil)

	res, err := f.resolver.resolveHeld(context.Background(), "acme")
	require.NoError(t, err)
	defer res.Tenant.release()

	f.resolver.Invalidate(tenant.ID)
	assert.True(t, isClosed(res.Tenant))
	assert.False(t, res.Tenant.acquire())
}

func TestCancelledCallerDoesNotFailSharedLoad(t *testing.T) {
	f := newFixture(t)
	tenant := f.readyTenant("acme", "file:acme.db")
	entered := make(chan struct{})
	release := make(chan struct{})
	f.registry.On("GetTenantBySlug", mock.Anything, "acme").
		Run(func(args mock.Arguments) {
			close(entered)
			<-release
			assert.NoError(t, args.Get(0).(context.Context).Err())
		}).
		Return(tenant, nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := f.resolver.Resolve(ctx, "acme")
		first <- err
	}()
	<-entered

	second := make(chan Resolution, 1)
	go func() {
		res, err := f.resolver.Resolve(context.Background(), "acme")
		assert.NoError(t, err)
		second <- res
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	close(release)

	assert.NoError(t, <-first)
	res := <-second
	assert.Equal(t, Resolved, res.Kind)
	f.registry.AssertNumberOfCalls(t, "GetTenantBySlug", 1)
}

func TestInvalidationDuringMissIsNotCachedStale(t *testing.T) {
	f := newFixture(t)
	tenant := f.readyTenant("acme", "file:acme.db")
	f.registry.On("GetTenantBySlug", mock.Anything, "acme").
		Run(func(mock.Arguments) { f.resolver.Invalidate(tenant.ID) }).
		Return(tenant, nil).Once()
	f.registry.On("GetTenantBySlug", mock.Anything, "acme").Return(tenant, nil)

	res, err := f.resolver.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, Resolved, res.Kind)
	assert.False(t, res.Tenant.ephemeral)
	f.registry.AssertNumberOfCalls(t, "GetTenantBySlug", 2)
	assert.Equal(t, 1, f.resolver.Len())
}

func TestPersistentInvalidationServesEphemeralContext(t *testing.T) {
	f := newFixture(t)
	tenant := f.readyTenant("acme", "file:acme.db")
	f.registry.On("GetTenantBySlug", mock.Anything, "acme").
		Run(func(mock.Arguments) { f.resolver.Invalidate(tenant.ID) }).
		Return(tenant, nil)

	res, err := f.resolver.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, Resolved, res.Kind)
	assert.True(t, res.Tenant.ephemeral)
	assert.Equal(t, 0, f.resolver.Len())
	f.registry.AssertNumberOfCalls(t, "GetTenantBySlug", maxPopulateAttempts)
}

func TestConcurrentMissesCoalesce(t *testing.T) {
	f := newFixture(t)
	tenant := f.readyTenant("acme", "file:acme.db")
	release := make(chan struct{})
	f.registry.On("GetTenantBySlug", mock.Anything, "acme").
		Run(func(mock.Arguments) { <-release }).
		Return(tenant, nil)

	const callers = 10
	results := make(chan *ResolvedTenantContext, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.resolver.Resolve(context.Background(), "acme")
			assert.NoError(t, err)
			results <- res.Tenant
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	var first *ResolvedTenantContext
	for tc := range results {
		if first == nil {
			first = tc
		}
		assert.Same(t, first, tc)
	}
	f.registry.AssertNumberOfCalls(t, "GetTenantBySlug", 1)
}

func TestLogValueRedactsConnection(t *testing.T) {
	f := newFixture(t)
	tenant := f.readyTenant("acme", "postgres://acme:hunter2@db/tenant_acme")
	f.registry.On("GetTenantBySlug", mock.Anything, "acme").Return(tenant, nil)

	res, err := f.resolver.Resolve(context.Background(), "acme")
	require.NoError(t, err)

	var buf bytes.Buffer
	slog.New(slog.NewJSONHandler(&buf, nil)).Info("resolved", "tenant", res.Tenant)
	assert.Contains(t, buf.String(), "acme")
	assert.Contains(t, buf.String(), redacted)
	assert.NotContains(t, buf.String(), "hunter2")
	assert.NotContains(t, res.Tenant.String(), "hunter2")
}

func TestIdentify(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := f.resolver.Identify(req)
	assert.ErrorIs(t, err, interfaces.ErrTenantRequired)

	token, err := tokens.IssueAccessToken(accessSecret, "globex", "user-1", time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	slug, err := f.resolver.Identify(req)
	require.NoError(t, err)
	assert.Equal(t, "globex", slug)

	req.Header.Set(TenantHeader, "Acme")
	slug, err = f.resolver.Identify(req)
	require.NoError(t, err)
	assert.Equal(t, "acme", slug, "header wins over the token claim")

	req.Header.Set(TenantHeader, "../etc")
	_, err = f.resolver.Identify(req)
	assert.ErrorIs(t, err, interfaces.ErrTenantRequired)

	bad := httptest.NewRequest(http.MethodGet, "/", nil)
	bad.Header.Set("Authorization", "Bearer not-a-token")
	_, err = f.resolver.Identify(bad)
	assert.ErrorIs(t, err, interfaces.ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	f := newFixture(t)
	ready := f.readyTenant("acme", "file:acme.db")
	f.registry.On("GetTenantBySlug", mock.Anything, "acme").Return(ready, nil)
	f.registry.On("GetTenantBySlug", mock.Anything, "pending").
		Return(&interfaces.Tenant{ID: uuid.New(), Slug: "pending", Status: interfaces.TenantSeeding}, nil)
	f.registry.On("GetTenantBySlug", mock.Anything, "nobody").Return(nil, interfaces.ErrTenantNotFound)
	f.registry.On("GetTenantBySlug", mock.Anything, "broken").Return(nil, interfaces.ErrBackendUnavailable)

	handler := f.resolver.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc := MustFromContext(r.Context())
		w.Write([]byte(tc.Slug))
	}))

	cases := []struct {
		header string
		code   int
	}{
		{"", http.StatusBadRequest},
		{"acme", http.StatusOK},
		{"pending", http.StatusForbidden},
		{"nobody", http.StatusNotFound},
		{"broken", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/tenant/context", nil)
		if tc.header != "" {
			req.Header.Set(TenantHeader, tc.header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, tc.code, rec.Code, "tenant %q", tc.header)
		if tc.code == http.StatusOK {
			assert.Equal(t, "acme", rec.Body.String())
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer forged")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFromContextWithoutTenant(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)
	assert.Panics(t, func() { MustFromContext(context.Background()) })
}
