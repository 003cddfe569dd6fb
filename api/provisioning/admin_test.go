package provisioning

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ruteri/tenant-provisioning-backend/api"
	"github.com/ruteri/tenant-provisioning-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingInvalidator struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (r *recordingInvalidator) Invalidate(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (f *fixture) provisioned(t *testing.T, slug string) uuid.UUID {
	t.Helper()
	resp := f.initTenant(t, slug)
	rr := f.do(t, http.MethodPost, "/provision/tenants/confirm", resp.ConfirmToken, nil)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	require.Eventually(t, func() bool {
		return f.status(t, resp.ProvisioningID).Status == interfaces.TenantReady
	}, 10*time.Second, 20*time.Millisecond)
	return resp.ProvisioningID
}

func TestAdminRequiresToken(t *testing.T) {
	f := newFixture(t, &stubScheduler{})
	id := f.initTenant(t, "acme").ProvisioningID

	for _, token := range []string{"", "wrong-token-0123456789", testAdminToken + "x"} {
		rr := f.do(t, http.MethodGet, "/admin/tenants", token, nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)

		rr = f.do(t, http.MethodPost, "/admin/tenants/"+id.String()+"/suspend", token, nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	}

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/admin/tenants", testAdminToken, nil).Code)
}

func TestAdminRejectsShortToken(t *testing.T) {
	_, err := NewAdminHandler(nil, &stubScheduler{}, noopInvalidator{}, "short", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
}

func TestAdminListFiltersByStatus(t *testing.T) {
	f := newFixture(t, &stubScheduler{})
	acme := f.initTenant(t, "acme").ProvisioningID
	f.initTenant(t, "globex")
	require.NoError(t, f.registry.UpdateTenantStatus(context.Background(), acme, interfaces.TenantFailed, "disk full"))

	list := func(query string) []api.TenantSummary {
		rr := f.do(t, http.MethodGet, "/admin/tenants"+query, testAdminToken, nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		var out []api.TenantSummary
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
		return out
	}

	assert.Len(t, list(""), 2)

	failed := list("?status=Failed")
	require.Len(t, failed, 1)
	assert.Equal(t, "acme", failed[0].Slug)
	assert.Equal(t, "disk full", failed[0].LastError)

	assert.Len(t, list("?status=Failed,Pending"), 2)

	rr := f.do(t, http.MethodGet, "/admin/tenants?status=Broken", testAdminToken, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAdminRequeueFailedTenant(t *testing.T) {
	f := newFixture(t, nil)
	id := f.initTenant(t, "acme").ProvisioningID
	require.NoError(t, f.registry.UpdateTenantStatus(context.Background(), id, interfaces.TenantFailed, "boom"))

	rr := f.do(t, http.MethodPost, "/admin/tenants/"+id.String()+"/requeue", testAdminToken, nil)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	require.Eventually(t, func() bool {
		return f.status(t, id).Status == interfaces.TenantReady
	}, 10*time.Second, 20*time.Millisecond)
	assert.Empty(t, f.status(t, id).LastError)

	// Ready tenants cannot be requeued.
	rr = f.do(t, http.MethodPost, "/admin/tenants/"+id.String()+"/requeue", testAdminToken, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestAdminSuspendAndResume(t *testing.T) {
	f := newFixture(t, nil)
	inv := &recordingInvalidator{}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	admin, err := NewAdminHandler(f.registry, &stubScheduler{}, inv, testAdminToken, log)
	require.NoError(t, err)
	router := chi.NewRouter()
	admin.RegisterRoutes(router)

	id := f.provisioned(t, "acme")
	call := func(action string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/admin/tenants/"+id.String()+"/"+action, nil)
		req.Header.Set("Authorization", "Bearer "+testAdminToken)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	rr := call("suspend")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var summary api.TenantSummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &summary))
	assert.Equal(t, interfaces.TenantSuspended, summary.Status)

	assert.Equal(t, http.StatusConflict, call("suspend").Code)

	require.Equal(t, http.StatusOK, call("resume").Code)
	assert.Equal(t, interfaces.TenantReady, f.status(t, id).Status)
	assert.Equal(t, http.StatusConflict, call("resume").Code)

	assert.Equal(t, http.StatusNoContent, call("invalidate").Code)

	inv.mu.Lock()
	defer inv.mu.Unlock()
	assert.Equal(t, []uuid.UUID{id, id, id}, inv.ids)
}

func TestAdminUnknownTenant(t *testing.T) {
	f := newFixture(t, &stubScheduler{})

	for _, action := range []string{"requeue", "suspend", "resume", "invalidate"} {
		rr := f.do(t, http.MethodPost, "/admin/tenants/"+uuid.NewString()+"/"+action, testAdminToken, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code, action)
	}
}
