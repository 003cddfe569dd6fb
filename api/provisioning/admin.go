package provisioning

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ruteri/tenant-provisioning-backend/api"
	"github.com/ruteri/tenant-provisioning-backend/interfaces"
	"github.com/ruteri/tenant-provisioning-backend/orchestrator"
)

// AdminHandler serves the operator API. Every route requires the admin
// bearer token.
type AdminHandler struct {
	registry    interfaces.TenantRegistry
	scheduler   Scheduler
	invalidator interfaces.Invalidator
	token       []byte
	log         *slog.Logger
}

func NewAdminHandler(registry interfaces.TenantRegistry, scheduler Scheduler, invalidator interfaces.Invalidator, adminToken string, log *slog.Logger) (*AdminHandler, error) {
	if len(adminToken) < 16 {
		return nil, errors.New("admin token must be at least 16 characters")
	}
	return &AdminHandler{
		registry:    registry,
		scheduler:   scheduler,
		invalidator: invalidator,
		token:       []byte(adminToken),
		log:         log.With("component", "admin-api"),
	}, nil
}

func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/admin/tenants", func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Get("/", h.HandleList)
		r.Post("/{id}/requeue", h.HandleRequeue)
		r.Post("/{id}/suspend", h.HandleSuspend)
		r.Post("/{id}/resume", h.HandleResume)
		r.Post("/{id}/invalidate", h.HandleInvalidate)
	})
}

func (h *AdminHandler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(token), h.token) != 1 {
			h.log.Warn("Rejected admin request", "path", r.URL.Path, "remoteAddr", r.RemoteAddr)
			api.WriteError(w, &api.RequestError{StatusCode: http.StatusUnauthorized, Err: errors.New("admin authorization required")})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HandleList lists tenants, optionally filtered by a comma separated status
// list.
//
// URL format: GET /admin/tenants?status=Failed,Seeding
func (h *AdminHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	var statuses []interfaces.TenantStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := interfaces.TenantStatus(strings.TrimSpace(s))
			if !status.Valid() {
				api.WriteError(w, &api.RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("unknown status %q", s)})
				return
			}
			statuses = append(statuses, status)
		}
	}

	tenants, err := h.registry.ListTenants(r.Context(), statuses...)
	if err != nil {
		h.log.Error("Tenant listing failed", "err", err)
		api.WriteError(w, err)
		return
	}

	out := make([]api.TenantSummary, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, api.NewSummary(t))
	}
	api.WriteJSON(w, http.StatusOK, out)
}

// HandleRequeue returns a Failed tenant to the queue; provisioning resumes at
// the failed step.
//
// URL format: POST /admin/tenants/{id}/requeue
func (h *AdminHandler) HandleRequeue(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}

	err := h.scheduler.Requeue(r.Context(), tenant.ID)
	switch {
	case err == nil, errors.Is(err, orchestrator.ErrAlreadyQueued):
	case errors.Is(err, orchestrator.ErrNotEligible), errors.Is(err, interfaces.ErrInvalidTransition):
		api.WriteError(w, &api.RequestError{StatusCode: http.StatusConflict, Err: err})
		return
	case errors.Is(err, orchestrator.ErrQueueFull), errors.Is(err, orchestrator.ErrStopped):
		api.WriteError(w, &api.RequestError{StatusCode: http.StatusServiceUnavailable, Err: err})
		return
	default:
		h.log.Error("Requeue failed", "tenantID", tenant.ID, "err", err)
		api.WriteError(w, err)
		return
	}

	h.log.Info("Tenant requeued by operator", "tenantID", tenant.ID, "slug", tenant.Slug)
	h.writeTenant(w, r, tenant.ID, http.StatusAccepted)
}

// HandleSuspend moves a Ready tenant to Suspended and drops its cached
// context so requests are refused immediately.
//
// URL format: POST /admin/tenants/{id}/suspend
func (h *AdminHandler) HandleSuspend(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, interfaces.TenantSuspended)
}

// HandleResume moves a Suspended tenant back to Ready.
//
// URL format: POST /admin/tenants/{id}/resume
func (h *AdminHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, interfaces.TenantReady)
}

// HandleInvalidate drops the cached context of a tenant.
//
// URL format: POST /admin/tenants/{id}/invalidate
func (h *AdminHandler) HandleInvalidate(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	h.invalidator.Invalidate(tenant.ID)
	h.log.Info("Tenant context invalidated by operator", "tenantID", tenant.ID, "slug", tenant.Slug)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) transition(w http.ResponseWriter, r *http.Request, to interfaces.TenantStatus) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}

	err := h.registry.UpdateTenantStatus(r.Context(), tenant.ID, to, "")
	switch {
	case errors.Is(err, interfaces.ErrInvalidTransition), errors.Is(err, interfaces.ErrConcurrentModification):
		api.WriteError(w, &api.RequestError{StatusCode: http.StatusConflict, Err: err})
		return
	case err != nil:
		h.log.Error("Status change failed", "tenantID", tenant.ID, "to", to, "err", err)
		api.WriteError(w, err)
		return
	}

	h.invalidator.Invalidate(tenant.ID)
	h.log.Info("Tenant status changed by operator", "tenantID", tenant.ID, "slug", tenant.Slug, "from", tenant.Status, "to", to)
	h.writeTenant(w, r, tenant.ID, http.StatusOK)
}

func (h *AdminHandler) tenant(w http.ResponseWriter, r *http.Request) (*interfaces.Tenant, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		api.WriteError(w, &api.RequestError{StatusCode: http.StatusNotFound, Err: interfaces.ErrTenantNotFound})
		return nil, false
	}
	tenant, err := h.registry.GetTenant(r.Context(), id)
	if errors.Is(err, interfaces.ErrTenantNotFound) {
		api.WriteError(w, &api.RequestError{StatusCode: http.StatusNotFound, Err: interfaces.ErrTenantNotFound})
		return nil, false
	}
	if err != nil {
		h.log.Error("Tenant lookup failed", "tenantID", id, "err", err)
		api.WriteError(w, err)
		return nil, false
	}
	return tenant, true
}

func (h *AdminHandler) writeTenant(w http.ResponseWriter, r *http.Request, id uuid.UUID, status int) {
	tenant, err := h.registry.GetTenant(r.Context(), id)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, status, api.NewSummary(tenant))
}
