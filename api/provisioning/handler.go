package provisioning

import (
	"context"
	"encoding/json"
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

const (
	// maxBodySize is the maximum allowed request body size (64KB).
	maxBodySize = 64 * 1024

	confirmPath = "/provision/tenants/confirm"
)

// Scheduler runs provisioning workflows off the request path.
type Scheduler interface {
	Enqueue(ctx context.Context, tenantID uuid.UUID) error
	Requeue(ctx context.Context, tenantID uuid.UUID) error
	IsActive(tenantID uuid.UUID) bool
}

// Handler serves the self-service provisioning endpoints. Handlers never
// perform provisioning work themselves; confirm only hands the tenant to the
// scheduler and clients poll the status endpoint.
type Handler struct {
	registry  interfaces.TenantRegistry
	tokens    interfaces.ConfirmationTokenIssuer
	scheduler Scheduler
	log       *slog.Logger
}

func NewHandler(registry interfaces.TenantRegistry, tokens interfaces.ConfirmationTokenIssuer, scheduler Scheduler, log *slog.Logger) *Handler {
	return &Handler{
		registry:  registry,
		tokens:    tokens,
		scheduler: scheduler,
		log:       log.With("component", "provisioning-api"),
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/provision/tenants/init", h.HandleInit)
	r.Post(confirmPath, h.HandleConfirm)
	r.Get("/provision/tenants/{id}/status", h.HandleStatus)
}

func statusEndpoint(id uuid.UUID) string {
	return fmt.Sprintf("/provision/tenants/%s/status", id)
}

// HandleInit registers a Pending tenant and returns a confirmation token.
//
// URL format: POST /provision/tenants/init
//
// Request body: api.InitRequest
//
// Responses: 201 api.InitResponse; 400 on an invalid slug, name or unknown
// plan; 409 when the slug is already registered.
func (h *Handler) HandleInit(w http.ResponseWriter, r *http.Request) {
	var req api.InitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		api.WriteError(w, &api.RequestError{StatusCode: http.StatusBadRequest, Err: errors.New("malformed request body")})
		return
	}

	resp, err := h.handleInit(r.Context(), req)
	if err != nil {
		h.writeError(w, err, "Tenant registration failed", "slug", req.Slug)
		return
	}
	api.WriteJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleInit(ctx context.Context, req api.InitRequest) (*api.InitResponse, error) {
	slug := strings.TrimSpace(req.Slug)
	name := strings.TrimSpace(req.Name)

	if err := interfaces.ValidateSlug(slug); err != nil {
		return nil, &api.RequestError{StatusCode: http.StatusBadRequest, Err: err}
	}
	if err := interfaces.ValidateDisplayName(name); err != nil {
		return nil, &api.RequestError{StatusCode: http.StatusBadRequest, Err: err}
	}
	if strings.TrimSpace(req.Plan) == "" {
		return nil, &api.RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("%w: plan is required", interfaces.ErrValidation)}
	}

	tenant, err := h.registry.CreateTenant(ctx, interfaces.NewTenant{Slug: slug, DisplayName: name, PlanCode: req.Plan})
	switch {
	case errors.Is(err, interfaces.ErrSlugTaken):
		return nil, &api.RequestError{StatusCode: http.StatusConflict, Err: fmt.Errorf("tenant slug %q is already registered", slug)}
	case errors.Is(err, interfaces.ErrPlanNotFound):
		return nil, &api.RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("unknown plan %q", req.Plan)}
	case errors.Is(err, interfaces.ErrValidation):
		return nil, &api.RequestError{StatusCode: http.StatusBadRequest, Err: err}
	case err != nil:
		return nil, err
	}

	token, err := h.tokens.Issue(tenant.ID, tenant.Slug)
	if err != nil {
		return nil, fmt.Errorf("could not issue confirmation token: %w", err)
	}

	return &api.InitResponse{
		ProvisioningID: tenant.ID,
		ConfirmToken:   token,
		Next:           confirmPath,
		Message:        "Tenant registered. Confirm provisioning with the confirmation token.",
	}, nil
}

// HandleConfirm validates a confirmation token and schedules provisioning.
//
// URL format: POST /provision/tenants/confirm
//
// Headers: Authorization: Bearer <confirmToken>
//
// Responses: 202 QUEUED while the workflow is queued or running (repeated
// confirms are idempotent); 200 READY once provisioned; 401 on an invalid
// token; 409 for Failed or Suspended tenants; 503 when the queue is full.
func (h *Handler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		api.WriteError(w, &api.RequestError{StatusCode: http.StatusUnauthorized, Err: interfaces.ErrInvalidToken})
		return
	}

	status, resp, err := h.handleConfirm(r.Context(), token)
	if err != nil {
		h.writeError(w, err, "Provisioning confirmation failed")
		return
	}
	api.WriteJSON(w, status, resp)
}

func (h *Handler) handleConfirm(ctx context.Context, token string) (int, *api.ConfirmResponse, error) {
	claims, err := h.tokens.Validate(token)
	if err != nil {
		return 0, nil, &api.RequestError{StatusCode: http.StatusUnauthorized, Err: interfaces.ErrInvalidToken}
	}

	tenant, err := h.registry.GetTenant(ctx, claims.ProvisioningID)
	if errors.Is(err, interfaces.ErrTenantNotFound) {
		return 0, nil, &api.RequestError{StatusCode: http.StatusUnauthorized, Err: interfaces.ErrInvalidToken}
	}
	if err != nil {
		return 0, nil, err
	}
	if tenant.Slug != claims.Slug {
		h.log.Warn("Confirmation token does not match tenant", "tenantID", tenant.ID, "tokenSlug", claims.Slug)
		return 0, nil, &api.RequestError{StatusCode: http.StatusUnauthorized, Err: interfaces.ErrInvalidToken}
	}

	return h.schedule(ctx, tenant)
}

func (h *Handler) schedule(ctx context.Context, tenant *interfaces.Tenant) (int, *api.ConfirmResponse, error) {
	queued := &api.ConfirmResponse{
		ProvisioningID: tenant.ID,
		Status:         api.ConfirmQueued,
		Message:        "Provisioning is in progress.",
		StatusEndpoint: statusEndpoint(tenant.ID),
	}

	switch tenant.Status {
	case interfaces.TenantReady:
		return http.StatusOK, &api.ConfirmResponse{
			ProvisioningID: tenant.ID,
			Status:         api.ConfirmReady,
			Message:        "Tenant is provisioned.",
			StatusEndpoint: statusEndpoint(tenant.ID),
		}, nil
	case interfaces.TenantFailed, interfaces.TenantSuspended:
		return 0, nil, &api.RequestError{
			StatusCode: http.StatusConflict,
			Err:        fmt.Errorf("tenant %s is %s", tenant.Slug, tenant.Status),
		}
	}

	if h.scheduler.IsActive(tenant.ID) {
		return http.StatusAccepted, queued, nil
	}

	err := h.scheduler.Enqueue(ctx, tenant.ID)
	switch {
	case err == nil:
		h.log.Info("Provisioning confirmed", "tenantID", tenant.ID, "slug", tenant.Slug)
		return http.StatusAccepted, queued, nil
	case errors.Is(err, orchestrator.ErrAlreadyQueued):
		return http.StatusAccepted, queued, nil
	case errors.Is(err, orchestrator.ErrQueueFull), errors.Is(err, orchestrator.ErrStopped):
		return 0, nil, &api.RequestError{StatusCode: http.StatusServiceUnavailable, Err: errors.New("provisioning queue is full, retry later")}
	case errors.Is(err, orchestrator.ErrNotEligible):
		// The tenant moved on since it was read, or another process holds
		// its lease.
		current, gerr := h.registry.GetTenant(ctx, tenant.ID)
		if gerr != nil {
			return 0, nil, gerr
		}
		if current.Status == interfaces.TenantSeeding || current.Status == interfaces.TenantPending {
			return http.StatusAccepted, queued, nil
		}
		return h.schedule(ctx, current)
	default:
		return 0, nil, err
	}
}

// HandleStatus reports the tenant status and its provisioning log.
//
// URL format: GET /provision/tenants/{id}/status
//
// Responses: 200 api.StatusResponse; 404 for unknown ids.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		api.WriteError(w, &api.RequestError{StatusCode: http.StatusNotFound, Err: interfaces.ErrTenantNotFound})
		return
	}

	tenant, err := h.registry.GetTenant(r.Context(), id)
	if errors.Is(err, interfaces.ErrTenantNotFound) {
		api.WriteError(w, &api.RequestError{StatusCode: http.StatusNotFound, Err: interfaces.ErrTenantNotFound})
		return
	}
	if err != nil {
		h.writeError(w, err, "Status lookup failed", "tenantID", id)
		return
	}

	steps, err := h.registry.ListSteps(r.Context(), id)
	if err != nil {
		h.writeError(w, err, "Step log lookup failed", "tenantID", id)
		return
	}

	api.WriteJSON(w, http.StatusOK, api.StatusResponse{
		ProvisioningID: tenant.ID,
		Status:         tenant.Status,
		TenantSlug:     tenant.Slug,
		DBName:         tenant.DatabaseName,
		LastError:      tenant.LastError,
		Steps:          api.NewStepViews(steps),
	})
}

func (h *Handler) writeError(w http.ResponseWriter, err error, msg string, args ...any) {
	var re *api.RequestError
	if errors.As(err, &re) {
		h.log.Debug(msg, append(args, "status", re.StatusCode, "err", re.Err)...)
		api.WriteError(w, re)
		return
	}
	h.log.Error(msg, append(args, "err", err)...)
	api.WriteError(w, err)
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(auth[7:])
	return token, token != ""
}
