package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tenant-provisioning-backend/interfaces"
)

// Wire values of the confirm response status.
const (
	ConfirmQueued = "QUEUED"
	ConfirmReady  = "READY"
)

// InitRequest is the body of POST /provision/tenants/init.
type InitRequest struct {
	Slug string `json:"slug"`
	Name string `json:"name"`
	Plan string `json:"plan"`
}

// InitResponse is returned once a tenant is registered as Pending.
type InitResponse struct {
	// ProvisioningID is the tenant id and is used for status polling.
	ProvisioningID uuid.UUID `json:"provisioningId"`

	// ConfirmToken must be presented as a bearer token to the confirm endpoint
	// within its validity window.
	ConfirmToken string `json:"confirmToken"`

	Next    string `json:"next"`
	Message string `json:"message"`
}

// ConfirmResponse is returned by POST /provision/tenants/confirm.
type ConfirmResponse struct {
	ProvisioningID uuid.UUID `json:"provisioningId"`
	// Status is QUEUED while the workflow is pending or running and READY once
	// the tenant has been provisioned.
	Status         string `json:"status"`
	Message        string `json:"message"`
	StatusEndpoint string `json:"statusEndpoint"`
}

// StepView is one row of the provisioning log as exposed to clients.
type StepView struct {
	Step         interfaces.StepName   `json:"step"`
	Status       interfaces.StepStatus `json:"status"`
	Attempt      int                   `json:"attempt"`
	StartedAt    *time.Time            `json:"startedAt,omitempty"`
	CompletedAt  *time.Time            `json:"completedAt,omitempty"`
	Log          string                `json:"log,omitempty"`
	ErrorMessage string                `json:"errorMessage,omitempty"`
}

// StatusResponse is returned by GET /provision/tenants/{id}/status.
type StatusResponse struct {
	ProvisioningID uuid.UUID               `json:"provisioningId"`
	Status         interfaces.TenantStatus `json:"status"`
	TenantSlug     string                  `json:"tenantSlug"`
	DBName         string                  `json:"dbName,omitempty"`
	LastError      string                  `json:"lastError,omitempty"`
	Steps          []StepView              `json:"steps"`
}

// TenantSummary is the operator view of a tenant.
type TenantSummary struct {
	ID          uuid.UUID               `json:"id"`
	Slug        string                  `json:"slug"`
	DisplayName string                  `json:"displayName"`
	Status      interfaces.TenantStatus `json:"status"`
	Plan        string                  `json:"plan"`
	DBName      string                  `json:"dbName,omitempty"`
	LastError   string                  `json:"lastError,omitempty"`
	CreatedAt   time.Time               `json:"createdAt"`
	UpdatedAt   time.Time               `json:"updatedAt"`
}

// TenantContextResponse describes the tenant a request was routed to.
type TenantContextResponse struct {
	TenantID     uuid.UUID               `json:"tenantId"`
	Slug         string                  `json:"slug"`
	DisplayName  string                  `json:"displayName"`
	Plan         string                  `json:"plan"`
	Status       interfaces.TenantStatus `json:"status"`
	DatabaseName string                  `json:"databaseName"`
}

// UnsealStatus reports the progress of master key recovery.
type UnsealStatus struct {
	Sealed    bool `json:"sealed"`
	Threshold int  `json:"threshold"`
	Received  int  `json:"received"`
}

// ErrorResponse is the JSON body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewSummary builds the operator view of t.
func NewSummary(t *interfaces.Tenant) TenantSummary {
	return TenantSummary{
		ID:          t.ID,
		Slug:        t.Slug,
		DisplayName: t.DisplayName,
		Status:      t.Status,
		Plan:        t.PlanCode,
		DBName:      t.DatabaseName,
		LastError:   t.LastError,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

// NewStepViews converts the provisioning log in order.
func NewStepViews(steps []*interfaces.ProvisioningStep) []StepView {
	views := make([]StepView, 0, len(steps))
	for _, s := range steps {
		views = append(views, StepView{
			Step:         s.Step,
			Status:       s.Status,
			Attempt:      s.Attempt,
			StartedAt:    s.StartedAt,
			CompletedAt:  s.CompletedAt,
			Log:          s.Message,
			ErrorMessage: s.Error,
		})
	}
	return views
}

// RequestError provides structured error information for HTTP responses.
// It includes both an HTTP status code and the underlying error.
type RequestError struct {
	// StatusCode is the HTTP status code to return.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error returns the error message from the underlying error.
func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes err as an ErrorResponse. A *RequestError carries its own
// status code; anything else is a 500 with a generic message.
func WriteError(w http.ResponseWriter, err error) {
	if re, ok := err.(*RequestError); ok {
		WriteJSON(w, re.StatusCode, ErrorResponse{Error: re.Error()})
		return
	}
	WriteJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
}
