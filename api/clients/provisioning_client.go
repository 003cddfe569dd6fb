package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tenant-provisioning-backend/api"
	"github.com/ruteri/tenant-provisioning-backend/interfaces"
)

// ResponseError is returned for every non-2xx answer of the server.
type ResponseError struct {
	StatusCode int
	Message    string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("endpoint returned error %d: %s", e.StatusCode, e.Message)
}

// StatusCode returns the HTTP status of a ResponseError, or 0.
func StatusCode(err error) int {
	var re *ResponseError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}

// ProvisioningClient talks to the provisioning, operator and unseal APIs of
// tenantd.
type ProvisioningClient struct {
	// ServerAddr is the base URL of tenantd, e.g. http://localhost:8080.
	ServerAddr string

	// AdminToken authenticates operator and unseal calls.
	AdminToken string

	// HTTPClient defaults to a client with a 30 second timeout.
	HTTPClient *http.Client
}

func NewProvisioningClient(serverAddr, adminToken string) *ProvisioningClient {
	return &ProvisioningClient{
		ServerAddr: strings.TrimRight(serverAddr, "/"),
		AdminToken: adminToken,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *ProvisioningClient) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// do sends a JSON request and decodes a JSON response into out when out is
// not nil. It returns the response status code.
func (c *ProvisioningClient) do(ctx context.Context, method, path, bearer string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.ServerAddr+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return 0, fmt.Errorf("could not request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e api.ErrorResponse
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return resp.StatusCode, &ResponseError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("could not parse response of %s: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

// Init registers a tenant and returns its provisioning id and confirmation
// token.
func (c *ProvisioningClient) Init(ctx context.Context, req api.InitRequest) (*api.InitResponse, error) {
	var resp api.InitResponse
	if _, err := c.do(ctx, http.MethodPost, "/provision/tenants/init", "", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Confirm starts provisioning. Repeating it is safe.
func (c *ProvisioningClient) Confirm(ctx context.Context, confirmToken string) (*api.ConfirmResponse, error) {
	var resp api.ConfirmResponse
	if _, err := c.do(ctx, http.MethodPost, "/provision/tenants/confirm", confirmToken, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *ProvisioningClient) Status(ctx context.Context, id uuid.UUID) (*api.StatusResponse, error) {
	var resp api.StatusResponse
	if _, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/provision/tenants/%s/status", id), "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitUntilReady polls the status endpoint until the tenant is Ready. It
// fails as soon as the tenant is Failed, since failed workflows are only
// resumed by an operator.
func (c *ProvisioningClient) WaitUntilReady(ctx context.Context, id uuid.UUID, interval time.Duration) (*api.StatusResponse, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := c.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		switch status.Status {
		case interfaces.TenantReady:
			return status, nil
		case interfaces.TenantFailed:
			return status, fmt.Errorf("provisioning of %s failed: %s", status.TenantSlug, status.LastError)
		case interfaces.TenantSuspended:
			return status, fmt.Errorf("tenant %s is suspended", status.TenantSlug)
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ListTenants lists tenants, optionally filtered by status.
func (c *ProvisioningClient) ListTenants(ctx context.Context, statuses ...interfaces.TenantStatus) ([]api.TenantSummary, error) {
	path := "/admin/tenants"
	if len(statuses) > 0 {
		parts := make([]string, len(statuses))
		for i, s := range statuses {
			parts[i] = string(s)
		}
		path += "?status=" + url.QueryEscape(strings.Join(parts, ","))
	}

	var resp []api.TenantSummary
	if _, err := c.do(ctx, http.MethodGet, path, c.AdminToken, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *ProvisioningClient) Requeue(ctx context.Context, id uuid.UUID) (*api.TenantSummary, error) {
	return c.adminAction(ctx, id, "requeue")
}

func (c *ProvisioningClient) Suspend(ctx context.Context, id uuid.UUID) (*api.TenantSummary, error) {
	return c.adminAction(ctx, id, "suspend")
}

func (c *ProvisioningClient) Resume(ctx context.Context, id uuid.UUID) (*api.TenantSummary, error) {
	return c.adminAction(ctx, id, "resume")
}

// Invalidate drops the cached context of a tenant on the server.
func (c *ProvisioningClient) Invalidate(ctx context.Context, id uuid.UUID) error {
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/admin/tenants/%s/invalidate", id), c.AdminToken, nil, nil)
	return err
}

func (c *ProvisioningClient) adminAction(ctx context.Context, id uuid.UUID, action string) (*api.TenantSummary, error) {
	var resp api.TenantSummary
	if _, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/admin/tenants/%s/%s", id, action), c.AdminToken, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UnsealStatus queries master key recovery progress.
func (c *ProvisioningClient) UnsealStatus(ctx context.Context) (*api.UnsealStatus, error) {
	var resp api.UnsealStatus
	if _, err := c.do(ctx, http.MethodGet, "/unseal/status", "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitShare submits one hex encoded master key share.
func (c *ProvisioningClient) SubmitShare(ctx context.Context, shareHex string) (*api.UnsealStatus, error) {
	var resp api.UnsealStatus
	if _, err := c.do(ctx, http.MethodPost, "/unseal/share", c.AdminToken, map[string]string{"share": shareHex}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
