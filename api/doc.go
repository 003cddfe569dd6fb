/*
Package api holds the wire types shared by the tenantd HTTP server and its
Go client, together with the server configuration.

The HTTP surface is split into subpackages:

  - server: lifecycle of the HTTP and metrics servers, health and drain endpoints
  - provisioning: tenant registration, confirmation, status polling and the operator API
  - tenantapi: tenant-scoped endpoints mounted behind the resolver middleware
  - unseal: recovery of a Shamir-split master key before the daemon starts
  - clients: Go client for the provisioning and operator APIs

# Provisioning flow

	POST /provision/tenants/init      {slug, name, plan}   -> 201 InitResponse
	POST /provision/tenants/confirm   Bearer confirmToken  -> 202 ConfirmResponse
	GET  /provision/tenants/{id}/status                    -> 200 StatusResponse

Confirmation is idempotent: while the workflow is queued or running it keeps
answering QUEUED and never starts a second workflow.

# Errors

Handlers return *RequestError values which WriteError renders as an
ErrorResponse with the carried status code.
*/
package api
