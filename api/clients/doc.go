/*
Package clients provides a Go client for tenantd.

ProvisioningClient covers the self-service provisioning flow, the operator
API and master key unsealing:

	c := clients.NewProvisioningClient("http://localhost:8080", adminToken)

	init, err := c.Init(ctx, api.InitRequest{Slug: "acme", Name: "Acme Store", Plan: "basic"})
	if err != nil {
	    return err
	}
	if _, err := c.Confirm(ctx, init.ConfirmToken); err != nil {
	    return err
	}
	status, err := c.WaitUntilReady(ctx, init.ProvisioningID, time.Second)

Non-2xx answers are returned as *ResponseError; StatusCode extracts the
HTTP status for callers that branch on it.
*/
package clients
