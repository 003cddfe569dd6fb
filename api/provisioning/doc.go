/*
Package provisioning implements the self-service provisioning API and the
operator API of tenantd.

Handler serves tenant registration, confirmation and status polling.
Registration stores a Pending tenant and answers with a short-lived
confirmation token; confirmation hands the tenant to a Scheduler (the
orchestrator) and returns immediately.

AdminHandler is protected by a static bearer token compared in constant time
and lets operators list tenants, re-queue Failed tenants, suspend and resume
Ready tenants and drop cached tenant contexts.
*/
package provisioning
