// Package interfaces defines the shared types, state machines, errors and
// component interfaces of the tenant provisioning backend.
//
// # Tenant lifecycle
//
// A tenant moves through Pending, Seeding and Ready, may be Suspended and
// resumed, and ends in Failed when a provisioning step fails. Failed tenants
// only leave that state through an explicit operator re-queue.
//
// # Provisioning log
//
// Each step attempt is a ProvisioningStep row. Rows move Pending -> Running ->
// Success|Failed and are never rewritten afterwards; retries append a new
// attempt. ResumePoint derives where a workflow continues from the log.
//
// # Components
//
// TenantRegistry stores tenants and the log, DatabaseProvisioner creates the
// isolated databases, SecretCipher seals connection strings at rest and
// ConfirmationTokenIssuer guards the confirm step. KeyStore abstracts where
// key material lives (file, Vault, S3).
package interfaces
