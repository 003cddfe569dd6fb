// Package registry implements the durable tenant registry on SQLite or
// PostgreSQL.
//
// The registry owns three tables: plans, tenants and provisioning_steps. The
// schema is shipped as embedded migrations and applied on Open.
//
// Every status write is checked against the state machines in the interfaces
// package and applied as a compare-and-set on the status read inside the same
// transaction, so concurrent writers cannot skip a state. The provisioning log
// is append-only: steps are started as new Running rows and closed exactly
// once as Success or Failed.
//
// Worker leases (lease_owner, lease_until_ms) let several orchestrator
// processes share one registry without running a tenant twice.
package registry
