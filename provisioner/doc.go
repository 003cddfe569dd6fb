// Package provisioner creates isolated tenant databases and brings them to
// the baseline schema and seed data. PostgresProvisioner serves production
// deployments; SQLiteProvisioner keeps one database file per tenant.
package provisioner
