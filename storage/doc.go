// Package storage provides key stores for the master key material of the
// tenant provisioning backend.
//
// Key material lives apart from the tenant registry and tenant databases. A
// key store is selected by URI:
//
//	file:///var/lib/tenantd/keys
//	vault://vault.internal:8200/secret/tenantd?token_env=VAULT_TOKEN
//	s3://bucket/tenantd/keys?region=eu-west-1
//
// Several locations can be combined with KeyStoreFactory.CreateMultiBackend;
// the resulting MultiKeyStore reads from the first store that has the object
// and writes to all available stores.
package storage
