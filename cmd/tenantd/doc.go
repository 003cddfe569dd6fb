/*
Command tenantd serves self-service tenant provisioning and routes tenant
API requests to each tenant's own database.

The master key comes from exactly one of --master-key-hex, --master-key-uri,
--master-key-shares or --unseal-threshold. With a threshold the process
starts sealed and serves only the unseal API until operators submitted
enough shares, see tenantctl unseal.
*/
package main
