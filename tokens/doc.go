// Package tokens issues and verifies the JWTs used by the provisioning API:
// short-lived confirmation tokens and tenant-scoped bearer access tokens.
package tokens
