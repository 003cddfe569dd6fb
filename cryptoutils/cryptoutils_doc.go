// Package cryptoutils provides the symmetric cryptography of the tenant
// provisioning backend.
//
// Tenant connection strings are sealed with AES-256-GCM before they are
// written to the registry. Each envelope carries a version byte and a short
// key id so that keys can be rotated without re-encrypting everything at
// once:
//
//	version(1) | keyID(4) | nonce(12) | ciphertext+tag
//
// The tenant id is bound as associated data, so an envelope copied onto a
// different tenant row fails to open.
//
// Subkeys are derived from the process master key with HKDF-SHA256, one per
// purpose (connection secrets, confirmation token signing, database
// passwords). Tenant database passwords are derived with argon2id from the
// password subkey and the tenant slug and are therefore reproducible.
package cryptoutils
